package relay

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/udp-broadcast-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/udp-broadcast-relay/internal/peers"
)

var epoch = time.Unix(1_700_000_000, 0)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type inbound struct {
	from    net.Addr
	payload []byte
}

type sentDatagram struct {
	to      netip.AddrPort
	payload []byte
}

// fakeConn is a scripted net.PacketConn. Datagrams pushed onto in are
// returned by ReadFrom in order; WriteTo records every successful send and can
// be told to fail for specific recipients.
type fakeConn struct {
	in        chan inbound
	wake      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	mu           sync.Mutex
	readDeadline time.Time
	deadlineSets int
	sent         []sentDatagram
	writeErrs    map[netip.AddrPort][]error
	stalled      map[netip.AddrPort]bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:        make(chan inbound, 64),
		wake:      make(chan struct{}, 1),
		closed:    make(chan struct{}),
		writeErrs: make(map[netip.AddrPort][]error),
		stalled:   make(map[netip.AddrPort]bool),
	}
}

func (c *fakeConn) ReadFrom(b []byte) (int, net.Addr, error) {
	for {
		c.mu.Lock()
		dl := c.readDeadline
		c.mu.Unlock()

		var timeout <-chan time.Time
		var timer *time.Timer
		if !dl.IsZero() {
			d := time.Until(dl)
			if d <= 0 {
				return 0, nil, os.ErrDeadlineExceeded
			}
			timer = time.NewTimer(d)
			timeout = timer.C
		}

		select {
		case m := <-c.in:
			if timer != nil {
				timer.Stop()
			}
			return copy(b, m.payload), m.from, nil
		case <-timeout:
			return 0, nil, os.ErrDeadlineExceeded
		case <-c.wake:
			if timer != nil {
				timer.Stop()
			}
		case <-c.closed:
			if timer != nil {
				timer.Stop()
			}
			return 0, nil, net.ErrClosed
		}
	}
}

func (c *fakeConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	ap, ok := peers.AddrPortOf(addr)
	if !ok {
		return 0, errors.New("fakeConn: bad address")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stalled[ap] {
		return 0, os.ErrDeadlineExceeded
	}
	if errs := c.writeErrs[ap]; len(errs) > 0 {
		c.writeErrs[ap] = errs[1:]
		return 0, errs[0]
	}
	c.sent = append(c.sent, sentDatagram{to: ap, payload: append([]byte(nil), b...)})
	return len(b), nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8080}
}

func (c *fakeConn) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}

func (c *fakeConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.deadlineSets++
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) failWrites(to netip.AddrPort, errs ...error) {
	c.mu.Lock()
	c.writeErrs[to] = append(c.writeErrs[to], errs...)
	c.mu.Unlock()
}

func (c *fakeConn) stall(to netip.AddrPort, on bool) {
	c.mu.Lock()
	c.stalled[to] = on
	c.mu.Unlock()
}

func (c *fakeConn) sentTo(to netip.AddrPort) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out [][]byte
	for _, s := range c.sent {
		if s.to == to {
			out = append(out, s.payload)
		}
	}
	return out
}

func (c *fakeConn) readDeadlineSets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deadlineSets
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type recordingObserver struct {
	mu        sync.Mutex
	joined    []peers.Peer
	refreshed []peers.Peer
	expired   []peers.Peer

	relayed chan Datagram
	expiry  chan peers.Peer
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		relayed: make(chan Datagram, 64),
		expiry:  make(chan peers.Peer, 64),
	}
}

func (o *recordingObserver) PeerJoined(p peers.Peer) {
	o.mu.Lock()
	o.joined = append(o.joined, p)
	o.mu.Unlock()
}

func (o *recordingObserver) PeerRefreshed(p peers.Peer) {
	o.mu.Lock()
	o.refreshed = append(o.refreshed, p)
	o.mu.Unlock()
}

func (o *recordingObserver) PeerExpired(p peers.Peer, _ time.Time) {
	o.mu.Lock()
	o.expired = append(o.expired, p)
	o.mu.Unlock()
	o.expiry <- p
}

func (o *recordingObserver) DatagramRelayed(d Datagram) {
	o.relayed <- d
}

func (o *recordingObserver) expiredAddrs() []netip.AddrPort {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]netip.AddrPort, 0, len(o.expired))
	for _, p := range o.expired {
		out = append(out, p.Addr)
	}
	return out
}

type harness struct {
	t       *testing.T
	conn    *fakeConn
	clock   *manualClock
	obs     *recordingObserver
	metrics *metrics.Metrics
	relay   *Relay

	cancel context.CancelFunc
	done   chan error
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	h := &harness{
		t:       t,
		conn:    newFakeConn(),
		clock:   &manualClock{now: epoch},
		obs:     newRecordingObserver(),
		metrics: metrics.New(),
	}
	cfg.Clock = h.clock
	cfg.Observer = h.obs
	cfg.Metrics = h.metrics
	h.relay = New(h.conn, cfg)
	t.Cleanup(func() {
		h.stop()
		_ = h.conn.Close()
	})
	return h
}

func (h *harness) start() {
	h.t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.relay.Serve(ctx) }()
}

// stop cancels Serve and returns its result. It is safe to call when the
// relay is not running.
func (h *harness) stop() error {
	h.t.Helper()
	if h.cancel == nil {
		return nil
	}
	h.cancel()
	h.cancel = nil
	return h.wait()
}

// exited waits for Serve to return on its own.
func (h *harness) exited() error {
	h.t.Helper()
	err := h.wait()
	h.cancel()
	h.cancel = nil
	return err
}

func (h *harness) wait() error {
	h.t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(2 * time.Second):
		h.t.Fatalf("timed out waiting for Serve to return")
		return nil
	}
}

// send delivers payload from addr at the current clock time and waits until
// the relay has finished the corresponding fan-out pass.
//
// The registry may be inspected after send returns: the relay goroutine does
// not touch it again until the next datagram is delivered.
func (h *harness) send(from netip.AddrPort, payload []byte) Datagram {
	h.t.Helper()
	h.conn.in <- inbound{from: peers.UDPAddr(from), payload: payload}
	select {
	case d := <-h.obs.relayed:
		return d
	case <-time.After(2 * time.Second):
		h.t.Fatalf("timed out waiting for %s's datagram to be relayed", from)
		return Datagram{}
	}
}

func (h *harness) sendAt(at time.Duration, from netip.AddrPort, payload []byte) Datagram {
	h.t.Helper()
	h.clock.Set(epoch.Add(at))
	return h.send(from, payload)
}

func (h *harness) registered() map[netip.AddrPort]peers.Peer {
	out := make(map[netip.AddrPort]peers.Peer)
	for addr, p := range h.relay.registry.All() {
		out[addr] = p
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func peerUDP(ap netip.AddrPort) *net.UDPAddr {
	return peers.UDPAddr(ap)
}
