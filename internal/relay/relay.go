package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wilsonzlin/aero/proxy/udp-broadcast-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/udp-broadcast-relay/internal/peers"
	"github.com/wilsonzlin/aero/proxy/udp-broadcast-relay/internal/ratelimit"
)

// aLongTimeAgo is a non-zero deadline in the past, used to wake a blocked
// ReadFrom immediately.
var aLongTimeAgo = time.Unix(1, 0)

// A not-ready send is retried after a doubling backoff within these bounds.
const (
	sendRetryMinBackoff = time.Millisecond
	sendRetryMaxBackoff = 50 * time.Millisecond
)

const (
	evictTriggerFanout = "fanout"
	evictTriggerSweep  = "sweep"
)

// pendingSend is the datagram currently awaiting fan-out. It lives from the
// receive that filled the buffer until the last recipient has been sent to.
type pendingSend struct {
	active bool
	size   int
	sender netip.AddrPort
	at     time.Time

	// recipients is snapshotted when the datagram is received; next is the
	// index of the first recipient not yet sent to, so a not-ready send is
	// retried at the same recipient instead of restarting the pass.
	recipients []netip.AddrPort
	next       int

	expired []peers.Peer
}

type Relay struct {
	conn      net.PacketConn
	cfg       Config
	log       *slog.Logger
	metrics   *metrics.Metrics
	observer  Observer
	clock     ratelimit.Clock
	fanoutLog *ratelimit.Sampler

	registry  *peers.Registry
	buf       []byte
	pending   pendingSend
	swept     []peers.Peer
	nextSweep time.Time

	serving atomic.Bool

	// deadlineMu orders read deadline updates from the loop against the
	// context watcher, so a cancellation is never overwritten by the loop.
	deadlineMu sync.Mutex
	stopping   bool
}

// New returns a Relay that reads from and writes to conn. The caller keeps
// ownership of conn and closes it after Serve returns.
func New(conn net.PacketConn, cfg Config) *Relay {
	cfg = cfg.withDefaults()
	return &Relay{
		conn:      conn,
		cfg:       cfg,
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
		observer:  cfg.Observer,
		clock:     cfg.Clock,
		fanoutLog: ratelimit.NewSampler(cfg.Clock, cfg.FanoutLogPerSecond),
		registry:  peers.NewRegistry(),
		buf:       make([]byte, cfg.RecvBufferBytes),
	}
}

func (r *Relay) LocalAddr() net.Addr {
	return r.conn.LocalAddr()
}

// Serve runs the receive, register, fan-out, evict cycle until ctx is done or
// the socket fails.
//
// It returns nil when ctx is cancelled; a pass that was in progress is kept and
// resumed by the next Serve call. Any socket error other than a deadline or
// would-block condition is returned wrapped in ErrReceive or ErrSend.
func (r *Relay) Serve(ctx context.Context) error {
	if !r.serving.CompareAndSwap(false, true) {
		return ErrAlreadyServing
	}
	defer r.serving.Store(false)

	// Clear whatever deadline a previous cancellation left behind. With sweeping
	// disabled this is the only time the loop touches the read deadline.
	r.deadlineMu.Lock()
	r.stopping = false
	_ = r.conn.SetReadDeadline(time.Time{})
	r.deadlineMu.Unlock()
	stop := context.AfterFunc(ctx, r.interrupt)
	defer stop()

	if r.cfg.SweepInterval > 0 {
		r.nextSweep = r.clock.Now().Add(r.cfg.SweepInterval)
	}

	if r.pending.active {
		if err := r.fanOut(ctx); err != nil {
			return err
		}
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		r.maybeSweep()

		n, from, err := r.conn.ReadFrom(r.buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isNotReady(err) {
				continue
			}
			return fmt.Errorf("%w: %w", ErrReceive, err)
		}

		sender, ok := peers.AddrPortOf(from)
		if !ok {
			r.metrics.Inc(metrics.UnknownSenderDropped)
			r.log.Warn("dropping datagram from unrecognized address", "remote_addr", fmt.Sprint(from))
			continue
		}
		now := r.clock.Now()
		r.metrics.Inc(metrics.DatagramsIn)
		r.metrics.Add(metrics.BytesIn, uint64(n))

		r.register(sender, now)
		r.begin(n, sender, now)
		if err := r.fanOut(ctx); err != nil {
			return err
		}
	}
}

func (r *Relay) interrupt() {
	r.deadlineMu.Lock()
	defer r.deadlineMu.Unlock()
	r.stopping = true
	_ = r.conn.SetReadDeadline(aLongTimeAgo)
}

func (r *Relay) setReadDeadline(t time.Time) {
	r.deadlineMu.Lock()
	defer r.deadlineMu.Unlock()
	if r.stopping {
		return
	}
	_ = r.conn.SetReadDeadline(t)
}

func (r *Relay) register(addr netip.AddrPort, now time.Time) {
	if !r.registry.Upsert(addr, now) {
		if r.observer != nil {
			r.observer.PeerRefreshed(peers.Peer{Addr: addr, LastActive: now})
		}
		return
	}
	r.metrics.Inc(metrics.PeersJoined)
	r.log.Info("peer_connected", "peer_addr", addr.String(), "peers", r.registry.Len())
	if r.observer != nil {
		r.observer.PeerJoined(peers.Peer{Addr: addr, LastActive: now})
	}
}

// begin records the datagram just read into buf as the pending send and
// snapshots its recipients: every registered peer except the sender.
func (r *Relay) begin(size int, sender netip.AddrPort, now time.Time) {
	p := &r.pending
	p.active = true
	p.size = size
	p.sender = sender
	p.at = now
	p.next = 0
	p.recipients = p.recipients[:0]
	p.expired = p.expired[:0]
	for addr := range r.registry.All() {
		if addr != sender {
			p.recipients = append(p.recipients, addr)
		}
	}
}

func (r *Relay) fanOut(ctx context.Context) error {
	p := &r.pending
	payload := r.buf[:p.size]

	var backoff time.Duration
	for p.next < len(p.recipients) {
		to := p.recipients[p.next]
		if _, err := r.conn.WriteTo(payload, peers.UDPAddr(to)); err != nil {
			if isNotReady(err) {
				if ctx.Err() != nil {
					return nil
				}
				r.metrics.Inc(metrics.SendRetries)
				backoff = min(max(2*backoff, sendRetryMinBackoff), sendRetryMaxBackoff)
				if !sleepCtx(ctx, backoff) {
					return nil
				}
				continue
			}
			r.metrics.Inc(metrics.FanoutAborted)
			sent := p.next
			r.pending.active = false
			return fmt.Errorf("%w: to %s after %d of %d recipients: %w", ErrSend, to, sent, len(p.recipients), err)
		}
		r.metrics.Inc(metrics.DatagramsOut)
		r.metrics.Add(metrics.BytesOut, uint64(len(payload)))
		backoff = 0

		if peer, ok := r.registry.Get(to); ok && peer.Expired(p.at, r.cfg.Expiration) {
			p.expired = append(p.expired, peer)
		}
		p.next++
	}

	if len(p.recipients) > 0 {
		r.metrics.Inc(metrics.FanoutPasses)
	}
	r.evict(p.expired, p.at, evictTriggerFanout)

	if ok, skipped := r.fanoutLog.Allow(); ok {
		r.log.Debug("fanout",
			"peer_addr", p.sender.String(),
			"bytes", p.size,
			"recipients", len(p.recipients),
			"expired", len(p.expired),
			"suppressed_logs", skipped,
		)
	}
	if r.observer != nil {
		r.observer.DatagramRelayed(Datagram{
			Sender:     p.sender,
			Bytes:      p.size,
			Recipients: len(p.recipients),
			At:         p.at,
		})
	}

	p.active = false
	return nil
}

func (r *Relay) evict(expired []peers.Peer, now time.Time, trigger string) {
	for _, peer := range expired {
		r.registry.Remove(peer.Addr)
		r.metrics.Inc(metrics.PeersExpired)
		r.log.Info("peer_expired",
			"peer_addr", peer.Addr.String(),
			"idle_for", peer.Idle(now),
			"expired_in_pass", len(expired),
			"trigger", trigger,
			"peers", r.registry.Len(),
		)
		if r.observer != nil {
			r.observer.PeerExpired(peer, now)
		}
	}
}

// sleepCtx waits for d and reports false if ctx ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// maybeSweep runs the independent eviction sweep when it is due and arms the
// read deadline so the loop wakes for the next one.
func (r *Relay) maybeSweep() {
	if r.cfg.SweepInterval <= 0 {
		return
	}
	now := r.clock.Now()
	if !now.Before(r.nextSweep) {
		r.sweep(now)
	}
	r.setReadDeadline(time.Now().Add(r.nextSweep.Sub(now)))
}

func (r *Relay) sweep(now time.Time) {
	r.swept = r.swept[:0]
	for _, peer := range r.registry.All() {
		if peer.Expired(now, r.cfg.Expiration) {
			r.swept = append(r.swept, peer)
		}
	}
	r.evict(r.swept, now, evictTriggerSweep)
	r.metrics.Inc(metrics.Sweeps)
	r.nextSweep = now.Add(r.cfg.SweepInterval)
}
