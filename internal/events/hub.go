package events

import (
	"io"
	"log/slog"
	"sync"

	"github.com/wilsonzlin/aero/proxy/udp-broadcast-relay/internal/metrics"
)

// Hub fans published events out to subscribers. Each subscriber has its own
// byte-bounded queue; Publish never blocks on a slow subscriber.
type Hub struct {
	log        *slog.Logger
	metrics    *metrics.Metrics
	queueBytes int

	mu   sync.Mutex
	seq  uint64
	subs map[*Subscription]struct{}
}

func NewHub(queueBytes int, m *metrics.Metrics, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Hub{
		log:        logger,
		metrics:    m,
		queueBytes: queueBytes,
		subs:       make(map[*Subscription]struct{}),
	}
}

type Subscription struct {
	hub    *Hub
	format Format
	queue  *frameQueue
}

// Subscribe registers a new subscriber receiving frames encoded in f.
func (h *Hub) Subscribe(f Format) *Subscription {
	s := &Subscription{hub: h, format: f, queue: newFrameQueue(h.queueBytes)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Next blocks until the next frame is available. It returns false once the
// subscription is closed.
func (s *Subscription) Next() ([]byte, bool) {
	return s.queue.Dequeue()
}

// Dropped returns how many frames this subscriber lost to a full queue.
func (s *Subscription) Dropped() uint64 {
	return s.queue.DropCount()
}

func (s *Subscription) Format() Format {
	return s.format
}

// Close unsubscribes and wakes any goroutine blocked in Next.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	delete(s.hub.subs, s)
	s.hub.mu.Unlock()
	s.queue.Close()
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Publish assigns e the next sequence number and enqueues it for every
// subscriber. Each format is encoded at most once per event.
func (h *Hub) Publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	e.Seq = h.seq
	h.metrics.Inc(metrics.EventsPublished)
	if len(h.subs) == 0 {
		return
	}

	var encoded [2][]byte
	var encodeErr [2]error
	var done [2]bool
	for s := range h.subs {
		i := 0
		if s.format == FormatCBOR {
			i = 1
		}
		if !done[i] {
			encoded[i], encodeErr[i] = s.format.Encode(e)
			done[i] = true
			if encodeErr[i] != nil {
				h.log.Error("failed to encode event", "format", string(s.format), "err", encodeErr[i])
			}
		}
		if encodeErr[i] != nil || !s.queue.Enqueue(encoded[i]) {
			h.metrics.Inc(metrics.EventsDropped)
		}
	}
}
