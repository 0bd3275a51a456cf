package metrics

import "sync"

// Relay event counters. Byte counters are payload bytes only.
const (
	DatagramsIn  = "datagrams_in"
	BytesIn      = "bytes_in"
	DatagramsOut = "datagrams_out"
	BytesOut     = "bytes_out"

	FanoutPasses = "fanout_passes"
	// FanoutAborted counts passes cut short by a fatal send error.
	FanoutAborted = "fanout_aborted"
	SendRetries   = "send_retries"

	PeersJoined  = "peers_joined"
	PeersExpired = "peers_expired"
	Sweeps       = "sweeps"

	UnknownSenderDropped = "unknown_sender_dropped"

	EventsPublished      = "events_published"
	EventsDropped        = "events_dropped"
	EventsWSConnections  = "events_ws_connections"
	EventsWSOriginDenied = "events_ws_origin_denied"
)

// Metrics is a concurrency-safe counter registry.
//
// The relay loop increments counters inline; PrometheusHandler exports them.
// A nil *Metrics is a valid no-op sink.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return map[string]uint64{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
