package relay

import (
	"io"
	"log/slog"
	"time"

	"github.com/wilsonzlin/aero/proxy/udp-broadcast-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/udp-broadcast-relay/internal/ratelimit"
)

const (
	DefaultExpiration         = 5 * time.Second
	DefaultRecvBufferBytes    = 1024
	DefaultFanoutLogPerSecond = 10
)

type Config struct {
	// Expiration is the idle duration after which a peer visited by a fan-out
	// pass (or a sweep) is evicted. Zero evicts any peer that is not active at
	// the exact instant of the pass; negative values select the default.
	Expiration time.Duration

	// RecvBufferBytes sizes the single reusable receive buffer. Larger
	// datagrams are truncated by the transport.
	RecvBufferBytes int

	// SweepInterval, when > 0, additionally scans every peer for expiry at
	// this interval, independent of fan-out traffic. Zero keeps eviction
	// piggybacked on fan-out passes only.
	SweepInterval time.Duration

	// FanoutLogPerSecond caps per-datagram debug logs. Zero disables them.
	FanoutLogPerSecond int

	// Optional collaborators. Nil values are replaced with no-op or real-time
	// implementations.
	Logger   *slog.Logger
	Observer Observer
	Metrics  *metrics.Metrics
	Clock    ratelimit.Clock
}

func DefaultConfig() Config {
	return Config{
		Expiration:         DefaultExpiration,
		RecvBufferBytes:    DefaultRecvBufferBytes,
		FanoutLogPerSecond: DefaultFanoutLogPerSecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Expiration < 0 {
		c.Expiration = d.Expiration
	}
	if c.RecvBufferBytes <= 0 {
		c.RecvBufferBytes = d.RecvBufferBytes
	}
	if c.SweepInterval < 0 {
		c.SweepInterval = 0
	}
	if c.FanoutLogPerSecond < 0 {
		c.FanoutLogPerSecond = 0
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.Clock == nil {
		c.Clock = ratelimit.RealClock{}
	}
	return c
}

// WithDefaults returns c with any zero/invalid fields replaced with sensible
// defaults.
func (c Config) WithDefaults() Config {
	return c.withDefaults()
}
