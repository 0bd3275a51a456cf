package main

import (
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/wilsonzlin/aero/proxy/udp-broadcast-relay/internal/config"
)

// Above this idle threshold a relay exposed to spoofed senders can accumulate
// a very large peer table before anything is evicted.
const longExpiration = time.Hour

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if !isLoopbackAddr(cfg.ListenAddr) {
		logger.Warn("startup security warning: relay listens on a non-loopback address (any host that can reach it becomes a peer and receives every datagram)",
			"warning_code", "relay_listen_non_loopback",
			"listen_addr", cfg.ListenAddr,
			"mode", cfg.Mode,
		)
	}

	if cfg.AdminEnabled() && !isLoopbackAddr(cfg.AdminListenAddr) && cfg.AdminToken == "" {
		logger.Warn("startup security warning: admin server listens on a non-loopback address without ADMIN_TOKEN (exposes peer addresses via /peers and /events)",
			"warning_code", "admin_listen_non_loopback",
			"admin_listen_addr", cfg.AdminListenAddr,
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Expiration == 0 {
		logger.Warn("startup warning: EXPIRATION=0 evicts every peer that is not active at the instant of a fan-out pass",
			"warning_code", "expiration_zero",
			"expiration", cfg.Expiration,
			"mode", cfg.Mode,
		)
	} else if cfg.Expiration > longExpiration && cfg.EvictionSweepInterval == 0 {
		logger.Warn("startup security warning: EXPIRATION is very large and no eviction sweep is configured (idle peers may accumulate)",
			"warning_code", "expiration_large_without_sweep",
			"expiration", cfg.Expiration,
			"mode", cfg.Mode,
		)
	}
}

// isLoopbackAddr reports whether a host:port binds only to loopback. An empty
// or unspecified host binds every interface.
func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return ip.IsLoopback()
}
