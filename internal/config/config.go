package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/wilsonzlin/aero/proxy/udp-broadcast-relay/internal/origin"
)

const (
	envVarListenAddr      = "AERO_UDP_BROADCAST_RELAY_LISTEN_ADDR"
	envVarExpiration      = "AERO_UDP_BROADCAST_RELAY_EXPIRATION"
	envVarAdminListenAddr = "AERO_UDP_BROADCAST_RELAY_ADMIN_LISTEN_ADDR"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarAdminToken      = "ADMIN_TOKEN"
	envVarLogFormat       = "AERO_UDP_BROADCAST_RELAY_LOG_FORMAT"
	envVarLogLevel        = "AERO_UDP_BROADCAST_RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "AERO_UDP_BROADCAST_RELAY_SHUTDOWN_TIMEOUT"
	envVarMode            = "AERO_UDP_BROADCAST_RELAY_MODE"

	// Relay loop knobs.
	envVarRecvBufferBytes       = "RECV_BUFFER_BYTES"
	envVarEvictionSweepInterval = "EVICTION_SWEEP_INTERVAL"
	envVarFanoutLogPerSecond    = "FANOUT_LOG_PER_SECOND"

	// Admin /events WebSocket keepalive + buffering.
	envVarEventsWSPingInterval = "EVENTS_WS_PING_INTERVAL"
	envVarEventsWSIdleTimeout  = "EVENTS_WS_IDLE_TIMEOUT"
	envVarEventsQueueBytes     = "EVENTS_QUEUE_BYTES"

	DefaultListenAddr              = "127.0.0.1:8080"
	DefaultExpiration              = 5 * time.Second
	DefaultShutdown                = 15 * time.Second
	DefaultMode               Mode = ModeDev
	DefaultRecvBufferBytes         = 1024
	DefaultFanoutLogPerSecond      = 10

	DefaultEventsWSPingInterval = 20 * time.Second
	DefaultEventsWSIdleTimeout  = 60 * time.Second
	DefaultEventsQueueBytes     = 64 * 1024
)

// Exported env var names, for tests and operator-facing messages.
const (
	EnvListenAddr            = envVarListenAddr
	EnvExpiration            = envVarExpiration
	EnvAdminListenAddr       = envVarAdminListenAddr
	EnvAdminToken            = envVarAdminToken
	EnvRecvBufferBytes       = envVarRecvBufferBytes
	EnvEvictionSweepInterval = envVarEvictionSweepInterval
	EnvEventsQueueBytes      = envVarEventsQueueBytes
)

const (
	flagListenAddr = "listen-addr"
	flagExpiration = "expiration"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	// ListenAddr is the UDP address the relay socket binds to.
	ListenAddr string
	// Expiration is the idle threshold after which a peer is evicted. It is
	// configured in whole seconds.
	Expiration time.Duration
	// RecvBufferBytes bounds the size of a relayed datagram; longer datagrams
	// are truncated by the socket.
	RecvBufferBytes int
	// EvictionSweepInterval enables an independent eviction sweep when > 0.
	EvictionSweepInterval time.Duration
	FanoutLogPerSecond    int

	// AdminListenAddr is the HTTP listen address for health, metrics and the
	// event stream. Empty disables the admin server.
	AdminListenAddr string
	AllowedOrigins  []string
	// AdminToken, when set, is required as a bearer token (or ?token=) on
	// /peers, /metrics and /events.
	AdminToken string

	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	EventsWSPingInterval time.Duration
	EventsWSIdleTimeout  time.Duration
	EventsQueueBytes     int
}

// AdminEnabled reports whether the admin HTTP server should run.
func (c Config) AdminEnabled() bool {
	return c.AdminListenAddr != ""
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	expirationStr := envOrDefault(lookup, envVarExpiration, strconv.Itoa(int(DefaultExpiration/time.Second)))
	adminListenAddr := envOrDefault(lookup, envVarAdminListenAddr, "")
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	adminToken := envOrDefault(lookup, envVarAdminToken, "")

	recvBufferBytes, err := envIntOrDefault(lookup, envVarRecvBufferBytes, DefaultRecvBufferBytes)
	if err != nil {
		return Config{}, err
	}
	fanoutLogPerSecond, err := envIntOrDefault(lookup, envVarFanoutLogPerSecond, DefaultFanoutLogPerSecond)
	if err != nil {
		return Config{}, err
	}
	eventsQueueBytes, err := envIntOrDefault(lookup, envVarEventsQueueBytes, DefaultEventsQueueBytes)
	if err != nil {
		return Config{}, err
	}

	sweepInterval, err := envDurationOrDefault(lookup, envVarEvictionSweepInterval, 0)
	if err != nil {
		return Config{}, err
	}
	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	eventsWSPingInterval, err := envDurationOrDefault(lookup, envVarEventsWSPingInterval, DefaultEventsWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	eventsWSIdleTimeout, err := envDurationOrDefault(lookup, envVarEventsWSIdleTimeout, DefaultEventsWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("aero-udp-broadcast-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	listenUsage := "UDP listen address (host:port; env " + envVarListenAddr + ")"
	fs.StringVar(&listenAddr, flagListenAddr, listenAddr, listenUsage)
	fs.StringVar(&listenAddr, "address", listenAddr, "Alias for --"+flagListenAddr)
	fs.StringVar(&listenAddr, "a", listenAddr, "Alias for --"+flagListenAddr)
	expirationUsage := "Evict peers idle for longer than this many seconds (env " + envVarExpiration + ")"
	fs.StringVar(&expirationStr, flagExpiration, expirationStr, expirationUsage)
	fs.StringVar(&expirationStr, "e", expirationStr, "Alias for --"+flagExpiration)

	fs.IntVar(&recvBufferBytes, "recv-buffer-bytes", recvBufferBytes, "Receive buffer size in bytes; longer datagrams are truncated (env "+envVarRecvBufferBytes+")")
	fs.DurationVar(&sweepInterval, "sweep-interval", sweepInterval, "Also scan all peers for expiry at this interval (0 = only during fan-out; env "+envVarEvictionSweepInterval+")")
	fs.IntVar(&fanoutLogPerSecond, "fanout-log-per-second", fanoutLogPerSecond, "Max per-datagram debug log lines per second (0 = none; env "+envVarFanoutLogPerSecond+")")

	fs.StringVar(&adminListenAddr, "admin-listen-addr", adminListenAddr, "HTTP listen address for health, metrics and events (empty = disabled; env "+envVarAdminListenAddr+")")
	fs.StringVar(&adminToken, "admin-token", adminToken, "Bearer token required on /peers, /metrics and /events (empty = no auth; env "+envVarAdminToken+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.DurationVar(&eventsWSPingInterval, "events-ws-ping-interval", eventsWSPingInterval, "Send ping frames on /events WebSocket connections at this interval (must be < --events-ws-idle-timeout; env "+envVarEventsWSPingInterval+")")
	fs.DurationVar(&eventsWSIdleTimeout, "events-ws-idle-timeout", eventsWSIdleTimeout, "Close idle /events WebSocket connections after this duration (env "+envVarEventsWSIdleTimeout+")")
	fs.IntVar(&eventsQueueBytes, "events-queue-bytes", eventsQueueBytes, "Max queued bytes per /events subscriber before dropping (env "+envVarEventsQueueBytes+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected arguments: %q", fs.Args())
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}

	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if err := validateUDPAddr(listenAddr); err != nil {
		return Config{}, fmt.Errorf("invalid %s/--%s %q: %w", envVarListenAddr, flagListenAddr, listenAddr, err)
	}
	expiration, err := parseExpirationSeconds(expirationStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--%s %q: %w", envVarExpiration, flagExpiration, expirationStr, err)
	}
	if recvBufferBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--recv-buffer-bytes must be > 0", envVarRecvBufferBytes)
	}
	if recvBufferBytes > 65535 {
		return Config{}, fmt.Errorf("%s/--recv-buffer-bytes must be <= 65535 (max UDP payload)", envVarRecvBufferBytes)
	}
	if sweepInterval < 0 {
		return Config{}, fmt.Errorf("%s/--sweep-interval must be >= 0", envVarEvictionSweepInterval)
	}
	if fanoutLogPerSecond < 0 {
		return Config{}, fmt.Errorf("%s/--fanout-log-per-second must be >= 0", envVarFanoutLogPerSecond)
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if adminListenAddr != "" {
		if _, _, err := net.SplitHostPort(adminListenAddr); err != nil {
			return Config{}, fmt.Errorf("invalid %s/--admin-listen-addr %q: %w", envVarAdminListenAddr, adminListenAddr, err)
		}
	}
	if eventsWSIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--events-ws-idle-timeout must be > 0", envVarEventsWSIdleTimeout)
	}
	if eventsWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--events-ws-ping-interval must be > 0", envVarEventsWSPingInterval)
	}
	if eventsWSPingInterval >= eventsWSIdleTimeout {
		return Config{}, fmt.Errorf("%s/--events-ws-ping-interval must be < %s/--events-ws-idle-timeout", envVarEventsWSPingInterval, envVarEventsWSIdleTimeout)
	}
	if eventsQueueBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--events-queue-bytes must be > 0", envVarEventsQueueBytes)
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--allowed-origins: %w", envVarAllowedOrigins, err)
	}

	return Config{
		ListenAddr:            listenAddr,
		Expiration:            expiration,
		RecvBufferBytes:       recvBufferBytes,
		EvictionSweepInterval: sweepInterval,
		FanoutLogPerSecond:    fanoutLogPerSecond,

		AdminListenAddr: adminListenAddr,
		AllowedOrigins:  allowedOrigins,
		AdminToken:      strings.TrimSpace(adminToken),

		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		EventsWSPingInterval: eventsWSPingInterval,
		EventsWSIdleTimeout:  eventsWSIdleTimeout,
		EventsQueueBytes:     eventsQueueBytes,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

// parseExpirationSeconds accepts a non-negative whole number of seconds.
// Duration syntax ("5s") is rejected so the flag means the same thing as it
// always has.
func parseExpirationSeconds(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("expected a whole number of seconds")
	}
	if n < 0 {
		return 0, fmt.Errorf("must be >= 0")
	}
	if n > int64((1<<63-1)/int64(time.Second)) {
		return 0, fmt.Errorf("too large")
	}
	return time.Duration(n) * time.Second, nil
}

func validateUDPAddr(addr string) error {
	if addr == "" {
		return fmt.Errorf("must not be empty")
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if entry == "*" || entry == origin.Null {
			out = append(out, entry)
			continue
		}

		normalizedOrigin, _, ok := origin.Normalize(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalizedOrigin)
	}

	return out, nil
}
