package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/origin"
)

const (
	EnvPrefix = "AERO_SIGNALING_"

	// DotEnvFile is read from the working directory when present. Values from
	// the real environment take precedence over it.
	DotEnvFile = ".env"

	DefaultListenAddr           = "127.0.0.1:8080"
	DefaultShutdown             = 15 * time.Second
	DefaultMode                 = ModeDev
	DefaultMaxMessageBytes      = int64(64 * 1024)
	DefaultMaxMessagesPerSecond = 50
	DefaultWSIdleTimeout        = 60 * time.Second
	DefaultWSPingInterval       = 20 * time.Second
	DefaultWSWriteTimeout       = 1 * time.Second
	DefaultSendQueueFrames      = 64
	DefaultStatsInterval        = 30 * time.Second
	DefaultSweepInterval        = 10 * time.Second
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
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	// TrustProxyHeaders takes the client address from X-Forwarded-For /
	// X-Real-IP. Only enable behind a reverse proxy that overwrites them.
	TrustProxyHeaders bool

	// AllowedOrigins holds normalized origins (or "*"). Empty means same-host
	// only.
	AllowedOrigins []string

	// MaxSessions caps concurrent signaling sessions. 0 is unlimited.
	MaxSessions int

	MaxMessageBytes int64
	// MaxMessagesPerSecond is the per-session inbound budget. 0 is unlimited.
	MaxMessagesPerSecond int

	WSIdleTimeout   time.Duration
	WSPingInterval  time.Duration
	WSWriteTimeout  time.Duration
	SendQueueFrames int

	// StatsInterval is how often connection stats are logged. 0 disables.
	StatsInterval time.Duration
	// StalePeerTimeout closes sessions that have not sent a message for this
	// long. 0 disables the sweep.
	StalePeerTimeout time.Duration
	SweepInterval    time.Duration

	ICEServers []webrtc.ICEServer
}

// envConfig is the AERO_SIGNALING_-prefixed environment surface.
type envConfig struct {
	ListenAddr           string        `env:"LISTEN_ADDR" envDefault:"127.0.0.1:8080"`
	Mode                 string        `env:"MODE" envDefault:"dev"`
	LogFormat            string        `env:"LOG_FORMAT"`
	LogLevel             string        `env:"LOG_LEVEL"`
	ShutdownTimeout      time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
	TrustProxyHeaders    bool          `env:"TRUST_PROXY_HEADERS" envDefault:"false"`
	AllowedOrigins       []string      `env:"ALLOWED_ORIGINS" envSeparator:","`
	MaxSessions          int           `env:"MAX_SESSIONS" envDefault:"0"`
	MaxMessageBytes      int64         `env:"MAX_MESSAGE_BYTES" envDefault:"65536"`
	MaxMessagesPerSecond int           `env:"MAX_MESSAGES_PER_SECOND" envDefault:"50"`
	WSIdleTimeout        time.Duration `env:"WS_IDLE_TIMEOUT" envDefault:"60s"`
	WSPingInterval       time.Duration `env:"WS_PING_INTERVAL" envDefault:"20s"`
	WSWriteTimeout       time.Duration `env:"WS_WRITE_TIMEOUT" envDefault:"1s"`
	SendQueueFrames      int           `env:"SEND_QUEUE_FRAMES" envDefault:"64"`
	StatsInterval        time.Duration `env:"STATS_INTERVAL" envDefault:"30s"`
	StalePeerTimeout     time.Duration `env:"STALE_PEER_TIMEOUT" envDefault:"0s"`
	SweepInterval        time.Duration `env:"SWEEP_INTERVAL" envDefault:"10s"`
}

// Load reads configuration from .env, the process environment and args, in
// increasing order of precedence.
func Load(args []string) (Config, error) {
	environ, err := environment(DotEnvFile, os.Environ())
	if err != nil {
		return Config{}, err
	}
	return load(environ, args)
}

func environment(dotEnvPath string, processEnv []string) (map[string]string, error) {
	merged, err := godotenv.Read(dotEnvPath)
	if errors.Is(err, fs.ErrNotExist) {
		merged = make(map[string]string)
	} else if err != nil {
		return nil, fmt.Errorf("read %s: %w", dotEnvPath, err)
	}
	for _, kv := range processEnv {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			merged[k] = v
		}
	}
	return merged, nil
}

func load(environ map[string]string, args []string) (Config, error) {
	var ec envConfig
	if err := env.ParseWithOptions(&ec, env.Options{Prefix: EnvPrefix, Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	var ic iceEnv
	if err := env.ParseWithOptions(&ic, env.Options{Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	flags := flag.NewFlagSet("aero-signaling-relay", flag.ContinueOnError)
	flags.SetOutput(os.Stderr)

	allowedOriginsStr := strings.Join(ec.AllowedOrigins, ",")

	flags.StringVar(&ec.ListenAddr, "listen-addr", ec.ListenAddr, "HTTP listen address (host:port)")
	flags.StringVar(&ec.Mode, "mode", ec.Mode, "Run mode: dev or prod")
	flags.StringVar(&ec.LogFormat, "log-format", ec.LogFormat, "Log format: text or json (default depends on mode)")
	flags.StringVar(&ec.LogLevel, "log-level", ec.LogLevel, "Log level: debug, info, warn, error (default depends on mode)")
	flags.DurationVar(&ec.ShutdownTimeout, "shutdown-timeout", ec.ShutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	flags.BoolVar(&ec.TrustProxyHeaders, "trust-proxy-headers", ec.TrustProxyHeaders, "Use X-Forwarded-For / X-Real-IP as the client address (only behind a trusted proxy)")
	flags.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins, or *")
	flags.IntVar(&ec.MaxSessions, "max-sessions", ec.MaxSessions, "Maximum concurrent signaling sessions (0 = unlimited)")
	flags.Int64Var(&ec.MaxMessageBytes, "max-message-bytes", ec.MaxMessageBytes, "Max inbound signaling message size in bytes")
	flags.IntVar(&ec.MaxMessagesPerSecond, "max-messages-per-second", ec.MaxMessagesPerSecond, "Max inbound signaling messages per second per session (0 = unlimited)")
	flags.DurationVar(&ec.WSIdleTimeout, "ws-idle-timeout", ec.WSIdleTimeout, "Close idle WebSocket connections after this duration")
	flags.DurationVar(&ec.WSPingInterval, "ws-ping-interval", ec.WSPingInterval, "Send ping frames at this interval (must be < --ws-idle-timeout)")
	flags.DurationVar(&ec.WSWriteTimeout, "ws-write-timeout", ec.WSWriteTimeout, "Deadline for a single WebSocket write")
	flags.IntVar(&ec.SendQueueFrames, "send-queue-frames", ec.SendQueueFrames, "Outbound frames buffered per session before drops")
	flags.DurationVar(&ec.StatsInterval, "stats-interval", ec.StatsInterval, "Log connection stats at this interval (0 = disabled)")
	flags.DurationVar(&ec.StalePeerTimeout, "stale-peer-timeout", ec.StalePeerTimeout, "Close sessions silent for this long (0 = disabled)")
	flags.DurationVar(&ec.SweepInterval, "sweep-interval", ec.SweepInterval, "How often to check for stale sessions")
	flags.StringVar(&ic.ServersJSON, "ice-servers-json", ic.ServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	flags.StringVar(&ic.StunURLs, "stun-urls", ic.StunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	flags.StringVar(&ic.TurnURLs, "turn-urls", ic.TurnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	flags.StringVar(&ic.TurnUsername, "turn-username", ic.TurnUsername, "TURN username ("+envTurnUsername+")")
	flags.StringVar(&ic.TurnCredential, "turn-credential", ic.TurnCredential, "TURN credential ("+envTurnCredential+")")

	if err := flags.Parse(args); err != nil {
		return Config{}, err
	}
	if flags.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected arguments: %s", strings.Join(flags.Args(), " "))
	}

	mode, err := parseMode(ec.Mode)
	if err != nil {
		return Config{}, err
	}
	if strings.TrimSpace(ec.LogFormat) == "" {
		ec.LogFormat = defaultLogFormatForMode(mode)
	}
	logFormat, err := parseLogFormat(ec.LogFormat)
	if err != nil {
		return Config{}, err
	}
	if strings.TrimSpace(ec.LogLevel) == "" {
		ec.LogLevel = defaultLogLevelForMode(mode)
	}
	logLevel, err := parseLogLevel(ec.LogLevel)
	if err != nil {
		return Config{}, err
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, err
	}

	iceServers, err := ic.servers()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:           strings.TrimSpace(ec.ListenAddr),
		Mode:                 mode,
		LogFormat:            logFormat,
		LogLevel:             logLevel,
		ShutdownTimeout:      ec.ShutdownTimeout,
		TrustProxyHeaders:    ec.TrustProxyHeaders,
		AllowedOrigins:       allowedOrigins,
		MaxSessions:          ec.MaxSessions,
		MaxMessageBytes:      ec.MaxMessageBytes,
		MaxMessagesPerSecond: ec.MaxMessagesPerSecond,
		WSIdleTimeout:        ec.WSIdleTimeout,
		WSPingInterval:       ec.WSPingInterval,
		WSWriteTimeout:       ec.WSWriteTimeout,
		SendQueueFrames:      ec.SendQueueFrames,
		StatsInterval:        ec.StatsInterval,
		StalePeerTimeout:     ec.StalePeerTimeout,
		SweepInterval:        ec.SweepInterval,
		ICEServers:           iceServers,
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen address must not be empty")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be > 0 (got %s)", c.ShutdownTimeout)
	}
	if c.MaxSessions < 0 {
		return fmt.Errorf("max sessions must be >= 0 (got %d)", c.MaxSessions)
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("max message bytes must be > 0 (got %d)", c.MaxMessageBytes)
	}
	if c.MaxMessagesPerSecond < 0 {
		return fmt.Errorf("max messages per second must be >= 0 (got %d)", c.MaxMessagesPerSecond)
	}
	if c.WSIdleTimeout <= 0 {
		return fmt.Errorf("ws idle timeout must be > 0 (got %s)", c.WSIdleTimeout)
	}
	if c.WSPingInterval <= 0 || c.WSPingInterval >= c.WSIdleTimeout {
		return fmt.Errorf("ws ping interval must be > 0 and < ws idle timeout (got %s, idle %s)", c.WSPingInterval, c.WSIdleTimeout)
	}
	if c.WSWriteTimeout <= 0 {
		return fmt.Errorf("ws write timeout must be > 0 (got %s)", c.WSWriteTimeout)
	}
	if c.SendQueueFrames <= 0 {
		return fmt.Errorf("send queue frames must be > 0 (got %d)", c.SendQueueFrames)
	}
	if c.StatsInterval < 0 {
		return fmt.Errorf("stats interval must be >= 0 (got %s)", c.StatsInterval)
	}
	if c.StalePeerTimeout < 0 {
		return fmt.Errorf("stale peer timeout must be >= 0 (got %s)", c.StalePeerTimeout)
	}
	if c.StalePeerTimeout > 0 && c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be > 0 when stale peer timeout is set (got %s)", c.SweepInterval)
	}
	return nil
}

func parseAllowedOrigins(raw string) ([]string, error) {
	var out []string
	for _, entry := range splitCommaSeparated(raw) {
		if entry == "*" {
			out = append(out, entry)
			continue
		}
		normalized, _, ok := origin.Normalize(entry)
		if !ok {
			return nil, fmt.Errorf("invalid allowed origin %q", entry)
		}
		out = append(out, normalized)
	}
	return out, nil
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

func defaultLogFormatForMode(mode Mode) string {
	if mode == ModeProd {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode Mode) string {
	if mode == ModeProd {
		return "info"
	}
	return "debug"
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development", "":
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
