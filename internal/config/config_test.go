package config

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsDev(t *testing.T) {
	cfg, err := load(map[string]string{}, nil)
	require.NoError(t, err)

	assert.Equal(t, ModeDev, cfg.Mode)
	assert.Equal(t, LogFormatText, cfg.LogFormat)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	assert.Equal(t, DefaultShutdown, cfg.ShutdownTimeout)
	assert.Equal(t, DefaultMaxMessageBytes, cfg.MaxMessageBytes)
	assert.Equal(t, DefaultMaxMessagesPerSecond, cfg.MaxMessagesPerSecond)
	assert.Equal(t, DefaultWSIdleTimeout, cfg.WSIdleTimeout)
	assert.Equal(t, DefaultWSPingInterval, cfg.WSPingInterval)
	assert.Equal(t, DefaultWSWriteTimeout, cfg.WSWriteTimeout)
	assert.Equal(t, DefaultSendQueueFrames, cfg.SendQueueFrames)
	assert.Equal(t, DefaultStatsInterval, cfg.StatsInterval)
	assert.Equal(t, DefaultSweepInterval, cfg.SweepInterval)
	assert.Zero(t, cfg.StalePeerTimeout, "stale sweep disabled by default")
	assert.Zero(t, cfg.MaxSessions)
	assert.False(t, cfg.TrustProxyHeaders)
	assert.Empty(t, cfg.AllowedOrigins)
	assert.Empty(t, cfg.ICEServers)
}

func TestDefaultsProdWhenModeFlagSet(t *testing.T) {
	cfg, err := load(map[string]string{}, []string{"--mode", "prod"})
	require.NoError(t, err)

	assert.Equal(t, ModeProd, cfg.Mode)
	assert.Equal(t, LogFormatJSON, cfg.LogFormat)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
}

func TestExplicitLogFormatOverridesMode(t *testing.T) {
	cfg, err := load(map[string]string{
		EnvPrefix + "MODE":       "production",
		EnvPrefix + "LOG_FORMAT": "text",
		EnvPrefix + "LOG_LEVEL":  "warn",
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, LogFormatText, cfg.LogFormat)
	assert.Equal(t, slog.LevelWarn, cfg.LogLevel)
}

func TestEnvOverridesAndFlagsWin(t *testing.T) {
	environ := map[string]string{
		EnvPrefix + "LISTEN_ADDR":             "0.0.0.0:9000",
		EnvPrefix + "MAX_SESSIONS":            "10",
		EnvPrefix + "MAX_MESSAGE_BYTES":       "1024",
		EnvPrefix + "MAX_MESSAGES_PER_SECOND": "5",
		EnvPrefix + "WS_IDLE_TIMEOUT":         "30s",
		EnvPrefix + "WS_PING_INTERVAL":        "10s",
		EnvPrefix + "STALE_PEER_TIMEOUT":      "2m",
		EnvPrefix + "ALLOWED_ORIGINS":         "https://APP.example.com:443, http://localhost:5173",
		"AERO_STUN_URLS":                      "stun:stun.example.com:3478",
	}

	cfg, err := load(environ, nil)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddr)
	assert.Equal(t, 10, cfg.MaxSessions)
	assert.Equal(t, int64(1024), cfg.MaxMessageBytes)
	assert.Equal(t, 5, cfg.MaxMessagesPerSecond)
	assert.Equal(t, 30*time.Second, cfg.WSIdleTimeout)
	assert.Equal(t, 10*time.Second, cfg.WSPingInterval)
	assert.Equal(t, 2*time.Minute, cfg.StalePeerTimeout)
	assert.Equal(t, []string{"https://app.example.com", "http://localhost:5173"}, cfg.AllowedOrigins)
	assert.Len(t, cfg.ICEServers, 1)

	cfg, err = load(environ, []string{"--listen-addr", "127.0.0.1:7000", "--max-sessions", "3", "--allowed-origins", "*"})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", cfg.ListenAddr)
	assert.Equal(t, 3, cfg.MaxSessions)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
}

func TestTrustProxyHeaders(t *testing.T) {
	cfg, err := load(map[string]string{EnvPrefix + "TRUST_PROXY_HEADERS": "true"}, nil)
	require.NoError(t, err)
	assert.True(t, cfg.TrustProxyHeaders)

	cfg, err = load(map[string]string{EnvPrefix + "TRUST_PROXY_HEADERS": "true"}, []string{"--trust-proxy-headers=false"})
	require.NoError(t, err)
	assert.False(t, cfg.TrustProxyHeaders)

	_, err = load(map[string]string{EnvPrefix + "TRUST_PROXY_HEADERS": "maybe"}, nil)
	assert.Error(t, err)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]struct {
		env  map[string]string
		args []string
	}{
		"mode":               {env: map[string]string{EnvPrefix + "MODE": "staging"}},
		"log format":         {args: []string{"--log-format", "xml"}},
		"log level":          {args: []string{"--log-level", "loud"}},
		"duration syntax":    {env: map[string]string{EnvPrefix + "WS_IDLE_TIMEOUT": "soon"}},
		"ping >= idle":       {args: []string{"--ws-ping-interval", "60s", "--ws-idle-timeout", "60s"}},
		"zero message bytes": {args: []string{"--max-message-bytes", "0"}},
		"negative rate":      {args: []string{"--max-messages-per-second", "-1"}},
		"zero queue":         {args: []string{"--send-queue-frames", "0"}},
		"sweep without tick": {args: []string{"--stale-peer-timeout", "1m", "--sweep-interval", "0"}},
		"origin with path":   {env: map[string]string{EnvPrefix + "ALLOWED_ORIGINS": "https://example.com/app"}},
		"turn without creds": {env: map[string]string{"AERO_TURN_URLS": "turn:turn.example.com"}},
		"positional args":    {args: []string{"extra"}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			environ := tc.env
			if environ == nil {
				environ = map[string]string{}
			}
			_, err := load(environ, tc.args)
			assert.Error(t, err)
		})
	}
}

func TestLoadHelpReturnsErrHelp(t *testing.T) {
	_, err := load(map[string]string{}, []string{"-h"})
	assert.ErrorIs(t, err, flag.ErrHelp)
}

func TestEnvironment_DotEnvIsOverriddenByProcessEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	data := "AERO_SIGNALING_LISTEN_ADDR=0.0.0.0:1111\nAERO_SIGNALING_MAX_SESSIONS=4\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	environ, err := environment(path, []string{"AERO_SIGNALING_LISTEN_ADDR=0.0.0.0:2222", "MALFORMED"})
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:2222", environ["AERO_SIGNALING_LISTEN_ADDR"], "process env wins")
	assert.Equal(t, "4", environ["AERO_SIGNALING_MAX_SESSIONS"], ".env value kept")
}

func TestEnvironment_MissingDotEnvIsIgnored(t *testing.T) {
	environ, err := environment(filepath.Join(t.TempDir(), "missing.env"), []string{"A=1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "1"}, environ)
}
