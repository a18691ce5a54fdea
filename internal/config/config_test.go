package config

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"RELAY_HOST", "RELAY_PORT", "CHROMIUM_CDP_ADDRESS", "CHROMIUM_CDP_PORT",
		"RELAY_STATE_FILE", "RELAY_API_BIND_ADDR", "RELAY_LOG_LEVEL", "RELAY_LOG_FILE",
		"RELAY_JOURNAL_DIR", "RELAY_NOTIFY_URL",
	} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", cfg.RelayHost)
	require.Equal(t, DefaultRelayPort, cfg.RelayPort)
	require.Equal(t, "http://127.0.0.1:9222", cfg.GetCDPURL())
	require.Equal(t, "info", cfg.LogLevel)
	require.NotEmpty(t, cfg.StateFile)
	require.Empty(t, cfg.JournalDir)
	require.Empty(t, cfg.NotifyURL)
}

func TestLoadRelayPort(t *testing.T) {
	tests := []struct {
		value string
		want  int
	}{
		{value: "9000", want: 9000},
		{value: "0", want: DefaultRelayPort},
		{value: "65536", want: DefaultRelayPort},
		{value: "relay", want: DefaultRelayPort},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("RELAY_PORT", tt.value)
			cfg, err := Load()
			require.NoError(t, err)
			require.Equal(t, tt.want, cfg.RelayPort)
		})
	}
}

func TestApplyPersistedPort(t *testing.T) {
	cfg := &Config{RelayPort: DefaultRelayPort}
	cfg.ApplyPersistedPort(0)
	require.Equal(t, DefaultRelayPort, cfg.RelayPort)
	cfg.ApplyPersistedPort(99999)
	require.Equal(t, DefaultRelayPort, cfg.RelayPort)
	cfg.ApplyPersistedPort(19000)
	require.Equal(t, 19000, cfg.RelayPort)
}

func TestSlogLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, (&Config{LogLevel: "debug"}).SlogLevel())
	require.Equal(t, slog.LevelWarn, (&Config{LogLevel: "warning"}).SlogLevel())
	require.Equal(t, slog.LevelInfo, (&Config{LogLevel: "loud"}).SlogLevel())
}
