package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/dgnsrekt/tabrelay/internal/netutil"
)

// DefaultRelayPort is the broker port used when nothing valid is configured.
const DefaultRelayPort = 18792

// Config holds all configuration for the tabrelay daemon and CLI.
type Config struct {
	// Broker settings
	RelayHost string
	RelayPort int

	// CDP connection settings
	CDPAddress string
	CDPPort    int

	// Browser launch (tabrelay run --launch)
	BrowserBinary     string
	BrowserProfileDir string

	// Local state and status API
	StateFile   string
	APIBindAddr string

	// Logging and journal
	LogLevel          string
	LogFile           string
	JournalDir        string
	JournalMaxSizeMB  int
	JournalBufferSize int

	// NotifyURL is an optional ntfy endpoint alerted on broker loss.
	NotifyURL string
}

// Load reads configuration from environment variables and optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		RelayHost:         getEnvOrDefault("RELAY_HOST", "127.0.0.1"),
		RelayPort:         getEnvPortOrDefault("RELAY_PORT", DefaultRelayPort),
		CDPAddress:        getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:           getEnvPortOrDefault("CHROMIUM_CDP_PORT", 9222),
		BrowserBinary:     os.Getenv("RELAY_BROWSER_BINARY"),
		BrowserProfileDir: os.Getenv("RELAY_BROWSER_PROFILE_DIR"),
		StateFile:         getEnvOrDefault("RELAY_STATE_FILE", defaultStateFile()),
		APIBindAddr:       getEnvOrDefault("RELAY_API_BIND_ADDR", "127.0.0.1:18793"),
		LogLevel:          strings.ToLower(getEnvOrDefault("RELAY_LOG_LEVEL", "info")),
		LogFile:           getEnvOrDefault("RELAY_LOG_FILE", "logs/tabrelay.log"),
		JournalDir:        os.Getenv("RELAY_JOURNAL_DIR"),
		JournalMaxSizeMB:  getEnvIntOrDefault("RELAY_JOURNAL_MAX_SIZE_MB", 25),
		JournalBufferSize: getEnvIntOrDefault("RELAY_JOURNAL_BUFFER_SIZE", 256),
		NotifyURL:         os.Getenv("RELAY_NOTIFY_URL"),
	}
	if cfg.RelayHost == "" {
		return nil, fmt.Errorf("RELAY_HOST must not be empty")
	}
	return cfg, nil
}

// ApplyPersistedPort overrides RelayPort with a valid port from the state
// file. Invalid or unset values leave the configured port in place.
func (c *Config) ApplyPersistedPort(port int) {
	if netutil.ValidPort(port) {
		c.RelayPort = port
	}
}

// GetCDPURL returns the full CDP HTTP endpoint used by chromedp remote allocator.
func (c *Config) GetCDPURL() string {
	return "http://" + c.CDPAddress + ":" + strconv.Itoa(c.CDPPort)
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func defaultStateFile() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "tabrelay", "state.yaml")
	}
	return "tabrelay-state.yaml"
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvPortOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		p, err := netutil.ParsePort(val)
		if err == nil {
			return p
		}
		slog.Warn("ignoring invalid port", "key", key, "value", val, "error", err)
	}
	return defaultVal
}
