// Package cmd implements the CLI commands for tabrelay.
package cmd

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/tabrelay/internal/config"
	"github.com/dgnsrekt/tabrelay/internal/state"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "tabrelay",
	Short: "Relay browser tab debugging sessions to a local broker",
	Long: `tabrelay attaches to the tabs of a local Chromium over the DevTools
protocol and relays their debugging sessions to a broker listening on
ws://127.0.0.1:<port>/extension.

Configuration comes from the environment (and an optional .env file):
RELAY_PORT, RELAY_HOST, CHROMIUM_CDP_ADDRESS, CHROMIUM_CDP_PORT,
RELAY_STATE_FILE, RELAY_API_BIND_ADDR, RELAY_LOG_LEVEL, RELAY_LOG_FILE,
RELAY_JOURNAL_DIR, RELAY_NOTIFY_URL, RELAY_BROWSER_BINARY and
RELAY_BROWSER_PROFILE_DIR.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func openStore() *state.Store {
	return state.NewStore(cfg.StateFile)
}

// setupLogger sends text logs to stdout and to a rotating file.
func setupLogger(level slog.Level, filename string) error {
	var out io.Writer = os.Stdout
	if filename != "" {
		if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
			return err
		}
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   filename,
			MaxSize:    25,
			MaxBackups: 10,
			MaxAge:     14,
			Compress:   true,
		})
	}

	h := slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(h))
	return nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
