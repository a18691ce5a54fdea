package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dgnsrekt/tabrelay/internal/api"
	"github.com/dgnsrekt/tabrelay/internal/browser"
	"github.com/dgnsrekt/tabrelay/internal/cdpcontrol"
	"github.com/dgnsrekt/tabrelay/internal/journal"
	"github.com/dgnsrekt/tabrelay/internal/netutil"
	"github.com/dgnsrekt/tabrelay/internal/notify"
	"github.com/dgnsrekt/tabrelay/internal/relay"
	"github.com/dgnsrekt/tabrelay/internal/schedule"
	"github.com/dgnsrekt/tabrelay/internal/state"
	"github.com/dgnsrekt/tabrelay/internal/status"
	"github.com/dgnsrekt/tabrelay/internal/transport"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the relay daemon",
	Long: `Connect to the browser, attach every open tab and relay its debugging
session to the broker. A local status API is served on RELAY_API_BIND_ADDR.

The daemon follows the persisted enabled flag: "tabrelay enable" and
"tabrelay disable" from another shell toggle a running daemon.`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

func init() {
	runCmd.Flags().Bool("no-api", false, "do not serve the local status API")
	runCmd.Flags().Bool("launch", false, "start Chromium with remote debugging when none is listening")
	rootCmd.AddCommand(runCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	if err := setupLogger(cfg.SlogLevel(), cfg.LogFile); err != nil {
		return fmt.Errorf("logger setup failed: %w", err)
	}
	noAPI, _ := cmd.Flags().GetBool("no-api")
	launch, _ := cmd.Flags().GetBool("launch")

	store := openStore()
	persisted, err := store.Load()
	if err != nil {
		return err
	}
	cfg.ApplyPersistedPort(persisted.RelayPort)

	slog.Info("tabrelay config loaded",
		"relay_host", cfg.RelayHost,
		"relay_port", cfg.RelayPort,
		"cdp_url", cfg.GetCDPURL(),
		"state_file", store.Path(),
		"enabled", persisted.IsEnabled(),
		"api_bind_addr", cfg.APIBindAddr,
		"journal_dir", cfg.JournalDir,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if launch {
		launcher := browser.NewLauncher(browser.Config{
			CDPAddress: cfg.CDPAddress,
			CDPPort:    cfg.CDPPort,
			Binary:     cfg.BrowserBinary,
			ProfileDir: cfg.BrowserProfileDir,
		})
		started, err := launcher.Launch(ctx)
		if err != nil {
			slog.Error("failed to launch browser", "error", err)
			return err
		}
		if started {
			defer launcher.Stop()
		}
	}

	backend := cdpcontrol.New(cfg.GetCDPURL(), nil)
	if err := backend.Connect(ctx); err != nil {
		slog.Error("failed to connect to browser", "cdp_url", cfg.GetCDPURL(), "error", err)
		return err
	}
	defer func() { _ = backend.Close() }()

	broker := status.NewBroker()
	board := status.NewBoard(broker)
	machine := state.NewMachine(persisted.IsEnabled())
	sched := schedule.New(nil)
	tm := transport.New(transport.Options{Host: cfg.RelayHost, Port: cfg.RelayPort}, sched, machine.Enabled)

	deps := relay.Deps{
		Tabs:      backend,
		Debugger:  backend,
		Transport: tm,
		Scheduler: sched,
		Machine:   machine,
		Store:     store,
		Sink:      board,
	}
	if cfg.JournalDir != "" {
		jw := journal.NewWriter(cfg.JournalDir, cfg.JournalBufferSize, cfg.JournalMaxSizeMB)
		defer func() {
			if err := jw.Close(); err != nil {
				slog.Warn("journal close failed", "error", err)
			}
		}()
		deps.Journal = jw
	}
	if cfg.NotifyURL != "" {
		deps.Notifier = notify.New(&http.Client{Timeout: 5 * time.Second}, cfg.NotifyURL)
	}

	engine := relay.New(deps, relay.Options{})
	tm.SetListener(engine)
	backend.SetTabObserver(engine)
	backend.SetDebugObserver(engine)

	go func() {
		err := store.Watch(ctx, func(f state.File) { engine.ApplyState(ctx, f) })
		if err != nil {
			slog.Warn("state watch stopped", "error", err)
		}
	}()

	var srv *http.Server
	if !noAPI {
		bindAddr, err := netutil.SelectBindAddr(cfg.APIBindAddr, nil, false)
		if err != nil {
			slog.Error("failed to select bind address", "preferred", cfg.APIBindAddr, "error", err)
			return err
		}
		srv = &http.Server{
			Addr:        bindAddr,
			Handler:     api.NewServer(engine, api.Options{Badges: board, Stream: board}),
			BaseContext: func(net.Listener) context.Context { return ctx },
		}
		go func() {
			slog.Info("status API listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("status API failed", "error", err)
				stop()
			}
		}()
	}

	if err := engine.Start(ctx); err != nil {
		return err
	}
	slog.Info("tabrelay running", "broker", tm.Options().SocketURL())

	select {
	case <-ctx.Done():
		slog.Info("shutdown requested")
	case <-backend.Done():
		slog.Error("browser connection lost, exiting")
	}
	// Ends open status streams before the server drains.
	stop()

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("status API shutdown failed", "error", err)
		}
	}
	engine.Stop()
	return nil
}
