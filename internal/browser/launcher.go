// Package browser starts a local Chromium with remote debugging enabled when
// none is listening on the configured DevTools port.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"syscall"
	"time"
)

// Config holds browser launch configuration.
type Config struct {
	CDPAddress string
	CDPPort    int
	// Binary overrides browser detection.
	Binary     string
	ProfileDir string
	StartURL   string
	// ReadyTimeout bounds the wait for the DevTools endpoint.
	ReadyTimeout time.Duration
}

// Launcher manages the lifecycle of a browser process it started.
type Launcher struct {
	cfg Config
	cmd *exec.Cmd
}

// NewLauncher creates a new browser launcher with the given config.
func NewLauncher(cfg Config) *Launcher {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 15 * time.Second
	}
	return &Launcher{cfg: cfg}
}

var candidates = []string{"chromium-browser", "chromium", "google-chrome", "google-chrome-stable"}

// detectBrowser finds an available Chrome/Chromium binary.
func detectBrowser() (string, error) {
	for _, name := range candidates {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	if runtime.GOOS == "darwin" {
		macPath := "/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"
		if _, err := os.Stat(macPath); err == nil {
			return macPath, nil
		}
	}
	return "", fmt.Errorf("no supported browser found (tried %v)", candidates)
}

func (l *Launcher) hostPort() string {
	return net.JoinHostPort(l.cfg.CDPAddress, strconv.Itoa(l.cfg.CDPPort))
}

// Listening reports whether something already accepts connections on the
// DevTools port.
func (l *Launcher) Listening() bool {
	conn, err := net.DialTimeout("tcp", l.hostPort(), time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Args returns the browser command line. The relay attaches to ordinary
// tabs, so the profile is a normal one; only remote debugging is added.
func (l *Launcher) Args() []string {
	args := []string{
		fmt.Sprintf("--remote-debugging-port=%d", l.cfg.CDPPort),
		fmt.Sprintf("--remote-debugging-address=%s", l.cfg.CDPAddress),
		"--no-first-run",
		"--no-default-browser-check",
	}
	if l.cfg.ProfileDir != "" {
		args = append(args, fmt.Sprintf("--user-data-dir=%s", l.cfg.ProfileDir))
	}
	if l.cfg.StartURL != "" {
		args = append(args, l.cfg.StartURL)
	}
	return args
}

// Launch starts the browser unless the DevTools port is already in use, then
// waits for the endpoint. It reports whether a process was started.
func (l *Launcher) Launch(ctx context.Context) (bool, error) {
	if l.Listening() {
		slog.Info("browser already running, skipping launch", "addr", l.hostPort())
		return false, nil
	}

	browserPath := l.cfg.Binary
	if browserPath == "" {
		var err error
		if browserPath, err = detectBrowser(); err != nil {
			return false, err
		}
	}
	slog.Info("launching browser", "path", browserPath)

	if l.cfg.ProfileDir != "" {
		if err := os.MkdirAll(l.cfg.ProfileDir, 0o755); err != nil {
			return false, fmt.Errorf("create profile dir: %w", err)
		}
	}

	l.cmd = exec.Command(browserPath, l.Args()...)
	if err := l.cmd.Start(); err != nil {
		l.cmd = nil
		return false, fmt.Errorf("start browser: %w", err)
	}
	slog.Info("browser process started", "pid", l.cmd.Process.Pid)

	if err := l.WaitReady(ctx); err != nil {
		l.Stop()
		return false, fmt.Errorf("waiting for CDP: %w", err)
	}
	slog.Info("CDP endpoint ready", "addr", l.hostPort())
	return true, nil
}

// WaitReady polls /json/version until it answers 200.
func (l *Launcher) WaitReady(ctx context.Context) error {
	url := "http://" + l.hostPort() + "/json/version"
	deadline := time.After(l.cfg.ReadyTimeout)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	client := &http.Client{Timeout: time.Second}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("CDP did not become ready within %s at %s", l.cfg.ReadyTimeout, url)
		case <-ticker.C:
			resp, err := client.Get(url)
			if err != nil {
				continue
			}
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
	}
}

// Stop terminates a browser this launcher started with SIGTERM, falling
// back to SIGKILL.
func (l *Launcher) Stop() {
	if l.cmd == nil || l.cmd.Process == nil {
		return
	}
	slog.Info("stopping browser", "pid", l.cmd.Process.Pid)
	_ = l.cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		_ = l.cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("browser stopped gracefully")
	case <-time.After(5 * time.Second):
		slog.Warn("browser did not exit, sending SIGKILL")
		_ = l.cmd.Process.Kill()
		<-done
	}
	l.cmd = nil
}
