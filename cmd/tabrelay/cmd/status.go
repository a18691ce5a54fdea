package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/dgnsrekt/tabrelay/internal/relay"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the persisted state and the daemon's live status",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().Bool("json", false, "print the daemon status as JSON")
	rootCmd.AddCommand(statusCmd)
}

type statusReport struct {
	StateFile string          `json:"state_file"`
	Enabled   bool            `json:"enabled"`
	RelayPort int             `json:"relay_port"`
	Daemon    *relay.Snapshot `json:"daemon,omitempty"`
	DaemonErr string          `json:"daemon_error,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	store := openStore()
	f, err := store.Load()
	if err != nil {
		return err
	}
	cfg.ApplyPersistedPort(f.RelayPort)

	report := statusReport{StateFile: store.Path(), Enabled: f.IsEnabled(), RelayPort: cfg.RelayPort}
	ctx, cancel := context.WithTimeout(commandContext(cmd), 2*time.Second)
	defer cancel()
	snap, err := fetchSnapshot(ctx, http.DefaultClient, "http://"+cfg.APIBindAddr)
	if err != nil {
		report.DaemonErr = err.Error()
	} else {
		report.Daemon = &snap
	}

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printStatus(out, report)
	return nil
}

func fetchSnapshot(ctx context.Context, client *http.Client, baseURL string) (relay.Snapshot, error) {
	var snap relay.Snapshot
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/v1/status", nil)
	if err != nil {
		return snap, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return snap, fmt.Errorf("daemon not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return snap, fmt.Errorf("daemon status: HTTP %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return snap, fmt.Errorf("decode daemon status: %w", err)
	}
	return snap, nil
}

func printStatus(w io.Writer, r statusReport) {
	fmt.Fprintf(w, "state file:  %s\n", r.StateFile)
	fmt.Fprintf(w, "enabled:     %t\n", r.Enabled)
	fmt.Fprintf(w, "relay port:  %d\n", r.RelayPort)
	if r.Daemon == nil {
		fmt.Fprintf(w, "daemon:      %s\n", r.DaemonErr)
		return
	}
	fmt.Fprintf(w, "daemon:      %s (relay %s, broker connected: %t)\n", r.Daemon.Phase, r.Daemon.Relay, r.Daemon.Connected)
	for _, rec := range r.Daemon.Tabs {
		session := rec.SessionID
		if session == "" {
			session = "-"
		}
		fmt.Fprintf(w, "  tab %-12s %-10s %-12s %s\n", rec.Tab, rec.State, session, rec.TargetID)
	}
	if len(r.Daemon.Scheduled) > 0 {
		fmt.Fprintf(w, "scheduled:   %v\n", r.Daemon.Scheduled)
	}
}
