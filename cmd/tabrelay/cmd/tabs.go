package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/spf13/cobra"

	"github.com/dgnsrekt/tabrelay/internal/relay"
)

var tabsCmd = &cobra.Command{
	Use:   "tabs",
	Short: "List the browser's page targets",
	Long: `Connect to the browser at CHROMIUM_CDP_ADDRESS:CHROMIUM_CDP_PORT and list
its page targets, marking the ones the relay never attaches to.`,
	Args: cobra.NoArgs,
	RunE: runTabs,
}

func init() {
	tabsCmd.Flags().Bool("json", false, "print targets as JSON")
	rootCmd.AddCommand(tabsCmd)
}

type tabLine struct {
	TargetID  string `json:"target_id"`
	URL       string `json:"url"`
	Title     string `json:"title,omitempty"`
	Attached  bool   `json:"attached"`
	Protected bool   `json:"protected"`
}

func runTabs(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	ctx, cancel := context.WithTimeout(commandContext(cmd), 10*time.Second)
	defer cancel()
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(ctx, cfg.GetCDPURL())
	defer allocCancel()

	// No Run here: Targets connects to the browser on its own and opens no
	// tab, so a running daemon has nothing new to attach.
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()
	targets, err := chromedp.Targets(browserCtx)
	if err != nil {
		return fmt.Errorf("failed to list targets at %s: %w", cfg.GetCDPURL(), err)
	}
	lines := pageLines(targets)

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(lines)
	}
	printTabs(out, lines)
	return nil
}

func pageLines(targets []*target.Info) []tabLine {
	lines := make([]tabLine, 0, len(targets))
	for _, t := range targets {
		if t == nil || t.Type != "page" {
			continue
		}
		lines = append(lines, tabLine{
			TargetID:  string(t.TargetID),
			URL:       t.URL,
			Title:     t.Title,
			Attached:  t.Attached,
			Protected: relay.IsProtected(t.URL),
		})
	}
	return lines
}

func printTabs(w io.Writer, lines []tabLine) {
	if len(lines) == 0 {
		fmt.Fprintln(w, "no page targets")
		return
	}
	for _, l := range lines {
		mark := " "
		switch {
		case l.Protected:
			mark = "!"
		case l.Attached:
			mark = "*"
		}
		fmt.Fprintf(w, "%s %s  %s\n", mark, l.TargetID, l.URL)
	}
}
