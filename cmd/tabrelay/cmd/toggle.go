package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var enableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Enable the relay",
	Long: `Persist enabled=true. A running daemon notices the change, connects to
the broker and attaches every open tab.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return setEnabled(cmd, true)
	},
}

var disableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Disable the relay",
	Long: `Persist enabled=false. A running daemon cancels every pending retry,
detaches all tabs and closes the broker connection.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return setEnabled(cmd, false)
	},
}

func init() {
	rootCmd.AddCommand(enableCmd)
	rootCmd.AddCommand(disableCmd)
}

func setEnabled(cmd *cobra.Command, enabled bool) error {
	store := openStore()
	if err := store.SetEnabled(enabled); err != nil {
		return err
	}
	word := "disabled"
	if enabled {
		word = "enabled"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "tabrelay %s (%s)\n", word, store.Path())
	return nil
}
