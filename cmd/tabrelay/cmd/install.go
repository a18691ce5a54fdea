package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Record first-run defaults",
	Long: `Write the state file with the relay enabled and the broker port set to
RELAY_PORT (default 18792). A port chosen earlier is kept.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store := openStore()
		f, err := store.Install(cfg.RelayPort)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "state file: %s\nenabled: %t\nrelay port: %d\n",
			store.Path(), f.IsEnabled(), f.RelayPort)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(installCmd)
}
