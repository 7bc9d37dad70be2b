package cli

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/groupfinance/txengine/internal/daemon"
)

var configForce bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)

	configInitCmd.Flags().BoolVarP(&configForce, "force", "f", false, "overwrite an existing file")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the txengine configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default configuration to --config",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := daemon.WriteDefault(cfgFile, configForce); err != nil {
			return err
		}
		pterm.Success.Printf("Wrote default configuration to %s\n", cfgFile)
		return nil
	},
}
