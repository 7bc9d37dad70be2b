package cli

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/groupfinance/txengine/internal/daemon"
)

func init() {
	rootCmd.AddCommand(sweepCmd)
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one stuck-transaction sweep pass and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := daemon.OpenStore(cfg.Database)
		if err != nil {
			return err
		}
		defer store.Close()

		sweeper := daemon.NewSweeper(cfg, store, daemon.NewGateway(cfg.Gateway, log), log)
		report, err := sweeper.RunOnce(cmd.Context())
		if err != nil {
			return err
		}

		pterm.DefaultSection.Println("Sweep")
		pterm.Info.Printf("scanned %d, completed %d, lost races %d, errors %d\n",
			report.Scanned, report.Completed, report.LostRaces, report.Errors)
		if report.Errors > 0 {
			pterm.Warning.Println("some records could not be finalized; they will be retried on the next pass")
		}
		return nil
	},
}
