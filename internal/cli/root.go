// Package cli implements the txengine command line.
package cli

import (
	"context"
	"os"

	"github.com/pterm/pterm"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/groupfinance/txengine/internal/daemon"
	"github.com/groupfinance/txengine/internal/logging"
)

// Set at build time with -ldflags "-X github.com/groupfinance/txengine/internal/cli.Version=...".
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "txengine",
	Short: "Mobile-money transaction lifecycle service",
	Long: `txengine records group payments made over a mobile-money gateway and
drives each one from PENDING to exactly one terminal state: COMPLETED,
FAILED or CANCELLED.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "txengine.toml", "path to the TOML config file")
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

// loadConfig reads the config named by --config and builds the logger it asks for.
func loadConfig() (daemon.Config, *logrus.Logger, error) {
	cfg, err := daemon.LoadConfig(cfgFile)
	if err != nil {
		return daemon.Config{}, nil, err
	}
	log, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return daemon.Config{}, nil, err
	}
	return cfg, log, nil
}
