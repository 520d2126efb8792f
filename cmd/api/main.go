// Command api runs the site control service and its maintenance commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sitecontrol/api/internal/config"
	"sitecontrol/api/internal/logging"
)

var (
	configPath string
	version    = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "api",
		Short: "Site control persistence service",
		Long: `api serves the site control HTTP API. Controls are written to the remote
Postgres store when it is reachable and to the local cache otherwise; reads
merge both.

Configuration is read from an optional YAML file and environment variables
(DATABASE_URL, CACHE_DRIVER, MEDIA_MAX_BYTES, ...).`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	root.AddCommand(newServeCmd(), newMigrateCmd(), newTokenCmd(), newExportCmd())
	return root
}

// loadRuntime reads configuration and builds the logger shared by every command.
func loadRuntime() (config.Config, *zap.Logger, error) {
	if configPath == "" {
		configPath = os.Getenv("SITECONTROL_CONFIG")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}
