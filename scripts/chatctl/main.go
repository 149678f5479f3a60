// Command chatctl manages the ScyllaDB schema and smoke-tests a running api.
package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mahaj/teamchat/pkg/config"
	"github.com/mahaj/teamchat/pkg/logger"
)

func main() {
	var log *zap.Logger
	var cfg *config.Config

	root := &cobra.Command{
		Use:           "chatctl",
		Short:         "Operate the team chat backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if cfg, err = config.Load(); err != nil {
				return err
			}
			log, err = logger.New(cfg.LogLevel, cfg.LogFormat)
			return err
		},
	}
	get := func() (*config.Config, *zap.Logger) { return cfg, log }
	root.AddCommand(migrateCmd(get), dropCmd(get), verifyCmd(get))

	if err := root.Execute(); err != nil {
		if log != nil {
			log.Error("Command failed", zap.Error(err))
		} else {
			os.Stderr.WriteString(err.Error() + "\n")
		}
		os.Exit(1)
	}
}
