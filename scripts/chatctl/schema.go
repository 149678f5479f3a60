package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mahaj/teamchat/pkg/config"
	"github.com/mahaj/teamchat/pkg/db"
)

type env func() (*config.Config, *zap.Logger)

func open(cfg *config.Config, log *zap.Logger, keyspace string) (*db.Session, error) {
	return db.NewSession(db.Options{Hosts: cfg.ScyllaHosts, Keyspace: keyspace, Timeout: cfg.ScyllaTimeout}, log)
}

func migrateCmd(get env) *cobra.Command {
	var replication int
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the keyspace and every table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log := get()
			// Connect to system keyspace to create the chat keyspace
			sys, err := open(cfg, log, "system")
			if err != nil {
				return fmt.Errorf("connect to system keyspace: %w", err)
			}
			err = db.CreateKeyspace(sys, cfg.ScyllaKeyspace, replication)
			sys.Close()
			if err != nil {
				return fmt.Errorf("create keyspace: %w", err)
			}

			session, err := open(cfg, log, cfg.ScyllaKeyspace)
			if err != nil {
				return err
			}
			defer session.Close()
			return db.Migrate(session, log)
		},
	}
	cmd.Flags().IntVar(&replication, "replication", 1, "SimpleStrategy replication factor")
	return cmd
}

func dropCmd(get env) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "drop",
		Short: "Drop every table (development only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log := get()
			if cfg.Production() && !force {
				return fmt.Errorf("refusing to drop tables in production without --force")
			}
			session, err := open(cfg, log, cfg.ScyllaKeyspace)
			if err != nil {
				return err
			}
			defer session.Close()
			return db.Drop(session, log)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "allow dropping in production")
	return cmd
}
