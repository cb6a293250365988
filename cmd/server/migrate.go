package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/cost-index-engine/store/sqlite"
)

func (a *app) migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			RunE: func(*cobra.Command, []string) error {
				return a.withStore(func(s *sqlite.Store) error {
					if err := s.MigrateUp(); err != nil {
						return err
					}
					return a.reportVersion(s)
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back every migration",
			RunE: func(*cobra.Command, []string) error {
				return a.withStore(func(s *sqlite.Store) error {
					if err := s.MigrateDown(); err != nil {
						return err
					}
					return a.reportVersion(s)
				})
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the applied schema version",
			RunE: func(*cobra.Command, []string) error {
				return a.withStore(a.reportVersion)
			},
		},
	)
	return cmd
}

// withStore opens the database without migrating it and runs fn.
func (a *app) withStore(fn func(*sqlite.Store) error) error {
	store, err := sqlite.Open(a.cfg.DBPath, a.logger.Named("sqlite"))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()
	return fn(store)
}

func (a *app) reportVersion(s *sqlite.Store) error {
	version, dirty, err := s.MigrationVersion()
	if err != nil {
		return err
	}
	a.logger.Info("schema version",
		zap.String("db", a.cfg.DBPath),
		zap.Uint("version", version),
		zap.Bool("dirty", dirty))
	return nil
}
