package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teslashibe/voicebridge/pkg/memory/postgres"
)

var errNoDatabase = errors.New("memory.database_url (DATABASE_URL) is not set")

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres memory schema",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			Args:  cobra.NoArgs,
			RunE: withDatabase(opts, func(cmd *cobra.Command, dsn string) error {
				if err := postgres.Migrate(cmd.Context(), dsn); err != nil {
					return err
				}
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
				return err
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			Args:  cobra.NoArgs,
			RunE: withDatabase(opts, func(cmd *cobra.Command, dsn string) error {
				if err := postgres.Rollback(cmd.Context(), dsn); err != nil {
					return err
				}
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "rolled back one migration")
				return err
			}),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			Args:  cobra.NoArgs,
			RunE: withDatabase(opts, func(cmd *cobra.Command, dsn string) error {
				v, err := postgres.Version(cmd.Context(), dsn)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", v)
				return err
			}),
		},
	)
	return cmd
}

func withDatabase(opts *rootOptions, run func(cmd *cobra.Command, dsn string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, err := opts.load()
		if err != nil {
			return err
		}
		if cfg.Memory.DatabaseURL == "" {
			return errNoDatabase
		}
		return run(cmd, cfg.Memory.DatabaseURL)
	}
}
