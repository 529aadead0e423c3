package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/docpipe/docpipe/catalog"
	"github.com/docpipe/docpipe/checkpoint"
	"github.com/docpipe/docpipe/config"
)

func migrateCmd() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create or update the database schema",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "PostgreSQL connection string",
				Sources: cli.EnvVars("DOCPIPE_DATABASE_URL"),
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(cmd.String("config"))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if v := cmd.String("database-url"); v != "" {
				cfg.Database.URL = v
			}
			if cfg.Database.URL == "" {
				return fmt.Errorf("database URL is required (set DOCPIPE_DATABASE_URL or --database-url)")
			}

			pool, err := pgxpool.New(ctx, cfg.Database.URL)
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer pool.Close()

			if err := checkpoint.Migrate(ctx, pool); err != nil {
				return fmt.Errorf("migrate checkpoint schema: %w", err)
			}
			if err := catalog.Migrate(ctx, pool); err != nil {
				return fmt.Errorf("migrate catalog schema: %w", err)
			}
			log.Info().Msg("schema up to date")
			return nil
		},
	}
}
