package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/docpipe/docpipe/broadcast"
	"github.com/docpipe/docpipe/catalog"
	"github.com/docpipe/docpipe/checkpoint"
	"github.com/docpipe/docpipe/config"
	"github.com/docpipe/docpipe/pipeline"
	"github.com/docpipe/docpipe/server"
	"github.com/docpipe/docpipe/steps"
	"github.com/docpipe/docpipe/storage"
	"github.com/docpipe/docpipe/supervisor"
)

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the document processing service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "PostgreSQL connection string (empty runs on in-memory stores)",
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
			if v := cmd.String("log-level"); v != "" {
				cfg.Log.Level = v
			}
			applyLogLevel(cfg.Log.Level)

			return run(ctx, cfg)
		},
	}
}

func applyLogLevel(level string) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		log.Warn().Str("level", level).Msg("unknown log level, using info")
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}

func run(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		store checkpoint.Store
		cat   catalog.Catalog
	)
	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("ping database: %w", err)
		}
		store = checkpoint.NewPostgresStore(pool)
		cat = catalog.NewPostgresCatalog(pool)
		log.Info().Msg("using postgres stores")
	} else {
		store = checkpoint.NewMemoryStore()
		cat = catalog.NewMemoryCatalog()
		log.Warn().Msg("no database URL configured, using in-memory stores")
	}

	artifacts, err := storage.NewLocalStore(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open artifact store at %s: %w", cfg.Storage.Path, err)
	}

	registry, err := steps.DefaultRegistry(steps.Deps{
		Artifacts:         artifacts,
		Catalog:           cat,
		Fetcher:           steps.NewHTTPFetcher(cfg.Pipeline.FetchTimeout, 0),
		Extractor:         steps.NewPDFExtractor(),
		Embedder:          steps.NewHashEmbedder(0),
		UploadConcurrency: cfg.Pipeline.UploadConcurrency,
	})
	if err != nil {
		return fmt.Errorf("build step registry: %w", err)
	}

	bc := broadcast.New(broadcast.Options{
		RingSize:    cfg.Broadcast.RingSize,
		QueueSize:   cfg.Broadcast.QueueSize,
		EmitTimeout: cfg.Broadcast.EmitTimeout,
		TerminalTTL: cfg.Broadcast.TerminalTTL,
	})

	executor := pipeline.NewExecutor(store, registry, bc)
	sup := supervisor.New(store, executor)
	if cfg.Pipeline.StaleThreshold > 0 {
		sup.StaleThreshold = cfg.Pipeline.StaleThreshold
	}

	srv := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: server.New(sup, store, bc).Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
	sup.Wait()
	return nil
}
