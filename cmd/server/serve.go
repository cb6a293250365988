package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/cost-index-engine/api"
	"github.com/warp/cost-index-engine/calc"
	"github.com/warp/cost-index-engine/dictionary"
	"github.com/warp/cost-index-engine/estimation"
	"github.com/warp/cost-index-engine/index"
	"github.com/warp/cost-index-engine/publish"
	"github.com/warp/cost-index-engine/store/sqlite"
)

const shutdownTimeout = 30 * time.Second

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().Int("port", 0, "HTTP server port (default 8080)")
	_ = a.v.BindPFlag("http.port", cmd.Flags().Lookup("port"))
	return cmd
}

// services is the wired object graph behind the HTTP API.
type services struct {
	runner    *calc.Runner
	scheduler *calc.Scheduler
	handler   *api.Handler
}

// wire builds every service on top of store. The runner is not started.
func wire(cfg Config, store *sqlite.Store, dict *dictionary.Dictionary, logger *zap.Logger) *services {
	catalog := index.NewCatalog(store)

	pipeline := publish.NewPipeline(store, catalog, store, logger.Named("publish"))
	pipeline.Config = cfg.Publish

	runner := calc.NewRunner(store, cfg.Runner, logger.Named("calc"))
	runner.OnComplete = func(ctx context.Context, task index.CalcTask) (string, error) {
		v, err := pipeline.CreateFromTask(ctx, publish.CreateRequest{TaskID: task.ID})
		if err != nil {
			return "", err
		}
		return v.ID, nil
	}

	scheduler := calc.NewScheduler(runner, logger.Named("scheduler"))
	scheduler.Enabled = cfg.Scheduler.Enabled
	scheduler.Interval = cfg.Scheduler.Interval
	scheduler.PriceBaseDates = cfg.Scheduler.PriceBaseDates

	resolver := estimation.NewResolver(pipeline)
	resolver.Decay = cfg.Decay
	calculator := estimation.NewCalculator(pipeline, resolver, dict, logger.Named("estimation"))
	service := estimation.NewService(store, calculator, pipeline, logger.Named("estimation"))

	handler := api.NewHandler(store, runner, catalog, pipeline, service, store, logger.Named("api"))
	return &services{runner: runner, scheduler: scheduler, handler: handler}
}

func (a *app) serve(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	dict, err := dictionary.LoadFile(cfg.DictionaryPath)
	if err != nil {
		return err
	}
	logger.Info("dictionary loaded",
		zap.String("path", cfg.DictionaryPath),
		zap.Int("tags", len(dict.Tags())))

	store, err := sqlite.New(cfg.DBPath, logger.Named("sqlite"))
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	svc := wire(cfg, store, dict, logger)
	if err := svc.runner.Start(ctx); err != nil {
		return fmt.Errorf("failed to start calc runner: %w", err)
	}
	defer svc.runner.Stop()
	svc.scheduler.Start()
	defer svc.scheduler.Stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go reloadDictionary(ctx, dict, cfg.DictionaryPath, hup, logger.Named("dictionary"))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(svc.handler, cfg.AllowedOrigins...),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.Int("port", cfg.Port),
			zap.String("db", cfg.DBPath),
			zap.String("version", version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
