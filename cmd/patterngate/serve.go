package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patterngate/internal/config"
	httpapi "github.com/fyrsmithlabs/patterngate/internal/http"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the gate over HTTP",
		Long: `Serve the gate protocol, trial ledger and pattern analytics over HTTP.

Background workers run alongside the server: the catalog watcher reloads
pattern files on change and the sweeper marks overdue sessions and trials
expired.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

// runServe blocks until ctx is cancelled, then shuts down gracefully.
func runServe(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		a.close(shutdownCtx)
	}()

	if err := a.start(ctx); err != nil {
		return fmt.Errorf("failed to start workers: %w", err)
	}

	deps := httpapi.Deps{Gate: a.gate, Trials: a.ledger, Analytics: a.agg}
	srv, err := httpapi.NewServer(deps, a.logger, &httpapi.Config{
		Host:                cfg.Server.Host,
		Port:                cfg.Server.Port,
		Version:             version,
		AdminToken:          cfg.Server.AdminToken.Value(),
		TrialStartPerMinute: cfg.Trial.StartRatePerMinute,
		TrialStartBurst:     cfg.Trial.StartBurst,
	})
	if err != nil {
		return err
	}

	a.logger.Info(ctx, "patterngate starting",
		zap.String("version", version),
		zap.String("store", cfg.Store.Driver),
		zap.Int("patterns", a.catalog.Len()),
		zap.Bool("sweeper", a.sweeper != nil),
		zap.Bool("analytics", a.sink != nil))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	a.logger.Info(shutdownCtx, "patterngate stopped")
	return nil
}
