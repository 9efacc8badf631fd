package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patterngate/internal/access"
	"github.com/fyrsmithlabs/patterngate/internal/analytics"
	"github.com/fyrsmithlabs/patterngate/internal/catalog"
	"github.com/fyrsmithlabs/patterngate/internal/config"
	"github.com/fyrsmithlabs/patterngate/internal/gate"
	"github.com/fyrsmithlabs/patterngate/internal/logging"
	"github.com/fyrsmithlabs/patterngate/internal/secrets"
	"github.com/fyrsmithlabs/patterngate/internal/store"
	"github.com/fyrsmithlabs/patterngate/internal/sweeper"
	"github.com/fyrsmithlabs/patterngate/internal/telemetry"
	"github.com/fyrsmithlabs/patterngate/internal/trial"
	"github.com/fyrsmithlabs/patterngate/internal/validation"
)

const day = 24 * time.Hour

// app holds every long-lived component of the daemon.
type app struct {
	cfg     *config.Config
	logger  *logging.Logger
	tel     *telemetry.Telemetry
	store   store.Store
	catalog *catalog.Live
	ledger  *trial.Ledger
	gate    *gate.Orchestrator
	sink    *analytics.Async
	agg     *analytics.Aggregator
	nats    *nats.Conn
	sweeper *sweeper.Sweeper
}

// newApp builds the component graph. On error everything opened so far is
// closed again.
func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	a.tel, err = telemetry.New(ctx, telemetry.FromSettings(cfg.Observability, version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return nil, err
	}
	provider := a.tel.LoggerProvider()
	logCfg.Output.OTEL = provider != nil
	a.logger, err = logging.NewLogger(logCfg, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	a.store, err = store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Driver, err)
	}

	a.catalog, err = catalog.Open(cfg.Catalog.Path, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load pattern catalog: %w", err)
	}

	a.ledger, err = trial.NewLedger(a.store, trial.Config{
		Duration:        time.Duration(cfg.Trial.DurationDays) * day,
		ExtensionWindow: time.Duration(cfg.Trial.ExtensionDays) * day,
	}, a.logger)
	if err != nil {
		return nil, err
	}

	checker, err := access.NewChecker(cfg.Access.Subscriptions, a.ledger)
	if err != nil {
		return nil, err
	}

	ev, err := validation.NewEvaluator(validation.Config{
		Profile:     validation.Profile(cfg.Validation.Profile),
		StaleWindow: cfg.Gate.StaleWindow.Duration(),
		Rules:       cfg.Validation.Rules,
	}, a.logger)
	if err != nil {
		return nil, err
	}

	var sink analytics.Sink = analytics.Nop{}
	if cfg.Analytics.Enabled {
		if err := a.openAnalytics(); err != nil {
			return nil, err
		}
		sink = a.sink
	}

	gateOpts := []gate.Option{
		gate.WithSink(sink),
		gate.WithLogger(a.logger),
		gate.WithTracer(a.tel.Tracer("github.com/fyrsmithlabs/patterngate/internal/gate")),
	}
	if cfg.Gate.DeepScrub {
		gl, err := secrets.NewGitleaks()
		if err != nil {
			return nil, err
		}
		gateOpts = append(gateOpts, gate.WithScrubber(secrets.MustNew(nil).WithDetector(gl)))
	}

	a.gate, err = gate.New(gate.Config{
		SessionTTL:    cfg.Gate.SessionTTL.Duration(),
		DiscoverLimit: cfg.Gate.DiscoverLimit,
		MaxFetchNames: cfg.Gate.MaxFetchNames,
		CoreRules:     cfg.Gate.CoreRules,
	}, a.catalog, a.store, checker, ev, gateOpts...)
	if err != nil {
		return nil, err
	}

	if cfg.Sweeper.Enabled {
		a.sweeper, err = sweeper.New(a.store, a.logger, sweeper.WithInterval(cfg.Sweeper.Interval.Duration()))
		if err != nil {
			return nil, err
		}
	}
	return a, nil
}

// openAnalytics connects the publishers. NATS is optional; without a URL
// events only reach the log and the in-process aggregate.
func (a *app) openAnalytics() error {
	a.agg = analytics.NewAggregator()
	opts := []analytics.AsyncOption{
		analytics.WithPublisher("aggregate", a.agg),
		analytics.WithPublisher("log", analytics.NewLogPublisher(a.logger)),
	}

	if url := a.cfg.Analytics.NATSURL; url != "" {
		nc, err := nats.Connect(url,
			nats.Name("patterngate"),
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(5),
			nats.ReconnectWait(time.Second),
		)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
		}
		a.nats = nc
		pub, err := analytics.NewNATSPublisher(nc, a.cfg.Analytics.SubjectPrefix)
		if err != nil {
			return err
		}
		opts = append(opts, analytics.WithPublisher("nats", pub))
		a.logger.Info(context.Background(), "analytics publishing to NATS",
			zap.String("url", url),
			zap.String("subject_prefix", a.cfg.Analytics.SubjectPrefix))
	}

	a.sink = analytics.NewAsync(a.cfg.Analytics.QueueSize, a.logger, opts...)
	return nil
}

// start launches the background workers.
func (a *app) start(ctx context.Context) error {
	if a.cfg.Catalog.Watch {
		if err := a.catalog.Watch(ctx); err != nil {
			return err
		}
	}
	if a.sweeper != nil {
		if err := a.sweeper.Start(); err != nil {
			return err
		}
	}
	return nil
}

// close stops workers and releases resources in reverse start order. It is
// safe on a partially built app.
func (a *app) close(ctx context.Context) {
	var errs []error
	if a.sweeper != nil {
		a.sweeper.Stop()
	}
	if a.catalog != nil {
		a.catalog.Stop()
	}
	if a.sink != nil {
		errs = append(errs, a.sink.Close(ctx))
	}
	if a.nats != nil {
		errs = append(errs, a.nats.Drain())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.tel != nil {
		errs = append(errs, a.tel.Shutdown(ctx))
	}
	if a.logger != nil {
		if err := errors.Join(errs...); err != nil {
			a.logger.Warn(ctx, "shutdown incomplete", zap.Error(err))
		}
		_ = a.logger.Sync()
	}
}
