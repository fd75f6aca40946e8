package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"feed-orchestrator/internal/anomaly"
	"feed-orchestrator/internal/config"
	"feed-orchestrator/internal/feed"
	"feed-orchestrator/internal/latency"
	"feed-orchestrator/internal/logging"
	"feed-orchestrator/internal/orchestrator"
	"feed-orchestrator/internal/provider"
	"feed-orchestrator/internal/scheduler"
	"feed-orchestrator/internal/selection"
	"feed-orchestrator/internal/storage"
	"feed-orchestrator/internal/transport"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logging.Component(logger, "app")}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func tierFromString(s string) provider.Tier {
	switch s {
	case "high":
		return provider.TierHigh
	case "low":
		return provider.TierLow
	default:
		return provider.TierMedium
	}
}

func (a *App) buildRegistry(bus *feed.Bus) (*provider.Registry, error) {
	registry := provider.NewRegistry(provider.Thresholds{
		MinUptimePct:     a.Config.Health.MinUptimePct,
		MaxLatencyMs:     a.Config.Health.MaxLatencyMs,
		MaxErrorRate:     a.Config.Health.MaxErrorRate,
		UptimePenaltyPct: a.Config.Health.UptimePenaltyPct,
	}, bus, a.Logger)

	for _, p := range a.Config.Providers {
		err := registry.Register(provider.Provider{
			ID:                p.ID,
			Name:              p.Name,
			Endpoint:          p.Endpoint,
			AuthScheme:        p.AuthScheme,
			CostPerMessage:    p.CostPerMessage,
			LatencyBaselineMs: p.LatencyBaselineMs,
			Priority:          tierFromString(p.Priority),
			InstrumentClasses: p.InstrumentClasses,
		})
		if err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func (a *App) slaClasses() (map[string]latency.SLAClass, latency.SLAClass) {
	classes := make(map[string]latency.SLAClass, len(a.Config.SLAClasses))
	for name, c := range a.Config.SLAClasses {
		classes[name] = latency.SLAClass{
			Name:       name,
			TargetMs:   c.TargetMs,
			WarningMs:  c.WarningMs,
			CriticalMs: c.CriticalMs,
		}
	}
	fallback, ok := classes["stock_quotes"]
	if !ok {
		fallback = latency.SLAClass{Name: "stock_quotes", TargetMs: 50, WarningMs: 75, CriticalMs: 100}
	}
	return classes, fallback
}

func (a *App) latencyConfig() latency.Config {
	c := a.Config.Latency
	return latency.Config{
		WindowSize:       c.WindowSize,
		PercentileWindow: c.PercentileWindow,
		AlertCooldown:    c.AlertCooldown,
		SpikeFactor:      c.SpikeFactor,
		SpikeMinSamples:  c.SpikeMinSamples,
		SpikeAvgWindow:   c.SpikeAvgWindow,
		SLAWindow:        c.SLAWindow,
		SLAMinSamples:    c.SLAMinSamples,
		SLAViolationPct:  c.SLAViolationPct,
		TrendWindow:      c.TrendWindow,
		TrendMinSamples:  c.TrendMinSamples,
		TrendSlopeMs:     c.TrendSlopeMs,
	}
}

func (a *App) anomalyConfig() anomaly.Config {
	c := a.Config.Anomaly
	return anomaly.Config{
		WindowSize:            c.WindowSize,
		WarmupSamples:         c.WarmupSamples,
		PriceDeviationPct:     c.PriceDeviationPct,
		PriceDeviationHighPct: c.PriceDeviationHighPct,
		VolumeSpikeFactor:     c.VolumeSpikeFactor,
		VolumeSpikeHighFactor: c.VolumeSpikeHighFactor,
	}
}

func (a *App) selectionWeights() selection.Weights {
	c := a.Config.Selection
	return selection.Weights{
		Uptime:   c.UptimeWeight,
		Latency:  c.LatencyWeight,
		Cost:     c.CostWeight,
		Error:    c.ErrorWeight,
		Priority: c.PriorityWeight,
	}
}

func (a *App) credentials() transport.StaticCredentials {
	creds := make(transport.StaticCredentials, len(a.Config.Credentials))
	for id, c := range a.Config.Credentials {
		creds[id] = transport.Credentials{
			APIKey: c.APIKey,
			Secret: c.Secret,
			Token:  c.Token,
		}
	}
	return creds
}

func (a *App) orchestratorConfig() orchestrator.Config {
	c := a.Config.Failover
	return orchestrator.Config{
		MaxConnectAttempts: c.MaxConnectAttempts,
		ConnectTimeout:     c.ConnectTimeout,
		StalenessWindow:    c.StalenessWindow,
		FailoverBudget:     c.CompletionBudget,
		HealthTickInterval: a.Config.Health.TickInterval,
		CostTickInterval:   c.CostTickInterval,
		CostMinSavingsUSD:  c.CostMinSavingsUSD,
		CostMinUptimePct:   c.CostMinUptimePct,
	}
}

// Run executes the long-running feed orchestration service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if len(a.Config.Providers) == 0 {
		return errors.New("no providers configured")
	}
	if len(a.Config.Instruments) == 0 {
		return errors.New("no instruments configured")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; journaling disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	bus := feed.NewBus(a.Config.Events.BufferSize)
	defer bus.Close()

	registry, err := a.buildRegistry(bus)
	if err != nil {
		return err
	}
	classes, fallback := a.slaClasses()
	monitor := latency.NewMonitor(a.latencyConfig(), classes, fallback, bus, a.Logger)
	detector := anomaly.New(a.anomalyConfig())
	selector := selection.NewEngine(registry, a.selectionWeights(), a.Logger)

	factory := transport.NewWebsocketFactory(transport.WebsocketOptions{
		HandshakeTimeout: a.Config.Websocket.HandshakeTimeout,
		ReadLimit:        a.Config.Websocket.ReadLimit,
	})
	pool := transport.NewPool(factory, a.Logger)
	auths := transport.NewAuthenticatorSet(
		transport.APIKeyAuthenticator{},
		transport.TokenAuthenticator{},
		transport.HMACAuthenticator{},
	)

	var sink orchestrator.SnapshotSink
	if store != nil {
		sink = snapshotSink{store: store}
	}

	orch := orchestrator.New(orchestrator.Options{
		Config:     a.orchestratorConfig(),
		Registry:   registry,
		Selector:   selector,
		Pool:       pool,
		Auths:      auths,
		Creds:      a.credentials(),
		Detector:   detector,
		Monitor:    monitor,
		Bus:        bus,
		Sink:       sink,
		ClassifyFn: a.Config.InstrumentClass,
	}, a.Logger)

	g, gctx := errgroup.WithContext(ctx)

	if store != nil {
		journal := bus.Subscribe()
		g.Go(func() error {
			a.consumeEvents(gctx, journal, store)
			return nil
		})

		prune := scheduler.New(scheduler.Options{
			Name:         "retention_prune",
			Interval:     a.Config.Database.PruneInterval,
			StartupDelay: time.Minute,
		}, a.Logger)
		g.Go(func() error { return prune.Run(gctx, a.pruneTick(store)) })
	}

	g.Go(func() error { return orch.Run(gctx, a.Config.InstrumentList()) })

	a.Logger.Info().
		Int("providers", len(a.Config.Providers)).
		Int("instruments", len(a.Config.Instruments)).
		Msg("starting feed orchestration service")

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("feed orchestration service stopped")
	return nil
}

// ExportOptions hold parameters for exporting latency snapshots.
type ExportOptions struct {
	From       *time.Time
	To         *time.Time
	Provider   string
	Instrument string
	PNGPath    string
	CSVPath    string
	MaxPoints  int
}

// AlertsOptions configure the alerts command.
type AlertsOptions struct {
	Limit int
}

// EventsOptions configure the events command.
type EventsOptions struct {
	Limit int
}
