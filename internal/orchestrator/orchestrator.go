package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"feed-orchestrator/internal/anomaly"
	"feed-orchestrator/internal/feed"
	"feed-orchestrator/internal/latency"
	"feed-orchestrator/internal/provider"
	"feed-orchestrator/internal/scheduler"
	"feed-orchestrator/internal/selection"
	"feed-orchestrator/internal/transport"
)

// Config tunes the connect/monitor/fail-over machinery.
type Config struct {
	MaxConnectAttempts int
	ConnectTimeout     time.Duration
	StalenessWindow    time.Duration
	FailoverBudget     time.Duration
	HealthTickInterval time.Duration
	CostTickInterval   time.Duration
	CostMinSavingsUSD  decimal.Decimal
	CostMinUptimePct   float64
}

// DefaultConfig mirrors the documented orchestration defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnectAttempts: 3,
		ConnectTimeout:     8 * time.Second,
		StalenessWindow:    30 * time.Second,
		FailoverBudget:     5 * time.Second,
		HealthTickInterval: 5 * time.Second,
		CostTickInterval:   30 * time.Second,
		CostMinSavingsUSD:  decimal.NewFromInt(1),
		CostMinUptimePct:   95,
	}
}

// SnapshotSink receives periodic latency snapshots for auditing. Nil
// disables persistence.
type SnapshotSink interface {
	InsertLatencySnapshot(ctx context.Context, snap latency.Snapshot) error
}

// Orchestrator owns the per-instrument connect/subscribe/monitor/
// fail-over state machines. Each subscription is independent: one
// instrument's failure never cascades into another's.
type Orchestrator struct {
	cfg      Config
	registry *provider.Registry
	selector *selection.Engine
	pool     *transport.Pool
	auths    transport.AuthenticatorSet
	creds    transport.CredentialProvider
	detector *anomaly.Detector
	monitor  *latency.Monitor
	bus      *feed.Bus
	sink     SnapshotSink
	classify func(instrument string) string
	logger   zerolog.Logger

	mu     sync.RWMutex
	subs   map[string]*Subscription
	runCtx context.Context

	failoverMu    sync.Mutex
	failoverCount int64
	failoverAvg   time.Duration

	now func() time.Time
}

// Options bundle the orchestrator's collaborators.
type Options struct {
	Config     Config
	Registry   *provider.Registry
	Selector   *selection.Engine
	Pool       *transport.Pool
	Auths      transport.AuthenticatorSet
	Creds      transport.CredentialProvider
	Detector   *anomaly.Detector
	Monitor    *latency.Monitor
	Bus        *feed.Bus
	Sink       SnapshotSink
	ClassifyFn func(instrument string) string
}

// New constructs an Orchestrator.
func New(opts Options, logger zerolog.Logger) *Orchestrator {
	classify := opts.ClassifyFn
	if classify == nil {
		classify = func(string) string { return "stock_quotes" }
	}
	return &Orchestrator{
		cfg:      opts.Config,
		registry: opts.Registry,
		selector: opts.Selector,
		pool:     opts.Pool,
		auths:    opts.Auths,
		creds:    opts.Creds,
		detector: opts.Detector,
		monitor:  opts.Monitor,
		bus:      opts.Bus,
		sink:     opts.Sink,
		classify: classify,
		logger:   logger.With().Str("component", "orchestrator").Logger(),
		subs:     make(map[string]*Subscription),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run starts the periodic health-check and cost-optimization tasks,
// subscribes the given instruments, and blocks until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context, instruments []string) error {
	o.mu.Lock()
	o.runCtx = ctx
	o.mu.Unlock()

	for _, instrument := range instruments {
		if err := o.Subscribe(ctx, instrument); err != nil {
			o.logger.Error().Err(err).Str("instrument", instrument).Msg("initial subscribe failed")
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	healthSched := scheduler.New(scheduler.Options{
		Name:     "health_check",
		Interval: o.cfg.HealthTickInterval,
	}, o.logger)
	g.Go(func() error { return healthSched.Run(gctx, o.healthTick) })

	if o.cfg.CostTickInterval > 0 {
		costSched := scheduler.New(scheduler.Options{
			Name:     "cost_optimization",
			Interval: o.cfg.CostTickInterval,
		}, o.logger)
		g.Go(func() error { return costSched.Run(gctx, o.costTick) })
	}

	err := g.Wait()
	o.shutdown()
	return err
}

func (o *Orchestrator) shutdown() {
	o.mu.RLock()
	subs := make([]*Subscription, 0, len(o.subs))
	for _, sub := range o.subs {
		subs = append(subs, sub)
	}
	o.mu.RUnlock()

	for _, sub := range subs {
		handle, cancel := sub.detach(StateUnsubscribed)
		if cancel != nil {
			cancel()
		}
		if handle != nil {
			_ = o.pool.Close(handle)
		}
	}
	o.pool.CloseAll()
}

func (o *Orchestrator) parentCtx() context.Context {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.runCtx != nil {
		return o.runCtx
	}
	return context.Background()
}

// Subscribe establishes the instrument's feed against the best available
// provider. A terminal failover failure leaves the subscription in
// Unsubscribed; calling Subscribe again retries from scratch.
func (o *Orchestrator) Subscribe(ctx context.Context, instrument string) error {
	o.mu.Lock()
	if existing, ok := o.subs[instrument]; ok {
		existing.mu.Lock()
		state := existing.state
		existing.mu.Unlock()
		if state != StateUnsubscribed {
			o.mu.Unlock()
			return fmt.Errorf("instrument %s already subscribed (state %s)", instrument, state)
		}
	}
	sub := &Subscription{
		instrument: instrument,
		class:      o.classify(instrument),
		state:      StateConnecting,
		createdAt:  o.now(),
	}
	o.subs[instrument] = sub
	o.mu.Unlock()

	p, attempts, err := o.connect(ctx, sub, nil)
	if err != nil {
		sub.mu.Lock()
		sub.state = StateUnsubscribed
		sub.mu.Unlock()
		return fmt.Errorf("subscribe %s after %d attempts: %w", instrument, attempts, err)
	}

	o.bus.Publish(feed.Event{
		Type:       feed.EventSymbolConnected,
		Timestamp:  o.now(),
		Provider:   p.ID,
		Instrument: instrument,
	})
	o.logger.Info().Str("instrument", instrument).Str("provider", p.ID).Msg("instrument connected")
	return nil
}

// Unsubscribe tears down the instrument's binding.
func (o *Orchestrator) Unsubscribe(instrument string) error {
	o.mu.RLock()
	sub, ok := o.subs[instrument]
	o.mu.RUnlock()
	if !ok {
		return fmt.Errorf("instrument %s not subscribed", instrument)
	}

	handle, cancel := sub.detach(StateUnsubscribed)
	if cancel != nil {
		cancel()
	}
	if handle != nil {
		_ = o.pool.Close(handle)
	}
	o.logger.Info().Str("instrument", instrument).Msg("instrument unsubscribed")
	return nil
}

// Subscriptions returns status copies for every known subscription.
func (o *Orchestrator) Subscriptions() []SubscriptionStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]SubscriptionStatus, 0, len(o.subs))
	for _, sub := range o.subs {
		out = append(out, sub.status())
	}
	return out
}

// AvgFailoverDuration reports the running average failover time.
func (o *Orchestrator) AvgFailoverDuration() time.Duration {
	o.failoverMu.Lock()
	defer o.failoverMu.Unlock()
	return o.failoverAvg
}

// connect walks candidate providers until one accepts, up to the bounded
// attempt count. Each failed provider is excluded from the next pick so
// the same provider is never retried immediately.
func (o *Orchestrator) connect(ctx context.Context, sub *Subscription, exclude []string) (provider.Provider, int, error) {
	var lastErr error
	attempts := 0

	for attempts < o.cfg.MaxConnectAttempts {
		p, err := o.selector.SelectBest(sub.class, exclude...)
		if err != nil {
			if lastErr != nil {
				return provider.Provider{}, attempts, fmt.Errorf("%w (last attempt: %v)", err, lastErr)
			}
			return provider.Provider{}, attempts, err
		}

		attempts++
		handle, err := o.open(ctx, p, sub.instrument)
		if err != nil {
			o.registry.RecordError(p.ID)
			exclude = append(exclude, p.ID)
			lastErr = err
			sub.mu.Lock()
			sub.state = StateFailingOver
			sub.mu.Unlock()
			o.logger.Warn().Err(err).
				Str("instrument", sub.instrument).
				Str("provider", p.ID).
				Int("attempt", attempts).
				Msg("connect attempt failed")
			continue
		}

		loopCtx, cancel := context.WithCancel(o.parentCtx())
		sub.bind(p.ID, handle, cancel, StateConnected)
		go o.readLoop(loopCtx, sub, p, handle)
		return p, attempts, nil
	}

	if lastErr == nil {
		lastErr = selection.ErrNoProviderAvailable
	}
	return provider.Provider{}, attempts, lastErr
}

// open acquires a transport connection and completes the provider's auth
// handshake within the connect timeout.
func (o *Orchestrator) open(ctx context.Context, p provider.Provider, instrument string) (*transport.Handle, error) {
	openCtx, cancel := context.WithTimeout(ctx, o.cfg.ConnectTimeout)
	defer cancel()

	handle, err := o.pool.Acquire(openCtx, p.ID, p.Endpoint)
	if err != nil {
		return nil, err
	}

	auth, err := o.auths.ForScheme(p.AuthScheme)
	if err != nil {
		_ = o.pool.Close(handle)
		return nil, fmt.Errorf("%w: %v", transport.ErrAuth, err)
	}
	creds, err := o.creds.Credentials(p.ID)
	if err != nil {
		_ = o.pool.Close(handle)
		return nil, fmt.Errorf("%w: %v", transport.ErrAuth, err)
	}
	if err := auth.Handshake(openCtx, handle.Conn, p.ID, creds); err != nil {
		_ = o.pool.Close(handle)
		return nil, err
	}

	subscribeFrame := []byte(fmt.Sprintf(`{"type":"subscribe","instrument":%q}`, instrument))
	if err := handle.Conn.Send(openCtx, subscribeFrame); err != nil {
		_ = o.pool.Close(handle)
		return nil, err
	}
	return handle, nil
}

// readLoop processes one connection's inbound stream in arrival order.
func (o *Orchestrator) readLoop(ctx context.Context, sub *Subscription, p provider.Provider, handle *transport.Handle) {
	for {
		raw, err := handle.Conn.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			o.registry.RecordError(p.ID)
			o.logger.Warn().Err(err).
				Str("instrument", sub.instrument).
				Str("provider", p.ID).
				Msg("connection read failed")
			o.failover(sub, "transport_error")
			return
		}
		o.handleMessage(sub, p, raw)
	}
}

func (o *Orchestrator) handleMessage(sub *Subscription, p provider.Provider, raw []byte) {
	receivedAt := o.now()

	msg, err := feed.ParseTick(raw, receivedAt)
	if err != nil {
		// Malformed frames count against the provider but never affect
		// connection state.
		o.registry.RecordError(p.ID)
		o.logger.Debug().Err(err).Str("provider", p.ID).Msg("dropping malformed frame")
		return
	}

	sub.noteMessage(receivedAt)

	latencyMs := -1.0
	if d, ok := msg.Latency(); ok {
		latencyMs = float64(d) / float64(time.Millisecond)
		o.monitor.Record(p.ID, sub.instrument, sub.class, latencyMs)
	}
	o.registry.RecordSuccess(p.ID, latencyMs)

	if rec := o.detector.Check(sub.instrument, msg.Price, msg.Volume); rec != nil {
		o.bus.Publish(feed.Event{
			Type:       feed.EventAnomaly,
			Timestamp:  receivedAt,
			Provider:   p.ID,
			Instrument: sub.instrument,
			Payload:    *rec,
		})
	}

	o.bus.Publish(feed.Event{
		Type:       feed.EventMessageReceived,
		Timestamp:  receivedAt,
		Provider:   p.ID,
		Instrument: sub.instrument,
		Payload:    msg,
	})
}

// failover tears down the subscription's current binding and rebinds it
// to a backup provider, excluding the one that just failed.
func (o *Orchestrator) failover(sub *Subscription, reason string) {
	from, handle, cancel, ok := sub.beginFailover()
	if !ok {
		return
	}
	if cancel != nil {
		cancel()
	}
	if handle != nil {
		_ = o.pool.Close(handle)
	}

	start := o.now()
	p, attempts, err := o.connect(o.parentCtx(), sub, []string{from})
	duration := o.now().Sub(start)

	if err != nil {
		sub.mu.Lock()
		sub.state = StateUnsubscribed
		sub.mu.Unlock()
		o.bus.Publish(feed.Event{
			Type:       feed.EventFailoverFailed,
			Timestamp:  o.now(),
			Provider:   from,
			Instrument: sub.instrument,
			Payload:    feed.FailoverPayload{From: from, Reason: reason, Duration: duration, Attempts: attempts},
		})
		o.logger.Error().Err(err).
			Str("instrument", sub.instrument).
			Str("from", from).
			Str("reason", reason).
			Msg("failover exhausted all candidates; resubscribe required")
		return
	}

	sub.mu.Lock()
	sub.failovers++
	sub.mu.Unlock()
	o.recordFailoverDuration(duration)

	payload := feed.FailoverPayload{From: from, To: p.ID, Reason: reason, Duration: duration, Attempts: attempts}
	o.bus.Publish(feed.Event{
		Type:       feed.EventFailoverSuccess,
		Timestamp:  o.now(),
		Provider:   p.ID,
		Instrument: sub.instrument,
		Payload:    payload,
	})
	o.bus.Publish(feed.Event{
		Type:       feed.EventFailoverCompleted,
		Timestamp:  o.now(),
		Provider:   p.ID,
		Instrument: sub.instrument,
		Payload:    payload,
	})

	if o.cfg.FailoverBudget > 0 && duration > o.cfg.FailoverBudget {
		o.logger.Warn().Dur("duration", duration).
			Dur("budget", o.cfg.FailoverBudget).
			Str("instrument", sub.instrument).
			Msg("failover exceeded completion budget")
	}
	o.logger.Info().Str("instrument", sub.instrument).
		Str("from", from).
		Str("to", p.ID).
		Str("reason", reason).
		Dur("duration", duration).
		Msg("failover complete")
}

func (o *Orchestrator) recordFailoverDuration(d time.Duration) {
	o.failoverMu.Lock()
	o.failoverCount++
	o.failoverAvg += (d - o.failoverAvg) / time.Duration(o.failoverCount)
	o.failoverMu.Unlock()
}
