package provider

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"feed-orchestrator/internal/feed"
)

// healthRecord owns one provider's mutable metrics behind its own mutex
// so that independent providers' updates never contend.
type healthRecord struct {
	mu sync.Mutex

	uptimePct         float64
	currentLatencyMs  float64
	avgLatencyMs      float64
	latencySamples    int64
	consecutiveErrors int
	messages          int64
	errors            int64
	messagesPerSec    float64
	tickMessages      int64
	lastTick          time.Time
	lastCheck         time.Time
	status            Status
}

func (r *healthRecord) snapshot() Health {
	errorRate := 0.0
	if total := r.messages + r.errors; total > 0 {
		errorRate = float64(r.errors) / float64(total)
	}
	return Health{
		UptimePct:         r.uptimePct,
		CurrentLatencyMs:  r.currentLatencyMs,
		AvgLatencyMs:      r.avgLatencyMs,
		ErrorRate:         errorRate,
		ConsecutiveErrors: r.consecutiveErrors,
		Messages:          r.messages,
		Errors:            r.errors,
		MessagesPerSec:    r.messagesPerSec,
		LastCheck:         r.lastCheck,
		Status:            r.status,
	}
}

// Registry holds provider descriptors and their health records. The map
// itself is guarded by an RWMutex; per-provider metrics are guarded by
// the record's own lock.
type Registry struct {
	mu         sync.RWMutex
	order      []string
	providers  map[string]*Provider
	health     map[string]*healthRecord
	thresholds Thresholds
	bus        *feed.Bus
	logger     zerolog.Logger
}

// NewRegistry constructs an empty registry bound to an event bus.
func NewRegistry(thresholds Thresholds, bus *feed.Bus, logger zerolog.Logger) *Registry {
	if thresholds.UptimePenaltyPct <= 0 {
		thresholds.UptimePenaltyPct = 5
	}
	return &Registry{
		providers:  make(map[string]*Provider),
		health:     make(map[string]*healthRecord),
		thresholds: thresholds,
		bus:        bus,
		logger:     logger.With().Str("component", "provider_registry").Logger(),
	}
}

// Register adds a provider. Registration order is preserved and breaks
// scoring ties deterministically.
func (r *Registry) Register(p Provider) error {
	if p.ID == "" {
		return fmt.Errorf("provider id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[p.ID]; exists {
		return fmt.Errorf("provider %s already registered", p.ID)
	}
	p.Active = true
	r.providers[p.ID] = &p
	r.health[p.ID] = &healthRecord{
		uptimePct:        100,
		currentLatencyMs: p.LatencyBaselineMs,
		avgLatencyMs:     p.LatencyBaselineMs,
		status:           StatusActive,
		lastTick:         time.Now().UTC(),
	}
	r.order = append(r.order, p.ID)
	r.logger.Info().Str("provider", p.ID).Str("tier", string(p.Priority)).Msg("provider registered")
	return nil
}

// Get returns a copy of the provider descriptor.
func (r *Registry) Get(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	if !ok {
		return Provider{}, false
	}
	return *p, true
}

// List returns provider copies in registration order.
func (r *Registry) List() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.providers[id])
	}
	return out
}

// SetActive marks a provider enabled or disabled without removing it.
func (r *Registry) SetActive(id string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[id]
	if !ok {
		return fmt.Errorf("unknown provider %s", id)
	}
	p.Active = active
	return nil
}

// UpdateCost replaces a provider's per-message cost at runtime.
func (r *Registry) UpdateCost(id string, cost decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[id]
	if !ok {
		return fmt.Errorf("unknown provider %s", id)
	}
	p.CostPerMessage = cost
	return nil
}

// UpdatePriority replaces a provider's tier at runtime.
func (r *Registry) UpdatePriority(id string, tier Tier) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[id]
	if !ok {
		return fmt.Errorf("unknown provider %s", id)
	}
	p.Priority = tier
	return nil
}

func (r *Registry) record(id string) (*healthRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.health[id]
	return rec, ok
}

// RecordSuccess registers a delivered message and its observed latency.
func (r *Registry) RecordSuccess(id string, latencyMs float64) {
	rec, ok := r.record(id)
	if !ok {
		return
	}
	rec.mu.Lock()
	rec.messages++
	rec.tickMessages++
	rec.consecutiveErrors = 0
	if latencyMs >= 0 {
		rec.currentLatencyMs = latencyMs
		rec.latencySamples++
		rec.avgLatencyMs += (latencyMs - rec.avgLatencyMs) / float64(rec.latencySamples)
	}
	rec.mu.Unlock()
}

// RecordError registers a transport, auth, or validation failure.
func (r *Registry) RecordError(id string) {
	rec, ok := r.record(id)
	if !ok {
		return
	}
	rec.mu.Lock()
	rec.errors++
	rec.consecutiveErrors++
	rec.mu.Unlock()
}

// GetHealth returns a snapshot of the provider's health record.
func (r *Registry) GetHealth(id string) (Health, bool) {
	rec, ok := r.record(id)
	if !ok {
		return Health{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.snapshot(), true
}

// Tick recomputes derived metrics for every provider and evaluates the
// active ⇄ unhealthy machine. Evaluation is idempotent; transition events
// fire on edges only, never on every tick.
func (r *Registry) Tick(now time.Time) {
	r.mu.RLock()
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	r.mu.RUnlock()

	for _, id := range ids {
		r.tickOne(id, now)
	}
}

func (r *Registry) tickOne(id string, now time.Time) {
	rec, ok := r.record(id)
	if !ok {
		return
	}

	rec.mu.Lock()
	// Uptime degrades with consecutive errors and restores once traffic flows.
	uptime := 100 - float64(rec.consecutiveErrors)*r.thresholds.UptimePenaltyPct
	if uptime < 0 {
		uptime = 0
	}
	rec.uptimePct = uptime

	if elapsed := now.Sub(rec.lastTick).Seconds(); elapsed > 0 {
		rec.messagesPerSec = float64(rec.tickMessages) / elapsed
	}
	rec.tickMessages = 0
	rec.lastTick = now
	rec.lastCheck = now

	snap := rec.snapshot()
	violated := r.thresholds.violated(snap)

	var transition feed.EventType
	switch {
	case rec.status == StatusActive && violated:
		rec.status = StatusUnhealthy
		transition = feed.EventProviderUnhealthy
	case rec.status == StatusUnhealthy && !violated:
		rec.status = StatusActive
		transition = feed.EventProviderRecovered
	}
	snap.Status = rec.status
	rec.mu.Unlock()

	if transition == "" {
		return
	}

	r.logger.Warn().Str("provider", id).
		Str("event", string(transition)).
		Float64("uptime_pct", snap.UptimePct).
		Float64("latency_ms", snap.CurrentLatencyMs).
		Float64("error_rate", snap.ErrorRate).
		Msg("provider status transition")

	if r.bus != nil {
		r.bus.Publish(feed.Event{
			Type:      transition,
			Timestamp: now,
			Provider:  id,
			Payload:   snap,
		})
	}
}
