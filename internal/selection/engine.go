package selection

import (
	"errors"

	"github.com/rs/zerolog"

	"feed-orchestrator/internal/provider"
)

// ErrNoProviderAvailable signals that no active provider supports the
// requested instrument class. Fatal for the subscription attempt; the
// caller decides whether to resubscribe.
var ErrNoProviderAvailable = errors.New("selection: no provider available")

// Weights control the linear combination of normalised factor scores.
type Weights struct {
	Uptime   float64
	Latency  float64
	Cost     float64
	Error    float64
	Priority float64
}

// DefaultWeights returns the documented scoring weights.
func DefaultWeights() Weights {
	return Weights{Uptime: 0.30, Latency: 0.25, Cost: 0.20, Error: 0.15, Priority: 0.10}
}

var priorityScores = map[provider.Tier]float64{
	provider.TierHigh:   90,
	provider.TierMedium: 70,
	provider.TierLow:    50,
}

const priorityScoreDefault = 60

// Engine ranks candidate providers for routing and failover decisions.
type Engine struct {
	registry *provider.Registry
	weights  Weights
	logger   zerolog.Logger
}

// NewEngine constructs an Engine over the registry.
func NewEngine(registry *provider.Registry, weights Weights, logger zerolog.Logger) *Engine {
	return &Engine{
		registry: registry,
		weights:  weights,
		logger:   logger.With().Str("component", "selection_engine").Logger(),
	}
}

// Score computes the weighted fitness of one provider given its health.
// Each factor is normalised to 0–100 before weighting.
func (e *Engine) Score(p provider.Provider, h provider.Health) float64 {
	uptimeScore := h.UptimePct

	latencyScore := 100 - h.CurrentLatencyMs
	if latencyScore < 0 {
		latencyScore = 0
	}

	costScore := 100 - p.CostPerMessage.InexactFloat64()*1000
	if costScore < 0 {
		costScore = 0
	}

	errorScore := 100 - h.ErrorRate*100
	if errorScore < 0 {
		errorScore = 0
	}

	priorityScore, ok := priorityScores[p.Priority]
	if !ok {
		priorityScore = priorityScoreDefault
	}

	return uptimeScore*e.weights.Uptime +
		latencyScore*e.weights.Latency +
		costScore*e.weights.Cost +
		errorScore*e.weights.Error +
		priorityScore*e.weights.Priority
}

// SelectBest returns the highest-scoring active, healthy provider that
// supports the instrument class. Ties break by registration order: the
// first-registered provider wins, deterministically.
func (e *Engine) SelectBest(instrumentClass string, exclude ...string) (provider.Provider, error) {
	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}

	var (
		best      provider.Provider
		bestScore float64
		found     bool
	)
	for _, p := range e.registry.List() {
		if excluded[p.ID] || !p.Active || !p.SupportsClass(instrumentClass) {
			continue
		}
		health, ok := e.registry.GetHealth(p.ID)
		if !ok || health.Status != provider.StatusActive {
			continue
		}
		score := e.Score(p, health)
		if !found || score > bestScore {
			best = p
			bestScore = score
			found = true
		}
	}

	if !found {
		return provider.Provider{}, ErrNoProviderAvailable
	}

	e.logger.Debug().Str("provider", best.ID).
		Str("class", instrumentClass).
		Float64("score", bestScore).
		Msg("provider selected")
	return best, nil
}

// SelectBackup picks the best provider excluding the one that just
// failed. Scoring is identical to SelectBest.
func (e *Engine) SelectBackup(instrumentClass, failedProviderID string, exclude ...string) (provider.Provider, error) {
	return e.SelectBest(instrumentClass, append(exclude, failedProviderID)...)
}
