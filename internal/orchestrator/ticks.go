package orchestrator

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"feed-orchestrator/internal/feed"
	"feed-orchestrator/internal/provider"
)

const secondsPerDay = 86400

// healthTick recomputes provider health and degrades subscriptions whose
// bound provider went stale or unhealthy. Runs every HealthTickInterval.
func (o *Orchestrator) healthTick(ctx context.Context, now time.Time) error {
	o.registry.Tick(now)

	o.mu.RLock()
	subs := make([]*Subscription, 0, len(o.subs))
	for _, sub := range o.subs {
		subs = append(subs, sub)
	}
	o.mu.RUnlock()

	for _, sub := range subs {
		if reason, degraded := o.evaluateSubscription(sub, now); degraded {
			go o.failover(sub, reason)
		}
	}

	o.persistSnapshots(ctx)
	return nil
}

// evaluateSubscription checks one connected subscription for staleness
// or an unhealthy bound provider and marks it Degraded if so.
func (o *Orchestrator) evaluateSubscription(sub *Subscription, now time.Time) (string, bool) {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if sub.state != StateConnected {
		return "", false
	}

	lastSeen := sub.lastMessageAt
	if lastSeen.IsZero() {
		lastSeen = sub.createdAt
	}
	if o.cfg.StalenessWindow > 0 && now.Sub(lastSeen) > o.cfg.StalenessWindow {
		sub.state = StateDegraded
		o.logger.Warn().Str("instrument", sub.instrument).
			Str("provider", sub.providerID).
			Time("last_message", lastSeen).
			Msg("subscription stale")
		return "stale_feed", true
	}

	if health, ok := o.registry.GetHealth(sub.providerID); ok && health.Status == provider.StatusUnhealthy {
		sub.state = StateDegraded
		o.logger.Warn().Str("instrument", sub.instrument).
			Str("provider", sub.providerID).
			Msg("bound provider unhealthy")
		return "provider_unhealthy", true
	}

	return "", false
}

func (o *Orchestrator) persistSnapshots(ctx context.Context) {
	if o.sink == nil {
		return
	}
	insertCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	for _, snap := range o.monitor.Snapshots() {
		if err := o.sink.InsertLatencySnapshot(insertCtx, snap); err != nil {
			// One bad row must not starve the rest of the batch.
			o.logger.Error().Err(err).
				Str("provider", snap.Provider).
				Str("instrument", snap.Instrument).
				Msg("failed to persist latency snapshot")
		}
	}
}

// costTick re-optimizes active subscriptions for cost: when a healthier
// or equally healthy provider would yield materially lower projected
// daily cost, it triggers a non-urgent failover with reason
// cost_optimization. Runs every CostTickInterval.
func (o *Orchestrator) costTick(ctx context.Context, now time.Time) error {
	o.mu.RLock()
	subs := make([]*Subscription, 0, len(o.subs))
	for _, sub := range o.subs {
		subs = append(subs, sub)
	}
	o.mu.RUnlock()

	for _, sub := range subs {
		o.optimizeSubscription(sub, now)
	}
	return nil
}

func (o *Orchestrator) optimizeSubscription(sub *Subscription, now time.Time) {
	sub.mu.Lock()
	state := sub.state
	currentID := sub.providerID
	class := sub.class
	instrument := sub.instrument
	sub.mu.Unlock()

	if state != StateConnected {
		return
	}

	current, ok := o.registry.Get(currentID)
	if !ok {
		return
	}
	currentHealth, ok := o.registry.GetHealth(currentID)
	if !ok {
		return
	}

	candidate, err := o.selector.SelectBackup(class, currentID)
	if err != nil {
		return
	}
	candidateHealth, ok := o.registry.GetHealth(candidate.ID)
	if !ok {
		return
	}

	// The optimization bar: candidate health must be equal or better, and
	// above the configured floor, before cost even enters the picture.
	if candidateHealth.UptimePct < o.cfg.CostMinUptimePct ||
		candidateHealth.UptimePct < currentHealth.UptimePct ||
		candidateHealth.ErrorRate > currentHealth.ErrorRate {
		return
	}

	msgsPerDay := decimal.NewFromFloat(currentHealth.MessagesPerSec * secondsPerDay)
	currentDaily := current.CostPerMessage.Mul(msgsPerDay)
	candidateDaily := candidate.CostPerMessage.Mul(msgsPerDay)
	savings := currentDaily.Sub(candidateDaily)

	if savings.LessThanOrEqual(o.cfg.CostMinSavingsUSD) {
		return
	}

	o.bus.Publish(feed.Event{
		Type:       feed.EventCostOptimization,
		Timestamp:  now,
		Provider:   currentID,
		Instrument: instrument,
		Payload: feed.CostOptimizationPayload{
			From:             currentID,
			To:               candidate.ID,
			DailySavingsUSD:  savings.StringFixed(2),
			CurrentDailyUSD:  currentDaily.StringFixed(2),
			ProposedDailyUSD: candidateDaily.StringFixed(2),
		},
	})
	o.logger.Info().Str("instrument", instrument).
		Str("from", currentID).
		Str("to", candidate.ID).
		Str("daily_savings_usd", savings.StringFixed(2)).
		Msg("cost optimization switch")

	o.failover(sub, "cost_optimization")
}
