package app

import (
	"context"
	"encoding/json"
	"time"

	"feed-orchestrator/internal/feed"
	"feed-orchestrator/internal/latency"
	"feed-orchestrator/internal/scheduler"
	"feed-orchestrator/internal/storage"
)

const journalInsertTimeout = 3 * time.Second

// snapshotSink persists latency snapshots captured on health ticks.
type snapshotSink struct {
	store storage.SnapshotStore
}

func (s snapshotSink) InsertLatencySnapshot(ctx context.Context, snap latency.Snapshot) error {
	return s.store.InsertSnapshot(ctx, storage.SnapshotRecord{
		Provider:    snap.Provider,
		Instrument:  snap.Instrument,
		SampleCount: snap.Samples,
		MinMs:       snap.MinMs,
		MaxMs:       snap.MaxMs,
		AvgMs:       snap.AvgMs,
		P50Ms:       snap.Percentiles.P50,
		P90Ms:       snap.Percentiles.P90,
		P95Ms:       snap.Percentiles.P95,
		P99Ms:       snap.Percentiles.P99,
		Violations:  snap.Violations,
		CapturedAt:  snap.UpdatedAt,
	})
}

// journalStore is the subset of storage the event consumer writes to.
type journalStore interface {
	InsertEvent(ctx context.Context, rec storage.EventRecord) error
	InsertAlert(ctx context.Context, rec storage.AlertRecord) error
}

// consumeEvents journals the event stream until the bus closes or the
// context is cancelled. Tick-rate message events are not journaled; the
// per-provider counters in the registry already cover throughput.
func (a *App) consumeEvents(ctx context.Context, events <-chan feed.Event, store journalStore) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type == feed.EventMessageReceived {
				continue
			}
			a.journalEvent(ctx, ev, store)
		}
	}
}

func (a *App) journalEvent(ctx context.Context, ev feed.Event, store journalStore) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		a.Logger.Error().Err(err).Str("event", string(ev.Type)).Msg("failed to encode event payload")
		payload = nil
	}

	insertCtx, cancel := context.WithTimeout(ctx, journalInsertTimeout)
	defer cancel()

	rec := storage.EventRecord{
		EventID:    ev.ID.String(),
		Type:       string(ev.Type),
		Provider:   ev.Provider,
		Instrument: ev.Instrument,
		Payload:    payload,
		EmittedAt:  ev.Timestamp,
	}
	if err := store.InsertEvent(insertCtx, rec); err != nil {
		a.Logger.Error().Err(err).Str("event", string(ev.Type)).Msg("failed to journal event")
		return
	}

	alert, ok := ev.Payload.(latency.Alert)
	if ev.Type != feed.EventLatencyAlert || !ok {
		return
	}
	if err := store.InsertAlert(insertCtx, storage.AlertRecord{
		AlertID:    alert.ID.String(),
		Rule:       alert.Rule,
		Severity:   string(alert.Severity),
		Provider:   alert.Provider,
		Instrument: alert.Instrument,
		Message:    alert.Message,
		P95Ms:      alert.Metric.Percentiles.P95,
		P99Ms:      alert.Metric.Percentiles.P99,
		EmittedAt:  alert.Timestamp,
	}); err != nil {
		a.Logger.Error().Err(err).Str("rule", alert.Rule).Msg("failed to journal alert")
	}
}

// pruneTick removes journal rows older than the retention window.
func (a *App) pruneTick(store *storage.Store) scheduler.TickFunc {
	return func(ctx context.Context, now time.Time) error {
		cutoff := now.AddDate(0, 0, -a.Config.Database.RetentionDays)

		if err := store.DeleteEventsBefore(ctx, cutoff); err != nil {
			return err
		}
		if err := store.DeleteAlertsBefore(ctx, cutoff); err != nil {
			return err
		}
		if err := store.DeleteSnapshotsBefore(ctx, cutoff); err != nil {
			return err
		}

		a.Logger.Debug().Time("cutoff", cutoff).Msg("journal retention prune complete")
		return nil
	}
}
