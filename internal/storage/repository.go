package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertEventSQL = `INSERT INTO feed_events (
        event_id,
        event_type,
        provider_id,
        instrument,
        payload,
        emitted_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (event_id) DO NOTHING;`

	listRecentEventsSQL = `SELECT
        id,
        event_id,
        event_type,
        provider_id,
        instrument,
        payload,
        emitted_at,
        created_at
    FROM feed_events
    ORDER BY emitted_at DESC
    LIMIT $1;`

	deleteEventsBeforeSQL = `DELETE FROM feed_events WHERE emitted_at < $1;`

	insertAlertSQL = `INSERT INTO latency_alerts (
        alert_id,
        rule,
        severity,
        provider_id,
        instrument,
        message,
        p95_ms,
        p99_ms,
        emitted_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (alert_id) DO NOTHING;`

	listRecentAlertsSQL = `SELECT
        id,
        alert_id,
        rule,
        severity,
        provider_id,
        instrument,
        message,
        p95_ms,
        p99_ms,
        emitted_at,
        created_at
    FROM latency_alerts
    ORDER BY emitted_at DESC
    LIMIT $1;`

	deleteAlertsBeforeSQL = `DELETE FROM latency_alerts WHERE emitted_at < $1;`

	insertSnapshotSQL = `INSERT INTO latency_snapshots (
        provider_id,
        instrument,
        sample_count,
        min_ms,
        max_ms,
        avg_ms,
        p50_ms,
        p90_ms,
        p95_ms,
        p99_ms,
        violations,
        captured_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
    );`

	listSnapshotsBetweenSQL = `SELECT
        id,
        provider_id,
        instrument,
        sample_count,
        min_ms,
        max_ms,
        avg_ms,
        p50_ms,
        p90_ms,
        p95_ms,
        p99_ms,
        violations,
        captured_at,
        created_at
    FROM latency_snapshots
    WHERE captured_at >= $1
      AND captured_at < $2
    ORDER BY captured_at;`

	deleteSnapshotsBeforeSQL = `DELETE FROM latency_snapshots WHERE captured_at < $1;`
)

// EventJournal defines operations for feed event persistence.
type EventJournal interface {
	InsertEvent(ctx context.Context, rec EventRecord) error
	ListRecentEvents(ctx context.Context, limit int) ([]EventRecord, error)
	DeleteEventsBefore(ctx context.Context, olderThan time.Time) error
}

// AlertJournal defines operations for latency alert auditing.
type AlertJournal interface {
	InsertAlert(ctx context.Context, rec AlertRecord) error
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
}

// SnapshotStore defines operations for latency snapshot persistence.
type SnapshotStore interface {
	InsertSnapshot(ctx context.Context, rec SnapshotRecord) error
	ListSnapshotsBetween(ctx context.Context, from, to time.Time) ([]SnapshotRecord, error)
	DeleteSnapshotsBefore(ctx context.Context, olderThan time.Time) error
}

// Store aggregates journal access over one pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertEvent journals one feed event. Replayed event ids are ignored.
func (s *Store) InsertEvent(ctx context.Context, rec EventRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var payload interface{}
	if len(rec.Payload) > 0 {
		payload = []byte(rec.Payload)
	}

	if _, execErr := pool.Exec(ctx, insertEventSQL,
		rec.EventID,
		rec.Type,
		rec.Provider,
		rec.Instrument,
		payload,
		rec.EmittedAt,
	); execErr != nil {
		return fmt.Errorf("insert event: %w", execErr)
	}
	return nil
}

// ListRecentEvents lists the most recent journaled events.
func (s *Store) ListRecentEvents(ctx context.Context, limit int) ([]EventRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentEventsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent events: %w", queryErr)
	}
	defer rows.Close()

	events := make([]EventRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanEvent(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		events = append(events, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

// DeleteEventsBefore prunes historical events.
func (s *Store) DeleteEventsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteEventsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete events before: %w", execErr)
	}
	return nil
}

// InsertAlert journals one latency alert emission.
func (s *Store) InsertAlert(ctx context.Context, rec AlertRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	if _, execErr := pool.Exec(ctx, insertAlertSQL,
		rec.AlertID,
		rec.Rule,
		rec.Severity,
		rec.Provider,
		rec.Instrument,
		rec.Message,
		rec.P95Ms,
		rec.P99Ms,
		rec.EmittedAt,
	); execErr != nil {
		return fmt.Errorf("insert alert: %w", execErr)
	}
	return nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		var rec AlertRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.AlertID,
			&rec.Rule,
			&rec.Severity,
			&rec.Provider,
			&rec.Instrument,
			&rec.Message,
			&rec.P95Ms,
			&rec.P99Ms,
			&rec.EmittedAt,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteAlertsBefore prunes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

// InsertSnapshot persists one latency distribution snapshot.
func (s *Store) InsertSnapshot(ctx context.Context, rec SnapshotRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	if _, execErr := pool.Exec(ctx, insertSnapshotSQL,
		rec.Provider,
		rec.Instrument,
		rec.SampleCount,
		rec.MinMs,
		rec.MaxMs,
		rec.AvgMs,
		rec.P50Ms,
		rec.P90Ms,
		rec.P95Ms,
		rec.P99Ms,
		rec.Violations,
		rec.CapturedAt,
	); execErr != nil {
		return fmt.Errorf("insert snapshot: %w", execErr)
	}
	return nil
}

// ListSnapshotsBetween lists snapshots within a time window.
func (s *Store) ListSnapshotsBetween(ctx context.Context, from, to time.Time) ([]SnapshotRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSnapshotsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list snapshots between: %w", queryErr)
	}
	defer rows.Close()

	snapshots := make([]SnapshotRecord, 0)
	for rows.Next() {
		var rec SnapshotRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.Provider,
			&rec.Instrument,
			&rec.SampleCount,
			&rec.MinMs,
			&rec.MaxMs,
			&rec.AvgMs,
			&rec.P50Ms,
			&rec.P90Ms,
			&rec.P95Ms,
			&rec.P99Ms,
			&rec.Violations,
			&rec.CapturedAt,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		snapshots = append(snapshots, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return snapshots, nil
}

// DeleteSnapshotsBefore prunes historical snapshots.
func (s *Store) DeleteSnapshotsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteSnapshotsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete snapshots before: %w", execErr)
	}
	return nil
}

func scanEvent(rows pgx.Rows) (EventRecord, error) {
	var rec EventRecord
	var payload []byte
	if err := rows.Scan(
		&rec.ID,
		&rec.EventID,
		&rec.Type,
		&rec.Provider,
		&rec.Instrument,
		&payload,
		&rec.EmittedAt,
		&rec.CreatedAt,
	); err != nil {
		return EventRecord{}, err
	}
	rec.Payload = payload
	return rec, nil
}

var (
	_ EventJournal  = (*Store)(nil)
	_ AlertJournal  = (*Store)(nil)
	_ SnapshotStore = (*Store)(nil)
)
