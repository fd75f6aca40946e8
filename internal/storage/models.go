package storage

import (
	"encoding/json"
	"time"
)

// EventRecord is a journaled feed event for auditing and replay review.
type EventRecord struct {
	ID         int64
	EventID    string
	Type       string
	Provider   string
	Instrument string
	Payload    json.RawMessage
	EmittedAt  time.Time
	CreatedAt  time.Time
}

// AlertRecord captures an emitted latency alert for auditing.
type AlertRecord struct {
	ID         int64
	AlertID    string
	Rule       string
	Severity   string
	Provider   string
	Instrument string
	Message    string
	P95Ms      float64
	P99Ms      float64
	EmittedAt  time.Time
	CreatedAt  time.Time
}

// SnapshotRecord is a persisted latency distribution snapshot for one
// (provider, instrument) stream.
type SnapshotRecord struct {
	ID          int64
	Provider    string
	Instrument  string
	SampleCount int64
	MinMs       float64
	MaxMs       float64
	AvgMs       float64
	P50Ms       float64
	P90Ms       float64
	P95Ms       float64
	P99Ms       float64
	Violations  int64
	CapturedAt  time.Time
	CreatedAt   time.Time
}
