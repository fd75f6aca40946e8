package feed

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventType enumerates the event kinds emitted by the orchestration core.
type EventType string

const (
	EventProviderUnhealthy EventType = "provider_unhealthy"
	EventProviderRecovered EventType = "provider_recovered"
	EventSymbolConnected   EventType = "symbol_connected"
	EventFailoverSuccess   EventType = "failover_success"
	EventFailoverFailed    EventType = "failover_failed"
	EventFailoverCompleted EventType = "failover_completed"
	EventLatencyAlert      EventType = "latency_alert"
	EventAnomaly           EventType = "anomaly"
	EventMessageReceived   EventType = "message_received"
	EventCostOptimization  EventType = "cost_optimization"
)

// Event is the envelope published to all subscribers. Instrument is empty
// for provider-level events.
type Event struct {
	ID         uuid.UUID
	Type       EventType
	Timestamp  time.Time
	Provider   string
	Instrument string
	Payload    any
}

// FailoverPayload carries provider transition details for failover events.
type FailoverPayload struct {
	From     string        `json:"from"`
	To       string        `json:"to"`
	Reason   string        `json:"reason"`
	Duration time.Duration `json:"duration"`
	Attempts int           `json:"attempts"`
}

// CostOptimizationPayload describes a cost-triggered switch decision.
type CostOptimizationPayload struct {
	From             string `json:"from"`
	To               string `json:"to"`
	DailySavingsUSD  string `json:"daily_savings_usd"`
	CurrentDailyUSD  string `json:"current_daily_usd"`
	ProposedDailyUSD string `json:"proposed_daily_usd"`
}

// Bus fans out events to subscribers over buffered channels. A subscriber
// that cannot keep up loses events rather than blocking the data path.
type Bus struct {
	mu      sync.RWMutex
	subs    []chan Event
	bufSize int
	closed  bool
	dropped atomic.Uint64
}

// NewBus constructs a Bus with the given per-subscriber buffer size.
func NewBus(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Bus{bufSize: bufSize}
}

// Subscribe registers a new subscriber channel.
func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, b.bufSize)
	b.mu.Lock()
	if b.closed {
		close(ch)
	} else {
		b.subs = append(b.subs, ch)
	}
	b.mu.Unlock()
	return ch
}

// Publish stamps the event with an ID and timestamp if unset and delivers
// it to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many events were discarded due to full subscriber buffers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close terminates all subscriber channels. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
