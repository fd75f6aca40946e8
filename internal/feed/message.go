package feed

import (
	"encoding/json"
	"fmt"
	"time"
)

// TickMessage is the normalised inbound market data unit. Providers send
// JSON frames; ProviderTS carries the upstream emit time in epoch
// milliseconds and anchors end-to-end latency measurement.
type TickMessage struct {
	Instrument string  `json:"instrument"`
	Price      float64 `json:"price"`
	Volume     float64 `json:"volume"`
	ProviderTS int64   `json:"ts"`
	ReceivedAt time.Time
}

// ParseTick decodes a raw frame into a TickMessage and validates it.
// Malformed frames are validation errors: logged, dropped, and counted
// against the sending provider, never fatal for the connection.
func ParseTick(raw []byte, receivedAt time.Time) (TickMessage, error) {
	var msg TickMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return TickMessage{}, fmt.Errorf("decode tick frame: %w", err)
	}
	if msg.Instrument == "" {
		return TickMessage{}, fmt.Errorf("tick frame missing instrument")
	}
	if msg.Price <= 0 {
		return TickMessage{}, fmt.Errorf("tick frame has non-positive price %f", msg.Price)
	}
	if msg.Volume < 0 {
		return TickMessage{}, fmt.Errorf("tick frame has negative volume %f", msg.Volume)
	}
	msg.ReceivedAt = receivedAt
	return msg, nil
}

// Latency returns the end-to-end latency for the tick, or false when the
// provider did not stamp an emit time.
func (m TickMessage) Latency() (time.Duration, bool) {
	if m.ProviderTS <= 0 {
		return 0, false
	}
	emitted := time.UnixMilli(m.ProviderTS)
	if m.ReceivedAt.Before(emitted) {
		return 0, true
	}
	return m.ReceivedAt.Sub(emitted), true
}
