package provider

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tier is a provider's static priority class.
type Tier string

const (
	TierHigh   Tier = "high"
	TierMedium Tier = "medium"
	TierLow    Tier = "low"
)

// Status is the operational state of a provider.
type Status string

const (
	StatusActive    Status = "active"
	StatusUnhealthy Status = "unhealthy"
)

// Provider describes one upstream market-data source. Providers are
// registered at configuration load and never deleted during a session;
// an operator disables one by marking it inactive.
type Provider struct {
	ID                string
	Name              string
	Endpoint          string
	AuthScheme        string
	CostPerMessage    decimal.Decimal
	LatencyBaselineMs float64
	Priority          Tier
	InstrumentClasses []string
	Active            bool
}

// SupportsClass reports whether the provider serves the instrument class.
func (p Provider) SupportsClass(class string) bool {
	for _, c := range p.InstrumentClasses {
		if c == class {
			return true
		}
	}
	return false
}

// Health is a point-in-time copy of a provider's mutable health record.
type Health struct {
	UptimePct         float64
	CurrentLatencyMs  float64
	AvgLatencyMs      float64
	ErrorRate         float64
	ConsecutiveErrors int
	Messages          int64
	Errors            int64
	MessagesPerSec    float64
	LastCheck         time.Time
	Status            Status
}

// Thresholds guard the active ⇄ unhealthy transition. A provider turns
// unhealthy when any single threshold is violated and recovers only once
// all three clear.
type Thresholds struct {
	MinUptimePct     float64
	MaxLatencyMs     float64
	MaxErrorRate     float64
	UptimePenaltyPct float64
}

func (t Thresholds) violated(h Health) bool {
	return h.UptimePct < t.MinUptimePct ||
		h.CurrentLatencyMs > t.MaxLatencyMs ||
		h.ErrorRate > t.MaxErrorRate
}
