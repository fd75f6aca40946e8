package latency

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"feed-orchestrator/internal/feed"
)

// AlertSeverity grades a fired rule.
type AlertSeverity string

const (
	SeverityInfo    AlertSeverity = "info"
	SeverityWarning AlertSeverity = "warning"
	SeverityError   AlertSeverity = "error"
)

// Alert is the immutable record emitted when a rule fires outside its
// cooldown window.
type Alert struct {
	ID         uuid.UUID
	Rule       string
	Severity   AlertSeverity
	Provider   string
	Instrument string
	Message    string
	Metric     Snapshot
	Timestamp  time.Time
}

// Config tunes the monitor windows and rule parameters.
type Config struct {
	WindowSize       int
	PercentileWindow int
	AlertCooldown    time.Duration

	SpikeFactor     float64
	SpikeMinSamples int
	SpikeAvgWindow  int

	SLAWindow       int
	SLAMinSamples   int
	SLAViolationPct float64

	TrendWindow     int
	TrendMinSamples int
	TrendSlopeMs    float64
}

// DefaultConfig mirrors the documented rule defaults.
func DefaultConfig() Config {
	return Config{
		WindowSize:       300,
		PercentileWindow: 100,
		AlertCooldown:    60 * time.Second,
		SpikeFactor:      2,
		SpikeMinSamples:  5,
		SpikeAvgWindow:   10,
		SLAWindow:        60,
		SLAMinSamples:    30,
		SLAViolationPct:  10,
		TrendWindow:      300,
		TrendMinSamples:  100,
		TrendSlopeMs:     1,
	}
}

// rule evaluates one alert condition against the updated metric view.
// samples are chronological and include the current one at the tail.
type rule struct {
	id       string
	severity AlertSeverity
	eval     func(cfg Config, class SLAClass, snap Snapshot, samples []float64) (bool, string)
}

// Monitor records per-(provider, instrument) latency samples, maintains
// rolling percentiles, and evaluates alert rules inline with each sample.
type Monitor struct {
	mu       sync.RWMutex
	trackers map[string]*tracker

	cfg      Config
	classes  map[string]SLAClass
	fallback SLAClass
	rules    []rule

	cooldownMu sync.Mutex
	lastFired  map[string]time.Time
	suppressed map[string]int64

	bus    *feed.Bus
	logger zerolog.Logger
	now    func() time.Time
}

// NewMonitor constructs a Monitor. classes maps SLA class name to its
// thresholds; fallback applies to instruments of an unknown class.
func NewMonitor(cfg Config, classes map[string]SLAClass, fallback SLAClass, bus *feed.Bus, logger zerolog.Logger) *Monitor {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 300
	}
	if cfg.PercentileWindow <= 0 {
		cfg.PercentileWindow = 100
	}
	m := &Monitor{
		trackers:   make(map[string]*tracker),
		cfg:        cfg,
		classes:    classes,
		fallback:   fallback,
		lastFired:  make(map[string]time.Time),
		suppressed: make(map[string]int64),
		bus:        bus,
		logger:     logger.With().Str("component", "latency_monitor").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	m.rules = []rule{
		{id: "high_latency", severity: SeverityError, eval: evalHighLatency},
		{id: "latency_spike", severity: SeverityWarning, eval: evalSpike},
		{id: "sla_violation", severity: SeverityError, eval: evalSLAViolation},
		{id: "degradation_trend", severity: SeverityWarning, eval: evalTrend},
	}
	return m
}

func trackerKey(provider, instrument string) string {
	return provider + "|" + instrument
}

func (m *Monitor) classFor(class string) SLAClass {
	if c, ok := m.classes[class]; ok {
		return c
	}
	return m.fallback
}

func (m *Monitor) tracker(provider, instrument, class string) *tracker {
	key := trackerKey(provider, instrument)
	m.mu.RLock()
	t, ok := m.trackers[key]
	m.mu.RUnlock()
	if ok {
		return t
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok = m.trackers[key]; ok {
		return t
	}
	t = newTracker(provider, instrument, m.classFor(class), m.cfg.WindowSize, m.cfg.PercentileWindow)
	m.trackers[key] = t
	return t
}

// Record ingests one latency observation and evaluates every registered
// rule, in registration order, against the updated snapshot.
func (m *Monitor) Record(provider, instrument, class string, latencyMs float64) {
	now := m.now()
	t := m.tracker(provider, instrument, class)
	snap, samples := t.record(latencyMs, now)

	for _, r := range m.rules {
		fired, msg := r.eval(m.cfg, t.class, snap, samples)
		if !fired {
			continue
		}
		m.fire(r, msg, snap, now)
	}
}

// Snapshot returns a copy of the tracker state for the pair, if any.
func (m *Monitor) Snapshot(provider, instrument string) (Snapshot, bool) {
	m.mu.RLock()
	t, ok := m.trackers[trackerKey(provider, instrument)]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return t.snapshot(), true
}

// Snapshots returns the current state of every tracked pair.
func (m *Monitor) Snapshots() []Snapshot {
	m.mu.RLock()
	trackers := make([]*tracker, 0, len(m.trackers))
	for _, t := range m.trackers {
		trackers = append(trackers, t)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, 0, len(trackers))
	for _, t := range trackers {
		out = append(out, t.snapshot())
	}
	return out
}

// SuppressedCount reports how many firings of the rule were swallowed by
// the cooldown window for the given pair.
func (m *Monitor) SuppressedCount(rule, provider, instrument string) int64 {
	m.cooldownMu.Lock()
	defer m.cooldownMu.Unlock()
	return m.suppressed[cooldownKey(rule, provider, instrument)]
}

func cooldownKey(rule, provider, instrument string) string {
	return rule + "|" + provider + "|" + instrument
}

// fire emits the alert unless the (rule, provider, instrument) key is
// still cooling down. A suppressed firing is counted and logged, never
// silently dropped.
func (m *Monitor) fire(r rule, msg string, snap Snapshot, now time.Time) {
	key := cooldownKey(r.id, snap.Provider, snap.Instrument)

	m.cooldownMu.Lock()
	last, seen := m.lastFired[key]
	if seen && m.cfg.AlertCooldown > 0 && now.Sub(last) < m.cfg.AlertCooldown {
		m.suppressed[key]++
		count := m.suppressed[key]
		m.cooldownMu.Unlock()
		m.logger.Debug().Str("rule", r.id).
			Str("provider", snap.Provider).
			Str("instrument", snap.Instrument).
			Int64("suppressed_total", count).
			Msg("alert suppressed by cooldown")
		return
	}
	m.lastFired[key] = now
	m.cooldownMu.Unlock()

	alert := Alert{
		ID:         uuid.New(),
		Rule:       r.id,
		Severity:   r.severity,
		Provider:   snap.Provider,
		Instrument: snap.Instrument,
		Message:    msg,
		Metric:     snap,
		Timestamp:  now,
	}

	m.logger.Warn().Str("rule", alert.Rule).
		Str("severity", string(alert.Severity)).
		Str("provider", alert.Provider).
		Str("instrument", alert.Instrument).
		Float64("current_ms", snap.CurrentMs).
		Msg(alert.Message)

	if m.bus != nil {
		m.bus.Publish(feed.Event{
			Type:       feed.EventLatencyAlert,
			Timestamp:  now,
			Provider:   alert.Provider,
			Instrument: alert.Instrument,
			Payload:    alert,
		})
	}
}

func evalHighLatency(cfg Config, class SLAClass, snap Snapshot, samples []float64) (bool, string) {
	if snap.CurrentMs <= class.CriticalMs {
		return false, ""
	}
	return true, fmt.Sprintf("latency %.1fms exceeds critical threshold %.1fms", snap.CurrentMs, class.CriticalMs)
}

func evalSpike(cfg Config, class SLAClass, snap Snapshot, samples []float64) (bool, string) {
	// Compare against the average of the samples preceding the current one.
	prior := samples[:len(samples)-1]
	if len(prior) < cfg.SpikeMinSamples {
		return false, ""
	}
	recent := tail(prior, cfg.SpikeAvgWindow)
	var sum float64
	for _, v := range recent {
		sum += v
	}
	avg := sum / float64(len(recent))
	if avg <= 0 || snap.CurrentMs <= cfg.SpikeFactor*avg {
		return false, ""
	}
	return true, fmt.Sprintf("latency %.1fms spiked above %.1fx recent average %.1fms", snap.CurrentMs, cfg.SpikeFactor, avg)
}

func evalSLAViolation(cfg Config, class SLAClass, snap Snapshot, samples []float64) (bool, string) {
	recent := tail(samples, cfg.SLAWindow)
	if len(recent) < cfg.SLAMinSamples {
		return false, ""
	}
	over := 0
	for _, v := range recent {
		if v > class.WarningMs {
			over++
		}
	}
	pct := float64(over) / float64(len(recent)) * 100
	if pct <= cfg.SLAViolationPct {
		return false, ""
	}
	return true, fmt.Sprintf("%.1f%% of last %d samples exceed warning threshold %.1fms", pct, len(recent), class.WarningMs)
}

func evalTrend(cfg Config, class SLAClass, snap Snapshot, samples []float64) (bool, string) {
	recent := tail(samples, cfg.TrendWindow)
	if len(recent) < cfg.TrendMinSamples {
		return false, ""
	}
	slope := olsSlope(recent)
	if slope <= cfg.TrendSlopeMs {
		return false, ""
	}
	return true, fmt.Sprintf("latency degrading at %.2fms/sample over last %d samples", slope, len(recent))
}

// olsSlope computes the ordinary-least-squares slope of value over index.
func olsSlope(values []float64) float64 {
	n := float64(len(values))
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, v := range values {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}
