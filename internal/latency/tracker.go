package latency

import (
	"math"
	"sort"
	"sync"
	"time"
)

// SLAClass holds the latency thresholds for one instrument data class.
type SLAClass struct {
	Name       string
	TargetMs   float64
	WarningMs  float64
	CriticalMs float64
}

// Percentiles is the rolling percentile set over the percentile window.
type Percentiles struct {
	P50 float64
	P90 float64
	P95 float64
	P99 float64
}

// Snapshot is a safe-to-publish copy of one tracker's state.
type Snapshot struct {
	Provider    string
	Instrument  string
	Class       string
	CurrentMs   float64
	MinMs       float64
	MaxMs       float64
	AvgMs       float64
	Percentiles Percentiles
	Violations  int64
	Samples     int64
	UpdatedAt   time.Time
}

// tracker records latency samples for one (provider, instrument) pair.
// Only the single task processing that pair's inbound stream writes to
// it; the mutex exists for safe publication of snapshots to readers.
type tracker struct {
	mu sync.Mutex

	provider   string
	instrument string
	class      SLAClass

	samples  []float64
	next     int
	filled   bool
	capacity int
	pctWin   int

	current    float64
	min        float64
	max        float64
	avg        float64
	pcts       Percentiles
	violations int64
	total      int64
	updatedAt  time.Time
}

func newTracker(provider, instrument string, class SLAClass, capacity, pctWin int) *tracker {
	return &tracker{
		provider:   provider,
		instrument: instrument,
		class:      class,
		samples:    make([]float64, 0, capacity),
		capacity:   capacity,
		pctWin:     pctWin,
		min:        math.MaxFloat64,
	}
}

// record appends one sample and recomputes the rolling view. It returns
// the updated snapshot plus the recent-sample slices the alert rules need.
func (t *tracker) record(ms float64, now time.Time) (Snapshot, []float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.samples) < t.capacity {
		t.samples = append(t.samples, ms)
	} else {
		t.samples[t.next] = ms
		t.next = (t.next + 1) % t.capacity
		t.filled = true
	}

	t.total++
	t.current = ms
	if ms < t.min {
		t.min = ms
	}
	if ms > t.max {
		t.max = ms
	}
	t.updatedAt = now

	ordered := t.chronological()
	recent := tail(ordered, t.pctWin)

	var sum float64
	for _, v := range recent {
		sum += v
	}
	t.avg = sum / float64(len(recent))
	t.pcts = computePercentiles(recent)

	if ms > t.class.WarningMs {
		t.violations++
	}

	return t.snapshotLocked(), ordered
}

// chronological returns samples ordered oldest to newest.
func (t *tracker) chronological() []float64 {
	out := make([]float64, 0, len(t.samples))
	if t.filled {
		out = append(out, t.samples[t.next:]...)
		out = append(out, t.samples[:t.next]...)
	} else {
		out = append(out, t.samples...)
	}
	return out
}

func (t *tracker) snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *tracker) snapshotLocked() Snapshot {
	min := t.min
	if t.total == 0 {
		min = 0
	}
	return Snapshot{
		Provider:    t.provider,
		Instrument:  t.instrument,
		Class:       t.class.Name,
		CurrentMs:   t.current,
		MinMs:       min,
		MaxMs:       t.max,
		AvgMs:       t.avg,
		Percentiles: t.pcts,
		Violations:  t.violations,
		Samples:     t.total,
		UpdatedAt:   t.updatedAt,
	}
}

// computePercentiles applies the nearest-rank method over the given
// window: index = ceil(p/100 × n) − 1, clamped at zero.
func computePercentiles(window []float64) Percentiles {
	if len(window) == 0 {
		return Percentiles{}
	}
	sorted := make([]float64, len(window))
	copy(sorted, window)
	sort.Float64s(sorted)
	return Percentiles{
		P50: nearestRank(sorted, 50),
		P90: nearestRank(sorted, 90),
		P95: nearestRank(sorted, 95),
		P99: nearestRank(sorted, 99),
	}
}

func nearestRank(sorted []float64, p float64) float64 {
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func tail(values []float64, n int) []float64 {
	if n <= 0 || len(values) <= n {
		return values
	}
	return values[len(values)-n:]
}
