package anomaly

import (
	"math"
	"sync"
	"time"
)

// Type labels what a sample deviated on.
type Type string

const (
	TypePrice  Type = "price"
	TypeVolume Type = "volume"
)

// Severity grades how far a sample sits outside its baseline.
type Severity string

const (
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Record is the transient result of one check. It is not persisted; the
// rolling per-instrument history is the only state the detector keeps.
type Record struct {
	Instrument        string
	Types             []Type
	Severity          Severity
	Price             float64
	Volume            float64
	PriceDeviationPct float64
	VolumeRatio       float64
	Timestamp         time.Time
}

// Config tunes the statistical filter.
type Config struct {
	WindowSize            int
	WarmupSamples         int
	PriceDeviationPct     float64
	PriceDeviationHighPct float64
	VolumeSpikeFactor     float64
	VolumeSpikeHighFactor float64
}

// DefaultConfig mirrors the documented detection defaults.
func DefaultConfig() Config {
	return Config{
		WindowSize:            100,
		WarmupSamples:         10,
		PriceDeviationPct:     10,
		PriceDeviationHighPct: 20,
		VolumeSpikeFactor:     5,
		VolumeSpikeHighFactor: 10,
	}
}

type window struct {
	mu      sync.Mutex
	prices  []float64
	volumes []float64
	next    int
	filled  bool
}

// Detector flags price and volume outliers against a bounded rolling
// history per instrument. Check runs on the hot path for every inbound
// message: O(window size), no blocking.
type Detector struct {
	mu      sync.RWMutex
	windows map[string]*window
	cfg     Config
}

// New constructs a Detector.
func New(cfg Config) *Detector {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 100
	}
	if cfg.WarmupSamples <= 0 {
		cfg.WarmupSamples = 10
	}
	return &Detector{windows: make(map[string]*window), cfg: cfg}
}

func (d *Detector) window(instrument string) *window {
	d.mu.RLock()
	w, ok := d.windows[instrument]
	d.mu.RUnlock()
	if ok {
		return w
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if w, ok = d.windows[instrument]; ok {
		return w
	}
	w = &window{
		prices:  make([]float64, 0, d.cfg.WindowSize),
		volumes: make([]float64, 0, d.cfg.WindowSize),
	}
	d.windows[instrument] = w
	return w
}

// Check evaluates one sample against the instrument's history and returns
// nil when nothing deviates. The sample is admitted into the rolling
// window whether or not it was flagged, so transient shocks shift the
// baseline instead of anchoring it to stale history.
func (d *Detector) Check(instrument string, price, volume float64) *Record {
	w := d.window(instrument)
	w.mu.Lock()
	defer w.mu.Unlock()

	var rec *Record
	if len(w.prices) >= d.cfg.WarmupSamples {
		rec = d.evaluate(w, instrument, price, volume)
	}

	d.admit(w, price, volume)
	return rec
}

func (d *Detector) evaluate(w *window, instrument string, price, volume float64) *Record {
	rec := &Record{
		Instrument: instrument,
		Price:      price,
		Volume:     volume,
		Severity:   SeverityMedium,
		Timestamp:  time.Now().UTC(),
	}

	priceMean, _ := meanStddev(w.prices)
	if priceMean > 0 {
		deviation := math.Abs(price-priceMean) / priceMean * 100
		rec.PriceDeviationPct = deviation
		if deviation > d.cfg.PriceDeviationPct {
			rec.Types = append(rec.Types, TypePrice)
			if deviation > d.cfg.PriceDeviationHighPct {
				rec.Severity = SeverityHigh
			}
		}
	}

	volumeMean, _ := meanStddev(w.volumes)
	if volumeMean > 0 {
		ratio := volume / volumeMean
		rec.VolumeRatio = ratio
		if ratio > d.cfg.VolumeSpikeFactor {
			rec.Types = append(rec.Types, TypeVolume)
			if ratio > d.cfg.VolumeSpikeHighFactor {
				rec.Severity = SeverityHigh
			}
		}
	}

	if len(rec.Types) == 0 {
		return nil
	}
	return rec
}

func (d *Detector) admit(w *window, price, volume float64) {
	if len(w.prices) < d.cfg.WindowSize {
		w.prices = append(w.prices, price)
		w.volumes = append(w.volumes, volume)
		return
	}
	w.prices[w.next] = price
	w.volumes[w.next] = volume
	w.next = (w.next + 1) % d.cfg.WindowSize
	w.filled = true
}

// HistoryLen reports how many samples are held for the instrument.
func (d *Detector) HistoryLen(instrument string) int {
	d.mu.RLock()
	w, ok := d.windows[instrument]
	d.mu.RUnlock()
	if !ok {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.prices)
}

func meanStddev(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		diff := v - mean
		sq += diff * diff
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}
