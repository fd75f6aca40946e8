package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"feed-orchestrator/internal/storage"
)

// Export renders journaled latency snapshots as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-24 * time.Hour)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	snapshots, err := store.ListSnapshotsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	snapshots = filterSnapshots(snapshots, opts.Provider, opts.Instrument)
	if len(snapshots) == 0 {
		a.Logger.Info().Msg("no latency snapshots found for export window")
		return nil
	}

	downsampled := downsampleSnapshots(snapshots, opts.MaxPoints)
	a.Logger.Info().Int("total", len(snapshots)).Int("exported", len(downsampled)).Msg("exporting latency snapshots")

	if opts.CSVPath != "" {
		if err := writeSnapshotsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSnapshotsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func filterSnapshots(snapshots []storage.SnapshotRecord, provider, instrument string) []storage.SnapshotRecord {
	if provider == "" && instrument == "" {
		return snapshots
	}
	out := make([]storage.SnapshotRecord, 0, len(snapshots))
	for _, s := range snapshots {
		if provider != "" && s.Provider != provider {
			continue
		}
		if instrument != "" && s.Instrument != instrument {
			continue
		}
		out = append(out, s)
	}
	return out
}

func downsampleSnapshots(snapshots []storage.SnapshotRecord, max int) []storage.SnapshotRecord {
	if max <= 0 || len(snapshots) <= max {
		return snapshots
	}

	result := make([]storage.SnapshotRecord, 0, max)
	step := float64(len(snapshots)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(snapshots) {
			idx = len(snapshots) - 1
		}
		result = append(result, snapshots[idx])
	}
	return result
}

func writeSnapshotsCSV(path string, snapshots []storage.SnapshotRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"captured_at", "provider", "instrument", "samples", "avg_ms", "p50_ms", "p90_ms", "p95_ms", "p99_ms", "violations"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, s := range snapshots {
		record := []string{
			s.CapturedAt.UTC().Format(time.RFC3339),
			s.Provider,
			s.Instrument,
			strconv.FormatInt(s.SampleCount, 10),
			formatMs(s.AvgMs),
			formatMs(s.P50Ms),
			formatMs(s.P90Ms),
			formatMs(s.P95Ms),
			formatMs(s.P99Ms),
			strconv.FormatInt(s.Violations, 10),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeSnapshotsPNG(path string, snapshots []storage.SnapshotRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(snapshots))
	p50 := make([]float64, len(snapshots))
	p95 := make([]float64, len(snapshots))
	p99 := make([]float64, len(snapshots))

	for i, s := range snapshots {
		x[i] = s.CapturedAt
		p50[i] = s.P50Ms
		p95[i] = s.P95Ms
		p99[i] = s.P99Ms
	}

	msFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.1f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Latency (ms)",
			ValueFormatter: msFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "p50",
				XValues: x,
				YValues: p50,
			},
			chart.TimeSeries{
				Name:    "p95",
				XValues: x,
				YValues: p95,
			},
			chart.TimeSeries{
				Name:    "p99",
				XValues: x,
				YValues: p99,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatMs(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}
