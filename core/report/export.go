package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"brandmark/core/fsutil"

	"github.com/prometheus/client_golang/prometheus"
)

// report file names
const (
	ReportFile       = "watermark-report.json"
	DetailedLogFile  = "watermark-detailed-log.json"
	FinalReportFile  = "final-report.json"
	FinalSummaryFile = "final-report-summary.json"
	FinalTextFile    = "final-report.txt"
	MetricsFile      = "watermark-metrics.prom"
)

// ExportOptions report output
type ExportOptions struct {
	Dir          string
	WriteMetrics bool
}

// Export writes every report file into opts.Dir and returns their paths.
// Each file is written atomically; the first failure stops the export.
func Export(opts ExportOptions, r Report, f FinalReport, log DetailedLog) ([]string, error) {
	dir := opts.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create report directory: %w", err)
	}

	var written []string
	writeJSON := func(name string, v any) error {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("encode %s: %w", name, err)
		}
		path := filepath.Join(dir, name)
		if err := fsutil.AtomicWriteFile(path, append(data, '\n'), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		written = append(written, path)
		return nil
	}

	if err := writeJSON(ReportFile, r); err != nil {
		return written, err
	}
	if err := writeJSON(DetailedLogFile, log); err != nil {
		return written, err
	}
	if err := writeJSON(FinalReportFile, f); err != nil {
		return written, err
	}
	if err := writeJSON(FinalSummaryFile, f.Summary); err != nil {
		return written, err
	}
	textPath := filepath.Join(dir, FinalTextFile)
	if err := fsutil.AtomicWriteFile(textPath, []byte(RenderText(r, f)), 0o644); err != nil {
		return written, fmt.Errorf("write %s: %w", FinalTextFile, err)
	}
	written = append(written, textPath)

	if opts.WriteMetrics {
		metricsPath := filepath.Join(dir, MetricsFile)
		if err := WriteMetrics(metricsPath, r, f); err != nil {
			return written, err
		}
		written = append(written, metricsPath)
	}
	return written, nil
}

// WriteMetrics writes the run counters in the Prometheus textfile format
func WriteMetrics(path string, r Report, f FinalReport) error {
	reg := prometheus.NewRegistry()

	files := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "brandmark_files",
		Help: "Images by outcome in the last run.",
	}, []string{"outcome"})
	errorsByCat := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "brandmark_errors",
		Help: "Failed images by error category in the last run.",
	}, []string{"category"})
	formatFiles := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "brandmark_format_files",
		Help: "Images handled in the last run by format.",
	}, []string{"format"})
	duration := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "brandmark_run_duration_seconds",
		Help: "Wall time of the last run.",
	})
	score := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "brandmark_quality_score",
		Help: "Quality score of the last run, 0 to 100.",
	})
	ready := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "brandmark_ready",
		Help: "1 for the verdict of the last run.",
	}, []string{"verdict"})
	broken := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "brandmark_broken_references",
		Help: "References broken by the last run.",
	})
	inconsistent := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "brandmark_inconsistencies",
		Help: "Watermark geometry values outside tolerance.",
	})
	reg.MustRegister(files, errorsByCat, formatFiles, duration, score, ready, broken, inconsistent)

	files.WithLabelValues(string(OutcomeProcessed)).Set(float64(r.Totals.Processed))
	files.WithLabelValues(string(OutcomeSkipped)).Set(float64(r.Totals.Skipped))
	files.WithLabelValues(string(OutcomeError)).Set(float64(r.Totals.Errors))
	files.WithLabelValues(string(OutcomeWouldProcess)).Set(float64(r.Totals.WouldProcess))
	for cat, n := range r.ErrorsByCategory {
		errorsByCat.WithLabelValues(cat).Set(float64(n))
	}
	for format, s := range r.ByFormat {
		formatFiles.WithLabelValues(format).Set(float64(s.Count))
	}
	duration.Set(r.DurationSec)
	score.Set(float64(f.QualityScore))
	for _, v := range []Verdict{VerdictReady, VerdictReadyWithWarnings, VerdictNotReady} {
		val := 0.0
		if v == f.Verdict {
			val = 1
		}
		ready.WithLabelValues(string(v)).Set(val)
	}
	broken.Set(float64(f.Summary.BrokenReferences))
	inconsistent.Set(float64(f.Summary.Inconsistencies))

	if err := prometheus.WriteToTextfile(path, reg); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}
