package watermark

import (
	"math"
	"sort"
	"sync"
)

// ConsistencyRecord watermark geometry applied to one image, as ratios of
// the image size
type ConsistencyRecord struct {
	Path           string  `json:"path"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	FontSize       int     `json:"fontSize"`
	Padding        int     `json:"padding"`
	FontSizeRatio  float64 `json:"fontSizeRatio"`
	PaddingRatio   float64 `json:"paddingRatio"`
	ScaleFactor    float64 `json:"scaleFactor"`
	PositionRatioX float64 `json:"positionRatioX"`
	PositionRatioY float64 `json:"positionRatioY"`
}

// metric names
const (
	MetricFontSize  = "fontSizeRatio"
	MetricPadding   = "paddingRatio"
	MetricScale     = "scaleFactor"
	MetricPositionX = "positionRatioX"
	MetricPositionY = "positionRatioY"
)

var metrics = []struct {
	name  string
	value func(ConsistencyRecord) float64
}{
	{MetricFontSize, func(r ConsistencyRecord) float64 { return r.FontSizeRatio }},
	{MetricPadding, func(r ConsistencyRecord) float64 { return r.PaddingRatio }},
	{MetricScale, func(r ConsistencyRecord) float64 { return r.ScaleFactor }},
	{MetricPositionX, func(r ConsistencyRecord) float64 { return r.PositionRatioX }},
	{MetricPositionY, func(r ConsistencyRecord) float64 { return r.PositionRatioY }},
}

// Inconsistency one metric of one image outside tolerance
type Inconsistency struct {
	Path      string  `json:"path"`
	Metric    string  `json:"metric"`
	Value     float64 `json:"value"`
	Average   float64 `json:"average"`
	Deviation float64 `json:"deviation"`
}

// MetricStats batch statistics of one metric
type MetricStats struct {
	Average float64 `json:"average"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	StdDev  float64 `json:"stdDev"`
}

// ConsistencyReport result of ValidateProcessingConsistency
type ConsistencyReport struct {
	IsConsistent    bool                   `json:"isConsistent"`
	Checked         int                    `json:"checked"`
	Tolerance       float64                `json:"tolerance"`
	Inconsistencies []Inconsistency        `json:"inconsistencies"`
	Statistics      map[string]MetricStats `json:"statistics"`
	Unrecorded      []string               `json:"unrecorded,omitempty"`
}

// Tracker keeps the consistency record of every processed image
type Tracker struct {
	mu        sync.RWMutex
	records   map[string]ConsistencyRecord
	tolerance float64
}

// NewTracker creates a tracker; tolerance is the allowed relative deviation
// from the batch average.
func NewTracker(tolerance float64) *Tracker {
	if tolerance <= 0 {
		tolerance = 0.10
	}
	return &Tracker{records: make(map[string]ConsistencyRecord), tolerance: tolerance}
}

// Record stores r, replacing any earlier record for the same path
func (t *Tracker) Record(r ConsistencyRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[r.Path] = r
}

// Get record for path
func (t *Tracker) Get(path string) (ConsistencyRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.records[path]
	return r, ok
}

// Len number of records
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// Paths recorded paths, sorted
func (t *Tracker) Paths() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	paths := make([]string, 0, len(t.records))
	for p := range t.records {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// ValidateProcessingConsistency compares every metric of each recorded path
// against the average over paths. A relative deviation above the tolerance
// is an inconsistency. Paths without a record are listed, not judged.
func (t *Tracker) ValidateProcessingConsistency(paths []string) ConsistencyReport {
	t.mu.RLock()
	var records []ConsistencyRecord
	var unrecorded []string
	for _, p := range paths {
		if r, ok := t.records[p]; ok {
			records = append(records, r)
		} else {
			unrecorded = append(unrecorded, p)
		}
	}
	t.mu.RUnlock()

	report := ConsistencyReport{
		IsConsistent:    true,
		Checked:         len(records),
		Tolerance:       t.tolerance,
		Inconsistencies: []Inconsistency{},
		Statistics:      make(map[string]MetricStats, len(metrics)),
		Unrecorded:      unrecorded,
	}
	if len(records) == 0 {
		return report
	}

	for _, m := range metrics {
		stats := MetricStats{Min: math.Inf(1), Max: math.Inf(-1)}
		var sum float64
		for _, r := range records {
			v := m.value(r)
			sum += v
			stats.Min = math.Min(stats.Min, v)
			stats.Max = math.Max(stats.Max, v)
		}
		stats.Average = sum / float64(len(records))
		var sq float64
		for _, r := range records {
			d := m.value(r) - stats.Average
			sq += d * d
		}
		stats.StdDev = math.Sqrt(sq / float64(len(records)))
		report.Statistics[m.name] = stats

		if len(records) < 2 || stats.Average == 0 {
			continue
		}
		for _, r := range records {
			v := m.value(r)
			dev := math.Abs(v-stats.Average) / math.Abs(stats.Average)
			if dev > t.tolerance {
				report.Inconsistencies = append(report.Inconsistencies, Inconsistency{
					Path: r.Path, Metric: m.name, Value: v, Average: stats.Average, Deviation: dev,
				})
			}
		}
	}
	report.IsConsistent = len(report.Inconsistencies) == 0
	return report
}
