package report

import (
	"runtime"
	"sort"
	"time"

	"brandmark/core/references"
	"brandmark/core/watermark"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Totals run counters
type Totals struct {
	Discovered   int `json:"discovered"`
	Processed    int `json:"processed"`
	Skipped      int `json:"skipped"`
	Errors       int `json:"errors"`
	WouldProcess int `json:"wouldProcess"`
	// files handled by this invocation, excluding counters carried over
	// from a resumed run
	HandledThisRun int `json:"handledThisRun"`
}

// Attempted files that reached an outcome, dry-run files excluded
func (t Totals) Attempted() int {
	return t.Processed + t.Skipped + t.Errors
}

// BucketStats counters of one format or size bucket
type BucketStats struct {
	Count        int   `json:"count"`
	Processed    int   `json:"processed"`
	Skipped      int   `json:"skipped"`
	Errors       int   `json:"errors"`
	WouldProcess int   `json:"wouldProcess,omitempty"`
	BytesBefore  int64 `json:"bytesBefore"`
	BytesAfter   int64 `json:"bytesAfter"`
}

func (b *BucketStats) add(o FileOutcome) {
	b.Count++
	b.BytesBefore += o.SizeBefore
	switch o.Outcome {
	case OutcomeProcessed:
		b.Processed++
		b.BytesAfter += o.SizeAfter
	case OutcomeSkipped:
		b.Skipped++
	case OutcomeError:
		b.Errors++
	case OutcomeWouldProcess:
		b.WouldProcess++
	}
}

// size bucket names
const (
	SizeSmall  = "<100KB"
	SizeMedium = "100KB-1MB"
	SizeLarge  = "1MB-5MB"
	SizeHuge   = ">5MB"
)

// SizeBucket bucket name for a file size in bytes
func SizeBucket(n int64) string {
	switch {
	case n < 100<<10:
		return SizeSmall
	case n < 1<<20:
		return SizeMedium
	case n < 5<<20:
		return SizeLarge
	default:
		return SizeHuge
	}
}

// SystemInfo host the run executed on
type SystemInfo struct {
	OS            string  `json:"os"`
	Platform      string  `json:"platform,omitempty"`
	Arch          string  `json:"arch"`
	Hostname      string  `json:"hostname,omitempty"`
	CPUCores      int     `json:"cpuCores"`
	Concurrency   int     `json:"concurrency"`
	MemoryTotalMB uint64  `json:"memoryTotalMb"`
	MemoryUsedPct float64 `json:"memoryUsedPercent"`
	Load1         float64 `json:"load1,omitempty"`
	GoVersion     string  `json:"goVersion"`
}

// CollectSystemInfo reads host facts; unavailable values are left zero
func CollectSystemInfo(concurrency int) SystemInfo {
	info := SystemInfo{
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		CPUCores:    runtime.NumCPU(),
		Concurrency: concurrency,
		GoVersion:   runtime.Version(),
	}
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		info.CPUCores = n
	}
	if h, err := host.Info(); err == nil {
		info.Platform = h.Platform
		info.Hostname = h.Hostname
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info.MemoryTotalMB = vm.Total / (1024 * 1024)
		info.MemoryUsedPct = vm.UsedPercent
	}
	if l, err := load.Avg(); err == nil {
		info.Load1 = l.Load1
	}
	return info
}

// Report primary run report
type Report struct {
	RunID       string    `json:"runId"`
	Root        string    `json:"root"`
	DryRun      bool      `json:"dryRun"`
	StartedAt   time.Time `json:"startedAt"`
	FinishedAt  time.Time `json:"finishedAt"`
	DurationSec float64   `json:"durationSeconds"`
	Interrupted bool      `json:"interrupted"`
	Fatal       string    `json:"fatal,omitempty"`
	ResumedFrom int       `json:"resumedFrom,omitempty"`

	Totals        Totals  `json:"totals"`
	ErrorRate     float64 `json:"errorRate"`
	FilesPerSec   float64 `json:"filesPerSecond"`
	AvgFileMillis float64 `json:"averageFileMs"`

	ErrorsByCategory map[string]int          `json:"errorsByCategory"`
	SkipsByReason    map[string]int          `json:"skipsByReason"`
	ByFormat         map[string]*BucketStats `json:"byFormat"`
	BySize           map[string]*BucketStats `json:"bySize"`

	Consistency     *watermark.ConsistencyReport `json:"consistency,omitempty"`
	References      *references.ValidationResult `json:"references,omitempty"`
	PathConsistency *references.PathConsistency  `json:"pathConsistency,omitempty"`

	System SystemInfo `json:"system"`
}

// Build assembles the run report from everything collected so far
func (c *Collector) Build(system SystemInfo) Report {
	c.mu.RLock()
	defer c.mu.RUnlock()

	finished := c.now()
	r := Report{
		RunID:            c.runID,
		Root:             c.root,
		DryRun:           c.dryRun,
		StartedAt:        c.startedAt,
		FinishedAt:       finished,
		DurationSec:      finished.Sub(c.startedAt).Seconds(),
		Interrupted:      c.interrupted,
		Fatal:            c.fatal,
		ResumedFrom:      c.resumedFrom,
		ErrorsByCategory: copyCounts(c.errorsByCategory),
		SkipsByReason:    copyCounts(c.skipsByReason),
		ByFormat:         make(map[string]*BucketStats),
		BySize:           make(map[string]*BucketStats),
		Consistency:      c.consistency,
		References:       c.references,
		PathConsistency:  c.pathConsistency,
		System:           system,
	}
	r.Totals = Totals{
		Discovered:     c.discovered,
		Processed:      c.counts.Processed,
		Skipped:        c.counts.Skipped,
		Errors:         c.counts.Errors,
		WouldProcess:   c.counts.WouldProcess,
		HandledThisRun: len(c.outcomes),
	}
	if n := r.Totals.Attempted(); n > 0 {
		r.ErrorRate = float64(r.Totals.Errors) / float64(n)
	}

	var busy time.Duration
	for _, o := range c.outcomes {
		busy += o.Duration
		format := o.Format
		if format == "" {
			format = "unknown"
		}
		bucket(r.ByFormat, format).add(o)
		bucket(r.BySize, SizeBucket(o.SizeBefore)).add(o)
	}
	if n := len(c.outcomes); n > 0 {
		r.AvgFileMillis = float64(busy.Milliseconds()) / float64(n)
		if r.DurationSec > 0 {
			r.FilesPerSec = float64(n) / r.DurationSec
		}
	}
	return r
}

func bucket(m map[string]*BucketStats, key string) *BucketStats {
	b, ok := m[key]
	if !ok {
		b = &BucketStats{}
		m[key] = b
	}
	return b
}

func copyCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// sortedKeys keys of a count map, highest count first
func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if m[keys[i]] != m[keys[j]] {
			return m[keys[i]] > m[keys[j]]
		}
		return keys[i] < keys[j]
	})
	return keys
}
