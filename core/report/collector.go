// Package report accumulates per-file outcomes of a run and renders the run
// report, the final readiness report and a metrics textfile.
package report

import (
	"sort"
	"sync"
	"time"

	"brandmark/core/references"
	"brandmark/core/watermark"
)

// Outcome result of one file
type Outcome string

const (
	OutcomeProcessed    Outcome = "processed"
	OutcomeSkipped      Outcome = "skipped"
	OutcomeError        Outcome = "error"
	OutcomeWouldProcess Outcome = "would-process"
)

// FileOutcome per-file record of a run
type FileOutcome struct {
	Path         string        `json:"path"`
	RelativePath string        `json:"relativePath,omitempty"`
	Format       string        `json:"format"`
	SizeBefore   int64         `json:"sizeBefore"`
	SizeAfter    int64         `json:"sizeAfter,omitempty"`
	Outcome      Outcome       `json:"outcome"`
	Category     string        `json:"category,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	Attempts     int           `json:"attempts,omitempty"`
	Restored     bool          `json:"restored,omitempty"`
	Detector     string        `json:"detector,omitempty"`
	Confidence   float64       `json:"confidence,omitempty"`
	Adjustments  []string      `json:"adjustments,omitempty"`
	Duration     time.Duration `json:"durationNs"`
	At           time.Time     `json:"at"`
}

// Event entry of the detailed log
type Event struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Type    string         `json:"type"`
	Path    string         `json:"path,omitempty"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Counts running counters
type Counts struct {
	Processed    int `json:"processed"`
	Skipped      int `json:"skipped"`
	Errors       int `json:"errors"`
	WouldProcess int `json:"wouldProcess"`
}

// Collector owns every counter and finding of a run. The pipeline feeds it
// from a single goroutine; the mutex only guards reads from other goroutines
// such as progress rendering.
type Collector struct {
	mu  sync.RWMutex
	now func() time.Time

	runID      string
	root       string
	dryRun     bool
	startedAt  time.Time
	discovered int

	counts   Counts
	prior    Counts
	outcomes []FileOutcome
	events   []Event

	errorsByCategory map[string]int
	skipsByReason    map[string]int

	consistency     *watermark.ConsistencyReport
	references      *references.ValidationResult
	pathConsistency *references.PathConsistency

	interrupted bool
	fatal       string
	resumedFrom int
}

// NewCollector creates a collector for one run
func NewCollector(runID, root string, dryRun bool) *Collector {
	c := &Collector{
		now:              time.Now,
		runID:            runID,
		root:             root,
		dryRun:           dryRun,
		errorsByCategory: make(map[string]int),
		skipsByReason:    make(map[string]int),
	}
	c.startedAt = c.now()
	return c
}

// SetDiscovered number of images found by discovery
func (c *Collector) SetDiscovered(n int) {
	c.mu.Lock()
	c.discovered = n
	c.mu.Unlock()
}

// Resume seeds the counters with those of an interrupted run. index is the
// position the run resumes from.
func (c *Collector) Resume(prior Counts, index int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prior = prior
	c.counts.Processed += prior.Processed
	c.counts.Skipped += prior.Skipped
	c.counts.Errors += prior.Errors
	c.resumedFrom = index
	c.addEvent("info", "resume", "", "resumed from snapshot", map[string]any{
		"index": index, "processed": prior.Processed, "skipped": prior.Skipped, "errors": prior.Errors,
	})
}

// Record adds the outcome of one file
func (c *Collector) Record(o FileOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if o.At.IsZero() {
		o.At = c.now()
	}
	switch o.Outcome {
	case OutcomeProcessed:
		c.counts.Processed++
	case OutcomeSkipped:
		c.counts.Skipped++
		c.skipsByReason[o.Reason]++
	case OutcomeError:
		c.counts.Errors++
		cat := o.Category
		if cat == "" {
			cat = "unknown"
		}
		c.errorsByCategory[cat]++
	case OutcomeWouldProcess:
		c.counts.WouldProcess++
	}
	c.outcomes = append(c.outcomes, o)

	level := "info"
	if o.Outcome == OutcomeError {
		level = "error"
	}
	data := map[string]any{"format": o.Format, "durationMs": o.Duration.Milliseconds()}
	if o.Category != "" {
		data["category"] = o.Category
	}
	if o.Attempts > 0 {
		data["attempts"] = o.Attempts
	}
	if o.Restored {
		data["restored"] = true
	}
	msg := string(o.Outcome)
	if o.Reason != "" {
		msg += ": " + o.Reason
	}
	c.addEvent(level, "file", o.Path, msg, data)
}

// Event appends an entry to the detailed log
func (c *Collector) Event(level, typ, path, message string, data map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addEvent(level, typ, path, message, data)
}

func (c *Collector) addEvent(level, typ, path, message string, data map[string]any) {
	c.events = append(c.events, Event{
		Time:    c.now(),
		Level:   level,
		Type:    typ,
		Path:    path,
		Message: message,
		Data:    data,
	})
}

// SetConsistency stores the batch consistency findings
func (c *Collector) SetConsistency(r watermark.ConsistencyReport) {
	c.mu.Lock()
	c.consistency = &r
	c.mu.Unlock()
}

// SetReferences stores the reference validation findings
func (c *Collector) SetReferences(r references.ValidationResult) {
	c.mu.Lock()
	c.references = &r
	c.mu.Unlock()
}

// SetPathConsistency stores the path consistency findings
func (c *Collector) SetPathConsistency(p references.PathConsistency) {
	c.mu.Lock()
	c.pathConsistency = &p
	c.mu.Unlock()
}

// MarkInterrupted flags the run as interrupted
func (c *Collector) MarkInterrupted() {
	c.mu.Lock()
	c.interrupted = true
	c.addEvent("warn", "interrupt", "", "run interrupted", nil)
	c.mu.Unlock()
}

// MarkFatal records the error that aborted the run
func (c *Collector) MarkFatal(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	c.fatal = err.Error()
	c.addEvent("error", "fatal", "", err.Error(), nil)
	c.mu.Unlock()
}

// Counts current counters, including those carried over from a resumed run
func (c *Collector) Counts() Counts {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counts
}

// ProcessedPaths paths counted as processed in this run, sorted
func (c *Collector) ProcessedPaths() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var paths []string
	for _, o := range c.outcomes {
		if o.Outcome == OutcomeProcessed {
			paths = append(paths, o.Path)
		}
	}
	sort.Strings(paths)
	return paths
}

// Outcomes copy of the per-file outcomes in arrival order
func (c *Collector) Outcomes() []FileOutcome {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]FileOutcome(nil), c.outcomes...)
}

// DetailedLog timestamped event stream of the run
type DetailedLog struct {
	RunID  string        `json:"runId"`
	Root   string        `json:"root"`
	Events []Event       `json:"events"`
	Files  []FileOutcome `json:"files"`
}

// Detailed detailed log of the run so far
func (c *Collector) Detailed() DetailedLog {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return DetailedLog{
		RunID:  c.runID,
		Root:   c.root,
		Events: append([]Event{}, c.events...),
		Files:  append([]FileOutcome{}, c.outcomes...),
	}
}
