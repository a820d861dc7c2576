package pipeline

import (
	"sync"
	"time"
)

// Progress snapshot handed to a ProgressFunc
type Progress struct {
	Total     int
	Done      int
	Stats     Stats
	Current   string
	Elapsed   time.Duration
	Remaining time.Duration
	// files per second over this run
	Rate float64
}

// ProgressFunc receives progress updates from the collector goroutine
type ProgressFunc func(Progress)

// ProgressTracker running counters of a run, seeded from a snapshot when
// resuming
type ProgressTracker struct {
	mu      sync.RWMutex
	started time.Time
	now     func() time.Time
	total   int
	done    int
	base    int
	stats   Stats
	current string
}

// NewProgressTracker creates a tracker for total files
func NewProgressTracker(total int) *ProgressTracker {
	return &ProgressTracker{started: time.Now(), now: time.Now, total: total}
}

// Seed adds the counters carried over from an interrupted run
func (p *ProgressTracker) Seed(prior Stats, alreadyDone int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Processed += prior.Processed
	p.stats.Skipped += prior.Skipped
	p.stats.Errors += prior.Errors
	p.base += alreadyDone
	p.total += alreadyDone
}

// Start marks path as in flight
func (p *ProgressTracker) Start(path string) {
	p.mu.Lock()
	p.current = path
	p.mu.Unlock()
}

// Add counts one finished file
func (p *ProgressTracker) Add(processed, skipped, errored bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done++
	switch {
	case processed:
		p.stats.Processed++
	case skipped:
		p.stats.Skipped++
	case errored:
		p.stats.Errors++
	}
}

// Stats current counters
func (p *ProgressTracker) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}

// Snapshot current progress
func (p *ProgressTracker) Snapshot() Progress {
	p.mu.RLock()
	defer p.mu.RUnlock()
	elapsed := p.now().Sub(p.started)
	pr := Progress{
		Total:   p.total,
		Done:    p.base + p.done,
		Stats:   p.stats,
		Current: p.current,
		Elapsed: elapsed,
	}
	if p.done > 0 && elapsed > 0 {
		pr.Rate = float64(p.done) / elapsed.Seconds()
		if left := p.total - pr.Done; left > 0 {
			pr.Remaining = time.Duration(float64(left) / pr.Rate * float64(time.Second))
		}
	}
	return pr
}
