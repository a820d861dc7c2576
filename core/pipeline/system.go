// Package pipeline drives a watermarking run end to end: discovery, batched
// sequential or pooled processing, checkpoints, post-run validation and
// reports.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"brandmark/config"
	"brandmark/core/backup"
	"brandmark/core/discovery"
	"brandmark/core/formats"
	"brandmark/core/recovery"
	"brandmark/core/references"
	"brandmark/core/report"
	"brandmark/core/state"
	"brandmark/core/validation"
	"brandmark/core/watermark"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

var (
	// ErrInterrupted the run context was cancelled before every image was handled
	ErrInterrupted = errors.New("run interrupted")
	// ErrAborted the confirmation before mutation was declined
	ErrAborted = errors.New("run aborted before any change")
)

// Plan what a run is about to do, shown before any file changes
type Plan struct {
	Root       string
	Images     int
	TotalBytes int64
	ByFormat   map[formats.Format]int
	BackupDir  string
	Resumed    bool
	References int
}

// ConfirmFunc approves a plan; false aborts the run
type ConfirmFunc func(Plan) bool

// Option configures a System
type Option func(*System)

// WithProgress receives progress updates
func WithProgress(fn ProgressFunc) Option {
	return func(s *System) { s.progress = fn }
}

// WithConfirm asks for approval before the first file is modified
func WithConfirm(fn ConfirmFunc) Option {
	return func(s *System) { s.confirm = fn }
}

// WithMemoryProbe overrides the memory usage probe (percent in use)
func WithMemoryProbe(fn func() (float64, error)) Option {
	return func(s *System) { s.memUsage = fn }
}

// WithRetryPolicy overrides the retry backoff
func WithRetryPolicy(p recovery.RetryPolicy) Option {
	return func(s *System) { s.policy = p }
}

// System watermarking system
type System struct {
	logger    *zap.Logger
	validator *validation.Engine
	processor *watermark.Processor
	policy    recovery.RetryPolicy
	minFreeMB uint64
	tolerance float64

	progress ProgressFunc
	confirm  ConfirmFunc
	memUsage func() (float64, error)

	// hot reloaded values, applied at the next batch boundary
	pendingBatch       atomic.Int64
	pendingConcurrency atomic.Int64
}

// New builds the validation engine and the watermark processor from cfg
func New(logger *zap.Logger, cfg *config.Config, style config.Style, opts ...Option) (*System, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		cfg = config.Default()
	}
	vopts := validation.Options{
		Text:         style.Text,
		Primary:      band(cfg.Detection.Primary),
		Duplicate:    band(cfg.Detection.Duplicate),
		EnableMarker: cfg.Detection.EnableMarker,
		EnableOCR:    cfg.Detection.EnableOCR,
	}
	engine := validation.NewEngine(logger.Named("validation"), vopts)

	wopts := watermark.DefaultOptions(style)
	wopts.Ratios = watermark.Ratios{FontSize: cfg.Consistency.FontSizeRatio, Padding: cfg.Consistency.PaddingRatio}
	wopts.JPEGQuality = cfg.Consistency.JPEGQuality
	wopts.EmbedMarker = cfg.Detection.EnableMarker
	proc, err := watermark.NewProcessor(logger.Named("watermark"), engine, wopts)
	if err != nil {
		return nil, err
	}

	s := &System{
		logger:    logger,
		validator: engine,
		processor: proc,
		policy: recovery.RetryPolicy{
			MaxRetries:    cfg.Run.MaxRetries,
			BaseDelay:     cfg.Recovery.BaseDelay,
			MaxDelay:      cfg.Recovery.MaxDelay,
			BackoffFactor: cfg.Recovery.BackoffFactor,
		},
		minFreeMB: cfg.Recovery.MinFreeMB,
		tolerance: cfg.Consistency.Tolerance,
		memUsage:  memoryUsedPercent,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func band(b config.BandConfig) validation.Band {
	return validation.Band{
		RegionRatio: b.RegionRatio,
		Brightness:  b.Brightness,
		MinFraction: b.MinFraction,
		MaxFraction: b.MaxFraction,
	}
}

func memoryUsedPercent() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

// Validator validation engine in use
func (s *System) Validator() *validation.Engine { return s.validator }

// OnConfigChange picks up batch size and concurrency changes; they take
// effect at the next batch boundary.
func (s *System) OnConfigChange(oldConfig, newConfig *config.Config) error {
	if newConfig.Run.BatchSize != oldConfig.Run.BatchSize && newConfig.Run.BatchSize > 0 {
		s.pendingBatch.Store(int64(newConfig.Run.BatchSize))
		s.logger.Info("batch size will change at next batch", zap.Int("batch_size", newConfig.Run.BatchSize))
	}
	if newConfig.Run.MaxConcurrency != oldConfig.Run.MaxConcurrency && newConfig.Run.MaxConcurrency > 0 {
		s.pendingConcurrency.Store(int64(newConfig.Run.MaxConcurrency))
		s.logger.Info("concurrency will change at next batch", zap.Int("max_concurrency", newConfig.Run.MaxConcurrency))
	}
	return nil
}

// Result outcome of Run
type Result struct {
	RunID       string
	Root        string
	Stats       Stats
	Discovered  []discovery.ImageRecord
	Processed   []string
	Remaining   []string
	Interrupted bool
	Outcomes    []report.FileOutcome
	Report      report.Report
	Final       report.FinalReport
	ReportFiles []string
}

// Run executes the pipeline over root. Cancelling ctx stops dispatching new
// files; files in flight finish, a resume snapshot is written and reports
// are flushed before ErrInterrupted is returned.
func (s *System) Run(ctx context.Context, root string, opts Options) (*Result, error) {
	opts = opts.normalized()
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	r := &run{
		s:        s,
		opts:     opts,
		root:     absRoot,
		id:       uuid.NewString(),
		logger:   s.logger.With(zap.String("root", absRoot)),
		tracker:  watermark.NewTracker(s.tolerance),
		attempts: recovery.NewAttempts(),
		handled:  make(map[string]bool),
		records:  make(map[string]discovery.ImageRecord),
	}
	r.collector = report.NewCollector(r.id, absRoot, opts.DryRun)
	result := &Result{RunID: r.id, Root: absRoot}

	scanner := discovery.NewScanner(nil, s.logger.Named("discovery"), opts.Discovery)
	records, err := scanner.FindAllImages(absRoot)
	if err != nil {
		return r.abort(result, recovery.Wrap(recovery.Classify(err), "discover", absRoot, err))
	}
	result.Discovered = records
	for _, rec := range records {
		r.records[rec.Path] = rec
	}
	r.collector.SetDiscovered(len(records))
	r.collector.Event("info", "discovery", "", fmt.Sprintf("%d images discovered", len(records)), nil)

	if err := r.prepareWork(records); err != nil {
		return r.abort(result, err)
	}
	if r.ledger != nil {
		defer r.ledger.Close()
	}

	registry := backup.NewRegistry()
	r.backups = backup.NewManager(s.logger.Named("backup"), absRoot, opts.BackupDir, registry, s.validator)
	policy := s.policy
	policy.MaxRetries = opts.MaxRetries
	r.handler = recovery.NewHandler(s.logger.Named("recovery"), policy, r.backups, recovery.WithMinFreeMB(s.minFreeMB))

	r.refs = references.NewValidator(nil, s.logger.Named("references"), opts.References)
	scan, err := r.refs.ScanCodeFilesForImageReferences(absRoot)
	if err != nil {
		r.logger.Warn("reference scan failed, references will not be verified", zap.Error(err))
		r.collector.Event("warn", "references", "", "reference scan failed: "+err.Error(), nil)
		r.refs = nil
	}

	if s.confirm != nil && !opts.DryRun && len(r.work) > 0 {
		plan := r.plan()
		plan.References = scan.Count()
		if !s.confirm(plan) {
			r.logger.Info("run declined at confirmation")
			return result, ErrAborted
		}
	}

	loopErr := r.loop(ctx)

	result.Remaining = r.remaining()
	result.Interrupted = ctx.Err() != nil && len(result.Remaining) > 0
	fatal := loopErr != nil && !errors.Is(loopErr, ErrInterrupted)
	switch {
	case fatal:
		r.collector.MarkFatal(loopErr)
	case result.Interrupted:
		r.collector.MarkInterrupted()
	}
	if (fatal || result.Interrupted) && !opts.DryRun {
		r.saveSnapshot()
	}
	if !fatal && !result.Interrupted && !opts.DryRun {
		r.validateRun(scanner, records)
	}

	exportErr := r.export(result)
	result.Processed = r.collector.ProcessedPaths()
	result.Stats = r.progress.Stats()

	switch {
	case fatal:
		return result, loopErr
	case result.Interrupted:
		r.logger.Warn("run interrupted", zap.Int("remaining", len(result.Remaining)), zap.String("resume_file", r.resumeFile))
		return result, ErrInterrupted
	}
	if !opts.DryRun {
		r.finish()
	}
	r.logger.Info("run complete",
		zap.Int("processed", result.Stats.Processed),
		zap.Int("skipped", result.Stats.Skipped),
		zap.Int("errors", result.Stats.Errors),
		zap.String("verdict", string(result.Final.Verdict)))
	return result, exportErr
}

// export builds the run and final reports and writes them out
func (r *run) export(result *Result) error {
	rep := r.collector.Build(report.CollectSystemInfo(r.concurrency()))
	final := report.BuildFinal(rep)
	files, err := report.Export(report.ExportOptions{Dir: resolveReportDir(r.opts.ReportDir), WriteMetrics: r.opts.WriteMetrics}, rep, final, r.collector.Detailed())
	if err != nil {
		r.logger.Error("report export failed", zap.Error(err))
	}
	result.Report, result.Final, result.ReportFiles = rep, final, files
	result.Outcomes = r.collector.Outcomes()
	return err
}

// abort ends a run that failed before any file was dispatched. The reports
// are still written, marked fatal.
func (r *run) abort(result *Result, err error) (*Result, error) {
	r.collector.MarkFatal(err)
	_ = r.export(result)
	if r.progress != nil {
		result.Stats = r.progress.Stats()
	}
	r.logger.Error("run failed before processing", zap.Error(err))
	return result, err
}

func resolveReportDir(dir string) string {
	if dir == "" {
		return "."
	}
	return dir
}

// prepareWork builds the work list, resuming from the snapshot and the
// ledger when present
func (r *run) prepareWork(records []discovery.ImageRecord) error {
	opts := r.opts
	var prior Stats
	if !opts.DryRun {
		r.resumeFile = resolve(r.root, opts.ResumeFile)
	}

	var snap *ResumeSnapshot
	if r.resumeFile != "" {
		var err error
		snap, err = LoadSnapshot(r.resumeFile)
		if err != nil {
			return recovery.New(recovery.CategoryIntegrity, "load resume file", r.resumeFile, err)
		}
	}
	if snap != nil {
		for _, p := range snap.RemainingImages {
			if _, ok := r.records[p]; ok {
				r.work = append(r.work, p)
			} else {
				r.logger.Warn("image listed in resume file no longer exists", zap.String("file", p))
			}
		}
		r.baseIndex = snap.CurrentIndex
		prior = snap.Stats
		r.resumed = true
		r.logger.Info("resuming run",
			zap.Int("index", snap.CurrentIndex),
			zap.Int("remaining", len(r.work)),
			zap.Time("snapshot", snap.Timestamp))
	} else {
		r.work = discovery.Paths(records)
	}

	if !opts.DryRun && opts.LedgerFile != "" {
		if err := r.openLedger(snap != nil, &prior); err != nil {
			r.logger.Warn("ledger unavailable, continuing without it", zap.Error(err))
		}
	}

	r.progress = NewProgressTracker(len(r.work))
	if snap != nil || r.baseIndex > 0 {
		r.progress.Seed(prior, r.baseIndex)
		r.collector.Resume(report.Counts{Processed: prior.Processed, Skipped: prior.Skipped, Errors: prior.Errors}, r.baseIndex)
	}
	return nil
}

// openLedger continues the latest unfinished session when resuming and
// drops files it already finished; otherwise starts a new session
func (r *run) openLedger(resuming bool, prior *Stats) error {
	ledger, err := state.Open(resolve(r.root, r.opts.LedgerFile), r.s.logger.Named("ledger"))
	if err != nil {
		return err
	}
	r.ledger = ledger

	if resuming {
		latest, err := ledger.LatestSession(r.root)
		if err != nil {
			return err
		}
		if latest != nil && !latest.Finished {
			done, err := ledger.DonePaths(latest.ID)
			if err != nil {
				return err
			}
			kept := r.work[:0]
			for _, p := range r.work {
				status, finished := done[p]
				if !finished {
					kept = append(kept, p)
					continue
				}
				r.baseIndex++
				if status == state.StatusCompleted {
					prior.Processed++
				} else {
					prior.Skipped++
				}
			}
			if dropped := len(r.work) - len(kept); dropped > 0 {
				r.logger.Info("ledger shows files finished after the snapshot", zap.Int("files", dropped))
			}
			r.work = kept
			r.session = latest
			return nil
		}
	}
	r.session, err = ledger.StartSession(r.root, len(r.work))
	return err
}

func (r *run) plan() Plan {
	p := Plan{
		Root:      r.root,
		Images:    len(r.work),
		ByFormat:  make(map[formats.Format]int),
		BackupDir: r.backups.Dir(),
		Resumed:   r.resumed,
	}
	for _, path := range r.work {
		rec := r.records[path]
		p.ByFormat[rec.Format]++
		p.TotalBytes += rec.SizeBytes
	}
	return p
}

func (r *run) concurrency() int {
	if r.opts.Parallel {
		return r.opts.MaxConcurrency
	}
	return 1
}

// loop processes the work list batch by batch through a single collector
// goroutine
func (r *run) loop(ctx context.Context) error {
	in := make(chan message, 2*r.opts.MaxConcurrency)
	done := make(chan struct{})
	go r.collect(in, done)
	defer func() {
		close(in)
		<-done
	}()

	var pool *ants.Pool
	if r.opts.Parallel {
		var err error
		// processFile recovers its own panics; one that still reaches the
		// pool leaves a file unaccounted, so the run stops and keeps its snapshot
		pool, err = ants.NewPool(r.opts.MaxConcurrency, ants.WithPanicHandler(func(p interface{}) {
			r.logger.Error("worker panic", zap.Any("panic", p))
			r.setFatal(recovery.New(recovery.CategorySystem, "worker", "", fmt.Errorf("panic: %v", p)))
		}))
		if err != nil {
			return recovery.New(recovery.CategorySystem, "create worker pool", "", err)
		}
		defer pool.Release()
	}

	batchSize := r.opts.BatchSize
	batchNo := 0
	for start := 0; start < len(r.work); {
		if ctx.Err() != nil {
			return ErrInterrupted
		}
		if err := r.fatalErr(); err != nil {
			return err
		}
		batchSize = r.adjustBatch(batchSize, pool)
		end := min(start+batchSize, len(r.work))
		batch := r.work[start:end]
		batchNo++

		if err := r.checkResources(batch, batchSize); err != nil {
			return err
		}
		r.logger.Debug("batch start", zap.Int("batch", batchNo), zap.Int("files", len(batch)), zap.Int("offset", start))
		if pool != nil {
			r.runConcurrent(ctx, pool, batch, in)
			r.logger.Debug("batch done", zap.Int("batch", batchNo), zap.Int("pool_cap", pool.Cap()), zap.Int("pool_free", pool.Free()))
		} else {
			r.runSequential(ctx, batch, in)
		}

		flush := make(chan struct{})
		in <- message{flush: flush}
		<-flush
		start = end
	}
	if err := r.fatalErr(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ErrInterrupted
	}
	return nil
}

// adjustBatch applies hot reloaded settings and shrinks the batch under
// memory pressure
func (r *run) adjustBatch(size int, pool *ants.Pool) int {
	if n := r.s.pendingBatch.Swap(0); n > 0 {
		size = int(n)
		r.collector.Event("info", "config", "", fmt.Sprintf("batch size set to %d", size), nil)
	}
	if n := r.s.pendingConcurrency.Swap(0); n > 0 && pool != nil {
		pool.Tune(int(n))
		r.opts.MaxConcurrency = int(n)
		r.collector.Event("info", "config", "", fmt.Sprintf("concurrency set to %d", n), nil)
	}
	if r.opts.MemoryThreshold <= 0 || r.s.memUsage == nil {
		return size
	}
	pct, err := r.s.memUsage()
	if err != nil || pct < r.opts.MemoryThreshold {
		return size
	}
	memErr := recovery.New(recovery.CategoryMemory, "memory check", r.root,
		fmt.Errorf("memory usage %.1f%% above %.1f%%", pct, r.opts.MemoryThreshold))
	decision := r.handler.HandleSystemError(memErr, recovery.SystemContext{
		Op:              "batch",
		Path:            r.root,
		BatchSize:       size,
		ContinueOnError: r.opts.ContinueOnError,
	})
	next := max(decision.NewBatchSize, r.opts.MinBatchSize)
	if next != size {
		r.collector.Event("warn", "memory", "", decision.Reason, map[string]any{"usedPercent": pct})
	}
	return next
}

// checkResources makes sure the volume can hold backups and temp files of
// the batch
func (r *run) checkResources(batch []string, size int) error {
	if r.opts.DryRun {
		return nil
	}
	var needed int64
	for _, p := range batch {
		needed += r.records[p].SizeBytes * 2
	}
	err := checkDiskSpace(filepath.Join(r.root, r.opts.BackupDir), needed)
	if err == nil {
		return nil
	}
	decision := r.handler.HandleSystemError(err, recovery.SystemContext{
		Op:              "disk space",
		Path:            r.root,
		BatchSize:       size,
		ContinueOnError: r.opts.ContinueOnError,
	})
	r.collector.Event("warn", "storage", "", decision.Reason, nil)
	if !decision.Continue {
		return err
	}
	return nil
}

// saveSnapshot writes the resume snapshot. Called from the collector
// goroutine, or after it has exited.
func (r *run) saveSnapshot() {
	if r.resumeFile == "" {
		return
	}
	snap := r.snapshot()
	if err := SaveSnapshot(r.resumeFile, snap); err != nil {
		r.logger.Error("cannot save resume snapshot", zap.Error(err))
		return
	}
	r.logger.Info("resume snapshot saved",
		zap.String("file", r.resumeFile),
		zap.Int("index", snap.CurrentIndex),
		zap.Int("remaining", len(snap.RemainingImages)))
}

func (r *run) snapshot() ResumeSnapshot {
	remaining := r.remaining()
	return ResumeSnapshot{
		CurrentIndex:    r.baseIndex + len(r.work) - len(remaining),
		Stats:           r.progress.Stats(),
		Timestamp:       time.Now().UTC(),
		RemainingImages: remaining,
	}
}

func (r *run) remaining() []string {
	out := []string{}
	for _, p := range r.work {
		if !r.handled[p] {
			out = append(out, p)
		}
	}
	return out
}

// validateRun runs the cross-file checks over the processed set
func (r *run) validateRun(scanner *discovery.Scanner, before []discovery.ImageRecord) {
	processed := r.collector.ProcessedPaths()

	cons := r.tracker.ValidateProcessingConsistency(processed)
	r.collector.SetConsistency(cons)
	if !cons.IsConsistent {
		r.logger.Warn("watermark geometry drifted across the batch", zap.Int("inconsistencies", len(cons.Inconsistencies)))
	}

	after, err := scanner.FindAllImages(r.root)
	if err != nil {
		r.logger.Error("rediscovery failed, path consistency unchecked", zap.Error(err))
	} else {
		pc := references.ValidatePathConsistency(discovery.Paths(before), discovery.Paths(after))
		r.collector.SetPathConsistency(pc)
		if !pc.Consistent {
			r.logger.Error("image paths changed during the run",
				zap.Strings("missing", pc.Missing), zap.Strings("unexpected", pc.Unexpected))
		}
	}

	if r.refs == nil {
		return
	}
	res, err := r.refs.ValidateProcessedImageReferences(processed, r.root)
	if err != nil {
		r.logger.Error("reference validation failed", zap.Error(err))
		return
	}
	r.collector.SetReferences(res)
}

// finish cleans up after a run that handled every image
func (r *run) finish() {
	if r.resumeFile != "" {
		if err := DeleteSnapshot(r.resumeFile); err != nil {
			r.logger.Warn("cannot delete resume file", zap.Error(err))
		}
	}
	if r.ledger != nil && r.session != nil {
		if err := r.ledger.FinishSession(r.session.ID); err != nil {
			r.logger.Warn("cannot close ledger session", zap.Error(err))
		}
		if _, err := r.ledger.PruneSessions(ledgerSessionsKept); err != nil {
			r.logger.Warn("cannot prune ledger", zap.Error(err))
		}
	}
	if r.opts.KeepGenerations > 0 {
		if _, err := r.backups.CleanupBackups(r.opts.KeepGenerations); err != nil {
			r.logger.Warn("backup cleanup failed", zap.Error(err))
		}
	}
}

const ledgerSessionsKept = 10
