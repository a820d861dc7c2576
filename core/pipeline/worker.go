package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"brandmark/core/backup"
	"brandmark/core/discovery"
	"brandmark/core/fsutil"
	"brandmark/core/recovery"
	"brandmark/core/references"
	"brandmark/core/report"
	"brandmark/core/state"
	"brandmark/core/watermark"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

var checkDiskSpace = fsutil.CheckDiskSpace

// run state of one Run call. Everything below the collector line is owned
// by the collector goroutine while the loop is active.
type run struct {
	s      *System
	opts   Options
	root   string
	id     string
	logger *zap.Logger

	records    map[string]discovery.ImageRecord
	work       []string
	baseIndex  int
	resumed    bool
	resumeFile string

	backups  *backup.Manager
	handler  *recovery.Handler
	refs     *references.Validator
	attempts *recovery.Attempts
	ledger   *state.Manager
	session  *state.Session

	stop     atomic.Bool
	fatalMu  sync.Mutex
	fatal    error
	progress *ProgressTracker

	// collector
	collector  *report.Collector
	tracker    *watermark.Tracker
	handled    map[string]bool
	sinceSaved int
}

// fileResult outcome of one file handed to the collector
type fileResult struct {
	outcome   report.FileOutcome
	record    *watermark.ConsistencyRecord
	cancelled bool
	backup    string
}

type message struct {
	result *fileResult
	flush  chan struct{}
}

func (r *run) setFatal(err error) {
	r.fatalMu.Lock()
	defer r.fatalMu.Unlock()
	if r.fatal == nil {
		r.fatal = err
	}
	r.stop.Store(true)
}

func (r *run) fatalErr() error {
	r.fatalMu.Lock()
	defer r.fatalMu.Unlock()
	return r.fatal
}

func (r *run) runSequential(ctx context.Context, batch []string, out chan<- message) {
	for _, path := range batch {
		if ctx.Err() != nil || r.stop.Load() {
			return
		}
		res := r.processFile(ctx, path)
		out <- message{result: &res}
	}
}

func (r *run) runConcurrent(ctx context.Context, pool *ants.Pool, batch []string, out chan<- message) {
	var wg sync.WaitGroup
	for _, path := range batch {
		if ctx.Err() != nil || r.stop.Load() {
			break
		}
		path := path
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			if ctx.Err() != nil || r.stop.Load() {
				return
			}
			res := r.processFile(ctx, path)
			out <- message{result: &res}
		})
		if err != nil {
			wg.Done()
			r.logger.Error("submit to worker pool failed", zap.String("file", path), zap.Error(err))
			r.setFatal(recovery.New(recovery.CategorySystem, "submit", path, err))
			break
		}
	}
	wg.Wait()
}

// collect is the single consumer of file results: counters, ledger,
// checkpoints and progress all change here
func (r *run) collect(in <-chan message, done chan<- struct{}) {
	defer close(done)
	for msg := range in {
		if msg.flush != nil {
			if r.sinceSaved > 0 && !r.opts.DryRun {
				r.saveSnapshot()
				r.sinceSaved = 0
			}
			close(msg.flush)
			continue
		}
		res := msg.result
		if res.cancelled {
			continue
		}
		o := res.outcome
		r.handled[o.Path] = true
		r.collector.Record(o)
		r.progress.Add(o.Outcome == report.OutcomeProcessed,
			o.Outcome == report.OutcomeSkipped || o.Outcome == report.OutcomeWouldProcess,
			o.Outcome == report.OutcomeError)
		if o.Outcome == report.OutcomeProcessed {
			if res.record != nil {
				r.tracker.Record(*res.record)
			}
			r.attempts.Clear(o.Path)
		}
		r.markLedger(res)

		if o.Outcome == report.OutcomeError && !r.opts.ContinueOnError {
			r.setFatal(recovery.New(recovery.Category(o.Category), "process", o.Path, errors.New(o.Reason)))
		}
		r.sinceSaved++
		if r.opts.CheckpointInterval > 0 && r.sinceSaved >= r.opts.CheckpointInterval && !r.opts.DryRun {
			r.saveSnapshot()
			r.sinceSaved = 0
		}
		if r.s.progress != nil {
			r.s.progress(r.progress.Snapshot())
		}
	}
}

func (r *run) markLedger(res *fileResult) {
	if r.ledger == nil || r.session == nil {
		return
	}
	o := res.outcome
	status := state.StatusFailed
	switch o.Outcome {
	case report.OutcomeProcessed:
		status = state.StatusCompleted
	case report.OutcomeSkipped:
		status = state.StatusSkipped
	}
	err := r.ledger.MarkFile(r.session.ID, state.FileRecord{
		Path:       o.Path,
		Status:     status,
		Attempts:   o.Attempts,
		Category:   o.Category,
		Message:    o.Reason,
		BackupPath: res.backup,
	})
	if err != nil {
		r.logger.Warn("ledger update failed", zap.String("file", o.Path), zap.Error(err))
	}
}

// processFile runs one image through validation, detection, backup,
// watermarking with retries and the post-write check
func (r *run) processFile(ctx context.Context, path string) (res fileResult) {
	started := time.Now()
	r.progress.Start(path)
	rec := r.records[path]
	res = fileResult{outcome: report.FileOutcome{
		Path:         path,
		RelativePath: rec.RelativePath,
		Format:       string(rec.Format),
		SizeBefore:   rec.SizeBytes,
	}}
	o := &res.outcome
	logger := r.logger.With(zap.String("file", rec.RelativePath))
	defer func() {
		if p := recover(); p != nil {
			r.recoverPanic(&res, p, logger)
		}
		o.Duration = time.Since(started)
	}()

	v := r.s.validator.ValidateImage(path)
	if !v.IsValid {
		category := recovery.Classify(v.Err)
		o.Category = string(category)
		if category == recovery.CategoryFormat {
			o.Outcome, o.Reason = report.OutcomeSkipped, "unsupported format"
			logger.Info("skipping unsupported image", zap.Error(v.Err))
			return res
		}
		o.Outcome = report.OutcomeError
		o.Reason = r.handler.HandleCorruptedImage(path).Reason()
		logger.Warn("invalid image", zap.String("reason", o.Reason), zap.Error(v.Err))
		return res
	}

	if check := r.s.validator.CheckWatermarkExists(path); check.HasWatermark {
		o.Outcome, o.Reason = report.OutcomeSkipped, "already watermarked"
		o.Detector, o.Confidence = check.Detector, check.Confidence
		logger.Debug("already watermarked", zap.String("detector", check.Detector), zap.Float64("confidence", check.Confidence))
		return res
	}
	if dup := r.s.validator.CheckDuplicateWatermark(path); dup.HasWatermark {
		o.Detector, o.Confidence = dup.Detector, dup.Confidence
		if r.opts.SkipSuspectedDuplicates {
			o.Outcome, o.Reason = report.OutcomeSkipped, "suspected duplicate watermark"
			return res
		}
		logger.Info("possible existing watermark in another corner", zap.Float64("confidence", dup.Confidence))
	}

	if r.opts.DryRun {
		o.Outcome = report.OutcomeWouldProcess
		return res
	}

	backupPath, err := r.backups.CreateBackup(path)
	if err != nil {
		if !r.opts.AllowUnprotected {
			o.Outcome = report.OutcomeError
			o.Category = string(recovery.Classify(err))
			o.Reason = "backup failed: " + err.Error()
			logger.Error("backup failed, file left untouched", zap.Error(err))
			return res
		}
		logger.Warn("backup failed, processing without protection", zap.Error(err))
		backupPath = ""
	}
	res.backup = backupPath

	for {
		pr, err := r.s.processor.ApplyWatermark(ctx, path)
		if err == nil {
			err = r.verify(path)
		}
		if err == nil {
			o.Outcome = report.OutcomeProcessed
			o.SizeAfter = pr.FormatInfo.BytesAfter
			o.Adjustments = pr.Style.Adjustments
			o.Attempts = r.attempts.Get(path) + 1
			record := pr.Consistent
			res.record = &record
			return res
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			res.cancelled = true
			return res
		}

		d := r.handler.HandleProcessingFailure(r.attempts, path, err, backupPath)
		o.Category = string(d.Category)
		o.Attempts = d.Attempt
		switch d.Action {
		case recovery.ActionRetry:
			r.collector.Event("warn", "retry", path, err.Error(), map[string]any{"attempt": d.Attempt, "delayMs": d.Delay.Milliseconds()})
			if !sleepCtx(ctx, d.Delay) {
				// cancelled mid retry; put the original back and leave it for resume
				if backupPath != "" {
					if rerr := r.backups.RestoreFromBackup(path, backupPath); rerr != nil {
						logger.Error("restore after cancel failed", zap.Error(rerr))
					}
				}
				res.cancelled = true
				return res
			}
		case recovery.ActionSkipUnsupported:
			o.Outcome, o.Reason = report.OutcomeSkipped, "unsupported format"
			return res
		default:
			o.Outcome = report.OutcomeError
			o.Restored = d.Restored
			o.Reason = err.Error()
			if d.RestoreErr != nil {
				o.Reason = fmt.Sprintf("%s; restore failed: %v", err, d.RestoreErr)
			}
			return res
		}
	}
}

// recoverPanic turns a panic in one file's work into an error outcome for
// that file, putting the original back when a backup was taken
func (r *run) recoverPanic(res *fileResult, p any, logger *zap.Logger) {
	err := recovery.New(recovery.CategorySystem, "process", res.outcome.Path, fmt.Errorf("panic: %v", p))
	logger.Error("panic while processing image", zap.Any("panic", p), zap.Stack("stack"))
	res.cancelled = false
	res.record = nil
	o := &res.outcome
	o.Outcome = report.OutcomeError
	o.Category = string(recovery.CategorySystem)
	o.Reason = err.Error()
	o.Restored = false
	if res.backup == "" || r.backups == nil {
		return
	}
	if rerr := r.backups.RestoreFromBackup(res.outcome.Path, res.backup); rerr != nil {
		o.Reason = fmt.Sprintf("%s; restore failed: %v", o.Reason, rerr)
		return
	}
	o.Restored = true
}

// verify re-reads a written file; it must decode and carry the watermark
func (r *run) verify(path string) error {
	v := r.s.validator.ValidateImage(path)
	if !v.IsValid {
		return recovery.New(recovery.CategoryIntegrity, "post-write validate", path, v.Err)
	}
	if check := r.s.validator.CheckWatermarkExists(path); !check.HasWatermark {
		return recovery.New(recovery.CategoryFunctionality, "post-write detect", path,
			errors.New("watermark not detected after write"))
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
