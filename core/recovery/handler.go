package recovery

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"brandmark/core/formats"

	"github.com/shirou/gopsutil/v3/disk"
	"go.uber.org/zap"
)

// Action recovery action chosen for a failed file
type Action string

const (
	ActionRetry           Action = "retry-after-delay"
	ActionSkipUnsupported Action = "skip-unsupported"
	ActionRestoreAndSkip  Action = "restore-and-skip"
)

// RetryPolicy bounded exponential backoff
type RetryPolicy struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryPolicy default retry policy
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    3,
		BaseDelay:     500 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
	}
}

// Delay wait before the given retry attempt (1-based)
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * p.BackoffFactor)
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Restorer restores a file from its backup
type Restorer interface {
	RestoreFromBackup(originalPath, backupPath string) error
}

// Attempts per-file recovery attempt counters. Owned by the orchestrator for
// the life of the process and never persisted.
type Attempts struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewAttempts creates an empty attempt table
func NewAttempts() *Attempts {
	return &Attempts{counts: make(map[string]int)}
}

// Next increments and returns the attempt count for path
func (a *Attempts) Next(path string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counts[path]++
	return a.counts[path]
}

// Get current attempt count for path
func (a *Attempts) Get(path string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts[path]
}

// Clear resets path after a success
func (a *Attempts) Clear(path string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.counts, path)
}

// Len number of files with outstanding attempts
func (a *Attempts) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.counts)
}

// Decision outcome of HandleProcessingFailure
type Decision struct {
	Action     Action
	Category   Category
	Attempt    int
	Delay      time.Duration
	Restored   bool
	RestoreErr error
}

// SystemContext batch or process level context of a system error
type SystemContext struct {
	Op              string
	Path            string
	BatchSize       int
	ContinueOnError bool
}

// SystemDecision outcome of HandleSystemError
type SystemDecision struct {
	Category     Category
	Continue     bool
	NewBatchSize int
	FreeBytes    uint64
	Reason       string
}

// CorruptionDiagnosis outcome of HandleCorruptedImage
type CorruptionDiagnosis struct {
	Path           string
	DeclaredFormat formats.Format
	DetectedFormat formats.Format
	TrulyCorrupt   bool
	Mislabeled     bool
	Err            error
}

// Reason short human readable explanation
func (d CorruptionDiagnosis) Reason() string {
	switch {
	case d.Err != nil:
		return "unreadable: " + d.Err.Error()
	case d.Mislabeled:
		return fmt.Sprintf("mislabeled: extension says %s, content is %s", d.DeclaredFormat, d.DetectedFormat)
	default:
		return "corrupt " + string(d.DeclaredFormat) + " data"
	}
}

// UsageFunc reports free bytes on the volume holding path
type UsageFunc func(path string) (uint64, error)

// Handler chooses recovery actions
type Handler struct {
	logger       *zap.Logger
	policy       RetryPolicy
	restorer     Restorer
	usage        UsageFunc
	minFreeBytes uint64
}

// Option configures a Handler
type Option func(*Handler)

// WithUsageFunc overrides the free space probe
func WithUsageFunc(fn UsageFunc) Option {
	return func(h *Handler) { h.usage = fn }
}

// WithMinFreeMB sets the storage continuation threshold
func WithMinFreeMB(mb uint64) Option {
	return func(h *Handler) { h.minFreeBytes = mb << 20 }
}

// NewHandler creates a Handler. restorer may be nil when no backups exist.
func NewHandler(logger *zap.Logger, policy RetryPolicy, restorer Restorer, opts ...Option) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		logger:       logger,
		policy:       policy,
		restorer:     restorer,
		usage:        FreeSpace,
		minFreeBytes: 100 << 20,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Policy retry policy in use
func (h *Handler) Policy() RetryPolicy { return h.policy }

// HandleProcessingFailure classifies err for path and picks the recovery
// action. Memory and network failures are retried with backoff until the
// attempt budget is spent; format failures are skipped; everything else is
// restored from backupPath (when given) and skipped.
func (h *Handler) HandleProcessingFailure(attempts *Attempts, path string, err error, backupPath string) Decision {
	category := Classify(err)
	attempt := attempts.Next(path)

	decision := Decision{Category: category, Attempt: attempt}
	retryable := category == CategoryMemory || category == CategoryNetwork || IsRetryable(err)

	switch {
	case retryable && attempt <= h.policy.MaxRetries:
		decision.Action = ActionRetry
		decision.Delay = h.policy.Delay(attempt)
	case category == CategoryFormat:
		decision.Action = ActionSkipUnsupported
	default:
		decision.Action = ActionRestoreAndSkip
		if backupPath != "" && h.restorer != nil {
			if rerr := h.restorer.RestoreFromBackup(path, backupPath); rerr != nil {
				decision.RestoreErr = rerr
			} else {
				decision.Restored = true
			}
		}
	}

	fields := []zap.Field{
		zap.String("file", path),
		zap.String("category", string(category)),
		zap.String("action", string(decision.Action)),
		zap.Int("attempt", attempt),
		zap.Int("max_retries", h.policy.MaxRetries),
		zap.Bool("backup_available", backupPath != ""),
		zap.Error(err),
	}
	if decision.Delay > 0 {
		fields = append(fields, zap.Duration("delay", decision.Delay))
	}
	if decision.RestoreErr != nil {
		fields = append(fields, zap.NamedError("restore_error", decision.RestoreErr))
		h.logger.Error("processing failed and restore failed", fields...)
		return decision
	}
	switch category.Severity() {
	case SeverityLow:
		h.logger.Info("processing failed", fields...)
	case SeverityCritical:
		h.logger.Error("processing failed", fields...)
	default:
		h.logger.Warn("processing failed", fields...)
	}
	return decision
}

// HandleSystemError decides whether a batch level failure can be absorbed.
func (h *Handler) HandleSystemError(err error, sc SystemContext) SystemDecision {
	category := Classify(err)
	decision := SystemDecision{Category: category, NewBatchSize: sc.BatchSize}

	switch category {
	case CategoryMemory:
		decision.NewBatchSize = sc.BatchSize / 2
		if decision.NewBatchSize < 1 {
			decision.NewBatchSize = 1
		}
		decision.Continue = true
		decision.Reason = fmt.Sprintf("memory pressure, batch size %d -> %d", sc.BatchSize, decision.NewBatchSize)
	case CategoryStorage:
		free, uerr := h.usage(sc.Path)
		decision.FreeBytes = free
		switch {
		case uerr != nil:
			decision.Reason = "free space unknown: " + uerr.Error()
		case free >= h.minFreeBytes:
			decision.Continue = true
			decision.Reason = fmt.Sprintf("%d MB free, above threshold", free>>20)
		default:
			decision.Reason = fmt.Sprintf("%d MB free, below %d MB threshold", free>>20, h.minFreeBytes>>20)
		}
	case CategoryPermission:
		decision.Reason = "permission denied"
	default:
		decision.Continue = sc.ContinueOnError
		decision.Reason = "continue on error: " + fmt.Sprint(sc.ContinueOnError)
	}

	fields := []zap.Field{
		zap.String("op", sc.Op),
		zap.String("category", string(category)),
		zap.Bool("continue", decision.Continue),
		zap.String("reason", decision.Reason),
		zap.Error(err),
	}
	if decision.Continue {
		h.logger.Warn("system error absorbed", fields...)
	} else {
		h.logger.Error("system error is fatal", fields...)
	}
	return decision
}

// HandleCorruptedImage tells a truly corrupt file apart from one whose
// extension does not match its content.
func (h *Handler) HandleCorruptedImage(path string) CorruptionDiagnosis {
	diag := CorruptionDiagnosis{Path: path, DeclaredFormat: formats.FromExtension(path)}

	info, err := os.Stat(path)
	if err != nil {
		diag.Err = err
		return diag
	}
	if info.Size() == 0 {
		diag.DetectedFormat = formats.Unknown
		diag.TrulyCorrupt = true
		return diag
	}

	detected, err := formats.SniffFile(path)
	if err != nil {
		diag.Err = err
		return diag
	}
	diag.DetectedFormat = detected
	switch {
	case detected == formats.Unknown:
		diag.TrulyCorrupt = true
	case detected != diag.DeclaredFormat:
		diag.Mislabeled = true
	default:
		diag.TrulyCorrupt = true
	}

	h.logger.Debug("corruption diagnosis",
		zap.String("file", path),
		zap.String("declared", string(diag.DeclaredFormat)),
		zap.String("detected", string(detected)),
		zap.Bool("mislabeled", diag.Mislabeled))
	return diag
}

// FreeSpace free bytes on the volume holding path, walking up to the nearest
// existing directory.
func FreeSpace(path string) (uint64, error) {
	dir := path
	if dir == "" {
		dir = "."
	}
	for {
		if _, err := os.Stat(dir); err == nil {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	usage, err := disk.Usage(dir)
	if err != nil {
		return 0, fmt.Errorf("disk usage %s: %w", dir, err)
	}
	return usage.Free, nil
}
