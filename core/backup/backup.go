// Package backup keeps path-preserving copies of files before they are
// modified and restores them on failure.
package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"brandmark/core/fsutil"
	"brandmark/core/recovery"
	"brandmark/core/validation"

	"go.uber.org/zap"
)

// GenerationLayout time layout of generation folder names (UTC)
const GenerationLayout = "2006-01-02T15-04-05.000Z"

var generationPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}-\d{2}-\d{2}\.\d{3}Z$`)

// IsGeneration reports whether name is a generation folder name
func IsGeneration(name string) bool {
	return generationPattern.MatchString(name)
}

// Registry maps an original path to every backup taken of it during the
// process lifetime. Entries are only ever appended.
type Registry struct {
	mu      sync.RWMutex
	entries map[string][]string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string][]string)}
}

// Add appends backup to the history of original
func (r *Registry) Add(original, backup string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[original] = append(r.entries[original], backup)
}

// Latest most recent backup of original
func (r *Registry) Latest(original string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h := r.entries[original]
	if len(h) == 0 {
		return "", false
	}
	return h[len(h)-1], true
}

// History all backups of original, oldest first
func (r *Registry) History(original string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.entries[original]...)
}

// Len number of originals with at least one backup
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Validator checks that a file is a readable image
type Validator interface {
	ValidateImage(path string) validation.Result
}

// Manager creates, restores and prunes backups under <root>/<dir>/<generation>
type Manager struct {
	logger    *zap.Logger
	root      string
	dir       string
	registry  *Registry
	validator Validator
	now       func() time.Time

	genOnce    sync.Once
	generation string
}

// NewManager creates a manager for the project at root. dir is the backup
// folder relative to root; registry is owned by the caller.
func NewManager(logger *zap.Logger, root, dir string, registry *Registry, validator Validator) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if dir == "" {
		dir = ".watermark-backups"
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		absRoot = root
	}
	return &Manager{
		logger:    logger,
		root:      absRoot,
		dir:       filepath.Join(absRoot, dir),
		registry:  registry,
		validator: validator,
		now:       time.Now,
	}
}

// Dir backup root folder
func (m *Manager) Dir() string { return m.dir }

// Registry backup registry in use
func (m *Manager) Registry() *Registry { return m.registry }

// Generation name of this run's generation folder; fixed on first use
func (m *Manager) Generation() string {
	m.genOnce.Do(func() {
		m.generation = m.now().UTC().Format(GenerationLayout)
	})
	return m.generation
}

// backupPath location of the backup of path inside the current generation.
// Files outside root keep their absolute layout under "_external".
func (m *Manager) backupPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(m.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		rel = filepath.Join("_external", strings.TrimPrefix(abs, filepath.VolumeName(abs)))
	}
	return filepath.Join(m.dir, m.Generation(), rel), nil
}

// CreateBackup copies path into the current generation and verifies the
// copy is a valid image of the same size. Returns the backup path.
func (m *Manager) CreateBackup(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", recovery.Wrap(recovery.Classify(err), "backup", path, err)
	}
	dst, err := m.backupPath(path)
	if err != nil {
		return "", recovery.New(recovery.CategoryStorage, "backup", path, err)
	}

	n, err := fsutil.CopyFile(path, dst)
	if err != nil {
		return "", recovery.Wrap(recovery.CategoryStorage, "backup", path, err)
	}
	if n != info.Size() {
		_ = os.Remove(dst)
		return "", recovery.New(recovery.CategoryStorage, "backup", path,
			fmt.Errorf("backup size %d does not match original %d", n, info.Size()))
	}
	if m.validator != nil {
		if res := m.validator.ValidateImage(dst); !res.IsValid {
			_ = os.Remove(dst)
			return "", recovery.New(recovery.CategoryIntegrity, "verify backup", dst,
				fmt.Errorf("backup is not a valid image: %s", res.ErrorString()))
		}
	}

	m.registry.Add(path, dst)
	m.logger.Debug("backup created", zap.String("file", path), zap.String("backup", dst), zap.Int64("bytes", n))
	return dst, nil
}

// RestoreFromBackup copies backupPath over originalPath, recreating its
// directory, and validates the result. An empty backupPath means the latest
// registered backup. Restoring twice gives the same result.
func (m *Manager) RestoreFromBackup(originalPath, backupPath string) error {
	if backupPath == "" {
		latest, ok := m.registry.Latest(originalPath)
		if !ok {
			return recovery.New(recovery.CategoryIntegrity, "restore", originalPath, recovery.ErrNoBackup)
		}
		backupPath = latest
	}
	if _, err := fsutil.CopyFile(backupPath, originalPath); err != nil {
		return recovery.Wrap(recovery.Classify(err), "restore", originalPath, err)
	}
	if m.validator != nil {
		if res := m.validator.ValidateImage(originalPath); !res.IsValid {
			return recovery.New(recovery.CategoryIntegrity, "verify restore", originalPath,
				fmt.Errorf("restored file is not a valid image: %s", res.ErrorString()))
		}
	}
	m.logger.Info("restored from backup", zap.String("file", originalPath), zap.String("backup", backupPath))
	return nil
}

// Generations generation folder names, newest first
func (m *Manager) Generations() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, recovery.Wrap(recovery.Classify(err), "list backups", m.dir, err)
	}
	var gens []string
	for _, e := range entries {
		if e.IsDir() && IsGeneration(e.Name()) {
			gens = append(gens, e.Name())
		}
	}
	// the layout sorts lexically in time order
	sort.Sort(sort.Reverse(sort.StringSlice(gens)))
	return gens, nil
}

// CleanupBackups deletes all but the newest keep generations and returns
// the removed folder names. A missing backup folder is not an error.
func (m *Manager) CleanupBackups(keep int) ([]string, error) {
	if keep < 0 {
		return nil, fmt.Errorf("keep must be >= 0, got %d", keep)
	}
	gens, err := m.Generations()
	if err != nil || len(gens) <= keep {
		return nil, err
	}
	var removed []string
	for _, g := range gens[keep:] {
		if err := os.RemoveAll(filepath.Join(m.dir, g)); err != nil {
			return removed, recovery.Wrap(recovery.Classify(err), "remove backup generation", g, err)
		}
		removed = append(removed, g)
	}
	m.logger.Info("old backup generations removed", zap.Int("removed", len(removed)), zap.Int("kept", keep))
	return removed, nil
}
