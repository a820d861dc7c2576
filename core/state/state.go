// Package state keeps a per-file processing ledger in bbolt. A resumed run
// consults it to skip files that finished after the last resume snapshot.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Status processing status of one file
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusSkipped    Status = "skipped"
	StatusFailed     Status = "failed"
)

// Done reports whether a file in this status needs no further work
func (s Status) Done() bool {
	return s == StatusCompleted || s == StatusSkipped
}

// FileRecord ledger entry of one file in one session
type FileRecord struct {
	Path       string    `json:"path"`
	Status     Status    `json:"status"`
	Attempts   int       `json:"attempts,omitempty"`
	Category   string    `json:"category,omitempty"`
	Message    string    `json:"message,omitempty"`
	BackupPath string    `json:"backupPath,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Session one run over a root
type Session struct {
	ID        string         `json:"id"`
	Root      string         `json:"root"`
	StartedAt time.Time      `json:"startedAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Total     int            `json:"total"`
	Finished  bool           `json:"finished"`
	Counts    map[Status]int `json:"counts"`
}

// bucket names
const (
	sessionsBucket = "sessions"
	filesBucket    = "files"
	metaBucket     = "meta"
)

// ErrSessionNotFound no session with the given id
var ErrSessionNotFound = errors.New("session not found")

// Manager bbolt ledger
type Manager struct {
	db     *bbolt.DB
	dbPath string
	logger *zap.Logger
	mu     sync.Mutex
	now    func() time.Time
}

// Open opens or creates the ledger at dbPath
func Open(dbPath string, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", dbPath, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{sessionsBucket, filesBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init ledger buckets: %w", err)
	}
	return &Manager{db: db, dbPath: dbPath, logger: logger, now: time.Now}, nil
}

// Path database file
func (m *Manager) Path() string { return m.dbPath }

// Close closes the database
func (m *Manager) Close() error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}

func fileKey(sessionID, path string) []byte {
	return []byte(sessionID + ":" + path)
}

func latestKey(root string) []byte {
	return []byte("latest:" + root)
}

// StartSession creates a session for root and makes it the latest one
func (m *Manager) StartSession(root string, total int) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	s := &Session{
		ID:        uuid.NewString(),
		Root:      root,
		StartedAt: now,
		UpdatedAt: now,
		Total:     total,
		Counts:    map[Status]int{},
	}
	err := m.db.Update(func(tx *bbolt.Tx) error {
		if err := putSession(tx, s); err != nil {
			return err
		}
		return tx.Bucket([]byte(metaBucket)).Put(latestKey(root), []byte(s.ID))
	})
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	m.logger.Debug("ledger session started", zap.String("session", s.ID), zap.String("root", root), zap.Int("total", total))
	return s, nil
}

// Session loads a session by id
func (m *Manager) Session(id string) (*Session, error) {
	var s *Session
	err := m.db.View(func(tx *bbolt.Tx) error {
		var err error
		s, err = getSession(tx, id)
		return err
	})
	return s, err
}

// LatestSession most recently started session for root; nil when none
func (m *Manager) LatestSession(root string) (*Session, error) {
	var s *Session
	err := m.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket([]byte(metaBucket)).Get(latestKey(root))
		if id == nil {
			return nil
		}
		var err error
		s, err = getSession(tx, string(id))
		if errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		return err
	})
	return s, err
}

// MarkFile stores rec under the session and updates the session counts.
// The write is synced before returning.
func (m *Manager) MarkFile(sessionID string, rec FileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = m.now()
	}
	key := fileKey(sessionID, rec.Path)
	err := m.db.Update(func(tx *bbolt.Tx) error {
		s, err := getSession(tx, sessionID)
		if err != nil {
			return err
		}
		files := tx.Bucket([]byte(filesBucket))
		if prev := files.Get(key); prev != nil {
			var old FileRecord
			if json.Unmarshal(prev, &old) == nil && s.Counts[old.Status] > 0 {
				s.Counts[old.Status]--
			}
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := files.Put(key, data); err != nil {
			return err
		}
		s.Counts[rec.Status]++
		s.UpdatedAt = rec.UpdatedAt
		return putSession(tx, s)
	})
	if err != nil {
		return fmt.Errorf("mark %s: %w", rec.Path, err)
	}
	return m.db.Sync()
}

// File ledger entry of path in the session
func (m *Manager) File(sessionID, path string) (FileRecord, bool, error) {
	var rec FileRecord
	found := false
	err := m.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(filesBucket)).Get(fileKey(sessionID, path))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	return rec, found, err
}

// Files all entries of the session, sorted by path
func (m *Manager) Files(sessionID string) ([]FileRecord, error) {
	var out []FileRecord
	prefix := []byte(sessionID + ":")
	err := m.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(filesBucket)).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var rec FileRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				m.logger.Warn("unreadable ledger entry", zap.ByteString("key", k), zap.Error(err))
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, err
}

// DonePaths paths of the session that need no further work
func (m *Manager) DonePaths(sessionID string) (map[string]Status, error) {
	files, err := m.Files(sessionID)
	if err != nil {
		return nil, err
	}
	done := make(map[string]Status)
	for _, f := range files {
		if f.Status.Done() {
			done[f.Path] = f.Status
		}
	}
	return done, nil
}

// FinishSession marks a session as completed
func (m *Manager) FinishSession(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.db.Update(func(tx *bbolt.Tx) error {
		s, err := getSession(tx, id)
		if err != nil {
			return err
		}
		s.Finished = true
		s.UpdatedAt = m.now()
		return putSession(tx, s)
	})
}

// Sessions all sessions, newest first
func (m *Manager) Sessions() ([]*Session, error) {
	var out []*Session
	err := m.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(sessionsBucket)).ForEach(func(_, v []byte) error {
			var s Session
			if err := json.Unmarshal(v, &s); err != nil {
				return err
			}
			out = append(out, &s)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, err
}

// DeleteSession removes a session and its file entries
func (m *Manager) DeleteSession(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.db.Update(func(tx *bbolt.Tx) error {
		return deleteSession(tx, id)
	})
}

// PruneSessions keeps the newest keep sessions and returns how many were
// removed
func (m *Manager) PruneSessions(keep int) (int, error) {
	if keep < 0 {
		return 0, fmt.Errorf("keep must be >= 0, got %d", keep)
	}
	sessions, err := m.Sessions()
	if err != nil || len(sessions) <= keep {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	err = m.db.Update(func(tx *bbolt.Tx) error {
		for _, s := range sessions[keep:] {
			if err := deleteSession(tx, s.ID); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	m.logger.Debug("ledger sessions pruned", zap.Int("removed", removed))
	return removed, nil
}

func getSession(tx *bbolt.Tx, id string) (*Session, error) {
	data := tx.Bucket([]byte(sessionsBucket)).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if s.Counts == nil {
		s.Counts = map[Status]int{}
	}
	return &s, nil
}

func putSession(tx *bbolt.Tx, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return tx.Bucket([]byte(sessionsBucket)).Put([]byte(s.ID), data)
}

func deleteSession(tx *bbolt.Tx, id string) error {
	if err := tx.Bucket([]byte(sessionsBucket)).Delete([]byte(id)); err != nil {
		return err
	}
	files := tx.Bucket([]byte(filesBucket))
	prefix := id + ":"
	var keys [][]byte
	c := files.Cursor()
	for k, _ := c.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := files.Delete(k); err != nil {
			return err
		}
	}
	meta := tx.Bucket([]byte(metaBucket))
	var stale [][]byte
	_ = meta.ForEach(func(k, v []byte) error {
		if string(v) == id {
			stale = append(stale, append([]byte(nil), k...))
		}
		return nil
	})
	for _, k := range stale {
		if err := meta.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
