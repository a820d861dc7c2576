package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openLedger(t *testing.T) *Manager {
	t.Helper()
	m, err := Open(filepath.Join(t.TempDir(), "nested", "ledger.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestSessionLifecycle(t *testing.T) {
	m := openLedger(t)

	latest, err := m.LatestSession("/site")
	require.NoError(t, err)
	assert.Nil(t, latest)

	s, err := m.StartSession("/site", 3)
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)

	require.NoError(t, m.MarkFile(s.ID, FileRecord{Path: "/site/a.png", Status: StatusProcessing}))
	require.NoError(t, m.MarkFile(s.ID, FileRecord{Path: "/site/a.png", Status: StatusCompleted, BackupPath: "/b/a.png"}))
	require.NoError(t, m.MarkFile(s.ID, FileRecord{Path: "/site/b.png", Status: StatusSkipped, Message: "already watermarked"}))
	require.NoError(t, m.MarkFile(s.ID, FileRecord{Path: "/site/c.png", Status: StatusFailed, Attempts: 3, Category: "corruption"}))

	got, err := m.Session(s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Counts[StatusCompleted])
	assert.Equal(t, 1, got.Counts[StatusSkipped])
	assert.Equal(t, 1, got.Counts[StatusFailed])
	assert.Zero(t, got.Counts[StatusProcessing])
	assert.False(t, got.Finished)

	rec, ok, err := m.File(s.ID, "/site/a.png")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, "/b/a.png", rec.BackupPath)

	done, err := m.DonePaths(s.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]Status{"/site/a.png": StatusCompleted, "/site/b.png": StatusSkipped}, done)

	latest, err = m.LatestSession("/site")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, s.ID, latest.ID)

	require.NoError(t, m.FinishSession(s.ID))
	got, err = m.Session(s.ID)
	require.NoError(t, err)
	assert.True(t, got.Finished)
}

func TestMarkFileUnknownSession(t *testing.T) {
	m := openLedger(t)
	err := m.MarkFile("nope", FileRecord{Path: "/x", Status: StatusCompleted})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestLedgerSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	m, err := Open(path, nil)
	require.NoError(t, err)
	s, err := m.StartSession("/r", 1)
	require.NoError(t, err)
	require.NoError(t, m.MarkFile(s.ID, FileRecord{Path: "/r/a.gif", Status: StatusCompleted}))
	require.NoError(t, m.Close())

	m, err = Open(path, nil)
	require.NoError(t, err)
	defer m.Close()
	latest, err := m.LatestSession("/r")
	require.NoError(t, err)
	require.NotNil(t, latest)
	files, err := m.Files(latest.ID)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "/r/a.gif", files[0].Path)
}

func TestPruneSessions(t *testing.T) {
	m := openLedger(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 4; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		m.now = func() time.Time { return at }
		s, err := m.StartSession("/r", 1)
		require.NoError(t, err)
		require.NoError(t, m.MarkFile(s.ID, FileRecord{Path: "/r/x.png", Status: StatusCompleted}))
		ids = append(ids, s.ID)
	}

	removed, err := m.PruneSessions(2)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	sessions, err := m.Sessions()
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, ids[3], sessions[0].ID)
	assert.Equal(t, ids[2], sessions[1].ID)

	files, err := m.Files(ids[0])
	require.NoError(t, err)
	assert.Empty(t, files)

	_, err = m.PruneSessions(-1)
	assert.Error(t, err)
}

func TestDeleteLatestSessionClearsPointer(t *testing.T) {
	m := openLedger(t)
	s, err := m.StartSession("/r", 0)
	require.NoError(t, err)
	require.NoError(t, m.DeleteSession(s.ID))
	latest, err := m.LatestSession("/r")
	require.NoError(t, err)
	assert.Nil(t, latest)
}
