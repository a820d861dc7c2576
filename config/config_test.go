package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, Validate(cfg))

	assert.True(t, cfg.Run.ContinueOnError)
	assert.Equal(t, 3, cfg.Run.MaxRetries)
	assert.Equal(t, 10, cfg.Run.BatchSize)
	assert.Equal(t, 4, cfg.Run.MaxConcurrency)
	assert.Equal(t, 5, cfg.Backup.KeepGenerations)
	assert.InDelta(t, 0.05, cfg.Detection.Primary.MinFraction, 1e-9)
	assert.InDelta(t, 0.30, cfg.Detection.Primary.MaxFraction, 1e-9)
	assert.Equal(t, uint8(200), cfg.Detection.Primary.Brightness)
	assert.InDelta(t, 0.10, cfg.Consistency.Tolerance, 1e-9)
	assert.Equal(t, "500ms", cfg.Recovery.BaseDelay.String())
}

func TestManagerReadsFileAndFlags(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "brandmark.yaml")
	require.NoError(t, os.WriteFile(file, []byte("run:\n  batch_size: 25\n  parallel: true\nbackup:\n  keep_generations: 2\n"), 0o644))

	cm, err := NewManager(file, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 25, cm.Get().Run.BatchSize)
	assert.True(t, cm.Get().Run.Parallel)
	assert.Equal(t, 2, cm.Get().Backup.KeepGenerations)
	assert.Equal(t, file, cm.ConfigFileUsed())

	require.NoError(t, cm.Set("run.max_concurrency", 2))
	assert.Equal(t, 2, cm.Get().Run.MaxConcurrency)
}

type recordingWatcher struct {
	old, new *Config
}

func (w *recordingWatcher) OnConfigChange(oldConfig, newConfig *Config) error {
	w.old, w.new = oldConfig, newConfig
	return nil
}

func TestSetNotifiesWatchersAndRejectsInvalid(t *testing.T) {
	cm, err := NewManager("", nil)
	require.NoError(t, err)

	w := &recordingWatcher{}
	cm.AddWatcher(w)
	require.NoError(t, cm.Set("run.batch_size", 3))
	require.NotNil(t, w.new)
	assert.Equal(t, 3, w.new.Run.BatchSize)
	assert.NotEqual(t, w.old.Run.BatchSize, w.new.Run.BatchSize)

	err = cm.Set("run.batch_size", 0)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "run.batch_size", verr.Field)
}

func TestValidateDetectionBand(t *testing.T) {
	cfg := Default()
	cfg.Detection.Duplicate.MinFraction = 0.5
	cfg.Detection.Duplicate.MaxFraction = 0.2
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "detection.duplicate")
}

func TestLoadStyle(t *testing.T) {
	dir := t.TempDir()

	t.Run("empty path gives defaults", func(t *testing.T) {
		style, err := LoadStyle("", nil)
		require.NoError(t, err)
		assert.Equal(t, DefaultStyle(), style)
	})

	t.Run("json file overrides fields", func(t *testing.T) {
		file := filepath.Join(dir, "style.json")
		require.NoError(t, os.WriteFile(file, []byte(`{"text":"ACME","position":"top-left","padding":4,"shadow":{"blur":3}}`), 0o644))
		style, err := LoadStyle(file, zap.NewNop())
		require.NoError(t, err)
		assert.Equal(t, "ACME", style.Text)
		assert.Equal(t, TopLeft, style.Position)
		assert.Equal(t, 4, style.Padding)
		assert.Equal(t, 24, style.MinFontSize)
		assert.InDelta(t, 3.0, style.Shadow.Blur, 1e-9)
	})

	t.Run("missing file falls back", func(t *testing.T) {
		style, err := LoadStyle(filepath.Join(dir, "nope.json"), zap.NewNop())
		require.Error(t, err)
		assert.Equal(t, DefaultStyle(), style)
	})

	t.Run("invalid style falls back", func(t *testing.T) {
		file := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(file, []byte("text: \"\"\nposition: center\n"), 0o644))
		style, err := LoadStyle(file, zap.NewNop())
		var verr *ValidationError
		require.True(t, errors.As(err, &verr))
		assert.Equal(t, DefaultStyle(), style)
	})
}

func TestStyleValidate(t *testing.T) {
	s := DefaultStyle()
	s.MinFontSize = 6
	assert.Error(t, s.Validate())

	s = DefaultStyle()
	s.Padding = -1
	assert.Error(t, s.Validate())

	s = DefaultStyle()
	s.Position = "middle"
	assert.Error(t, s.Validate())
}
