package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/color/palette"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"brandmark/config"
	"brandmark/core/recovery"
	"brandmark/core/report"
	"brandmark/core/state"
	"brandmark/core/validation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

// scene dark textured image; 4:3 so geometry ratios agree across sizes
func scene(w int) *image.RGBA {
	h := w * 3 / 4
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{uint8(20 + x%50), uint8(25 + y%40), 70, 255})
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func write(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

// project lays out a small site: PNG, JPEG and GIF images under public/
// and an HTML page referencing them
func project(t *testing.T, pngs int) string {
	t.Helper()
	root := t.TempDir()
	for i := 0; i < pngs; i++ {
		write(t, filepath.Join(root, "public", "img", "p"+string(rune('a'+i))+".png"), encodePNG(t, scene(640+i*32)))
	}

	var jbuf bytes.Buffer
	require.NoError(t, jpeg.Encode(&jbuf, scene(720), &jpeg.Options{Quality: 90}))
	write(t, filepath.Join(root, "public", "photo.jpg"), jbuf.Bytes())

	src := scene(680)
	pal := image.NewPaletted(src.Bounds(), palette.Plan9)
	draw.FloydSteinberg.Draw(pal, src.Bounds(), src, image.Point{})
	var gbuf bytes.Buffer
	require.NoError(t, gif.Encode(&gbuf, pal, nil))
	write(t, filepath.Join(root, "public", "anim.gif"), gbuf.Bytes())

	html := `<html><body><img src="/img/pa.png"><img src="/photo.jpg"><img src="/anim.gif"></body></html>`
	write(t, filepath.Join(root, "index.html"), []byte(html))
	return root
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Recovery.BaseDelay = time.Millisecond
	cfg.Recovery.MaxDelay = 5 * time.Millisecond
	cfg.Performance.MemoryThreshold = 0
	return cfg
}

func newSystem(t *testing.T, cfg *config.Config, opts ...Option) *System {
	t.Helper()
	opts = append([]Option{WithMemoryProbe(func() (float64, error) { return 10, nil })}, opts...)
	s, err := New(zap.NewNop(), cfg, config.DefaultStyle(), opts...)
	require.NoError(t, err)
	return s
}

func runOptions(t *testing.T, cfg *config.Config) Options {
	t.Helper()
	opts := OptionsFromConfig(cfg)
	opts.ReportDir = t.TempDir()
	return opts
}

func snapshotFiles(t *testing.T, root string) map[string][]byte {
	t.Helper()
	out := make(map[string][]byte)
	require.NoError(t, filepath.Walk(filepath.Join(root, "public"), func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		data, err := os.ReadFile(path)
		out[path] = data
		return err
	}))
	return out
}

func TestRunWatermarksAndIsIdempotent(t *testing.T) {
	root := project(t, 3)
	cfg := testConfig()
	s := newSystem(t, cfg)
	before := snapshotFiles(t, root)

	first, err := s.Run(context.Background(), root, runOptions(t, cfg))
	require.NoError(t, err)
	assert.Equal(t, Stats{Processed: 5}, first.Stats)
	assert.Len(t, first.Processed, 5)
	require.NotNil(t, first.Report.Consistency)
	assert.True(t, first.Report.Consistency.IsConsistent)
	require.NotNil(t, first.Report.PathConsistency)
	assert.True(t, first.Report.PathConsistency.Consistent)
	require.NotNil(t, first.Report.References)
	assert.True(t, first.Report.References.Valid)
	assert.Equal(t, report.VerdictReady, first.Final.Verdict)
	assert.NotEmpty(t, first.ReportFiles)

	after := snapshotFiles(t, root)
	assert.Len(t, after, len(before), "no image added or removed")
	for path, data := range before {
		require.Contains(t, after, path)
		assert.NotEqual(t, data, after[path], path)
	}
	assert.NoFileExists(t, filepath.Join(root, cfg.Run.ResumeFile))

	second, err := s.Run(context.Background(), root, runOptions(t, cfg))
	require.NoError(t, err)
	assert.Equal(t, Stats{Skipped: 5}, second.Stats)
	assert.Empty(t, second.Processed)
	assert.Equal(t, after, snapshotFiles(t, root), "second run changes nothing")
}

func TestRunParallel(t *testing.T) {
	root := project(t, 6)
	cfg := testConfig()
	cfg.Run.Parallel = true
	cfg.Run.MaxConcurrency = 3
	cfg.Run.BatchSize = 4
	s := newSystem(t, cfg)

	res, err := s.Run(context.Background(), root, runOptions(t, cfg))
	require.NoError(t, err)
	assert.Equal(t, 8, res.Stats.Processed)
	require.NotNil(t, res.Report.Consistency)
	assert.True(t, res.Report.Consistency.IsConsistent)
	assert.Equal(t, 8, res.Report.Consistency.Checked)
}

func TestDryRunMutatesNothing(t *testing.T) {
	root := project(t, 2)
	cfg := testConfig()
	cfg.Run.DryRun = true
	s := newSystem(t, cfg)
	before := snapshotFiles(t, root)

	res, err := s.Run(context.Background(), root, runOptions(t, cfg))
	require.NoError(t, err)
	assert.Equal(t, 4, res.Report.Totals.WouldProcess)
	assert.Zero(t, res.Report.Totals.Processed)
	assert.Equal(t, before, snapshotFiles(t, root))
	assert.NoDirExists(t, filepath.Join(root, cfg.Backup.Dir))
	assert.NoFileExists(t, filepath.Join(root, cfg.Run.ResumeFile))
	assert.NoFileExists(t, filepath.Join(root, cfg.Run.LedgerFile))
	assert.Equal(t, report.VerdictReadyWithWarnings, res.Final.Verdict)
}

func TestInterruptAndResume(t *testing.T) {
	root := project(t, 3)
	cfg := testConfig()
	cfg.Run.BatchSize = 1
	resumePath := filepath.Join(root, cfg.Run.ResumeFile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := newSystem(t, cfg, WithProgress(func(p Progress) {
		if p.Done == 2 {
			cancel()
		}
	}))
	first, err := s.Run(ctx, root, runOptions(t, cfg))
	require.ErrorIs(t, err, ErrInterrupted)
	assert.True(t, first.Interrupted)
	assert.Equal(t, 2, first.Stats.Processed)
	assert.Len(t, first.Remaining, 3)

	snap, err := LoadSnapshot(resumePath)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 2, snap.CurrentIndex)
	assert.Equal(t, Stats{Processed: 2}, snap.Stats)
	assert.Equal(t, first.Remaining, snap.RemainingImages)
	for _, done := range first.Processed {
		assert.NotContains(t, snap.RemainingImages, done)
	}

	resumed, err := newSystem(t, cfg).Run(context.Background(), root, runOptions(t, cfg))
	require.NoError(t, err)
	assert.Equal(t, Stats{Processed: 5}, resumed.Stats)
	assert.Len(t, resumed.Processed, 3)
	assert.Equal(t, 5, resumed.Report.Totals.Processed)
	assert.NoFileExists(t, resumePath)

	ledger, err := state.Open(filepath.Join(root, cfg.Run.LedgerFile), zap.NewNop())
	require.NoError(t, err)
	defer ledger.Close()
	latest, err := ledger.LatestSession(resumed.Root)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.True(t, latest.Finished)
	assert.Equal(t, 5, latest.Counts[state.StatusCompleted])
}

func TestStopOnFirstError(t *testing.T) {
	root := project(t, 3)
	good := encodePNG(t, scene(200))
	write(t, filepath.Join(root, "public", "0broken.png"), good[:len(good)/2])

	cfg := testConfig()
	cfg.Run.ContinueOnError = false
	cfg.Run.BatchSize = 1
	s := newSystem(t, cfg)

	res, err := s.Run(context.Background(), root, runOptions(t, cfg))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrInterrupted))
	assert.Equal(t, 1, res.Stats.Errors)
	assert.Zero(t, res.Stats.Processed)
	assert.Len(t, res.Remaining, 5)
	assert.Equal(t, report.VerdictNotReady, res.Final.Verdict)
	assert.FileExists(t, filepath.Join(root, cfg.Run.ResumeFile))
}

func TestContinueOnErrorRecordsCategory(t *testing.T) {
	root := project(t, 1)
	good := encodePNG(t, scene(200))
	write(t, filepath.Join(root, "public", "broken.png"), good[:len(good)/2])
	write(t, filepath.Join(root, "public", "notes.png"), []byte("plain text, not an image"))

	cfg := testConfig()
	s := newSystem(t, cfg)
	res, err := s.Run(context.Background(), root, runOptions(t, cfg))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Stats.Processed)
	assert.Equal(t, 1, res.Stats.Errors)
	assert.Equal(t, 1, res.Stats.Skipped)
	assert.Equal(t, 1, res.Report.ErrorsByCategory[string(recovery.CategoryCorruption)])
	assert.Equal(t, 1, res.Report.SkipsByReason["unsupported format"])
}

func TestConfirmDeclined(t *testing.T) {
	root := project(t, 1)
	cfg := testConfig()
	var plan Plan
	s := newSystem(t, cfg, WithConfirm(func(p Plan) bool {
		plan = p
		return false
	}))
	before := snapshotFiles(t, root)

	_, err := s.Run(context.Background(), root, runOptions(t, cfg))
	require.ErrorIs(t, err, ErrAborted)
	assert.Equal(t, 3, plan.Images)
	assert.Equal(t, 3, plan.References)
	assert.Equal(t, before, snapshotFiles(t, root))
}

func TestAdjustBatch(t *testing.T) {
	cfg := testConfig()
	usage := 95.0
	s := newSystem(t, cfg, WithMemoryProbe(func() (float64, error) { return usage, nil }))
	r := &run{
		s:         s,
		opts:      Options{MemoryThreshold: 90, MinBatchSize: 2}.normalized(),
		logger:    zap.NewNop(),
		handler:   recovery.NewHandler(zap.NewNop(), recovery.DefaultRetryPolicy(), nil),
		collector: report.NewCollector("id", "/", false),
	}

	assert.Equal(t, 4, r.adjustBatch(8, nil))
	assert.Equal(t, 2, r.adjustBatch(4, nil))
	assert.Equal(t, 2, r.adjustBatch(2, nil), "never below the minimum")

	usage = 40
	assert.Equal(t, 8, r.adjustBatch(8, nil))

	updated := *cfg
	updated.Run.BatchSize = 3
	require.NoError(t, s.OnConfigChange(cfg, &updated))
	assert.Equal(t, 3, r.adjustBatch(8, nil))
	assert.Equal(t, 8, r.adjustBatch(8, nil), "a reload applies once")
}

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resume.json")
	snap, err := LoadSnapshot(path)
	require.NoError(t, err)
	assert.Nil(t, snap)

	want := ResumeSnapshot{CurrentIndex: 4, Stats: Stats{Processed: 3, Errors: 1}, Timestamp: time.Now().UTC().Truncate(time.Second)}
	require.NoError(t, SaveSnapshot(path, want))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"remainingImages": []`)

	got, err := LoadSnapshot(path)
	require.NoError(t, err)
	assert.Equal(t, want.CurrentIndex, got.CurrentIndex)
	assert.Equal(t, want.Stats, got.Stats)

	require.NoError(t, os.WriteFile(path, []byte(`{"currentIndex":-1}`), 0o644))
	_, err = LoadSnapshot(path)
	assert.Error(t, err)

	require.NoError(t, DeleteSnapshot(path))
	require.NoError(t, DeleteSnapshot(path))
}

func TestProgressTrackerSeed(t *testing.T) {
	p := NewProgressTracker(3)
	p.Seed(Stats{Processed: 2, Errors: 1}, 3)
	p.Add(true, false, false)
	p.Add(false, true, false)

	snap := p.Snapshot()
	assert.Equal(t, 6, snap.Total)
	assert.Equal(t, 5, snap.Done)
	assert.Equal(t, Stats{Processed: 3, Skipped: 1, Errors: 1}, snap.Stats)
}

func TestRunBMPAndTIFF(t *testing.T) {
	root := t.TempDir()
	write(t, filepath.Join(root, "public", "hero.png"), encodePNG(t, scene(640)))
	var bbuf bytes.Buffer
	require.NoError(t, bmp.Encode(&bbuf, scene(672)))
	write(t, filepath.Join(root, "public", "legacy.bmp"), bbuf.Bytes())
	var tbuf bytes.Buffer
	require.NoError(t, tiff.Encode(&tbuf, scene(704), &tiff.Options{Compression: tiff.Deflate}))
	write(t, filepath.Join(root, "public", "scan.tiff"), tbuf.Bytes())
	before := snapshotFiles(t, root)

	cfg := testConfig()
	res, err := newSystem(t, cfg).Run(context.Background(), root, runOptions(t, cfg))
	require.NoError(t, err)
	assert.Equal(t, Stats{Processed: 3}, res.Stats)
	for path, data := range snapshotFiles(t, root) {
		assert.NotEqual(t, before[path], data, path)
	}
	for _, o := range res.Outcomes {
		assert.Equal(t, report.OutcomeProcessed, o.Outcome, o.Path)
	}

	again, err := newSystem(t, cfg).Run(context.Background(), root, runOptions(t, cfg))
	require.NoError(t, err)
	assert.Equal(t, Stats{Skipped: 3}, again.Stats)
}

// blindDetector never sees a watermark
type blindDetector struct{}

func (blindDetector) Name() string { return "blind" }

func (blindDetector) Detect(*validation.Sample) (validation.Detection, error) {
	return validation.Detection{}, nil
}

// panicOnMarked panics once the processor has stamped the file
type panicOnMarked struct{}

func (panicOnMarked) Name() string { return "panic-on-marked" }

func (panicOnMarked) Detect(s *validation.Sample) (validation.Detection, error) {
	if det, _ := (validation.MarkerDetector{}).Detect(s); det.Found {
		panic("detector blew up on " + s.Path)
	}
	return validation.Detection{}, nil
}

func TestFailedPostWriteCheckRestoresOriginal(t *testing.T) {
	root := project(t, 1)
	before := snapshotFiles(t, root)

	cfg := testConfig()
	s := newSystem(t, cfg)
	s.Validator().WithDetectors(blindDetector{})

	res, err := s.Run(context.Background(), root, runOptions(t, cfg))
	require.NoError(t, err)
	assert.Zero(t, res.Stats.Processed)
	assert.Equal(t, 3, res.Stats.Errors)
	require.Len(t, res.Outcomes, 3)
	for _, o := range res.Outcomes {
		assert.Equal(t, report.OutcomeError, o.Outcome, o.Path)
		assert.True(t, o.Restored, o.Path)
		assert.Equal(t, string(recovery.CategoryFunctionality), o.Category)
		assert.Contains(t, o.Reason, "watermark not detected")
	}
	assert.Equal(t, before, snapshotFiles(t, root))
	assert.Equal(t, report.VerdictNotReady, res.Final.Verdict)
}

func TestPanicBecomesErrorOutcome(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		name := "sequential"
		if parallel {
			name = "parallel"
		}
		t.Run(name, func(t *testing.T) {
			root := project(t, 2)
			before := snapshotFiles(t, root)

			cfg := testConfig()
			cfg.Run.Parallel = parallel
			s := newSystem(t, cfg)
			s.Validator().WithDetectors(panicOnMarked{})

			res, err := s.Run(context.Background(), root, runOptions(t, cfg))
			require.NoError(t, err)
			assert.Equal(t, Stats{Errors: 4}, res.Stats)
			assert.Empty(t, res.Remaining)
			require.Len(t, res.Outcomes, 4)
			for _, o := range res.Outcomes {
				assert.Equal(t, report.OutcomeError, o.Outcome, o.Path)
				assert.Equal(t, string(recovery.CategorySystem), o.Category)
				assert.Contains(t, o.Reason, "panic")
				assert.True(t, o.Restored, o.Path)
			}
			assert.Equal(t, before, snapshotFiles(t, root))
		})
	}
}

func TestCorruptResumeFileStillReports(t *testing.T) {
	root := project(t, 1)
	cfg := testConfig()
	write(t, filepath.Join(root, cfg.Run.ResumeFile), []byte("{not json"))

	opts := runOptions(t, cfg)
	res, err := newSystem(t, cfg).Run(context.Background(), root, opts)
	require.Error(t, err)
	assert.True(t, recovery.IsCategory(err, recovery.CategoryIntegrity))
	require.NotNil(t, res)
	assert.NotEmpty(t, res.Report.Fatal)
	assert.Equal(t, report.VerdictNotReady, res.Final.Verdict)
	require.NotEmpty(t, res.ReportFiles)
	for _, f := range res.ReportFiles {
		assert.FileExists(t, f)
	}
}
