package report

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"brandmark/core/references"
	"brandmark/core/watermark"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedCollector(dryRun bool) *Collector {
	c := NewCollector("run-1", "/site", dryRun)
	start := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	c.startedAt = start
	tick := start
	c.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}
	return c
}

func TestCollectorCountsAndBuckets(t *testing.T) {
	c := fixedCollector(false)
	c.SetDiscovered(5)
	c.Record(FileOutcome{Path: "/site/a.png", Format: "png", SizeBefore: 50 << 10, SizeAfter: 60 << 10, Outcome: OutcomeProcessed, Duration: 200 * time.Millisecond})
	c.Record(FileOutcome{Path: "/site/b.jpg", Format: "jpeg", SizeBefore: 2 << 20, SizeAfter: 2 << 20, Outcome: OutcomeProcessed, Duration: 400 * time.Millisecond})
	c.Record(FileOutcome{Path: "/site/c.png", Format: "png", SizeBefore: 500 << 10, Outcome: OutcomeSkipped, Reason: "already watermarked"})
	c.Record(FileOutcome{Path: "/site/d.gif", Format: "gif", SizeBefore: 6 << 20, Outcome: OutcomeError, Category: "format", Reason: "animated gif"})
	c.Record(FileOutcome{Path: "/site/e.bmp", Format: "bmp", Outcome: OutcomeError})

	counts := c.Counts()
	assert.Equal(t, Counts{Processed: 2, Skipped: 1, Errors: 2}, counts)
	assert.Equal(t, []string{"/site/a.png", "/site/b.jpg"}, c.ProcessedPaths())

	r := c.Build(SystemInfo{OS: "linux"})
	assert.Equal(t, 5, r.Totals.Discovered)
	assert.Equal(t, 5, r.Totals.HandledThisRun)
	assert.InDelta(t, 0.4, r.ErrorRate, 1e-9)
	assert.Equal(t, map[string]int{"format": 1, "unknown": 1}, r.ErrorsByCategory)
	assert.Equal(t, map[string]int{"already watermarked": 1}, r.SkipsByReason)

	png := r.ByFormat["png"]
	require.NotNil(t, png)
	assert.Equal(t, 2, png.Count)
	assert.Equal(t, 1, png.Processed)
	assert.Equal(t, 1, png.Skipped)
	assert.Equal(t, int64(550<<10), png.BytesBefore)
	assert.Equal(t, int64(60<<10), png.BytesAfter)

	assert.Equal(t, 2, r.BySize[SizeSmall].Count, "a.png and the zero-size bmp")
	assert.Equal(t, 1, r.BySize[SizeMedium].Count)
	assert.Equal(t, 1, r.BySize[SizeLarge].Count)
	assert.Equal(t, 1, r.BySize[SizeHuge].Count)
	assert.InDelta(t, 120.0, r.AvgFileMillis, 1e-9)

	log := c.Detailed()
	assert.Len(t, log.Files, 5)
	assert.Len(t, log.Events, 5)
	assert.Equal(t, "error", log.Events[3].Level)
}

func TestResumeCarriesCounters(t *testing.T) {
	c := fixedCollector(false)
	c.Resume(Counts{Processed: 3, Skipped: 1, Errors: 1}, 5)
	c.Record(FileOutcome{Path: "/x.png", Outcome: OutcomeProcessed})
	assert.Equal(t, Counts{Processed: 4, Skipped: 1, Errors: 1}, c.Counts())

	r := c.Build(SystemInfo{})
	assert.Equal(t, 5, r.ResumedFrom)
	assert.Equal(t, 1, r.Totals.HandledThisRun)
}

func TestSizeBucket(t *testing.T) {
	assert.Equal(t, SizeSmall, SizeBucket(0))
	assert.Equal(t, SizeSmall, SizeBucket(100<<10-1))
	assert.Equal(t, SizeMedium, SizeBucket(100<<10))
	assert.Equal(t, SizeLarge, SizeBucket(1<<20))
	assert.Equal(t, SizeHuge, SizeBucket(5<<20))
}

func TestBuildFinalReady(t *testing.T) {
	c := fixedCollector(false)
	c.SetDiscovered(2)
	c.Record(FileOutcome{Path: "/a.png", Outcome: OutcomeProcessed})
	c.Record(FileOutcome{Path: "/b.png", Outcome: OutcomeProcessed})
	c.SetConsistency(watermark.ConsistencyReport{IsConsistent: true, Checked: 2})
	c.SetReferences(references.ValidationResult{Valid: true})
	c.SetPathConsistency(references.PathConsistency{Consistent: true})

	f := BuildFinal(c.Build(SystemInfo{}))
	assert.Equal(t, VerdictReady, f.Verdict)
	assert.Equal(t, 100, f.QualityScore)
	assert.Empty(t, f.Blockers)
	assert.Empty(t, f.Warnings)
	assert.Equal(t, 1.0, f.Summary.SuccessRate)
}

func TestBuildFinalWarnings(t *testing.T) {
	c := fixedCollector(false)
	c.SetDiscovered(20)
	for i := 0; i < 19; i++ {
		c.Record(FileOutcome{Path: filepath.Join("/p", string(rune('a'+i))+".png"), Outcome: OutcomeProcessed})
	}
	c.Record(FileOutcome{Path: "/p/z.png", Outcome: OutcomeError, Category: "corruption"})
	c.SetConsistency(watermark.ConsistencyReport{Inconsistencies: []watermark.Inconsistency{{Path: "/p/a.png", Metric: watermark.MetricFontSize}}})

	f := BuildFinal(c.Build(SystemInfo{}))
	assert.Equal(t, VerdictReadyWithWarnings, f.Verdict)
	assert.Empty(t, f.Blockers)
	assert.Len(t, f.Warnings, 2)
	assert.Equal(t, 87, f.QualityScore, "100 - 5%*200 - 3")
	require.NotEmpty(t, f.Recommendations)
	assert.Equal(t, PriorityMedium, f.Recommendations[0].Priority)
}

func TestBuildFinalBlockers(t *testing.T) {
	c := fixedCollector(false)
	c.SetDiscovered(4)
	c.Record(FileOutcome{Path: "/a.png", Outcome: OutcomeProcessed})
	c.Record(FileOutcome{Path: "/b.png", Outcome: OutcomeError, Category: "permission"})
	c.SetReferences(references.ValidationResult{
		BrokenReferences: []references.BrokenReference{{ImagePath: "/a.png", Reference: references.ImageReference{SourceFile: "/app.js", Line: 3, OriginalReference: "./a.png"}}},
	})
	c.SetPathConsistency(references.PathConsistency{Missing: []string{"/c.png"}})
	c.MarkInterrupted()
	c.MarkFatal(errors.New("disk full"))

	r := c.Build(SystemInfo{})
	f := BuildFinal(r)
	assert.Equal(t, VerdictNotReady, f.Verdict)
	assert.Len(t, f.Blockers, 5)
	assert.Equal(t, 0, f.QualityScore)
	for i := 1; i < len(f.Recommendations); i++ {
		assert.LessOrEqual(t, priorityRank[f.Recommendations[i-1].Priority], priorityRank[f.Recommendations[i].Priority])
	}

	text := RenderText(r, f)
	assert.Contains(t, text, "NOT_READY")
	assert.Contains(t, text, "/app.js:3  ./a.png")
	assert.Contains(t, text, "disk full")
}

func TestBuildFinalDryRun(t *testing.T) {
	c := fixedCollector(true)
	c.SetDiscovered(1)
	c.Record(FileOutcome{Path: "/a.png", Outcome: OutcomeWouldProcess})
	f := BuildFinal(c.Build(SystemInfo{}))
	assert.Equal(t, VerdictReadyWithWarnings, f.Verdict)
	assert.Contains(t, f.Warnings, "dry run: no files were modified")
}

func TestExportWritesAllFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reports")
	c := fixedCollector(false)
	c.SetDiscovered(1)
	c.Record(FileOutcome{Path: "/a.png", Format: "png", Outcome: OutcomeProcessed})
	r := c.Build(CollectSystemInfo(2))
	f := BuildFinal(r)

	paths, err := Export(ExportOptions{Dir: dir, WriteMetrics: true}, r, f, c.Detailed())
	require.NoError(t, err)
	assert.Len(t, paths, 6)
	for _, name := range []string{ReportFile, DetailedLogFile, FinalReportFile, FinalSummaryFile, FinalTextFile, MetricsFile} {
		assert.FileExists(t, filepath.Join(dir, name))
	}

	data, err := os.ReadFile(filepath.Join(dir, FinalSummaryFile))
	require.NoError(t, err)
	var summary ExecutiveSummary
	require.NoError(t, json.Unmarshal(data, &summary))
	assert.Equal(t, f.Verdict, summary.Verdict)
	assert.Equal(t, 1, summary.Processed)

	metrics, err := os.ReadFile(filepath.Join(dir, MetricsFile))
	require.NoError(t, err)
	assert.Contains(t, string(metrics), `brandmark_files{outcome="processed"} 1`)
	assert.Contains(t, string(metrics), `brandmark_ready{verdict="READY"} 1`)
}

func TestExportWithoutMetrics(t *testing.T) {
	dir := t.TempDir()
	c := fixedCollector(false)
	r := c.Build(SystemInfo{})
	paths, err := Export(ExportOptions{Dir: dir}, r, BuildFinal(r), c.Detailed())
	require.NoError(t, err)
	assert.Len(t, paths, 5)
	assert.NoFileExists(t, filepath.Join(dir, MetricsFile))
}
