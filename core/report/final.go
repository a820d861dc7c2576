package report

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Verdict deployment readiness
type Verdict string

const (
	VerdictReady             Verdict = "READY"
	VerdictReadyWithWarnings Verdict = "READY_WITH_WARNINGS"
	VerdictNotReady          Verdict = "NOT_READY"
)

// Priority of a recommendation
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

var priorityRank = map[Priority]int{PriorityHigh: 0, PriorityMedium: 1, PriorityLow: 2}

// Recommendation follow-up action
type Recommendation struct {
	Priority Priority `json:"priority"`
	Message  string   `json:"message"`
}

// ExecutiveSummary short form of the final report
type ExecutiveSummary struct {
	Verdict          Verdict `json:"verdict"`
	QualityScore     int     `json:"qualityScore"`
	Discovered       int     `json:"discovered"`
	Processed        int     `json:"processed"`
	Skipped          int     `json:"skipped"`
	Errors           int     `json:"errors"`
	SuccessRate      float64 `json:"successRate"`
	BrokenReferences int     `json:"brokenReferences"`
	Inconsistencies  int     `json:"inconsistencies"`
	DurationSec      float64 `json:"durationSeconds"`
	Blockers         int     `json:"blockers"`
	Warnings         int     `json:"warnings"`
}

// FinalReport readiness verdict derived from a Report
type FinalReport struct {
	RunID           string           `json:"runId"`
	GeneratedAt     time.Time        `json:"generatedAt"`
	QualityScore    int              `json:"qualityScore"`
	Verdict         Verdict          `json:"verdict"`
	Blockers        []string         `json:"blockers"`
	Warnings        []string         `json:"warnings"`
	Recommendations []Recommendation `json:"recommendations"`
	Summary         ExecutiveSummary `json:"summary"`
}

// MaxErrorRate error rate above which a run is not ready
const MaxErrorRate = 0.10

// BuildFinal scores r and derives the verdict. Broken references, changed
// paths, an error rate above MaxErrorRate, an interruption or a fatal error
// block deployment; other findings are warnings.
func BuildFinal(r Report) FinalReport {
	f := FinalReport{
		RunID:           r.RunID,
		GeneratedAt:     r.FinishedAt,
		Blockers:        []string{},
		Warnings:        []string{},
		Recommendations: []Recommendation{},
	}
	if f.GeneratedAt.IsZero() {
		f.GeneratedAt = time.Now()
	}
	score := 100.0
	recommend := func(p Priority, format string, args ...any) {
		f.Recommendations = append(f.Recommendations, Recommendation{Priority: p, Message: fmt.Sprintf(format, args...)})
	}

	broken, preBroken, scanFailures := 0, 0, 0
	if r.References != nil {
		broken = len(r.References.BrokenReferences)
		preBroken = len(r.References.PreExistingBroken)
		scanFailures = r.References.Summary.ScanFailures
	}
	inconsistencies, unrecorded := 0, 0
	if r.Consistency != nil {
		inconsistencies = len(r.Consistency.Inconsistencies)
		unrecorded = len(r.Consistency.Unrecorded)
	}

	if r.Fatal != "" {
		score -= 40
		f.Blockers = append(f.Blockers, "run aborted: "+r.Fatal)
		recommend(PriorityHigh, "fix the fatal error and rerun with the resume file")
	}
	if r.Interrupted {
		score -= 25
		f.Blockers = append(f.Blockers, "run was interrupted before all images were handled")
		recommend(PriorityHigh, "resume the run to finish the remaining images")
	}
	if broken > 0 {
		score -= min(30, 10*float64(broken))
		f.Blockers = append(f.Blockers, fmt.Sprintf("%d image reference(s) no longer resolve", broken))
		recommend(PriorityHigh, "restore the missing images from the backup folder or update the referencing files")
	}
	if r.PathConsistency != nil && !r.PathConsistency.Consistent {
		score -= 20
		f.Blockers = append(f.Blockers, fmt.Sprintf("image paths changed: %d missing, %d unexpected",
			len(r.PathConsistency.Missing), len(r.PathConsistency.Unexpected)))
		recommend(PriorityHigh, "compare the tree against the latest backup generation")
	}
	if r.ErrorRate > MaxErrorRate {
		f.Blockers = append(f.Blockers, fmt.Sprintf("error rate %.1f%% exceeds %.0f%%", r.ErrorRate*100, MaxErrorRate*100))
	}
	score -= min(40, r.ErrorRate*200)

	if r.Totals.Errors > 0 {
		if r.ErrorRate <= MaxErrorRate {
			f.Warnings = append(f.Warnings, fmt.Sprintf("%d image(s) failed", r.Totals.Errors))
		}
		for _, cat := range sortedKeys(r.ErrorsByCategory) {
			recommend(priorityFor(r.ErrorRate), "%d %s error(s): %s", r.ErrorsByCategory[cat], cat, adviceFor(cat))
		}
	}
	if inconsistencies > 0 {
		score -= min(15, 3*float64(inconsistencies))
		f.Warnings = append(f.Warnings, fmt.Sprintf("%d watermark geometry value(s) outside tolerance", inconsistencies))
		recommend(PriorityMedium, "review the flagged images; extreme sizes hit the font size clamp")
	}
	if unrecorded > 0 {
		f.Warnings = append(f.Warnings, fmt.Sprintf("%d processed image(s) have no geometry record", unrecorded))
	}
	if preBroken > 0 {
		score -= min(5, float64(preBroken))
		f.Warnings = append(f.Warnings, fmt.Sprintf("%d reference(s) were already broken before the run", preBroken))
		recommend(PriorityLow, "fix references that were broken before watermarking")
	}
	if scanFailures > 0 {
		f.Warnings = append(f.Warnings, fmt.Sprintf("%d source file(s) could not be scanned for references", scanFailures))
	}
	if r.DryRun {
		f.Warnings = append(f.Warnings, "dry run: no files were modified")
		if r.Totals.WouldProcess > 0 {
			recommend(PriorityMedium, "run without --dry-run to watermark %d image(s)", r.Totals.WouldProcess)
		}
	}
	if r.Totals.Discovered == 0 {
		f.Warnings = append(f.Warnings, "no images were discovered")
		recommend(PriorityLow, "check the scan roots and excluded directories")
	}
	if r.Totals.Processed > 0 && len(f.Blockers) == 0 {
		recommend(PriorityLow, "prune old backup generations with cleanup-backups once the result is verified")
	}

	sort.SliceStable(f.Recommendations, func(i, j int) bool {
		return priorityRank[f.Recommendations[i].Priority] < priorityRank[f.Recommendations[j].Priority]
	})

	f.QualityScore = int(max(0, min(100, score)) + 0.5)
	switch {
	case len(f.Blockers) > 0:
		f.Verdict = VerdictNotReady
	case len(f.Warnings) > 0:
		f.Verdict = VerdictReadyWithWarnings
	default:
		f.Verdict = VerdictReady
	}

	success := 1.0
	if n := r.Totals.Attempted(); n > 0 {
		success = float64(r.Totals.Processed+r.Totals.Skipped) / float64(n)
	}
	f.Summary = ExecutiveSummary{
		Verdict:          f.Verdict,
		QualityScore:     f.QualityScore,
		Discovered:       r.Totals.Discovered,
		Processed:        r.Totals.Processed,
		Skipped:          r.Totals.Skipped,
		Errors:           r.Totals.Errors,
		SuccessRate:      success,
		BrokenReferences: broken,
		Inconsistencies:  inconsistencies,
		DurationSec:      r.DurationSec,
		Blockers:         len(f.Blockers),
		Warnings:         len(f.Warnings),
	}
	return f
}

func priorityFor(errorRate float64) Priority {
	if errorRate > MaxErrorRate {
		return PriorityHigh
	}
	return PriorityMedium
}

func adviceFor(category string) string {
	switch category {
	case "format":
		return "convert or exclude unsupported files"
	case "corruption", "integrity":
		return "replace the damaged source files"
	case "permission":
		return "check file ownership and write permissions"
	case "storage":
		return "free disk space"
	case "memory":
		return "lower the batch size or concurrency"
	case "preservation":
		return "inspect the re-encoded output of these formats"
	default:
		return "see the detailed log"
	}
}

// RenderText human readable rendering of the final report and its run report
func RenderText(r Report, f FinalReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "=== Brandmark final report ===\n")
	fmt.Fprintf(&b, "Run:        %s\n", r.RunID)
	fmt.Fprintf(&b, "Root:       %s\n", r.Root)
	fmt.Fprintf(&b, "Generated:  %s\n", f.GeneratedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "Duration:   %.1fs\n", r.DurationSec)
	if r.DryRun {
		fmt.Fprintf(&b, "Mode:       dry run\n")
	}
	fmt.Fprintf(&b, "\nVerdict:    %s\n", f.Verdict)
	fmt.Fprintf(&b, "Score:      %d/100\n", f.QualityScore)

	fmt.Fprintf(&b, "\n=== Totals ===\n")
	fmt.Fprintf(&b, "Discovered: %d\n", r.Totals.Discovered)
	fmt.Fprintf(&b, "Processed:  %d\n", r.Totals.Processed)
	fmt.Fprintf(&b, "Skipped:    %d\n", r.Totals.Skipped)
	fmt.Fprintf(&b, "Errors:     %d (%.1f%%)\n", r.Totals.Errors, r.ErrorRate*100)
	if r.DryRun {
		fmt.Fprintf(&b, "Would process: %d\n", r.Totals.WouldProcess)
	}

	if len(r.ByFormat) > 0 {
		fmt.Fprintf(&b, "\n=== By format ===\n")
		formats := make([]string, 0, len(r.ByFormat))
		for k := range r.ByFormat {
			formats = append(formats, k)
		}
		sort.Strings(formats)
		for _, k := range formats {
			s := r.ByFormat[k]
			fmt.Fprintf(&b, "%-6s %4d files, %d processed, %d skipped, %d errors\n", k, s.Count, s.Processed, s.Skipped, s.Errors)
		}
	}
	if len(r.SkipsByReason) > 0 {
		fmt.Fprintf(&b, "\n=== Skips ===\n")
		for _, k := range sortedKeys(r.SkipsByReason) {
			fmt.Fprintf(&b, "%4d  %s\n", r.SkipsByReason[k], k)
		}
	}
	if len(r.ErrorsByCategory) > 0 {
		fmt.Fprintf(&b, "\n=== Errors ===\n")
		for _, k := range sortedKeys(r.ErrorsByCategory) {
			fmt.Fprintf(&b, "%4d  %s\n", r.ErrorsByCategory[k], k)
		}
	}
	section := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		fmt.Fprintf(&b, "\n=== %s ===\n", title)
		for _, it := range items {
			fmt.Fprintf(&b, "- %s\n", it)
		}
	}
	section("Blockers", f.Blockers)
	section("Warnings", f.Warnings)
	if len(f.Recommendations) > 0 {
		fmt.Fprintf(&b, "\n=== Recommendations ===\n")
		for i, rec := range f.Recommendations {
			fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, rec.Priority, rec.Message)
		}
	}
	if r.References != nil && len(r.References.BrokenReferences) > 0 {
		fmt.Fprintf(&b, "\n=== Broken references ===\n")
		for _, br := range r.References.BrokenReferences {
			fmt.Fprintf(&b, "%s:%d  %s\n", br.Reference.SourceFile, br.Reference.Line, br.Reference.OriginalReference)
		}
	}
	return b.String()
}
