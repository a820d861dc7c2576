package ui

import (
	"fmt"
	"sort"
	"strings"

	"brandmark/core/report"

	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"
	"github.com/lucasb-eyer/go-colorful"
)

var (
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#5f87af")).
			Padding(0, 1)
	headStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#87afd7"))
	labelStyle = lipgloss.NewStyle().Width(18).Foreground(lipgloss.Color("#8a8a8a"))
)

// verdictColor colors a verdict the usual way: green, yellow, red
func verdictColor(v report.Verdict) func(a ...interface{}) string {
	switch v {
	case report.VerdictReady:
		return color.New(color.FgGreen, color.Bold).SprintFunc()
	case report.VerdictReadyWithWarnings:
		return color.New(color.FgYellow, color.Bold).SprintFunc()
	default:
		return color.New(color.FgRed, color.Bold).SprintFunc()
	}
}

// scoreColor blends red to green by quality score
func scoreColor(score int) lipgloss.Color {
	bad, _ := colorful.Hex("#d75f5f")
	good, _ := colorful.Hex("#5faf5f")
	t := float64(max(0, min(100, score))) / 100
	return lipgloss.Color(bad.BlendLab(good, t).Clamped().Hex())
}

// scoreBar fixed width gauge of a 0-100 score
func scoreBar(score, width int) string {
	filled := max(0, min(width, score*width/100))
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
	return lipgloss.NewStyle().Foreground(scoreColor(score)).Render(bar)
}

// RenderSummary boxed end-of-run summary for the terminal
func RenderSummary(r report.Report, f report.FinalReport) string {
	row := func(label, value string) string {
		return labelStyle.Render(label) + value
	}

	lines := []string{
		headStyle.Render("Watermark run " + shortID(r.RunID)),
		row("verdict", verdictColor(f.Verdict)(string(f.Verdict))),
		row("quality", fmt.Sprintf("%s %d/100", scoreBar(f.QualityScore, 20), f.QualityScore)),
		row("discovered", fmt.Sprint(r.Totals.Discovered)),
		row("processed", color.GreenString("%d", r.Totals.Processed)),
		row("skipped", fmt.Sprint(r.Totals.Skipped)),
		row("errors", errorCount(r.Totals.Errors)),
	}
	if r.DryRun {
		lines = append(lines, row("would process", fmt.Sprint(r.Totals.WouldProcess)))
	}
	lines = append(lines, row("duration", fmt.Sprintf("%.1fs (%.1f files/s)", r.DurationSec, r.FilesPerSec)))

	if len(r.ErrorsByCategory) > 0 {
		lines = append(lines, "", headStyle.Render("Errors by category"))
		for _, cat := range sortedCounts(r.ErrorsByCategory) {
			lines = append(lines, row(cat, fmt.Sprint(r.ErrorsByCategory[cat])))
		}
	}
	if len(f.Blockers) > 0 {
		lines = append(lines, "", headStyle.Render("Blockers"))
		for _, b := range f.Blockers {
			lines = append(lines, color.RedString("✗ ")+b)
		}
	}
	if len(f.Warnings) > 0 {
		lines = append(lines, "", headStyle.Render("Warnings"))
		for _, w := range f.Warnings {
			lines = append(lines, color.YellowString("! ")+w)
		}
	}
	if len(f.Recommendations) > 0 {
		lines = append(lines, "", headStyle.Render("Next steps"))
		for _, rec := range f.Recommendations {
			lines = append(lines, fmt.Sprintf("[%s] %s", rec.Priority, rec.Message))
		}
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}

func errorCount(n int) string {
	if n == 0 {
		return "0"
	}
	return color.RedString("%d", n)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func sortedCounts(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if m[keys[i]] != m[keys[j]] {
			return m[keys[i]] > m[keys[j]]
		}
		return keys[i] < keys[j]
	})
	return keys
}
