package ui

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"brandmark/core/pipeline"

	"github.com/pterm/pterm"
)

var spinnerChars = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// ProgressBar renders pipeline progress with a pterm progress bar. The bar
// starts on the first update so a run that finds nothing draws nothing.
type ProgressBar struct {
	mu         sync.Mutex
	title      string
	enabled    bool
	bar        *pterm.ProgressbarPrinter
	current    int
	lastUpdate time.Time
	finished   bool
}

// NewProgressBar creates a bar; a disabled bar ignores every update
func NewProgressBar(title string, enabled bool) *ProgressBar {
	return &ProgressBar{title: title, enabled: enabled}
}

// Update implements pipeline.ProgressFunc
func (p *ProgressBar) Update(pr pipeline.Progress) {
	if !p.enabled {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished || pr.Total <= 0 {
		return
	}

	if p.bar == nil {
		bar, err := pterm.DefaultProgressbar.WithTotal(pr.Total).WithTitle(p.title).Start()
		if err != nil {
			p.enabled = false
			return
		}
		bar.BarStyle = &pterm.Style{pterm.FgLightBlue, pterm.BgDefault}
		bar.TitleStyle = &pterm.Style{pterm.FgLightCyan, pterm.Bold}
		bar.BarCharacter = "█"
		bar.LastCharacter = "█"
		bar.ElapsedTimeRoundingFactor = time.Second
		bar.ShowCount = true
		bar.ShowElapsedTime = true
		p.bar = bar
	}

	now := time.Now()
	if pr.Done != p.current || now.Sub(p.lastUpdate) >= 100*time.Millisecond {
		p.bar.UpdateTitle(progressTitle(p.title, pr, now))
		p.lastUpdate = now
	}
	if delta := pr.Done - p.current; delta > 0 {
		p.bar.Add(delta)
		p.current = pr.Done
	}
}

// progressTitle title line: file in flight, percentage and ETA
func progressTitle(title string, pr pipeline.Progress, now time.Time) string {
	var b strings.Builder
	b.WriteString(title)
	if pr.Current != "" {
		b.WriteString(" ")
		b.WriteString(truncate(filepath.Base(pr.Current), 32))
	}
	b.WriteString(" ")
	b.WriteString(spinnerChars[int(now.UnixNano()/100_000_000)%len(spinnerChars)])
	b.WriteString(" [")
	b.WriteString(strconv.FormatFloat(float64(pr.Done)/float64(pr.Total)*100, 'f', 1, 64))
	b.WriteString("%]")
	if pr.Remaining > 0 {
		fmt.Fprintf(&b, " eta %s", pr.Remaining.Round(time.Second))
	}
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// Finish stops the bar
func (p *ProgressBar) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	p.finished = true
	if p.bar != nil {
		p.bar.UpdateTitle(p.title + " ✓")
		_, _ = p.bar.Stop()
	}
}

// Spinner starts a pterm spinner, or returns nil when output is not a terminal
func Spinner(message string, enabled bool) *pterm.SpinnerPrinter {
	if !enabled {
		return nil
	}
	spinner, err := pterm.DefaultSpinner.Start(message)
	if err != nil {
		return nil
	}
	spinner.Sequence = spinnerChars
	spinner.Style = &pterm.Style{pterm.FgCyan}
	spinner.MessageStyle = &pterm.Style{pterm.FgLightWhite}
	return spinner
}
