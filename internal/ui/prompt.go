package ui

import (
	"fmt"
	"os"
	"sort"

	"brandmark/core/formats"
	"brandmark/core/pipeline"

	"github.com/manifoldco/promptui"
	"github.com/pterm/pterm"
	"golang.org/x/term"
)

// IsInteractive reports whether stdin and stdout are both terminals
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// TerminalWidth width of stdout, capped at 120; 80 when unknown
func TerminalWidth() int {
	if term.IsTerminal(int(os.Stdout.Fd())) {
		if width, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && width > 0 {
			return min(width, 120)
		}
	}
	return 80
}

// PlanTable rows describing a plan, formats sorted by count
func PlanTable(plan pipeline.Plan) pterm.TableData {
	data := pterm.TableData{{"Format", "Images"}}
	keys := make([]formats.Format, 0, len(plan.ByFormat))
	for f := range plan.ByFormat {
		keys = append(keys, f)
	}
	sort.Slice(keys, func(i, j int) bool {
		if plan.ByFormat[keys[i]] != plan.ByFormat[keys[j]] {
			return plan.ByFormat[keys[i]] > plan.ByFormat[keys[j]]
		}
		return keys[i] < keys[j]
	})
	for _, f := range keys {
		data = append(data, []string{string(f), fmt.Sprint(plan.ByFormat[f])})
	}
	data = append(data, []string{"total", fmt.Sprint(plan.Images)})
	return data
}

// ConfirmPlan shows the plan and asks before any file is modified
func ConfirmPlan(plan pipeline.Plan) bool {
	verb := "Watermark"
	if plan.Resumed {
		verb = "Resume watermarking"
	}
	pterm.DefaultSection.Println(fmt.Sprintf("%s %d image(s) under %s", verb, plan.Images, plan.Root))
	_ = pterm.DefaultTable.WithHasHeader().WithData(PlanTable(plan)).Render()
	pterm.Info.Printfln("%.1f MB in total, originals backed up to %s", float64(plan.TotalBytes)/(1<<20), plan.BackupDir)
	if plan.References > 0 {
		pterm.Info.Printfln("%d image reference(s) in source files will be checked afterwards", plan.References)
	}

	prompt := promptui.Prompt{
		Label:     "Proceed",
		IsConfirm: true,
	}
	_, err := prompt.Run()
	return err == nil
}
