package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"brandmark/config"
	"brandmark/core/pipeline"
	"brandmark/core/recovery"
	"brandmark/core/report"
	"brandmark/internal/logger"
	"brandmark/internal/ui"
)

// exit codes
const (
	exitError       = 1
	exitNotReady    = 2
	exitAborted     = 3
	exitInterrupted = 130
)

// errNotReady the run finished but the final report is NOT_READY
var errNotReady = errors.New("final report verdict is NOT_READY")

func exitCode(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrInterrupted):
		return exitInterrupted
	case errors.Is(err, pipeline.ErrAborted):
		return exitAborted
	case errors.Is(err, errNotReady):
		return exitNotReady
	default:
		return exitError
	}
}

var runCmd = &cobra.Command{
	Use:   "run [root]",
	Short: "Watermark every image under root (default: current directory)",
	Long: `Discover, back up, watermark and verify every image of the project at root.

An interrupted run writes a resume file; running the same command again
continues where it stopped. Images that already carry the watermark are
skipped, so repeated runs are safe.

Examples:
  brandmark run ./site
  brandmark run --dry-run ./site
  brandmark run --parallel --max-concurrency 8 --style brand.yaml ./site`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatermark,
}

func init() {
	f := runCmd.Flags()
	f.Bool("continue-on-error", true, "keep going when an image fails")
	f.Int("max-retries", 3, "retries for transient failures")
	f.Int("batch-size", 10, "images per batch")
	f.Bool("parallel", false, "process a batch concurrently")
	f.Int("max-concurrency", 4, "workers when --parallel is set")
	f.Bool("dry-run", false, "report what would be watermarked without changing anything")
	f.String("resume-file", ".watermark-resume.json", "resume snapshot, relative to root")
	f.String("style", "", "watermark style file (JSON or YAML)")
	f.BoolP("yes", "y", false, "do not ask for confirmation")
	f.Bool("allow-unprotected", false, "watermark even when the backup fails")
	f.String("report-dir", ".", "directory for the reports")
}

func rootArg(args []string) string {
	if len(args) == 1 {
		return args[0]
	}
	return "."
}

func runWatermark(cmd *cobra.Command, args []string) error {
	cfg := mgr.Get()
	runLog := logger.CreateComponentLogger(log, "run")

	style, err := config.LoadStyle(cfg.Run.StyleFile, runLog)
	if err != nil {
		runLog.Warn("continuing with the default style", zap.Error(err))
	}

	interactive := ui.IsInteractive()
	bar := ui.NewProgressBar("watermarking", interactive && !verbose && !cfg.Run.Verbose)
	opts := []pipeline.Option{pipeline.WithProgress(bar.Update)}
	if interactive && !cfg.Run.AssumeYes && !cfg.Run.DryRun {
		opts = append(opts, pipeline.WithConfirm(ui.ConfirmPlan))
	}
	system, err := pipeline.New(log, cfg, style, opts...)
	if err != nil {
		return err
	}
	mgr.AddWatcher(system)
	mgr.EnableHotReload()

	ctx, release := pipeline.SignalContext(context.Background(), runLog)
	defer release()

	result, runErr := system.Run(ctx, rootArg(args), pipeline.OptionsFromConfig(cfg))
	bar.Finish()
	if result == nil {
		return runErr
	}
	if errors.Is(runErr, pipeline.ErrAborted) {
		cmd.PrintErrln("aborted, no file was changed")
		return runErr
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, ui.RenderSummary(result.Report, result.Final))
	for _, file := range result.ReportFiles {
		fmt.Fprintln(out, "  wrote", file)
	}

	switch {
	case errors.Is(runErr, pipeline.ErrInterrupted):
		fmt.Fprintf(out, "interrupted with %d image(s) left; run the same command again to resume\n", len(result.Remaining))
		return runErr
	case runErr != nil:
		var rerr *recovery.Error
		if errors.As(runErr, &rerr) {
			runLog.Error("run stopped", zap.String("category", string(rerr.Category)), zap.String("file", rerr.Path))
		}
		return runErr
	case result.Final.Verdict == report.VerdictNotReady:
		return errNotReady
	}
	return nil
}
