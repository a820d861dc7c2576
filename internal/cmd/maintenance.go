package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"brandmark/config"
	"brandmark/core/backup"
	"brandmark/core/discovery"
	"brandmark/core/pipeline"
	"brandmark/core/references"
	"brandmark/core/state"
	"brandmark/core/validation"
	"brandmark/internal/logger"
	"brandmark/internal/ui"
)

var errBrokenReferences = fmt.Errorf("%w: broken image references", errNotReady)

var verifyRefsCmd = &cobra.Command{
	Use:   "verify-refs [root]",
	Short: "List image references in source files that do not resolve",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mgr.Get()
		root, err := filepath.Abs(rootArg(args))
		if err != nil {
			return err
		}
		opts := pipeline.OptionsFromConfig(cfg)
		refLog := logger.CreateComponentLogger(log, "references")

		spinner := ui.Spinner("scanning "+root, ui.IsInteractive())
		images, err := discovery.NewScanner(nil, logger.CreateComponentLogger(log, "discovery"), opts.Discovery).FindAllImages(root)
		if err != nil {
			return err
		}
		v := references.NewValidator(nil, refLog, opts.References)
		scan, err := v.ScanCodeFilesForImageReferences(root)
		if err != nil {
			return err
		}
		res, err := v.ValidateProcessedImageReferences(discovery.Paths(images), root)
		if spinner != nil {
			_ = spinner.Stop()
		}
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%d image(s), %d reference(s) in %d source file(s)\n",
			len(images), scan.Count(), res.Summary.FilesScanned)
		broken := append(append([]references.BrokenReference{}, res.BrokenReferences...), res.PreExistingBroken...)
		for _, b := range broken {
			rel, rerr := filepath.Rel(root, b.Reference.SourceFile)
			if rerr != nil {
				rel = b.Reference.SourceFile
			}
			fmt.Fprintf(out, "%s:%d  %s\n", rel, b.Reference.Line, b.Reference.OriginalReference)
		}
		if len(broken) > 0 {
			return fmt.Errorf("%d reference(s) do not resolve: %w", len(broken), errBrokenReferences)
		}
		fmt.Fprintln(out, "all references resolve")
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup-backups [root]",
	Short: "Delete old backup generations, keeping the newest",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mgr.Get()
		backupLog := logger.CreateComponentLogger(log, "backup")
		engine := validation.NewEngine(logger.CreateComponentLogger(log, "validation"), validation.DefaultOptions(config.DefaultStyle().Text))
		m := backup.NewManager(backupLog, rootArg(args), cfg.Backup.Dir, nil, engine)

		generations, err := m.Generations()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(generations) == 0 {
			fmt.Fprintln(out, "no backups under", m.Dir())
			return nil
		}
		removed, err := m.CleanupBackups(cfg.Backup.KeepGenerations)
		for _, g := range removed {
			fmt.Fprintln(out, "removed", g)
		}
		fmt.Fprintf(out, "%d generation(s) kept in %s\n", len(generations)-len(removed), m.Dir())
		return err
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [root]",
	Short: "Show recorded runs and any pending resume",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mgr.Get()
		root, err := filepath.Abs(rootArg(args))
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		if cfg.Run.ResumeFile != "" {
			resumePath := cfg.Run.ResumeFile
			if !filepath.IsAbs(resumePath) {
				resumePath = filepath.Join(root, resumePath)
			}
			snap, err := pipeline.LoadSnapshot(resumePath)
			switch {
			case err != nil:
				log.Warn("resume file unreadable", zap.Error(err))
			case snap != nil:
				fmt.Fprintf(out, "pending resume from %s: %d done, %d remaining (processed %d, skipped %d, errors %d)\n",
					snap.Timestamp.Local().Format(time.DateTime), snap.CurrentIndex, len(snap.RemainingImages),
					snap.Stats.Processed, snap.Stats.Skipped, snap.Stats.Errors)
			}
		}

		ledgerPath := cfg.Run.LedgerFile
		if ledgerPath == "" {
			return nil
		}
		if !filepath.IsAbs(ledgerPath) {
			ledgerPath = filepath.Join(root, ledgerPath)
		}
		if _, err := os.Stat(ledgerPath); errors.Is(err, os.ErrNotExist) {
			fmt.Fprintln(out, "no runs recorded")
			return nil
		}
		ledger, err := state.Open(ledgerPath, logger.CreateComponentLogger(log, "ledger"))
		if err != nil {
			return err
		}
		defer ledger.Close()

		sessions, err := ledger.Sessions()
		if err != nil {
			return err
		}
		_ = pterm.DefaultTable.WithHasHeader().WithWriter(out).WithData(sessionTable(sessions)).Render()

		showFailed, _ := cmd.Flags().GetBool("failed")
		if !showFailed || len(sessions) == 0 {
			return nil
		}
		files, err := ledger.Files(sessions[0].ID)
		if err != nil {
			return err
		}
		for _, f := range files {
			if f.Status == state.StatusFailed {
				fmt.Fprintf(out, "%s  [%s] %s\n", f.Path, f.Category, f.Message)
			}
		}
		return nil
	},
}

func sessionTable(sessions []*state.Session) pterm.TableData {
	data := pterm.TableData{{"Session", "Started", "Total", "Completed", "Skipped", "Failed", "Finished"}}
	for _, s := range sessions {
		data = append(data, []string{
			s.ID[:min(8, len(s.ID))],
			s.StartedAt.Local().Format(time.DateTime),
			fmt.Sprint(s.Total),
			fmt.Sprint(s.Counts[state.StatusCompleted]),
			fmt.Sprint(s.Counts[state.StatusSkipped]),
			fmt.Sprint(s.Counts[state.StatusFailed]),
			fmt.Sprint(s.Finished),
		})
	}
	return data
}

func init() {
	cleanupCmd.Flags().Int("keep", 5, "backup generations to keep")
	statusCmd.Flags().Bool("failed", false, "list failed files of the latest run")
}
