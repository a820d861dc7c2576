// Package cmd is the brandmark command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"brandmark/config"
	"brandmark/internal/logger"
	"brandmark/internal/version"
)

var (
	cfgFile string
	verbose bool

	log *zap.Logger
	mgr *config.Manager
)

var rootCmd = &cobra.Command{
	Use:   "brandmark",
	Short: "Brandmark - batch image watermarking",
	Long: `Brandmark stamps a text watermark onto every image of a web project.

Images are discovered under projects/* and public/, backed up, watermarked in
place and verified. Source files referencing the images are checked afterwards
so that no page ends up with a broken image.

Supported formats: JPEG, PNG, GIF, WebP, BMP, TIFF and SVG (rasterized).`,
	Version:           version.GetVersion(),
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initConfig,
	PersistentPostRun: func(*cobra.Command, []string) {
		if log != nil {
			_ = log.Sync()
		}
	},
}

// Execute runs the root command and returns the process exit code
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return exitCode(err)
	}
	return 0
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./.brandmark.yaml or $HOME/.brandmark.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	rootCmd.AddCommand(runCmd, verifyRefsCmd, cleanupCmd, statusCmd, versionCmd)
}

// initConfig loads configuration, applies changed flags over it and builds
// the logger
func initConfig(cmd *cobra.Command, _ []string) error {
	var err error
	mgr, err = config.NewManager(cfgFile, zap.NewNop())
	if err != nil {
		return err
	}
	if err := applyFlags(cmd, mgr); err != nil {
		return err
	}
	cfg := mgr.Get()

	logCfg := logger.DefaultLoggerConfig()
	logCfg.Verbose = verbose || cfg.Run.Verbose
	logCfg.LogLevel = logger.ParseLevel(cfg.Logging.Level)
	logCfg.EnableFile = cfg.Logging.EnableFile
	logCfg.LogDir = cfg.Logging.LogDir
	log, err = logger.NewLoggerWithConfig(logCfg)
	if err != nil {
		return err
	}

	log.Debug("brandmark initialized",
		zap.String("version", version.GetVersion()),
		zap.String("config_file", mgr.ConfigFileUsed()))
	return nil
}

// flagKeys maps command flags onto configuration keys
var flagKeys = map[string]string{
	"continue-on-error": "run.continue_on_error",
	"max-retries":       "run.max_retries",
	"batch-size":        "run.batch_size",
	"parallel":          "run.parallel",
	"max-concurrency":   "run.max_concurrency",
	"dry-run":           "run.dry_run",
	"verbose":           "run.verbose",
	"resume-file":       "run.resume_file",
	"style":             "run.style_file",
	"yes":               "run.assume_yes",
	"allow-unprotected": "run.allow_unprotected",
	"report-dir":        "report.output_dir",
	"keep":              "backup.keep_generations",
}

// applyFlags copies every flag the user set onto the configuration, so
// flags win over the config file and the environment
func applyFlags(cmd *cobra.Command, m *config.Manager) error {
	for name, key := range flagKeys {
		f := cmd.Flags().Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		var value interface{}
		switch f.Value.Type() {
		case "bool":
			value, _ = cmd.Flags().GetBool(name)
		case "int":
			value, _ = cmd.Flags().GetInt(name)
		default:
			value = f.Value.String()
		}
		if err := m.Set(key, value); err != nil {
			return fmt.Errorf("--%s: %w", name, err)
		}
	}
	return nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Println("brandmark " + version.GetFullVersionInfo())
	},
}
