package pipeline

import (
	"path/filepath"

	"brandmark/config"
	"brandmark/core/discovery"
	"brandmark/core/references"
)

// Options settings of one run
type Options struct {
	ContinueOnError bool
	MaxRetries      int
	BatchSize       int
	Parallel        bool
	MaxConcurrency  int
	DryRun          bool
	Verbose         bool
	// relative paths resolve against the run root; empty disables
	ResumeFile string
	LedgerFile string
	// files between periodic snapshots; <= 0 saves only after each batch
	CheckpointInterval int
	AllowUnprotected   bool

	SkipSuspectedDuplicates bool

	BackupDir       string
	KeepGenerations int

	ReportDir    string
	WriteMetrics bool

	// percent of physical memory in use that shrinks the batch size; 0 disables
	MemoryThreshold float64
	MinBatchSize    int

	Discovery  discovery.Options
	References references.Options
}

// OptionsFromConfig run options from the loaded configuration
func OptionsFromConfig(cfg *config.Config) Options {
	disc := discovery.Options{
		ProjectsDir:    cfg.Discovery.ProjectsDir,
		PublicDir:      cfg.Discovery.PublicDir,
		ExtraRoots:     cfg.Discovery.ExtraRoots,
		ExcludeDirs:    cfg.Discovery.ExcludeDirs,
		BackupDir:      cfg.Backup.Dir,
		FallbackToRoot: cfg.Discovery.FallbackToRoot,
	}
	refs := references.DefaultOptions()
	refs.PublicDir = cfg.Discovery.PublicDir
	refs.ExcludeDirs = cfg.Discovery.ExcludeDirs
	refs.BackupDir = cfg.Backup.Dir

	return Options{
		ContinueOnError:         cfg.Run.ContinueOnError,
		MaxRetries:              cfg.Run.MaxRetries,
		BatchSize:               cfg.Run.BatchSize,
		Parallel:                cfg.Run.Parallel,
		MaxConcurrency:          cfg.Run.MaxConcurrency,
		DryRun:                  cfg.Run.DryRun,
		Verbose:                 cfg.Run.Verbose,
		ResumeFile:              cfg.Run.ResumeFile,
		LedgerFile:              cfg.Run.LedgerFile,
		CheckpointInterval:      cfg.Run.CheckpointInterval,
		AllowUnprotected:        cfg.Run.AllowUnprotected,
		SkipSuspectedDuplicates: cfg.Detection.SkipSuspectedDuplicates,
		BackupDir:               cfg.Backup.Dir,
		KeepGenerations:         cfg.Backup.KeepGenerations,
		ReportDir:               cfg.Report.OutputDir,
		WriteMetrics:            cfg.Report.WriteMetrics,
		MemoryThreshold:         cfg.Performance.MemoryThreshold,
		MinBatchSize:            cfg.Performance.MinBatchSize,
		Discovery:               disc,
		References:              refs,
	}
}

// DefaultOptions options of the default configuration
func DefaultOptions() Options {
	return OptionsFromConfig(config.Default())
}

func (o Options) normalized() Options {
	if o.BatchSize < 1 {
		o.BatchSize = 10
	}
	if o.MaxConcurrency < 1 {
		o.MaxConcurrency = 4
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.MinBatchSize < 1 {
		o.MinBatchSize = 1
	}
	if o.BackupDir == "" {
		o.BackupDir = ".watermark-backups"
	}
	if o.Discovery.BackupDir == "" {
		o.Discovery.BackupDir = o.BackupDir
	}
	if o.References.BackupDir == "" {
		o.References.BackupDir = o.BackupDir
	}
	if o.References.PublicDir == "" {
		o.References.PublicDir = "public"
	}
	return o
}

// resolve makes a relative path absolute against root
func resolve(root, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}
