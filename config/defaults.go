package config

import "github.com/spf13/viper"

// setDefaultValues registers every default in one place
func setDefaultValues(v *viper.Viper) {
	setRunDefaults(v)
	setDiscoveryDefaults(v)
	setDetectionDefaults(v)
	setConsistencyDefaults(v)
	setBackupDefaults(v)

	v.SetDefault("recovery.base_delay", "500ms")
	v.SetDefault("recovery.max_delay", "10s")
	v.SetDefault("recovery.backoff_factor", 2.0)
	v.SetDefault("recovery.min_free_mb", 100)

	v.SetDefault("report.output_dir", ".")
	v.SetDefault("report.write_metrics", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.enable_file", true)
	v.SetDefault("logging.log_dir", "logs")

	v.SetDefault("performance.memory_threshold", 90.0)
	v.SetDefault("performance.min_batch_size", 1)

	v.SetDefault("advanced.enable_hot_reload", false)
}

func setRunDefaults(v *viper.Viper) {
	v.SetDefault("run.continue_on_error", true)
	v.SetDefault("run.max_retries", 3)
	v.SetDefault("run.batch_size", 10)
	v.SetDefault("run.parallel", false)
	v.SetDefault("run.max_concurrency", 4)
	v.SetDefault("run.dry_run", false)
	v.SetDefault("run.verbose", false)
	v.SetDefault("run.resume_file", ".watermark-resume.json")
	v.SetDefault("run.style_file", "")
	v.SetDefault("run.ledger_file", ".watermark-ledger.db")
	v.SetDefault("run.checkpoint_interval", 10)
	v.SetDefault("run.allow_unprotected", false)
	v.SetDefault("run.assume_yes", false)
}

func setDiscoveryDefaults(v *viper.Viper) {
	v.SetDefault("discovery.projects_dir", "projects")
	v.SetDefault("discovery.public_dir", "public")
	v.SetDefault("discovery.extra_roots", []string{})
	v.SetDefault("discovery.exclude_dirs", []string{})
	v.SetDefault("discovery.fallback_to_root", true)
}

func setDetectionDefaults(v *viper.Viper) {
	v.SetDefault("detection.primary.region_ratio", 0.2)
	v.SetDefault("detection.primary.brightness", 200)
	v.SetDefault("detection.primary.min_fraction", 0.05)
	v.SetDefault("detection.primary.max_fraction", 0.30)

	// duplicate detection looks at all four corners with a wider band
	v.SetDefault("detection.duplicate.region_ratio", 0.2)
	v.SetDefault("detection.duplicate.brightness", 200)
	v.SetDefault("detection.duplicate.min_fraction", 0.03)
	v.SetDefault("detection.duplicate.max_fraction", 0.35)

	v.SetDefault("detection.enable_marker", true)
	v.SetDefault("detection.enable_ocr", false)
	v.SetDefault("detection.skip_suspected_duplicates", false)
}

func setConsistencyDefaults(v *viper.Viper) {
	v.SetDefault("consistency.font_size_ratio", 0.05)
	v.SetDefault("consistency.padding_ratio", 0.02)
	v.SetDefault("consistency.tolerance", 0.10)
	v.SetDefault("consistency.jpeg_quality", 92)
}

func setBackupDefaults(v *viper.Viper) {
	v.SetDefault("backup.dir", ".watermark-backups")
	v.SetDefault("backup.keep_generations", 5)
}
