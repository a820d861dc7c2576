package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config application configuration
type Config struct {
	Run         RunConfig         `mapstructure:"run"`
	Discovery   DiscoveryConfig   `mapstructure:"discovery"`
	Detection   DetectionConfig   `mapstructure:"detection"`
	Consistency ConsistencyConfig `mapstructure:"consistency"`
	Backup      BackupConfig      `mapstructure:"backup"`
	Recovery    RecoveryConfig    `mapstructure:"recovery"`
	Report      ReportConfig      `mapstructure:"report"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Performance PerformanceConfig `mapstructure:"performance"`
	Advanced    AdvancedConfig    `mapstructure:"advanced"`
}

// RunConfig options recognized by a pipeline run
type RunConfig struct {
	ContinueOnError    bool   `mapstructure:"continue_on_error"`
	MaxRetries         int    `mapstructure:"max_retries"`
	BatchSize          int    `mapstructure:"batch_size"`
	Parallel           bool   `mapstructure:"parallel"`
	MaxConcurrency     int    `mapstructure:"max_concurrency"`
	DryRun             bool   `mapstructure:"dry_run"`
	Verbose            bool   `mapstructure:"verbose"`
	ResumeFile         string `mapstructure:"resume_file"`
	StyleFile          string `mapstructure:"style_file"`
	LedgerFile         string `mapstructure:"ledger_file"`
	CheckpointInterval int    `mapstructure:"checkpoint_interval"`
	AllowUnprotected   bool   `mapstructure:"allow_unprotected"`
	AssumeYes          bool   `mapstructure:"assume_yes"`
}

// DiscoveryConfig scan roots and exclusions
type DiscoveryConfig struct {
	ProjectsDir    string   `mapstructure:"projects_dir"`
	PublicDir      string   `mapstructure:"public_dir"`
	ExtraRoots     []string `mapstructure:"extra_roots"`
	ExcludeDirs    []string `mapstructure:"exclude_dirs"`
	FallbackToRoot bool     `mapstructure:"fallback_to_root"`
}

// BandConfig near-white pixel band used by the corner heuristics
type BandConfig struct {
	RegionRatio float64 `mapstructure:"region_ratio"`
	Brightness  uint8   `mapstructure:"brightness"`
	MinFraction float64 `mapstructure:"min_fraction"`
	MaxFraction float64 `mapstructure:"max_fraction"`
}

// DetectionConfig watermark detectors
type DetectionConfig struct {
	Primary                 BandConfig `mapstructure:"primary"`
	Duplicate               BandConfig `mapstructure:"duplicate"`
	EnableMarker            bool       `mapstructure:"enable_marker"`
	EnableOCR               bool       `mapstructure:"enable_ocr"`
	SkipSuspectedDuplicates bool       `mapstructure:"skip_suspected_duplicates"`
}

// ConsistencyConfig geometry ratios and batch tolerance
type ConsistencyConfig struct {
	FontSizeRatio float64 `mapstructure:"font_size_ratio"`
	PaddingRatio  float64 `mapstructure:"padding_ratio"`
	Tolerance     float64 `mapstructure:"tolerance"`
	JPEGQuality   int     `mapstructure:"jpeg_quality"`
}

// BackupConfig backup location and retention
type BackupConfig struct {
	Dir             string `mapstructure:"dir"`
	KeepGenerations int    `mapstructure:"keep_generations"`
}

// RecoveryConfig retry backoff and storage threshold
type RecoveryConfig struct {
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	BackoffFactor float64       `mapstructure:"backoff_factor"`
	MinFreeMB     uint64        `mapstructure:"min_free_mb"`
}

// ReportConfig report output
type ReportConfig struct {
	OutputDir    string `mapstructure:"output_dir"`
	WriteMetrics bool   `mapstructure:"write_metrics"`
}

// LoggingConfig logging
type LoggingConfig struct {
	// debug, info, warn, error
	Level      string `mapstructure:"level"`
	EnableFile bool   `mapstructure:"enable_file"`
	LogDir     string `mapstructure:"log_dir"`
}

// PerformanceConfig resource pressure thresholds
type PerformanceConfig struct {
	// percent of physical memory in use above which batches shrink
	MemoryThreshold float64 `mapstructure:"memory_threshold"`
	MinBatchSize    int     `mapstructure:"min_batch_size"`
}

// AdvancedConfig advanced options
type AdvancedConfig struct {
	EnableHotReload bool `mapstructure:"enable_hot_reload"`
}

// Manager viper-backed configuration manager
type Manager struct {
	viper      *viper.Viper
	config     *Config
	logger     *zap.Logger
	mutex      sync.RWMutex
	watchers   []Watcher
	configFile string
}

// Watcher is notified after a successful reload
type Watcher interface {
	OnConfigChange(oldConfig, newConfig *Config) error
}

// ValidationError configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	var builder strings.Builder
	builder.WriteString("invalid config [")
	builder.WriteString(e.Field)
	builder.WriteString("]: ")
	builder.WriteString(e.Message)
	builder.WriteString(" (value: ")
	builder.WriteString(fmt.Sprint(e.Value))
	builder.WriteString(")")
	return builder.String()
}

// NewManager loads configuration from configFile, or from .brandmark.yaml in the
// working or home directory when configFile is empty.
func NewManager(configFile string, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cm := &Manager{
		viper:      viper.New(),
		logger:     logger,
		configFile: configFile,
	}
	if err := cm.load(); err != nil {
		return nil, err
	}
	return cm, nil
}

func (cm *Manager) load() error {
	setDefaultValues(cm.viper)

	if cm.configFile != "" {
		cm.viper.SetConfigFile(cm.configFile)
	} else {
		cm.viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			cm.viper.AddConfigPath(home)
		}
		cm.viper.SetConfigName(".brandmark")
		cm.viper.SetConfigType("yaml")
	}

	cm.viper.SetEnvPrefix("BRANDMARK")
	cm.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	cm.viper.AutomaticEnv()

	if err := cm.viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
		cm.logger.Debug("no config file found, using defaults")
	}

	return cm.reparse()
}

func (cm *Manager) reparse() error {
	var cfg Config
	if err := cm.viper.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return err
	}
	cm.mutex.Lock()
	cm.config = &cfg
	cm.mutex.Unlock()
	return nil
}

// Get returns the current configuration
func (cm *Manager) Get() *Config {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	return cm.config
}

// ConfigFileUsed path of the loaded config file, empty when defaults only
func (cm *Manager) ConfigFileUsed() string {
	return cm.viper.ConfigFileUsed()
}

// Set overrides a single key, used for command-line flags.
func (cm *Manager) Set(key string, value interface{}) error {
	cm.mutex.RLock()
	oldConfig := *cm.config
	cm.mutex.RUnlock()

	prev := cm.viper.Get(key)
	cm.viper.Set(key, value)
	if err := cm.reparse(); err != nil {
		cm.viper.Set(key, prev)
		return err
	}
	cm.notify(&oldConfig, cm.Get())
	return nil
}

// AddWatcher registers a reload watcher
func (cm *Manager) AddWatcher(watcher Watcher) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	cm.watchers = append(cm.watchers, watcher)
}

func (cm *Manager) notify(oldConfig, newConfig *Config) {
	cm.mutex.RLock()
	watchers := append([]Watcher(nil), cm.watchers...)
	cm.mutex.RUnlock()
	for _, watcher := range watchers {
		if err := watcher.OnConfigChange(oldConfig, newConfig); err != nil {
			cm.logger.Error("config watcher failed", zap.Error(err))
		}
	}
}

// EnableHotReload watches the config file and reloads it on change.
// Invalid edits are logged and the previous configuration stays active.
func (cm *Manager) EnableHotReload() {
	if !cm.Get().Advanced.EnableHotReload || cm.viper.ConfigFileUsed() == "" {
		return
	}

	cm.viper.OnConfigChange(func(e fsnotify.Event) {
		cm.logger.Info("config file changed", zap.String("file", e.Name), zap.String("op", e.Op.String()))
		oldConfig := *cm.Get()
		if err := cm.reparse(); err != nil {
			cm.logger.Error("config reload failed", zap.Error(err))
			return
		}
		cm.notify(&oldConfig, cm.Get())
	})
	cm.viper.WatchConfig()
}

// Validate checks value ranges
func Validate(cfg *Config) error {
	if cfg.Run.BatchSize < 1 {
		return &ValidationError{Field: "run.batch_size", Value: cfg.Run.BatchSize, Message: "must be at least 1"}
	}
	if cfg.Run.MaxConcurrency < 1 {
		return &ValidationError{Field: "run.max_concurrency", Value: cfg.Run.MaxConcurrency, Message: "must be at least 1"}
	}
	if cfg.Run.MaxConcurrency > runtime.NumCPU()*8 {
		return &ValidationError{Field: "run.max_concurrency", Value: cfg.Run.MaxConcurrency, Message: "unreasonably high"}
	}
	if cfg.Run.MaxRetries < 0 {
		return &ValidationError{Field: "run.max_retries", Value: cfg.Run.MaxRetries, Message: "must not be negative"}
	}
	if cfg.Run.CheckpointInterval < 1 {
		return &ValidationError{Field: "run.checkpoint_interval", Value: cfg.Run.CheckpointInterval, Message: "must be at least 1"}
	}
	for name, band := range map[string]BandConfig{"detection.primary": cfg.Detection.Primary, "detection.duplicate": cfg.Detection.Duplicate} {
		if band.RegionRatio <= 0 || band.RegionRatio > 0.5 {
			return &ValidationError{Field: name + ".region_ratio", Value: band.RegionRatio, Message: "must be in (0, 0.5]"}
		}
		if band.MinFraction < 0 || band.MaxFraction > 1 || band.MinFraction >= band.MaxFraction {
			return &ValidationError{Field: name, Value: fmt.Sprintf("(%v, %v)", band.MinFraction, band.MaxFraction), Message: "band must satisfy 0 <= min < max <= 1"}
		}
	}
	if cfg.Consistency.FontSizeRatio <= 0 || cfg.Consistency.PaddingRatio < 0 {
		return &ValidationError{Field: "consistency", Value: cfg.Consistency.FontSizeRatio, Message: "ratios must be positive"}
	}
	if cfg.Consistency.Tolerance <= 0 {
		return &ValidationError{Field: "consistency.tolerance", Value: cfg.Consistency.Tolerance, Message: "must be positive"}
	}
	if cfg.Consistency.JPEGQuality < 1 || cfg.Consistency.JPEGQuality > 100 {
		return &ValidationError{Field: "consistency.jpeg_quality", Value: cfg.Consistency.JPEGQuality, Message: "must be in [1, 100]"}
	}
	if cfg.Backup.Dir == "" {
		return &ValidationError{Field: "backup.dir", Value: cfg.Backup.Dir, Message: "must not be empty"}
	}
	if cfg.Backup.KeepGenerations < 1 {
		return &ValidationError{Field: "backup.keep_generations", Value: cfg.Backup.KeepGenerations, Message: "must be at least 1"}
	}
	if cfg.Recovery.BackoffFactor < 1 {
		return &ValidationError{Field: "recovery.backoff_factor", Value: cfg.Recovery.BackoffFactor, Message: "must be at least 1"}
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return &ValidationError{Field: "logging.level", Value: cfg.Logging.Level, Message: "must be one of debug, info, warn, error"}
	}
	if cfg.Performance.MemoryThreshold <= 0 || cfg.Performance.MemoryThreshold > 100 {
		return &ValidationError{Field: "performance.memory_threshold", Value: cfg.Performance.MemoryThreshold, Message: "must be in (0, 100]"}
	}
	return nil
}

// Default returns the built-in configuration
func Default() *Config {
	v := viper.New()
	setDefaultValues(v)
	var cfg Config
	// defaults always decode
	_ = v.Unmarshal(&cfg)
	return &cfg
}
