package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggerConfig logging options
type LoggerConfig struct {
	Verbose    bool
	EnableFile bool
	LogLevel   zapcore.Level
	LogDir     string
	Component  string
}

// DefaultLoggerConfig default logging options
func DefaultLoggerConfig() *LoggerConfig {
	return &LoggerConfig{
		EnableFile: true,
		LogLevel:   zapcore.WarnLevel,
		LogDir:     "logs",
		Component:  "brandmark",
	}
}

// ParseLevel maps a config level name to a zap level, defaulting to warn.
func ParseLevel(name string) zapcore.Level {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(name))); err != nil {
		return zapcore.WarnLevel
	}
	return level
}

// NewLogger creates a logger with default options
func NewLogger(verbose bool) (*zap.Logger, error) {
	config := DefaultLoggerConfig()
	config.Verbose = verbose
	return NewLoggerWithConfig(config)
}

// NewLoggerWithConfig builds a tee of a colored console core on stderr and,
// when enabled, a JSON file core that records every level.
func NewLoggerWithConfig(config *LoggerConfig) (*zap.Logger, error) {
	consoleLevel := config.LogLevel
	if config.Verbose {
		consoleLevel = zapcore.DebugLevel
	}

	consoleConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    colorLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout("15:04:05"),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleConfig), zapcore.AddSync(os.Stderr), consoleLevel),
	}

	if config.EnableFile {
		fileConfig := zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		}
		logFile, err := logFilePath(config)
		if err != nil {
			return nil, err
		}
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileConfig), zapcore.AddSync(file), zapcore.DebugLevel))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

func colorLevelEncoder(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	var coloredLevel string
	switch level {
	case zapcore.DebugLevel:
		coloredLevel = color.CyanString("[DEBUG]")
	case zapcore.InfoLevel:
		coloredLevel = color.GreenString("[INFO] ")
	case zapcore.WarnLevel:
		coloredLevel = color.YellowString("[WARN] ")
	case zapcore.ErrorLevel:
		coloredLevel = color.RedString("[ERROR]")
	case zapcore.DPanicLevel, zapcore.PanicLevel:
		coloredLevel = color.MagentaString("[PANIC]")
	case zapcore.FatalLevel:
		coloredLevel = color.RedString("[FATAL]")
	default:
		coloredLevel = level.CapitalString()
	}
	enc.AppendString(coloredLevel)
}

func logFilePath(config *LoggerConfig) (string, error) {
	logDir := config.LogDir
	if logDir == "" {
		logDir = "logs"
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return "", fmt.Errorf("create log dir: %w", err)
	}
	component := config.Component
	if component == "" {
		component = "brandmark"
	}
	return filepath.Join(logDir, component+"_"+time.Now().Format("20060102")+".log"), nil
}

// CreateComponentLogger child logger for a component
func CreateComponentLogger(parent *zap.Logger, component string) *zap.Logger {
	if parent == nil {
		return zap.NewNop()
	}
	return parent.Named(component)
}
