// Package logging builds the zap loggers used across the engine: a console
// core on stderr and, when a directory is configured, a rotated file core.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls console and file logging.
type Config struct {
	Level      string `mapstructure:"level"`
	JSON       bool   `mapstructure:"json"`
	Dir        string `mapstructure:"dir"`
	DirLevel   string `mapstructure:"dir_level"`
	DirJSON    bool   `mapstructure:"dir_json"`
	FilePrefix string `mapstructure:"file_prefix"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// DefaultConfig returns console-only info logging.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		DirLevel:   "info",
		FilePrefix: "paradigm-engine",
		MaxSizeMB:  100, // megabytes
		MaxBackups: 3,
		MaxAgeDays: 28,
	}
}

// New builds a logger from cfg. The console core writes to stderr; a file
// core is added when cfg.Dir is set.
func New(cfg Config) (*zap.Logger, error) {
	consoleLevel, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	cores := []zapcore.Core{
		zapcore.NewCore(encoder(cfg.JSON), zapcore.Lock(os.Stderr), consoleLevel),
	}

	if cfg.Dir != "" {
		dirLevel, err := ParseLevel(cfg.DirLevel)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log dir: %w", err)
		}
		prefix := cfg.FilePrefix
		if prefix == "" {
			prefix = DefaultConfig().FilePrefix
		}
		rotated := &lumberjack.Logger{
			Filename:   filepath.Join(cfg.Dir, prefix+".log"),
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		cores = append(cores, zapcore.NewCore(encoder(cfg.DirJSON), zapcore.AddSync(rotated), dirLevel))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	if cfg.Dir != "" {
		logger.Info("logging to file system",
			zap.String("dir", cfg.Dir),
			zap.String("level", cfg.DirLevel),
			zap.Bool("json", cfg.DirJSON))
	}
	return logger, nil
}

// ParseLevel accepts a level name or its zap numeric value. An empty string
// means info.
func ParseLevel(s string) (zapcore.Level, error) {
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	lvl, err := zapcore.ParseLevel(s)
	if err == nil {
		return lvl, nil
	}
	n, convErr := strconv.Atoi(s)
	if convErr != nil || n < int(zapcore.DebugLevel) || n > int(zapcore.FatalLevel) {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return zapcore.Level(n), nil
}

func encoder(json bool) zapcore.Encoder {
	if json {
		cfg := zap.NewProductionEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		return zapcore.NewJSONEncoder(cfg)
	}
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapcore.NewConsoleEncoder(cfg)
}
