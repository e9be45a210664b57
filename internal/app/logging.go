package app

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"fieldline/internal/config"
)

// LogOptions overrides the logging section of the config.
type LogOptions struct {
	Verbose bool
	// Stderr also writes to stderr when a log file is configured.
	Stderr bool
}

// NewLogger builds the process logger. Output goes to stderr, or to a rotated file
// when cfg.Log.File is set.
func NewLogger(cfg *config.Config, opts LogOptions) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg != nil && cfg.Log.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Log.Level))); err != nil {
			return nil, fmt.Errorf("log level %q: %w", cfg.Log.Level, err)
		}
	}
	if opts.Verbose {
		level = zapcore.DebugLevel
	}
	if cfg == nil || cfg.Log.File == "" {
		zcfg := zap.NewProductionConfig()
		zcfg.Level = zap.NewAtomicLevelAt(level)
		return zcfg.Build()
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		Compress:   true,
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	sink := zapcore.AddSync(rotator)
	if opts.Stderr {
		sink = zapcore.NewMultiWriteSyncer(sink, zapcore.Lock(os.Stderr))
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), sink, level)
	return zap.New(core, zap.AddCaller()), nil
}
