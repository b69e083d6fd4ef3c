package app

import (
	"io"
	"os"

	"github.com/talkincode/chippool/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewLogger builds the process logger. Production mode logs JSON; with
// FileEnable a rotated JSON file is written next to the console output.
// The closer releases the rotated file.
func NewLogger(cfg config.LogConfig) (*zap.Logger, io.Closer, error) {
	zcfg := zap.NewDevelopmentConfig()
	if cfg.Mode == "production" {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.OutputPaths = []string{"stdout"}
	if cfg.Level != "" {
		lvl, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, nil, err
		}
		zcfg.Level = lvl
	}
	if !cfg.FileEnable {
		logger, err := zcfg.Build(zap.AddCaller())
		return logger, nopCloser{}, err
	}

	console := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	if cfg.Mode == "production" {
		console = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	}
	rotated := &lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}
	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), zapcore.AddSync(rotated), zcfg.Level),
		zapcore.NewCore(console, zapcore.AddSync(os.Stdout), zcfg.Level),
	)
	return zap.New(core, zap.AddCaller()), rotated, nil
}
