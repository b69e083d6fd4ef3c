package app

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/chippool/config"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

func TestNewLoggerLevels(t *testing.T) {
	logger, _, err := NewLogger(config.LogConfig{Mode: "production"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))

	logger, _, err = NewLogger(config.LogConfig{Mode: "production", Level: "debug"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	_, _, err = NewLogger(config.LogConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestNewLoggerFileMode(t *testing.T) {
	file := filepath.Join(t.TempDir(), "chippool.log")
	logger, closer, err := NewLogger(config.LogConfig{Mode: "production", FileEnable: true, Filename: file, MaxSizeMB: 1})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.IsType(t, &lumberjack.Logger{}, closer)
	require.NoError(t, closer.Close())
}
