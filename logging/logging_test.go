package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]zapcore.Level{
		"":      zapcore.InfoLevel,
		"debug": zapcore.DebugLevel,
		"WARN":  zapcore.WarnLevel,
		"-1":    zapcore.DebugLevel,
		"2":     zapcore.ErrorLevel,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	require.Error(t, err)
	_, err = ParseLevel("42")
	require.Error(t, err)
}

func TestNewConsoleOnly(t *testing.T) {
	logger, err := New(DefaultConfig())
	require.NoError(t, err)
	require.True(t, logger.Core().Enabled(zapcore.InfoLevel))
	require.False(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNewWritesRotatedFile(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Dir = dir
	cfg.DirJSON = true
	cfg.DirLevel = "debug"

	logger, err := New(cfg)
	require.NoError(t, err)
	logger.Debug("batch executed")
	require.NoError(t, logger.Sync())

	raw, err := os.ReadFile(filepath.Join(dir, "paradigm-engine.log"))
	require.NoError(t, err)
	require.Contains(t, string(raw), `"msg":"batch executed"`)
	require.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNewRejectsBadLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Level = "chatty"
	_, err := New(cfg)
	require.Error(t, err)
}
