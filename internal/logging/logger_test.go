package logging

import (
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_Production_JSONHandler(t *testing.T) {
	logger, err := NewLogger("production", "")
	require.NoError(t, err)

	_, ok := logger.Handler().(*slog.JSONHandler)
	assert.True(t, ok, "production logger should use JSONHandler, got %T", logger.Handler())
}

func TestNewLogger_Development_TextHandler(t *testing.T) {
	logger, err := NewLogger("development", "")
	require.NoError(t, err)

	_, ok := logger.Handler().(*slog.TextHandler)
	assert.True(t, ok, "development logger should use TextHandler, got %T", logger.Handler())
}

func TestNewLogger_Production_InfoLevel(t *testing.T) {
	logger, err := NewLogger("production", "")
	require.NoError(t, err)
	assert.True(t, logger.Handler().Enabled(nil, slog.LevelInfo))
	assert.False(t, logger.Handler().Enabled(nil, slog.LevelDebug))
}

func TestNewLogger_Development_DebugLevel(t *testing.T) {
	logger, err := NewLogger("", "")
	require.NoError(t, err)
	assert.True(t, logger.Handler().Enabled(nil, slog.LevelDebug))
}

func TestNewLogger_LogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.log")
	logger, err := NewLogger("development", path)
	require.NoError(t, err)

	logger.Info("hello")
	assert.FileExists(t, path)
}

func TestNewLogger_LogFile_BadPath(t *testing.T) {
	_, err := NewLogger("development", filepath.Join(t.TempDir(), "missing", "session.log"))
	assert.Error(t, err)
}
