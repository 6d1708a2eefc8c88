package logger

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger_Development(t *testing.T) {
	logger := NewLogger("development")
	require.NotNil(t, logger)

	logger.Info("test message")
}

func TestNewLogger_Production(t *testing.T) {
	logger := NewLogger("production")
	require.NotNil(t, logger)

	logger.Info("test message")
}

func TestNewLogger_WithLogLevel(t *testing.T) {
	os.Setenv("LOG_LEVEL", "warn")
	defer os.Unsetenv("LOG_LEVEL")

	logger := NewLogger("production")
	require.NotNil(t, logger)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.WarnLevel))
}

func TestNewLogger_WithInvalidLogLevel(t *testing.T) {
	os.Setenv("LOG_LEVEL", "invalid_level")
	defer os.Unsetenv("LOG_LEVEL")

	// 無効なレベルは無視される
	logger := NewLogger("development")
	require.NotNil(t, logger)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestSet(t *testing.T) {
	originalLogger := Get()
	defer Set(originalLogger)

	newLogger := zap.NewNop()
	Set(newLogger)

	assert.Equal(t, newLogger, Get())
}

func TestForOwner(t *testing.T) {
	originalLogger := Get()
	defer Set(originalLogger)

	core, logs := observer.New(zapcore.DebugLevel)
	Set(zap.New(core))

	ForOwner("u1").Info("hello")

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "hello", entry.Message)
	assert.Equal(t, "u1", entry.ContextMap()["owner_id"])
}

func TestNamed(t *testing.T) {
	originalLogger := Get()
	defer Set(originalLogger)

	core, logs := observer.New(zapcore.DebugLevel)
	Set(zap.New(core))

	Named("sync").Warn("named")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "sync", logs.All()[0].LoggerName)
}

func TestLevelHelpers(t *testing.T) {
	assert.NotPanics(t, func() {
		Info("test info message", zap.String("string_field", "value"))
		Error("test error message", zap.Int("status", 500))
		Debug("test debug message")
		Warn("test warn message")
	})
}

func TestWith(t *testing.T) {
	logger := With(zap.String("key", "value"))
	require.NotNil(t, logger)
}

func TestSync(t *testing.T) {
	assert.NotPanics(t, func() {
		_ = Sync()
	})
}
