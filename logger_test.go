package pipedrive

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, "debug")

	logger.Debug("Cache hit", "requestID", "req-1", "cacheKey", "GET:/deals")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "debug", line["level"])
	assert.Equal(t, "Cache hit", line["message"])
	assert.Equal(t, "req-1", line["requestID"])
	assert.Equal(t, "GET:/deals", line["cacheKey"])
	assert.Equal(t, "pipedrive", line["component"])
}

func TestJSONLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, "warn")

	logger.Debug("hidden")
	logger.Info("hidden")
	assert.Zero(t, buf.Len())

	logger.Warn("shown")
	logger.Error("shown")
	assert.Equal(t, 2, bytes.Count(buf.Bytes(), []byte("\n")))
}

func TestJSONLoggerUnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, "chatty")

	logger.Debug("hidden")
	assert.Zero(t, buf.Len())
	logger.Info("shown")
	assert.NotZero(t, buf.Len())
}

func TestNopLogger(t *testing.T) {
	var logger Logger = NopLogger{}
	logger.Debug("debug message", "k", 1)
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")
}

func TestDefaultDebugConfig(t *testing.T) {
	cfg := DefaultDebugConfig()
	assert.False(t, cfg.Enabled)
	assert.True(t, cfg.LogRequests && cfg.LogCache && cfg.LogRetries && cfg.LogRateLimit)
	require.NotNil(t, cfg.RequestIDGen)
	assert.NotEqual(t, cfg.RequestIDGen(), cfg.RequestIDGen())
}
