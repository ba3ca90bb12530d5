// internal/observability/logger_test.go
package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/sag/internal/config"
)

// syncBuffer satisfies zapcore.WriteSyncer for in-memory capture.
type syncBuffer struct {
	bytes.Buffer
}

func (*syncBuffer) Sync() error { return nil }

func TestInitialize(t *testing.T) {
	t.Run("should initialize console logger with colors", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		var buf syncBuffer

		Initialize(config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "sag",
			Colors:      config.ColorConfig{Info: "green"},
		}, &buf)
		GetLogger().Named("couch").Info("Cache hit")
		Sync()

		output := buf.String()
		assert.Contains(t, output, colorGreen+"INFO"+colorReset)
		assert.Contains(t, output, "sag.couch.")
		assert.Contains(t, output, "Cache hit")
	})

	t.Run("should initialize json logger", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		var buf syncBuffer

		Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "sag"}, &buf)
		GetLogger().Warn("Pool exhausted", zap.String("host", "127.0.0.1:5984"))
		Sync()

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "Log output should be valid JSON")
		assert.Equal(t, "WARN", entry["level"])
		assert.Equal(t, "sag", entry["logger"])
		assert.Equal(t, "Pool exhausted", entry["msg"])
		assert.Equal(t, "127.0.0.1:5984", entry["host"])
	})

	t.Run("should write to a log file if configured", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		logFile := filepath.Join(t.TempDir(), "sag.log")

		Initialize(config.LoggerConfig{Level: "debug", Format: "json", LogFile: logFile, MaxSize: 1}, zapcore.AddSync(&bytes.Buffer{}))
		GetLogger().Error("This should go to the file.")
		Sync()

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(content), "This should go to the file.")
	})

	t.Run("should only initialize once", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		var buf syncBuffer

		Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "First"}, &buf)
		first := GetLogger()
		Initialize(config.LoggerConfig{Level: "debug", Format: "json", ServiceName: "Second"}, &buf)
		second := GetLogger()

		assert.Same(t, first, second)
		second.Info("test")
		Sync()
		assert.True(t, strings.Contains(buf.String(), "First"))
		assert.False(t, strings.Contains(buf.String(), "Second"))
	})

	t.Run("should fall back to info on a bad level", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		var buf syncBuffer

		Initialize(config.LoggerConfig{Level: "chatty", Format: "json"}, &buf)
		GetLogger().Debug("hidden")
		GetLogger().Info("shown")
		Sync()

		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "shown")
	})
}

func TestNewLogger_RejectsUnknownLevel(t *testing.T) {
	_, err := NewLogger(config.LoggerConfig{Level: "chatty"}, zapcore.AddSync(&bytes.Buffer{}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid log level "chatty"`)
}

func TestGetLogger(t *testing.T) {
	t.Run("should return a fallback logger if not initialized", func(t *testing.T) {
		ResetForTest()
		require.NotNil(t, GetLogger())
	})

	t.Run("should return the global logger after initialization", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		Initialize(config.LoggerConfig{Level: "info", Format: "json"}, &syncBuffer{})
		assert.Same(t, globalLogger.Load(), GetLogger())
	})
}
