package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparrowinvest/mfengine/pkg/config"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		wantLevel zerolog.Level
	}{
		{"debug level", "debug", zerolog.DebugLevel},
		{"info level", "info", zerolog.InfoLevel},
		{"warn level", "warn", zerolog.WarnLevel},
		{"error level", "error", zerolog.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := New(&config.Config{Env: "development", LogLevel: tt.level, LogFormat: "json"})
			require.NotNil(t, log)
			assert.Equal(t, tt.wantLevel, zerolog.GlobalLevel())
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"fatal", zerolog.FatalLevel},
		{"panic", zerolog.PanicLevel},
		{"invalid", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLogLevel(tt.input))
		})
	}
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestWithFields(t *testing.T) {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)

	var buf bytes.Buffer
	log := NewWithWriter(&buf)

	log.WithFields(map[string]interface{}{
		"order_id": "ord-1",
		"state":    "PLACED",
	}).Info("transition applied")

	entry := decodeLine(t, &buf)
	assert.Equal(t, "ord-1", entry["order_id"])
	assert.Equal(t, "PLACED", entry["state"])
	assert.Equal(t, "transition applied", entry["message"])
	assert.Equal(t, "info", entry["level"])
}

func TestWithError(t *testing.T) {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)

	var buf bytes.Buffer
	log := NewWithWriter(&buf)

	log.WithError(errors.New("gateway unreachable")).Warnf("retry %d", 2)

	entry := decodeLine(t, &buf)
	assert.Equal(t, "gateway unreachable", entry["error"])
	assert.Equal(t, "retry 2", entry["message"])
}

func TestRotatingFile(t *testing.T) {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	path := filepath.Join(t.TempDir(), "engine.log")
	log := New(&config.Config{
		Env:           "development",
		LogLevel:      "info",
		LogFormat:     "json",
		LogFile:       path,
		LogMaxSizeMB:  1,
		LogMaxBackups: 1,
		LogMaxAgeDays: 1,
	})

	log.WithField("mandate_id", "m-1").Info("mandate approved")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "mandate approved")
	assert.Contains(t, string(data), `"service":"mfengine"`)
}

func TestNewNop(t *testing.T) {
	// must not panic
	NewNop().WithField("k", "v").Error("discarded")
}
