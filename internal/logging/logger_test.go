package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	return rec
}

func TestEmit(t *testing.T) {
	t.Run("key value pairs", func(t *testing.T) {
		var buf bytes.Buffer
		l := zerolog.New(&buf)
		emit(l.Info(), "applied", []any{"addr", "sim_network.net", "attempt", 2})

		rec := record(t, &buf)
		assert.Equal(t, "applied", rec["message"])
		assert.Equal(t, "sim_network.net", rec["addr"])
		assert.Equal(t, float64(2), rec["attempt"])
	})

	t.Run("trailing key without value is dropped", func(t *testing.T) {
		var buf bytes.Buffer
		l := zerolog.New(&buf)
		emit(l.Info(), "partial", []any{"ok", "yes", "dangling"})

		rec := record(t, &buf)
		assert.Equal(t, "yes", rec["ok"])
		assert.NotContains(t, rec, "dangling")
	})

	t.Run("non-string key is skipped", func(t *testing.T) {
		var buf bytes.Buffer
		l := zerolog.New(&buf)
		emit(l.Info(), "odd", []any{42, "ignored", "kept", "value"})

		rec := record(t, &buf)
		assert.Equal(t, "value", rec["kept"])
		assert.Len(t, rec, 3) // level, kept, message
	})
}

func TestInit_Levels(t *testing.T) {
	tests := []struct {
		level    string
		expected zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"bogus", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			Init(tt.level, "json")
			assert.Equal(t, tt.expected, Logger().GetLevel())
		})
	}
}

func TestPackageLevelHelpers(t *testing.T) {
	Init("debug", "json")

	// All four severities route through the shared logger without panicking.
	Debug("debug message", "k", "v")
	Info("info message", "k", "v")
	Warn("warn message", "k", "v")
	Error("error message", "k", "v")
}
