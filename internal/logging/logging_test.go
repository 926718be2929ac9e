package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	l, err := New("info", "json", &buf)
	require.NoError(t, err)

	l.Debug("hidden")
	l.Info("operation completed", slog.String("op_id", "op-1"))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "operation completed", rec["msg"])
	assert.Equal(t, "op-1", rec["op_id"])
}

func TestNew_Text(t *testing.T) {
	var buf bytes.Buffer
	l, err := New("debug", "text", &buf)
	require.NoError(t, err)
	l.Debug("worker batch done", slog.Int("claimed", 2))
	assert.Contains(t, buf.String(), "claimed=2")
}

func TestNew_Invalid(t *testing.T) {
	_, err := New("loud", "json", &bytes.Buffer{})
	assert.Error(t, err)
	_, err = New("info", "xml", &bytes.Buffer{})
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}
