package logger

import (
	"bytes"
	"log/slog"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLoggerEmitsStructuredRecords(t *testing.T) {
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo)
	log.Info("stage finished", "stage", "search", "nodes", 4)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "stage finished", record["msg"])
	assert.Equal(t, "search", record["stage"])
	assert.Equal(t, float64(4), record["nodes"])
}

func TestJSONLoggerHonorsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelWarn)
	log.Info("dropped")
	assert.Zero(t, buf.Len())

	log.Warn("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestWithAttachesContext(t *testing.T) {
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo).With("node", "conv1")
	log.Info("quantized")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "conv1", record["node"])
}

func TestDiscardDropsEverything(t *testing.T) {
	log := Discard()
	// Must not panic and must accept every level.
	log.Debug("a")
	log.Info("b")
	log.Warn("c")
	log.Error("d")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("anything else"))
}
