package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZerologLoggerMethods(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	l := NewZerologLogger("test")
	if l == nil {
		t.Fatalf("nil logger")
	}
	l.Debugf("debug %d", 1)
	l.Debugw("debug", map[string]any{"k": 1})
	l.Infof("info %s", "test")
	l.Infow("info", map[string]any{"k": "v"})
	l.Warnf("warn")
	l.Warnw("warn", nil)
	l.Errorf("error")
}

func TestZerologLoggerStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewZerologLoggerWithWriter(&buf, "hub")
	l.Warnw("qg.hub.queue_full", map[string]any{"event": "vehicle_assignment"})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "hub", line["component"])
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "vehicle_assignment", line["event"])
	assert.Equal(t, "qg.hub.queue_full", line["message"])
}

func TestLevelFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	var buf bytes.Buffer
	l := NewZerologLoggerWithWriter(&buf, "lvl")
	l.Infof("hidden")
	assert.Empty(t, buf.String())
	l.Warnf("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestOrNop(t *testing.T) {
	assert.IsType(t, NopLogger{}, OrNop(nil))
	l := NewZerologLogger("x")
	assert.Equal(t, l, OrNop(l))
}

func TestConfigureFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qg.log")
	require.NoError(t, Configure(Options{Level: "info", Format: "json", File: path}))
	t.Cleanup(func() { _ = Configure(Options{}) })

	l := New("proposal")
	l.Debugf("hidden")
	l.Infow("proposal.validated", map[string]any{"proposal_id": "p-1"})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &line))
	assert.Equal(t, "qgdispatch", line["service"])
	assert.Equal(t, "proposal", line["component"])
	assert.Equal(t, "p-1", line["proposal_id"])
	assert.Equal(t, "info", line["level"])
}

func TestOptionsValidate(t *testing.T) {
	assert.NoError(t, Options{}.Validate())
	assert.NoError(t, Options{Level: "WARN", Format: "console"}.Validate())
	assert.Error(t, Options{Level: "loud"}.Validate())
	assert.Error(t, Options{Format: "xml"}.Validate())
	assert.Error(t, Configure(Options{Format: "xml"}))
}
