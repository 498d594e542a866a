// ABOUTME: Tests for logger setup and the color handler
// ABOUTME: Verifies level parsing, attribute rendering, and file rotation wiring

package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("chatty"))
}

func TestColorHandler_RendersAttrs(t *testing.T) {
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = false })

	var buf bytes.Buffer
	logger := slog.New(NewColorHandler(&buf, slog.LevelInfo)).With("component", "driver")

	logger.Debug("hidden")
	logger.Info("exchange finished", "key", "!room:example.org", "chunks", 2)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "INF exchange finished")
	assert.Contains(t, out, "component=driver")
	assert.Contains(t, out, "key=!room:example.org")
	assert.Contains(t, out, "chunks=2")
}

func TestColorHandler_Groups(t *testing.T) {
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = false })

	var buf bytes.Buffer
	logger := slog.New(NewColorHandler(&buf, slog.LevelDebug)).WithGroup("backend")
	logger.Warn("slow", "pid", 42)

	assert.Contains(t, buf.String(), "WRN slow")
	assert.Contains(t, buf.String(), "backend.pid=42")
}

func TestSetup_WritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.log")
	logger, closer := Setup(config.LoggingConfig{Level: "info", Format: "json", File: path})

	logger.Info("to file", "n", 1)
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"to file"`)
}
