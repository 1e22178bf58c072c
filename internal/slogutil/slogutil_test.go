package slogutil

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/metafs/internal/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestDynamicLeveler(t *testing.T) {
	var zero DynamicLeveler
	assert.Equal(t, slog.LevelInfo, zero.Level())

	dl := NewDynamicLeveler(slog.LevelWarn)
	assert.Equal(t, slog.LevelWarn, dl.Level())

	require.NoError(t, dl.UpdateLevel("debug"))
	assert.Equal(t, slog.LevelDebug, dl.Level())

	assert.Error(t, dl.UpdateLevel("loud"))
	assert.Equal(t, slog.LevelDebug, dl.Level())
}

func TestSetupLogger_LevelChangesAtRuntime(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	var buf bytes.Buffer
	logger, leveler := setupLogger(&buf, config.LogConfig{Level: "info"})

	logger.Debug("hidden")
	assert.Empty(t, buf.String())

	leveler.SetLevel(slog.LevelDebug)
	logger.Debug("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestHandler_AddsContextAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(WrapHandler(slog.NewTextHandler(&buf, nil)))

	ctx := With(context.Background(), "path", "/music/Air")
	logger.InfoContext(ctx, "listing")

	assert.Contains(t, buf.String(), "path=/music/Air")
	assert.Equal(t, map[string]any{"path": "/music/Air"}, Data(ctx))
}
