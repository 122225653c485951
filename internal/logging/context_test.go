package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", RunID(ctx))
	assert.Equal(t, "", ImageID(ctx))
	assert.Equal(t, "", StepID(ctx))

	ctx = WithRunID(ctx, "run-1")
	ctx = WithImageID(ctx, "cat.png")
	ctx = WithStepID(ctx, "upscale")

	assert.Equal(t, "run-1", RunID(ctx))
	assert.Equal(t, "cat.png", ImageID(ctx))
	assert.Equal(t, "upscale", StepID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ctx := WithStepID(WithRunID(context.Background(), "run-9"), "blur")
	LogWith(ctx, logger).Info("hello")

	out := buf.String()
	assert.Contains(t, out, "run_id=run-9")
	assert.Contains(t, out, "step_id=blur")
	assert.NotContains(t, out, "image_id")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := New("debug", "json", &buf)

	ctx := WithImageID(WithRunID(context.Background(), "run-2"), "dog.jpg")
	logger.With("component", "runner").DebugContext(ctx, "step started")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "run-2", rec["run_id"])
	assert.Equal(t, "dog.jpg", rec["image_id"])
	assert.Equal(t, "runner", rec["component"])
	assert.Equal(t, "DEBUG", rec["level"])
}

func TestNew_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New("warn", "text", &buf)

	logger.Info("dropped")
	logger.Warn("kept")

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}
