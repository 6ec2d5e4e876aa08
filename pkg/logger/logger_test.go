package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/koopa0/system-design/link-rotator/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}

	for in, want := range tests {
		assert.Equal(t, want, logger.ParseLevel(in), "level %q", in)
	}
}

func TestContextHandler_AddsRequestIDAndEntity(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewWithWriter(&buf, logger.Options{Level: "debug", Format: "json"})

	ctx := logger.WithRequestID(context.Background(), "req-123")
	ctx = logger.WithEntity(ctx, "Hero")
	log.With("component", "test").InfoContext(ctx, "click recorded")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))

	assert.Equal(t, "click recorded", line["msg"])
	assert.Equal(t, "req-123", line["request_id"])
	assert.Equal(t, "Hero", line["entity"])
	assert.Equal(t, "test", line["component"])
	assert.Regexp(t, `^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\.\d{3}$`, line["time"])
}

func TestRequestID(t *testing.T) {
	assert.Empty(t, logger.RequestID(context.Background()))
	assert.Equal(t, "abc", logger.RequestID(logger.WithRequestID(context.Background(), "abc")))
}
