package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	prev := Logger()
	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		SetLogger(prev)
		zerolog.SetGlobalLevel(prevLevel)
	})

	var buf bytes.Buffer
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	SetLogger(zerolog.New(&buf))
	return &buf
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	return entry
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, parseLevel("warning"))
	assert.Equal(t, zerolog.Disabled, parseLevel("disabled"))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("bogus"))
}

func TestCtxAddsCorrelationID(t *testing.T) {
	buf := captureLogs(t)

	ctx := ContextWithCorrelationID(context.Background(), "abcd1234")
	Ctx(ctx).Info().Msg("hello")

	entry := decodeLine(t, buf)
	assert.Equal(t, "abcd1234", entry["correlation_id"])
	assert.Equal(t, "hello", entry["message"])
}

func TestGenerateCorrelationID(t *testing.T) {
	a := GenerateCorrelationID()
	b := GenerateCorrelationID()
	assert.Len(t, a, 8)
	assert.NotEqual(t, a, b)

	ctx := ContextWithNewCorrelationID(context.Background())
	assert.Len(t, CorrelationIDFromContext(ctx), 8)
	assert.Empty(t, CorrelationIDFromContext(context.Background()))
}

func TestWithComponent(t *testing.T) {
	buf := captureLogs(t)

	l := WithComponent("refresh")
	l.Warn().Msg("x")

	entry := decodeLine(t, buf)
	assert.Equal(t, "refresh", entry["component"])
	assert.Equal(t, "warn", entry["level"])
}

func TestSlogHandlerForwardsAttrs(t *testing.T) {
	buf := captureLogs(t)

	logger := NewSlogLogger().WithGroup("svc").With("name", "scheduler")
	logger.Error("service failed", "err", errors.New("boom"), "restarts", 2)

	entry := decodeLine(t, buf)
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "service failed", entry["message"])
	assert.Equal(t, "scheduler", entry["svc.name"])
	assert.Equal(t, "boom", entry["svc.err"])
	assert.EqualValues(t, 2, entry["svc.restarts"])
}

func TestSlogHandlerEnabled(t *testing.T) {
	captureLogs(t)
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	h := NewSlogHandler()
	assert.False(t, h.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, h.Enabled(context.Background(), slog.LevelError))
}
