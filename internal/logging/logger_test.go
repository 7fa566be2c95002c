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

func TestContextAttrsAreLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, "info", "json")).With("component", "test")

	ctx := ContextAttrs(context.Background(), slog.String("execution_id", "e1"))
	child := ContextAttrs(ctx, slog.String("script", "backup"))
	sibling := ContextAttrs(ctx, slog.String("script", "restore"))

	logger.InfoContext(child, "started")
	logger.InfoContext(sibling, "started")
	logger.DebugContext(child, "hidden")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var first, second map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &first))
	require.NoError(t, json.Unmarshal(lines[1], &second))
	assert.Equal(t, "e1", first["execution_id"])
	assert.Equal(t, "backup", first["script"])
	assert.Equal(t, "test", first["component"])
	assert.Equal(t, "restore", second["script"])
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		given string
		then  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARNING", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.given, func(t *testing.T) {
			assert.Equal(t, tt.then, parseLevel(tt.given).Level())
		})
	}
}
