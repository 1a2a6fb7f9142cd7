package infrastructure

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygate/internal/shared/testutil"
)

func TestTraceHandlerInjectsTraceID(t *testing.T) {
	buf := testutil.NewBufferedSlogHandler()
	logger := slog.New(&traceHandler{Handler: buf})

	ctx := WithTraceID(context.Background(), "trace-123")
	logger.InfoContext(ctx, "credential issued")

	records := buf.Records()
	require.Len(t, records, 1)
	assert.True(t, buf.ContainsAttr("trace_id", "trace-123"))
}

func TestTraceHandlerWithoutTraceID(t *testing.T) {
	buf := testutil.NewBufferedSlogHandler()
	logger := slog.New(&traceHandler{Handler: buf})

	logger.InfoContext(context.Background(), "no trace")

	records := buf.Records()
	require.Len(t, records, 1)
	_, ok := records[0].Attrs["trace_id"]
	assert.False(t, ok)
}

func TestTraceHandlerSurvivesWithAttrs(t *testing.T) {
	buf := testutil.NewBufferedSlogHandler()
	logger := slog.New(&traceHandler{Handler: buf}).With(slog.String("component", "engine"))

	logger.InfoContext(WithTraceID(context.Background(), "trace-456"), "derived child")

	assert.True(t, buf.ContainsAttr("component", "engine"))
	assert.True(t, buf.ContainsAttr("trace_id", "trace-456"))
}

func TestGetTraceID(t *testing.T) {
	assert.Equal(t, "", GetTraceID(context.Background()))

	ctx := WithTraceID(context.Background(), "trace-789")
	assert.Equal(t, "trace-789", GetTraceID(ctx))
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "info", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "ERROR", want: slog.LevelError},
		{in: "bogus", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLogLevel(tt.in))
		})
	}
}
