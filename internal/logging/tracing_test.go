package logging_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/Amund211/fetchcache/internal/logging"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestTracingLogHandler(t *testing.T) {
	t.Parallel()

	decode := func(t *testing.T, buf *bytes.Buffer) map[string]any {
		t.Helper()
		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		return entry
	}

	t.Run("adds span context", func(t *testing.T) {
		t.Parallel()

		buf := &bytes.Buffer{}
		logger := slog.New(logging.NewTracingLogHandler(slog.NewJSONHandler(buf, nil))).With(slog.String("prop", "val"))

		traceID, err := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
		require.NoError(t, err)
		spanID, err := trace.SpanIDFromHex("0102030405060708")
		require.NoError(t, err)

		ctx := trace.ContextWithSpanContext(t.Context(), trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    traceID,
			SpanID:     spanID,
			TraceFlags: trace.FlagsSampled,
		}))

		logger.InfoContext(ctx, "traced")

		entry := decode(t, buf)
		require.Equal(t, "0102030405060708090a0b0c0d0e0f10", entry["trace_id"])
		require.Equal(t, "0102030405060708", entry["span_id"])
		require.Equal(t, true, entry["trace_sampled"])
		require.Equal(t, "val", entry["prop"])
	})

	t.Run("no span", func(t *testing.T) {
		t.Parallel()

		buf := &bytes.Buffer{}
		logger := slog.New(logging.NewTracingLogHandler(slog.NewJSONHandler(buf, nil)))

		logger.InfoContext(t.Context(), "untraced")

		entry := decode(t, buf)
		require.NotContains(t, entry, "trace_id")
		require.NotContains(t, entry, "span_id")
	})
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	t.Run("file output", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "logs", "fetchcache.log")
		logger, closer, err := logging.NewLogger(path, slog.LevelInfo)
		require.NoError(t, err)

		logger.Debug("dropped")
		logger.Info("kept", slog.String("prop", "val"))
		require.NoError(t, closer.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)

		var entry map[string]any
		require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &entry))
		require.Equal(t, "kept", entry["msg"])
		require.Equal(t, "val", entry["prop"])
	})

	t.Run("stdout", func(t *testing.T) {
		t.Parallel()

		logger, closer, err := logging.NewLogger("", slog.LevelInfo)
		require.NoError(t, err)
		require.NotNil(t, logger)
		require.NoError(t, closer.Close())
	})
}
