package logging_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/Amund211/fetchcache/internal/logging"
	"github.com/stretchr/testify/require"
)

// lines decodes each JSON log line written to buf, without the time field
func lines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()

	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		require.Contains(t, entry, "time")
		delete(entry, "time")
		entries = append(entries, entry)
	}
	buf.Reset()
	return entries
}

func TestFromContext(t *testing.T) {
	t.Parallel()

	t.Run("stored logger", func(t *testing.T) {
		t.Parallel()

		logger := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
		ctx := logging.AddToContext(t.Context(), logger)

		require.Same(t, logger, logging.FromContext(ctx))
	})

	t.Run("fallback without a logger", func(t *testing.T) {
		t.Parallel()

		logger := logging.FromContext(t.Context())
		require.NotNil(t, logger)
		require.True(t, logger.Enabled(t.Context(), slog.LevelInfo))
	})
}

func TestAddMetaToContext(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	rootLogger := slog.New(slog.NewJSONHandler(buf, nil)).With(slog.String("instanceID", "instance-1"))
	ctx := logging.AddToContext(t.Context(), rootLogger)

	logging.FromContext(ctx).Info("starting")
	require.Equal(t, []map[string]any{
		{"level": "INFO", "msg": "starting", "instanceID": "instance-1"},
	}, lines(t, buf))

	requestCtx := logging.AddMetaToContext(ctx,
		slog.String("cacheKey", "https://example.com/a.png"),
		slog.String("options", "lowPriority"),
	)
	logging.FromContext(requestCtx).Warn("persistent cache read failed")
	require.Equal(t, []map[string]any{
		{
			"level":      "WARN",
			"msg":        "persistent cache read failed",
			"instanceID": "instance-1",
			"cacheKey":   "https://example.com/a.png",
			"options":    "lowPriority",
		},
	}, lines(t, buf))

	// Later values win when the same key is added again
	retryCtx := logging.AddMetaToContext(requestCtx, slog.String("options", "retryFailed"))
	logging.FromContext(retryCtx).Info("retrying")
	require.Equal(t, []map[string]any{
		{
			"level":      "INFO",
			"msg":        "retrying",
			"instanceID": "instance-1",
			"cacheKey":   "https://example.com/a.png",
			"options":    "retryFailed",
		},
	}, lines(t, buf))

	// The parent context is unchanged
	logging.FromContext(ctx).Info("done")
	require.Equal(t, []map[string]any{
		{"level": "INFO", "msg": "done", "instanceID": "instance-1"},
	}, lines(t, buf))
}
