package logging_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Amund211/fetchcache/internal/logging"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type StringAttr struct {
	Key   string
	Value string
}

func TestRequestLoggerMiddleware(t *testing.T) {
	t.Parallel()

	run := func(t *testing.T, request *http.Request) []StringAttr {
		t.Helper()

		buf := &bytes.Buffer{}
		middleware := logging.NewRequestLoggerMiddleware(slog.New(slog.NewJSONHandler(buf, nil)))

		handler := middleware(func(w http.ResponseWriter, r *http.Request) {
			logging.FromContext(r.Context()).Info("test")
		})

		handler(httptest.NewRecorder(), request)

		var logEntry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &logEntry))

		attrs := make([]StringAttr, 0)
		foundBase := 0
		for key, value := range logEntry {
			switch key {
			case "msg":
				assert.Equal(t, "test", value)
				foundBase++
			case "level":
				assert.Equal(t, "INFO", value)
				foundBase++
			case "time":
				foundBase++
			case "correlationID":
				_, err := uuid.Parse(value.(string))
				assert.NoError(t, err)
				foundBase++
			default:
				attrs = append(attrs, StringAttr{Key: key, Value: value.(string)})
			}
		}
		assert.Equal(t, 4, foundBase)

		return attrs
	}

	t.Run("all props", func(t *testing.T) {
		t.Parallel()

		request := httptest.NewRequest(http.MethodGet, "http://example.com/v1/resource?url=https://example.com/a.png&key=avatar", nil)
		request.Header.Set("User-Agent", "user-agent/1.0")
		request.RemoteAddr = "10.0.0.1:5555"

		attrs := run(t, request)

		assert.ElementsMatch(t, []StringAttr{
			{Key: "methodPath", Value: "GET /v1/resource"},
			{Key: "url", Value: "https://example.com/a.png"},
			{Key: "key", Value: "avatar"},
			{Key: "userAgent", Value: "user-agent/1.0"},
			{Key: "remoteIP", Value: "10.0.0.1"},
		}, attrs)
	})

	t.Run("missing props", func(t *testing.T) {
		t.Parallel()

		request := httptest.NewRequest(http.MethodPost, "http://example.com/v1/status", nil)
		request.RemoteAddr = ""

		attrs := run(t, request)

		assert.ElementsMatch(t, []StringAttr{
			{Key: "methodPath", Value: "POST /v1/status"},
			{Key: "url", Value: "<missing>"},
			{Key: "key", Value: "<missing>"},
			{Key: "userAgent", Value: "<missing>"},
			{Key: "remoteIP", Value: "<missing>"},
		}, attrs)
	})

	t.Run("without middleware", func(t *testing.T) {
		t.Parallel()
		logging.FromContext(context.Background()).Info("don't crash when no logger in context")
	})
}
