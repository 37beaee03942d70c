package reporting

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeError(t *testing.T) {
	t.Parallel()

	t.Run("connection reset by peer", func(t *testing.T) {
		t.Parallel()

		err := `network error: failed to send request: Get "https://cdn.example.com/avatars/deadbeef8315465d9d44cfc238c64f71.png?size=64": read tcp [dead:beef:feb1:d745::c001]:64079->[dead:beef::6811:112a]:443: read: connection reset by peer`
		want := `network error: failed to send request: Get "https://cdn.example.com/<path>": read tcp <host>-><host>: read: connection reset by peer`
		require.Equal(t, want, sanitizeError(err))
	})
	t.Run("context deadline", func(t *testing.T) {
		t.Parallel()

		err := `network error: failed to send request: Get "http://example.com/a/b/c.json": context deadline exceeded (Client.Timeout exceeded while awaiting headers)`
		want := `network error: failed to send request: Get "http://example.com/<path>": context deadline exceeded (Client.Timeout exceeded while awaiting headers)`
		require.Equal(t, want, sanitizeError(err))
	})
	t.Run("ipv4 dial", func(t *testing.T) {
		t.Parallel()

		err := `network error: dial tcp 10.1.2.3:443: connect: connection refused`
		want := `network error: dial tcp <host>: connect: connection refused`
		require.Equal(t, want, sanitizeError(err))
	})
	t.Run("bare uuid", func(t *testing.T) {
		t.Parallel()

		require.Equal(t, "cache read error: key <uuid>", sanitizeError("cache read error: key 0b6e3e2a-a84d-4c52-9c8b-2a4c0b8f5b1e"))
	})
	t.Run("host without path is kept", func(t *testing.T) {
		t.Parallel()

		err := `unexpected status: 503 from "https://example.com"`
		require.Equal(t, err, sanitizeError(err))
	})
	t.Run("misc ipv6", func(t *testing.T) {
		t.Parallel()

		ips := []string{
			`1:2:3:4:5:6:7:8`,
			`1::`,
			`1:2:3:4:5:6:7::`,
			`1::8`,
			`1:2:3:4:5:6::8`,
			`1::7:8`,
			`1:2:3:4:5::7:8`,
			`1:2:3:4::6:7:8`,
			`1:2:3::5:6:7:8`,
			`1:2::4:5:6:7:8`,
			`1::3:4:5:6:7:8`,
			`::2:3:4:5:6:7:8`,
			`::8`,
			`::`,
		}
		for _, ip := range ips {
			t.Run(ip, func(t *testing.T) {
				t.Parallel()

				require.Equal(t, "<host>", sanitizeError(fmt.Sprintf("[%s]:1234", ip)))
			})
		}
	})
}

func TestAddMetaMiddleware(t *testing.T) {
	t.Parallel()

	var meta ReportingMeta
	handler := addMetaMiddleware(func(w http.ResponseWriter, r *http.Request) {
		meta = MetaFromContext(r.Context())
	})

	request := httptest.NewRequest(http.MethodGet, "http://localhost/v1/resource?url=https://example.com/a&key=k", nil)
	request.Header.Set("User-Agent", "agent/1.0")
	handler(httptest.NewRecorder(), request)

	require.Equal(t, map[string]string{
		"userAgent":  "agent/1.0",
		"methodPath": "GET /v1/resource",
	}, meta.tags)
	require.Equal(t, map[string]string{
		"url": "https://example.com/a",
		"key": "k",
	}, meta.extras)
	require.False(t, meta.startedAt.IsZero())
}

func TestMetaFromContext(t *testing.T) {
	t.Parallel()

	ctx := AddExtrasToContext(t.Context(), map[string]string{"a": "1"})
	child := AddExtrasToContext(ctx, map[string]string{"b": "2"})
	child = AddTagsToContext(child, map[string]string{"t": "v"})

	require.Equal(t, map[string]string{"a": "1"}, MetaFromContext(ctx).extras)
	require.Equal(t, map[string]string{"a": "1", "b": "2"}, MetaFromContext(child).extras)
	require.Equal(t, map[string]string{"t": "v"}, MetaFromContext(child).tags)
	require.Empty(t, MetaFromContext(t.Context()).extras)
}
