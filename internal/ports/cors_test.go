package ports_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Amund211/fetchcache/internal/ports"
	"github.com/stretchr/testify/require"
)

func TestNewDomainSuffixes(t *testing.T) {
	t.Parallel()

	_, err := ports.NewDomainSuffixes("fetchcache.io", "Preview.Pages.Dev")
	require.NoError(t, err)

	_, err = ports.NewDomainSuffixes()
	require.NoError(t, err)

	for _, invalid := range []string{"", ".fetchcache.io", "https://fetchcache.io", "fetchcache.io/assets", "fetchcache.io:443"} {
		t.Run(invalid, func(t *testing.T) {
			t.Parallel()

			_, err := ports.NewDomainSuffixes(invalid)
			require.Error(t, err)
		})
	}
}

func TestCORS(t *testing.T) {
	t.Parallel()

	allowedOrigins, err := ports.NewDomainSuffixes("fetchcache.io", "fetchcache-preview.pages.dev")
	require.NoError(t, err)

	allowed := []string{
		"https://fetchcache.io",
		"https://www.fetchcache.io",
		"https://FetchCache.io",
		"https://fetchcache.io:8443",
		"https://fetchcache-preview.pages.dev",
		"https://53bcd591.fetchcache-preview.pages.dev",
	}
	rejected := []string{
		"",
		"null",
		"fetchcache.io",
		"http://fetchcache.io",
		"https://fetchcache.io/path",
		"https://user@fetchcache.io",
		"https://fetch-cache.io",
		"https://myfetchcache.io",
		"https://fetchcache.io.example.com",
		"https://superfetchcache-preview.pages.dev",
		"https://pages.dev",
		"https://example.com",
	}

	inner := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("resource"))
	}
	middleware := ports.BuildCORSMiddleware(allowedOrigins)(inner)
	preflight := ports.BuildCORSHandler(allowedOrigins)

	serve := func(handler http.HandlerFunc, method, origin string) *http.Response {
		req := httptest.NewRequest(method, "/v1/resource?url=https://example.com/a.png", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		w := httptest.NewRecorder()
		handler(w, req)
		return w.Result()
	}

	for _, origin := range allowed {
		t.Run("allowed "+origin, func(t *testing.T) {
			t.Parallel()

			resp := serve(middleware, http.MethodGet, origin)
			require.Equal(t, http.StatusTeapot, resp.StatusCode, "the wrapped handler runs")
			require.Equal(t, origin, resp.Header.Get("Access-Control-Allow-Origin"))
			require.Equal(t, "X-Cache-Source, X-Cache-Key", resp.Header.Get("Access-Control-Expose-Headers"))
			require.Empty(t, resp.Header.Get("Access-Control-Allow-Methods"))
			require.Equal(t, "Origin", resp.Header.Get("Vary"))

			for _, handler := range []http.HandlerFunc{middleware, preflight} {
				resp := serve(handler, http.MethodOptions, origin)
				require.Equal(t, http.StatusNoContent, resp.StatusCode)
				require.Equal(t, origin, resp.Header.Get("Access-Control-Allow-Origin"))
				require.Equal(t, "GET,HEAD", resp.Header.Get("Access-Control-Allow-Methods"))
				require.Equal(t, "Content-Type", resp.Header.Get("Access-Control-Allow-Headers"))
				require.Equal(t, "3600", resp.Header.Get("Access-Control-Max-Age"))
			}
		})
	}

	for _, origin := range rejected {
		t.Run("rejected "+origin, func(t *testing.T) {
			t.Parallel()

			for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
				resp := serve(middleware, method, origin)
				require.Equal(t, http.StatusTeapot, resp.StatusCode, "the wrapped handler runs")
				require.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
				require.Empty(t, resp.Header.Get("Access-Control-Expose-Headers"))
				require.Empty(t, resp.Header.Get("Access-Control-Allow-Methods"))
			}

			resp := serve(preflight, http.MethodOptions, origin)
			require.Equal(t, http.StatusNoContent, resp.StatusCode)
			require.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
		})
	}
}
