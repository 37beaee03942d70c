package ports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Amund211/fetchcache/internal/app"
	"github.com/Amund211/fetchcache/internal/domain"
	"github.com/Amund211/fetchcache/internal/logging"
	"github.com/Amund211/fetchcache/internal/ratelimiting"
	"github.com/Amund211/fetchcache/internal/reporting"
)

const maxURLLength = 4096

type errorResponse struct {
	Success bool   `json:"success"`
	Cause   string `json:"cause"`
}

func writeErrorResponse(ctx context.Context, w http.ResponseWriter, cause string, statusCode int) {
	data, err := json.Marshal(errorResponse{Success: false, Cause: cause})
	if err != nil {
		reporting.Report(ctx, fmt.Errorf("failed to marshal error response: %w", err))
		data = []byte(`{"success":false,"cause":"internal server error"}`)
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(data)
}

func onLimitExceeded(w http.ResponseWriter, r *http.Request) {
	writeErrorResponse(r.Context(), w, "rate limit exceeded", http.StatusTooManyRequests)
}

func MakeGetResourceHandler(
	getResource app.GetResource,
	ipRateLimiter ratelimiting.RequestRateLimiter,
	allowedOrigins *DomainSuffixes,
	rootLogger *slog.Logger,
	sentryMiddleware func(http.HandlerFunc) http.HandlerFunc,
) http.HandlerFunc {
	middleware := ComposeMiddlewares(
		logging.NewRequestLoggerMiddleware(rootLogger),
		sentryMiddleware,
		buildMetricsMiddleware(),
		BuildCORSMiddleware(allowedOrigins),
		NewRateLimitMiddleware(ipRateLimiter, onLimitExceeded),
	)

	handler := func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		query := r.URL.Query()

		rawURL := query.Get("url")
		explicitKey := query.Get("key")

		if rawURL == "" && explicitKey == "" {
			writeErrorResponse(ctx, w, "missing url", http.StatusBadRequest)
			return
		}
		if len(rawURL) > maxURLLength || len(explicitKey) > maxURLLength {
			writeErrorResponse(ctx, w, "url or key too long", http.StatusBadRequest)
			return
		}

		options, err := domain.ParseOptions(query.Get("options"))
		if err != nil {
			writeErrorResponse(ctx, w, err.Error(), http.StatusBadRequest)
			return
		}

		result := getResource(ctx, rawURL, explicitKey, options)
		switch {
		case result.Err == nil:
		case errors.Is(result.Err, domain.ErrInvalidRequest):
			writeErrorResponse(ctx, w, "invalid request", http.StatusBadRequest)
			return
		case errors.Is(result.Err, domain.ErrPreviouslyFailed):
			writeErrorResponse(ctx, w, "previously failed", http.StatusBadGateway)
			return
		case errors.Is(result.Err, domain.ErrNetwork):
			writeErrorResponse(ctx, w, "upstream fetch failed", http.StatusBadGateway)
			return
		case errors.Is(result.Err, domain.ErrCancelled):
			logging.FromContext(ctx).InfoContext(ctx, "Client went away before the resource was ready", "error", result.Err.Error())
			writeErrorResponse(ctx, w, "cancelled", http.StatusServiceUnavailable)
			return
		default:
			reporting.Report(ctx, fmt.Errorf("unexpected resource error: %w", result.Err))
			writeErrorResponse(ctx, w, "internal server error", http.StatusInternalServerError)
			return
		}

		resource := result.Resource
		contentType := resource.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Length", strconv.Itoa(resource.Size()))
		w.Header().Set("X-Cache-Source", result.Source.String())
		w.Header().Set("X-Cache-Key", resource.Key)
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodHead {
			return
		}
		w.Write(resource.Data)
	}

	return middleware(handler)
}
