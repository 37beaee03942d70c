package logging

import (
	"log/slog"
	"net"
	"net/http"

	"github.com/google/uuid"
)

func orMissing(value string) string {
	if value == "" {
		return "<missing>"
	}
	return value
}

// NewRequestLoggerMiddleware stores a request scoped logger in the request context
func NewRequestLoggerMiddleware(logger *slog.Logger) func(next http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			query := r.URL.Query()

			remoteIP, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				remoteIP = r.RemoteAddr
			}

			requestLogger := logger.With(
				slog.String("correlationID", uuid.NewString()),
				slog.String("methodPath", r.Method+" "+r.URL.Path),
				slog.String("url", orMissing(query.Get("url"))),
				slog.String("key", orMissing(query.Get("key"))),
				slog.String("userAgent", orMissing(r.UserAgent())),
				slog.String("remoteIP", orMissing(remoteIP)),
			)

			next(w, r.WithContext(AddToContext(r.Context(), requestLogger)))
		}
	}
}
