package ports

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Amund211/fetchcache/internal/app"
	"github.com/Amund211/fetchcache/internal/logging"
	"github.com/Amund211/fetchcache/internal/reporting"
)

type pendingEntryResponse struct {
	Key        string  `json:"key"`
	Waiters    int     `json:"waiters"`
	AgeSeconds float64 `json:"ageSeconds"`
}

type statusResponse struct {
	Pending int                    `json:"pending"`
	Entries []pendingEntryResponse `json:"entries"`
}

func MakeStatusHandler(
	listPending app.ListPending,
	rootLogger *slog.Logger,
	sentryMiddleware func(http.HandlerFunc) http.HandlerFunc,
	nowFunc func() time.Time,
) http.HandlerFunc {
	middleware := ComposeMiddlewares(
		logging.NewRequestLoggerMiddleware(rootLogger),
		sentryMiddleware,
		buildMetricsMiddleware(),
	)

	handler := func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		now := nowFunc()

		infos := listPending()
		response := statusResponse{
			Pending: len(infos),
			Entries: make([]pendingEntryResponse, 0, len(infos)),
		}
		for _, info := range infos {
			response.Entries = append(response.Entries, pendingEntryResponse{
				Key:        info.Key.String(),
				Waiters:    info.Waiters,
				AgeSeconds: now.Sub(info.CreatedAt).Seconds(),
			})
		}

		data, err := json.Marshal(response)
		if err != nil {
			reporting.Report(ctx, fmt.Errorf("failed to marshal status response: %w", err))
			writeErrorResponse(ctx, w, "internal server error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	}

	return middleware(handler)
}
