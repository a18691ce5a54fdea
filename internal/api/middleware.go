package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// requestLogger logs reads at debug. Control requests log at info with the
// relay phase they left behind. The event stream is logged when it ends.
func requestLogger(svc Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			}
			switch {
			case r.Method == http.MethodPost:
				snap := svc.Snapshot()
				attrs = append(attrs, "relay_phase", snap.Phase, "connected", snap.Connected, "tabs", len(snap.Tabs))
				slog.Info("relay control request", attrs...)
			case r.URL.Path == "/api/v1/events":
				slog.Debug("status stream request", append(attrs, "bytes", ww.BytesWritten())...)
			default:
				slog.Debug("http request", attrs...)
			}
		})
	}
}
