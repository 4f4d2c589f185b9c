package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// RequestLogger logs one line per request with the chi request id. Server
// errors log at error, client errors at warn, the rest at info.
func RequestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			entry := log.WithFields(logrus.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      status,
				"bytes":       ww.BytesWritten(),
				"duration_ms": time.Since(start).Milliseconds(),
				"request_id":  middleware.GetReqID(r.Context()),
			})
			switch {
			case status >= 500:
				entry.Error("request failed")
			case status >= 400:
				entry.Warn("request rejected")
			default:
				entry.Info("request handled")
			}
		})
	}
}

// requireAdmin rejects requests whose X-Admin-ID is not listed.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(adminHeader)
		if id == "" {
			writeError(w, http.StatusUnauthorized, "Missing "+adminHeader, nil)
			return
		}
		if h.IsAdmin != nil && h.IsAdmin(id) {
			next.ServeHTTP(w, r)
			return
		}
		h.Log.WithFields(logrus.Fields{
			"admin_id": id,
			"path":     r.URL.Path,
		}).Warn("admin route refused")
		writeError(w, http.StatusForbidden, "Not an administrator", nil)
	})
}
