package web

import (
	"net/http"
	"time"

	"marketnotify/internal/infra/logger"
)

// statusRecorder запоминает код ответа для логирования.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// loggingMiddleware логирует каждый запрос с кодом и длительностью.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Debugf("HTTP %s %s from %s -> %d in %s",
			r.Method, r.URL.Path, r.RemoteAddr, rec.status, time.Since(started))
	})
}
