package middleware

import (
	"net/http"
	"time"

	"github.com/chatcore/internal/logger"
	"github.com/go-chi/chi/v5"
)

// RequestLog логирует каждый HTTP-запрос: method, шаблон маршрута и время выполнения (асинхронно).
// Шаблон вместо пути, чтобы id диалогов и сообщений не попадали в логи.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		logger.LogDuration("http "+r.Method+" "+route, start)
	})
}
