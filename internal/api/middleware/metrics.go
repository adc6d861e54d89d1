// metrics.go — Prometheus-метрики HTTP-команд узла.
// Бизнес-метрики регистрируются в пакетах сервисного слоя.
package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "an_http_requests_total",
			Help: "Количество HTTP-запросов к архивному узлу",
		},
		[]string{"method", "path", "status"},
	)

	// Загрузка и выдача файлов занимают минуты, отсюда верхние корзины
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "an_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов в секундах",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"method", "path"},
	)

	httpResponseBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "an_http_response_bytes_total",
			Help: "Объём тел HTTP-ответов в байтах",
		},
		[]string{"path"},
	)

	httpInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "an_http_requests_in_flight",
		Help: "Запросы, обрабатываемые в данный момент",
	})
)

// unmatchedPath — метка запросов вне известных маршрутов.
const unmatchedPath = "other"

// MetricsMiddleware считает запросы по шаблону маршрута chi:
// кардинальность меток ограничена списком команд.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			httpInFlight.Inc()
			defer httpInFlight.Dec()

			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)
			if rec.status == 0 {
				rec.status = http.StatusOK
			}

			path := routePattern(r)
			httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
			httpResponseBytes.WithLabelValues(path).Add(float64(rec.written))
		})
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return unmatchedPath
}
