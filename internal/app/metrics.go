package app

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"huddle/api/internal/realtime"
)

type metrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
}

func newMetrics(hub *realtime.Hub) *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "huddle_http_requests_total",
		Help: "HTTP requests by route and status.",
	}, []string{"method", "route", "status"})
	registry.MustRegister(requests)

	registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "huddle_realtime_subscribers",
			Help: "Live channel subscriptions on this instance.",
		}, func() float64 { return float64(hub.Stats().Subscribers) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "huddle_realtime_events_published_total",
			Help: "Events published by this instance.",
		}, func() float64 { return float64(hub.Stats().Published) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "huddle_realtime_events_delivered_total",
			Help: "Events handed to local subscribers.",
		}, func() float64 { return float64(hub.Stats().Delivered) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "huddle_realtime_subscribers_dropped_total",
			Help: "Subscribers dropped for falling behind.",
		}, func() float64 { return float64(hub.Stats().Dropped) }),
	)

	return &metrics{registry: registry, requests: requests}
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// instrument counts requests by route template so ids do not explode the
// label space.
func (m *metrics) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)

		route := "unmatched"
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		status := http.StatusOK
		if rec, ok := w.(*statusRecorder); ok {
			status = rec.status
		}
		m.requests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
	})
}
