package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	matchScores prometheus.Histogram
	wsClients   prometheus.Gauge
	gatherer    prometheus.Gatherer
}

// newMetrics registers the collectors on reg. Tests pass a fresh registry.
func newMetrics(reg *prometheus.Registry) *metrics {
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "studymate",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route template, method and status.",
		}, []string{"route", "method", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "studymate",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route template.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		matchScores: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "studymate",
			Name:      "match_score",
			Help:      "Distribution of partner match scores returned to clients.",
			Buckets:   prometheus.LinearBuckets(0, 10, 11),
		}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "studymate",
			Name:      "chat_connected_clients",
			Help:      "Open chat websocket connections.",
		}),
		gatherer: reg,
	}
	reg.MustRegister(
		m.requests, m.latency, m.matchScores, m.wsClients,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *metrics) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unmatched"
		if cr := mux.CurrentRoute(r); cr != nil {
			if tpl, err := cr.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		start := time.Now()
		rec := newStatusRecorder(w)
		next.ServeHTTP(rec, r)

		m.latency.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
		m.requests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
	})
}

func (m *metrics) observeScore(score int) {
	if m == nil {
		return
	}
	m.matchScores.Observe(float64(score))
}

func (m *metrics) clientConnected(delta float64) {
	if m == nil {
		return
	}
	m.wsClients.Add(delta)
}
