package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wgmond_build_info",
			Help: "Build information of the monitor daemon",
		},
		[]string{"version", "commit", "date"},
	)

	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wgmond_tick_duration_seconds",
		Help:    "Duration of one peer table sampling tick",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // ≈5ms .. ~10s
	})

	TickTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wgmond_tick_total",
		Help: "Total number of sampling ticks",
	}, []string{"result"})

	PeersVisible = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wgmond_peers_visible",
		Help: "Peers present in the last kernel peer table sample",
	})

	SessionsLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wgmond_sessions_live",
		Help: "Sessions currently tracked as online",
	})

	SessionsOpenedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wgmond_sessions_opened_total",
		Help: "Total number of sessions opened",
	})

	SessionsClosedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wgmond_sessions_closed_total",
		Help: "Total number of sessions closed",
	}, []string{"reason"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wgmond_http_requests_total",
		Help: "Total number of HTTP API requests served",
	}, []string{"method", "code"})
)
