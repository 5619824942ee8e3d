package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DetectionRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plc_sentinel_detection_runs_total",
			Help: "Detection runs triggered by finished cycles",
		},
		[]string{"status"},
	)

	DetectionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "plc_sentinel_detection_duration_seconds",
			Help:    "End-to-end duration of one detection run",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
	)

	AnomaliesDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plc_sentinel_anomalies_total",
			Help: "Persisted anomalies by final severity",
		},
		[]string{"severity"},
	)

	RuleReasonsFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plc_sentinel_rule_reasons_total",
			Help: "Deterministic rule reasons fired",
		},
		[]string{"reason"},
	)

	EscalationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "plc_sentinel_escalation_duration_seconds",
			Help:    "Duration of the predictive escalation per anomaly",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		},
	)

	HistoryWindowDays = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "plc_sentinel_history_window_days",
			Help:    "Width of the adaptive history window that satisfied a lookup",
			Buckets: []float64{3, 5, 9, 15, 21, 30},
		},
	)

	UnitsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plc_sentinel_units_finished_total",
			Help: "Units reaching a terminal state",
		},
		[]string{"status"},
	)

	PollTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plc_sentinel_poll_ticks_total",
			Help: "Poll loop ticks",
		},
		[]string{"status"},
	)

	TRSGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "plc_sentinel_trs",
			Help: "Last computed TRS components",
		},
		[]string{"component"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plc_sentinel_cache_hits_total",
			Help: "Step-history cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plc_sentinel_cache_misses_total",
			Help: "Step-history cache misses",
		},
		[]string{"cache_type"},
	)

	NarrativeFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "plc_sentinel_narrative_fallbacks_total",
			Help: "Narrative requests that returned the fallback text",
		},
	)
)

func Init() {
	prometheus.MustRegister(DetectionRuns)
	prometheus.MustRegister(DetectionDuration)
	prometheus.MustRegister(AnomaliesDetected)
	prometheus.MustRegister(RuleReasonsFired)
	prometheus.MustRegister(EscalationDuration)
	prometheus.MustRegister(HistoryWindowDays)
	prometheus.MustRegister(UnitsFinished)
	prometheus.MustRegister(PollTicks)
	prometheus.MustRegister(TRSGauge)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(NarrativeFallbacks)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
