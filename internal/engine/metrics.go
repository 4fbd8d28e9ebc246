package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	loadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetllm",
			Subsystem: "engine",
			Name:      "model_loads_total",
			Help:      "Native model loads by acceleration mode and result",
		},
		[]string{"mode", "result"},
	)

	evictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetllm",
			Subsystem: "engine",
			Name:      "evictions_total",
			Help:      "Cached model handles released to make room for another load",
		},
		[]string{"mode"},
	)

	generationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetllm",
			Subsystem: "engine",
			Name:      "generations_total",
			Help:      "Generations by outcome (stop, marker, cancelled, error)",
		},
		[]string{"outcome"},
	)

	resolveFallbackTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fleetllm",
			Subsystem: "engine",
			Name:      "resolve_fallback_total",
			Help:      "Model names that resolved to a default file",
		},
	)

	settleSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fleetllm",
			Subsystem: "engine",
			Name:      "settle_seconds",
			Help:      "Time spent waiting for memory after eviction",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 1.5, 2, 2.5, 3},
		},
	)

	loadedModels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fleetllm",
			Subsystem: "engine",
			Name:      "loaded_models",
			Help:      "Model handles currently resident",
		},
	)
)

func init() {
	prometheus.MustRegister(loadsTotal, evictionsTotal, generationsTotal, resolveFallbackTotal, settleSeconds, loadedModels)
}

func modeLabel(cpuOnly bool) string {
	if cpuOnly {
		return "cpu"
	}
	return "accel"
}
