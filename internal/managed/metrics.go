package managed

import "github.com/prometheus/client_golang/prometheus"

var spawnsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fleetllm",
		Subsystem: "managed",
		Name:      "spawns_total",
		Help:      "llama-server spawn attempts by result.",
	},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(spawnsTotal)
}
