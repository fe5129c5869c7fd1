package serving

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// reloadsTotal counts reload attempts by result: loaded, unchanged, repaired, error.
	reloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spice_serving_reloads_total",
		Help: "Model reload attempts by purpose and result",
	}, []string{"purpose", "result"})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spice_serving_requests_total",
		Help: "Serving requests by purpose, operation and result",
	}, []string{"purpose", "op", "result"})

	loadedVersion = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "spice_serving_loaded_version",
		Help: "Artifact version currently served",
	}, []string{"purpose"})
)
