package trainer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// runsTotal counts finished runs by purpose and mode ("invalid" and "error" included).
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spice_training_runs_total",
		Help: "Training runs by purpose and mode",
	}, []string{"purpose", "mode"})

	// recordsTrained counts records fed to a model.
	recordsTrained = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "spice_training_records_total",
		Help: "Records streamed into models by purpose",
	}, []string{"purpose"})

	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "spice_training_duration_seconds",
		Help:    "Training run duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~40s
	}, []string{"purpose"})

	// evalAccuracy is the last holdout accuracy; untouched when evaluation is skipped.
	evalAccuracy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "spice_training_accuracy",
		Help: "Holdout accuracy of the last evaluated run",
	}, []string{"purpose"})
)
