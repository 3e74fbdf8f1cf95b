package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/carlosprados/airstack/internal/faults"
	"github.com/carlosprados/airstack/internal/provision"
)

var states = []provision.State{
	provision.StatePending,
	provision.StateDeclaring,
	provision.StateDeclared,
	provision.StateFailed,
	provision.StateSkipped,
}

var (
	once          sync.Once
	resourceState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "airstack",
			Subsystem: "resource",
			Name:      "state",
			Help:      "Resource declaration state (1 for the current state, 0 otherwise).",
		},
		[]string{"name", "kind", "state"},
	)
	declareSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "airstack",
			Subsystem: "resource",
			Name:      "declare_seconds",
			Help:      "Time spent declaring a resource.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"kind"},
	)
	failures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "airstack",
			Subsystem: "resource",
			Name:      "failures_total",
			Help:      "Resources that failed or were skipped, by error class.",
		},
		[]string{"name", "class"},
	)
	applies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "airstack",
			Subsystem: "stack",
			Name:      "applies_total",
			Help:      "Stack applications by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	once.Do(func() {
		prometheus.MustRegister(resourceState, declareSeconds, failures, applies)
	})
}

// ObserveResourceState sets the gauge of the current state to 1 and every
// other state to 0.
func ObserveResourceState(name string, kind provision.Kind, state provision.State) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		resourceState.WithLabelValues(name, string(kind), string(s)).Set(v)
	}
}

// Observe is a provision.Observer feeding the resource metrics.
func Observe(e provision.Event) {
	ObserveResourceState(e.Name, e.Kind, e.State)
	switch e.State {
	case provision.StateDeclared:
		declareSeconds.WithLabelValues(string(e.Kind)).Observe(e.Elapsed.Seconds())
	case provision.StateFailed, provision.StateSkipped:
		failures.WithLabelValues(e.Name, faults.Class(e.Err)).Inc()
	}
}

// ObserveApply counts one stack application.
func ObserveApply(err error) {
	outcome := "success"
	if err != nil {
		outcome = faults.Class(err)
	}
	applies.WithLabelValues(outcome).Inc()
}
