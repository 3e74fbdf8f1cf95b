package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/carlosprados/airstack/internal/faults"
	"github.com/carlosprados/airstack/internal/provision"
)

func TestObserveKeepsOneCurrentState(t *testing.T) {
	Observe(provision.Event{Name: "airflow-init", Kind: provision.KindTask, State: provision.StateDeclaring})
	Observe(provision.Event{Name: "airflow-init", Kind: provision.KindTask, State: provision.StateDeclared, Elapsed: 2 * time.Second})

	g := func(s provision.State) float64 {
		return testutil.ToFloat64(resourceState.WithLabelValues("airflow-init", "task", string(s)))
	}
	assert.Equal(t, 1.0, g(provision.StateDeclared))
	assert.Equal(t, 0.0, g(provision.StateDeclaring))
	assert.Equal(t, 0.0, g(provision.StatePending))
}

func TestObserveCountsFailuresByClass(t *testing.T) {
	Observe(provision.Event{Name: "airflow-flower", Kind: provision.KindContainer, State: provision.StateSkipped,
		Err: &faults.DependencyFailure{Resource: "airflow-flower", Upstream: "airflow-init"}})
	assert.Equal(t, 1.0, testutil.ToFloat64(failures.WithLabelValues("airflow-flower", "dependency")))

	ObserveApply(nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(applies.WithLabelValues("success")))
}
