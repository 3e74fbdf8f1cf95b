package provision

import (
	"context"
	"sync"
	"testing"

	"github.com/carlosprados/airstack/internal/faults"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopoLayers(t *testing.T) {
	// A -> B -> C
	//      B -> D
	// E
	// Layers: [A, E], [B], [C, D]
	res := []*Resource{
		{Name: "A"},
		{Name: "B", Deps: []string{"A"}},
		{Name: "C", Deps: []string{"B"}},
		{Name: "D", Deps: []string{"B"}},
		{Name: "E"},
	}

	g, err := BuildGraph(res)
	require.NoError(t, err)
	layers, err := g.TopoLayers()
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"A", "E"}, {"B"}, {"C", "D"}}, layers)
	assert.Equal(t, []string{"B", "C", "D"}, g.Dependents("A"))
	assert.Empty(t, g.Dependents("E"))
	assert.Equal(t, []Edge{{From: "B", To: "A"}, {From: "C", To: "B"}, {From: "D", To: "B"}}, g.EdgeList())
}

func TestTopoLayers_Cycle(t *testing.T) {
	res := []*Resource{
		{Name: "A", Deps: []string{"B"}},
		{Name: "B", Deps: []string{"A"}},
	}
	g, err := BuildGraph(res)
	require.NoError(t, err)
	_, err = g.TopoLayers()
	assert.ErrorContains(t, err, "cycle detected")
}

func TestBuildGraphRejectsBadInput(t *testing.T) {
	_, err := BuildGraph([]*Resource{{Name: "A"}, {Name: "A"}})
	assert.ErrorContains(t, err, "duplicate")

	_, err = BuildGraph([]*Resource{{Name: "A", Deps: []string{"ghost"}}})
	assert.ErrorContains(t, err, "unknown")
}

func TestApplyOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	declare := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}
	res := []*Resource{
		NewResource("network", KindNetwork, nil, declare("network")),
		NewResource("postgres", KindContainer, []string{"network"}, declare("postgres")),
		NewResource("init", KindTask, []string{"postgres"}, declare("init")),
		NewResource("webserver", KindContainer, []string{"init", "postgres"}, declare("webserver")),
	}

	var events []Event
	result, err := Apply(context.Background(), res, Options{Observer: func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"network", "postgres", "init", "webserver"}, order)
	assert.Equal(t, []string{"init", "network", "postgres", "webserver"}, result.Declared)
	assert.Len(t, events, 8, "declaring + declared per resource")
	for _, r := range res {
		assert.Equal(t, StateDeclared, r.State())
	}
}

func TestApplyNoCycleDeclaresNothing(t *testing.T) {
	called := false
	res := []*Resource{
		NewResource("A", KindContainer, []string{"B"}, func(context.Context) error { called = true; return nil }),
		NewResource("B", KindContainer, []string{"A"}, func(context.Context) error { called = true; return nil }),
	}
	_, err := Apply(context.Background(), res, Options{})
	assert.Error(t, err)
	assert.False(t, called)
}

func TestApplyFailureSkipsDependentsOnly(t *testing.T) {
	// image:airflow fails; init and webserver must be skipped, the
	// independent redis branch must still be declared.
	var mu sync.Mutex
	declared := map[string]bool{}
	ok := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			declared[name] = true
			mu.Unlock()
			return nil
		}
	}
	res := []*Resource{
		NewResource("network", KindNetwork, nil, ok("network")),
		NewResource("image:airflow", KindImage, nil, func(context.Context) error {
			return faults.Unresolved("apache/airflow:9.9.9", assert.AnError)
		}),
		NewResource("image:redis", KindImage, nil, ok("image:redis")),
		NewResource("redis", KindContainer, []string{"network", "image:redis"}, ok("redis")),
		NewResource("init", KindTask, []string{"image:airflow", "network"}, ok("init")),
		NewResource("webserver", KindContainer, []string{"init"}, ok("webserver")),
	}

	result, err := Apply(context.Background(), res, Options{Parallelism: 2})
	require.Error(t, err)
	assert.True(t, faults.IsResolution(err))

	assert.True(t, declared["redis"])
	assert.False(t, declared["init"])
	assert.False(t, declared["webserver"])
	assert.Contains(t, result.Failed, "image:airflow")
	assert.Contains(t, result.Skipped, "init")
	assert.Contains(t, result.Skipped, "webserver")

	// the skip names the failed root, not the skipped init in between
	var df *faults.DependencyFailure
	require.ErrorAs(t, result.Skipped["webserver"], &df)
	assert.Equal(t, "image:airflow", df.Upstream)
	assert.True(t, faults.IsResolution(result.Skipped["webserver"]))
	assert.Equal(t, StateSkipped, res[5].State())
	assert.Equal(t, StateDeclared, res[3].State(), "sibling branch is left as-is")
}

func TestApplyCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	res := []*Resource{NewResource("A", KindNetwork, nil, func(context.Context) error { called = true; return nil })}
	result, err := Apply(ctx, res, Options{})
	assert.Error(t, err)
	assert.False(t, called)
	assert.Contains(t, result.Skipped, "A")
}

func TestDeclareIsIdempotent(t *testing.T) {
	n := 0
	r := NewResource("A", KindNetwork, nil, func(context.Context) error { n++; return nil })
	require.NoError(t, r.Declare(context.Background(), nil))
	require.NoError(t, r.Declare(context.Background(), nil))
	assert.Equal(t, 1, n)
}
