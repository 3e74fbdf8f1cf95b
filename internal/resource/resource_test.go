package resource

import (
	"context"
	"testing"
	"time"

	"github.com/carlosprados/airstack/internal/deferred"
	"github.com/carlosprados/airstack/internal/faults"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBundleExtendSharesPrefix(t *testing.T) {
	db := deferred.NewPromise[string]("postgres")
	base, err := NewBundle(
		Lit("AWS_REGION", "us-east-1"),
		Ref("DB", deferred.Map(db.Value(), func(n string) string { return n + ":5432" })),
	)
	require.NoError(t, err)

	worker, err := base.Extend(Lit("DUMB_INIT_SETSID", "0"))
	require.NoError(t, err)
	web, err := base.Extend()
	require.NoError(t, err)

	// extending must not alias the base backing array
	other, err := base.Extend(Lit("OTHER", "1"))
	require.NoError(t, err)

	db.Resolve("airflow_postgres")
	ctx := context.Background()
	w, err := worker.Resolve(ctx)
	require.NoError(t, err)
	o, err := other.Resolve(ctx)
	require.NoError(t, err)
	s, err := web.Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"AWS_REGION=us-east-1", "DB=airflow_postgres:5432", "DUMB_INIT_SETSID=0"}, w)
	assert.Equal(t, []string{"AWS_REGION=us-east-1", "DB=airflow_postgres:5432", "OTHER=1"}, o)
	assert.Equal(t, s, w[:len(s)])
	assert.Equal(t, "DB=airflow_postgres:5432", w[1])
	assert.Equal(t, []string{"postgres"}, worker.Deps())
}

func TestBundleRejectsShadowing(t *testing.T) {
	base, err := NewBundle(Lit("AIRFLOW__CORE__EXECUTOR", "CeleryExecutor"))
	require.NoError(t, err)
	_, err = base.Extend(Lit("AIRFLOW__CORE__EXECUTOR", "LocalExecutor"))
	assert.ErrorContains(t, err, "already defined")

	_, err = NewBundle(Lit("A", "1"), Lit("A", "2"))
	assert.Error(t, err)
	_, err = NewBundle(Var{Key: "A"})
	assert.Error(t, err)
}

func TestBundleResolveFailsWhole(t *testing.T) {
	b, err := NewBundle(Lit("A", "1"), Ref("B", deferred.Failed[string](assert.AnError)))
	require.NoError(t, err)
	out, err := b.Resolve(context.Background())
	assert.Nil(t, out, "no partial bundle")
	assert.ErrorIs(t, err, assert.AnError)
}

func specFixture(t *testing.T) (*ContainerSpec, *deferred.Promise[ImageRef], *deferred.Promise[NetworkRef]) {
	t.Helper()
	img := deferred.NewPromise[ImageRef]("image:airflow")
	nw := deferred.NewPromise[NetworkRef]("network")
	cache := deferred.NewPromise[string]("redis")
	env, err := NewBundle(Ref("BROKER", cache.Value()))
	require.NoError(t, err)
	cache.Resolve("airflow-redis")
	return &ContainerSpec{
		Name:      "airflow-flower",
		Image:     img.Value(),
		Network:   nw.Value(),
		Command:   []string{"celery", "flower"},
		Env:       env,
		Ports:     []PortMapping{{Internal: 5555, External: 5555}},
		Health:    &HealthProbe{Test: []string{"CMD", "curl", "--fail", "http://localhost:5555/"}, Interval: 30 * time.Second, Retries: 5},
		Restart:   RestartUnlessStopped,
		DependsOn: []string{"airflow-init"},
	}, img, nw
}

func TestContainerSpecInputs(t *testing.T) {
	spec, _, _ := specFixture(t)
	assert.Equal(t, []string{"airflow-init", "image:airflow", "network", "redis"}, spec.Inputs())
}

func TestContainerSpecValidate(t *testing.T) {
	spec, _, _ := specFixture(t)
	require.NoError(t, spec.Validate())

	bad := *spec
	bad.Restart = "sometimes"
	assert.ErrorContains(t, bad.Validate(), "restart policy")

	bad = *spec
	bad.Ports = []PortMapping{{Internal: 0, External: 80}}
	assert.ErrorContains(t, bad.Validate(), "port mapping")

	bad = *spec
	bad.Network = nil
	assert.ErrorContains(t, bad.Validate(), "network")

	bad = *spec
	bad.Health = &HealthProbe{}
	assert.ErrorContains(t, bad.Validate(), "health probe")
}

func TestContainerSpecResolve(t *testing.T) {
	spec, img, nw := specFixture(t)
	img.Resolve(ImageRef{Source: "apache/airflow:2.9.0", Name: "apache/airflow:2.9.0"})
	nw.Resolve(NetworkRef{Name: "local-airflow-v1-network"})

	c, err := spec.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "apache/airflow:2.9.0", c.Image.Name)
	assert.Equal(t, []string{"BROKER=airflow-redis"}, c.Env)
	assert.Len(t, c.Hash(), 64)

	c2, err := spec.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, c.Hash(), c2.Hash())
}

func TestContainerSpecResolveFailure(t *testing.T) {
	spec, img, _ := specFixture(t)
	img.Reject(assert.AnError)
	_, err := spec.Resolve(context.Background())
	assert.True(t, faults.IsResolution(err))
	assert.ErrorIs(t, err, assert.AnError)
}
