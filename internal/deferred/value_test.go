package deferred

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromiseResolve(t *testing.T) {
	p := NewPromise[string]("postgres")
	v := p.Value()
	assert.False(t, v.Done())

	go func() {
		time.Sleep(10 * time.Millisecond)
		p.Resolve("airflow_postgres")
	}()

	got, err := v.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "airflow_postgres", got)
	assert.True(t, v.Done())
	assert.False(t, p.Resolve("other"), "second settle must lose")
	assert.False(t, p.Reject(errors.New("late")))

	got, err = v.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "airflow_postgres", got)
}

func TestPromiseReject(t *testing.T) {
	p := NewPromise[int]()
	p.Reject(assert.AnError)
	_, err := p.Value().Await(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
}

func TestAwaitCancellationNotMemoized(t *testing.T) {
	p := NewPromise[string]("redis")
	derived := Map(p.Value(), func(s string) string { return "redis://:@" + s + ":6379/0" })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := derived.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, derived.Done())

	p.Resolve("airflow-redis")
	got, err := derived.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "redis://:@airflow-redis:6379/0", got)
}

func TestMapRunsOnce(t *testing.T) {
	var calls atomic.Int32
	src := Resolved("my-bucket")
	url := Map(src, func(b string) string {
		calls.Add(1)
		return "s3://" + b
	})
	for i := 0; i < 3; i++ {
		got, err := url.Await(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "s3://my-bucket", got)
	}
	assert.EqualValues(t, 1, calls.Load())
}

func TestMapPropagatesFailure(t *testing.T) {
	called := false
	v := Map(Failed[string](assert.AnError), func(s string) string {
		called = true
		return s
	})
	_, err := v.Await(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
	assert.False(t, called, "f must not run when the source failed")
}

func TestMapErr(t *testing.T) {
	v := MapErr(Resolved(3), func(n int) (string, error) {
		if n > 2 {
			return "", errors.New("too big")
		}
		return "ok", nil
	})
	_, err := v.Await(context.Background())
	assert.EqualError(t, err, "too big")
}

func TestDepsInherited(t *testing.T) {
	db := NewPromise[string]("postgres", "postgres", "")
	cache := NewPromise[string]("redis")
	conn := Map(db.Value(), func(s string) string { return s })
	assert.Equal(t, []string{"postgres"}, conn.Deps())

	all := All(conn, cache.Value(), Resolved("literal"))
	assert.Equal(t, []string{"postgres", "redis"}, all.Deps())
	assert.Empty(t, Resolved("x").Deps())
}

func TestAllOrderAndFailFast(t *testing.T) {
	a := NewPromise[string]("a")
	b := NewPromise[string]("b")
	all := All(a.Value(), b.Value())

	b.Resolve("second")
	a.Resolve("first")
	got, err := all.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, got)

	bad := All(Resolved("x"), Failed[string](assert.AnError), NewPromise[string]().Value())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = bad.Await(ctx)
	assert.ErrorIs(t, err, assert.AnError)
}
