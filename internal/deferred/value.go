// Package deferred provides values that become available only after an
// upstream resource has been declared.
//
// A Value is either a source, settled once through its Promise, or derived
// from other values with Map. Derived values are computed on first Await and
// memoized, so every consumer observes the same result. Each Value also
// carries the names of the resources it reads, which lets the stack builder
// add implicit dependency edges for every deferred input a container uses.
package deferred

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// Value is a read-only handle on an eventually available T.
type Value[T any] struct {
	deps []string

	ready   chan struct{} // closed when a source value settles
	compute func(ctx context.Context) (T, error)

	mu      sync.Mutex
	settled bool
	val     T
	err     error
}

// Promise is the write side of a source Value.
type Promise[T any] struct {
	v    *Value[T]
	once sync.Once
}

// NewPromise returns an unsettled promise. deps names the resources whose
// declaration settles it.
func NewPromise[T any](deps ...string) *Promise[T] {
	return &Promise[T]{v: &Value[T]{deps: normalize(deps), ready: make(chan struct{})}}
}

// Value returns the read side of the promise.
func (p *Promise[T]) Value() *Value[T] { return p.v }

// Resolve settles the promise with val. Only the first settle wins; it
// reports whether this call did.
func (p *Promise[T]) Resolve(val T) bool { return p.settle(val, nil) }

// Reject settles the promise with err.
func (p *Promise[T]) Reject(err error) bool {
	if err == nil {
		err = errors.New("rejected without cause")
	}
	var zero T
	return p.settle(zero, err)
}

func (p *Promise[T]) settle(val T, err error) bool {
	won := false
	p.once.Do(func() {
		p.v.mu.Lock()
		p.v.val, p.v.err, p.v.settled = val, err, true
		p.v.mu.Unlock()
		close(p.v.ready)
		won = true
	})
	return won
}

// Resolved returns an already settled value with no dependencies.
func Resolved[T any](val T) *Value[T] {
	v := &Value[T]{ready: make(chan struct{}), settled: true, val: val}
	close(v.ready)
	return v
}

// Failed returns an already rejected value.
func Failed[T any](err error) *Value[T] {
	v := &Value[T]{ready: make(chan struct{}), settled: true, err: err}
	close(v.ready)
	return v
}

// Await blocks until the value is available or ctx is done. Cancellation is
// never memoized: a later Await with a live context can still succeed.
func (v *Value[T]) Await(ctx context.Context) (T, error) {
	if v.compute == nil {
		select {
		case <-v.ready:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
		v.mu.Lock()
		defer v.mu.Unlock()
		return v.val, v.err
	}

	v.mu.Lock()
	if v.settled {
		defer v.mu.Unlock()
		return v.val, v.err
	}
	v.mu.Unlock()

	val, err := v.compute(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return val, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.settled {
		v.val, v.err, v.settled = val, err, true
	}
	return v.val, v.err
}

// Done reports whether the value has settled without blocking. Derived
// values report true only after they were awaited once.
func (v *Value[T]) Done() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.settled
}

// Deps returns the sorted names of the resources this value reads.
func (v *Value[T]) Deps() []string {
	return append([]string(nil), v.deps...)
}

// Map derives a value by applying f once v resolves. f must be pure; it runs
// at most once per successful resolution.
func Map[T, U any](v *Value[T], f func(T) U) *Value[U] {
	return MapErr(v, func(t T) (U, error) { return f(t), nil })
}

// MapErr is Map for functions that can fail.
func MapErr[T, U any](v *Value[T], f func(T) (U, error)) *Value[U] {
	return &Value[U]{
		deps: v.Deps(),
		compute: func(ctx context.Context) (U, error) {
			t, err := v.Await(ctx)
			if err != nil {
				var zero U
				return zero, err
			}
			return f(t)
		},
	}
}

// All resolves every value in order and fails on the first error.
func All[T any](vs ...*Value[T]) *Value[[]T] {
	var deps []string
	for _, v := range vs {
		deps = append(deps, v.deps...)
	}
	return &Value[[]T]{
		deps: normalize(deps),
		compute: func(ctx context.Context) ([]T, error) {
			out := make([]T, 0, len(vs))
			for _, v := range vs {
				t, err := v.Await(ctx)
				if err != nil {
					return nil, err
				}
				out = append(out, t)
			}
			return out, nil
		},
	}
}

// Union merges dependency lists into one sorted, duplicate-free list.
func Union(lists ...[]string) []string {
	var all []string
	for _, l := range lists {
		all = append(all, l...)
	}
	return normalize(all)
}

func normalize(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
