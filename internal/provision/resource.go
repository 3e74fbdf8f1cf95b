package provision

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// State is the declaration state of a resource.
type State string

const (
	StatePending   State = "pending"
	StateDeclaring State = "declaring"
	StateDeclared  State = "declared"
	StateFailed    State = "failed"
	StateSkipped   State = "skipped"
)

// Kind classifies a resource for logs, metrics and teardown.
type Kind string

const (
	KindNetwork   Kind = "network"
	KindImage     Kind = "image"
	KindVolume    Kind = "volume"
	KindContainer Kind = "container"
	KindTask      Kind = "task"
)

// Event is emitted on every state change.
type Event struct {
	Name    string
	Kind    Kind
	State   State
	Elapsed time.Duration
	Err     error
}

// Observer receives state changes. It must not block.
type Observer func(Event)

// Resource is one node of the declaration graph.
type Resource struct {
	Name      string
	Kind      Kind
	Deps      []string
	DeclareFn func(ctx context.Context) error

	mu    sync.Mutex
	state State
	err   error
}

// NewResource creates a pending resource.
func NewResource(name string, kind Kind, deps []string, declare func(context.Context) error) *Resource {
	return &Resource{Name: name, Kind: kind, Deps: deps, DeclareFn: declare, state: StatePending}
}

func (r *Resource) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err returns the failure or skip cause, if any.
func (r *Resource) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Resource) setState(s State, err error, elapsed time.Duration, obs Observer) {
	r.mu.Lock()
	r.state, r.err = s, err
	r.mu.Unlock()
	ev := log.Info()
	if err != nil {
		ev = log.Warn().Err(err)
	}
	ev.Str("resource", r.Name).Str("kind", string(r.Kind)).Str("state", string(s)).Msg("state change")
	if obs != nil {
		obs(Event{Name: r.Name, Kind: r.Kind, State: s, Elapsed: elapsed, Err: err})
	}
}

// Declare runs the declare hook once. A declared resource is never declared again.
func (r *Resource) Declare(ctx context.Context, obs Observer) error {
	if st := r.State(); st == StateDeclared {
		return nil
	}
	start := time.Now()
	r.setState(StateDeclaring, nil, 0, obs)
	if r.DeclareFn != nil {
		if err := r.DeclareFn(ctx); err != nil {
			r.setState(StateFailed, err, time.Since(start), obs)
			return err
		}
	}
	r.setState(StateDeclared, nil, time.Since(start), obs)
	return nil
}

func (r *Resource) skip(cause error, obs Observer) {
	r.setState(StateSkipped, cause, 0, obs)
}
