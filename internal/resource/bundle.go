package resource

import (
	"context"
	"fmt"

	"github.com/carlosprados/airstack/internal/deferred"
)

// Var is one KEY=VALUE entry whose value may still be pending.
type Var struct {
	Key   string
	Value *deferred.Value[string]
}

// Lit is a Var with a literal value.
func Lit(key, value string) Var { return Var{Key: key, Value: deferred.Resolved(value)} }

// Ref is a Var read from a deferred value.
func Ref(key string, v *deferred.Value[string]) Var { return Var{Key: key, Value: v} }

// Bundle is an ordered environment list. Containers built from the same
// Bundle share the same Var values, so they resolve byte-identical entries.
type Bundle struct {
	vars []Var
}

// NewBundle builds a bundle, rejecting duplicate keys.
func NewBundle(vars ...Var) (Bundle, error) {
	return Bundle{}.Extend(vars...)
}

// Extend returns a new bundle made of b followed by extra. The shared prefix
// is never reordered and an extra entry may not reuse a key already present.
func (b Bundle) Extend(extra ...Var) (Bundle, error) {
	seen := make(map[string]struct{}, len(b.vars)+len(extra))
	for _, v := range b.vars {
		seen[v.Key] = struct{}{}
	}
	out := make([]Var, len(b.vars), len(b.vars)+len(extra))
	copy(out, b.vars)
	for _, v := range extra {
		if v.Key == "" || v.Value == nil {
			return Bundle{}, fmt.Errorf("environment entry without key or value")
		}
		if _, dup := seen[v.Key]; dup {
			return Bundle{}, fmt.Errorf("environment key %s already defined", v.Key)
		}
		seen[v.Key] = struct{}{}
		out = append(out, v)
	}
	return Bundle{vars: out}, nil
}

// Deps returns the resources any entry reads.
func (b Bundle) Deps() []string {
	lists := make([][]string, 0, len(b.vars))
	for _, v := range b.vars {
		lists = append(lists, v.Value.Deps())
	}
	return deferred.Union(lists...)
}

// Resolve awaits every entry in order and renders KEY=VALUE strings. Each
// entry waits only for its own source.
func (b Bundle) Resolve(ctx context.Context) ([]string, error) {
	out := make([]string, 0, len(b.vars))
	for _, v := range b.vars {
		val, err := v.Value.Await(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", v.Key, err)
		}
		out = append(out, v.Key+"="+val)
	}
	return out, nil
}
