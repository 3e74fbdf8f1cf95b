package provision

import (
	"context"
	"errors"
	"os"
	"sort"
	"strconv"
	"sync"

	"github.com/carlosprados/airstack/internal/faults"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Options tunes Apply.
type Options struct {
	// Parallelism bounds concurrent declarations inside a layer. Zero reads
	// AIRSTACK_PARALLELISM and falls back to 4.
	Parallelism int
	Observer    Observer
}

// Result summarizes one Apply run.
type Result struct {
	Layers   [][]string
	Declared []string
	Failed   map[string]error
	Skipped  map[string]error
}

// Err joins every failure, sorted by resource name. Skips are reported
// through their upstream failure and are not repeated.
func (r *Result) Err() error {
	if len(r.Failed) == 0 {
		if len(r.Skipped) > 0 {
			// only possible when the context was canceled
			names := sortedKeys(r.Skipped)
			return r.Skipped[names[0]]
		}
		return nil
	}
	names := sortedKeys(r.Failed)
	errs := make([]error, 0, len(names))
	for _, n := range names {
		errs = append(errs, r.Failed[n])
	}
	return errors.Join(errs...)
}

// Apply declares resources layer by layer. A failed resource marks its
// transitive dependents skipped; independent resources continue and
// nothing already declared is rolled back.
func Apply(ctx context.Context, res []*Resource, opts Options) (*Result, error) {
	g, err := BuildGraph(res)
	if err != nil {
		return nil, err
	}
	layers, err := g.TopoLayers()
	if err != nil {
		return nil, err
	}
	limit := opts.Parallelism
	if limit <= 0 {
		limit = parallelismFromEnv()
	}

	result := &Result{Layers: layers, Failed: map[string]error{}, Skipped: map[string]error{}}
	var mu sync.Mutex
	// blocked maps a resource to the failure upstream of it
	blocked := map[string]error{}

	for i, layer := range layers {
		log.Debug().Int("layer", i).Strs("resources", layer).Msg("declaring layer")
		var eg errgroup.Group
		eg.SetLimit(limit)
		for _, name := range layer {
			r := g.Nodes[name]
			cause := blocked[name]
			if err := ctx.Err(); err != nil {
				cause = &faults.DependencyFailure{Resource: name, Upstream: "context", Err: err}
			}
			if cause != nil {
				r.skip(cause, opts.Observer)
				result.Skipped[name] = cause
				continue
			}
			eg.Go(func() error {
				err := r.Declare(ctx, opts.Observer)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					result.Failed[r.Name] = err
				} else {
					result.Declared = append(result.Declared, r.Name)
				}
				return nil
			})
		}
		_ = eg.Wait()
		for _, name := range layer {
			err, failed := result.Failed[name]
			if !failed {
				continue
			}
			for _, d := range g.Dependents(name) {
				if _, ok := blocked[d]; !ok {
					blocked[d] = &faults.DependencyFailure{Resource: d, Upstream: name, Err: err}
				}
			}
		}
	}
	sort.Strings(result.Declared)
	if len(result.Failed)+len(result.Skipped) > 0 {
		log.Error().Int("failed", len(result.Failed)).Int("skipped", len(result.Skipped)).Msg("stack partially declared")
	} else {
		log.Info().Int("resources", len(result.Declared)).Msg("all resources declared")
	}
	return result, result.Err()
}

func parallelismFromEnv() int {
	if v := os.Getenv("AIRSTACK_PARALLELISM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 4
}

func sortedKeys(m map[string]error) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
