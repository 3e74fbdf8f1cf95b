package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/carlosprados/airstack/internal/state"
)

// Router returns the HTTP handler for the local status API.
func (a *Agent) Router() http.Handler {
	mux := http.NewServeMux()

	// Liveness probe
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"uptime":   time.Since(a.start).String(),
			"closed":   a.closed.Load(),
			"time_utc": time.Now().UTC().Format(time.RFC3339),
		})
	})

	mux.HandleFunc("/v1/resources", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, a.resources.List())
	})

	mux.HandleFunc("/v1/outputs", func(w http.ResponseWriter, r *http.Request) {
		out, err := a.Outputs()
		if errors.Is(err, state.ErrNoSnapshot) {
			http.Error(w, "no deployment", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, out)
	})

	// Prometheus metrics
	mux.Handle("/metrics", promhttp.Handler())

	// Plan status
	mux.HandleFunc("/v1/plan/status", func(w http.ResponseWriter, r *http.Request) {
		snap := a.Snapshot()
		writeJSON(w, http.StatusOK, map[string]any{
			"deploymentId": snap.DeploymentID,
			"stack":        snap.Stack,
			"status":       snap.Plan.Status,
			"error":        snap.Plan.Error,
			"updated":      snap.Plan.Updated,
			"resources":    snap.Resources,
		})
	})

	// Plan graph (layers, edges, flattened order)
	mux.HandleFunc("/v1/plan/graph", func(w http.ResponseWriter, r *http.Request) {
		snap := a.Snapshot()
		layers, edges := snap.Layers, snap.Edges
		if len(layers) == 0 {
			var err error
			if layers, edges, err = a.Plan(); err != nil {
				http.Error(w, err.Error(), http.StatusUnprocessableEntity)
				return
			}
		}
		var order []string
		for _, l := range layers {
			order = append(order, l...)
		}
		writeJSON(w, http.StatusOK, map[string]any{"layers": layers, "edges": edges, "order": order})
	})

	// Plan apply (POST): declares the stack in the background.
	mux.HandleFunc("/v1/plan/apply", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !a.applying.CompareAndSwap(false, true) {
			http.Error(w, "apply in progress", http.StatusConflict)
			return
		}
		go func() {
			defer a.applying.Store(false)
			if _, err := a.up(context.Background()); err != nil {
				log.Error().Err(err).Msg("apply failed")
			}
		}()
		w.WriteHeader(http.StatusAccepted)
	})

	// Root handler with tiny landing
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("airstack agent is running. See /healthz, /metrics and /v1/resources\n"))
	})

	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
