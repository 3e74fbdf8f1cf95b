package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlosprados/airstack/internal/airflow"
	"github.com/carlosprados/airstack/internal/runtime"
	"github.com/carlosprados/airstack/internal/store"
)

func getJSON(t *testing.T, srv *httptest.Server, path string, v any) int {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestRouterBeforeDeployment(t *testing.T) {
	a := newAgent(testConfig(t), runtime.NewRecorder())
	srv := httptest.NewServer(a.Router())
	defer srv.Close()

	var health map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, srv, "/healthz", &health))
	assert.Equal(t, "ok", health["status"])

	assert.Equal(t, http.StatusNotFound, getJSON(t, srv, "/v1/outputs", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv, "/nope", nil))

	var status map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, srv, "/v1/plan/status", &status))
	assert.Equal(t, StatusIdle, status["status"])

	// the graph is computed from the config when nothing was applied
	var graph struct {
		Layers [][]string `json:"layers"`
		Order  []string   `json:"order"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, srv, "/v1/plan/graph", &graph))
	assert.NotEmpty(t, graph.Layers)
	assert.Contains(t, graph.Order, airflow.Flower)

	resp, err := http.Get(srv.URL + "/v1/plan/apply")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestRouterAfterDeployment(t *testing.T) {
	a := newAgent(testConfig(t), runtime.NewRecorder())
	_, err := a.Up(context.Background())
	require.NoError(t, err)
	srv := httptest.NewServer(a.Router())
	defer srv.Close()

	var out map[string]string
	assert.Equal(t, http.StatusOK, getJSON(t, srv, "/v1/outputs", &out))
	assert.Equal(t, airflow.Triggerer, out[airflow.OutTriggererName])

	var list []store.ResourceInfo
	assert.Equal(t, http.StatusOK, getJSON(t, srv, "/v1/resources", &list))
	assert.NotEmpty(t, list)
	for _, ri := range list {
		assert.Equal(t, "declared", ri.State, ri.Name)
	}

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRouterApply(t *testing.T) {
	a := newAgent(testConfig(t), runtime.NewRecorder())
	srv := httptest.NewServer(a.Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/plan/apply", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	assert.Eventually(t, func() bool {
		return !a.applying.Load() && a.Snapshot().Plan.Status == StatusApplied
	}, 5*time.Second, 20*time.Millisecond)
}
