// Package state persists the last known deployment so that down, outputs
// and the status API work across invocations.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/carlosprados/airstack/internal/provision"
	"github.com/carlosprados/airstack/internal/store"
)

const snapshotFile = "snapshot.json"

// ErrNoSnapshot is returned by Load when nothing was deployed from dir.
var ErrNoSnapshot = errors.New("no deployment snapshot")

type PlanStatus struct {
	Status  string    `json:"status"` // applying|applied|partial|failed|destroyed
	Error   string    `json:"error,omitempty"`
	Updated time.Time `json:"updated"`
}

type Snapshot struct {
	DeploymentID string               `json:"deployment_id"`
	Stack        string               `json:"stack"`
	Network      string               `json:"network"`
	Volume       string               `json:"volume"`
	Plan         PlanStatus           `json:"plan"`
	Layers       [][]string           `json:"layers"`
	Edges        []provision.Edge     `json:"edges"`
	Resources    []store.ResourceInfo `json:"resources"`
	Containers   []string             `json:"containers"` // teardown order
	Outputs      map[string]string    `json:"outputs"`
}

// New starts a snapshot for a fresh deployment.
func New(stack string) Snapshot {
	return Snapshot{DeploymentID: uuid.NewString(), Stack: stack, Outputs: map[string]string{}}
}

// Save writes the snapshot atomically.
func Save(dir string, snap Snapshot) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, snapshotFile)
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func Load(dir string) (Snapshot, error) {
	var snap Snapshot
	b, err := os.ReadFile(filepath.Join(dir, snapshotFile))
	if errors.Is(err, os.ErrNotExist) {
		return snap, ErrNoSnapshot
	}
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(b, &snap); err != nil {
		return snap, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}
