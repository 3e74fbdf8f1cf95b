package state

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlosprados/airstack/internal/store"
)

func TestSaveLoad(t *testing.T) {
	dir := t.TempDir()
	snap := New("local")
	_, err := uuid.Parse(snap.DeploymentID)
	require.NoError(t, err)

	snap.Plan.Status = "applied"
	snap.Resources = []store.ResourceInfo{{Name: "airflow-webserver", Kind: "container", State: "declared"}}
	snap.Outputs["airflow-webserver-name"] = "airflow-webserver"
	require.NoError(t, Save(dir, snap))

	got, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, snap.DeploymentID, got.DeploymentID)
	assert.Equal(t, "airflow-webserver", got.Outputs["airflow-webserver-name"])
	assert.Len(t, got.Resources, 1)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(t.TempDir())
	assert.ErrorIs(t, err, ErrNoSnapshot)
}
