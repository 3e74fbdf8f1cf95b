package compose

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/carlosprados/airstack/internal/resource"
)

func fixture() []resource.Container {
	net := resource.NetworkRef{Name: "local-airflow-v1-network"}
	img := resource.ImageRef{Name: "apache/airflow:2.9.0"}
	return []resource.Container{
		{
			Name: "airflow_postgres", Image: resource.ImageRef{Name: "postgres:16-bookworm"}, Network: net,
			Ports:   []resource.PortMapping{{Internal: 5432, External: 5433}},
			Volumes: []resource.VolumeRef{{Name: "airflow_postgres_volume", Target: "/var/lib/postgresql/data"}},
			Health:  &resource.HealthProbe{Test: []string{"CMD", "pg_isready", "-U", "airflow"}, Interval: 10 * time.Second, Retries: 5},
			Restart: resource.RestartUnlessStopped,
		},
		{
			Name: "airflow-init", Image: img, Network: net, RunOnce: true,
			Entrypoint: []string{"/bin/bash"}, Command: []string{"-c", `chown "${AIRFLOW_UID:-0}:0" /sources`},
			Env:     []string{"AIRFLOW_UID=1000"},
			Binds:   []resource.BindMount{{HostPath: "/home/me/airflow", Target: "/opt/airflow"}},
			Restart: resource.RestartOnFailure,
		},
		{
			Name: "airflow-webserver", Image: img, Network: net, Command: []string{"webserver"},
			Ports:   []resource.PortMapping{{Internal: 8080, External: 8080}},
			Restart: resource.RestartUnlessStopped,
		},
	}
}

func TestBuild(t *testing.T) {
	f, err := Build("airstack", fixture(), map[string][]string{
		"airflow-init":      {"airflow_postgres"},
		"airflow-webserver": {"airflow-init", "airflow_postgres"},
	})
	require.NoError(t, err)

	web := f.Services["airflow-webserver"]
	assert.Equal(t, []string{"8080:8080"}, web.Ports)
	assert.Equal(t, "service_completed_successfully", web.DependsOn["airflow-init"].Condition)
	assert.Equal(t, "service_healthy", web.DependsOn["airflow_postgres"].Condition)

	initSvc := f.Services["airflow-init"]
	assert.Equal(t, `chown "$${AIRFLOW_UID:-0}:0" /sources`, initSvc.Command[1])
	assert.Equal(t, []string{"/home/me/airflow:/opt/airflow"}, initSvc.Volumes)
	assert.Equal(t, "on-failure", initSvc.Restart)

	pg := f.Services["airflow_postgres"]
	assert.Equal(t, "10s", pg.HealthCheck.Interval)
	assert.Contains(t, f.Volumes, "airflow_postgres_volume")
	assert.Contains(t, f.Networks, "local-airflow-v1-network")
}

func TestBuildRejectsUnknownDependency(t *testing.T) {
	_, err := Build("airstack", fixture(), map[string][]string{"airflow-webserver": {"ghost"}})
	assert.ErrorContains(t, err, "ghost")
}

func TestRenderIsValidYAML(t *testing.T) {
	out, err := Render("airstack", fixture(), nil)
	require.NoError(t, err)
	var back File
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Len(t, back.Services, 3)
	assert.Equal(t, "airstack", back.Name)
}
