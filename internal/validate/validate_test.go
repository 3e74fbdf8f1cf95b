package validate

import (
	"testing"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, src string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, toml.Unmarshal([]byte(src), &m))
	return m
}

func TestValidateStackMapAccepts(t *testing.T) {
	m := decode(t, `
[stack]
name = "local"
parallelism = 2

[airflow]
version = "2.9.0"
webserver_port = 8080

[aws]
region = "us-east-1"
`)
	assert.NoError(t, ValidateStackMap(m))
}

func TestValidateStackMapRejects(t *testing.T) {
	cases := map[string]string{
		"unknown section": "[nope]\nx = 1\n",
		"unknown key":     "[airflow]\nversoin = \"2.9.0\"\n",
		"port range":      "[database]\nport = 70000\n",
		"wrong type":      "[stack]\nparallelism = \"four\"\n",
		"bad platform":    "[runtime]\nplatform = \"amd64\"\n",
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, ValidateStackMap(decode(t, src)))
		})
	}
}
