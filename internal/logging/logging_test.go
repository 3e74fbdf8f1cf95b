package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"", zerolog.InfoLevel},
		{"debug", zerolog.DebugLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"trace", zerolog.TraceLevel},
		{" Disabled ", zerolog.Disabled},
		{"loud", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestInitWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "airstack.log")
	cleanup, err := Init(Options{Level: "info", File: path})
	require.NoError(t, err)
	defer cleanup()

	log.Info().Str("resource", "airflow-init").Msg("hello")
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"resource":"airflow-init"`)
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}
