//go:build linux

package preflight

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestAccessReportsMissingPath(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, access(dir, modeWrite))
	assert.ErrorIs(t, access(filepath.Join(dir, "missing"), modeWrite), unix.ENOENT)
}
