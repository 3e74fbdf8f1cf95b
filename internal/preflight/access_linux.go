//go:build linux

package preflight

import "golang.org/x/sys/unix"

const (
	modeWrite     = unix.W_OK
	modeReadWrite = unix.R_OK | unix.W_OK
)

// access asks the kernel whether the real user may use path with mode.
func access(path string, mode uint32) error { return unix.Access(path, mode) }
