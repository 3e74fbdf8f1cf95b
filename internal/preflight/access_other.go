//go:build !linux

package preflight

const (
	modeWrite     = 0x2
	modeReadWrite = 0x6
)

// Docker Desktop brokers both the socket and bind mounts.
func access(string, uint32) error { return nil }
