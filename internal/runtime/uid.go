package runtime

import "os"

// HostUID returns the UID of the invoking user. Files created by the init
// task under the bound host directories are chowned to it. Platforms with no
// such notion report 0 and let Docker Desktop map ownership.
func HostUID() int {
	if uid := os.Getuid(); uid >= 0 {
		return uid
	}
	return 0
}
