// Package preflight checks that the host can run the stack before anything
// is declared. Shortfalls are warnings: the stack may still come up slowly.
package preflight

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

const (
	MinMemoryBytes = 4000 << 20
	MinCPUs        = 2
	MinDiskBytes   = 10 << 30
)

type Report struct {
	MemoryBytes   uint64   `json:"memory_bytes"`
	CPUs          int      `json:"cpus"`
	DiskFreeBytes uint64   `json:"disk_free_bytes"`
	DockerSocket  string   `json:"docker_socket,omitempty"`
	Warnings      []string `json:"warnings,omitempty"`
}

// hostChecks are swapped in tests.
type hostChecks struct {
	memory func(context.Context) (uint64, error)
	cpus   func(context.Context) (int, error)
	disk   func(context.Context, string) (uint64, error)
	access func(path string, mode uint32) error
}

var host = hostChecks{
	memory: func(ctx context.Context) (uint64, error) {
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return 0, err
		}
		return vm.Available, nil
	},
	cpus: func(ctx context.Context) (int, error) { return cpu.CountsWithContext(ctx, true) },
	disk: func(ctx context.Context, path string) (uint64, error) {
		u, err := disk.UsageWithContext(ctx, path)
		if err != nil {
			return 0, err
		}
		return u.Free, nil
	},
	access: access,
}

// Check measures available memory, logical CPUs and free disk under
// hostDir, then verifies the invoking user can write hostDir and talk to the
// Docker socket behind dockerHost.
func Check(ctx context.Context, hostDir, dockerHost string) (Report, error) {
	return host.check(ctx, hostDir, dockerHost)
}

func (p hostChecks) check(ctx context.Context, hostDir, dockerHost string) (Report, error) {
	var r Report
	var err error
	if r.MemoryBytes, err = p.memory(ctx); err != nil {
		return r, fmt.Errorf("memory: %w", err)
	}
	if r.CPUs, err = p.cpus(ctx); err != nil {
		return r, fmt.Errorf("cpus: %w", err)
	}
	// the host directory is created by the first apply
	dir := existingParent(hostDir)
	if r.DiskFreeBytes, err = p.disk(ctx, dir); err != nil {
		return r, fmt.Errorf("disk %s: %w", hostDir, err)
	}
	if r.MemoryBytes < MinMemoryBytes {
		r.Warnings = append(r.Warnings, fmt.Sprintf("at least 4GB of memory required, %d MB available", r.MemoryBytes>>20))
	}
	if r.CPUs < MinCPUs {
		r.Warnings = append(r.Warnings, fmt.Sprintf("at least 2 CPUs recommended, %d available", r.CPUs))
	}
	if r.DiskFreeBytes < MinDiskBytes {
		r.Warnings = append(r.Warnings, fmt.Sprintf("at least 10GB of disk recommended, %d MB free", r.DiskFreeBytes>>20))
	}
	if err := p.access(dir, modeWrite); err != nil {
		r.Warnings = append(r.Warnings, fmt.Sprintf("host directory %s is not writable: %v", dir, err))
	}
	if r.DockerSocket = DockerSocket(dockerHost); r.DockerSocket != "" {
		if err := p.access(r.DockerSocket, modeReadWrite); err != nil {
			r.Warnings = append(r.Warnings, fmt.Sprintf("docker socket %s is not usable: %v", r.DockerSocket, err))
		}
	}
	log.Debug().
		Uint64("memory", r.MemoryBytes).
		Int("cpus", r.CPUs).
		Uint64("disk_free", r.DiskFreeBytes).
		Str("socket", r.DockerSocket).
		Msg("host measured")
	return r, nil
}

// DockerSocket returns the local socket path the Docker client will dial, or
// "" when the daemon is reached over TCP or SSH.
func DockerSocket(dockerHost string) string {
	if dockerHost == "" {
		dockerHost = os.Getenv("DOCKER_HOST")
	}
	if dockerHost == "" {
		return "/var/run/docker.sock"
	}
	if path, ok := strings.CutPrefix(dockerHost, "unix://"); ok {
		return path
	}
	return ""
}

func existingParent(path string) string {
	for {
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(path)
		if parent == path {
			return path
		}
		path = parent
	}
}
