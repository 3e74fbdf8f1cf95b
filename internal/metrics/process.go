package metrics

import (
	"context"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	procCPU = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: "airstack", Subsystem: "agent", Name: "cpu_percent", Help: "Agent CPU percent"},
	)
	procRSS = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: "airstack", Subsystem: "agent", Name: "memory_rss_bytes", Help: "Agent RSS bytes"},
	)
)

func init() {
	prometheus.MustRegister(procCPU, procRSS)
}

// SampleSelf records the agent's own CPU and RSS every interval until ctx
// is done.
func SampleSelf(ctx context.Context, interval time.Duration) {
	p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return
	}
	// first call only sets the CPU baseline
	_, _ = p.CPUPercentWithContext(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
				procCPU.Set(cpu)
			}
			if mi, err := p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
				procRSS.Set(float64(mi.RSS))
			}
		}
	}
}
