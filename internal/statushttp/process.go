package statushttp

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

var startedAt = time.Now()

// ProcessStats describes the daemon process in /healthz.
type ProcessStats struct {
	PID        int     `json:"pid"`
	Uptime     string  `json:"uptime"`
	Goroutines int     `json:"goroutines"`
	CPUPercent float64 `json:"cpuPercent"`
	RSS        uint64  `json:"rss"`
}

func processStats() *ProcessStats {
	stats := &ProcessStats{
		PID:        os.Getpid(),
		Uptime:     time.Since(startedAt).Round(time.Second).String(),
		Goroutines: runtime.NumGoroutine(),
	}

	// best effort; some platforms restrict process introspection
	p, err := process.NewProcess(int32(stats.PID))
	if err != nil {
		return stats
	}
	if cpu, err := p.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := p.MemoryInfo(); err == nil {
		stats.RSS = mem.RSS
	}
	return stats
}
