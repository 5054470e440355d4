package ffmpeg

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessStats contains resource usage statistics for an FFmpeg process.
type ProcessStats struct {
	PID int `json:"pid"`

	CPUPercent     float64 `json:"cpu_percent"` // 0-100 per core
	MemoryRSSBytes uint64  `json:"memory_rss_bytes"`
	MemoryRSSMB    float64 `json:"memory_rss_mb"`
	MemoryVMSBytes uint64  `json:"memory_vms_bytes"`
	MemoryPercent  float32 `json:"memory_percent"`
	NumThreads     int32   `json:"num_threads"`

	// EncodingSpeed is the last speed= value ffmpeg reported, 0 if none yet.
	EncodingSpeed float64 `json:"encoding_speed"`
	BytesWritten  uint64  `json:"bytes_written"`
	BytesRead     uint64  `json:"bytes_read"`

	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	LastUpdated time.Time     `json:"last_updated"`
}

// sampleProcess reads CPU and memory usage of pid. Fields that cannot be read
// on this platform are left zero.
func sampleProcess(ctx context.Context, pid int) (ProcessStats, error) {
	stats := ProcessStats{PID: pid, LastUpdated: time.Now()}

	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return stats, fmt.Errorf("process %d: %w", pid, err)
	}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		stats.MemoryRSSBytes = mem.RSS
		stats.MemoryVMSBytes = mem.VMS
		stats.MemoryRSSMB = float64(mem.RSS) / (1024 * 1024)
	}
	if pct, err := p.MemoryPercentWithContext(ctx); err == nil {
		stats.MemoryPercent = pct
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		stats.NumThreads = n
	}
	return stats, nil
}
