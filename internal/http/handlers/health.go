package handlers

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/QVSorrow/low-level-video/internal/ffmpeg"
	"github.com/QVSorrow/low-level-video/internal/jobs"
)

// FFmpegDetector finds the ffmpeg binary.
type FFmpegDetector interface {
	Detect(ctx context.Context) (*ffmpeg.BinaryInfo, error)
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	version   string
	startTime time.Time
	jobs      JobManager
	detector  FFmpegDetector
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
	}
}

// WithJobs adds job counts to the health report.
func (h *HealthHandler) WithJobs(m JobManager) *HealthHandler {
	h.jobs = m
	return h
}

// WithFFmpeg adds the ffmpeg binary check to the health report.
func (h *HealthHandler) WithFFmpeg(d FFmpegDetector) *HealthHandler {
	h.detector = d
	return h
}

// HealthInput is the input for the health check endpoint.
type HealthInput struct{}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the service including system metrics",
		Tags:        []string{"System"},
	}, h.GetHealth)
}

// GetHealth returns the health status of the service. A missing ffmpeg
// binary degrades the status since no job can run without it.
func (h *HealthHandler) GetHealth(ctx context.Context, input *HealthInput) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	resp := HealthResponse{
		Status:        "healthy",
		Timestamp:     now.UTC().Format(time.RFC3339),
		Version:       h.version,
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
		CPUInfo:       h.getCPUInfo(),
		Memory:        h.getMemoryInfo(),
		Checks:        map[string]string{},
	}

	if h.jobs != nil {
		resp.Jobs = countJobs(h.jobs.List())
		resp.Checks["jobs"] = "ok"
	}

	if h.detector != nil {
		fh := &FFmpegHealth{Status: "ok"}
		info, err := h.detector.Detect(ctx)
		if err != nil {
			fh.Status = "error"
			fh.Error = err.Error()
			resp.Status = "degraded"
		} else {
			fh.Path = info.FFmpegPath
			fh.Version = info.Version
		}
		resp.FFmpeg = fh
		resp.Checks["ffmpeg"] = fh.Status
	}

	return &HealthOutput{Body: resp}, nil
}

func countJobs(list []jobs.Job) JobCounts {
	var c JobCounts
	for _, j := range list {
		switch j.Status {
		case jobs.StatusQueued:
			c.Queued++
		case jobs.StatusRunning:
			c.Running++
		case jobs.StatusSucceeded:
			c.Succeeded++
		case jobs.StatusFailed:
			c.Failed++
		case jobs.StatusCancelled:
			c.Cancelled++
		}
	}
	return c
}

// getCPUInfo returns CPU load information.
func (h *HealthHandler) getCPUInfo() CPUInfo {
	cores := runtime.NumCPU()
	info := CPUInfo{Cores: cores}

	loadAvg, err := load.Avg()
	if err == nil && loadAvg != nil {
		info.Load1Min = loadAvg.Load1
		info.Load5Min = loadAvg.Load5
		info.Load15Min = loadAvg.Load15
		if cores > 0 {
			info.LoadPercentage1Min = (loadAvg.Load1 / float64(cores)) * 100
		}
	}
	return info
}

// getMemoryInfo returns memory usage information.
func (h *HealthHandler) getMemoryInfo() MemoryInfo {
	info := MemoryInfo{}

	vmStat, err := mem.VirtualMemory()
	if err == nil && vmStat != nil {
		info.TotalMemoryMB = float64(vmStat.Total) / 1024 / 1024
		info.UsedMemoryMB = float64(vmStat.Used) / 1024 / 1024
		info.AvailableMemoryMB = float64(vmStat.Available) / 1024 / 1024
	}

	info.ProcessMemory = h.getProcessMemoryInfo(info.TotalMemoryMB)
	return info
}

// getProcessMemoryInfo sums the resident memory of this process and its
// children.
func (h *HealthHandler) getProcessMemoryInfo(totalSystemMB float64) ProcessMemoryInfo {
	info := ProcessMemoryInfo{}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return info
	}

	memInfo, err := proc.MemoryInfo()
	if err == nil && memInfo != nil {
		info.MainProcessMB = float64(memInfo.RSS) / 1024 / 1024
		info.TotalProcessTreeMB = info.MainProcessMB
	}

	children, err := proc.Children()
	if err == nil {
		info.ChildProcessCount = len(children)
		for _, child := range children {
			childMem, err := child.MemoryInfo()
			if err == nil && childMem != nil {
				childMB := float64(childMem.RSS) / 1024 / 1024
				info.ChildProcessesMB += childMB
				info.TotalProcessTreeMB += childMB
			}
		}
	}

	if totalSystemMB > 0 {
		info.PercentageOfSystem = (info.TotalProcessTreeMB / totalSystemMB) * 100
	}
	return info
}
