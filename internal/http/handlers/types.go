// Package handlers provides HTTP API handlers for lowvideo serve mode.
package handlers

import (
	"github.com/QVSorrow/low-level-video/internal/container"
	"github.com/QVSorrow/low-level-video/internal/jobs"
	"github.com/QVSorrow/low-level-video/internal/pipeline"
	"github.com/QVSorrow/low-level-video/internal/render"
)

// JobResponse is a job in API responses.
type JobResponse = jobs.Job

// TranscodeRequest is the body for starting a transcode. Unset fields take
// the server's configured defaults.
type TranscodeRequest struct {
	Input          string   `json:"input" doc:"Path of the source file on the server" minLength:"1"`
	Output         string   `json:"output,omitempty" doc:"Output name inside the output directory. Generated when empty."`
	VideoMediaType string   `json:"video_media_type,omitempty" doc:"Output video MIME type" example:"video/hevc"`
	BitRate        *int     `json:"bit_rate,omitempty" doc:"Target bitrate in bits per second" minimum:"1"`
	FrameRate      *int     `json:"frame_rate,omitempty" doc:"Nominal frame rate" minimum:"1"`
	IFrameInterval *int     `json:"i_frame_interval,omitempty" doc:"Seconds between key frames" minimum:"0"`
	Scale          *float64 `json:"scale,omitempty" doc:"Output size factor" exclusiveMinimum:"0"`
	Container      string   `json:"container,omitempty" doc:"Output container" enum:"mp4,webm,3gp,heif,ogg,ts"`
	EvenDimensions *bool    `json:"even_dimensions,omitempty" doc:"Round the scaled size down to even values"`
}

// Apply overlays the request on base.
func (r TranscodeRequest) Apply(base pipeline.Options) pipeline.Options {
	o := base
	if r.VideoMediaType != "" {
		o.VideoMediaType = r.VideoMediaType
	}
	if r.BitRate != nil {
		o.BitRate = *r.BitRate
	}
	if r.FrameRate != nil {
		o.FrameRate = *r.FrameRate
	}
	if r.IFrameInterval != nil {
		o.IFrameInterval = *r.IFrameInterval
	}
	if r.Scale != nil {
		o.Scale = *r.Scale
	}
	if r.Container != "" {
		o.Container = container.ParseFormat(r.Container)
	}
	if r.EvenDimensions != nil {
		o.EvenDimensions = *r.EvenDimensions
	}
	return o
}

// RecordRequest is the body for starting a recording. Unset fields take the
// server's configured defaults.
type RecordRequest struct {
	Output         string `json:"output,omitempty" doc:"Output name inside the output directory. Generated when empty."`
	VideoMediaType string `json:"video_media_type,omitempty" doc:"Output video MIME type" example:"video/avc"`
	Width          *int   `json:"width,omitempty" minimum:"1"`
	Height         *int   `json:"height,omitempty" minimum:"1"`
	BitRate        *int   `json:"bit_rate,omitempty" minimum:"1"`
	FrameRate      *int   `json:"frame_rate,omitempty" minimum:"1"`
	IFrameInterval *int   `json:"i_frame_interval,omitempty" minimum:"0"`
	Container      string `json:"container,omitempty" enum:"mp4,webm,3gp,heif,ogg,ts"`
	Renderer       string `json:"renderer,omitempty" doc:"Built-in renderer" enum:"colors,pattern,still"`
	MaxFrames      *int   `json:"max_frames,omitempty" doc:"Index of the last rendered frame" minimum:"0"`
	Seed           uint64 `json:"seed,omitempty" doc:"Colour sequence seed. Zero picks one at random."`
	ImagePath      string `json:"image_path,omitempty" doc:"Picture shown by the still renderer"`
}

// Apply overlays the request on the base recording and renderer options.
func (r RecordRequest) Apply(base pipeline.RecordOptions, baseRender render.Options) (pipeline.RecordOptions, render.Options) {
	o := base
	if r.VideoMediaType != "" {
		o.VideoMediaType = r.VideoMediaType
	}
	if r.Width != nil {
		o.Width = *r.Width
	}
	if r.Height != nil {
		o.Height = *r.Height
	}
	if r.BitRate != nil {
		o.BitRate = *r.BitRate
	}
	if r.FrameRate != nil {
		o.FrameRate = *r.FrameRate
	}
	if r.IFrameInterval != nil {
		o.IFrameInterval = *r.IFrameInterval
	}
	if r.Container != "" {
		o.Container = container.ParseFormat(r.Container)
	}

	ro := baseRender
	if r.Renderer != "" {
		ro.Name = r.Renderer
	}
	if r.MaxFrames != nil {
		ro.MaxFrames = *r.MaxFrames
	}
	if r.Seed != 0 {
		ro.Seed = r.Seed
	}
	if r.ImagePath != "" {
		ro.ImagePath = r.ImagePath
	}
	return o, ro
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string            `json:"status"`
	Timestamp     string            `json:"timestamp"`
	Version       string            `json:"version"`
	Uptime        string            `json:"uptime"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	CPUInfo       CPUInfo           `json:"cpu_info"`
	Memory        MemoryInfo        `json:"memory"`
	Jobs          JobCounts         `json:"jobs"`
	FFmpeg        *FFmpegHealth     `json:"ffmpeg,omitempty"`
	Checks        map[string]string `json:"checks,omitempty"`
}

// CPUInfo holds load averages.
type CPUInfo struct {
	Cores              int     `json:"cores"`
	Load1Min           float64 `json:"load_1min"`
	Load5Min           float64 `json:"load_5min"`
	Load15Min          float64 `json:"load_15min"`
	LoadPercentage1Min float64 `json:"load_percentage_1min"`
}

// MemoryInfo holds system and process memory in MiB.
type MemoryInfo struct {
	TotalMemoryMB     float64           `json:"total_memory_mb"`
	UsedMemoryMB      float64           `json:"used_memory_mb"`
	AvailableMemoryMB float64           `json:"available_memory_mb"`
	ProcessMemory     ProcessMemoryInfo `json:"process_memory"`
}

// ProcessMemoryInfo covers this process and its children, which are the
// ffmpeg codec processes of running jobs.
type ProcessMemoryInfo struct {
	MainProcessMB      float64 `json:"main_process_mb"`
	ChildProcessesMB   float64 `json:"child_processes_mb"`
	TotalProcessTreeMB float64 `json:"total_process_tree_mb"`
	ChildProcessCount  int     `json:"child_process_count"`
	PercentageOfSystem float64 `json:"percentage_of_system"`
}

// JobCounts counts jobs by status.
type JobCounts struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// FFmpegHealth reports the detected ffmpeg binary.
type FFmpegHealth struct {
	Status  string `json:"status"`
	Path    string `json:"path,omitempty"`
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}
