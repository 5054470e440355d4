// Package pipeline runs the multi-stage media pipelines.
//
// The pipeline is organized into several sub-packages:
//   - core: run state, completion, progress, timestamp guard, failure budget, teardown
//   - stages: the extractor, decode, encode, mux and render stages
//
// This package holds the coordinators that drive those stages: Transcoder
// (three goroutines, one per stage boundary) and Recorder (one goroutine
// driving render, encode and mux in lockstep).
package pipeline

import (
	"github.com/QVSorrow/low-level-video/internal/pipeline/core"
)

// Re-export core types for convenience.
type (
	// ProgressSink receives the media time reached at each stage boundary.
	ProgressSink = core.ProgressSink

	// Progress is a snapshot of the boundary times.
	Progress = core.Progress

	// ProgressTracker keeps the latest boundary times.
	ProgressTracker = core.ProgressTracker

	// TimestampPolicy selects how bad timestamps are handled at the muxer.
	TimestampPolicy = core.TimestampPolicy
)

// NewProgressTracker creates a tracker. callback may be nil.
func NewProgressTracker(callback core.ProgressCallback) *ProgressTracker {
	return core.NewProgressTracker(callback)
}
