package stages

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/QVSorrow/low-level-video/internal/media"
	"github.com/QVSorrow/low-level-video/internal/render"
	"github.com/QVSorrow/low-level-video/internal/surface"
)

const stageRender = "render"

// Render drives a renderer against an encoder input surface.
type Render struct {
	renderer render.Renderer
	surface  surface.Surface
	counters *render.Counters
	logger   *slog.Logger
	prepared bool
}

// NewRender creates the stage. counters may be nil.
func NewRender(r render.Renderer, s surface.Surface, counters *render.Counters, logger *slog.Logger) *Render {
	if logger == nil {
		logger = slog.Default()
	}
	if counters == nil {
		counters = &render.Counters{}
	}
	return &Render{
		renderer: r,
		surface:  s,
		counters: counters,
		logger:   logger.With(slog.String("stage", stageRender)),
	}
}

// Prepare runs the renderer's one-time setup and tells it the surface size.
func (r *Render) Prepare(width, height int) error {
	if err := r.renderer.Prepare(r.surface); err != nil {
		return media.NewStageError(stageRender, "prepare", err)
	}
	r.prepared = true
	if err := r.renderer.Resize(r.surface, width, height); err != nil {
		return media.NewStageError(stageRender, "resize", err)
	}
	r.logger.Debug("renderer prepared", slog.Int("width", width), slog.Int("height", height))
	return nil
}

// RenderFrame draws frame frameIndex, stamps the surface with frameTime and
// submits it. It returns true after the renderer's last frame.
func (r *Render) RenderFrame(frameIndex int, frameTime time.Duration) (bool, error) {
	if !r.prepared {
		return false, media.NewStageError(stageRender, "draw", fmt.Errorf("renderer not prepared"))
	}
	last, err := r.renderer.DrawFrame(r.surface, frameIndex, frameTime)
	if err != nil {
		return false, media.NewStageError(stageRender, "draw", err)
	}
	r.surface.SetPresentationTime(frameTime.Nanoseconds())
	if err := r.surface.SwapBuffers(); err != nil {
		return false, media.NewStageError(stageRender, "swap", err)
	}
	r.counters.Record(frameIndex, frameTime)
	return last, nil
}

// Counters returns the published progress.
func (r *Render) Counters() *render.Counters { return r.counters }

// Teardown runs the renderer's teardown if Prepare ran.
func (r *Render) Teardown() error {
	if !r.prepared {
		return nil
	}
	r.prepared = false
	return r.renderer.Teardown()
}
