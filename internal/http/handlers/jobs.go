package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"github.com/QVSorrow/low-level-video/internal/jobs"
	"github.com/QVSorrow/low-level-video/internal/media"
	"github.com/QVSorrow/low-level-video/internal/observability"
	"github.com/QVSorrow/low-level-video/internal/pipeline"
	"github.com/QVSorrow/low-level-video/internal/render"
	"github.com/QVSorrow/low-level-video/internal/storage"
)

// JobManager runs background jobs. *jobs.Manager implements it.
type JobManager interface {
	StartTranscode(req jobs.TranscodeRequest) (jobs.Job, error)
	StartRecording(req jobs.RecordRequest) (jobs.Job, error)
	Get(id string) (jobs.Job, error)
	List() []jobs.Job
	Cancel(id string) error
}

// Defaults are the options requests start from.
type Defaults struct {
	Transcode pipeline.Options
	Record    pipeline.RecordOptions
	Render    render.Options
}

// JobHandler handles job API endpoints.
type JobHandler struct {
	manager           JobManager
	defaults          Defaults
	heartbeatInterval time.Duration
	pollInterval      time.Duration
}

// NewJobHandler creates a new job handler.
func NewJobHandler(manager JobManager, defaults Defaults) *JobHandler {
	return &JobHandler{
		manager:           manager,
		defaults:          defaults,
		heartbeatInterval: 15 * time.Second,
		pollInterval:      500 * time.Millisecond,
	}
}

// SetStreamIntervals sets how often the event stream polls job progress and
// sends heartbeats.
func (h *JobHandler) SetStreamIntervals(poll, heartbeat time.Duration) {
	h.pollInterval = poll
	h.heartbeatInterval = heartbeat
}

// Register registers the job routes with the API.
func (h *JobHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listJobs",
		Method:      http.MethodGet,
		Path:        "/api/v1/jobs",
		Summary:     "List jobs",
		Description: "Returns all jobs, newest first",
		Tags:        []string{"Jobs"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getJob",
		Method:      http.MethodGet,
		Path:        "/api/v1/jobs/{id}",
		Summary:     "Get job",
		Description: "Returns a job with its current progress",
		Tags:        []string{"Jobs"},
	}, h.GetByID)

	huma.Register(api, huma.Operation{
		OperationID:   "startTranscode",
		Method:        http.MethodPost,
		Path:          "/api/v1/jobs/transcode",
		Summary:       "Start transcode",
		Description:   "Queues a transcode of a file on the server",
		Tags:          []string{"Jobs"},
		DefaultStatus: http.StatusAccepted,
	}, h.StartTranscode)

	huma.Register(api, huma.Operation{
		OperationID:   "startRecording",
		Method:        http.MethodPost,
		Path:          "/api/v1/jobs/record",
		Summary:       "Start recording",
		Description:   "Queues a recording of a built-in renderer",
		Tags:          []string{"Jobs"},
		DefaultStatus: http.StatusAccepted,
	}, h.StartRecording)

	huma.Register(api, huma.Operation{
		OperationID:   "cancelJob",
		Method:        http.MethodDelete,
		Path:          "/api/v1/jobs/{id}",
		Summary:       "Cancel job",
		Description:   "Cancels a queued or running job and discards its partial output",
		Tags:          []string{"Jobs"},
		DefaultStatus: http.StatusAccepted,
	}, h.Cancel)
}

// RegisterSSE registers the progress event stream on a chi router.
// Huma does not stream, so this is a plain handler.
func (h *JobHandler) RegisterSSE(router chi.Router) {
	router.Get("/api/v1/jobs/{id}/events", h.handleEvents)
}

// ListJobsInput is the input for listing jobs.
type ListJobsInput struct {
	Status string `query:"status" doc:"Only jobs with this status" enum:"queued,running,succeeded,failed,cancelled"`
	Kind   string `query:"kind" doc:"Only jobs of this kind" enum:"transcode,record"`
}

// ListJobsOutput is the output for listing jobs.
type ListJobsOutput struct {
	Body struct {
		Jobs []JobResponse `json:"jobs"`
	}
}

// List returns all jobs.
func (h *JobHandler) List(ctx context.Context, input *ListJobsInput) (*ListJobsOutput, error) {
	resp := &ListJobsOutput{}
	resp.Body.Jobs = make([]JobResponse, 0)
	for _, j := range h.manager.List() {
		if input.Status != "" && string(j.Status) != input.Status {
			continue
		}
		if input.Kind != "" && string(j.Kind) != input.Kind {
			continue
		}
		resp.Body.Jobs = append(resp.Body.Jobs, j)
	}
	return resp, nil
}

// GetJobInput is the input for getting a job.
type GetJobInput struct {
	ID string `path:"id" doc:"Job ID (ULID)"`
}

// JobOutput wraps a single job.
type JobOutput struct {
	Body JobResponse
}

// GetByID returns a job by ID.
func (h *JobHandler) GetByID(ctx context.Context, input *GetJobInput) (*JobOutput, error) {
	j, err := h.manager.Get(input.ID)
	if err != nil {
		return nil, jobError(err)
	}
	return &JobOutput{Body: j}, nil
}

// StartTranscodeInput is the input for starting a transcode.
type StartTranscodeInput struct {
	Body TranscodeRequest
}

// StartTranscode queues a transcode.
func (h *JobHandler) StartTranscode(ctx context.Context, input *StartTranscodeInput) (*JobOutput, error) {
	j, err := h.manager.StartTranscode(jobs.TranscodeRequest{
		Input:   input.Body.Input,
		Output:  input.Body.Output,
		Options: input.Body.Apply(h.defaults.Transcode),
	})
	if err != nil {
		return nil, jobError(err)
	}
	observability.LoggerFromContext(ctx).Info("transcode job accepted",
		slog.String("job_id", j.ID),
		slog.String("input", j.Input),
	)
	return &JobOutput{Body: j}, nil
}

// StartRecordingInput is the input for starting a recording.
type StartRecordingInput struct {
	Body RecordRequest
}

// StartRecording queues a recording.
func (h *JobHandler) StartRecording(ctx context.Context, input *StartRecordingInput) (*JobOutput, error) {
	opts, ro := input.Body.Apply(h.defaults.Record, h.defaults.Render)
	j, err := h.manager.StartRecording(jobs.RecordRequest{
		Output:   input.Body.Output,
		Options:  opts,
		Renderer: ro,
	})
	if err != nil {
		return nil, jobError(err)
	}
	observability.LoggerFromContext(ctx).Info("record job accepted",
		slog.String("job_id", j.ID),
		slog.String("renderer", ro.Name),
	)
	return &JobOutput{Body: j}, nil
}

// Cancel cancels a job.
func (h *JobHandler) Cancel(ctx context.Context, input *GetJobInput) (*JobOutput, error) {
	if err := h.manager.Cancel(input.ID); err != nil {
		return nil, jobError(err)
	}
	j, err := h.manager.Get(input.ID)
	if err != nil {
		return nil, jobError(err)
	}
	return &JobOutput{Body: j}, nil
}

// jobError maps manager errors onto HTTP errors.
func jobError(err error) error {
	var ce *media.ConfigurationError
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		return huma.Error404NotFound("job not found", err)
	case errors.Is(err, jobs.ErrJobFinished):
		return huma.Error409Conflict("job already finished", err)
	case errors.Is(err, jobs.ErrStopped):
		return huma.Error503ServiceUnavailable("server is shutting down", err)
	case errors.As(err, &ce):
		return huma.Error422UnprocessableEntity(ce.Error(), err)
	case errors.Is(err, storage.ErrEscapesSandbox):
		return huma.Error400BadRequest("output must stay inside the output directory", err)
	default:
		return huma.Error400BadRequest(err.Error(), err)
	}
}

// handleEvents streams job snapshots as server-sent events until the job
// finishes or the client goes away. The last event is "done".
func (h *JobHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	logger := observability.LoggerFromContext(r.Context()).With(slog.String("job_id", id))

	j, err := h.manager.Get(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	rc := http.NewResponseController(w)
	// the stream outlives the server write timeout
	_ = rc.SetWriteDeadline(time.Time{})

	poll := time.NewTicker(h.pollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	var last JobResponse
	for {
		if j != last {
			event := "progress"
			if j.Status.Finished() {
				event = "done"
			}
			if err := writeEvent(w, event, j); err != nil {
				logger.Debug("event write failed", slog.String("error", err.Error()))
				return
			}
			if err := rc.Flush(); err != nil {
				logger.Debug("event flush failed, client likely disconnected", slog.String("error", err.Error()))
				return
			}
			if event == "done" {
				return
			}
			last = j
		}

		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ":heartbeat %d\n\n", time.Now().Unix())
			if err := rc.Flush(); err != nil {
				return
			}
		case <-poll.C:
			if j, err = h.manager.Get(id); err != nil {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, j JobResponse) error {
	data, err := json.Marshal(j)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
