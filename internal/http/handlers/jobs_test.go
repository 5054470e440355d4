package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QVSorrow/low-level-video/internal/container"
	"github.com/QVSorrow/low-level-video/internal/jobs"
	"github.com/QVSorrow/low-level-video/internal/media"
	"github.com/QVSorrow/low-level-video/internal/pipeline"
	"github.com/QVSorrow/low-level-video/internal/pipeline/core"
	"github.com/QVSorrow/low-level-video/internal/render"
)

// fakeManager implements JobManager for testing.
type fakeManager struct {
	mu        sync.Mutex
	jobs      map[string]jobs.Job
	order     []string
	transcode *jobs.TranscodeRequest
	record    *jobs.RecordRequest
	startErr  error
	cancelErr error
}

func newFakeManager() *fakeManager {
	return &fakeManager{jobs: make(map[string]jobs.Job)}
}

func (m *fakeManager) add(j jobs.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = j
	m.order = append([]string{j.ID}, m.order...)
}

func (m *fakeManager) set(j jobs.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = j
}

func (m *fakeManager) StartTranscode(req jobs.TranscodeRequest) (jobs.Job, error) {
	if m.startErr != nil {
		return jobs.Job{}, m.startErr
	}
	m.transcode = &req
	j := jobs.Job{ID: fmt.Sprintf("job-%d", len(m.order)+1), Kind: jobs.KindTranscode,
		Status: jobs.StatusQueued, Input: req.Input, Output: "/out/" + req.Output}
	m.add(j)
	return j, nil
}

func (m *fakeManager) StartRecording(req jobs.RecordRequest) (jobs.Job, error) {
	if m.startErr != nil {
		return jobs.Job{}, m.startErr
	}
	m.record = &req
	j := jobs.Job{ID: fmt.Sprintf("job-%d", len(m.order)+1), Kind: jobs.KindRecord,
		Status: jobs.StatusQueued, Output: "/out/" + req.Output}
	m.add(j)
	return j, nil
}

func (m *fakeManager) Get(id string) (jobs.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return jobs.Job{}, fmt.Errorf("%w: %s", jobs.ErrJobNotFound, id)
	}
	return j, nil
}

func (m *fakeManager) List() []jobs.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]jobs.Job, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.jobs[id])
	}
	return out
}

func (m *fakeManager) Cancel(id string) error {
	if m.cancelErr != nil {
		return m.cancelErr
	}
	j, err := m.Get(id)
	if err != nil {
		return err
	}
	j.Status = jobs.StatusCancelled
	m.set(j)
	return nil
}

func testDefaults() Defaults {
	return Defaults{
		Transcode: pipeline.DefaultOptions(),
		Record:    pipeline.DefaultRecordOptions(),
		Render:    render.Options{Name: render.NameColors, MaxFrames: render.DefaultMaxFrames},
	}
}

func newTestRouter(t *testing.T, m JobManager) (*chi.Mux, *JobHandler) {
	t.Helper()
	router := chi.NewMux()
	api := humachi.New(router, huma.DefaultConfig("test", "1.0.0"))
	h := NewJobHandler(m, testDefaults())
	h.SetStreamIntervals(5*time.Millisecond, time.Hour)
	h.Register(api)
	h.RegisterSSE(router)
	return router, h
}

func doRequest(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestJobHandler_StartTranscode(t *testing.T) {
	m := newFakeManager()
	router, _ := newTestRouter(t, m)

	rec := doRequest(t, router, http.MethodPost, "/api/v1/jobs/transcode",
		`{"input":"/videos/in.mp4","output":"small.ts","scale":0.5,"container":"ts","bit_rate":200000}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var got jobs.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, jobs.KindTranscode, got.Kind)
	assert.Equal(t, jobs.StatusQueued, got.Status)

	require.NotNil(t, m.transcode)
	assert.Equal(t, "/videos/in.mp4", m.transcode.Input)
	assert.Equal(t, "small.ts", m.transcode.Output)
	assert.Equal(t, 0.5, m.transcode.Options.Scale)
	assert.Equal(t, container.FormatTS, m.transcode.Options.Container)
	assert.Equal(t, 200000, m.transcode.Options.BitRate)
	// unset fields keep the defaults
	assert.Equal(t, pipeline.DefaultFrameRate, m.transcode.Options.FrameRate)
	assert.Equal(t, pipeline.DefaultVideoMediaType, m.transcode.Options.VideoMediaType)
	assert.True(t, m.transcode.Options.EvenDimensions)
}

func TestJobHandler_StartTranscodeValidation(t *testing.T) {
	router, _ := newTestRouter(t, newFakeManager())

	rec := doRequest(t, router, http.MethodPost, "/api/v1/jobs/transcode", `{"output":"x.mp4"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = doRequest(t, router, http.MethodPost, "/api/v1/jobs/transcode", `{"input":"in.mp4","scale":-1}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestJobHandler_StartRecording(t *testing.T) {
	m := newFakeManager()
	router, _ := newTestRouter(t, m)

	rec := doRequest(t, router, http.MethodPost, "/api/v1/jobs/record",
		`{"width":320,"height":240,"renderer":"pattern","max_frames":30,"seed":9}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.NotNil(t, m.record)
	assert.Equal(t, 320, m.record.Options.Width)
	assert.Equal(t, 240, m.record.Options.Height)
	assert.Equal(t, pipeline.DefaultRecordFrameRate, m.record.Options.FrameRate)
	assert.Equal(t, render.NamePattern, m.record.Renderer.Name)
	assert.Equal(t, 30, m.record.Renderer.MaxFrames)
	assert.Equal(t, uint64(9), m.record.Renderer.Seed)
}

func TestJobHandler_StartErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"configuration", media.NewConfigurationError("container", "ogg cannot carry video/avc", media.ErrUnsupportedContainer), http.StatusUnprocessableEntity},
		{"stopped", jobs.ErrStopped, http.StatusServiceUnavailable},
		{"other", errors.New("output x.mp4 already exists"), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newFakeManager()
			m.startErr = tt.err
			router, _ := newTestRouter(t, m)

			rec := doRequest(t, router, http.MethodPost, "/api/v1/jobs/record", `{}`)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}
}

func TestJobHandler_ListAndGet(t *testing.T) {
	m := newFakeManager()
	m.add(jobs.Job{ID: "a", Kind: jobs.KindRecord, Status: jobs.StatusSucceeded})
	m.add(jobs.Job{ID: "b", Kind: jobs.KindTranscode, Status: jobs.StatusRunning,
		Progress: core.Progress{MuxUs: 1_000_000}})
	router, _ := newTestRouter(t, m)

	rec := doRequest(t, router, http.MethodGet, "/api/v1/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Jobs []jobs.Job `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Jobs, 2)
	assert.Equal(t, "b", list.Jobs[0].ID)

	rec = doRequest(t, router, http.MethodGet, "/api/v1/jobs?status=succeeded", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Jobs, 1)
	assert.Equal(t, "a", list.Jobs[0].ID)

	rec = doRequest(t, router, http.MethodGet, "/api/v1/jobs/b", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got jobs.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, int64(1_000_000), got.Progress.MuxUs)

	rec = doRequest(t, router, http.MethodGet, "/api/v1/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobHandler_Cancel(t *testing.T) {
	m := newFakeManager()
	m.add(jobs.Job{ID: "a", Status: jobs.StatusRunning})
	router, _ := newTestRouter(t, m)

	rec := doRequest(t, router, http.MethodDelete, "/api/v1/jobs/a", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	var got jobs.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, jobs.StatusCancelled, got.Status)

	m.cancelErr = fmt.Errorf("%w: a is cancelled", jobs.ErrJobFinished)
	rec = doRequest(t, router, http.MethodDelete, "/api/v1/jobs/a", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	m.cancelErr = nil
	rec = doRequest(t, router, http.MethodDelete, "/api/v1/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobHandler_Events(t *testing.T) {
	m := newFakeManager()
	m.add(jobs.Job{ID: "a", Status: jobs.StatusRunning})
	router, _ := newTestRouter(t, m)

	srv := httptest.NewServer(router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/jobs/a/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			events = append(events, name)
			if name == "progress" && len(events) == 1 {
				j, _ := m.Get("a")
				j.Status = jobs.StatusSucceeded
				m.set(j)
			}
		}
	}
	assert.Equal(t, []string{"progress", "done"}, events)
}

func TestJobHandler_EventsUnknownJob(t *testing.T) {
	router, _ := newTestRouter(t, newFakeManager())
	rec := doRequest(t, router, http.MethodGet, "/api/v1/jobs/missing/events", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestApplyKeepsDefaults(t *testing.T) {
	base := testDefaults()

	assert.Equal(t, base.Transcode, TranscodeRequest{Input: "x"}.Apply(base.Transcode))

	opts, ro := RecordRequest{}.Apply(base.Record, base.Render)
	assert.Equal(t, base.Record, opts)
	assert.Equal(t, base.Render, ro)

	even := false
	got := TranscodeRequest{EvenDimensions: &even, VideoMediaType: media.MIMEVideoAVC}.Apply(base.Transcode)
	assert.False(t, got.EvenDimensions)
	assert.Equal(t, media.MIMEVideoAVC, got.VideoMediaType)
}
