package jobs

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QVSorrow/low-level-video/internal/container"
	"github.com/QVSorrow/low-level-video/internal/container/containertest"
	"github.com/QVSorrow/low-level-video/internal/media"
	"github.com/QVSorrow/low-level-video/internal/mediacodec/mediacodectest"
	"github.com/QVSorrow/low-level-video/internal/pipeline"
	"github.com/QVSorrow/low-level-video/internal/render"
	"github.com/QVSorrow/low-level-video/internal/storage"
	"github.com/QVSorrow/low-level-video/internal/surface"
)

const frameUs = 33_333

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// endless never reports a last frame, so its recording runs until cancelled.
type endless struct {
	*render.ColorAnimation
}

func (e endless) DrawFrame(s surface.Surface, frameIndex int, frameTime time.Duration) (bool, error) {
	time.Sleep(2 * time.Millisecond)
	_, err := e.ColorAnimation.DrawFrame(s, frameIndex, frameTime)
	return false, err
}

func newTestManager(t *testing.T, mutate func(*Config)) (*Manager, *storage.Sandbox) {
	t.Helper()
	outputs, err := storage.NewSandbox(filepath.Join(t.TempDir(), "output"))
	require.NoError(t, err)

	logger := newTestLogger()
	cfg := Config{
		Deps: pipeline.Deps{
			Codecs: (&mediacodectest.Backends{GOP: 5}).Factory(logger),
			OpenSource: func(string, *slog.Logger) (container.Source, error) {
				return containertest.NewSource(
					containertest.VideoTrack(1, media.MIMEVideoAVC, 64, 36, 10, frameUs, 5),
				), nil
			},
			NewMuxer: func(string, container.Format) (container.Muxer, error) {
				return containertest.NewMuxer(), nil
			},
			Logger: logger,
		},
		Outputs: outputs,
		MaxJobs: 2,
		NewRenderer: func(opts render.Options) (render.Renderer, error) {
			if opts.Name == "endless" {
				return endless{render.NewColorAnimation(0, 1)}, nil
			}
			return render.New(opts)
		},
		Logger: logger,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m := NewManager(cfg)
	require.NoError(t, m.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Stop(ctx)
	})
	return m, outputs
}

func recordRequest(renderer string, maxFrames int) RecordRequest {
	opts := pipeline.DefaultRecordOptions()
	opts.Width, opts.Height = 32, 16
	return RecordRequest{
		Options:  opts,
		Renderer: render.Options{Name: renderer, MaxFrames: maxFrames, Seed: 3},
	}
}

func waitForStatus(t *testing.T, m *Manager, id string, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		j, err := m.Get(id)
		return err == nil && j.Status == want
	}, 5*time.Second, 5*time.Millisecond)
}

func TestManager_Transcode(t *testing.T) {
	m, outputs := newTestManager(t, nil)

	j, err := m.StartTranscode(TranscodeRequest{
		Input:   "in.mp4",
		Output:  "clips/out.mp4",
		Options: pipeline.DefaultOptions(),
	})
	require.NoError(t, err)
	assert.Equal(t, KindTranscode, j.Kind)
	assert.Equal(t, "in.mp4", j.Input)
	assert.Equal(t, filepath.Join(outputs.BaseDir(), "clips", "out.mp4"), j.Output)
	assert.NotEmpty(t, j.ID)

	done, err := m.Wait(testContext(t), j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, done.Status)
	assert.Empty(t, done.Error)
	require.NotNil(t, done.Result)
	assert.Equal(t, 10, done.Result.Samples)
	assert.Equal(t, j.Output, done.Result.OutputPath)
	assert.Equal(t, int64(9*frameUs), done.Progress.MuxUs)
	require.NotNil(t, done.StartedAt)
	require.NotNil(t, done.FinishedAt)
}

func TestManager_TranscodeGeneratesOutputName(t *testing.T) {
	m, outputs := newTestManager(t, nil)
	opts := pipeline.DefaultOptions()
	opts.Container = container.FormatTS

	j, err := m.StartTranscode(TranscodeRequest{Input: "in.mp4", Options: opts})
	require.NoError(t, err)

	assert.Equal(t, outputs.BaseDir(), filepath.Dir(j.Output))
	assert.Regexp(t, `^video_[0-9a-f-]{36}\.ts$`, filepath.Base(j.Output))
}

func TestManager_Record(t *testing.T) {
	m, _ := newTestManager(t, nil)

	j, err := m.StartRecording(recordRequest(render.NameColors, 5))
	require.NoError(t, err)
	assert.Equal(t, KindRecord, j.Kind)
	assert.Empty(t, j.Input)

	done, err := m.Wait(testContext(t), j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, done.Status)
	assert.Equal(t, 6, done.Frames)
	require.NotNil(t, done.Result)
	assert.Equal(t, 6, done.Result.Frames)
}

func TestManager_Validation(t *testing.T) {
	m, outputs := newTestManager(t, nil)

	_, err := m.StartTranscode(TranscodeRequest{Options: pipeline.DefaultOptions()})
	assert.ErrorContains(t, err, "input is required")

	bad := pipeline.DefaultOptions()
	bad.BitRate = 0
	_, err = m.StartTranscode(TranscodeRequest{Input: "in.mp4", Options: bad})
	assert.True(t, media.IsConfigurationError(err))

	_, err = m.StartTranscode(TranscodeRequest{Input: "in.mp4", Output: "../escape.mp4", Options: pipeline.DefaultOptions()})
	assert.ErrorIs(t, err, storage.ErrEscapesSandbox)

	require.NoError(t, os.WriteFile(filepath.Join(outputs.BaseDir(), "taken.mp4"), nil, 0o600))
	_, err = m.StartTranscode(TranscodeRequest{Input: "in.mp4", Output: "taken.mp4", Options: pipeline.DefaultOptions()})
	assert.ErrorContains(t, err, "already exists")

	_, err = m.StartRecording(recordRequest("sparkles", 1))
	assert.ErrorContains(t, err, "unknown renderer")

	req := recordRequest(render.NameColors, 1)
	req.Options.Width = 0
	_, err = m.StartRecording(req)
	assert.True(t, media.IsConfigurationError(err))

	assert.Empty(t, m.List())
}

func TestManager_TranscodeFailure(t *testing.T) {
	m, _ := newTestManager(t, func(cfg *Config) {
		cfg.Deps.OpenSource = func(string, *slog.Logger) (container.Source, error) {
			return nil, media.ErrUnsupportedContainer
		}
	})

	j, err := m.StartTranscode(TranscodeRequest{Input: "in.avi", Options: pipeline.DefaultOptions()})
	require.NoError(t, err)

	done, err := m.Wait(testContext(t), j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, done.Status)
	assert.NotEmpty(t, done.Error)
	assert.Nil(t, done.Result)
}

func TestManager_GetUnknown(t *testing.T) {
	m, _ := newTestManager(t, nil)

	_, err := m.Get("nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.ErrorIs(t, m.Cancel("nope"), ErrJobNotFound)
	_, err = m.Wait(testContext(t), "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestManager_Cancel(t *testing.T) {
	m, _ := newTestManager(t, nil)

	j, err := m.StartRecording(recordRequest("endless", 0))
	require.NoError(t, err)
	waitForStatus(t, m, j.ID, StatusRunning)

	require.NoError(t, m.Cancel(j.ID))
	done, err := m.Wait(testContext(t), j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, done.Status)
	assert.Nil(t, done.Result)

	assert.ErrorIs(t, m.Cancel(j.ID), ErrJobFinished)
}

func TestManager_QueuesBeyondMaxJobs(t *testing.T) {
	m, _ := newTestManager(t, func(cfg *Config) { cfg.MaxJobs = 1 })

	first, err := m.StartRecording(recordRequest("endless", 0))
	require.NoError(t, err)
	waitForStatus(t, m, first.ID, StatusRunning)

	second, err := m.StartRecording(recordRequest(render.NameColors, 2))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	j, err := m.Get(second.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, j.Status)
	assert.Nil(t, j.StartedAt)

	require.NoError(t, m.Cancel(first.ID))
	done, err := m.Wait(testContext(t), second.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, done.Status)
}

func TestManager_CancelQueued(t *testing.T) {
	m, _ := newTestManager(t, func(cfg *Config) { cfg.MaxJobs = 1 })

	first, err := m.StartRecording(recordRequest("endless", 0))
	require.NoError(t, err)
	waitForStatus(t, m, first.ID, StatusRunning)
	queued, err := m.StartRecording(recordRequest(render.NameColors, 2))
	require.NoError(t, err)

	require.NoError(t, m.Cancel(queued.ID))
	done, err := m.Wait(testContext(t), queued.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, done.Status)
	assert.Nil(t, done.StartedAt)
}

func TestManager_ListNewestFirst(t *testing.T) {
	m, _ := newTestManager(t, nil)

	var ids []string
	for range 3 {
		j, err := m.StartRecording(recordRequest(render.NameColors, 1))
		require.NoError(t, err)
		ids = append(ids, j.ID)
		time.Sleep(2 * time.Millisecond)
	}

	list := m.List()
	require.Len(t, list, 3)
	assert.Equal(t, []string{ids[2], ids[1], ids[0]}, []string{list[0].ID, list[1].ID, list[2].ID})
}

func TestManager_Sweep(t *testing.T) {
	m, outputs := newTestManager(t, func(cfg *Config) { cfg.Retention = time.Hour })

	active, err := m.StartRecording(RecordRequest{
		Output:   "active.mp4",
		Options:  recordRequest("", 0).Options,
		Renderer: render.Options{Name: "endless"},
	})
	require.NoError(t, err)
	waitForStatus(t, m, active.ID, StatusRunning)

	age := func(name string, d time.Duration) {
		path := filepath.Join(outputs.BaseDir(), name)
		require.NoError(t, os.WriteFile(path, []byte(name), 0o600))
		mt := time.Now().Add(-d)
		require.NoError(t, os.Chtimes(path, mt, mt))
	}
	age("active.mp4", 3*time.Hour)
	age("expired.mp4", 3*time.Hour)
	age("recent.mp4", time.Minute)

	removed, err := m.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, filepath.Join(outputs.BaseDir(), "expired.mp4"))
	assert.FileExists(t, filepath.Join(outputs.BaseDir(), "active.mp4"))
	assert.FileExists(t, filepath.Join(outputs.BaseDir(), "recent.mp4"))
}

func TestManager_SweepDisabled(t *testing.T) {
	m, outputs := newTestManager(t, nil)
	path := filepath.Join(outputs.BaseDir(), "old.mp4")
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	mt := time.Now().Add(-1000 * time.Hour)
	require.NoError(t, os.Chtimes(path, mt, mt))

	removed, err := m.Sweep()
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.FileExists(t, path)
}

func TestManager_Stop(t *testing.T) {
	m, _ := newTestManager(t, func(cfg *Config) {
		cfg.Retention = time.Hour
		cfg.RetentionInterval = time.Minute
	})

	j, err := m.StartRecording(recordRequest("endless", 0))
	require.NoError(t, err)
	waitForStatus(t, m, j.ID, StatusRunning)

	require.NoError(t, m.Stop(testContext(t)))

	got, err := m.Get(j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	_, err = m.StartRecording(recordRequest(render.NameColors, 1))
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, m.Start(), ErrStopped)
}
