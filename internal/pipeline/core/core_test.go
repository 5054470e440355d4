package core

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QVSorrow/low-level-video/internal/media"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestCompletion_FiresOnce(t *testing.T) {
	c := NewCompletion()
	assert.False(t, c.IsComplete())

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Complete() {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.True(t, c.IsComplete())
	select {
	case <-c.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestRunState(t *testing.T) {
	s := NewRunState()
	assert.False(t, s.MuxerStarted())
	assert.Equal(t, -1, s.TrackID())
	assert.False(t, s.IsComplete())

	s.SetMuxerTrack(3)
	assert.True(t, s.MuxerStarted())
	assert.Equal(t, 3, s.TrackID())

	s.Completion().Complete()
	assert.True(t, s.IsComplete())
}

func TestFailureBudget(t *testing.T) {
	boom := errors.New("boom")

	t.Run("exhausts after consecutive failures", func(t *testing.T) {
		b := NewFailureBudget("decode", 3, newTestLogger())
		require.NoError(t, b.Observe(boom))
		require.NoError(t, b.Observe(boom))
		err := b.Observe(boom)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrFailureBudgetExhausted)
		assert.ErrorIs(t, err, boom)
		var se *media.StageError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, "decode", se.Stage)
	})

	t.Run("success resets the count", func(t *testing.T) {
		b := NewFailureBudget("mux", 2, newTestLogger())
		require.NoError(t, b.Observe(boom))
		require.NoError(t, b.Observe(nil))
		require.NoError(t, b.Observe(boom))
		assert.Equal(t, 2, b.Total())
	})

	t.Run("zero limit never fails", func(t *testing.T) {
		b := NewFailureBudget("extract", 0, newTestLogger())
		for range 1000 {
			require.NoError(t, b.Observe(boom))
		}
	})
}

func TestParseTimestampPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    TimestampPolicy
		wantErr bool
	}{
		{"", TimestampClamp, false},
		{"clamp", TimestampClamp, false},
		{" Reject ", TimestampReject, false},
		{"passthrough", TimestampPassthrough, false},
		{"drop", "", true},
	}
	for _, tt := range tests {
		got, err := ParseTimestampPolicy(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestTimestampGuard(t *testing.T) {
	type write struct{ pts, nominal, want int64 }
	tests := []struct {
		name   string
		policy TimestampPolicy
		writes []write
		fixed  int
	}{
		{
			name:   "clamp repeats to nominal",
			policy: TimestampClamp,
			writes: []write{{0, 0, 0}, {100, 100, 100}, {100, 200, 200}, {300, 300, 300}},
			fixed:  1,
		},
		{
			name:   "clamp negative to nominal",
			policy: TimestampClamp,
			writes: []write{{-5, 0, 0}, {-1, 16_666, 16_666}},
			fixed:  2,
		},
		{
			name:   "clamp backwards without pacing",
			policy: TimestampClamp,
			writes: []write{{500, 0, 500}, {400, 0, 501}, {502, 0, 502}},
			fixed:  1,
		},
		{
			name:   "passthrough",
			policy: TimestampPassthrough,
			writes: []write{{100, 0, 100}, {50, 0, 50}, {-1, 0, -1}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewTimestampGuard(tt.policy)
			for i, w := range tt.writes {
				got, err := g.Apply(w.pts, w.nominal)
				require.NoError(t, err)
				assert.Equal(t, w.want, got, "write %d", i)
			}
			assert.Equal(t, tt.fixed, g.Fixed())
		})
	}

	t.Run("reject", func(t *testing.T) {
		g := NewTimestampGuard(TimestampReject)
		_, err := g.Apply(100, 0)
		require.NoError(t, err)
		_, err = g.Apply(100, 0)
		assert.ErrorIs(t, err, ErrTimestamp)
		_, err = g.Apply(-1, 0)
		assert.ErrorIs(t, err, ErrTimestamp)
		_, err = g.Apply(101, 0)
		assert.NoError(t, err)
	})
}

func TestTeardown_RunsEveryStep(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	td := NewTeardown(logger)

	var order []string
	boom := errors.New("boom")
	td.Add("decoder", func() error { order = append(order, "decoder"); return nil })
	td.Add("encoder", func() error { order = append(order, "encoder"); return boom })
	td.Add("renderer", func() error { order = append(order, "renderer"); panic("gl context lost") })
	td.Add("muxer", func() error { order = append(order, "muxer"); return nil })

	err := td.Run()
	assert.Equal(t, []string{"decoder", "encoder", "renderer", "muxer"}, order)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "encoder: boom")
	assert.Contains(t, err.Error(), "renderer: panic: gl context lost")
	assert.Contains(t, buf.String(), "teardown step failed")

	assert.NoError(t, td.Run(), "second run is a no-op")
	assert.Len(t, order, 4)
}

func TestProgressTracker(t *testing.T) {
	var calls []Boundary
	tr := NewProgressTracker(func(b Boundary, _ int64) { calls = append(calls, b) })
	assert.Equal(t, Progress{ExtractUs: -1, DecodeUs: -1, EncodeUs: -1, MuxUs: -1}, tr.Snapshot())

	tr.ExtractTime(10)
	tr.DecodeTime(20)
	tr.EncodeTime(30)
	tr.MuxTime(40)
	assert.Equal(t, Progress{ExtractUs: 10, DecodeUs: 20, EncodeUs: 30, MuxUs: 40}, tr.Snapshot())
	assert.Equal(t, []Boundary{BoundaryExtract, BoundaryDecode, BoundaryEncode, BoundaryMux}, calls)

	tr.Reset()
	assert.Equal(t, int64(-1), tr.Snapshot().MuxUs)
}

func TestMultiAndLogProgress(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	a, b := NewProgressTracker(nil), NewProgressTracker(nil)
	sink := MultiProgress{a, b, NewLogProgress(logger, 0), OrNop(nil)}

	sink.ExtractTime(1)
	sink.MuxTime(2_000_000)
	assert.Equal(t, int64(1), a.Snapshot().ExtractUs)
	assert.Equal(t, int64(2_000_000), b.Snapshot().MuxUs)
	assert.Contains(t, buf.String(), "muxed")
	assert.Contains(t, buf.String(), "position=2s")
	assert.NotContains(t, buf.String(), "boundary=extract", "boundary updates are trace level")
}
