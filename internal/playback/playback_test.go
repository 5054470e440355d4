package playback_test

import (
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QVSorrow/low-level-video/internal/container"
	"github.com/QVSorrow/low-level-video/internal/container/containertest"
	"github.com/QVSorrow/low-level-video/internal/media"
	"github.com/QVSorrow/low-level-video/internal/mediacodec/mediacodectest"
	"github.com/QVSorrow/low-level-video/internal/playback"
	"github.com/QVSorrow/low-level-video/internal/surface"
)

const frameUs = 33_000

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestFrameTime(t *testing.T) {
	assert.Equal(t, time.Second, playback.FrameTime(60, 60))
	assert.Equal(t, 500*time.Millisecond, playback.FrameTime(30, 60))
	assert.Equal(t, time.Duration(0), playback.FrameTime(0, 60))
	assert.Equal(t, time.Duration(0), playback.FrameTime(10, 0))
	assert.Equal(t, 16_666_666*time.Nanosecond, playback.FrameTime(1, 60))
}

type fakeNow struct{ v atomic.Int64 }

func (f *fakeNow) now() int64      { return f.v.Load() }
func (f *fakeNow) set(nanos int64) { f.v.Store(nanos) }
func (f *fakeNow) add(nanos int64) { f.v.Add(nanos) }

func TestClock_AnchorsOnFirstFrame(t *testing.T) {
	now := &fakeNow{}
	now.set(5_000_000_000)
	c := playback.NewClockWithNow(0, now.now)
	assert.False(t, c.IsSet())
	assert.Equal(t, int64(-1), c.Start())

	d := c.Decide(1_000_000)
	assert.True(t, d.Render)
	assert.Equal(t, int64(5_000_000_000), d.RenderNanos, "the anchoring frame is due now")
	assert.Equal(t, int64(4_000_000_000), c.Start())

	d = c.Decide(1_040_000)
	assert.True(t, d.Render)
	assert.Equal(t, int64(5_040_000_000), d.RenderNanos)
}

func TestClock_DropThreshold(t *testing.T) {
	tests := []struct {
		name   string
		late   int64
		render bool
	}{
		{"on time", 0, true},
		{"50us late", 50_000, true},
		{"exactly at threshold", 100_000, true},
		{"150us late", 150_000, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := &fakeNow{}
			c := playback.NewClockWithNow(playback.DefaultDropThreshold, now.now)
			c.Decide(0)
			now.set(40_000_000 + tt.late)
			d := c.Decide(40_000)
			assert.Equal(t, tt.render, d.Render)
			assert.Equal(t, int64(40_000_000), d.RenderNanos)
		})
	}
}

func TestClock_UnsetAndAnchorAt(t *testing.T) {
	now := &fakeNow{}
	c := playback.NewClockWithNow(0, now.now)
	c.Decide(0)
	now.add(10_000_000_000)

	c.Unset()
	assert.False(t, c.IsSet())
	d := c.Decide(0)
	assert.True(t, d.Render, "re-anchored after unset instead of dropping")
	assert.Equal(t, now.now(), d.RenderNanos)

	c.AnchorAt(2_000_000)
	assert.True(t, c.IsSet())
	assert.Equal(t, now.now()-2_000_000_000, c.Start())
}

type playerFixture struct {
	src      *containertest.Source
	backends *mediacodectest.Backends
	out      *surface.Queue
	player   *playback.Player
}

func newPlayer(t *testing.T, frames int, opts playback.Options) *playerFixture {
	t.Helper()
	f := &playerFixture{
		src:      containertest.NewSource(containertest.VideoTrack(1, media.MIMEVideoAVC, 16, 8, frames, frameUs, 5)),
		backends: &mediacodectest.Backends{},
		out:      surface.NewQueue(16, 8, 4*frames),
	}
	t.Cleanup(f.out.Release)
	go func() {
		for {
			select {
			case <-f.out.Frames():
			case <-f.out.Done():
				return
			}
		}
	}()

	logger := newTestLogger()
	opts.Logger = logger
	p, err := playback.NewPlayer(container.NewReader(f.src, logger), f.backends.Factory(logger), f.out, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Release() })
	f.player = p
	return f
}

func waitStopped(t *testing.T, p *playback.Player) {
	t.Helper()
	require.Eventually(t, func() bool {
		s := p.State()
		return !s.Playing && s.Loops > 0
	}, 5*time.Second, 5*time.Millisecond)
}

func TestPlayer_PlaysToEndWithoutLoop(t *testing.T) {
	opts := playback.DefaultOptions()
	opts.Loop = false
	f := newPlayer(t, 10, opts)

	s := f.player.State()
	assert.False(t, s.Playing)
	assert.Equal(t, int64(10*frameUs), s.DurationUs)
	assert.Equal(t, 16, s.Width)
	assert.Equal(t, 8, s.Height)

	require.NoError(t, f.player.Play())
	waitStopped(t, f.player)

	s = f.player.State()
	assert.Equal(t, uint64(10), s.Rendered+s.Dropped)
	assert.Equal(t, 1, s.Loops)
	assert.Zero(t, s.PositionUs, "rewound after the end")
	assert.NoError(t, s.Err)
	assert.Equal(t, s.Rendered, f.out.Swaps())
	assert.GreaterOrEqual(t, f.backends.Decoders()[0].Flushes(), 1, "decoder flushed at end of stream")
}

func TestPlayer_LoopsAtEndOfStream(t *testing.T) {
	f := newPlayer(t, 3, playback.DefaultOptions())
	require.NoError(t, f.player.Play())

	require.Eventually(t, func() bool { return f.player.State().Loops >= 2 }, 5*time.Second, 5*time.Millisecond)
	assert.True(t, f.player.State().Playing)
	require.NoError(t, f.player.Pause())
	require.Eventually(t, func() bool { return !f.player.State().Playing }, time.Second, time.Millisecond)
}

func TestPlayer_DropsLateFrames(t *testing.T) {
	now := &fakeNow{}
	opts := playback.DefaultOptions()
	opts.Loop = false
	// Every clock read is a second later than the previous one, so only
	// the anchoring frame is on time.
	opts.Now = func() int64 { return now.v.Add(int64(time.Second)) }
	f := newPlayer(t, 6, opts)

	require.NoError(t, f.player.Play())
	waitStopped(t, f.player)

	s := f.player.State()
	assert.Equal(t, uint64(1), s.Rendered)
	assert.Equal(t, uint64(5), s.Dropped)
	assert.Equal(t, uint64(1), f.out.Swaps())
}

func TestPlayer_SeekLandsOnPreviousSyncSample(t *testing.T) {
	opts := playback.DefaultOptions()
	opts.Loop = false
	f := newPlayer(t, 10, opts)

	require.NoError(t, f.player.SeekTo(200_000))
	require.Eventually(t, func() bool { return f.player.State().PositionUs == 200_000 }, time.Second, time.Millisecond)
	assert.Equal(t, 5, f.src.Position(), "sync samples are every 5 frames")

	require.NoError(t, f.player.Play())
	waitStopped(t, f.player)
	s := f.player.State()
	assert.Equal(t, uint64(5), s.Rendered+s.Dropped, "frames 5 through 9")
}

func TestPlayer_SeekClampsToTrack(t *testing.T) {
	f := newPlayer(t, 10, playback.DefaultOptions())
	require.NoError(t, f.player.SeekTo(-5))
	require.NoError(t, f.player.SeekTo(10_000_000))
	require.Eventually(t, func() bool { return f.player.State().PositionUs == 10*frameUs }, time.Second, time.Millisecond)
}

func TestPlayer_Release(t *testing.T) {
	f := newPlayer(t, 3, playback.DefaultOptions())
	require.NoError(t, f.player.Play())
	require.NoError(t, f.player.Release())
	require.NoError(t, f.player.Release(), "release is idempotent")

	assert.ErrorIs(t, f.player.Play(), playback.ErrReleased)
	assert.ErrorIs(t, f.player.SeekTo(0), playback.ErrReleased)
	assert.True(t, f.backends.Decoders()[0].Closed())
	assert.False(t, f.player.State().Playing)

	_, err := f.src.ReadSampleData(make([]byte, 16))
	assert.ErrorIs(t, err, media.ErrClosed)
}

func TestPlayer_RequiresVideoTrack(t *testing.T) {
	logger := newTestLogger()
	var b mediacodectest.Backends
	reader := container.NewReader(containertest.NewSource(containertest.AudioTrack(1)), logger)
	_, err := playback.NewPlayer(reader, b.Factory(logger), surface.NewQueue(4, 4, 1), playback.DefaultOptions())
	assert.ErrorIs(t, err, media.ErrNoVideoTrack)
	assert.Empty(t, b.Decoders())
}
