package stages_test

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
	"github.com/QVSorrow/low-level-video/internal/mediacodec"
	"github.com/QVSorrow/low-level-video/internal/mediacodec/mediacodectest"
	"github.com/QVSorrow/low-level-video/internal/pipeline/core"
	"github.com/QVSorrow/low-level-video/internal/pipeline/stages"
	"github.com/QVSorrow/low-level-video/internal/surface"
)

const (
	wait    = time.Second
	frameUs = 33_000
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type eosRecorder struct{ calls atomic.Int32 }

func (r *eosRecorder) SignalEndOfInput() error {
	r.calls.Add(1)
	return nil
}

type decodeFixture struct {
	src     *containertest.Source
	ext     *stages.Extractor
	codec   *mediacodec.BufferCodec
	out     *surface.Queue
	tracker *core.ProgressTracker
}

func newDecodeFixture(t *testing.T, frames int, selectTrack bool) *decodeFixture {
	t.Helper()
	logger := newTestLogger()
	f := &decodeFixture{
		src:     containertest.NewSource(containertest.VideoTrack(1, media.MIMEVideoAVC, 8, 4, frames, frameUs, 1)),
		out:     surface.NewQueue(8, 4, 16),
		tracker: core.NewProgressTracker(nil),
	}
	f.ext = stages.NewExtractor(container.NewReader(f.src, logger), f.tracker, logger)
	format := media.NewVideoFormat(media.MIMEVideoAVC, 8, 4)
	if selectTrack {
		track, err := f.ext.SelectVideoTrack()
		require.NoError(t, err)
		format = track.Format
	}

	var b mediacodectest.Backends
	codec, err := b.Factory(logger).CreateDecoderByType(media.MIMEVideoAVC)
	require.NoError(t, err)
	require.NoError(t, codec.Configure(format, f.out, 0))
	require.NoError(t, codec.Start())
	t.Cleanup(func() { _ = codec.Release() })
	f.codec = codec
	return f
}

// drain polls until the end-of-stream event and returns every event seen.
func drainDecode(t *testing.T, d *stages.Decode) []stages.DecodeEvent {
	t.Helper()
	var events []stages.DecodeEvent
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		ev, err := d.TryProduceOutput(10 * time.Millisecond)
		require.NoError(t, err)
		if ev == stages.DecodeNone {
			continue
		}
		events = append(events, ev)
		if ev == stages.DecodeEndOfStream {
			return events
		}
	}
	t.Fatal("decoder never reached end of stream")
	return nil
}

func TestDecode_FeedsAndRendersEveryFrame(t *testing.T) {
	f := newDecodeFixture(t, 3, true)
	rec := &eosRecorder{}
	d := stages.NewDecode(f.codec, f.ext, stages.DecodeOptions{
		Downstream: rec,
		Progress:   f.tracker,
		Logger:     newTestLogger(),
	})

	for i := 0; i < 4; i++ {
		ok, err := d.TryConsumeInput(wait)
		require.NoError(t, err)
		assert.True(t, ok, "input %d", i)
	}
	assert.True(t, d.InputEndOfStreamQueued())

	ok, err := d.TryConsumeInput(0)
	require.NoError(t, err)
	assert.False(t, ok, "nothing is fed after the end of stream")

	events := drainDecode(t, d)
	assert.Equal(t, []stages.DecodeEvent{
		stages.DecodeRendered, stages.DecodeRendered, stages.DecodeRendered, stages.DecodeEndOfStream,
	}, events)
	assert.Equal(t, int32(1), rec.calls.Load())

	for i := 0; i < 3; i++ {
		frame := <-f.out.Frames()
		assert.Equal(t, int64(i)*frameUs*1000, frame.PTSNanos)
	}

	p := f.tracker.Snapshot()
	assert.Equal(t, int64(2*frameUs), p.ExtractUs)
	assert.Equal(t, int64(2*frameUs), p.DecodeUs)
}

func TestDecode_SchedulerDropsLateFrames(t *testing.T) {
	f := newDecodeFixture(t, 3, true)
	d := stages.NewDecode(f.codec, f.ext, stages.DecodeOptions{
		Schedule: func(ptsUs int64) (int64, bool) {
			return ptsUs * 1000, ptsUs != frameUs
		},
		Logger: newTestLogger(),
	})
	for i := 0; i < 4; i++ {
		_, err := d.TryConsumeInput(wait)
		require.NoError(t, err)
	}

	events := drainDecode(t, d)
	assert.Equal(t, []stages.DecodeEvent{
		stages.DecodeRendered, stages.DecodeDropped, stages.DecodeRendered, stages.DecodeEndOfStream,
	}, events)
	assert.Equal(t, uint64(2), f.out.Swaps())
}

func TestDecode_KeepsSlotWhenReadFails(t *testing.T) {
	f := newDecodeFixture(t, 3, false)
	d := stages.NewDecode(f.codec, f.ext, stages.DecodeOptions{Logger: newTestLogger()})

	// More attempts than input slots: a leaked slot would turn the error
	// into "no slot available".
	for i := 0; i < mediacodec.DefaultOptions().InputBuffers+2; i++ {
		ok, err := d.TryConsumeInput(0)
		assert.ErrorIs(t, err, container.ErrNoTrackSelected)
		assert.False(t, ok)
	}
}

func TestDecode_FlushClearsEndOfStream(t *testing.T) {
	f := newDecodeFixture(t, 1, true)
	d := stages.NewDecode(f.codec, f.ext, stages.DecodeOptions{Logger: newTestLogger()})
	for i := 0; i < 2; i++ {
		_, err := d.TryConsumeInput(wait)
		require.NoError(t, err)
	}
	require.True(t, d.InputEndOfStreamQueued())
	drainDecode(t, d)

	require.NoError(t, d.Flush())
	assert.False(t, d.InputEndOfStreamQueued())
	ok, err := d.TryConsumeInput(wait)
	require.NoError(t, err)
	assert.True(t, ok, "the rewound track feeds again")
}

func newEncoder(t *testing.T) (*mediacodec.BufferCodec, *surface.Queue) {
	t.Helper()
	var b mediacodectest.Backends
	codec, err := b.Factory(newTestLogger()).CreateEncoderByType(media.MIMEVideoAVC)
	require.NoError(t, err)
	require.NoError(t, codec.Configure(media.NewVideoFormat(media.MIMEVideoAVC, 8, 4), nil, mediacodec.ConfigureFlagEncode))
	in, err := codec.CreateInputSurface()
	require.NoError(t, err)
	require.NoError(t, codec.Start())
	t.Cleanup(func() { _ = codec.Release() })
	return codec, in
}

func TestEncode_AnnouncesFormatBeforeFirstSample(t *testing.T) {
	codec, in := newEncoder(t)
	tracker := core.NewProgressTracker(nil)
	e := stages.NewEncode(codec, tracker, newTestLogger())

	for _, ptsUs := range []int64{0, 40_000} {
		in.SetPresentationTime(ptsUs * 1000)
		require.NoError(t, in.SwapBuffers())
	}
	require.NoError(t, e.SignalEndOfInput())
	require.NoError(t, e.SignalEndOfInput(), "repeated end of input is a no-op")
	assert.True(t, e.EndOfInputSignaled())

	var kinds []stages.EventKind
	var times []int64
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		ev, err := e.TryProduceOutput(10 * time.Millisecond)
		require.NoError(t, err)
		switch ev.Kind {
		case stages.EventNone:
			continue
		case stages.EventFormatReady:
			assert.Equal(t, [][]byte{mediacodectest.ConfigNAL}, ev.Format.CSD)
		case stages.EventData:
			if ev.Info.IsCodecConfig() {
				assert.Zero(t, ev.Info.Size, "config buffers are not written")
			} else {
				payload := ev.Data[ev.Info.Offset : ev.Info.Offset+ev.Info.Size]
				times = append(times, mediacodectest.DecodePTS(payload))
			}
		}
		kinds = append(kinds, ev.Kind)
		require.NoError(t, e.Release(ev))
		if ev.Kind == stages.EventEndOfStream {
			break
		}
	}

	assert.Equal(t, []stages.EventKind{
		stages.EventData, stages.EventFormatReady, stages.EventData, stages.EventData, stages.EventEndOfStream,
	}, kinds)
	assert.Equal(t, []int64{0, 40_000}, times)
	assert.Equal(t, int64(40_000), tracker.Snapshot().EncodeUs)
}

func TestEncode_ReleaseIgnoresBufferlessEvents(t *testing.T) {
	codec, _ := newEncoder(t)
	e := stages.NewEncode(codec, nil, newTestLogger())
	assert.NoError(t, e.Release(stages.OutputEvent{Kind: stages.EventFormatReady}))
	assert.NoError(t, e.Release(stages.OutputEvent{}))
}

func sample(ptsUs int64) ([]byte, media.BufferInfo) {
	data := mediacodectest.EncodePTS(ptsUs)
	var info media.BufferInfo
	info.Set(0, len(data), ptsUs, media.FlagKeyFrame)
	return data, info
}

func TestMux_RegistrationOrder(t *testing.T) {
	muxer := containertest.NewMuxer()
	state := core.NewRunState()
	m := stages.NewMux(muxer, state, nil, nil, newTestLogger())

	data, info := sample(0)
	_, err := m.Write(data, info, 0)
	assert.ErrorIs(t, err, core.ErrNotRegistered)

	format := media.NewVideoFormat(media.MIMEVideoHEVC, 8, 4)
	require.NoError(t, m.Register(format))
	assert.True(t, state.MuxerStarted())
	assert.Equal(t, 0, state.TrackID())
	assert.ErrorIs(t, m.Register(format), core.ErrAlreadyRegistered)

	var cfg media.BufferInfo
	cfg.Set(0, 4, 0, media.FlagCodecConfig)
	written, err := m.Write(mediacodectest.ConfigNAL, cfg, 0)
	require.NoError(t, err)
	assert.False(t, written)

	var empty media.BufferInfo
	written, err = m.Write(nil, empty, 0)
	require.NoError(t, err)
	assert.False(t, written)

	written, err = m.Write(data, info, 0)
	require.NoError(t, err)
	assert.True(t, written)
	assert.Len(t, muxer.Samples(), 1)
	assert.Equal(t, media.MIMEVideoHEVC, muxer.Format().MIME)
}

func TestMux_TimestampPolicies(t *testing.T) {
	t.Run("clamp", func(t *testing.T) {
		muxer := containertest.NewMuxer()
		tracker := core.NewProgressTracker(nil)
		m := stages.NewMux(muxer, core.NewRunState(), core.NewTimestampGuard(core.TimestampClamp), tracker, newTestLogger())
		require.NoError(t, m.Register(media.NewVideoFormat(media.MIMEVideoAVC, 8, 4)))

		for i, pts := range []int64{0, 40_000, 40_000} {
			data, info := sample(pts)
			_, err := m.Write(data, info, int64(i)*40_000)
			require.NoError(t, err)
		}
		var got []int64
		for _, s := range muxer.Samples() {
			got = append(got, s.Info.PresentationTimeUs)
		}
		assert.Equal(t, []int64{0, 40_000, 80_000}, got)
		assert.Equal(t, 1, m.RepairedTimestamps())
		assert.Equal(t, 3, m.Written())
		assert.Equal(t, int64(80_000), m.LastUs())
		assert.Equal(t, int64(80_000), tracker.Snapshot().MuxUs)
	})

	t.Run("reject", func(t *testing.T) {
		m := stages.NewMux(containertest.NewMuxer(), core.NewRunState(), core.NewTimestampGuard(core.TimestampReject), nil, newTestLogger())
		require.NoError(t, m.Register(media.NewVideoFormat(media.MIMEVideoAVC, 8, 4)))
		data, info := sample(40_000)
		_, err := m.Write(data, info, 0)
		require.NoError(t, err)
		_, err = m.Write(data, info, 40_000)
		assert.ErrorIs(t, err, core.ErrTimestamp)
		var se *media.StageError
		assert.ErrorAs(t, err, &se)
		assert.Equal(t, 1, m.Written())
	})
}

func TestMux_StopErrors(t *testing.T) {
	muxer := containertest.NewMuxer()
	muxer.StopErr = assert.AnError
	m := stages.NewMux(muxer, core.NewRunState(), nil, nil, newTestLogger())
	require.NoError(t, m.Register(media.NewVideoFormat(media.MIMEVideoAVC, 8, 4)))
	assert.ErrorIs(t, m.Stop(), assert.AnError)
	require.NoError(t, m.Release())
	assert.True(t, muxer.Released())
}

type countingRenderer struct {
	prepared, resized, torn int
	last                    int
}

func (r *countingRenderer) Prepare(surface.Surface) error { r.prepared++; return nil }

func (r *countingRenderer) Resize(_ surface.Surface, _, _ int) error { r.resized++; return nil }

func (r *countingRenderer) DrawFrame(_ surface.Surface, idx int, _ time.Duration) (bool, error) {
	return idx >= r.last, nil
}

func (r *countingRenderer) Teardown() error { r.torn++; return nil }

func TestRender_StampsAndSwapsEachFrame(t *testing.T) {
	q := surface.NewQueue(8, 4, 4)
	r := &countingRenderer{last: 2}
	st := stages.NewRender(r, q, nil, newTestLogger())

	_, err := st.RenderFrame(0, 0)
	assert.Error(t, err, "drawing before prepare")

	require.NoError(t, st.Prepare(8, 4))
	assert.Equal(t, 1, r.prepared)
	assert.Equal(t, 1, r.resized)

	var last bool
	for i := 0; i < 3; i++ {
		last, err = st.RenderFrame(i, time.Duration(i)*16*time.Millisecond)
		require.NoError(t, err)
		frame := <-q.Frames()
		assert.Equal(t, int64(i)*16_000_000, frame.PTSNanos)
	}
	assert.True(t, last)

	snap := st.Counters().Load()
	assert.Equal(t, 3, snap.Frames)
	assert.Equal(t, 32*time.Millisecond, snap.Duration)

	require.NoError(t, st.Teardown())
	require.NoError(t, st.Teardown())
	assert.Equal(t, 1, r.torn)
}
