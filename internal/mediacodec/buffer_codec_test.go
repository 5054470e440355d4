package mediacodec_test

import (
	"errors"
	"image/color"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QVSorrow/low-level-video/internal/media"
	"github.com/QVSorrow/low-level-video/internal/mediacodec"
	"github.com/QVSorrow/low-level-video/internal/mediacodec/mediacodectest"
	"github.com/QVSorrow/low-level-video/internal/surface"
)

const wait = time.Second

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newDecoder(t *testing.T, b *mediacodectest.Backends, out surface.Surface) *mediacodec.BufferCodec {
	t.Helper()
	dec, err := b.Factory(newTestLogger()).CreateDecoderByType(media.MIMEVideoAVC)
	require.NoError(t, err)
	require.NoError(t, dec.Configure(media.NewVideoFormat(media.MIMEVideoAVC, 32, 16), out, 0))
	require.NoError(t, dec.Start())
	t.Cleanup(func() { _ = dec.Release() })
	return dec
}

func queueSample(t *testing.T, c mediacodec.Codec, payload []byte, ptsUs int64, flags media.BufferFlags) {
	t.Helper()
	idx, err := c.DequeueInputBuffer(wait)
	require.NoError(t, err)
	require.GreaterOrEqual(t, idx, 0)
	buf, err := c.InputBuffer(idx)
	require.NoError(t, err)
	n := copy(buf, payload)
	require.NoError(t, c.QueueInputBuffer(idx, 0, n, ptsUs, flags))
}

// nextOutput skips sentinels until a real output index arrives.
func nextOutput(t *testing.T, c mediacodec.Codec, info *media.BufferInfo) int {
	t.Helper()
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		idx, err := c.DequeueOutputBuffer(info, 10*time.Millisecond)
		require.NoError(t, err)
		if idx >= 0 {
			return idx
		}
	}
	t.Fatal("no output buffer")
	return -1
}

func TestBufferCodec_DecodeRendersToSurface(t *testing.T) {
	var b mediacodectest.Backends
	out := surface.NewQueue(8, 4, 4)
	dec := newDecoder(t, &b, out)

	queueSample(t, dec, []byte{0x80, 1, 2}, 40_000, media.FlagKeyFrame)

	var info media.BufferInfo
	idx, err := dec.DequeueOutputBuffer(&info, wait)
	require.NoError(t, err)
	assert.Equal(t, mediacodec.InfoOutputFormatChanged, idx, "format is announced before the first output")

	idx = nextOutput(t, dec, &info)
	assert.Equal(t, int64(40_000), info.PresentationTimeUs)
	assert.True(t, info.Flags.Has(media.FlagKeyFrame))
	assert.Equal(t, 8*4*4, info.Size)

	img, err := dec.OutputImage(idx)
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{R: 0x80, A: 0xff}, img.RGBAAt(0, 0))

	require.NoError(t, dec.ReleaseOutputBuffer(idx, true))
	select {
	case f := <-out.Frames():
		assert.Equal(t, int64(40_000_000), f.PTSNanos)
		assert.Equal(t, color.RGBA{R: 0x80, A: 0xff}, f.Image.RGBAAt(3, 3))
	case <-time.After(wait):
		t.Fatal("frame not rendered")
	}
	assert.Equal(t, uint64(1), dec.Stats().OutputsRendered)
}

func TestBufferCodec_ReleaseAtUsesRenderTime(t *testing.T) {
	var b mediacodectest.Backends
	out := surface.NewQueue(8, 4, 4)
	dec := newDecoder(t, &b, out)

	queueSample(t, dec, []byte{1}, 0, media.FlagKeyFrame)
	var info media.BufferInfo
	idx := nextOutput(t, dec, &info)
	require.NoError(t, dec.ReleaseOutputBufferAt(idx, 123_456_789))

	f := <-out.Frames()
	assert.Equal(t, int64(123_456_789), f.PTSNanos)
}

func TestBufferCodec_IndexOwnership(t *testing.T) {
	var b mediacodectest.Backends
	dec := newDecoder(t, &b, nil)

	t.Run("queue unowned input", func(t *testing.T) {
		assert.ErrorIs(t, dec.QueueInputBuffer(0, 0, 0, 0, 0), mediacodec.ErrNotOwned)
		assert.ErrorIs(t, dec.QueueInputBuffer(99, 0, 0, 0, 0), mediacodec.ErrInvalidIndex)
	})

	t.Run("oversized input", func(t *testing.T) {
		idx, err := dec.DequeueInputBuffer(wait)
		require.NoError(t, err)
		buf, err := dec.InputBuffer(idx)
		require.NoError(t, err)
		assert.ErrorIs(t, dec.QueueInputBuffer(idx, 0, len(buf)+1, 0, 0), mediacodec.ErrBufferTooSmall)
		require.NoError(t, dec.QueueInputBuffer(idx, 0, 1, 0, 0))
	})

	t.Run("double release", func(t *testing.T) {
		queueSample(t, dec, []byte{1}, 10, 0)
		var info media.BufferInfo
		idx := nextOutput(t, dec, &info)
		require.NoError(t, dec.ReleaseOutputBuffer(idx, false))
		assert.ErrorIs(t, dec.ReleaseOutputBuffer(idx, false), mediacodec.ErrNotOwned)
	})
}

func TestBufferCodec_InputPoolExhaustion(t *testing.T) {
	var b mediacodectest.Backends
	dec := newDecoder(t, &b, nil)

	for i := range mediacodec.DefaultOptions().InputBuffers {
		idx, err := dec.DequeueInputBuffer(0)
		require.NoError(t, err)
		require.GreaterOrEqual(t, idx, 0, "slot %d", i)
	}
	idx, err := dec.DequeueInputBuffer(10 * time.Microsecond)
	require.NoError(t, err)
	assert.Equal(t, mediacodec.InfoTryAgainLater, idx)
}

func TestBufferCodec_DequeueOutputTimesOut(t *testing.T) {
	var b mediacodectest.Backends
	dec := newDecoder(t, &b, nil)

	var info media.BufferInfo
	start := time.Now()
	idx, err := dec.DequeueOutputBuffer(&info, 10*time.Microsecond)
	require.NoError(t, err)
	assert.Equal(t, mediacodec.InfoTryAgainLater, idx)
	assert.Less(t, time.Since(start), wait)
}

func TestBufferCodec_EndOfStream(t *testing.T) {
	var b mediacodectest.Backends
	dec := newDecoder(t, &b, nil)

	queueSample(t, dec, []byte{1}, 0, media.FlagKeyFrame)
	queueSample(t, dec, nil, 0, media.FlagEndOfStream)

	_, err := dec.DequeueInputBuffer(0)
	require.NoError(t, err)

	var info media.BufferInfo
	idx := nextOutput(t, dec, &info)
	require.False(t, info.IsEndOfStream())
	require.NoError(t, dec.ReleaseOutputBuffer(idx, false))

	idx = nextOutput(t, dec, &info)
	assert.True(t, info.IsEndOfStream())
	assert.Equal(t, 0, info.Size)
	require.NoError(t, dec.ReleaseOutputBuffer(idx, false))

	queued := b.Decoders()[0].Queued()
	require.Len(t, queued, 2)
	assert.True(t, queued[1].Flags.Has(media.FlagEndOfStream))
}

func TestBufferCodec_FlushInvalidatesIndices(t *testing.T) {
	var b mediacodectest.Backends
	dec := newDecoder(t, &b, nil)

	queueSample(t, dec, []byte{1}, 0, media.FlagKeyFrame)
	var info media.BufferInfo
	idx := nextOutput(t, dec, &info)

	require.NoError(t, dec.Flush())
	assert.Equal(t, mediacodec.StateStarted, dec.State())
	assert.ErrorIs(t, dec.ReleaseOutputBuffer(idx, false), mediacodec.ErrNotOwned)
	assert.Equal(t, 1, b.Decoders()[0].Flushes())

	queueSample(t, dec, []byte{2}, 33_000, media.FlagKeyFrame)
	idx = nextOutput(t, dec, &info)
	assert.Equal(t, int64(33_000), info.PresentationTimeUs)
	require.NoError(t, dec.ReleaseOutputBuffer(idx, false))
}

func TestBufferCodec_StateMachine(t *testing.T) {
	var b mediacodectest.Backends
	c := mediacodec.NewBufferCodec("test", b.DecoderFactory(), mediacodec.Options{}, newTestLogger())
	assert.Equal(t, mediacodec.StateCreated, c.State())

	err := c.Start()
	assert.True(t, mediacodec.IsIllegalState(err))
	_, err = c.DequeueInputBuffer(0)
	assert.True(t, mediacodec.IsIllegalState(err))

	require.NoError(t, c.Configure(media.NewVideoFormat(media.MIMEVideoAVC, 4, 4), nil, 0))
	assert.Equal(t, mediacodec.StateConfigured, c.State())
	assert.True(t, mediacodec.IsIllegalState(c.Flush()))

	require.NoError(t, c.Start())
	assert.Equal(t, mediacodec.StateStarted, c.State())

	require.NoError(t, c.Stop())
	assert.Equal(t, mediacodec.StateCreated, c.State())
	assert.True(t, b.Decoders()[0].Closed())

	require.NoError(t, c.Configure(media.NewVideoFormat(media.MIMEVideoAVC, 4, 4), nil, 0))
	require.NoError(t, c.Start())

	require.NoError(t, c.Release())
	require.NoError(t, c.Release(), "release is idempotent")
	assert.Equal(t, mediacodec.StateReleased, c.State())

	assert.True(t, mediacodec.IsIllegalState(c.Start()))
	assert.True(t, mediacodec.IsIllegalState(c.Stop()))
	_, err = c.DequeueOutputBuffer(&media.BufferInfo{}, 0)
	assert.True(t, mediacodec.IsIllegalState(err))
}

func TestBufferCodec_ReleaseWakesBlockedDequeue(t *testing.T) {
	var b mediacodectest.Backends
	dec := newDecoder(t, &b, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := dec.DequeueOutputBuffer(&media.BufferInfo{}, -1)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, dec.Release())

	select {
	case err := <-errCh:
		assert.True(t, mediacodec.IsIllegalState(err))
	case <-time.After(wait):
		t.Fatal("dequeue still blocked after release")
	}
}

func TestBufferCodec_BackendErrorSurfaces(t *testing.T) {
	boom := errors.New("boom")
	b := mediacodectest.Backends{DecoderQueueErr: boom}
	dec := newDecoder(t, &b, nil)

	idx, err := dec.DequeueInputBuffer(wait)
	require.NoError(t, err)
	assert.ErrorIs(t, dec.QueueInputBuffer(idx, 0, 0, 0, 0), boom)
}

func TestBufferCodec_EncoderInputSurface(t *testing.T) {
	var b mediacodectest.Backends
	enc, err := b.Factory(newTestLogger()).CreateEncoderByType(media.MIMEVideoAVC)
	require.NoError(t, err)
	defer enc.Release()

	format := media.NewVideoFormat(media.MIMEVideoAVC, 16, 16)
	format.FrameRate = 30
	require.NoError(t, enc.Configure(format, nil, mediacodec.ConfigureFlagEncode))

	in, err := enc.CreateInputSurface()
	require.NoError(t, err)
	require.NoError(t, enc.Start())

	_, err = enc.DequeueInputBuffer(0)
	assert.True(t, mediacodec.IsIllegalState(err), "surface encoders take no byte input")

	in.SetPresentationTime(0)
	require.NoError(t, in.SwapBuffers())
	in.SetPresentationTime(int64(33 * time.Millisecond))
	require.NoError(t, in.SwapBuffers())
	require.NoError(t, enc.SignalEndOfInputStream())
	require.NoError(t, enc.SignalEndOfInputStream(), "repeated end of input is a no-op")

	var (
		info     media.BufferInfo
		sawFmt   bool
		config   int
		data     []int64
		gotEOS   bool
		deadline = time.Now().Add(wait)
	)
	for !gotEOS && time.Now().Before(deadline) {
		idx, err := enc.DequeueOutputBuffer(&info, 10*time.Millisecond)
		require.NoError(t, err)
		switch {
		case idx == mediacodec.InfoOutputFormatChanged:
			sawFmt = true
			assert.Equal(t, [][]byte{mediacodectest.ConfigNAL}, enc.OutputFormat().CSD)
		case idx < 0:
			continue
		default:
			buf, err := enc.OutputBuffer(idx)
			require.NoError(t, err)
			switch {
			case info.IsEndOfStream():
				gotEOS = true
			case info.IsCodecConfig():
				config++
			default:
				data = append(data, mediacodectest.DecodePTS(buf[info.Offset:info.Offset+info.Size]))
			}
			require.NoError(t, enc.ReleaseOutputBuffer(idx, false))
		}
	}

	assert.True(t, sawFmt)
	assert.Equal(t, 1, config)
	assert.Equal(t, []int64{0, 33_000}, data)
	assert.True(t, gotEOS)
}

func TestBufferCodec_EncoderRejectsOutputSurface(t *testing.T) {
	var b mediacodectest.Backends
	enc, err := b.Factory(newTestLogger()).CreateEncoderByType(media.MIMEVideoHEVC)
	require.NoError(t, err)
	err = enc.Configure(media.NewVideoFormat(media.MIMEVideoHEVC, 4, 4), surface.NewQueue(4, 4, 1), mediacodec.ConfigureFlagEncode)
	assert.Error(t, err)
}

func TestFactory_UnsupportedType(t *testing.T) {
	var b mediacodectest.Backends
	f := b.Factory(newTestLogger())

	_, err := f.CreateDecoderByType("video/unknown")
	assert.True(t, media.IsConfigurationError(err))
	assert.ErrorIs(t, err, media.ErrUnsupportedMediaType)

	_, err = f.CreateEncoderByType(media.MIMEVideoVP9)
	assert.True(t, media.IsConfigurationError(err))
}
