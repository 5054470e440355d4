package media

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferFlags(t *testing.T) {
	f := FlagKeyFrame | FlagEndOfStream
	assert.True(t, f.Has(FlagKeyFrame))
	assert.False(t, f.Has(FlagCodecConfig))
	assert.False(t, f.Has(FlagKeyFrame|FlagCodecConfig))
	assert.Equal(t, "key|eos", f.String())
	assert.Equal(t, "none", BufferFlags(0).String())

	var info BufferInfo
	info.Set(4, 100, 33_333, FlagCodecConfig)
	assert.Equal(t, BufferInfo{Offset: 4, Size: 100, PresentationTimeUs: 33_333, Flags: FlagCodecConfig}, info)
	assert.True(t, info.IsCodecConfig())
	assert.False(t, info.IsEndOfStream())

	assert.Equal(t, FlagKeyFrame, SampleResult{Size: 10, KeyFrame: true}.Flags())
	assert.Equal(t, FlagEndOfStream, SampleResult{Size: -1, EndOfStream: true}.Flags())
}

func TestFormat_CloneIsDeep(t *testing.T) {
	f := NewVideoFormat(MIMEVideoAVC, 1280, 720)
	f.CSD = [][]byte{{0x67, 0x42}, {0x68}}

	c := f.Clone()
	c.CSD[0][0] = 0
	c.Width = 10

	assert.Equal(t, byte(0x67), f.CSD[0][0])
	assert.Equal(t, 1280, f.Width)
	assert.True(t, f.IsVideo())
	assert.Equal(t, "video/avc 1280x720", f.String())
	assert.Equal(t, MIMEAudioAAC, Format{MIME: MIMEAudioAAC}.String())
}

func TestTimeConversions(t *testing.T) {
	assert.Equal(t, int64(90_000), UsTo90k(1_000_000))
	assert.Equal(t, int64(33_333), Ticks90kToUs(3_000))
	assert.Equal(t, int64(500_000), TicksToUs(6_000, 12_000))
	assert.Zero(t, TicksToUs(100, 0))
	assert.Equal(t, 1500*time.Millisecond, UsToDuration(1_500_000))
	assert.Equal(t, int64(2_000), DurationToUs(2*time.Millisecond))

	a := NanoTime()
	time.Sleep(time.Millisecond)
	assert.Greater(t, NanoTime(), a)
}

func TestErrors(t *testing.T) {
	cause := errors.New("bad value")
	cfg := NewConfigurationError("bit_rate", "must be positive", cause)
	assert.Equal(t, "configuration error for bit_rate: must be positive: bad value", cfg.Error())
	assert.ErrorIs(t, cfg, cause)

	wrapped := NewStageError("encode", "configure", cfg)
	assert.Equal(t, "stage encode (configure): configuration error for bit_rate: must be positive: bad value", wrapped.Error())
	assert.True(t, IsConfigurationError(wrapped))
	assert.False(t, IsConfigurationError(ErrClosed))

	require.ErrorIs(t, NewStageError("mux", "start", ErrClosed), ErrClosed)
}
