package stages

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/QVSorrow/low-level-video/internal/media"
	"github.com/QVSorrow/low-level-video/internal/mediacodec"
	"github.com/QVSorrow/low-level-video/internal/pipeline/core"
)

// EventKind classifies an encoder output event.
type EventKind int

// Encoder output events.
const (
	EventNone EventKind = iota
	EventFormatReady
	EventData
	EventEndOfStream
)

func (k EventKind) String() string {
	switch k {
	case EventFormatReady:
		return "format_ready"
	case EventData:
		return "data"
	case EventEndOfStream:
		return "end_of_stream"
	default:
		return "none"
	}
}

// OutputEvent is one encoder output. Data and EndOfStream events hold a
// codec buffer that must be given back with Encode.Release.
type OutputEvent struct {
	Kind   EventKind
	Format media.Format
	Index  int
	Data   []byte
	Info   media.BufferInfo
}

// Encode drives the output side of an encoder.
type Encode struct {
	codec    mediacodec.Codec
	progress core.ProgressSink
	logger   *slog.Logger

	info      media.BufferInfo
	held      *OutputEvent
	announced bool
	eos       atomic.Bool
}

// NewEncode creates the stage. The codec must be started.
func NewEncode(codec mediacodec.Codec, progress core.ProgressSink, logger *slog.Logger) *Encode {
	if logger == nil {
		logger = slog.Default()
	}
	return &Encode{
		codec:    codec,
		progress: core.OrNop(progress),
		logger:   logger.With(slog.String("stage", "encode")),
	}
}

// TryProduceOutput polls the encoder once. The first sample buffer is
// preceded by a FormatReady event carrying the final output format; the
// buffer itself is returned by the next call. Codec config buffers come
// back as Data events of size 0.
func (e *Encode) TryProduceOutput(timeout time.Duration) (OutputEvent, error) {
	if e.held != nil {
		ev := *e.held
		e.held = nil
		return ev, nil
	}

	idx, err := e.codec.DequeueOutputBuffer(&e.info, timeout)
	if err != nil {
		return OutputEvent{}, err
	}
	if mediacodec.IsInfo(idx) {
		return OutputEvent{}, nil
	}
	info := e.info

	if info.IsEndOfStream() {
		e.logger.Debug("encoder reached end of stream")
		return OutputEvent{Kind: EventEndOfStream, Index: idx, Info: info}, nil
	}
	data, err := e.codec.OutputBuffer(idx)
	if err != nil {
		_ = e.codec.ReleaseOutputBuffer(idx, false)
		return OutputEvent{}, err
	}
	if info.IsCodecConfig() {
		info.Size = 0
		return OutputEvent{Kind: EventData, Index: idx, Data: data, Info: info}, nil
	}

	e.progress.EncodeTime(info.PresentationTimeUs)
	ev := OutputEvent{Kind: EventData, Index: idx, Data: data, Info: info}
	if !e.announced {
		e.announced = true
		e.held = &ev
		format := e.codec.OutputFormat()
		e.logger.Debug("output format ready", slog.String("format", format.String()))
		return OutputEvent{Kind: EventFormatReady, Format: format}, nil
	}
	return ev, nil
}

// Release gives the buffer of a Data or EndOfStream event back to the codec.
func (e *Encode) Release(ev OutputEvent) error {
	if ev.Kind != EventData && ev.Kind != EventEndOfStream {
		return nil
	}
	return e.codec.ReleaseOutputBuffer(ev.Index, false)
}

// SignalEndOfInput asks the encoder to drain. Repeated calls are no-ops.
func (e *Encode) SignalEndOfInput() error {
	if e.eos.Swap(true) {
		return nil
	}
	return e.codec.SignalEndOfInputStream()
}

// EndOfInputSignaled reports whether SignalEndOfInput was called.
func (e *Encode) EndOfInputSignaled() bool { return e.eos.Load() }

var _ EndOfStreamSignaler = (*Encode)(nil)
