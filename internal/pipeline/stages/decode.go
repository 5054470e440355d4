package stages

import (
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/QVSorrow/low-level-video/internal/media"
	"github.com/QVSorrow/low-level-video/internal/mediacodec"
	"github.com/QVSorrow/low-level-video/internal/pipeline/core"
)

// DecodeEvent is what one output poll of a decoder did.
type DecodeEvent int

// Decode events.
const (
	DecodeNone DecodeEvent = iota
	DecodeRendered
	DecodeDropped
	DecodeEndOfStream
)

func (e DecodeEvent) String() string {
	switch e {
	case DecodeRendered:
		return "rendered"
	case DecodeDropped:
		return "dropped"
	case DecodeEndOfStream:
		return "end_of_stream"
	default:
		return "none"
	}
}

// Scheduler decides when a decoded frame is presented. It returns the
// render time in nanoseconds, or false to drop the frame.
type Scheduler func(ptsUs int64) (renderNanos int64, render bool)

// PresentAtPTS renders every frame stamped with its own presentation time.
func PresentAtPTS(ptsUs int64) (int64, bool) {
	return ptsUs * int64(time.Microsecond), true
}

// EndOfStreamSignaler is the stage downstream of a decoder.
type EndOfStreamSignaler interface {
	SignalEndOfInput() error
}

// DecodeOptions configure a Decode stage.
type DecodeOptions struct {
	// Schedule defaults to PresentAtPTS.
	Schedule Scheduler
	// Downstream, when set, is told about the end of stream.
	Downstream EndOfStreamSignaler
	Progress   core.ProgressSink
	Logger     *slog.Logger
}

// Decode drives a decoder. The input side and the output side may run on
// different goroutines; each side must be driven by one goroutine only.
type Decode struct {
	codec      mediacodec.Codec
	extractor  *Extractor
	schedule   Scheduler
	downstream EndOfStreamSignaler
	progress   core.ProgressSink
	logger     *slog.Logger

	// input side
	pendingIn int
	eosQueued atomic.Bool

	// output side
	info media.BufferInfo
}

// NewDecode creates the stage. The codec must be started.
func NewDecode(codec mediacodec.Codec, extractor *Extractor, opts DecodeOptions) *Decode {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Schedule == nil {
		opts.Schedule = PresentAtPTS
	}
	return &Decode{
		codec:      codec,
		extractor:  extractor,
		schedule:   opts.Schedule,
		downstream: opts.Downstream,
		progress:   core.OrNop(opts.Progress),
		logger:     logger.With(slog.String("stage", "decode")),
		pendingIn:  -1,
	}
}

// TryConsumeInput moves one sample from the extractor into an input slot.
// At the end of the track it queues one empty end-of-stream buffer. It
// returns false when no slot or no sample was available.
func (d *Decode) TryConsumeInput(timeout time.Duration) (bool, error) {
	if d.eosQueued.Load() {
		return false, nil
	}
	idx := d.pendingIn
	if idx < 0 {
		i, err := d.codec.DequeueInputBuffer(timeout)
		if err != nil {
			return false, err
		}
		if mediacodec.IsInfo(i) {
			return false, nil
		}
		idx = i
	}
	d.pendingIn = -1

	buf, err := d.codec.InputBuffer(idx)
	if err != nil {
		return false, err
	}
	res, err := d.extractor.ReadNext(buf)
	if err != nil {
		// Keep the slot for the next attempt.
		d.pendingIn = idx
		return false, err
	}
	if res.EndOfStream {
		d.eosQueued.Store(true)
		d.logger.Debug("queueing end of stream", slog.Int64("last_us", res.TimeUs))
		return true, d.codec.QueueInputBuffer(idx, 0, 0, res.TimeUs, media.FlagEndOfStream)
	}
	if res.Size <= 0 {
		d.pendingIn = idx
		return false, nil
	}
	if err := d.codec.QueueInputBuffer(idx, 0, res.Size, res.TimeUs, res.Flags()); err != nil {
		return false, err
	}
	return true, nil
}

// TryProduceOutput releases one decoded frame, rendering it at the time the
// scheduler picks or dropping it. On the end-of-stream buffer it signals
// the downstream stage.
func (d *Decode) TryProduceOutput(timeout time.Duration) (DecodeEvent, error) {
	idx, err := d.codec.DequeueOutputBuffer(&d.info, timeout)
	if err != nil {
		return DecodeNone, err
	}
	if mediacodec.IsInfo(idx) {
		return DecodeNone, nil
	}
	info := d.info

	if info.IsEndOfStream() {
		err := d.codec.ReleaseOutputBuffer(idx, false)
		if d.downstream != nil {
			err = errors.Join(err, d.downstream.SignalEndOfInput())
		}
		d.logger.Debug("decoder reached end of stream")
		return DecodeEndOfStream, err
	}

	d.progress.DecodeTime(info.PresentationTimeUs)
	renderAt, ok := d.schedule(info.PresentationTimeUs)
	if !ok {
		return DecodeDropped, d.codec.ReleaseOutputBuffer(idx, false)
	}
	return DecodeRendered, d.codec.ReleaseOutputBufferAt(idx, renderAt)
}

// InputEndOfStreamQueued reports whether the end-of-stream buffer was queued.
func (d *Decode) InputEndOfStreamQueued() bool { return d.eosQueued.Load() }

// Flush flushes the decoder and forgets every index it held. Both sides
// must be idle.
func (d *Decode) Flush() error {
	d.pendingIn = -1
	d.eosQueued.Store(false)
	return d.codec.Flush()
}
