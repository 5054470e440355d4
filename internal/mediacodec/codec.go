// Package mediacodec implements the buffer-queue codec: a stateful transform
// with an index-addressed input queue and output queue, filled and drained
// through non-blocking, timeout-bounded dequeue operations.
package mediacodec

import (
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/QVSorrow/low-level-video/internal/media"
	"github.com/QVSorrow/low-level-video/internal/surface"
)

// Dequeue sentinels. They mean "no buffer, retry later", never an error.
const (
	InfoTryAgainLater        = -1
	InfoOutputFormatChanged  = -2
	InfoOutputBuffersChanged = -3
)

// IsInfo reports whether a dequeue result is one of the sentinels.
func IsInfo(index int) bool { return index < 0 }

// State is the lifecycle state of a codec.
type State int

// Codec states. Flushing is transient: Flush returns the codec to Started.
// Released is terminal.
const (
	StateCreated State = iota
	StateConfigured
	StateStarted
	StateFlushing
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConfigured:
		return "configured"
	case StateStarted:
		return "started"
	case StateFlushing:
		return "flushing"
	case StateReleased:
		return "released"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ConfigureFlags modify Configure.
type ConfigureFlags int

// ConfigureFlagEncode configures the codec as an encoder.
const ConfigureFlagEncode ConfigureFlags = 1

// Errors returned by codecs.
var (
	ErrInvalidIndex   = errors.New("invalid buffer index")
	ErrNotOwned       = errors.New("buffer index not owned by caller")
	ErrBufferTooSmall = errors.New("sample larger than input buffer")
	ErrNoInputSurface = errors.New("codec has no input surface")
)

// IllegalStateError reports an operation invalid in the codec's current state.
type IllegalStateError struct {
	Op    string
	State State
}

func (e *IllegalStateError) Error() string {
	return fmt.Sprintf("%s: illegal in state %s", e.Op, e.State)
}

// IsIllegalState reports whether err is an IllegalStateError.
func IsIllegalState(err error) bool {
	var ise *IllegalStateError
	return errors.As(err, &ise)
}

// Codec is a buffer-queue codec. A timeout of zero polls, a negative timeout
// waits without bound.
type Codec interface {
	Name() string
	State() State

	Configure(format media.Format, out surface.Surface, flags ConfigureFlags) error
	CreateInputSurface() (*surface.Queue, error)
	Start() error

	DequeueInputBuffer(timeout time.Duration) (int, error)
	InputBuffer(index int) ([]byte, error)
	QueueInputBuffer(index, offset, size int, presentationTimeUs int64, flags media.BufferFlags) error

	DequeueOutputBuffer(info *media.BufferInfo, timeout time.Duration) (int, error)
	OutputBuffer(index int) ([]byte, error)
	OutputImage(index int) (*image.RGBA, error)
	OutputFormat() media.Format
	ReleaseOutputBuffer(index int, render bool) error
	ReleaseOutputBufferAt(index int, renderTimeNanos int64) error

	SignalEndOfInputStream() error
	Flush() error
	Stop() error
	Release() error
}
