package media

import "strings"

// BufferFlags annotate a sample buffer.
type BufferFlags uint32

const (
	// FlagKeyFrame marks a sync sample.
	FlagKeyFrame BufferFlags = 1 << iota
	// FlagCodecConfig marks codec initialisation data rather than media data.
	FlagCodecConfig
	// FlagEndOfStream marks the last buffer; no data follows.
	FlagEndOfStream
)

// Has reports whether all bits of f are set.
func (b BufferFlags) Has(f BufferFlags) bool {
	return b&f == f
}

func (b BufferFlags) String() string {
	var parts []string
	if b.Has(FlagKeyFrame) {
		parts = append(parts, "key")
	}
	if b.Has(FlagCodecConfig) {
		parts = append(parts, "config")
	}
	if b.Has(FlagEndOfStream) {
		parts = append(parts, "eos")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// BufferInfo is the metadata of a dequeued or queued buffer.
// The payload itself is the byte range [Offset, Offset+Size) of the slot.
type BufferInfo struct {
	Offset             int
	Size               int
	PresentationTimeUs int64
	Flags              BufferFlags
}

// Set overwrites every field at once.
func (i *BufferInfo) Set(offset, size int, presentationTimeUs int64, flags BufferFlags) {
	i.Offset = offset
	i.Size = size
	i.PresentationTimeUs = presentationTimeUs
	i.Flags = flags
}

// IsEndOfStream reports whether the buffer carries the end-of-stream flag.
func (i BufferInfo) IsEndOfStream() bool { return i.Flags.Has(FlagEndOfStream) }

// IsCodecConfig reports whether the buffer carries codec configuration.
func (i BufferInfo) IsCodecConfig() bool { return i.Flags.Has(FlagCodecConfig) }

// SampleResult is what the source reader reports for one read.
// A Size <= 0 without EndOfStream means no sample is currently available.
type SampleResult struct {
	Size        int
	TimeUs      int64
	KeyFrame    bool
	EndOfStream bool
}

// Flags converts the result into codec input flags.
func (r SampleResult) Flags() BufferFlags {
	var f BufferFlags
	if r.KeyFrame {
		f |= FlagKeyFrame
	}
	if r.EndOfStream {
		f |= FlagEndOfStream
	}
	return f
}
