// Package core provides the pieces every pipeline coordinator shares: the
// run state, progress reporting, the failure budget, timestamp policies and
// best-effort teardown.
package core

// ProgressSink receives the presentation time, in microseconds, of each
// sample crossing a pipeline boundary. Times are meant to increase but this
// is not enforced. Implementations must be safe for concurrent use: each
// boundary is reported from its own goroutine.
type ProgressSink interface {
	ExtractTime(us int64)
	DecodeTime(us int64)
	EncodeTime(us int64)
	MuxTime(us int64)
}

// NopProgress discards progress.
type NopProgress struct{}

func (NopProgress) ExtractTime(int64) {}
func (NopProgress) DecodeTime(int64)  {}
func (NopProgress) EncodeTime(int64)  {}
func (NopProgress) MuxTime(int64)     {}

// OrNop returns p, or NopProgress when p is nil.
func OrNop(p ProgressSink) ProgressSink {
	if p == nil {
		return NopProgress{}
	}
	return p
}

var _ ProgressSink = NopProgress{}
