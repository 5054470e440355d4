package core

import (
	"sync"
	"sync/atomic"
)

// Completion is a one-shot event. It fires once; every later Complete call
// is a no-op.
type Completion struct {
	once  sync.Once
	done  chan struct{}
	fired atomic.Bool
}

// NewCompletion returns an unfired event.
func NewCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Complete fires the event. It returns true only for the call that fired it.
func (c *Completion) Complete() bool {
	first := false
	c.once.Do(func() {
		c.fired.Store(true)
		close(c.done)
		first = true
	})
	return first
}

// IsComplete reports whether the event fired.
func (c *Completion) IsComplete() bool { return c.fired.Load() }

// Done is closed when the event fires.
func (c *Completion) Done() <-chan struct{} { return c.done }

// RunState is shared by the goroutines of one run. Only the mux-output loop
// writes it.
type RunState struct {
	completion   *Completion
	muxerStarted atomic.Bool
	trackID      atomic.Int64
}

// NewRunState returns the state of a run that has not registered a track.
func NewRunState() *RunState {
	s := &RunState{completion: NewCompletion()}
	s.trackID.Store(-1)
	return s
}

// Completion returns the run's completion event.
func (s *RunState) Completion() *Completion { return s.completion }

// IsComplete reports whether the end of stream reached the muxer.
func (s *RunState) IsComplete() bool { return s.completion.IsComplete() }

// MuxerStarted reports whether the track was registered and the muxer started.
func (s *RunState) MuxerStarted() bool { return s.muxerStarted.Load() }

// TrackID returns the muxer track id, -1 until assigned.
func (s *RunState) TrackID() int { return int(s.trackID.Load()) }

// SetMuxerTrack records the registered track and marks the muxer started.
func (s *RunState) SetMuxerTrack(id int) {
	s.trackID.Store(int64(id))
	s.muxerStarted.Store(true)
}
