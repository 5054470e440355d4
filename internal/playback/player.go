package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/QVSorrow/low-level-video/internal/container"
	"github.com/QVSorrow/low-level-video/internal/media"
	"github.com/QVSorrow/low-level-video/internal/mediacodec"
	"github.com/QVSorrow/low-level-video/internal/pipeline/core"
	"github.com/QVSorrow/low-level-video/internal/pipeline/stages"
	"github.com/QVSorrow/low-level-video/internal/surface"
)

// ErrReleased is returned by calls on a released player.
var ErrReleased = errors.New("player released")

// DefaultPollTimeout bounds each decoder output poll of the playback loop.
const DefaultPollTimeout = 10 * time.Millisecond

// Options configure a Player.
type Options struct {
	DropThreshold time.Duration
	// Loop restarts from the beginning at the end of the track. Without it
	// the player pauses there.
	Loop                   bool
	PollTimeout            time.Duration
	MaxConsecutiveFailures int
	// Now overrides the clock's time source, in nanoseconds.
	Now    func() int64
	Logger *slog.Logger
}

// DefaultOptions returns looping playback with the default drop threshold.
func DefaultOptions() Options {
	return Options{
		DropThreshold:          DefaultDropThreshold,
		Loop:                   true,
		PollTimeout:            DefaultPollTimeout,
		MaxConsecutiveFailures: core.DefaultMaxConsecutiveFailures,
	}
}

// State is a snapshot of a player.
type State struct {
	Playing    bool   `json:"playing"`
	PositionUs int64  `json:"position_us"`
	DurationUs int64  `json:"duration_us"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	Loops      int    `json:"loops"`
	Rendered   uint64 `json:"rendered"`
	Dropped    uint64 `json:"dropped"`
	// Err is set when playback stopped on an error.
	Err error `json:"-"`
}

type command struct {
	gen    uint64
	always bool
	fn     func()
}

// Player plays the video track of a source in real time, rendering decoded
// frames into a surface at the time the playback clock picks and dropping
// frames that are too late. All work runs on one goroutine; the exported
// methods post to it.
type Player struct {
	opts   Options
	logger *slog.Logger
	ext    *stages.Extractor
	codec  mediacodec.Codec
	decode *stages.Decode
	clock  *Clock
	track  media.TrackDescriptor
	budget *core.FailureBudget

	cmds       chan command
	gen        atomic.Uint64
	exited     chan struct{}
	release    sync.Once
	releaseErr error

	mu    sync.Mutex
	state State

	// owned by the worker
	playing bool
	stopped bool
}

// NewPlayer selects the video track of reader and starts a decoder that
// renders into out. The player starts paused.
func NewPlayer(reader *container.Reader, codecs *mediacodec.Factory, out surface.Surface, opts Options) (*Player, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "player"))
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}

	ext := stages.NewExtractor(reader, nil, logger)
	track, err := ext.SelectVideoTrack()
	if err != nil {
		return nil, err
	}
	dec, err := codecs.CreateDecoderByType(track.MediaType())
	if err != nil {
		return nil, err
	}
	if err := dec.Configure(track.Format, out, 0); err != nil {
		_ = dec.Release()
		return nil, media.NewConfigurationError("decoder", "configuring "+track.Format.String(), err)
	}
	if err := dec.Start(); err != nil {
		_ = dec.Release()
		return nil, fmt.Errorf("starting decoder: %w", err)
	}

	p := &Player{
		opts:   opts,
		logger: logger,
		ext:    ext,
		codec:  dec,
		track:  track,
		budget: core.NewFailureBudget("playback", opts.MaxConsecutiveFailures, logger),
		cmds:   make(chan command, 16),
		exited: make(chan struct{}),
		state: State{
			DurationUs: track.DurationUs(),
			Width:      track.Width(),
			Height:     track.Height(),
		},
	}
	if opts.Now != nil {
		p.clock = NewClockWithNow(opts.DropThreshold, opts.Now)
	} else {
		p.clock = NewClock(opts.DropThreshold)
	}
	p.decode = stages.NewDecode(dec, ext, stages.DecodeOptions{Schedule: p.schedule, Logger: logger})

	go p.run()
	return p, nil
}

// Track returns the track being played.
func (p *Player) Track() media.TrackDescriptor { return p.track }

// State returns a snapshot of the player.
func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Play starts or resumes playback.
func (p *Player) Play() error {
	return p.post(command{gen: p.gen.Load(), fn: p.doPlay})
}

// Pause stops playback and cancels work queued before it.
func (p *Player) Pause() error {
	p.gen.Add(1)
	return p.post(command{always: true, fn: p.doPause})
}

// SeekTo moves playback to the sync sample at or before positionUs. The
// clock is re-anchored so positionUs is due now.
func (p *Player) SeekTo(positionUs int64) error {
	return p.post(command{gen: p.gen.Load(), fn: func() { p.doSeek(positionUs) }})
}

// Release cancels queued work, stops the worker and frees the decoder and
// the source. It waits for the worker to exit.
func (p *Player) Release() error {
	p.release.Do(func() {
		p.gen.Add(1)
		if err := p.post(command{always: true, fn: p.doRelease}); err != nil {
			p.releaseErr = err
			return
		}
		<-p.exited
	})
	return p.releaseErr
}

// Done is closed when the player is released.
func (p *Player) Done() <-chan struct{} { return p.exited }

func (p *Player) post(c command) error {
	select {
	case <-p.exited:
		return ErrReleased
	default:
	}
	select {
	case <-p.exited:
		return ErrReleased
	case p.cmds <- c:
		return nil
	}
}

func (p *Player) run() {
	defer close(p.exited)
	for !p.stopped {
		if p.playing {
			select {
			case c := <-p.cmds:
				p.exec(c)
			default:
				p.step()
			}
			continue
		}
		p.exec(<-p.cmds)
	}
}

func (p *Player) exec(c command) {
	if !c.always && c.gen != p.gen.Load() {
		return
	}
	c.fn()
}

func (p *Player) doPlay() {
	if p.playing {
		return
	}
	p.playing = true
	p.clock.Unset()
	p.update(func(s *State) {
		s.Playing = true
		s.Err = nil
	})
	p.logger.Debug("playing", slog.Int64("position_us", p.State().PositionUs))
}

func (p *Player) doPause() {
	p.setPlaying(false)
	p.logger.Debug("paused")
}

func (p *Player) doSeek(positionUs int64) {
	positionUs = max(positionUs, 0)
	if d := p.track.DurationUs(); d > 0 {
		positionUs = min(positionUs, d)
	}
	if err := p.decode.Flush(); err != nil {
		p.logger.Warn("flushing decoder for seek", slog.String("error", err.Error()))
	}
	if err := p.ext.SeekTo(positionUs); err != nil {
		p.fail(fmt.Errorf("seeking to %dus: %w", positionUs, err))
		return
	}
	p.clock.AnchorAt(positionUs)
	p.update(func(s *State) { s.PositionUs = positionUs })
	p.logger.Debug("seeked", slog.Int64("position_us", positionUs))
}

func (p *Player) doRelease() {
	p.playing = false
	p.stopped = true
	p.releaseErr = errors.Join(p.codec.Release(), p.ext.Close())
	p.update(func(s *State) { s.Playing = false })
	p.logger.Debug("released")
}

// step feeds one sample and handles at most one decoded frame.
func (p *Player) step() {
	if _, err := p.decode.TryConsumeInput(0); err != nil {
		p.fail(err)
		return
	}
	ev, err := p.decode.TryProduceOutput(p.opts.PollTimeout)
	if err != nil {
		p.fail(err)
		return
	}
	p.budget.Observe(nil)
	switch ev {
	case stages.DecodeRendered:
		p.update(func(s *State) { s.Rendered++ })
	case stages.DecodeDropped:
		p.update(func(s *State) { s.Dropped++ })
		p.logger.Debug("dropped late frame", slog.Int64("position_us", p.State().PositionUs))
	case stages.DecodeEndOfStream:
		p.endOfStream()
	}
}

// endOfStream restarts the decoder. The reader has already rewound to the
// first sync sample.
func (p *Player) endOfStream() {
	if err := p.decode.Flush(); err != nil {
		p.fail(err)
		return
	}
	p.clock.Unset()
	p.update(func(s *State) { s.Loops++ })
	if !p.opts.Loop {
		p.playing = false
		p.update(func(s *State) {
			s.Playing = false
			s.PositionUs = 0
		})
		p.logger.Debug("end of stream")
	}
}

func (p *Player) fail(err error) {
	berr := p.budget.Observe(err)
	if berr == nil && !mediacodec.IsIllegalState(err) {
		return
	}
	if berr == nil {
		berr = err
	}
	p.playing = false
	p.update(func(s *State) {
		s.Playing = false
		s.Err = berr
	})
	p.logger.Error("playback stopped", slog.String("error", berr.Error()))
}

func (p *Player) schedule(ptsUs int64) (int64, bool) {
	d := p.clock.Decide(ptsUs)
	p.update(func(s *State) { s.PositionUs = ptsUs })
	return d.RenderNanos, d.Render
}

func (p *Player) setPlaying(v bool) {
	p.playing = v
	p.update(func(s *State) { s.Playing = v })
}

func (p *Player) update(fn func(*State)) {
	p.mu.Lock()
	fn(&p.state)
	p.mu.Unlock()
}
