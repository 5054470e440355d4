package mediacodec

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/QVSorrow/low-level-video/internal/media"
	"github.com/QVSorrow/low-level-video/internal/surface"
)

// Options size the buffer pools of a BufferCodec.
type Options struct {
	InputBuffers  int
	OutputBuffers int
	// MaxInputSize is the capacity of each input slot. Zero derives it from
	// the configured format.
	MaxInputSize int
	// SurfaceDepth is the frame capacity of an encoder input surface.
	SurfaceDepth int
}

// DefaultOptions returns the pool sizes used when none are given.
func DefaultOptions() Options {
	return Options{
		InputBuffers:  4,
		OutputBuffers: 8,
		SurfaceDepth:  2,
	}
}

// Stats are running counters of a codec.
type Stats struct {
	InputsQueued    uint64
	OutputsDequeued uint64
	OutputsRendered uint64
}

// BufferCodec implements Codec on top of a Backend. It is safe for
// concurrent use: the input side and the output side may be driven from
// different goroutines.
type BufferCodec struct {
	name    string
	factory BackendFactory
	opts    Options
	logger  *slog.Logger

	mu        sync.Mutex
	state     State
	encoder   bool
	format    media.Format
	outFormat media.Format
	backend   Backend
	cancel    context.CancelFunc
	out       surface.Surface
	inSurface *surface.Queue

	inputs   [][]byte
	inSize   int
	freeIn   []int
	ownedIn  []bool
	inputEOS bool

	pending       []Output
	held          map[int]Output
	outBusy       []bool
	formatKnown   bool
	formatPending bool
	failure       error

	inWake   chan struct{}
	outWake  chan struct{}
	released chan struct{}

	inputsQueued    atomic.Uint64
	outputsDequeued atomic.Uint64
	outputsRendered atomic.Uint64
}

// NewBufferCodec creates a codec in the Created state.
func NewBufferCodec(name string, factory BackendFactory, opts Options, logger *slog.Logger) *BufferCodec {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultOptions()
	if opts.InputBuffers <= 0 {
		opts.InputBuffers = def.InputBuffers
	}
	if opts.OutputBuffers <= 0 {
		opts.OutputBuffers = def.OutputBuffers
	}
	if opts.SurfaceDepth <= 0 {
		opts.SurfaceDepth = def.SurfaceDepth
	}
	return &BufferCodec{
		name:     name,
		factory:  factory,
		opts:     opts,
		logger:   logger.With(slog.String("codec", name)),
		held:     make(map[int]Output),
		inWake:   make(chan struct{}, 1),
		outWake:  make(chan struct{}, 1),
		released: make(chan struct{}),
	}
}

// Name implements Codec.
func (c *BufferCodec) Name() string { return c.name }

// State implements Codec.
func (c *BufferCodec) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a snapshot of the codec counters.
func (c *BufferCodec) Stats() Stats {
	return Stats{
		InputsQueued:    c.inputsQueued.Load(),
		OutputsDequeued: c.outputsDequeued.Load(),
		OutputsRendered: c.outputsRendered.Load(),
	}
}

// Configure implements Codec. Decoders given a surface render into it on
// release; encoders never take an output surface.
func (c *BufferCodec) Configure(format media.Format, out surface.Surface, flags ConfigureFlags) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateCreated {
		return &IllegalStateError{Op: "Configure", State: c.state}
	}
	encoder := flags&ConfigureFlagEncode != 0
	if encoder && out != nil {
		return errors.New("configure: encoders do not render to an output surface")
	}

	w, h := format.Width, format.Height
	if out != nil {
		w, h = out.Size()
	}
	backend, err := c.factory(BackendConfig{
		Format:       format.Clone(),
		Encoder:      encoder,
		OutputWidth:  w,
		OutputHeight: h,
		Logger:       c.logger,
	})
	if err != nil {
		return fmt.Errorf("creating backend: %w", err)
	}

	c.backend = backend
	c.encoder = encoder
	c.format = format.Clone()
	c.out = out
	c.inSize = c.opts.MaxInputSize
	if c.inSize <= 0 {
		c.inSize = defaultMaxInputSize(format, encoder)
	}
	c.inputs = make([][]byte, c.opts.InputBuffers)
	c.resetPoolsLocked()
	c.formatKnown = false
	c.failure = nil
	c.state = StateConfigured
	return nil
}

func defaultMaxInputSize(f media.Format, encoder bool) int {
	px := f.Width * f.Height
	if encoder {
		return px * 4
	}
	return max(1<<20, px*3/2)
}

func (c *BufferCodec) resetPoolsLocked() {
	c.freeIn = c.freeIn[:0]
	for i := len(c.inputs) - 1; i >= 0; i-- {
		c.freeIn = append(c.freeIn, i)
	}
	c.ownedIn = make([]bool, len(c.inputs))
	c.outBusy = make([]bool, c.opts.OutputBuffers)
	c.held = make(map[int]Output)
	c.pending = nil
	c.inputEOS = false
	c.formatPending = false
}

// CreateInputSurface implements Codec. It must be called between Configure
// and Start on an encoder.
func (c *BufferCodec) CreateInputSurface() (*surface.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConfigured || !c.encoder {
		return nil, &IllegalStateError{Op: "CreateInputSurface", State: c.state}
	}
	if c.inSurface == nil {
		c.inSurface = surface.NewQueue(c.format.Width, c.format.Height, c.opts.SurfaceDepth)
	}
	return c.inSurface, nil
}

// Start implements Codec.
func (c *BufferCodec) Start() error {
	c.mu.Lock()
	if c.state != StateConfigured {
		st := c.state
		c.mu.Unlock()
		return &IllegalStateError{Op: "Start", State: st}
	}
	backend := c.backend
	if c.inSurface != nil {
		sc, ok := backend.(SurfaceConsumer)
		if !ok {
			c.mu.Unlock()
			return errors.New("start: backend cannot read from an input surface")
		}
		sc.SetInputSurface(c.inSurface)
	}
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	if err := backend.Start(ctx, codecSink{c}); err != nil {
		cancel()
		return fmt.Errorf("starting backend: %w", err)
	}

	c.mu.Lock()
	c.cancel = cancel
	c.state = StateStarted
	c.mu.Unlock()

	c.logger.Debug("codec started",
		slog.String("mime", c.format.MIME),
		slog.Bool("encoder", c.encoder),
		slog.Bool("input_surface", c.inSurface != nil))
	return nil
}

func (c *BufferCodec) checkRunningLocked(op string) error {
	if c.state != StateStarted && c.state != StateFlushing {
		return &IllegalStateError{Op: op, State: c.state}
	}
	return nil
}

// DequeueInputBuffer implements Codec.
func (c *BufferCodec) DequeueInputBuffer(timeout time.Duration) (int, error) {
	dl := newDeadline(timeout)
	for {
		c.mu.Lock()
		if err := c.checkRunningLocked("DequeueInputBuffer"); err != nil {
			c.mu.Unlock()
			return InfoTryAgainLater, err
		}
		if c.inSurface != nil {
			c.mu.Unlock()
			return InfoTryAgainLater, &IllegalStateError{Op: "DequeueInputBuffer on surface input", State: c.state}
		}
		if c.failure != nil {
			err := c.failure
			c.mu.Unlock()
			return InfoTryAgainLater, err
		}
		if c.state == StateStarted && !c.inputEOS && len(c.freeIn) > 0 {
			idx := c.freeIn[len(c.freeIn)-1]
			c.freeIn = c.freeIn[:len(c.freeIn)-1]
			c.ownedIn[idx] = true
			c.mu.Unlock()
			return idx, nil
		}
		c.mu.Unlock()

		if !dl.wait(c.inWake, c.released) {
			return InfoTryAgainLater, nil
		}
	}
}

// InputBuffer implements Codec. The returned slice spans the whole slot.
func (c *BufferCodec) InputBuffer(index int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkRunningLocked("InputBuffer"); err != nil {
		return nil, err
	}
	if index < 0 || index >= len(c.inputs) {
		return nil, ErrInvalidIndex
	}
	if !c.ownedIn[index] {
		return nil, ErrNotOwned
	}
	if c.inputs[index] == nil {
		c.inputs[index] = make([]byte, c.inSize)
	}
	return c.inputs[index], nil
}

// QueueInputBuffer implements Codec. Queuing hands the index back to the codec.
func (c *BufferCodec) QueueInputBuffer(index, offset, size int, presentationTimeUs int64, flags media.BufferFlags) error {
	c.mu.Lock()
	if c.state != StateStarted {
		st := c.state
		c.mu.Unlock()
		return &IllegalStateError{Op: "QueueInputBuffer", State: st}
	}
	if index < 0 || index >= len(c.inputs) {
		c.mu.Unlock()
		return ErrInvalidIndex
	}
	if !c.ownedIn[index] {
		c.mu.Unlock()
		return ErrNotOwned
	}
	if c.inputEOS {
		c.mu.Unlock()
		return &IllegalStateError{Op: "QueueInputBuffer after end of stream", State: c.state}
	}
	slot := c.inputs[index]
	if offset < 0 || size < 0 || offset+size > len(slot) {
		c.mu.Unlock()
		return fmt.Errorf("queue input %d [%d:%d]: %w", index, offset, offset+size, ErrBufferTooSmall)
	}
	var data []byte
	if size > 0 {
		data = append([]byte(nil), slot[offset:offset+size]...)
	}
	if flags.Has(media.FlagEndOfStream) {
		c.inputEOS = true
	}
	c.ownedIn[index] = false
	c.freeIn = append(c.freeIn, index)
	backend := c.backend
	c.mu.Unlock()
	notify(c.inWake)

	if err := backend.Queue(Packet{Data: data, PTSUs: presentationTimeUs, Flags: flags}); err != nil {
		return fmt.Errorf("queue input: %w", err)
	}
	c.inputsQueued.Add(1)
	return nil
}

// DequeueOutputBuffer implements Codec. The format-changed sentinel is
// reported once before the first output of each format.
func (c *BufferCodec) DequeueOutputBuffer(info *media.BufferInfo, timeout time.Duration) (int, error) {
	dl := newDeadline(timeout)
	for {
		c.mu.Lock()
		if err := c.checkRunningLocked("DequeueOutputBuffer"); err != nil {
			c.mu.Unlock()
			return InfoTryAgainLater, err
		}
		if c.formatPending {
			c.formatPending = false
			c.mu.Unlock()
			return InfoOutputFormatChanged, nil
		}
		if len(c.pending) > 0 {
			if idx := c.freeOutputLocked(); idx >= 0 {
				o := c.pending[0]
				c.pending[0] = Output{}
				c.pending = c.pending[1:]
				c.held[idx] = o
				c.outBusy[idx] = true
				info.Set(0, o.size(), o.PTSUs, o.Flags)
				c.mu.Unlock()
				c.outputsDequeued.Add(1)
				return idx, nil
			}
		} else if c.failure != nil {
			err := c.failure
			c.mu.Unlock()
			return InfoTryAgainLater, err
		}
		c.mu.Unlock()

		if !dl.wait(c.outWake, c.released) {
			return InfoTryAgainLater, nil
		}
	}
}

func (c *BufferCodec) freeOutputLocked() int {
	for i, busy := range c.outBusy {
		if !busy {
			return i
		}
	}
	return -1
}

func (c *BufferCodec) heldLocked(op string, index int) (Output, error) {
	if err := c.checkRunningLocked(op); err != nil {
		return Output{}, err
	}
	if index < 0 || index >= len(c.outBusy) {
		return Output{}, ErrInvalidIndex
	}
	o, ok := c.held[index]
	if !ok {
		return Output{}, ErrNotOwned
	}
	return o, nil
}

// OutputBuffer implements Codec. For decoded pictures it returns the packed
// RGBA pixels.
func (c *BufferCodec) OutputBuffer(index int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, err := c.heldLocked("OutputBuffer", index)
	if err != nil {
		return nil, err
	}
	if o.Image != nil {
		return o.Image.Pix, nil
	}
	return o.Data, nil
}

// OutputImage implements Codec.
func (c *BufferCodec) OutputImage(index int) (*image.RGBA, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, err := c.heldLocked("OutputImage", index)
	if err != nil {
		return nil, err
	}
	return o.Image, nil
}

// OutputFormat implements Codec.
func (c *BufferCodec) OutputFormat() media.Format {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.formatKnown {
		return c.format.Clone()
	}
	return c.outFormat.Clone()
}

// ReleaseOutputBuffer implements Codec. With render set, a decoded picture
// is drawn to the output surface stamped with its own presentation time.
func (c *BufferCodec) ReleaseOutputBuffer(index int, render bool) error {
	o, target, err := c.takeOutput("ReleaseOutputBuffer", index)
	if err != nil {
		return err
	}
	if !render {
		return nil
	}
	return c.present(target, o, o.PTSUs*int64(time.Microsecond))
}

// ReleaseOutputBufferAt implements Codec. The picture is rendered and
// stamped with renderTimeNanos; the surface consumer presents it then.
func (c *BufferCodec) ReleaseOutputBufferAt(index int, renderTimeNanos int64) error {
	o, target, err := c.takeOutput("ReleaseOutputBufferAt", index)
	if err != nil {
		return err
	}
	return c.present(target, o, renderTimeNanos)
}

func (c *BufferCodec) takeOutput(op string, index int) (Output, surface.Surface, error) {
	c.mu.Lock()
	o, err := c.heldLocked(op, index)
	if err != nil {
		c.mu.Unlock()
		return Output{}, nil, err
	}
	delete(c.held, index)
	c.outBusy[index] = false
	target := c.out
	c.mu.Unlock()
	notify(c.outWake)
	return o, target, nil
}

func (c *BufferCodec) present(target surface.Surface, o Output, nanos int64) error {
	if target == nil || o.Image == nil {
		return nil
	}
	surface.Blit(target.Canvas(), o.Image)
	target.SetPresentationTime(nanos)
	if err := target.SwapBuffers(); err != nil {
		return fmt.Errorf("rendering output: %w", err)
	}
	c.outputsRendered.Add(1)
	return nil
}

// SignalEndOfInputStream implements Codec for encoders fed by an input
// surface. Repeated calls are no-ops.
func (c *BufferCodec) SignalEndOfInputStream() error {
	c.mu.Lock()
	if c.state != StateStarted {
		st := c.state
		c.mu.Unlock()
		return &IllegalStateError{Op: "SignalEndOfInputStream", State: st}
	}
	q := c.inSurface
	if q == nil {
		c.mu.Unlock()
		return ErrNoInputSurface
	}
	if c.inputEOS {
		c.mu.Unlock()
		return nil
	}
	c.inputEOS = true
	c.mu.Unlock()
	return q.SignalEndOfStream()
}

// Flush implements Codec. Every outstanding index becomes invalid.
func (c *BufferCodec) Flush() error {
	c.mu.Lock()
	if c.state != StateStarted {
		st := c.state
		c.mu.Unlock()
		return &IllegalStateError{Op: "Flush", State: st}
	}
	c.state = StateFlushing
	c.resetPoolsLocked()
	backend := c.backend
	c.mu.Unlock()

	err := backend.Flush()

	c.mu.Lock()
	if c.state == StateFlushing {
		c.state = StateStarted
	}
	c.mu.Unlock()
	notify(c.inWake)
	notify(c.outWake)
	if err != nil {
		return fmt.Errorf("flushing backend: %w", err)
	}
	return nil
}

// Stop implements Codec. The codec returns to Created and may be configured again.
func (c *BufferCodec) Stop() error {
	c.mu.Lock()
	if c.state == StateReleased {
		c.mu.Unlock()
		return &IllegalStateError{Op: "Stop", State: c.state}
	}
	backend, cancel := c.backend, c.cancel
	c.backend, c.cancel = nil, nil
	c.state = StateCreated
	c.resetPoolsLocked()
	c.mu.Unlock()

	return closeBackend(backend, cancel)
}

// Release implements Codec. It is idempotent and always frees the backend
// and the input surface.
func (c *BufferCodec) Release() error {
	c.mu.Lock()
	if c.state == StateReleased {
		c.mu.Unlock()
		return nil
	}
	backend, cancel, in := c.backend, c.cancel, c.inSurface
	c.backend, c.cancel, c.inSurface = nil, nil, nil
	c.state = StateReleased
	c.resetPoolsLocked()
	c.inputs = nil
	close(c.released)
	c.mu.Unlock()

	err := closeBackend(backend, cancel)
	if in != nil {
		in.Release()
	}
	c.logger.Debug("codec released", slog.Any("stats", c.Stats()))
	return err
}

func closeBackend(b Backend, cancel context.CancelFunc) error {
	if cancel != nil {
		cancel()
	}
	if b == nil {
		return nil
	}
	if err := b.Close(); err != nil {
		return fmt.Errorf("closing backend: %w", err)
	}
	return nil
}

// codecSink adapts the codec to the Sink a backend writes to.
type codecSink struct{ c *BufferCodec }

func (s codecSink) FormatChanged(format media.Format) {
	s.c.mu.Lock()
	if s.c.state == StateReleased {
		s.c.mu.Unlock()
		return
	}
	s.c.outFormat = format.Clone()
	s.c.formatKnown = true
	s.c.formatPending = true
	s.c.mu.Unlock()
	notify(s.c.outWake)
}

func (s codecSink) Output(out Output) {
	s.c.mu.Lock()
	if s.c.state == StateReleased {
		s.c.mu.Unlock()
		return
	}
	if !s.c.formatKnown {
		s.c.outFormat = s.c.format.Clone()
		s.c.formatKnown = true
		s.c.formatPending = true
	}
	s.c.pending = append(s.c.pending, out)
	s.c.mu.Unlock()
	notify(s.c.outWake)
}

func (s codecSink) Error(err error) {
	s.c.mu.Lock()
	if s.c.failure == nil {
		s.c.failure = err
	}
	s.c.mu.Unlock()
	s.c.logger.Warn("codec backend failed", slog.String("error", err.Error()))
	notify(s.c.inWake)
	notify(s.c.outWake)
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// deadline bounds a dequeue wait.
type deadline struct {
	at       time.Time
	infinite bool
}

func newDeadline(timeout time.Duration) deadline {
	if timeout < 0 {
		return deadline{infinite: true}
	}
	return deadline{at: time.Now().Add(timeout)}
}

// wait blocks until woken, released, or the deadline passes. It returns
// false only on expiry.
func (d deadline) wait(wake, released <-chan struct{}) bool {
	if d.infinite {
		select {
		case <-wake:
		case <-released:
		}
		return true
	}
	left := time.Until(d.at)
	if left <= 0 {
		return false
	}
	t := time.NewTimer(left)
	defer t.Stop()
	select {
	case <-wake:
		return true
	case <-released:
		return true
	case <-t.C:
		return false
	}
}

var _ Codec = (*BufferCodec)(nil)
