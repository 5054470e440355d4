package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultStopTimeout is how long Stop waits for ffmpeg to drain after its
// input was closed before interrupting it.
const DefaultStopTimeout = 5 * time.Second

const defaultMaxStderrLines = 100

// ErrProcessExited is returned when writing to a process that has exited.
var ErrProcessExited = errors.New("ffmpeg process exited")

// ProcessOptions tune a Process.
type ProcessOptions struct {
	StopTimeout    time.Duration
	MaxStderrLines int
}

// Process is a running ffmpeg with piped stdin and stdout. Stderr is
// scanned into a ring of recent lines and the encoding speed is tracked.
type Process struct {
	cmd    *exec.Cmd
	logger *slog.Logger

	stdin  io.WriteCloser
	stdout *io.PipeReader
	outW   *io.PipeWriter
	errR   *io.PipeReader
	errW   *io.PipeWriter

	startedAt   time.Time
	stopTimeout time.Duration

	stderrMu       sync.RWMutex
	stderrLines    []string
	maxStderrLines int

	speedBits    atomic.Uint64
	bytesWritten atomic.Uint64
	bytesRead    atomic.Uint64

	stopping   atomic.Bool
	stopOnce   sync.Once
	exited     chan struct{}
	waitErr    error
	stderrDone chan struct{}
}

// StartProcess starts the command. The process is not bound to ctx beyond
// startup: call Stop or Kill to end it.
func StartProcess(ctx context.Context, c *Command, opts ProcessOptions, logger *slog.Logger) (*Process, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.MaxStderrLines <= 0 {
		opts.MaxStderrLines = defaultMaxStderrLines
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p := &Process{
		cmd:            exec.Command(c.Binary, c.Args...),
		logger:         logger,
		stopTimeout:    opts.StopTimeout,
		maxStderrLines: opts.MaxStderrLines,
		exited:         make(chan struct{}),
		stderrDone:     make(chan struct{}),
	}

	// Pipe writers rather than StdoutPipe so Wait only returns once all
	// output has been handed to the reader.
	p.stdout, p.outW = io.Pipe()
	p.errR, p.errW = io.Pipe()
	p.cmd.Stdout = p.outW
	p.cmd.Stderr = p.errW

	stdin, err := p.cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	p.stdin = stdin

	if err := p.cmd.Start(); err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("starting ffmpeg: %w", err)
	}
	p.startedAt = time.Now()
	p.logger = logger.With(slog.Int("pid", p.cmd.Process.Pid))
	p.logger.Debug("ffmpeg started", slog.String("command", c.String()))

	go p.readStderr()
	go func() {
		p.waitErr = p.cmd.Wait()
		_ = p.outW.Close()
		_ = p.errW.Close()
		close(p.exited)
	}()
	return p, nil
}

// PID returns the process id.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// Write writes to the process's stdin.
func (p *Process) Write(b []byte) (int, error) {
	n, err := p.stdin.Write(b)
	p.bytesWritten.Add(uint64(n))
	if err != nil {
		select {
		case <-p.exited:
			return n, fmt.Errorf("%w: %s", ErrProcessExited, p.lastStderr())
		default:
		}
	}
	return n, err
}

// Read reads from the process's stdout. It returns io.EOF once the process
// has exited and all output was consumed.
func (p *Process) Read(b []byte) (int, error) {
	n, err := p.stdout.Read(b)
	p.bytesRead.Add(uint64(n))
	return n, err
}

// CloseInput closes stdin, signalling end of input to ffmpeg.
func (p *Process) CloseInput() error {
	return p.stdin.Close()
}

// Exited is closed when the process has exited.
func (p *Process) Exited() <-chan struct{} { return p.exited }

// Err returns the exit error once the process has exited, nil before.
func (p *Process) Err() error {
	select {
	case <-p.exited:
		return p.waitErr
	default:
		return nil
	}
}

// Stopping reports whether Stop or Kill was called.
func (p *Process) Stopping() bool { return p.stopping.Load() }

// Stop closes stdin and waits for ffmpeg to drain and exit. A process that
// does not exit within the stop timeout is interrupted, then killed.
func (p *Process) Stop() {
	p.stopping.Store(true)
	p.stopOnce.Do(func() {
		_ = p.stdin.Close()
		p.waitWithTimeout(p.stopTimeout)
	})
}

// Kill ends the process immediately, discarding pending output.
func (p *Process) Kill() {
	p.stopping.Store(true)
	p.stopOnce.Do(func() {
		_ = p.stdin.Close()
		_ = p.stdout.Close()
		_ = p.cmd.Process.Kill()
		p.waitWithTimeout(0)
	})
}

func (p *Process) waitWithTimeout(timeout time.Duration) {
	if timeout > 0 {
		select {
		case <-p.exited:
			return
		case <-time.After(timeout):
			p.logger.Warn("ffmpeg did not exit in time, sending interrupt")
			_ = p.cmd.Process.Signal(os.Interrupt)
		}

		select {
		case <-p.exited:
			return
		case <-time.After(500 * time.Millisecond):
			p.logger.Warn("ffmpeg did not respond to interrupt, killing")
			_ = p.stdout.Close()
			_ = p.cmd.Process.Kill()
		}
	}

	select {
	case <-p.exited:
	case <-time.After(500 * time.Millisecond):
		p.logger.Error("ffmpeg process could not be killed")
	}
}

func (p *Process) readStderr() {
	defer close(p.stderrDone)

	scanner := bufio.NewScanner(p.errR)
	scanner.Split(scanLinesWithCR)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if speed := parseEncodingSpeed(line); speed > 0 {
			p.speedBits.Store(math.Float64bits(speed))
		}
		// Progress lines only feed the speed
		if strings.Contains(line, "frame=") {
			continue
		}
		p.stderrMu.Lock()
		p.stderrLines = append(p.stderrLines, line)
		if len(p.stderrLines) > p.maxStderrLines {
			p.stderrLines = p.stderrLines[1:]
		}
		p.stderrMu.Unlock()

		p.logger.Debug("ffmpeg stderr", slog.String("line", line))
	}
	// Keep draining so ffmpeg never blocks on a full stderr pipe.
	_, _ = io.Copy(io.Discard, p.errR)
}

// StderrLines returns the recent non-progress stderr lines.
func (p *Process) StderrLines() []string {
	p.stderrMu.RLock()
	defer p.stderrMu.RUnlock()

	lines := make([]string, len(p.stderrLines))
	copy(lines, p.stderrLines)
	return lines
}

func (p *Process) lastStderr() string {
	lines := p.StderrLines()
	if len(lines) == 0 {
		return "no stderr output"
	}
	return lines[len(lines)-1]
}

// ExitError describes an unexpected exit, including the tail of stderr.
func (p *Process) ExitError() error {
	err := p.Err()
	if err == nil {
		return fmt.Errorf("%w unexpectedly: %s", ErrProcessExited, p.lastStderr())
	}
	return fmt.Errorf("%w: %v: %s", ErrProcessExited, err, p.lastStderr())
}

// EncodingSpeed returns the last reported speed multiplier.
func (p *Process) EncodingSpeed() float64 {
	return math.Float64frombits(p.speedBits.Load())
}

// Stats samples the process's resource usage.
func (p *Process) Stats(ctx context.Context) (ProcessStats, error) {
	stats, err := sampleProcess(ctx, p.PID())
	stats.StartedAt = p.startedAt
	stats.Duration = time.Since(p.startedAt)
	stats.EncodingSpeed = p.EncodingSpeed()
	stats.BytesWritten = p.bytesWritten.Load()
	stats.BytesRead = p.bytesRead.Load()
	return stats, err
}

// scanLinesWithCR handles both \r and \n as line delimiters.
func scanLinesWithCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	for i := 0; i < len(data); i++ {
		if data[i] == '\r' || data[i] == '\n' {
			advance = i + 1
			for advance < len(data) && (data[advance] == '\r' || data[advance] == '\n') {
				advance++
			}
			return advance, data[0:i], nil
		}
	}

	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// parseEncodingSpeed extracts the encoding speed from FFmpeg stderr output.
func parseEncodingSpeed(line string) float64 {
	idx := strings.Index(line, "speed=")
	if idx == -1 {
		return 0
	}

	speedStr := strings.TrimLeft(line[idx+6:], " ")
	if endIdx := strings.IndexAny(speedStr, "x \t"); endIdx > 0 {
		speedStr = speedStr[:endIdx]
	}

	speed, err := strconv.ParseFloat(strings.TrimSpace(speedStr), 64)
	if err != nil {
		return 0
	}
	return speed
}
