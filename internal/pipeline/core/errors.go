package core

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/QVSorrow/low-level-video/internal/media"
)

// Pipeline errors.
var (
	// ErrNotRegistered indicates a sample reached the mux stage before the
	// track was registered and the muxer started.
	ErrNotRegistered = errors.New("muxer track not registered")

	// ErrAlreadyRegistered indicates a second track registration in one run.
	ErrAlreadyRegistered = errors.New("muxer track already registered")

	// ErrTimestamp indicates a negative or non-increasing presentation time.
	ErrTimestamp = errors.New("non-monotonic presentation timestamp")

	// ErrFailureBudgetExhausted indicates a loop failed too many times in a row.
	ErrFailureBudgetExhausted = errors.New("too many consecutive failures")
)

// DefaultMaxConsecutiveFailures is the failure budget of a polling loop.
const DefaultMaxConsecutiveFailures = 100

// FailureBudget counts consecutive failures of one polling loop. A success
// resets the count; the run fails once the count reaches the limit. A limit
// of zero never fails. It is owned by a single goroutine.
type FailureBudget struct {
	stage  string
	limit  int
	logger *slog.Logger

	consecutive int
	total       int
}

// NewFailureBudget returns a budget of limit consecutive failures for stage.
func NewFailureBudget(stage string, limit int, logger *slog.Logger) *FailureBudget {
	if logger == nil {
		logger = slog.Default()
	}
	return &FailureBudget{stage: stage, limit: limit, logger: logger}
}

// Observe records the outcome of one loop step. It returns a non-nil error
// only when the budget is exhausted.
func (b *FailureBudget) Observe(err error) error {
	if err == nil {
		b.consecutive = 0
		return nil
	}
	b.consecutive++
	b.total++
	b.logger.Warn("pipeline step failed, retrying",
		slog.String("stage", b.stage),
		slog.Int("consecutive", b.consecutive),
		slog.String("error", err.Error()),
	)
	if b.limit > 0 && b.consecutive >= b.limit {
		return media.NewStageError(b.stage, "poll",
			fmt.Errorf("%w (%d): %w", ErrFailureBudgetExhausted, b.consecutive, err))
	}
	return nil
}

// Total returns the number of failures observed.
func (b *FailureBudget) Total() int { return b.total }
