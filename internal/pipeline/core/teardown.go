package core

import (
	"errors"
	"fmt"
	"log/slog"
)

type teardownStep struct {
	name string
	fn   func() error
}

// Teardown collects release steps and runs all of them in order. A failing
// step is logged and does not stop later steps.
type Teardown struct {
	logger *slog.Logger
	steps  []teardownStep
	ran    bool
}

// NewTeardown returns an empty teardown.
func NewTeardown(logger *slog.Logger) *Teardown {
	if logger == nil {
		logger = slog.Default()
	}
	return &Teardown{logger: logger}
}

// Add appends a step.
func (t *Teardown) Add(name string, fn func() error) {
	t.steps = append(t.steps, teardownStep{name: name, fn: fn})
}

// Run runs every step once and returns the failures joined. Later calls
// return nil.
func (t *Teardown) Run() error {
	if t.ran {
		return nil
	}
	t.ran = true

	var errs []error
	for _, s := range t.steps {
		if err := runStep(s); err != nil {
			t.logger.Warn("teardown step failed",
				slog.String("step", s.name),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
			continue
		}
		t.logger.Debug("teardown step done", slog.String("step", s.name))
	}
	return errors.Join(errs...)
}

func runStep(s teardownStep) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.fn()
}
