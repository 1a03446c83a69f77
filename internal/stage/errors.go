package stage

import (
	"errors"
	"fmt"

	"github.com/danmuck/hipipe/internal/config"
	"github.com/danmuck/hipipe/internal/fields"
	"github.com/danmuck/hipipe/internal/prompt"
	"github.com/danmuck/hipipe/internal/reconcile"
	"github.com/danmuck/hipipe/internal/toolkit"
)

// Process exit statuses.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitConfig  = 2
	ExitSevere  = 3
	ExitToolkit = 4
)

var ErrUnknownStage = errors.New("unknown stage")

// Error records the stage and state a run failed in.
type Error struct {
	Stage string
	State State
	Err   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err == nil {
		return fmt.Sprintf("%s failed in %s", e.Stage, e.State)
	}
	return fmt.Sprintf("%s failed in %s: %v", e.Stage, e.State, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

var configErrors = []error{
	config.ErrInvalid,
	reconcile.ErrCardinality,
	reconcile.ErrNoUnits,
	reconcile.ErrInvalidEntry,
	fields.ErrInvalidReference,
	fields.ErrNoTargets,
	fields.ErrSPWMatch,
	prompt.ErrNonInteractive,
	ErrUnknownStage,
}

// ExitCode maps a run error to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	for _, target := range configErrors {
		if errors.Is(err, target) {
			return ExitConfig
		}
	}
	switch {
	case errors.Is(err, toolkit.ErrSevere):
		return ExitSevere
	case errors.Is(err, toolkit.ErrFailed):
		return ExitToolkit
	default:
		return ExitFailure
	}
}
