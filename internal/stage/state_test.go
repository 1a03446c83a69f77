package stage

import (
	"errors"
	"fmt"
	"testing"

	"github.com/danmuck/hipipe/internal/config"
	"github.com/danmuck/hipipe/internal/fields"
	"github.com/danmuck/hipipe/internal/prompt"
	"github.com/danmuck/hipipe/internal/reconcile"
	"github.com/danmuck/hipipe/internal/testutil/testlog"
	"github.com/danmuck/hipipe/internal/toolkit"
)

func TestTransitions(t *testing.T) {
	testlog.Start(t)
	allowed := [][2]State{
		{StateLoaded, StateValidated},
		{StateLoaded, StateFailed},
		{StateValidated, StateExecuted},
		{StateValidated, StateFailed},
		{StateExecuted, StateChecked},
		{StateExecuted, StateFailed},
		{StateChecked, StatePersisted},
		{StateChecked, StateFailed},
	}
	for _, tr := range allowed {
		if err := Transition(tr[0], tr[1]); err != nil {
			t.Fatalf("%s -> %s rejected: %v", tr[0], tr[1], err)
		}
	}
	rejected := [][2]State{
		{StateLoaded, StateExecuted},
		{StateValidated, StatePersisted},
		{StateExecuted, StatePersisted},
		{StatePersisted, StateFailed},
		{StateFailed, StateLoaded},
	}
	for _, tr := range rejected {
		if err := Transition(tr[0], tr[1]); !errors.Is(err, ErrTransition) {
			t.Fatalf("%s -> %s: expected ErrTransition, got %v", tr[0], tr[1], err)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	testlog.Start(t)
	for _, s := range []State{StateChecked, StatePersisted, StateFailed} {
		if !IsTerminal(s) {
			t.Fatalf("%s should be terminal", s)
		}
	}
	if IsTerminal(StateExecuted) || IsSuccessful(StateFailed) || !IsSuccessful(StateChecked) {
		t.Fatalf("unexpected terminal classification")
	}
}

func TestExitCode(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{errors.New("disk full"), ExitFailure},
		{fmt.Errorf("%w: x", config.ErrInvalid), ExitConfig},
		{fmt.Errorf("%w: pix_size", reconcile.ErrCardinality), ExitConfig},
		{fmt.Errorf("%w: pix_size[0]", reconcile.ErrInvalidEntry), ExitConfig},
		{fields.ErrNoTargets, ExitConfig},
		{fmt.Errorf("%w: fluxcal", fields.ErrInvalidReference), ExitConfig},
		{fields.ErrSPWMatch, ExitConfig},
		{fmt.Errorf("%w: refant", prompt.ErrNonInteractive), ExitConfig},
		{ErrUnknownStage, ExitConfig},
		{&Error{Stage: "clean", State: StateChecked, Err: fmt.Errorf("%w: tclean", toolkit.ErrSevere)}, ExitSevere},
		{&Error{Stage: "import", State: StateExecuted, Err: toolkit.ErrFailed}, ExitToolkit},
	}
	for _, tc := range cases {
		if got := ExitCode(tc.err); got != tc.want {
			t.Fatalf("ExitCode(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestErrorMessage(t *testing.T) {
	testlog.Start(t)
	err := &Error{Stage: "contsub", State: StateValidated, Err: errors.New("boom")}
	if err.Error() != "contsub failed in VALIDATED: boom" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	var nilErr *Error
	if nilErr.Error() != "<nil>" || nilErr.Unwrap() != nil {
		t.Fatalf("nil error should be safe")
	}
}
