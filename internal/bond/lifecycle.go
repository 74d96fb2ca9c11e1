package bond

import (
	"context"
	"errors"
	"fmt"

	"github.com/qmuntal/stateless"
)

type Phase string

const (
	PhaseScheduled Phase = "scheduled"
	PhaseOffering  Phase = "offering"
	PhaseTrading   Phase = "trading"
	PhaseMatured   Phase = "matured"
	PhaseDefaulted Phase = "defaulted"
)

var ErrOutsideWindow = errors.New("operation not permitted in current bond phase")

// step is the settlement work run once the lifecycle has accepted a trigger.
type step func() error

// lifecycle gates value operations on the phase an instrument is in. Phases
// move with the clock, so each operation builds a machine positioned at the
// phase computed for its own time.
type lifecycle struct {
	fsm *stateless.StateMachine
}

func newLifecycle(phase Phase) *lifecycle {
	current := phase
	fsm := stateless.NewStateMachineWithExternalStorage(
		func(_ context.Context) (stateless.State, error) {
			return current, nil
		},
		func(_ context.Context, s stateless.State) error {
			current = s.(Phase)
			return nil
		},
		stateless.FiringImmediate,
	)

	run := func(_ context.Context, args ...any) error {
		if len(args) != 1 {
			return fmt.Errorf("lifecycle trigger expects one step, got %d", len(args))
		}
		fn, ok := args[0].(step)
		if !ok {
			return fmt.Errorf("lifecycle trigger argument is %T", args[0])
		}
		return fn()
	}

	fsm.Configure(PhaseScheduled)
	fsm.Configure(PhaseOffering).
		InternalTransition(OpBuy, run)
	fsm.Configure(PhaseTrading).
		InternalTransition(OpTrade, run).
		InternalTransition(OpCoupon, run)
	fsm.Configure(PhaseMatured).
		InternalTransition(OpTrade, run).
		InternalTransition(OpCoupon, run).
		InternalTransition(OpPrincipal, run)
	fsm.Configure(PhaseDefaulted).
		InternalTransition(OpTrade, run).
		InternalTransition(OpCoupon, run).
		InternalTransition(OpDefault, run)

	fsm.OnUnhandledTrigger(func(_ context.Context, state stateless.State, trigger stateless.Trigger, _ []string) error {
		return fmt.Errorf("%w: %v while %v", ErrOutsideWindow, trigger, state)
	})
	return &lifecycle{fsm: fsm}
}

func (l *lifecycle) fire(kind OpKind, fn step) error {
	return l.fsm.Fire(kind, fn)
}

// permits reports whether kind can run in phase.
func permits(phase Phase, kind OpKind) bool {
	switch phase {
	case PhaseOffering:
		return kind == OpBuy
	case PhaseTrading:
		return kind == OpTrade || kind == OpCoupon
	case PhaseMatured:
		return kind == OpTrade || kind == OpCoupon || kind == OpPrincipal
	case PhaseDefaulted:
		return kind == OpTrade || kind == OpCoupon || kind == OpDefault
	default:
		return false
	}
}
