package bond

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleGatesTriggersByPhase(t *testing.T) {
	phases := []Phase{PhaseScheduled, PhaseOffering, PhaseTrading, PhaseMatured, PhaseDefaulted}
	kinds := []OpKind{OpBuy, OpTrade, OpCoupon, OpPrincipal, OpDefault}

	for _, phase := range phases {
		for _, kind := range kinds {
			ran := false
			err := newLifecycle(phase).fire(kind, func() error {
				ran = true
				return nil
			})
			if permits(phase, kind) {
				require.NoError(t, err, "%s while %s", kind, phase)
				assert.True(t, ran)
				continue
			}
			require.ErrorIs(t, err, ErrOutsideWindow, "%s while %s", kind, phase)
			assert.False(t, ran)
		}
	}
}

func TestLifecyclePropagatesStepError(t *testing.T) {
	err := newLifecycle(PhaseTrading).fire(OpCoupon, func() error {
		return ErrNoCouponDue
	})
	require.ErrorIs(t, err, ErrNoCouponDue)
}
