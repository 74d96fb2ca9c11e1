package ledger

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice   = Address("alice")
	bob     = Address("bob")
	escrow  = Address("escrow")
	usdc    = AssetID("usdc")
	bondTok = AssetID("bond")
)

func newTestState(t *testing.T) *State {
	t.Helper()
	st := NewState()
	require.NoError(t, st.Credit(alice, 1_000))
	require.NoError(t, st.CreateAsset(Asset{ID: usdc, Name: "stablecoin", Total: 1_000_000, Creator: alice, Manager: alice, Freeze: alice}))
	require.NoError(t, st.CreateAsset(Asset{ID: bondTok, Name: "bond", Total: 100, Creator: alice, Clawback: escrow, DefaultFrozen: true}))
	return st
}

func TestTransferRequiresOptIn(t *testing.T) {
	st := newTestState(t)

	err := st.Transfer(usdc, alice, bob, 10)
	require.ErrorIs(t, err, ErrNotOptedIn)

	require.NoError(t, st.OptIn(bob, usdc))
	require.NoError(t, st.Transfer(usdc, alice, bob, 10))
	assert.Equal(t, uint64(10), st.AssetBalance(bob, usdc))
	assert.Equal(t, uint64(999_990), st.AssetBalance(alice, usdc))
}

func TestDefaultFrozenHoldingOnlyMovesByClawback(t *testing.T) {
	st := newTestState(t)
	require.NoError(t, st.OptIn(bob, bondTok))
	require.NoError(t, st.OptIn(escrow, bondTok))

	h, ok := st.HoldingOf(bob, bondTok)
	require.True(t, ok)
	assert.True(t, h.Frozen)

	require.NoError(t, st.Clawback(bondTok, escrow, alice, bob, 5))
	require.ErrorIs(t, st.Transfer(bondTok, bob, alice, 1), ErrHoldingFrozen)
	require.ErrorIs(t, st.Clawback(bondTok, bob, bob, escrow, 1), ErrNotClawback)
	require.NoError(t, st.Clawback(bondTok, escrow, bob, escrow, 5))
	assert.Equal(t, uint64(0), st.AssetBalance(bob, bondTok))
	assert.Equal(t, uint64(5), st.AssetBalance(escrow, bondTok))
}

func TestCloseOutMovesRemainder(t *testing.T) {
	st := newTestState(t)
	require.NoError(t, st.OptIn(bob, usdc))
	require.NoError(t, st.Transfer(usdc, alice, bob, 40))

	require.ErrorIs(t, st.CloseOut(alice, usdc, bob), ErrCreatorCloseOut)
	require.NoError(t, st.CloseOut(bob, usdc, ""))
	assert.False(t, st.IsOptedIn(bob, usdc))
	assert.Equal(t, uint64(1_000_000), st.AssetBalance(alice, usdc))
}

func TestFreezeAuthority(t *testing.T) {
	st := newTestState(t)
	require.NoError(t, st.OptIn(bob, usdc))

	require.ErrorIs(t, st.SetFrozen(bob, usdc, bob, true), ErrNotFreezeAuthority)
	require.NoError(t, st.SetFrozen(alice, usdc, bob, true))
	require.ErrorIs(t, st.Transfer(usdc, alice, bob, 1), ErrHoldingFrozen)
	require.NoError(t, st.SetFrozen(alice, usdc, bob, false))
	require.NoError(t, st.Transfer(usdc, alice, bob, 1))
}

func TestConfigureAssetRequiresManager(t *testing.T) {
	st := newTestState(t)
	newClawback := bob

	require.ErrorIs(t, st.ConfigureAsset(bob, usdc, AssetConfig{Clawback: &newClawback}), ErrNotManager)
	require.NoError(t, st.ConfigureAsset(alice, usdc, AssetConfig{Clawback: &newClawback}))
	asset, ok := st.Asset(usdc)
	require.True(t, ok)
	assert.Equal(t, bob, asset.Clawback)

	require.ErrorIs(t, st.ConfigureAsset(alice, bondTok, AssetConfig{}), ErrNotManager)
}

func TestInsufficientFundsLeavesStateUntouched(t *testing.T) {
	st := newTestState(t)
	require.NoError(t, st.OptIn(bob, usdc))

	require.ErrorIs(t, st.Transfer(usdc, bob, alice, 1), ErrInsufficientAsset)
	require.ErrorIs(t, st.Debit(bob, 1), ErrInsufficientBalance)
	require.ErrorIs(t, st.TransferNative(alice, bob, 0), ErrInvalidAmount)
	assert.Equal(t, uint64(0), st.AssetBalance(bob, usdc))
}

func TestCreditOverflow(t *testing.T) {
	st := NewState()
	require.NoError(t, st.Credit(alice, ^uint64(0)))
	require.ErrorIs(t, st.Credit(alice, 1), ErrOverflow)
}

func TestCheckpointRestore(t *testing.T) {
	st := newTestState(t)
	cp := st.Checkpoint(alice, bob, alice)

	require.NoError(t, st.OptIn(bob, usdc))
	require.NoError(t, st.Transfer(usdc, alice, bob, 500))
	st.Restore(cp)

	_, ok := st.Account(bob)
	assert.False(t, ok)
	assert.Equal(t, uint64(1_000_000), st.AssetBalance(alice, usdc))
}

func TestCloneIsIndependent(t *testing.T) {
	st := newTestState(t)
	cloned := st.Clone()
	require.NoError(t, cloned.OptIn(bob, usdc))
	require.NoError(t, cloned.Transfer(usdc, alice, bob, 1))

	assert.False(t, st.IsOptedIn(bob, usdc))
	assert.Equal(t, uint64(1_000_000), st.AssetBalance(alice, usdc))
}

func TestNonceAndEscrowSigning(t *testing.T) {
	st := newTestState(t)
	require.NoError(t, st.AdvanceNonce(alice, 1))
	require.Error(t, st.AdvanceNonce(alice, 1))

	addr := EscrowAddress("green-1", EscrowRoleBond)
	require.NoError(t, st.BindEscrow(addr, EscrowBinding{Instrument: "green-1", Role: EscrowRoleBond}))
	require.ErrorIs(t, st.BindEscrow(addr, EscrowBinding{Instrument: "green-2", Role: EscrowRoleBond}), ErrEscrowAlreadyBound)
	require.ErrorIs(t, st.AdvanceNonce(addr, 1), ErrEscrowSignerRejected)

	binding, ok := st.EscrowOf(addr)
	require.True(t, ok)
	assert.Equal(t, "green-1", binding.Instrument)
	assert.NotEqual(t, addr, EscrowAddress("green-1", EscrowRoleStablecoin))
}

func TestDigestIsDeterministic(t *testing.T) {
	st := newTestState(t)
	require.NoError(t, st.OptIn(bob, usdc))

	var first, second strings.Builder
	st.Digest(&first)
	st.Clone().Digest(&second)
	assert.Equal(t, first.String(), second.String())
	assert.Contains(t, first.String(), "bob:0:0,usdc=0/false;")
}
