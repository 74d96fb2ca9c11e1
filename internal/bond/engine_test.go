package bond

import (
	"fmt"
	"math/big"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"greenbond/internal/ledger"
	"greenbond/internal/settlement"
)

const (
	testPeriod    int64 = 15_768_000
	testStart     int64 = 50
	testEnd       int64 = 100
	testMaturity        = testEnd + testPeriod*2
	testCost            = 50_000_000
	testCoupon          = 25_000_000
	testPrincipal       = 100_000_000
	testSupply          = 10_000_000

	master    = ledger.Address("master")
	issuer    = ledger.Address("issuer")
	regulator = ledger.Address("regulator")
	verifier  = ledger.Address("verifier")
	investor  = ledger.Address("investor")
	trader    = ledger.Address("trader")
	usdc      = ledger.AssetID("usdc")
	bondID    = "green-1"
)

func testTerms() Terms {
	return Terms{
		Name:               "Green Bond",
		Issuer:             issuer,
		FinancialRegulator: regulator,
		GreenVerifier:      verifier,
		Stablecoin:         usdc,
		StartBuyDate:       testStart,
		EndBuyDate:         testEnd,
		MaturityDate:       testMaturity,
		Period:             testPeriod,
		BondLength:         2,
		BondCost:           testCost,
		BondCoupon:         testCoupon,
		BondPrincipal:      testPrincipal,
		Supply:             testSupply,
	}
}

type harness struct {
	t      *testing.T
	engine *Engine
	book   *Book
	st     *ledger.State
	inst   Instrument
	now    int64
	seq    int
}

func newHarness(t *testing.T, mutate ...func(*Terms)) *harness {
	t.Helper()
	st := ledger.NewState()
	for _, addr := range []ledger.Address{master, issuer, regulator, verifier, investor, trader} {
		require.NoError(t, st.Credit(addr, 1_000_000))
	}
	require.NoError(t, st.CreateAsset(ledger.Asset{ID: usdc, Name: "stablecoin", Total: 1 << 62, Creator: master, Manager: master}))
	for _, addr := range []ledger.Address{issuer, investor, trader} {
		require.NoError(t, st.OptIn(addr, usdc))
		require.NoError(t, st.Transfer(usdc, master, addr, 1<<58))
	}

	terms := testTerms()
	for _, fn := range mutate {
		fn(&terms)
	}
	h := &harness{
		t:      t,
		engine: NewEngine(settlement.NewCoordinator(1)),
		book:   NewBook(),
		st:     st,
	}
	inst, err := h.engine.Issue(h.book, st, IssueRequest{ID: bondID, Creator: issuer, Terms: terms, Fee: 1})
	require.NoError(t, err)
	h.inst = inst
	return h
}

func (h *harness) apply(kind OpKind, sender ledger.Address, opts ...func(*Operation)) (Result, error) {
	h.seq++
	op := Operation{
		ID:         fmt.Sprintf("op-%d", h.seq),
		Kind:       kind,
		Instrument: bondID,
		Sender:     sender,
		Fee:        10,
		Now:        h.now,
	}
	for _, fn := range opts {
		fn(&op)
	}
	return h.engine.Apply(h.book, h.st, op)
}

func (h *harness) mustApply(kind OpKind, sender ledger.Address, opts ...func(*Operation)) Result {
	h.t.Helper()
	res, err := h.apply(kind, sender, opts...)
	require.NoError(h.t, err)
	return res
}

// enroll opts the accounts in, lets the regulator unfreeze them and lifts
// the instrument-wide freeze.
func (h *harness) enroll(addrs ...ledger.Address) {
	h.t.Helper()
	for _, addr := range addrs {
		h.mustApply(OpOptIn, addr)
		h.mustApply(OpFreeze, regulator, withTarget(addr), withFrozen(false))
	}
	h.mustApply(OpFreezeAll, regulator, withFrozen(false))
}

func (h *harness) fund(amount uint64) {
	h.t.Helper()
	require.NoError(h.t, h.st.Transfer(usdc, issuer, h.inst.StablecoinEscrow, amount))
}

func (h *harness) bonds(addr ledger.Address) uint64 {
	return h.st.AssetBalance(addr, h.inst.BondAsset)
}

func (h *harness) stable(addr ledger.Address) uint64 {
	return h.st.AssetBalance(addr, usdc)
}

func (h *harness) holder(addr ledger.Address) HolderState {
	state, ok := h.book.Holder(bondID, addr)
	require.True(h.t, ok)
	return state
}

func (h *harness) digest() string {
	var sb strings.Builder
	h.st.Digest(&sb)
	h.book.Digest(&sb)
	return sb.String()
}

func withAmount(amount uint64) func(*Operation) {
	return func(op *Operation) { op.Amount = amount }
}

func withValue(value uint64) func(*Operation) {
	return func(op *Operation) { op.Value = value }
}

func withTarget(addr ledger.Address) func(*Operation) {
	return func(op *Operation) { op.Target = addr }
}

func withFrozen(frozen bool) func(*Operation) {
	return func(op *Operation) { op.Frozen = frozen }
}

func withOffer(offer Offer) func(*Operation) {
	return func(op *Operation) { op.Offer = &offer }
}

func TestIssueMintsSupplyIntoBondEscrow(t *testing.T) {
	h := newHarness(t)

	asset, ok := h.st.Asset(h.inst.BondAsset)
	require.True(t, ok)
	assert.Equal(t, uint64(testSupply), asset.Total)
	assert.True(t, asset.DefaultFrozen)
	assert.Equal(t, h.inst.BondEscrow, asset.Clawback)
	assert.Equal(t, uint64(testSupply), h.bonds(h.inst.BondEscrow))
	assert.True(t, h.st.IsOptedIn(h.inst.StablecoinEscrow, usdc))
	assert.True(t, h.inst.Global.Frozen)
	assert.Equal(t, issuer, h.inst.Creator)

	binding, ok := h.st.EscrowOf(h.inst.StablecoinEscrow)
	require.True(t, ok)
	assert.Equal(t, ledger.EscrowRoleStablecoin, binding.Role)

	_, err := h.engine.Issue(h.book, h.st, IssueRequest{ID: bondID, Creator: issuer, Terms: testTerms(), Fee: 1})
	require.ErrorIs(t, err, ErrInstrumentExists)

	_, err = h.engine.Issue(h.book, h.st, IssueRequest{ID: "bad id!", Creator: issuer, Terms: testTerms(), Fee: 1})
	require.ErrorIs(t, err, ErrInvalidInstrument)

	unopted := testTerms()
	unopted.Issuer = regulator
	_, err = h.engine.Issue(h.book, h.st, IssueRequest{ID: "green-2", Creator: regulator, Terms: unopted, Fee: 1})
	require.ErrorIs(t, err, ledger.ErrNotOptedIn)

	_, err = h.engine.Issue(h.book, h.st, IssueRequest{ID: "green-2", Creator: issuer, Terms: testTerms(), Fee: 0})
	require.ErrorIs(t, err, settlement.ErrFeeTooLow)
	_, ok = h.st.Asset("bond:green-2")
	assert.False(t, ok)
}

func TestBuyOnlyDuringOffering(t *testing.T) {
	h := newHarness(t)
	h.enroll(investor)

	h.now = testStart - 1
	_, err := h.apply(OpBuy, investor, withAmount(10))
	require.ErrorIs(t, err, ErrOutsideWindow)

	h.now = testStart
	res := h.mustApply(OpBuy, investor, withAmount(10))
	assert.Equal(t, PhaseOffering, res.Phase)
	require.NotNil(t, res.Receipt)
	assert.Len(t, res.Receipt.Legs, 2)
	assert.Equal(t, uint64(10), h.bonds(investor))
	assert.Equal(t, uint64(1<<58)+10*testCost, h.stable(issuer))

	h.now = testEnd
	h.mustApply(OpBuy, investor, withAmount(1))

	h.now = testEnd + 1
	_, err = h.apply(OpBuy, investor, withAmount(1))
	require.ErrorIs(t, err, ErrOutsideWindow)
	assert.Equal(t, uint64(11), h.bonds(investor))
}

func TestBuyRequiresUnfrozenHolder(t *testing.T) {
	h := newHarness(t)
	h.now = testStart

	_, err := h.apply(OpBuy, investor, withAmount(1))
	require.ErrorIs(t, err, ErrInstrumentFrozen)

	_, err = h.apply(OpFreezeAll, investor, withFrozen(false))
	require.ErrorIs(t, err, ErrUnauthorized)
	h.mustApply(OpFreezeAll, regulator, withFrozen(false))
	_, err = h.apply(OpBuy, investor, withAmount(1))
	require.ErrorIs(t, err, ErrNotHolder)

	h.mustApply(OpOptIn, investor)
	_, err = h.apply(OpBuy, investor, withAmount(1))
	require.ErrorIs(t, err, ErrHolderFrozen)

	_, err = h.apply(OpFreeze, investor, withTarget(investor), withFrozen(false))
	require.ErrorIs(t, err, ErrUnauthorized)

	h.mustApply(OpFreeze, regulator, withTarget(investor), withFrozen(false))
	h.mustApply(OpBuy, investor, withAmount(1))

	h.mustApply(OpFreezeAll, regulator, withFrozen(true))
	_, err = h.apply(OpBuy, investor, withAmount(1))
	require.ErrorIs(t, err, ErrInstrumentFrozen)
	assert.Equal(t, uint64(1), h.bonds(investor))
}

func TestBuyMustPayCost(t *testing.T) {
	h := newHarness(t)
	poor := ledger.Address("poor")
	require.NoError(t, h.st.Credit(poor, 100))
	require.NoError(t, h.st.OptIn(poor, usdc))
	require.NoError(t, h.st.Transfer(usdc, master, poor, testCost-1))
	h.enroll(poor)
	h.now = testStart

	before := h.digest()
	_, err := h.apply(OpBuy, poor, withAmount(1))
	require.ErrorIs(t, err, ledger.ErrInsufficientAsset)
	assert.Equal(t, before, h.digest())

	_, err = h.apply(OpBuy, poor, withAmount(0))
	require.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = h.apply(OpBuy, poor, withAmount(1), func(op *Operation) { op.Fee = 2 })
	require.ErrorIs(t, err, settlement.ErrFeeTooLow)
}

func TestCouponOncePerRound(t *testing.T) {
	h := newHarness(t)
	h.enroll(investor)
	h.now = testStart
	h.mustApply(OpBuy, investor, withAmount(10))
	h.fund(10 * (2*testCoupon + testPrincipal))

	h.now = testEnd + 1
	_, err := h.apply(OpCoupon, investor)
	require.ErrorIs(t, err, ErrNoCouponDue)

	h.now = testEnd + testPeriod
	before := h.stable(investor)
	res := h.mustApply(OpCoupon, investor)
	assert.Equal(t, PhaseTrading, res.Phase)
	assert.Equal(t, before+10*testCoupon, h.stable(investor))
	assert.Equal(t, uint64(1), h.holder(investor).CouponsPaid)

	_, err = h.apply(OpCoupon, investor)
	require.ErrorIs(t, err, ErrNoCouponDue)

	h.now = testMaturity
	h.mustApply(OpCoupon, investor)
	inst, _ := h.book.Get(bondID)
	assert.Equal(t, uint64(2), inst.Global.CouponsPaid)
	assert.Equal(t, uint64(0), inst.Global.Reserve)

	_, err = h.apply(OpCoupon, investor)
	require.ErrorIs(t, err, ErrNoCouponDue)
}

func TestRatingMultipliesCoupon(t *testing.T) {
	h := newHarness(t)
	h.enroll(investor)
	h.now = testStart
	h.mustApply(OpBuy, investor, withAmount(10))
	h.fund(10 * (3*testCoupon + testPrincipal))

	h.now = testEnd + 1
	_, err := h.apply(OpRate, investor, withValue(1))
	require.ErrorIs(t, err, ErrUnauthorized)
	_, err = h.apply(OpRate, verifier, withValue(6))
	require.ErrorIs(t, err, ErrInvalidRating)
	h.mustApply(OpRate, verifier, withValue(1))

	h.now = testEnd + testPeriod
	before := h.stable(investor)
	h.mustApply(OpCoupon, investor)
	assert.Equal(t, before+10*36_602_500, h.stable(investor))

	h.now = testMaturity + 1
	_, err = h.apply(OpRate, verifier, withValue(3))
	require.ErrorIs(t, err, ErrRatingClosed)
}

func TestUnreservableCouponDefaults(t *testing.T) {
	h := newHarness(t)
	h.enroll(investor)
	h.now = testStart
	h.mustApply(OpBuy, investor, withAmount(10))
	h.fund(10*testCoupon - 1)

	h.now = testEnd + testPeriod
	status, err := h.book.Status(h.st, bondID, h.now)
	require.NoError(t, err)
	assert.True(t, status.Defaulted)
	assert.Equal(t, PhaseDefaulted, status.Phase)

	before := h.digest()
	_, err = h.apply(OpCoupon, investor)
	require.ErrorIs(t, err, ErrDefaulted)
	assert.Equal(t, before, h.digest())
	assert.Equal(t, uint64(0), h.holder(investor).CouponsPaid)
}

func TestPrincipalAtMaturity(t *testing.T) {
	h := newHarness(t)
	h.enroll(investor)
	h.now = testStart
	h.mustApply(OpBuy, investor, withAmount(10))
	h.fund(10 * (2*testCoupon + testPrincipal))

	h.now = testMaturity - 1
	_, err := h.apply(OpPrincipal, investor)
	require.ErrorIs(t, err, ErrOutsideWindow)

	h.now = testMaturity
	_, err = h.apply(OpPrincipal, investor)
	require.ErrorIs(t, err, ErrCouponsOutstanding)

	h.mustApply(OpCoupon, investor)
	h.mustApply(OpCoupon, investor)
	before := h.stable(investor)
	res := h.mustApply(OpPrincipal, investor)
	assert.Equal(t, PhaseMatured, res.Phase)
	assert.Equal(t, before+10*testPrincipal, h.stable(investor))
	assert.Equal(t, uint64(0), h.bonds(investor))
	assert.Equal(t, uint64(testSupply), h.bonds(h.inst.BondEscrow))
	assert.Equal(t, uint64(0), h.holder(investor).CouponsPaid)
	assert.Equal(t, uint64(0), h.stable(h.inst.StablecoinEscrow))

	_, err = h.apply(OpPrincipal, investor)
	require.ErrorIs(t, err, ErrNoBonds)

	h.mustApply(OpCloseOut, investor)
	_, ok := h.book.Holder(bondID, investor)
	assert.False(t, ok)
}

func TestPrincipalNeedsFullFunding(t *testing.T) {
	h := newHarness(t, func(tt *Terms) { tt.BondCoupon = 0 })
	h.enroll(investor, trader)
	h.now = testStart
	h.mustApply(OpBuy, investor, withAmount(10))
	h.mustApply(OpBuy, trader, withAmount(10))
	h.fund(20*testPrincipal - 1)

	h.now = testMaturity
	_, err := h.apply(OpPrincipal, investor)
	require.ErrorIs(t, err, ErrOutsideWindow)

	h.fund(1)
	h.mustApply(OpPrincipal, investor)
	h.mustApply(OpPrincipal, trader)
}

// Two holders, three quarters of the coupons funded at maturity: the first
// holder collects both coupons and then claims its share of what is left.
func TestDefaultAfterCoupons(t *testing.T) {
	const (
		investorBonds = 4_900_000
		traderBonds   = 1_004_540
	)
	h := newHarness(t)
	h.enroll(investor, trader)
	h.now = testStart
	h.mustApply(OpBuy, investor, withAmount(investorBonds))
	h.mustApply(OpBuy, trader, withAmount(traderBonds))

	inCirc := uint64(investorBonds + traderBonds)
	couponRound := testCoupon * inCirc
	h.fund(3*couponRound - 1)

	h.now = testMaturity
	_, err := h.apply(OpPrincipal, investor)
	require.ErrorIs(t, err, ErrOutsideWindow)

	h.mustApply(OpCoupon, investor)
	h.mustApply(OpCoupon, investor)
	inst, _ := h.book.Get(bondID)
	assert.Equal(t, 2*couponRound-2*testCoupon*investorBonds, inst.Global.Reserve)

	status, err := h.book.Status(h.st, bondID, h.now)
	require.NoError(t, err)
	require.True(t, status.Defaulted)
	require.NoError(t, CheckDefault(status, true))
	require.ErrorIs(t, CheckDefault(status, false), ErrDefaultClaimMismatch)

	escrow := new(big.Int).SetUint64(h.stable(h.inst.StablecoinEscrow))
	available := escrow.Sub(escrow, new(big.Int).SetUint64(inst.Global.Reserve))
	want := available.Mul(available, big.NewInt(investorBonds))
	want.Div(want, new(big.Int).SetUint64(inCirc))

	before := h.stable(investor)
	res := h.mustApply(OpDefault, investor)
	assert.Equal(t, PhaseDefaulted, res.Phase)
	assert.Equal(t, want.Uint64(), h.stable(investor)-before)
	assert.Equal(t, uint64(0), h.bonds(investor))

	_, err = h.apply(OpDefault, trader)
	require.ErrorIs(t, err, ErrCouponsOutstanding)
	h.mustApply(OpCoupon, trader)
	h.mustApply(OpCoupon, trader)
	h.mustApply(OpDefault, trader)
	assert.Equal(t, uint64(0), h.stable(h.inst.StablecoinEscrow))
	assert.Equal(t, uint64(testSupply), h.bonds(h.inst.BondEscrow))
}

func TestDefaultNotClaimableBeforeMaturityWhileReserveCovered(t *testing.T) {
	h := newHarness(t)
	h.enroll(investor)
	h.now = testStart
	h.mustApply(OpBuy, investor, withAmount(10))
	h.fund(10*testCoupon - 1)

	h.now = testEnd + testPeriod
	status, err := h.book.Status(h.st, bondID, h.now)
	require.NoError(t, err)
	require.Equal(t, PhaseDefaulted, status.Phase)

	before := h.digest()
	_, err = h.apply(OpDefault, investor)
	require.ErrorIs(t, err, ErrOutsideWindow)
	assert.Equal(t, before, h.digest())

	h.now = testMaturity
	escrow := h.stable(h.inst.StablecoinEscrow)
	stable := h.stable(investor)
	h.mustApply(OpDefault, investor)
	assert.Equal(t, stable+escrow, h.stable(investor))
	assert.Equal(t, uint64(0), h.bonds(investor))
}

func TestRatingPastLastSlotIsClosed(t *testing.T) {
	h := newHarness(t, func(tt *Terms) {
		tt.Period = 10
		tt.BondLength = 1
		tt.MaturityDate = testEnd + 2000
	})

	h.now = testEnd + 2000
	before := h.digest()
	_, err := h.apply(OpRate, verifier, withValue(3))
	require.ErrorIs(t, err, ErrRatingClosed)
	assert.Equal(t, before, h.digest())

	h.now = testEnd + 10*int64(ratingSlots-1)
	_, err = h.apply(OpRate, verifier, withValue(3))
	require.ErrorIs(t, err, ErrRatingClosed)

	h.now = testEnd + 10*int64(ratingSlots-2)
	h.mustApply(OpRate, verifier, withValue(3))
	inst, _ := h.book.Get(bondID)
	assert.Equal(t, uint8(3), inst.Global.Ratings[ratingSlots-1])
}

func TestTradeRules(t *testing.T) {
	h := newHarness(t)
	h.enroll(investor, trader)
	h.now = testStart
	h.mustApply(OpBuy, investor, withAmount(100))
	h.mustApply(OpBuy, trader, withAmount(5))
	h.mustApply(OpSetTrade, investor, withAmount(50))

	_, err := h.apply(OpTrade, investor, withTarget(trader), withAmount(10))
	require.ErrorIs(t, err, ErrOutsideWindow)

	h.now = testEnd + 1
	_, err = h.apply(OpTrade, investor, withTarget(trader), withAmount(60))
	require.ErrorIs(t, err, ErrTradeAllowance)
	_, err = h.apply(OpTrade, investor, withTarget(investor), withAmount(1))
	require.ErrorIs(t, err, ErrSelfTrade)

	h.mustApply(OpFreeze, regulator, withTarget(trader), withFrozen(true))
	_, err = h.apply(OpTrade, investor, withTarget(trader), withAmount(10))
	require.ErrorIs(t, err, ErrHolderFrozen)
	h.mustApply(OpFreeze, regulator, withTarget(trader), withFrozen(false))

	res := h.mustApply(OpTrade, investor, withTarget(trader), withAmount(30))
	assert.Equal(t, PhaseTrading, res.Phase)
	assert.Equal(t, uint64(70), h.bonds(investor))
	assert.Equal(t, uint64(35), h.bonds(trader))
	assert.Equal(t, uint64(20), h.holder(investor).Trade)

	_, err = h.apply(OpTrade, investor, withTarget(trader), withAmount(21))
	require.ErrorIs(t, err, ErrTradeAllowance)
}

func TestTradeCouponCounts(t *testing.T) {
	h := newHarness(t)
	h.enroll(investor, trader)
	h.now = testStart
	h.mustApply(OpBuy, investor, withAmount(100))
	h.mustApply(OpBuy, trader, withAmount(5))
	h.mustApply(OpSetTrade, investor, withAmount(100))
	h.fund(105 * (2*testCoupon + testPrincipal))

	h.now = testEnd + testPeriod
	h.mustApply(OpCoupon, investor)

	_, err := h.apply(OpTrade, investor, withTarget(trader), withAmount(10))
	require.ErrorIs(t, err, ErrCouponMismatch)

	fresh := ledger.Address("fresh")
	require.NoError(t, h.st.Credit(fresh, 1_000))
	h.enroll(fresh)
	h.mustApply(OpTrade, investor, withTarget(fresh), withAmount(10))
	assert.Equal(t, uint64(1), h.holder(fresh).CouponsPaid)

	_, err = h.apply(OpCoupon, fresh)
	require.ErrorIs(t, err, ErrNoCouponDue)
}

func TestOfferTrade(t *testing.T) {
	h := newHarness(t)
	h.enroll(investor, trader)
	h.now = testStart
	h.mustApply(OpBuy, investor, withAmount(100))
	h.mustApply(OpSetTrade, investor, withAmount(100))

	offer := Offer{Seller: investor, Price: 60_000_000, MaxAmount: 20, ExpiresAt: testEnd + 100}
	h.now = testEnd + 1

	_, err := h.apply(OpTrade, trader, withAmount(21), withOffer(offer))
	require.ErrorIs(t, err, ErrOfferExceeded)

	sellerBefore := h.stable(investor)
	buyerBefore := h.stable(trader)
	res := h.mustApply(OpTrade, trader, withAmount(20), withOffer(offer))
	require.NotNil(t, res.Receipt)
	assert.Equal(t, trader, res.Receipt.Payer)
	assert.Equal(t, uint64(20), h.bonds(trader))
	assert.Equal(t, sellerBefore+20*60_000_000, h.stable(investor))
	assert.Equal(t, buyerBefore-20*60_000_000, h.stable(trader))

	_, err = h.apply(OpTrade, trader, withAmount(1), withTarget(investor), withOffer(offer))
	require.ErrorIs(t, err, ErrOfferMismatch)

	h.now = testEnd + 100
	_, err = h.apply(OpTrade, trader, withAmount(1), withOffer(offer))
	require.ErrorIs(t, err, ErrOfferExpired)
}

func TestAdvanceTime(t *testing.T) {
	h := newHarness(t, func(tt *Terms) { tt.DemoTime = true })
	h.enroll(investor)

	_, err := h.apply(OpAdvanceTime, investor, withValue(uint64(testStart)))
	require.ErrorIs(t, err, ErrUnauthorized)

	res := h.mustApply(OpAdvanceTime, issuer, withValue(uint64(testStart)))
	assert.Equal(t, testStart, res.Time)
	_, err = h.apply(OpAdvanceTime, issuer, withValue(uint64(testStart)))
	require.ErrorIs(t, err, ErrTimeNotAdvancing)

	// block time is ignored once the demo clock is set
	h.now = testMaturity
	res = h.mustApply(OpBuy, investor, withAmount(1))
	assert.Equal(t, PhaseOffering, res.Phase)
	assert.Equal(t, testStart, res.Time)

	plain := newHarness(t)
	_, err = plain.apply(OpAdvanceTime, issuer, withValue(uint64(testStart)))
	require.ErrorIs(t, err, ErrDemoTimeDisabled)
}

func TestOptInAndCloseOut(t *testing.T) {
	h := newHarness(t)
	h.mustApply(OpOptIn, investor)
	assert.True(t, h.holder(investor).Frozen)
	assert.True(t, h.st.IsOptedIn(investor, h.inst.BondAsset))

	_, err := h.apply(OpOptIn, investor)
	require.ErrorIs(t, err, ErrAlreadyHolder)

	h.mustApply(OpFreeze, regulator, withTarget(investor), withFrozen(false))
	h.mustApply(OpFreezeAll, regulator, withFrozen(false))
	h.now = testStart
	h.mustApply(OpBuy, investor, withAmount(1))
	_, err = h.apply(OpCloseOut, investor)
	require.ErrorIs(t, err, ErrHoldingBonds)

	_, err = h.apply(OpCloseOut, trader)
	require.ErrorIs(t, err, ErrNotHolder)

	_, err = h.apply(OpKind("burn"), investor)
	require.ErrorIs(t, err, ErrUnknownOperation)
	_, err = h.engine.Apply(h.book, h.st, Operation{Kind: OpOptIn, Instrument: "missing", Sender: investor, Fee: 1})
	require.ErrorIs(t, err, ErrUnknownInstrument)
}

func TestStatusReportsObligations(t *testing.T) {
	h := newHarness(t)
	h.enroll(investor)
	h.now = testStart
	h.mustApply(OpBuy, investor, withAmount(10))

	status, err := h.book.Status(h.st, bondID, testStart)
	require.NoError(t, err)
	assert.Equal(t, PhaseOffering, status.Phase)
	assert.Equal(t, []OpKind{OpBuy}, status.Permitted)
	assert.False(t, status.Defaulted)

	status, err = h.book.Status(h.st, bondID, testMaturity)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), status.InCirculation)
	assert.Equal(t, uint64(2*10*testCoupon), status.Unaccrued)
	assert.Equal(t, uint64(10*testPrincipal), status.PrincipalOwed)
	assert.Equal(t, PhaseDefaulted, status.Phase)
	require.NoError(t, CheckDefault(status, true))

	h.fund(10 * (2*testCoupon + testPrincipal))
	status, err = h.book.Status(h.st, bondID, testMaturity)
	require.NoError(t, err)
	assert.Equal(t, PhaseMatured, status.Phase)
	assert.Equal(t, []OpKind{OpTrade, OpCoupon, OpPrincipal}, status.Permitted)
	require.ErrorIs(t, CheckDefault(status, true), ErrDefaultClaimMismatch)

	_, err = h.book.Status(h.st, "missing", 0)
	require.ErrorIs(t, err, ErrUnknownInstrument)
}
