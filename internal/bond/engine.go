package bond

import (
	"errors"
	"fmt"

	"greenbond/internal/ledger"
	"greenbond/internal/settlement"
)

var (
	ErrUnknownInstrument  = errors.New("unknown bond instrument")
	ErrInstrumentExists   = errors.New("bond instrument already exists")
	ErrInvalidInstrument  = errors.New("invalid bond instrument id")
	ErrUnknownOperation   = errors.New("unknown bond operation")
	ErrUnauthorized       = errors.New("sender not authorized for bond operation")
	ErrNotHolder          = errors.New("account is not opted in to bond")
	ErrAlreadyHolder      = errors.New("account already opted in to bond")
	ErrInstrumentFrozen   = errors.New("bond instrument is frozen")
	ErrHolderFrozen       = errors.New("bond holder is frozen")
	ErrHoldingBonds       = errors.New("account still holds bonds")
	ErrDemoTimeDisabled   = errors.New("bond clock cannot be advanced")
	ErrTimeNotAdvancing   = errors.New("bond time must move forward")
	ErrInvalidRating      = errors.New("rating must be between 1 and 5")
	ErrRatingClosed       = errors.New("rating window closed")
	ErrNoCoupon           = errors.New("bond pays no coupon")
	ErrNoBonds            = errors.New("account holds no bonds")
	ErrNoCouponDue        = errors.New("no coupon due")
	ErrCouponMismatch     = errors.New("receiver coupon count differs from seller")
	ErrTradeAllowance     = errors.New("trade exceeds declared trade amount")
	ErrSelfTrade          = errors.New("cannot trade bonds to self")
	ErrOfferExpired       = errors.New("trade offer expired")
	ErrOfferExceeded      = errors.New("trade exceeds offer amount")
	ErrOfferMismatch      = errors.New("trade offer does not match operation")
	ErrDefaulted          = errors.New("stablecoin escrow cannot cover obligations")
	ErrCouponsOutstanding = errors.New("coupons outstanding")
)

type OpKind string

const (
	OpOptIn       OpKind = "opt_in"
	OpCloseOut    OpKind = "close_out"
	OpAdvanceTime OpKind = "advance_time"
	OpSetTrade    OpKind = "set_trade"
	OpFreeze      OpKind = "freeze"
	OpFreezeAll   OpKind = "freeze_all"
	OpRate        OpKind = "rate"
	OpBuy         OpKind = "buy"
	OpTrade       OpKind = "trade"
	OpCoupon      OpKind = "coupon"
	OpPrincipal   OpKind = "principal"
	OpDefault     OpKind = "default"
)

// Offer is a seller's standing terms for selling bonds to whoever signs the
// trade. Signatures are checked before an offer reaches the engine.
type Offer struct {
	Seller    ledger.Address `json:"seller"`
	Price     uint64         `json:"price"`
	MaxAmount uint64         `json:"maxAmount"`
	ExpiresAt int64          `json:"expiresAt"`
}

type Operation struct {
	ID         string
	Kind       OpKind
	Instrument string
	Sender     ledger.Address
	Target     ledger.Address
	Amount     uint64
	Value      uint64
	Frozen     bool
	Offer      *Offer
	Fee        uint64
	// Now is the block time in unix seconds.
	Now int64
}

type Result struct {
	Phase   Phase               `json:"phase,omitempty"`
	Time    int64               `json:"time"`
	Receipt *settlement.Receipt `json:"receipt,omitempty"`
}

type IssueRequest struct {
	ID      string
	Creator ledger.Address
	Terms   Terms
	Fee     uint64
	Now     int64
	// Genesis issuances are part of the initial state and pay no fee.
	Genesis bool
}

type Engine struct {
	coordinator *settlement.Coordinator
}

func NewEngine(coordinator *settlement.Coordinator) *Engine {
	return &Engine{coordinator: coordinator}
}

func (e *Engine) Coordinator() *settlement.Coordinator {
	return e.coordinator
}

// Issue registers a new instrument: it binds both escrows, mints the bond
// supply into the bond escrow and opts the stablecoin escrow in.
func (e *Engine) Issue(b *Book, st *ledger.State, req IssueRequest) (Instrument, error) {
	if !validInstrumentID.MatchString(req.ID) {
		return Instrument{}, fmt.Errorf("%w: %q", ErrInvalidInstrument, req.ID)
	}
	if _, exists := b.Instruments[req.ID]; exists {
		return Instrument{}, fmt.Errorf("%w: %s", ErrInstrumentExists, req.ID)
	}
	if req.Creator == "" {
		return Instrument{}, fmt.Errorf("%w: creator is required", ErrUnauthorized)
	}
	terms := req.Terms.withDefaults()
	if err := terms.Validate(); err != nil {
		return Instrument{}, err
	}
	if _, ok := st.Asset(terms.Stablecoin); !ok {
		return Instrument{}, fmt.Errorf("%w: stablecoin %s", ledger.ErrUnknownAsset, terms.Stablecoin)
	}
	if !st.IsOptedIn(terms.Issuer, terms.Stablecoin) {
		return Instrument{}, fmt.Errorf("%w: issuer %s", ledger.ErrNotOptedIn, terms.Issuer)
	}

	bondAsset := ledger.AssetID("bond:" + req.ID)
	if _, exists := st.Asset(bondAsset); exists {
		return Instrument{}, fmt.Errorf("%w: %s", ledger.ErrAssetExists, bondAsset)
	}
	bondEscrow := ledger.EscrowAddress(req.ID, ledger.EscrowRoleBond)
	stablecoinEscrow := ledger.EscrowAddress(req.ID, ledger.EscrowRoleStablecoin)
	for _, addr := range []ledger.Address{bondEscrow, stablecoinEscrow} {
		if _, bound := st.EscrowOf(addr); bound {
			return Instrument{}, fmt.Errorf("%w: %s", ledger.ErrEscrowAlreadyBound, addr)
		}
	}
	cp := st.Checkpoint(req.Creator, bondEscrow, stablecoinEscrow)
	err := func() error {
		if !req.Genesis {
			if err := e.chargeFee(st, req.Creator, req.Fee); err != nil {
				return err
			}
		}
		if err := st.BindEscrow(bondEscrow, ledger.EscrowBinding{Instrument: req.ID, Role: ledger.EscrowRoleBond}); err != nil {
			return err
		}
		if err := st.BindEscrow(stablecoinEscrow, ledger.EscrowBinding{Instrument: req.ID, Role: ledger.EscrowRoleStablecoin}); err != nil {
			return err
		}
		if err := st.CreateAsset(ledger.Asset{
			ID:            bondAsset,
			Name:          terms.Name,
			UnitName:      "BOND",
			Total:         terms.Supply,
			Creator:       bondEscrow,
			Clawback:      bondEscrow,
			DefaultFrozen: true,
		}); err != nil {
			return err
		}
		return st.OptIn(stablecoinEscrow, terms.Stablecoin)
	}()
	if err != nil {
		st.Restore(cp)
		delete(st.Assets, bondAsset)
		return Instrument{}, err
	}

	inst := &Instrument{
		ID:               req.ID,
		Creator:          req.Creator,
		Terms:            terms,
		BondAsset:        bondAsset,
		BondEscrow:       bondEscrow,
		StablecoinEscrow: stablecoinEscrow,
		IssuedAt:         req.Now,
		Global:           GlobalState{Frozen: true},
		Holders:          make(map[ledger.Address]HolderState),
	}
	b.Instruments[req.ID] = inst
	return *inst.clone(), nil
}

// Apply runs one instrument operation against st and b. The instrument is
// updated only when every check and every settlement leg has succeeded.
func (e *Engine) Apply(b *Book, st *ledger.State, op Operation) (Result, error) {
	current, ok := b.Instruments[op.Instrument]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownInstrument, op.Instrument)
	}
	c := &call{
		engine: e,
		st:     st,
		inst:   current.clone(),
		op:     op,
	}
	c.now = c.inst.Now(op.Now)
	c.result.Time = c.now

	var err error
	switch op.Kind {
	case OpOptIn:
		err = c.optIn()
	case OpCloseOut:
		err = c.closeOut()
	case OpAdvanceTime:
		err = c.advanceTime()
	case OpSetTrade:
		err = c.setTrade()
	case OpFreeze:
		err = c.freeze()
	case OpFreezeAll:
		err = c.freezeAll()
	case OpRate:
		err = c.rate()
	case OpBuy:
		err = c.settle(c.buy)
	case OpTrade:
		err = c.settle(c.trade)
	case OpCoupon:
		err = c.settle(c.coupon)
	case OpPrincipal:
		err = c.settle(c.principal)
	case OpDefault:
		err = c.settle(c.claimDefault)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownOperation, op.Kind)
	}
	if err != nil {
		return Result{}, fmt.Errorf("%s %s: %w", op.Kind, op.Instrument, err)
	}
	b.Instruments[op.Instrument] = c.inst
	return c.result, nil
}

func (e *Engine) chargeFee(st *ledger.State, payer ledger.Address, fee uint64) error {
	required := e.coordinator.RequiredFee(0)
	if fee < required {
		return fmt.Errorf("%w: got %d want >= %d", settlement.ErrFeeTooLow, fee, required)
	}
	return st.Debit(payer, fee)
}

// call carries one operation through the engine. inst is a private copy.
type call struct {
	engine *Engine
	st     *ledger.State
	inst   *Instrument
	op     Operation
	now    int64
	result Result
}

func (c *call) holder(addr ledger.Address) (HolderState, error) {
	h, ok := c.inst.Holders[addr]
	if !ok {
		return HolderState{}, fmt.Errorf("%w: %s", ErrNotHolder, addr)
	}
	return h, nil
}

func (c *call) requireSender(role string, addr ledger.Address) error {
	if c.op.Sender != addr {
		return fmt.Errorf("%w: %s only", ErrUnauthorized, role)
	}
	return nil
}

func (c *call) optIn() error {
	if _, exists := c.inst.Holders[c.op.Sender]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyHolder, c.op.Sender)
	}
	if err := c.engine.chargeFee(c.st, c.op.Sender, c.op.Fee); err != nil {
		return err
	}
	if err := c.st.OptIn(c.op.Sender, c.inst.BondAsset); err != nil {
		return err
	}
	c.inst.Holders[c.op.Sender] = HolderState{Frozen: true}
	return nil
}

func (c *call) closeOut() error {
	if _, err := c.holder(c.op.Sender); err != nil {
		return err
	}
	if c.st.AssetBalance(c.op.Sender, c.inst.BondAsset) > 0 {
		return ErrHoldingBonds
	}
	if err := c.engine.chargeFee(c.st, c.op.Sender, c.op.Fee); err != nil {
		return err
	}
	delete(c.inst.Holders, c.op.Sender)
	return nil
}

func (c *call) advanceTime() error {
	if !c.inst.Terms.DemoTime {
		return ErrDemoTimeDisabled
	}
	if err := c.requireSender("creator", c.inst.Creator); err != nil {
		return err
	}
	if c.op.Value > uint64(1<<62) || int64(c.op.Value) <= c.now {
		return fmt.Errorf("%w: %d <= %d", ErrTimeNotAdvancing, c.op.Value, c.now)
	}
	if err := c.engine.chargeFee(c.st, c.op.Sender, c.op.Fee); err != nil {
		return err
	}
	c.inst.Global.Time = int64(c.op.Value)
	c.result.Time = c.inst.Global.Time
	return nil
}

func (c *call) setTrade() error {
	h, err := c.holder(c.op.Sender)
	if err != nil {
		return err
	}
	if err := c.engine.chargeFee(c.st, c.op.Sender, c.op.Fee); err != nil {
		return err
	}
	h.Trade = c.op.Amount
	c.inst.Holders[c.op.Sender] = h
	return nil
}

func (c *call) freeze() error {
	if err := c.requireSender("financial regulator", c.inst.Terms.FinancialRegulator); err != nil {
		return err
	}
	h, err := c.holder(c.op.Target)
	if err != nil {
		return err
	}
	if err := c.engine.chargeFee(c.st, c.op.Sender, c.op.Fee); err != nil {
		return err
	}
	h.Frozen = c.op.Frozen
	c.inst.Holders[c.op.Target] = h
	return nil
}

func (c *call) freezeAll() error {
	if err := c.requireSender("financial regulator", c.inst.Terms.FinancialRegulator); err != nil {
		return err
	}
	if err := c.engine.chargeFee(c.st, c.op.Sender, c.op.Fee); err != nil {
		return err
	}
	c.inst.Global.Frozen = c.op.Frozen
	return nil
}

func (c *call) rate() error {
	if err := c.requireSender("green verifier", c.inst.Terms.GreenVerifier); err != nil {
		return err
	}
	if c.op.Value < 1 || c.op.Value > 5 {
		return fmt.Errorf("%w: got %d", ErrInvalidRating, c.op.Value)
	}
	slot, err := c.inst.Terms.ratingRound(c.now)
	if err != nil {
		return err
	}
	if err := c.engine.chargeFee(c.st, c.op.Sender, c.op.Fee); err != nil {
		return err
	}
	c.inst.Global.Ratings[slot] = uint8(c.op.Value)
	return nil
}

// actor is the holder whose state gates a value operation: the seller of an
// offer trade, the sender otherwise.
func (c *call) actor() ledger.Address {
	if c.op.Kind == OpTrade && c.op.Offer != nil {
		return c.op.Offer.Seller
	}
	return c.op.Sender
}

// settle gates a value operation on the frozen flags and the lifecycle
// phase, then lets build produce and execute its settlement plan.
func (c *call) settle(build func(actor ledger.Address, h HolderState) error) error {
	if c.inst.Global.Frozen {
		return ErrInstrumentFrozen
	}
	actor := c.actor()
	h, err := c.holder(actor)
	if err != nil {
		return err
	}
	if h.Frozen {
		return fmt.Errorf("%w: %s", ErrHolderFrozen, actor)
	}
	status, err := c.inst.StatusAt(c.st, c.now)
	if err != nil {
		return err
	}
	c.result.Phase = status.Phase
	return newLifecycle(status.Phase).fire(c.op.Kind, func() error {
		return build(actor, h)
	})
}

func (c *call) execute(payer ledger.Address, legs []settlement.Leg) error {
	receipt, err := c.engine.coordinator.Execute(c.st, settlement.Plan{
		ID:         settlement.PlanID(c.op.ID),
		Instrument: c.inst.ID,
		Operation:  string(c.op.Kind),
		Payer:      payer,
		Fee:        c.op.Fee,
		Legs:       legs,
	})
	if err != nil {
		return err
	}
	c.result.Receipt = &receipt
	return nil
}

func (c *call) buy(buyer ledger.Address, _ HolderState) error {
	if c.op.Amount == 0 {
		return ledger.ErrInvalidAmount
	}
	cost, err := mul(c.op.Amount, c.inst.Terms.BondCost)
	if err != nil {
		return err
	}
	legs := []settlement.Leg{{
		Asset:  c.inst.BondAsset,
		From:   c.inst.BondEscrow,
		To:     buyer,
		Amount: c.op.Amount,
		Mode:   settlement.ModeClawback,
	}}
	if cost > 0 {
		legs = append(legs, settlement.Leg{
			Asset:  c.inst.Terms.Stablecoin,
			From:   buyer,
			To:     c.inst.Terms.Issuer,
			Amount: cost,
			Mode:   settlement.ModeOwner,
		})
	}
	return c.execute(buyer, legs)
}

func (c *call) trade(seller ledger.Address, sellerState HolderState) error {
	receiver := c.op.Target
	offer := c.op.Offer
	if offer != nil {
		if receiver != "" && receiver != c.op.Sender {
			return fmt.Errorf("%w: offer trades deliver to the signer", ErrOfferMismatch)
		}
		receiver = c.op.Sender
	}
	if receiver == seller {
		return ErrSelfTrade
	}
	if c.op.Amount == 0 {
		return ledger.ErrInvalidAmount
	}
	receiverState, err := c.holder(receiver)
	if err != nil {
		return err
	}
	if receiverState.Frozen {
		return fmt.Errorf("%w: %s", ErrHolderFrozen, receiver)
	}
	if c.st.AssetBalance(receiver, c.inst.BondAsset) > 0 {
		if receiverState.CouponsPaid != sellerState.CouponsPaid {
			return fmt.Errorf("%w: %d != %d", ErrCouponMismatch, receiverState.CouponsPaid, sellerState.CouponsPaid)
		}
	} else {
		receiverState.CouponsPaid = sellerState.CouponsPaid
	}
	if sellerState.Trade < c.op.Amount {
		return fmt.Errorf("%w: %d > %d", ErrTradeAllowance, c.op.Amount, sellerState.Trade)
	}
	sellerState.Trade -= c.op.Amount
	if balance := c.st.AssetBalance(seller, c.inst.BondAsset); balance < c.op.Amount {
		return fmt.Errorf("%w: %d > %d", ledger.ErrInsufficientAsset, c.op.Amount, balance)
	}

	legs := []settlement.Leg{{
		Asset:  c.inst.BondAsset,
		From:   seller,
		To:     receiver,
		Amount: c.op.Amount,
		Mode:   settlement.ModeClawback,
	}}
	payer := seller
	if offer != nil {
		if c.op.Now >= offer.ExpiresAt {
			return fmt.Errorf("%w: at %d", ErrOfferExpired, offer.ExpiresAt)
		}
		if c.op.Amount > offer.MaxAmount {
			return fmt.Errorf("%w: %d > %d", ErrOfferExceeded, c.op.Amount, offer.MaxAmount)
		}
		price, err := mul(c.op.Amount, offer.Price)
		if err != nil {
			return err
		}
		if price > 0 {
			legs = append(legs, settlement.Leg{
				Asset:  c.inst.Terms.Stablecoin,
				From:   receiver,
				To:     seller,
				Amount: price,
				Mode:   settlement.ModeOwner,
			})
		}
		payer = receiver
	}
	if err := c.execute(payer, legs); err != nil {
		return err
	}
	c.inst.Holders[seller] = sellerState
	c.inst.Holders[receiver] = receiverState
	return nil
}

func (c *call) coupon(sender ledger.Address, h HolderState) error {
	if c.inst.Terms.BondCoupon == 0 {
		return ErrNoCoupon
	}
	balance := c.st.AssetBalance(sender, c.inst.BondAsset)
	if balance == 0 {
		return ErrNoBonds
	}
	rounds := c.inst.Terms.couponRounds(c.now)
	if h.CouponsPaid >= rounds {
		return fmt.Errorf("%w: %d of %d rounds paid", ErrNoCouponDue, h.CouponsPaid, rounds)
	}
	value, err := c.inst.couponValue(h.CouponsPaid + 1)
	if err != nil {
		return err
	}
	amount, err := mul(value, balance)
	if err != nil {
		return err
	}
	h.CouponsPaid++

	g := &c.inst.Global
	if h.CouponsPaid > g.CouponsPaid {
		g.CouponsPaid++
		inCirc, err := c.inst.inCirculation(c.st)
		if err != nil {
			return err
		}
		accrued, err := mul(inCirc, value)
		if err != nil {
			return err
		}
		if g.Reserve, err = add(g.Reserve, accrued); err != nil {
			return err
		}
		if escrow := c.inst.escrowBalance(c.st); g.Reserve > escrow {
			return fmt.Errorf("%w: reserve %d exceeds escrow %d", ErrDefaulted, g.Reserve, escrow)
		}
	}
	if g.Reserve < amount {
		return fmt.Errorf("%w: reserve %d below coupon %d", ErrDefaulted, g.Reserve, amount)
	}
	g.Reserve -= amount

	if err := c.execute(sender, []settlement.Leg{{
		Asset:  c.inst.Terms.Stablecoin,
		From:   c.inst.StablecoinEscrow,
		To:     sender,
		Amount: amount,
		Mode:   settlement.ModeEscrow,
	}}); err != nil {
		return err
	}
	c.inst.Holders[sender] = h
	return nil
}

func (c *call) principal(sender ledger.Address, h HolderState) error {
	balance := c.st.AssetBalance(sender, c.inst.BondAsset)
	if balance == 0 {
		return ErrNoBonds
	}
	terms := c.inst.Terms
	if h.CouponsPaid != terms.BondLength && terms.BondCoupon != 0 {
		return fmt.Errorf("%w: %d of %d paid", ErrCouponsOutstanding, h.CouponsPaid, terms.BondLength)
	}
	payout, err := mul(balance, terms.BondPrincipal)
	if err != nil {
		return err
	}
	return c.redeem(sender, h, balance, payout)
}

func (c *call) claimDefault(sender ledger.Address, h HolderState) error {
	balance := c.st.AssetBalance(sender, c.inst.BondAsset)
	if balance == 0 {
		return ErrNoBonds
	}
	if h.CouponsPaid != c.inst.Global.CouponsPaid {
		return fmt.Errorf("%w: %d of %d paid", ErrCouponsOutstanding, h.CouponsPaid, c.inst.Global.CouponsPaid)
	}
	inCirc, err := c.inst.inCirculation(c.st)
	if err != nil {
		return err
	}
	// A default claim pays out only what is left after the reserve, and only
	// while the escrow cannot cover the reserve plus any principal due.
	owed := c.inst.Global.Reserve
	if c.now >= c.inst.Terms.MaturityDate {
		principal, err := mul(inCirc, c.inst.Terms.BondPrincipal)
		if err != nil {
			return err
		}
		if owed, err = add(owed, principal); err != nil {
			return err
		}
	}
	escrow := c.inst.escrowBalance(c.st)
	if owed <= escrow {
		return fmt.Errorf("%w: escrow %d covers %d owed", ErrOutsideWindow, escrow, owed)
	}
	if escrow < c.inst.Global.Reserve {
		return fmt.Errorf("%w: escrow %d below reserve %d", ErrDefaulted, escrow, c.inst.Global.Reserve)
	}
	payout, err := mulDiv(escrow-c.inst.Global.Reserve, balance, inCirc)
	if err != nil {
		return err
	}
	return c.redeem(sender, h, balance, payout)
}

// redeem returns every bond the sender holds to the bond escrow against a
// stablecoin payout.
func (c *call) redeem(sender ledger.Address, h HolderState, balance, payout uint64) error {
	legs := []settlement.Leg{{
		Asset:  c.inst.BondAsset,
		From:   sender,
		To:     c.inst.BondEscrow,
		Amount: balance,
		Mode:   settlement.ModeClawback,
	}}
	if payout > 0 {
		legs = append(legs, settlement.Leg{
			Asset:  c.inst.Terms.Stablecoin,
			From:   c.inst.StablecoinEscrow,
			To:     sender,
			Amount: payout,
			Mode:   settlement.ModeEscrow,
		})
	}
	if err := c.execute(sender, legs); err != nil {
		return err
	}
	h.CouponsPaid = 0
	c.inst.Holders[sender] = h
	return nil
}
