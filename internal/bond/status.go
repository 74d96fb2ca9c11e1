package bond

import (
	"errors"
	"fmt"

	"greenbond/internal/ledger"
)

var ErrDefaultClaimMismatch = errors.New("default claim does not match instrument status")

// Status is the solvency view of an instrument at one point in time.
type Status struct {
	Instrument    string   `json:"instrument"`
	Phase         Phase    `json:"phase"`
	Time          int64    `json:"time"`
	CouponRounds  uint64   `json:"couponRounds"`
	CouponsPaid   uint64   `json:"couponsPaid"`
	Reserve       uint64   `json:"reserve"`
	Unaccrued     uint64   `json:"unaccruedCoupons"`
	PrincipalOwed uint64   `json:"principalOwed"`
	Owed          uint64   `json:"owed"`
	EscrowBalance uint64   `json:"escrowBalance"`
	InCirculation uint64   `json:"inCirculation"`
	Defaulted     bool     `json:"defaulted"`
	Permitted     []OpKind `json:"permitted"`
}

// StatusAt computes what the instrument owes at now against what its
// stablecoin escrow holds. It is defaulted once the buy window has closed
// and the escrow cannot cover the reserve, every coupon round started but
// not yet accrued, and the principal when matured.
func (inst *Instrument) StatusAt(st *ledger.State, now int64) (Status, error) {
	inCirc, err := inst.inCirculation(st)
	if err != nil {
		return Status{}, err
	}
	status := Status{
		Instrument:    inst.ID,
		Time:          now,
		CouponRounds:  inst.Terms.couponRounds(now),
		CouponsPaid:   inst.Global.CouponsPaid,
		Reserve:       inst.Global.Reserve,
		EscrowBalance: inst.escrowBalance(st),
		InCirculation: inCirc,
	}

	for round := inst.Global.CouponsPaid + 1; round <= status.CouponRounds; round++ {
		value, err := inst.couponValue(round)
		if err != nil {
			return Status{}, err
		}
		due, err := mul(value, inCirc)
		if err != nil {
			return Status{}, err
		}
		if status.Unaccrued, err = add(status.Unaccrued, due); err != nil {
			return Status{}, err
		}
	}
	if now >= inst.Terms.MaturityDate {
		if status.PrincipalOwed, err = mul(inCirc, inst.Terms.BondPrincipal); err != nil {
			return Status{}, err
		}
	}
	if status.Owed, err = add(status.Reserve, status.Unaccrued); err != nil {
		return Status{}, err
	}
	if status.Owed, err = add(status.Owed, status.PrincipalOwed); err != nil {
		return Status{}, err
	}

	status.Defaulted = now > inst.Terms.EndBuyDate && status.Owed > status.EscrowBalance
	switch {
	case now < inst.Terms.StartBuyDate:
		status.Phase = PhaseScheduled
	case now <= inst.Terms.EndBuyDate:
		status.Phase = PhaseOffering
	case status.Defaulted:
		status.Phase = PhaseDefaulted
	case now >= inst.Terms.MaturityDate:
		status.Phase = PhaseMatured
	default:
		status.Phase = PhaseTrading
	}
	for _, kind := range []OpKind{OpBuy, OpTrade, OpCoupon, OpPrincipal, OpDefault} {
		if permits(status.Phase, kind) {
			status.Permitted = append(status.Permitted, kind)
		}
	}
	return status, nil
}

// Status resolves the instrument clock from blockTime and reports its status.
func (b *Book) Status(st *ledger.State, id string, blockTime int64) (Status, error) {
	inst, ok := b.Instruments[id]
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownInstrument, id)
	}
	return inst.StatusAt(st, inst.Now(blockTime))
}

// CheckDefault succeeds only when claim agrees with the computed status.
func CheckDefault(status Status, claim bool) error {
	if status.Defaulted != claim {
		return fmt.Errorf("%w: claimed %t, instrument %s is %s", ErrDefaultClaimMismatch, claim, status.Instrument, status.Phase)
	}
	return nil
}
