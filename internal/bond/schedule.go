package bond

import (
	"fmt"

	"github.com/holiman/uint256"

	"greenbond/internal/ledger"
)

const multiplierScale uint64 = 10_000

// ratingRound is the ratings slot written by a rating at time now. Slot 0 is
// the offering period, slot r is the period that sets coupon r.
func (t Terms) ratingRound(now int64) (int, error) {
	switch {
	case now < t.EndBuyDate:
		return 0, nil
	case now > t.MaturityDate:
		return 0, ErrRatingClosed
	}
	round := (now-t.EndBuyDate)/t.Period + 1
	if round >= int64(ratingSlots) {
		return 0, fmt.Errorf("%w: round %d past last slot", ErrRatingClosed, round)
	}
	return int(round), nil
}

// couponRounds is the number of coupon rounds that have started at now.
func (t Terms) couponRounds(now int64) uint64 {
	switch {
	case now < t.EndBuyDate:
		return 0
	case now > t.MaturityDate:
		return t.BondLength
	}
	rounds := uint64((now - t.EndBuyDate) / t.Period)
	if rounds > t.BondLength {
		return t.BondLength
	}
	return rounds
}

func multiplier(rating uint8) uint64 {
	switch rating {
	case 5:
		return 10_000
	case 4:
		return 11_000
	case 3:
		return 12_100
	case 2:
		return 13_310
	case 1:
		return 14_641
	default:
		return multiplierScale
	}
}

func (inst *Instrument) rating(round uint64) uint8 {
	if round >= uint64(len(inst.Global.Ratings)) {
		return 0
	}
	return inst.Global.Ratings[round]
}

// couponValue is the per-bond payout of the given round, scaled by the
// green rating recorded for it. Lower ratings pay more.
func (inst *Instrument) couponValue(round uint64) (uint64, error) {
	return mulDiv(inst.Terms.BondCoupon, multiplier(inst.rating(round)), multiplierScale)
}

func (inst *Instrument) inCirculation(st *ledger.State) (uint64, error) {
	asset, ok := st.Asset(inst.BondAsset)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ledger.ErrUnknownAsset, inst.BondAsset)
	}
	held := st.AssetBalance(inst.BondEscrow, inst.BondAsset)
	if held > asset.Total {
		return 0, fmt.Errorf("bond escrow holds %d of %d bonds", held, asset.Total)
	}
	return asset.Total - held, nil
}

func (inst *Instrument) escrowBalance(st *ledger.State) uint64 {
	return st.AssetBalance(inst.StablecoinEscrow, inst.Terms.Stablecoin)
}

func mul(a, b uint64) (uint64, error) {
	product, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(a), uint256.NewInt(b))
	if overflow || !product.IsUint64() {
		return 0, fmt.Errorf("%w: %d * %d", ledger.ErrOverflow, a, b)
	}
	return product.Uint64(), nil
}

func add(a, b uint64) (uint64, error) {
	sum, overflow := new(uint256.Int).AddOverflow(uint256.NewInt(a), uint256.NewInt(b))
	if overflow || !sum.IsUint64() {
		return 0, fmt.Errorf("%w: %d + %d", ledger.ErrOverflow, a, b)
	}
	return sum.Uint64(), nil
}

// mulDiv computes floor(a*b/c) with a 256-bit intermediate.
func mulDiv(a, b, c uint64) (uint64, error) {
	if c == 0 {
		return 0, fmt.Errorf("division by zero")
	}
	product := new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
	quotient := product.Div(product, uint256.NewInt(c))
	if !quotient.IsUint64() {
		return 0, fmt.Errorf("%w: %d * %d / %d", ledger.ErrOverflow, a, b, c)
	}
	return quotient.Uint64(), nil
}
