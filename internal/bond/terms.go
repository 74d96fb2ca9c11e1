package bond

import (
	"errors"
	"fmt"
	"math/bits"
	"regexp"

	"greenbond/internal/ledger"
)

const (
	SixMonthPeriod int64  = 15_768_000
	MaxBondLength  uint64 = 100

	// rating slots cover rounds 0..BondLength+1, see ratingRound.
	ratingSlots = int(MaxBondLength) + 2
)

var validInstrumentID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$`)

// Terms are fixed at issuance. Dates are unix seconds, money amounts are
// stablecoin base units per bond.
type Terms struct {
	Name               string         `json:"name" yaml:"name"`
	Issuer             ledger.Address `json:"issuer" yaml:"issuer"`
	FinancialRegulator ledger.Address `json:"financialRegulator" yaml:"financialRegulator"`
	GreenVerifier      ledger.Address `json:"greenVerifier" yaml:"greenVerifier"`
	Stablecoin         ledger.AssetID `json:"stablecoin" yaml:"stablecoin"`
	StartBuyDate       int64          `json:"startBuyDate" yaml:"startBuyDate"`
	EndBuyDate         int64          `json:"endBuyDate" yaml:"endBuyDate"`
	MaturityDate       int64          `json:"maturityDate" yaml:"maturityDate"`
	Period             int64          `json:"period" yaml:"period"`
	BondLength         uint64         `json:"bondLength" yaml:"bondLength"`
	BondCost           uint64         `json:"bondCost" yaml:"bondCost"`
	BondCoupon         uint64         `json:"bondCoupon" yaml:"bondCoupon"`
	BondPrincipal      uint64         `json:"bondPrincipal" yaml:"bondPrincipal"`
	Supply             uint64         `json:"supply" yaml:"supply"`
	DemoTime           bool           `json:"demoTime,omitempty" yaml:"demoTime"`
}

var ErrInvalidTerms = errors.New("invalid bond terms")

func (t Terms) withDefaults() Terms {
	if t.Period == 0 {
		t.Period = SixMonthPeriod
	}
	return t
}

func (t Terms) Validate() error {
	if t.Issuer == "" || t.FinancialRegulator == "" || t.GreenVerifier == "" {
		return fmt.Errorf("%w: issuer, financial regulator and green verifier are required", ErrInvalidTerms)
	}
	if t.Stablecoin == "" {
		return fmt.Errorf("%w: stablecoin asset is required", ErrInvalidTerms)
	}
	if t.StartBuyDate < 0 {
		return fmt.Errorf("%w: start buy date must be >= 0", ErrInvalidTerms)
	}
	if !(t.StartBuyDate < t.EndBuyDate && t.EndBuyDate < t.MaturityDate) {
		return fmt.Errorf("%w: dates must satisfy start buy < end buy < maturity", ErrInvalidTerms)
	}
	if t.Period <= 0 {
		return fmt.Errorf("%w: period must be > 0", ErrInvalidTerms)
	}
	if t.BondLength > MaxBondLength {
		return fmt.Errorf("%w: bond length must be <= %d", ErrInvalidTerms, MaxBondLength)
	}
	hi, span := bits.Mul64(uint64(t.Period), t.BondLength)
	if hi != 0 || span > uint64(t.MaturityDate-t.EndBuyDate) {
		return fmt.Errorf("%w: %d coupon periods do not fit before maturity", ErrInvalidTerms, t.BondLength)
	}
	if t.Supply == 0 {
		return fmt.Errorf("%w: supply must be > 0", ErrInvalidTerms)
	}
	return nil
}
