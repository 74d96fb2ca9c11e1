package settlement

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/google/uuid"

	"greenbond/internal/ledger"
)

var (
	ErrEmptyPlan          = errors.New("settlement plan has no legs")
	ErrFeeTooLow          = errors.New("insufficient fee coverage")
	ErrEscrowUnauthorized = errors.New("escrow transfer not authorized")
	ErrEscrowClawback     = errors.New("clawback authority is not the instrument escrow")
	ErrUnknownMode        = errors.New("unknown settlement leg mode")
	ErrOwnerMismatch      = errors.New("owner leg not signed by plan payer")
)

type Mode string

const (
	ModeOwner    Mode = "owner"
	ModeClawback Mode = "clawback"
	ModeEscrow   Mode = "escrow"
)

type Leg struct {
	Asset  ledger.AssetID `json:"asset"`
	From   ledger.Address `json:"from"`
	To     ledger.Address `json:"to"`
	Amount uint64         `json:"amount"`
	Mode   Mode           `json:"mode"`
}

// Plan is a set of transfers that settle one instrument operation. Either
// every leg applies or none does.
type Plan struct {
	ID         string         `json:"id"`
	Instrument string         `json:"instrument"`
	Operation  string         `json:"operation"`
	Payer      ledger.Address `json:"payer"`
	Fee        uint64         `json:"fee"`
	Legs       []Leg          `json:"legs"`
}

type Receipt struct {
	PlanID     string         `json:"planId"`
	Instrument string         `json:"instrument"`
	Operation  string         `json:"operation"`
	Payer      ledger.Address `json:"payer"`
	Fee        uint64         `json:"fee"`
	Legs       []Leg          `json:"legs"`
}

// PlanID derives a stable settlement id from the id of the operation that
// produced it.
func PlanID(txID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("greenbond/settlement/"+txID)).String()
}

// escrowOperations lists what each escrow role may pay out for.
var escrowOperations = map[string]map[string]bool{
	ledger.EscrowRoleBond: {
		"buy":       true,
		"trade":     true,
		"principal": true,
		"default":   true,
	},
	ledger.EscrowRoleStablecoin: {
		"coupon":    true,
		"principal": true,
		"default":   true,
	},
}

type Coordinator struct {
	minFee uint64
}

func NewCoordinator(minFee uint64) *Coordinator {
	if minFee == 0 {
		minFee = 1
	}
	return &Coordinator{minFee: minFee}
}

func (c *Coordinator) MinFee() uint64 {
	return c.minFee
}

// RequiredFee charges one unit of the minimum fee for the operation itself
// and one for every leg it settles.
func (c *Coordinator) RequiredFee(legs int) uint64 {
	hi, lo := bits.Mul64(c.minFee, uint64(legs)+1)
	if hi != 0 {
		return ^uint64(0)
	}
	return lo
}

func (c *Coordinator) Execute(st *ledger.State, plan Plan) (Receipt, error) {
	if len(plan.Legs) == 0 {
		return Receipt{}, ErrEmptyPlan
	}
	if plan.Payer == "" {
		return Receipt{}, errors.New("settlement payer is required")
	}
	required := c.RequiredFee(len(plan.Legs))
	if plan.Fee < required {
		return Receipt{}, fmt.Errorf("%w: got %d want >= %d", ErrFeeTooLow, plan.Fee, required)
	}
	for i, leg := range plan.Legs {
		if err := c.authorize(st, plan, leg); err != nil {
			return Receipt{}, fmt.Errorf("leg %d: %w", i, err)
		}
	}

	touched := make([]ledger.Address, 0, 2*len(plan.Legs)+1)
	touched = append(touched, plan.Payer)
	for _, leg := range plan.Legs {
		touched = append(touched, leg.From, leg.To)
	}
	cp := st.Checkpoint(touched...)

	if err := st.Debit(plan.Payer, plan.Fee); err != nil {
		st.Restore(cp)
		return Receipt{}, fmt.Errorf("settlement fee: %w", err)
	}
	for i, leg := range plan.Legs {
		if err := apply(st, leg); err != nil {
			st.Restore(cp)
			return Receipt{}, fmt.Errorf("leg %d: %w", i, err)
		}
	}

	return Receipt{
		PlanID:     plan.ID,
		Instrument: plan.Instrument,
		Operation:  plan.Operation,
		Payer:      plan.Payer,
		Fee:        plan.Fee,
		Legs:       append([]Leg(nil), plan.Legs...),
	}, nil
}

func (c *Coordinator) authorize(st *ledger.State, plan Plan, leg Leg) error {
	if leg.Amount == 0 {
		return ledger.ErrInvalidAmount
	}
	switch leg.Mode {
	case ModeOwner:
		if _, isEscrow := st.EscrowOf(leg.From); isEscrow {
			return fmt.Errorf("%w: %s has no key", ErrEscrowUnauthorized, leg.From)
		}
		if leg.From != plan.Payer {
			return fmt.Errorf("%w: %s", ErrOwnerMismatch, leg.From)
		}
		return nil
	case ModeClawback:
		asset, ok := st.Asset(leg.Asset)
		if !ok {
			return fmt.Errorf("%w: %s", ledger.ErrUnknownAsset, leg.Asset)
		}
		return c.authorizeEscrow(st, plan, asset.Clawback, ErrEscrowClawback)
	case ModeEscrow:
		return c.authorizeEscrow(st, plan, leg.From, ErrEscrowUnauthorized)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMode, leg.Mode)
	}
}

func (c *Coordinator) authorizeEscrow(st *ledger.State, plan Plan, addr ledger.Address, failure error) error {
	binding, ok := st.EscrowOf(addr)
	if !ok {
		return fmt.Errorf("%w: %s is not an escrow", failure, addr)
	}
	if binding.Instrument != plan.Instrument {
		return fmt.Errorf("%w: escrow bound to %s not %s", failure, binding.Instrument, plan.Instrument)
	}
	if !escrowOperations[binding.Role][plan.Operation] {
		return fmt.Errorf("%w: %s escrow cannot settle %s", failure, binding.Role, plan.Operation)
	}
	return nil
}

func apply(st *ledger.State, leg Leg) error {
	switch leg.Mode {
	case ModeClawback:
		asset, _ := st.Asset(leg.Asset)
		return st.Clawback(leg.Asset, asset.Clawback, leg.From, leg.To, leg.Amount)
	default:
		return st.Transfer(leg.Asset, leg.From, leg.To, leg.Amount)
	}
}
