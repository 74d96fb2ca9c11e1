package bond

import (
	"fmt"
	"sort"
	"strings"

	"greenbond/internal/ledger"
)

// GlobalState is the mutable instrument-wide record.
type GlobalState struct {
	Frozen      bool               `json:"frozen"`
	Reserve     uint64             `json:"reserve"`
	CouponsPaid uint64             `json:"couponsPaid"`
	Ratings     [ratingSlots]uint8 `json:"ratings"`
	// Time overrides the block clock when demo time is enabled.
	Time int64 `json:"time,omitempty"`
}

// HolderState is kept for every account opted in to an instrument.
type HolderState struct {
	Frozen      bool   `json:"frozen"`
	Trade       uint64 `json:"trade"`
	CouponsPaid uint64 `json:"couponsPaid"`
}

type Instrument struct {
	ID               string                         `json:"id"`
	Creator          ledger.Address                 `json:"creator"`
	Terms            Terms                          `json:"terms"`
	BondAsset        ledger.AssetID                 `json:"bondAsset"`
	BondEscrow       ledger.Address                 `json:"bondEscrow"`
	StablecoinEscrow ledger.Address                 `json:"stablecoinEscrow"`
	IssuedAt         int64                          `json:"issuedAt"`
	Global           GlobalState                    `json:"global"`
	Holders          map[ledger.Address]HolderState `json:"holders"`
}

func (inst *Instrument) clone() *Instrument {
	copied := *inst
	copied.Holders = make(map[ledger.Address]HolderState, len(inst.Holders))
	for addr, h := range inst.Holders {
		copied.Holders[addr] = h
	}
	return &copied
}

// Now resolves the instrument clock: the demo override when set, the
// supplied block time otherwise.
func (inst *Instrument) Now(blockTime int64) int64 {
	if inst.Terms.DemoTime && inst.Global.Time > 0 {
		return inst.Global.Time
	}
	return blockTime
}

// Book is the registry of issued instruments. Like ledger.State it is not
// safe for concurrent use.
type Book struct {
	Instruments map[string]*Instrument `json:"instruments"`
}

func NewBook() *Book {
	return &Book{Instruments: make(map[string]*Instrument)}
}

func (b *Book) Clone() *Book {
	cloned := &Book{Instruments: make(map[string]*Instrument, len(b.Instruments))}
	for id, inst := range b.Instruments {
		cloned.Instruments[id] = inst.clone()
	}
	return cloned
}

func (b *Book) Get(id string) (Instrument, bool) {
	inst, ok := b.Instruments[id]
	if !ok {
		return Instrument{}, false
	}
	return *inst.clone(), true
}

func (b *Book) List() []Instrument {
	out := make([]Instrument, 0, len(b.Instruments))
	for _, inst := range b.Instruments {
		out = append(out, *inst.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (b *Book) Holder(id string, addr ledger.Address) (HolderState, bool) {
	inst, ok := b.Instruments[id]
	if !ok {
		return HolderState{}, false
	}
	h, ok := inst.Holders[addr]
	return h, ok
}

// Digest writes a canonical encoding of the book for state roots.
func (b *Book) Digest(sb *strings.Builder) {
	ids := make([]string, 0, len(b.Instruments))
	for id := range b.Instruments {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		inst := b.Instruments[id]
		g := inst.Global
		fmt.Fprintf(sb, "bond|%s|%s|%t|%d|%d|%d|", id, inst.BondAsset, g.Frozen, g.Reserve, g.CouponsPaid, g.Time)
		for _, r := range g.Ratings {
			sb.WriteByte('0' + r%10)
		}
		sb.WriteByte('|')

		holders := make([]string, 0, len(inst.Holders))
		for addr := range inst.Holders {
			holders = append(holders, string(addr))
		}
		sort.Strings(holders)
		for _, addr := range holders {
			h := inst.Holders[ledger.Address(addr)]
			fmt.Fprintf(sb, "%s:%t:%d:%d,", addr, h.Frozen, h.Trade, h.CouponsPaid)
		}
		sb.WriteByte(';')
	}
}
