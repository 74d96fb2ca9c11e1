package ledger

import (
	"crypto/sha256"
	"encoding/hex"
)

type Address string

type AssetID string

const (
	EscrowRoleBond       = "bond"
	EscrowRoleStablecoin = "stablecoin"
)

type Holding struct {
	Amount uint64 `json:"amount"`
	Frozen bool   `json:"frozen,omitempty"`
}

// EscrowBinding marks an account as program controlled. No key exists for
// it; funds only leave through settlements of the bound instrument.
type EscrowBinding struct {
	Instrument string `json:"instrument"`
	Role       string `json:"role"`
}

type Account struct {
	Balance  uint64              `json:"balance"`
	Nonce    uint64              `json:"nonce"`
	Holdings map[AssetID]Holding `json:"holdings,omitempty"`
	Escrow   *EscrowBinding      `json:"escrow,omitempty"`
}

type Asset struct {
	ID            AssetID `json:"id"`
	Name          string  `json:"name"`
	UnitName      string  `json:"unitName,omitempty"`
	Decimals      uint32  `json:"decimals"`
	Total         uint64  `json:"total"`
	Creator       Address `json:"creator"`
	Manager       Address `json:"manager,omitempty"`
	Freeze        Address `json:"freeze,omitempty"`
	Clawback      Address `json:"clawback,omitempty"`
	DefaultFrozen bool    `json:"defaultFrozen"`
}

// AssetConfig carries the mutable authority addresses of an asset. Nil
// fields are left unchanged, empty addresses clear the authority.
type AssetConfig struct {
	Manager  *Address `json:"manager,omitempty"`
	Freeze   *Address `json:"freeze,omitempty"`
	Clawback *Address `json:"clawback,omitempty"`
}

func EscrowAddress(instrumentID string, role string) Address {
	sum := sha256.Sum256([]byte("escrow|" + instrumentID + "|" + role))
	return Address(hex.EncodeToString(sum[:20]))
}

func (a Account) clone() Account {
	copied := a
	if a.Holdings != nil {
		copied.Holdings = make(map[AssetID]Holding, len(a.Holdings))
		for id, h := range a.Holdings {
			copied.Holdings[id] = h
		}
	}
	if a.Escrow != nil {
		binding := *a.Escrow
		copied.Escrow = &binding
	}
	return copied
}
