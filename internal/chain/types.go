package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"greenbond/internal/bond"
	"greenbond/internal/ledger"
	"greenbond/internal/settlement"
)

type Address = ledger.Address

type Account = ledger.Account

// AssetParams describes an asset created by an asset_create transaction.
// The sender becomes its creator.
type AssetParams struct {
	ID            ledger.AssetID `json:"id"`
	Name          string         `json:"name"`
	UnitName      string         `json:"unitName,omitempty"`
	Decimals      uint32         `json:"decimals"`
	Total         uint64         `json:"total"`
	Manager       Address        `json:"manager,omitempty"`
	Freeze        Address        `json:"freeze,omitempty"`
	Clawback      Address        `json:"clawback,omitempty"`
	DefaultFrozen bool           `json:"defaultFrozen,omitempty"`
}

func (p AssetParams) asset(creator Address) ledger.Asset {
	return ledger.Asset{
		ID:            p.ID,
		Name:          p.Name,
		UnitName:      p.UnitName,
		Decimals:      p.Decimals,
		Total:         p.Total,
		Creator:       creator,
		Manager:       p.Manager,
		Freeze:        p.Freeze,
		Clawback:      p.Clawback,
		DefaultFrozen: p.DefaultFrozen,
	}
}

// TradeOffer is signed by a bond seller and carried inside the buyer's
// bond_trade transaction. ExpiresAt is in unix seconds.
type TradeOffer struct {
	Bond      string  `json:"bond"`
	Seller    Address `json:"seller"`
	Price     uint64  `json:"price"`
	MaxAmount uint64  `json:"maxAmount"`
	ExpiresAt int64   `json:"expiresAt"`
	PubKey    string  `json:"pubKey"`
	Signature string  `json:"signature"`
}

func (o TradeOffer) signingBytes() []byte {
	return []byte(fmt.Sprintf("offer|%s|%s|%d|%d|%d", o.Bond, o.Seller, o.Price, o.MaxAmount, o.ExpiresAt))
}

func (o TradeOffer) engineOffer() *bond.Offer {
	return &bond.Offer{
		Seller:    o.Seller,
		Price:     o.Price,
		MaxAmount: o.MaxAmount,
		ExpiresAt: o.ExpiresAt,
	}
}

type Transaction struct {
	Kind        string              `json:"kind,omitempty"`
	From        Address             `json:"from"`
	To          Address             `json:"to,omitempty"`
	Bond        string              `json:"bond,omitempty"`
	Asset       ledger.AssetID      `json:"asset,omitempty"`
	Amount      uint64              `json:"amount"`
	Value       uint64              `json:"value,omitempty"`
	Frozen      bool                `json:"frozen,omitempty"`
	Fee         uint64              `json:"fee"`
	Nonce       uint64              `json:"nonce"`
	Timestamp   int64               `json:"timestamp"`
	Terms       *bond.Terms         `json:"terms,omitempty"`
	AssetParams *AssetParams        `json:"assetParams,omitempty"`
	AssetConfig *ledger.AssetConfig `json:"assetConfig,omitempty"`
	Offer       *TradeOffer         `json:"offer,omitempty"`
	PubKey      string              `json:"pubKey"`
	Signature   string              `json:"signature"`
}

const (
	TxKindTransfer      = "transfer"
	TxKindAssetCreate   = "asset_create"
	TxKindAssetConfig   = "asset_config"
	TxKindAssetOptIn    = "asset_opt_in"
	TxKindAssetCloseOut = "asset_close_out"
	TxKindAssetTransfer = "asset_transfer"
	TxKindAssetFreeze   = "asset_freeze"
	TxKindBondIssue     = "bond_issue"
	TxKindBondOptIn     = "bond_opt_in"
	TxKindBondCloseOut  = "bond_close_out"
	TxKindBondAdvance   = "bond_advance_time"
	TxKindBondSetTrade  = "bond_set_trade"
	TxKindBondFreeze    = "bond_freeze"
	TxKindBondFreezeAll = "bond_freeze_all"
	TxKindBondRate      = "bond_rate"
	TxKindBondBuy       = "bond_buy"
	TxKindBondTrade     = "bond_trade"
	TxKindBondCoupon    = "bond_coupon"
	TxKindBondPrincipal = "bond_principal"
	TxKindBondDefault   = "bond_default"

	TxStatePending   = "pending"
	TxStateFinalized = "finalized"

	bondKindPrefix      = "bond_"
	reservedAssetPrefix = "bond:"
)

func normalizeTxKind(kind string) string {
	if kind == "" {
		return TxKindTransfer
	}
	return strings.ToLower(strings.TrimSpace(kind))
}

func (tx Transaction) txKind() string {
	return normalizeTxKind(tx.Kind)
}

func (tx Transaction) isBondKind() bool {
	return strings.HasPrefix(tx.txKind(), bondKindPrefix)
}

// bondOperation maps an instrument transaction onto an engine operation.
// now is the block time in unix seconds.
func (tx Transaction) bondOperation(now int64) bond.Operation {
	op := bond.Operation{
		ID:         tx.ID(),
		Kind:       bond.OpKind(strings.TrimPrefix(tx.txKind(), bondKindPrefix)),
		Instrument: tx.Bond,
		Sender:     tx.From,
		Target:     tx.To,
		Amount:     tx.Amount,
		Value:      tx.Value,
		Frozen:     tx.Frozen,
		Fee:        tx.Fee,
		Now:        now,
	}
	if tx.Offer != nil {
		op.Offer = tx.Offer.engineOffer()
	}
	return op
}

func (tx Transaction) signingBytes() []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb,
		"%s|%s|%s|%s|%s|%d|%d|%t|%d|%d|%d",
		tx.txKind(),
		tx.From,
		tx.To,
		tx.Bond,
		tx.Asset,
		tx.Amount,
		tx.Value,
		tx.Frozen,
		tx.Fee,
		tx.Nonce,
		tx.Timestamp,
	)
	for _, part := range []any{tx.Terms, tx.AssetParams, tx.AssetConfig} {
		sb.WriteByte('|')
		raw, err := json.Marshal(part)
		if err == nil && string(raw) != "null" {
			sb.Write(raw)
		}
	}
	sb.WriteByte('|')
	if tx.Offer != nil {
		sb.Write(tx.Offer.signingBytes())
		sb.WriteString("|" + tx.Offer.Signature)
	}
	return []byte(sb.String())
}

func (tx Transaction) ID() string {
	payload := append(tx.signingBytes(), []byte("|"+tx.Signature)...)
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

type FinalizedTxLocation struct {
	Height    uint64 `json:"height"`
	BlockHash string `json:"blockHash"`
	Timestamp int64  `json:"timestamp"`
	TxIndex   int    `json:"txIndex"`
}

type PendingTransaction struct {
	TxID        string      `json:"txId"`
	AddedHeight uint64      `json:"addedHeight"`
	Transaction Transaction `json:"tx"`
}

type TransactionLookup struct {
	TxID         string               `json:"txId"`
	State        string               `json:"state"`
	Transaction  Transaction          `json:"tx"`
	MempoolIndex *int                 `json:"mempoolIndex,omitempty"`
	Finalized    *FinalizedTxLocation `json:"finalized,omitempty"`
	Receipt      *settlement.Receipt  `json:"receipt,omitempty"`
}

// Block receipts are derived from the transactions and are not part of the
// block hash.
type Block struct {
	Height       uint64               `json:"height"`
	PrevHash     string               `json:"prevHash"`
	Timestamp    int64                `json:"timestamp"`
	Proposer     string               `json:"proposer"`
	Transactions []Transaction        `json:"transactions"`
	Receipts     []settlement.Receipt `json:"receipts,omitempty"`
	StateRoot    string               `json:"stateRoot"`
	Hash         string               `json:"hash"`
	Finalized    bool                 `json:"finalized"`
}

type Status struct {
	Height          uint64  `json:"height"`
	HeadHash        string  `json:"headHash"`
	HeadTimestamp   int64   `json:"headTimestamp"`
	MempoolSize     int     `json:"mempoolSize"`
	LastFinalizedMs int64   `json:"lastFinalizedMs"`
	Proposer        Address `json:"proposer"`
	Instruments     int     `json:"instruments"`
}

type Metrics struct {
	Height               uint64 `json:"height"`
	MempoolSize          int    `json:"mempoolSize"`
	MempoolPeak          int    `json:"mempoolPeak"`
	SubmittedTxTotal     uint64 `json:"submittedTxTotal"`
	RejectedTxTotal      uint64 `json:"rejectedTxTotal"`
	EvictedTxTotal       uint64 `json:"evictedTxTotal"`
	ExpiredTxTotal       uint64 `json:"expiredTxTotal"`
	IncludedTxTotal      uint64 `json:"includedTxTotal"`
	FinalizedBlocksTotal uint64 `json:"finalizedBlocksTotal"`
	FailedProduceTotal   uint64 `json:"failedProduceTotal"`
	TotalFeesCollected   uint64 `json:"totalFeesCollected"`
	SettlementsTotal     uint64 `json:"settlementsTotal"`
	SettlementLegsTotal  uint64 `json:"settlementLegsTotal"`
	InstrumentsCount     int    `json:"instrumentsCount"`
	AssetsCount          int    `json:"assetsCount"`
	LastFinalizedMs      int64  `json:"lastFinalizedMs"`
}
