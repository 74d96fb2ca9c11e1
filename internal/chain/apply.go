package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"greenbond/internal/bond"
	"greenbond/internal/ledger"
	"greenbond/internal/settlement"
)

// worldState is everything a block commits: holdings and instruments.
type worldState struct {
	ledger *ledger.State
	book   *bond.Book
}

func newWorldState() *worldState {
	return &worldState{ledger: ledger.NewState(), book: bond.NewBook()}
}

func (w *worldState) clone() *worldState {
	return &worldState{ledger: w.ledger.Clone(), book: w.book.Clone()}
}

func (w *worldState) root() string {
	var sb strings.Builder
	w.ledger.Digest(&sb)
	sb.WriteString("#")
	w.book.Digest(&sb)
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// applyTx executes one signed transaction against w at blockTimeMs. On error
// w is left as it was.
func applyTx(engine *bond.Engine, w *worldState, tx Transaction, blockTimeMs int64) (*settlement.Receipt, error) {
	from, ok := w.ledger.Account(tx.From)
	if !ok {
		return nil, fmt.Errorf("sender account %s does not exist", tx.From)
	}
	if from.Escrow != nil {
		return nil, fmt.Errorf("%w: %s", ledger.ErrEscrowSignerRejected, tx.From)
	}
	if from.Nonce+1 != tx.Nonce {
		return nil, fmt.Errorf("bad nonce for %s: expected %d got %d", tx.From, from.Nonce+1, tx.Nonce)
	}

	now := blockTimeMs / 1000
	var receipt *settlement.Receipt
	switch kind := tx.txKind(); {
	case kind == TxKindBondIssue:
		if _, err := engine.Issue(w.book, w.ledger, bond.IssueRequest{
			ID:      tx.Bond,
			Creator: tx.From,
			Terms:   *tx.Terms,
			Fee:     tx.Fee,
			Now:     now,
		}); err != nil {
			return nil, err
		}
	case tx.isBondKind():
		res, err := engine.Apply(w.book, w.ledger, tx.bondOperation(now))
		if err != nil {
			return nil, err
		}
		receipt = res.Receipt
	default:
		if err := applyLedgerTx(w.ledger, tx, engine.Coordinator().MinFee()); err != nil {
			return nil, err
		}
	}
	if err := w.ledger.AdvanceNonce(tx.From, tx.Nonce); err != nil {
		return nil, err
	}
	return receipt, nil
}

func applyLedgerTx(st *ledger.State, tx Transaction, minFee uint64) error {
	if tx.Fee < minFee {
		return fmt.Errorf("%w: got %d want >= %d", ErrTxFeeTooLow, tx.Fee, minFee)
	}
	cp := st.Checkpoint(tx.From, tx.To)
	err := func() error {
		if err := st.Debit(tx.From, tx.Fee); err != nil {
			return err
		}
		switch tx.txKind() {
		case TxKindTransfer:
			return st.TransferNative(tx.From, tx.To, tx.Amount)
		case TxKindAssetCreate:
			if strings.HasPrefix(string(tx.AssetParams.ID), reservedAssetPrefix) {
				return fmt.Errorf("%w: %s", ErrReservedAsset, tx.AssetParams.ID)
			}
			return st.CreateAsset(tx.AssetParams.asset(tx.From))
		case TxKindAssetConfig:
			return st.ConfigureAsset(tx.From, tx.Asset, *tx.AssetConfig)
		case TxKindAssetOptIn:
			if st.IsOptedIn(tx.From, tx.Asset) {
				return fmt.Errorf("%w: %s %s", ErrAlreadyOptedIn, tx.From, tx.Asset)
			}
			return st.OptIn(tx.From, tx.Asset)
		case TxKindAssetCloseOut:
			return st.CloseOut(tx.From, tx.Asset, tx.To)
		case TxKindAssetTransfer:
			return st.Transfer(tx.Asset, tx.From, tx.To, tx.Amount)
		case TxKindAssetFreeze:
			return st.SetFrozen(tx.From, tx.Asset, tx.To, tx.Frozen)
		default:
			return fmt.Errorf("unsupported transaction kind %q", tx.Kind)
		}
	}()
	if err != nil {
		st.Restore(cp)
		return err
	}
	return nil
}

func validateTxFields(tx Transaction) error {
	switch kind := tx.txKind(); kind {
	case TxKindTransfer:
		if tx.To == "" {
			return errors.New("missing to")
		}
		if tx.From == tx.To {
			return errors.New("from and to cannot be equal")
		}
		if tx.Amount == 0 {
			return errors.New("amount must be > 0")
		}
	case TxKindAssetCreate:
		if tx.AssetParams == nil {
			return errors.New("missing assetParams")
		}
		if tx.AssetParams.ID == "" {
			return errors.New("missing asset id")
		}
		if tx.AssetParams.Total == 0 {
			return errors.New("asset total must be > 0")
		}
	case TxKindAssetConfig:
		if tx.Asset == "" {
			return errors.New("missing asset")
		}
		if tx.AssetConfig == nil {
			return errors.New("missing assetConfig")
		}
	case TxKindAssetOptIn, TxKindAssetCloseOut:
		if tx.Asset == "" {
			return errors.New("missing asset")
		}
	case TxKindAssetTransfer:
		if tx.Asset == "" {
			return errors.New("missing asset")
		}
		if tx.To == "" {
			return errors.New("missing to")
		}
		if tx.Amount == 0 {
			return errors.New("amount must be > 0")
		}
	case TxKindAssetFreeze:
		if tx.Asset == "" {
			return errors.New("missing asset")
		}
		if tx.To == "" {
			return errors.New("missing to")
		}
	case TxKindBondIssue:
		if tx.Bond == "" {
			return errors.New("missing bond")
		}
		if tx.Terms == nil {
			return errors.New("missing terms")
		}
	case TxKindBondOptIn, TxKindBondCloseOut, TxKindBondSetTrade, TxKindBondFreezeAll,
		TxKindBondCoupon, TxKindBondPrincipal, TxKindBondDefault:
		if tx.Bond == "" {
			return errors.New("missing bond")
		}
	case TxKindBondAdvance, TxKindBondRate:
		if tx.Bond == "" {
			return errors.New("missing bond")
		}
		if tx.Value == 0 {
			return errors.New("value must be > 0")
		}
	case TxKindBondFreeze:
		if tx.Bond == "" {
			return errors.New("missing bond")
		}
		if tx.To == "" {
			return errors.New("missing to")
		}
	case TxKindBondBuy:
		if tx.Bond == "" {
			return errors.New("missing bond")
		}
		if tx.Amount == 0 {
			return errors.New("amount must be > 0")
		}
	case TxKindBondTrade:
		if tx.Bond == "" {
			return errors.New("missing bond")
		}
		if tx.Amount == 0 {
			return errors.New("amount must be > 0")
		}
		if tx.Offer == nil && tx.To == "" {
			return errors.New("missing to")
		}
	default:
		return fmt.Errorf("unsupported transaction kind %q", tx.Kind)
	}
	if tx.Offer != nil {
		if tx.txKind() != TxKindBondTrade {
			return errors.New("offer is only supported for bond_trade")
		}
		if tx.Offer.Bond != tx.Bond {
			return fmt.Errorf("offer is for bond %q not %q", tx.Offer.Bond, tx.Bond)
		}
	}
	return nil
}
