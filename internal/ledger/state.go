package ledger

import (
	"errors"
	"fmt"
	"math/bits"
	"sort"
	"strings"
)

var (
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrOverflow             = errors.New("arithmetic overflow")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrInsufficientAsset    = errors.New("insufficient asset balance")
	ErrUnknownAccount       = errors.New("unknown account")
	ErrUnknownAsset         = errors.New("unknown asset")
	ErrAssetExists          = errors.New("asset already exists")
	ErrNotOptedIn           = errors.New("account is not opted in to asset")
	ErrHoldingFrozen        = errors.New("asset holding is frozen")
	ErrNotClawback          = errors.New("sender is not the asset clawback")
	ErrNotManager           = errors.New("sender is not the asset manager")
	ErrNotFreezeAuthority   = errors.New("sender is not the asset freeze authority")
	ErrCreatorCloseOut      = errors.New("asset creator cannot close out")
	ErrEscrowAlreadyBound   = errors.New("escrow account already bound")
	ErrEscrowSignerRejected = errors.New("escrow accounts cannot sign")
)

// State is the holdings engine: native balances, assets and per-account
// asset holdings. It is not safe for concurrent use; callers clone it and
// commit the clone.
type State struct {
	Accounts map[Address]*Account `json:"accounts"`
	Assets   map[AssetID]*Asset   `json:"assets"`
}

func NewState() *State {
	return &State{
		Accounts: make(map[Address]*Account),
		Assets:   make(map[AssetID]*Asset),
	}
}

func (s *State) Clone() *State {
	cloned := &State{
		Accounts: make(map[Address]*Account, len(s.Accounts)),
		Assets:   make(map[AssetID]*Asset, len(s.Assets)),
	}
	for addr, acc := range s.Accounts {
		copied := acc.clone()
		cloned.Accounts[addr] = &copied
	}
	for id, asset := range s.Assets {
		copied := *asset
		cloned.Assets[id] = &copied
	}
	return cloned
}

func (s *State) Account(addr Address) (Account, bool) {
	acc, ok := s.Accounts[addr]
	if !ok {
		return Account{}, false
	}
	return acc.clone(), true
}

func (s *State) Asset(id AssetID) (Asset, bool) {
	asset, ok := s.Assets[id]
	if !ok {
		return Asset{}, false
	}
	return *asset, true
}

func (s *State) ensureAccount(addr Address) *Account {
	acc, ok := s.Accounts[addr]
	if !ok {
		acc = &Account{}
		s.Accounts[addr] = acc
	}
	return acc
}

func (s *State) Credit(addr Address, amount uint64) error {
	acc := s.ensureAccount(addr)
	next, err := addUint64(acc.Balance, amount)
	if err != nil {
		return err
	}
	acc.Balance = next
	return nil
}

func (s *State) Debit(addr Address, amount uint64) error {
	acc, ok := s.Accounts[addr]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, addr)
	}
	if acc.Balance < amount {
		return fmt.Errorf("%w: have %d need %d", ErrInsufficientBalance, acc.Balance, amount)
	}
	acc.Balance -= amount
	return nil
}

func (s *State) TransferNative(from, to Address, amount uint64) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	if err := s.Debit(from, amount); err != nil {
		return err
	}
	return s.Credit(to, amount)
}

// AdvanceNonce requires nonce to be exactly the next value for addr.
func (s *State) AdvanceNonce(addr Address, nonce uint64) error {
	acc, ok := s.Accounts[addr]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, addr)
	}
	if acc.Escrow != nil {
		return fmt.Errorf("%w: %s", ErrEscrowSignerRejected, addr)
	}
	if nonce != acc.Nonce+1 {
		return fmt.Errorf("invalid nonce: got %d want %d", nonce, acc.Nonce+1)
	}
	acc.Nonce = nonce
	return nil
}

func (s *State) CreateAsset(asset Asset) error {
	if asset.ID == "" {
		return errors.New("asset id is required")
	}
	if asset.Creator == "" {
		return errors.New("asset creator is required")
	}
	if asset.Total == 0 {
		return fmt.Errorf("%w: asset total must be > 0", ErrInvalidAmount)
	}
	if _, exists := s.Assets[asset.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAssetExists, asset.ID)
	}
	copied := asset
	s.Assets[asset.ID] = &copied
	creator := s.ensureAccount(asset.Creator)
	if creator.Holdings == nil {
		creator.Holdings = make(map[AssetID]Holding)
	}
	creator.Holdings[asset.ID] = Holding{Amount: asset.Total}
	return nil
}

func (s *State) ConfigureAsset(sender Address, id AssetID, cfg AssetConfig) error {
	asset, ok := s.Assets[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, id)
	}
	if asset.Manager == "" || asset.Manager != sender {
		return ErrNotManager
	}
	if cfg.Manager != nil {
		asset.Manager = *cfg.Manager
	}
	if cfg.Freeze != nil {
		asset.Freeze = *cfg.Freeze
	}
	if cfg.Clawback != nil {
		asset.Clawback = *cfg.Clawback
	}
	return nil
}

func (s *State) OptIn(addr Address, id AssetID) error {
	asset, ok := s.Assets[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, id)
	}
	acc := s.ensureAccount(addr)
	if acc.Holdings == nil {
		acc.Holdings = make(map[AssetID]Holding)
	}
	if _, exists := acc.Holdings[id]; exists {
		return nil
	}
	acc.Holdings[id] = Holding{Frozen: asset.DefaultFrozen}
	return nil
}

func (s *State) IsOptedIn(addr Address, id AssetID) bool {
	acc, ok := s.Accounts[addr]
	if !ok {
		return false
	}
	_, ok = acc.Holdings[id]
	return ok
}

// CloseOut removes the holding of addr, moving any remainder to closeTo or,
// when closeTo is empty, back to the asset creator.
func (s *State) CloseOut(addr Address, id AssetID, closeTo Address) error {
	asset, ok := s.Assets[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, id)
	}
	if asset.Creator == addr {
		return ErrCreatorCloseOut
	}
	holding, err := s.holding(addr, id)
	if err != nil {
		return err
	}
	if holding.Frozen {
		return ErrHoldingFrozen
	}
	if closeTo == "" {
		closeTo = asset.Creator
	}
	if holding.Amount > 0 {
		if err := s.Transfer(id, addr, closeTo, holding.Amount); err != nil {
			return err
		}
	}
	delete(s.Accounts[addr].Holdings, id)
	return nil
}

func (s *State) SetFrozen(sender Address, id AssetID, target Address, frozen bool) error {
	asset, ok := s.Assets[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, id)
	}
	if asset.Freeze == "" || asset.Freeze != sender {
		return ErrNotFreezeAuthority
	}
	holding, err := s.holding(target, id)
	if err != nil {
		return err
	}
	holding.Frozen = frozen
	s.Accounts[target].Holdings[id] = holding
	return nil
}

func (s *State) HoldingOf(addr Address, id AssetID) (Holding, bool) {
	acc, ok := s.Accounts[addr]
	if !ok {
		return Holding{}, false
	}
	h, ok := acc.Holdings[id]
	return h, ok
}

func (s *State) AssetBalance(addr Address, id AssetID) uint64 {
	h, _ := s.HoldingOf(addr, id)
	return h.Amount
}

// Transfer moves units between two unfrozen holdings.
func (s *State) Transfer(id AssetID, from, to Address, amount uint64) error {
	if _, ok := s.Assets[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, id)
	}
	src, err := s.holding(from, id)
	if err != nil {
		return err
	}
	dst, err := s.holding(to, id)
	if err != nil {
		return err
	}
	if src.Frozen || dst.Frozen {
		return ErrHoldingFrozen
	}
	return s.move(id, from, to, amount)
}

// Clawback moves units on behalf of the asset clawback, ignoring frozen
// flags on both sides.
func (s *State) Clawback(id AssetID, authority, from, to Address, amount uint64) error {
	asset, ok := s.Assets[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, id)
	}
	if asset.Clawback == "" || asset.Clawback != authority {
		return ErrNotClawback
	}
	if _, err := s.holding(from, id); err != nil {
		return err
	}
	if _, err := s.holding(to, id); err != nil {
		return err
	}
	return s.move(id, from, to, amount)
}

func (s *State) move(id AssetID, from, to Address, amount uint64) error {
	src := s.Accounts[from].Holdings[id]
	if src.Amount < amount {
		return fmt.Errorf("%w: %s has %d of %s need %d", ErrInsufficientAsset, from, src.Amount, id, amount)
	}
	if from == to {
		return nil
	}
	dst := s.Accounts[to].Holdings[id]
	next, err := addUint64(dst.Amount, amount)
	if err != nil {
		return err
	}
	src.Amount -= amount
	dst.Amount = next
	s.Accounts[from].Holdings[id] = src
	s.Accounts[to].Holdings[id] = dst
	return nil
}

func (s *State) holding(addr Address, id AssetID) (Holding, error) {
	acc, ok := s.Accounts[addr]
	if !ok {
		return Holding{}, fmt.Errorf("%w: %s", ErrNotOptedIn, addr)
	}
	h, ok := acc.Holdings[id]
	if !ok {
		return Holding{}, fmt.Errorf("%w: %s %s", ErrNotOptedIn, addr, id)
	}
	return h, nil
}

func (s *State) BindEscrow(addr Address, binding EscrowBinding) error {
	acc := s.ensureAccount(addr)
	if acc.Escrow != nil {
		return fmt.Errorf("%w: %s", ErrEscrowAlreadyBound, addr)
	}
	copied := binding
	acc.Escrow = &copied
	return nil
}

func (s *State) EscrowOf(addr Address) (EscrowBinding, bool) {
	acc, ok := s.Accounts[addr]
	if !ok || acc.Escrow == nil {
		return EscrowBinding{}, false
	}
	return *acc.Escrow, true
}

// Checkpoint records the current contents of the given accounts so a
// failed multi-step update can be rolled back.
type Checkpoint struct {
	accounts map[Address]*Account
}

func (s *State) Checkpoint(addrs ...Address) Checkpoint {
	cp := Checkpoint{accounts: make(map[Address]*Account, len(addrs))}
	for _, addr := range addrs {
		if _, seen := cp.accounts[addr]; seen {
			continue
		}
		acc, ok := s.Accounts[addr]
		if !ok {
			cp.accounts[addr] = nil
			continue
		}
		copied := acc.clone()
		cp.accounts[addr] = &copied
	}
	return cp
}

func (s *State) Restore(cp Checkpoint) {
	for addr, acc := range cp.accounts {
		if acc == nil {
			delete(s.Accounts, addr)
			continue
		}
		copied := acc.clone()
		s.Accounts[addr] = &copied
	}
}

// Digest writes a canonical encoding of the state for state roots.
func (s *State) Digest(b *strings.Builder) {
	addrs := make([]string, 0, len(s.Accounts))
	for addr := range s.Accounts {
		addrs = append(addrs, string(addr))
	}
	sort.Strings(addrs)
	for _, raw := range addrs {
		acc := s.Accounts[Address(raw)]
		fmt.Fprintf(b, "%s:%d:%d", raw, acc.Balance, acc.Nonce)
		ids := make([]string, 0, len(acc.Holdings))
		for id := range acc.Holdings {
			ids = append(ids, string(id))
		}
		sort.Strings(ids)
		for _, id := range ids {
			h := acc.Holdings[AssetID(id)]
			fmt.Fprintf(b, ",%s=%d/%t", id, h.Amount, h.Frozen)
		}
		if acc.Escrow != nil {
			fmt.Fprintf(b, ",escrow=%s/%s", acc.Escrow.Instrument, acc.Escrow.Role)
		}
		b.WriteString(";")
	}

	ids := make([]string, 0, len(s.Assets))
	for id := range s.Assets {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	for _, id := range ids {
		a := s.Assets[AssetID(id)]
		fmt.Fprintf(b, "asset:%s:%d:%d:%s:%s:%s:%s:%t;", a.ID, a.Total, a.Decimals, a.Creator, a.Manager, a.Freeze, a.Clawback, a.DefaultFrozen)
	}
}

func addUint64(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrOverflow
	}
	return sum, nil
}
