package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"greenbond/internal/bond"
	"greenbond/internal/ledger"
	"greenbond/internal/settlement"
)

var (
	ErrNoProposer                  = errors.New("no block proposer configured")
	ErrTxFeeTooLow                 = errors.New("transaction fee below minimum")
	ErrMempoolFull                 = errors.New("mempool is full")
	ErrMempoolAccountLimit         = errors.New("account pending transaction limit reached")
	ErrMempoolInvariantBroken      = errors.New("mempool invariant broken")
	ErrDuplicateTransaction        = errors.New("duplicate transaction")
	ErrTransactionAlreadyFinalized = errors.New("transaction already finalized")
	ErrReservedAsset               = errors.New("asset id prefix is reserved for bonds")
	ErrAlreadyOptedIn              = errors.New("account already opted in to asset")
	ErrUnknownAccount              = errors.New("unknown account")
	ErrStateRootMismatch           = errors.New("state root mismatch")
)

const (
	defaultMaxPendingPerAccount         = 64
	defaultMaxMempoolTxAgeBlocks uint64 = 120
)

// GenesisHolding moves Amount of Asset from the asset creator to Address at
// genesis, opting Address in first.
type GenesisHolding struct {
	Address Address        `json:"address" yaml:"address"`
	Asset   ledger.AssetID `json:"asset" yaml:"asset"`
	Amount  uint64         `json:"amount" yaml:"amount"`
}

type GenesisBond struct {
	ID      string     `json:"id" yaml:"id"`
	Creator Address    `json:"creator" yaml:"creator"`
	Terms   bond.Terms `json:"terms" yaml:"terms"`
}

type Config struct {
	BlockInterval          time.Duration
	GenesisTimestampMs     int64
	MaxTxPerBlock          int
	MaxMempoolSize         int
	MaxPendingTxPerAccount int
	MaxMempoolTxAgeBlocks  uint64
	MinTxFee               uint64
	Proposer               Address
	GenesisAccounts        map[Address]uint64
	GenesisAssets          []ledger.Asset
	GenesisHoldings        []GenesisHolding
	GenesisBonds           []GenesisBond
	// FS holds JSON snapshots. Defaults to the OS filesystem.
	FS           afero.Fs
	FinalizeHook func(Block)
}

type txIndexRecord struct {
	Location FinalizedTxLocation
	Tx       Transaction
	Receipt  *settlement.Receipt
}

type Chain struct {
	mu                     sync.RWMutex
	state                  *worldState
	engine                 *bond.Engine
	proposer               Address
	fs                     afero.Fs
	mempool                []Transaction
	mempoolSet             map[string]struct{}
	mempoolAddedHeight     map[string]uint64
	blocks                 []Block
	txIndex                map[string]txIndexRecord
	blockInterval          time.Duration
	maxTxPerBlock          int
	maxMempoolSize         int
	maxPendingTxPerAccount int
	maxMempoolTxAgeBlocks  uint64
	minTxFee               uint64
	finalizeHook           func(Block)
	lastFinalizedAt        time.Time

	submittedTxTotal     uint64
	rejectedTxTotal      uint64
	evictedTxTotal       uint64
	expiredTxTotal       uint64
	includedTxTotal      uint64
	finalizedBlocksTotal uint64
	failedProduceTotal   uint64
	totalFeesCollected   uint64
	settlementsTotal     uint64
	settlementLegsTotal  uint64
	mempoolPeak          int
}

func (cfg *Config) applyDefaults() {
	if cfg.BlockInterval <= 0 {
		cfg.BlockInterval = 2 * time.Second
	}
	if cfg.MaxTxPerBlock <= 0 {
		cfg.MaxTxPerBlock = 1000
	}
	if cfg.MaxMempoolSize <= 0 {
		cfg.MaxMempoolSize = 20_000
	}
	if cfg.MaxPendingTxPerAccount <= 0 {
		cfg.MaxPendingTxPerAccount = defaultMaxPendingPerAccount
	}
	if cfg.MaxMempoolTxAgeBlocks == 0 {
		cfg.MaxMempoolTxAgeBlocks = defaultMaxMempoolTxAgeBlocks
	}
	if cfg.MinTxFee == 0 {
		cfg.MinTxFee = 1
	}
	if cfg.FS == nil {
		cfg.FS = afero.NewOsFs()
	}
}

func New(cfg Config) (*Chain, error) {
	cfg.applyDefaults()
	if cfg.Proposer == "" {
		return nil, ErrNoProposer
	}

	genesisTimestamp := cfg.GenesisTimestampMs
	if genesisTimestamp <= 0 {
		genesisTimestamp = time.Now().UnixMilli()
	}
	engine := bond.NewEngine(settlement.NewCoordinator(cfg.MinTxFee))
	state, err := buildGenesisState(engine, cfg, genesisTimestamp/1000)
	if err != nil {
		return nil, err
	}

	c := newChain(cfg, engine, state)
	genesis := Block{
		Height:    0,
		PrevHash:  "",
		Timestamp: genesisTimestamp,
		Proposer:  "genesis",
		StateRoot: state.root(),
		Finalized: true,
	}
	genesis.Hash = c.hashBlock(genesis)
	c.blocks = append(c.blocks, genesis)
	c.rebuildTxIndexLocked()

	return c, nil
}

func newChain(cfg Config, engine *bond.Engine, state *worldState) *Chain {
	return &Chain{
		state:                  state,
		engine:                 engine,
		proposer:               cfg.Proposer,
		fs:                     cfg.FS,
		mempool:                make([]Transaction, 0),
		mempoolSet:             make(map[string]struct{}),
		mempoolAddedHeight:     make(map[string]uint64),
		blocks:                 make([]Block, 0, 1024),
		txIndex:                make(map[string]txIndexRecord),
		blockInterval:          cfg.BlockInterval,
		maxTxPerBlock:          cfg.MaxTxPerBlock,
		maxMempoolSize:         cfg.MaxMempoolSize,
		maxPendingTxPerAccount: cfg.MaxPendingTxPerAccount,
		maxMempoolTxAgeBlocks:  cfg.MaxMempoolTxAgeBlocks,
		minTxFee:               cfg.MinTxFee,
		finalizeHook:           cfg.FinalizeHook,
		lastFinalizedAt:        time.Now(),
	}
}

func buildGenesisState(engine *bond.Engine, cfg Config, now int64) (*worldState, error) {
	state := newWorldState()
	if err := state.ledger.Credit(cfg.Proposer, 0); err != nil {
		return nil, err
	}

	addrs := make([]string, 0, len(cfg.GenesisAccounts))
	for addr := range cfg.GenesisAccounts {
		addrs = append(addrs, string(addr))
	}
	sort.Strings(addrs)
	for _, addr := range addrs {
		if err := state.ledger.Credit(Address(addr), cfg.GenesisAccounts[Address(addr)]); err != nil {
			return nil, fmt.Errorf("genesis account %s: %w", addr, err)
		}
	}
	for _, asset := range cfg.GenesisAssets {
		if strings.HasPrefix(string(asset.ID), reservedAssetPrefix) {
			return nil, fmt.Errorf("genesis asset %s: %w", asset.ID, ErrReservedAsset)
		}
		if err := state.ledger.CreateAsset(asset); err != nil {
			return nil, fmt.Errorf("genesis asset %s: %w", asset.ID, err)
		}
	}
	for _, h := range cfg.GenesisHoldings {
		asset, ok := state.ledger.Asset(h.Asset)
		if !ok {
			return nil, fmt.Errorf("genesis holding %s: %w: %s", h.Address, ledger.ErrUnknownAsset, h.Asset)
		}
		if err := state.ledger.OptIn(h.Address, h.Asset); err != nil {
			return nil, fmt.Errorf("genesis holding %s: %w", h.Address, err)
		}
		if h.Amount == 0 {
			continue
		}
		if err := state.ledger.Transfer(h.Asset, asset.Creator, h.Address, h.Amount); err != nil {
			return nil, fmt.Errorf("genesis holding %s: %w", h.Address, err)
		}
	}
	for _, gb := range cfg.GenesisBonds {
		if _, err := engine.Issue(state.book, state.ledger, bond.IssueRequest{
			ID:      gb.ID,
			Creator: gb.Creator,
			Terms:   gb.Terms,
			Now:     now,
			Genesis: true,
		}); err != nil {
			return nil, fmt.Errorf("genesis bond %s: %w", gb.ID, err)
		}
	}
	return state, nil
}

func (c *Chain) Start(ctx context.Context, logf func(format string, args ...any)) {
	ticker := time.NewTicker(c.blockInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				block, err := c.ProduceOnce()
				if err != nil {
					if logf != nil {
						logf("produce block failed: %v", err)
					}
					continue
				}
				if logf != nil {
					logf("finalized block height=%d txs=%d settlements=%d hash=%s", block.Height, len(block.Transactions), len(block.Receipts), shortHash(block.Hash))
				}
				hook := c.getFinalizeHook()
				if hook != nil {
					hook(block)
				}
			}
		}
	}()
}

func (c *Chain) ProduceOnce() (Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	success := false
	defer func() {
		if !success {
			c.failedProduceTotal++
		}
	}()

	if len(c.blocks) == 0 {
		return Block{}, errors.New("chain has no genesis block")
	}

	height := uint64(len(c.blocks))
	prevHash := c.blocks[len(c.blocks)-1].Hash
	c.pruneStaleMempoolLocked()

	working := c.state.clone()
	blockTimestamp := c.nextBlockTimestampLocked()
	candidates := c.sortedMempoolCandidatesLocked(height)
	included := make([]Transaction, 0, min(c.maxTxPerBlock, len(candidates)))
	receipts := make([]settlement.Receipt, 0)
	includedIDs := make(map[string]struct{}, len(candidates))
	dropIDs := make(map[string]struct{})
	var fees uint64

	remaining := append([]Transaction(nil), candidates...)
	for len(remaining) > 0 && len(included) < c.maxTxPerBlock {
		nextRemaining := make([]Transaction, 0, len(remaining))
		progressed := false
		for _, tx := range remaining {
			if len(included) >= c.maxTxPerBlock {
				nextRemaining = append(nextRemaining, tx)
				continue
			}
			txID := tx.ID()
			if _, alreadyIncluded := includedIDs[txID]; alreadyIncluded {
				continue
			}
			if _, dropped := dropIDs[txID]; dropped {
				continue
			}
			if err := c.validateTxBasic(tx); err != nil {
				dropIDs[txID] = struct{}{}
				continue
			}
			receipt, err := applyTx(c.engine, working, tx, blockTimestamp)
			if err != nil {
				// a later nonce may become valid once an earlier one lands
				nextRemaining = append(nextRemaining, tx)
				continue
			}
			progressed = true
			includedIDs[txID] = struct{}{}
			included = append(included, tx)
			if receipt != nil {
				receipts = append(receipts, *receipt)
			}
			fees += tx.Fee
		}
		remaining = nextRemaining
		if !progressed {
			break
		}
	}

	if err := working.ledger.Credit(c.proposer, fees); err != nil {
		return Block{}, fmt.Errorf("credit proposer fees: %w", err)
	}

	block := Block{
		Height:       height,
		PrevHash:     prevHash,
		Timestamp:    blockTimestamp,
		Proposer:     string(c.proposer),
		Transactions: included,
		StateRoot:    working.root(),
		Finalized:    true,
	}
	if len(receipts) > 0 {
		block.Receipts = receipts
	}
	block.Hash = c.hashBlock(block)

	c.state = working
	c.blocks = append(c.blocks, block)
	c.indexFinalizedBlockTxsLocked(block)
	c.lastFinalizedAt = time.Now()
	c.finalizedBlocksTotal++
	c.includedTxTotal += uint64(len(included))
	c.totalFeesCollected += fees
	for _, r := range receipts {
		c.settlementsTotal++
		c.settlementLegsTotal += uint64(len(r.Legs))
	}
	c.rebuildMempoolLocked(mergeIDSets(includedIDs, dropIDs))
	success = true

	return block, nil
}

func (c *Chain) SubmitTx(tx Transaction) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.validateTxBasic(tx); err != nil {
		c.rejectedTxTotal++
		return "", err
	}
	if tx.Fee < c.minTxFee {
		c.rejectedTxTotal++
		return "", fmt.Errorf("%w: got %d want >= %d", ErrTxFeeTooLow, tx.Fee, c.minTxFee)
	}
	c.pruneStaleMempoolLocked()

	txID := tx.ID()
	if _, exists := c.mempoolSet[txID]; exists {
		c.rejectedTxTotal++
		return "", fmt.Errorf("%w: %s", ErrDuplicateTransaction, txID)
	}
	if _, exists := c.txIndex[txID]; exists {
		c.rejectedTxTotal++
		return "", fmt.Errorf("%w: %s", ErrTransactionAlreadyFinalized, txID)
	}
	if c.maxPendingTxPerAccount > 0 {
		pendingForAccount := c.pendingCountForAccountLocked(tx.From)
		if pendingForAccount >= c.maxPendingTxPerAccount {
			c.rejectedTxTotal++
			return "", fmt.Errorf("%w: account=%s pending=%d limit=%d", ErrMempoolAccountLimit, tx.From, pendingForAccount, c.maxPendingTxPerAccount)
		}
	}

	// A full pool evicts only after the incoming tx applies on the pool
	// without the evicted one.
	pool := c.mempool
	evictIndex := -1
	if len(c.mempool) >= c.maxMempoolSize {
		index, lowestFee, ok := c.findEvictionCandidateLocked(tx.Fee)
		if !ok {
			c.rejectedTxTotal++
			return "", fmt.Errorf("%w: tx fee %d cannot replace lowest compatible fee %d", ErrMempoolFull, tx.Fee, lowestFee)
		}
		evictIndex = index
		pool = make([]Transaction, 0, len(c.mempool))
		pool = append(pool, c.mempool[:index]...)
		pool = append(pool, c.mempool[index+1:]...)
	}

	pending, err := c.replayLocked(pool)
	if err != nil {
		c.rejectedTxTotal++
		return "", fmt.Errorf("%w: %v", ErrMempoolInvariantBroken, err)
	}
	if _, err := applyTx(c.engine, pending, tx, c.nextBlockTimestampLocked()); err != nil {
		c.rejectedTxTotal++
		return "", err
	}

	if evictIndex >= 0 {
		evictedID := c.mempool[evictIndex].ID()
		delete(c.mempoolSet, evictedID)
		delete(c.mempoolAddedHeight, evictedID)
		c.evictedTxTotal++
	}
	nextHeight := uint64(len(c.blocks))
	c.mempool = append(pool, tx)
	c.mempoolSet[txID] = struct{}{}
	c.mempoolAddedHeight[txID] = nextHeight
	c.submittedTxTotal++
	if len(c.mempool) > c.mempoolPeak {
		c.mempoolPeak = len(c.mempool)
	}
	return txID, nil
}

// pendingStateLocked replays the mempool on a copy of the committed state.
func (c *Chain) pendingStateLocked() (*worldState, error) {
	return c.replayLocked(c.mempool)
}

func (c *Chain) replayLocked(pool []Transaction) (*worldState, error) {
	pending := c.state.clone()
	blockTimestamp := c.nextBlockTimestampLocked()
	for _, tx := range pool {
		if _, err := applyTx(c.engine, pending, tx, blockTimestamp); err != nil {
			return nil, err
		}
	}
	return pending, nil
}

func (c *Chain) NextNonce(address Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneStaleMempoolLocked()

	pending, err := c.pendingStateLocked()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMempoolInvariantBroken, err)
	}
	acc, ok := pending.ledger.Account(address)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAccount, address)
	}
	return acc.Nonce + 1, nil
}

func (c *Chain) GetStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	head := c.blocks[len(c.blocks)-1]
	return Status{
		Height:          head.Height,
		HeadHash:        head.Hash,
		HeadTimestamp:   head.Timestamp,
		MempoolSize:     len(c.mempool),
		LastFinalizedMs: c.lastFinalizedAt.UnixMilli(),
		Proposer:        c.proposer,
		Instruments:     len(c.state.book.Instruments),
	}
}

func (c *Chain) GetMetrics() Metrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	head := c.blocks[len(c.blocks)-1]
	return Metrics{
		Height:               head.Height,
		MempoolSize:          len(c.mempool),
		MempoolPeak:          c.mempoolPeak,
		SubmittedTxTotal:     c.submittedTxTotal,
		RejectedTxTotal:      c.rejectedTxTotal,
		EvictedTxTotal:       c.evictedTxTotal,
		ExpiredTxTotal:       c.expiredTxTotal,
		IncludedTxTotal:      c.includedTxTotal,
		FinalizedBlocksTotal: c.finalizedBlocksTotal,
		FailedProduceTotal:   c.failedProduceTotal,
		TotalFeesCollected:   c.totalFeesCollected,
		SettlementsTotal:     c.settlementsTotal,
		SettlementLegsTotal:  c.settlementLegsTotal,
		InstrumentsCount:     len(c.state.book.Instruments),
		AssetsCount:          len(c.state.ledger.Assets),
		LastFinalizedMs:      c.lastFinalizedAt.UnixMilli(),
	}
}

func (c *Chain) BlockInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blockInterval
}

func (c *Chain) MinTxFee() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.minTxFee
}

func (c *Chain) GetAccount(address Address) (Account, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.ledger.Account(address)
}

func (c *Chain) GetAsset(id ledger.AssetID) (ledger.Asset, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.ledger.Asset(id)
}

func (c *Chain) GetAssets() []ledger.Asset {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]ledger.Asset, 0, len(c.state.ledger.Assets))
	for _, asset := range c.state.ledger.Assets {
		out = append(out, *asset)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Chain) GetBond(id string) (bond.Instrument, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.book.Get(id)
}

func (c *Chain) GetBonds() []bond.Instrument {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.book.List()
}

func (c *Chain) GetBondHolder(id string, address Address) (bond.HolderState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.book.Holder(id, address)
}

// GetBondStatus reports the instrument at the head block time.
func (c *Chain) GetBondStatus(id string) (bond.Status, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	head := c.blocks[len(c.blocks)-1]
	return c.state.book.Status(c.state.ledger, id, head.Timestamp/1000)
}

func (c *Chain) GetBlocks(from, limit int) []Block {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if from < 0 {
		from = 0
	}
	if limit <= 0 {
		limit = 20
	}
	if from >= len(c.blocks) {
		return nil
	}
	to := from + limit
	if to > len(c.blocks) {
		to = len(c.blocks)
	}

	result := make([]Block, 0, to-from)
	for _, b := range c.blocks[from:to] {
		result = append(result, copyBlock(b))
	}
	return result
}

func copyBlock(b Block) Block {
	copied := b
	if len(b.Transactions) > 0 {
		copied.Transactions = append([]Transaction(nil), b.Transactions...)
	}
	if len(b.Receipts) > 0 {
		copied.Receipts = append([]settlement.Receipt(nil), b.Receipts...)
	}
	return copied
}

func (c *Chain) GetTransaction(txID string) (TransactionLookup, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	target := strings.TrimSpace(txID)
	if target == "" {
		return TransactionLookup{}, false
	}

	for idx, tx := range c.mempool {
		if tx.ID() != target {
			continue
		}
		mempoolIndex := idx
		return TransactionLookup{
			TxID:         target,
			State:        TxStatePending,
			Transaction:  tx,
			MempoolIndex: &mempoolIndex,
		}, true
	}

	record, ok := c.txIndex[target]
	if !ok {
		return TransactionLookup{}, false
	}
	return record.lookup(target), true
}

func (r txIndexRecord) lookup(txID string) TransactionLookup {
	location := r.Location
	return TransactionLookup{
		TxID:        txID,
		State:       TxStateFinalized,
		Transaction: r.Tx,
		Finalized:   &location,
		Receipt:     r.Receipt,
	}
}

func (c *Chain) GetFinalizedTransactions() []TransactionLookup {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]TransactionLookup, 0, len(c.txIndex))
	for txID, record := range c.txIndex {
		out = append(out, record.lookup(txID))
	}
	sort.SliceStable(out, func(i, j int) bool {
		left := out[i].Finalized
		right := out[j].Finalized
		if left.Height != right.Height {
			return left.Height < right.Height
		}
		if left.TxIndex != right.TxIndex {
			return left.TxIndex < right.TxIndex
		}
		return out[i].TxID < out[j].TxID
	})
	return out
}

func (c *Chain) GetPendingTransactions() []PendingTransaction {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]PendingTransaction, 0, len(c.mempool))
	for _, tx := range c.mempool {
		txID := tx.ID()
		out = append(out, PendingTransaction{
			TxID:        txID,
			AddedHeight: c.mempoolAddedHeight[txID],
			Transaction: tx,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].AddedHeight != out[j].AddedHeight {
			return out[i].AddedHeight < out[j].AddedHeight
		}
		if out[i].Transaction.Timestamp != out[j].Transaction.Timestamp {
			return out[i].Transaction.Timestamp < out[j].Transaction.Timestamp
		}
		return out[i].TxID < out[j].TxID
	})
	return out
}

func (c *Chain) rebuildTxIndexLocked() {
	c.txIndex = make(map[string]txIndexRecord)
	for _, block := range c.blocks {
		c.indexFinalizedBlockTxsLocked(block)
	}
}

func (c *Chain) indexFinalizedBlockTxsLocked(block Block) {
	receipts := make(map[string]settlement.Receipt, len(block.Receipts))
	for _, r := range block.Receipts {
		receipts[r.PlanID] = r
	}
	for idx, tx := range block.Transactions {
		txID := tx.ID()
		record := txIndexRecord{
			Location: FinalizedTxLocation{
				Height:    block.Height,
				BlockHash: block.Hash,
				Timestamp: block.Timestamp,
				TxIndex:   idx,
			},
			Tx: tx,
		}
		if r, ok := receipts[settlement.PlanID(txID)]; ok {
			record.Receipt = &r
		}
		c.txIndex[txID] = record
	}
}

func (c *Chain) SetFinalizeHook(hook func(Block)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finalizeHook = hook
}

func (c *Chain) validateTxBasic(tx Transaction) error {
	if tx.From == "" {
		return errors.New("missing from")
	}
	if tx.Timestamp <= 0 {
		return errors.New("timestamp must be > 0")
	}
	if tx.Nonce == 0 {
		return errors.New("nonce must be > 0")
	}
	if err := validateTxFields(tx); err != nil {
		return err
	}
	if err := VerifyTransactionSignature(tx); err != nil {
		return fmt.Errorf("invalid tx signature: %w", err)
	}
	return nil
}

func (c *Chain) hashBlock(block Block) string {
	txIDs := make([]string, 0, len(block.Transactions))
	for _, tx := range block.Transactions {
		txIDs = append(txIDs, tx.ID())
	}
	payload := fmt.Sprintf(
		"%d|%s|%d|%s|%s|%s",
		block.Height,
		block.PrevHash,
		block.Timestamp,
		block.Proposer,
		strings.Join(txIDs, ","),
		block.StateRoot,
	)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

func (c *Chain) rebuildMempoolLocked(excluded map[string]struct{}) {
	state := c.state.clone()
	blockTimestamp := c.nextBlockTimestampLocked()
	nextHeight := uint64(len(c.blocks))
	filtered := make([]Transaction, 0, len(c.mempool))
	nextSet := make(map[string]struct{}, len(c.mempool))
	nextAdded := make(map[string]uint64, len(c.mempool))

	for _, tx := range c.mempool {
		txID := tx.ID()
		if _, skip := excluded[txID]; skip {
			continue
		}
		if c.isTxStaleLocked(txID, nextHeight) {
			c.expiredTxTotal++
			continue
		}
		if err := c.validateTxBasic(tx); err != nil {
			continue
		}
		if _, err := applyTx(c.engine, state, tx, blockTimestamp); err != nil {
			continue
		}
		filtered = append(filtered, tx)
		nextSet[txID] = struct{}{}
		added := c.mempoolAddedHeight[txID]
		if added == 0 {
			added = nextHeight
		}
		nextAdded[txID] = added
	}
	c.mempool = filtered
	c.mempoolSet = nextSet
	c.mempoolAddedHeight = nextAdded
	if len(c.mempool) > c.mempoolPeak {
		c.mempoolPeak = len(c.mempool)
	}
}

func shortHash(h string) string {
	if len(h) <= 10 {
		return h
	}
	return h[:10]
}

func (c *Chain) getFinalizeHook() func(Block) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.finalizeHook
}

func (c *Chain) nextBlockTimestampLocked() int64 {
	if len(c.blocks) == 0 {
		return time.Now().UnixMilli()
	}
	stepMs := c.blockInterval.Milliseconds()
	if stepMs <= 0 {
		stepMs = 1
	}
	return c.blocks[len(c.blocks)-1].Timestamp + stepMs
}

func (c *Chain) sortedMempoolCandidatesLocked(nextHeight uint64) []Transaction {
	candidates := make([]Transaction, 0, len(c.mempool))
	for _, tx := range c.mempool {
		if c.isTxStaleLocked(tx.ID(), nextHeight) {
			continue
		}
		candidates = append(candidates, tx)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Fee == candidates[j].Fee {
			return candidates[i].Timestamp < candidates[j].Timestamp
		}
		return candidates[i].Fee > candidates[j].Fee
	})
	return candidates
}

func mergeIDSets(sets ...map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{})
	for _, s := range sets {
		for id := range s {
			out[id] = struct{}{}
		}
	}
	return out
}

func (c *Chain) findEvictionCandidateLocked(incomingFee uint64) (index int, fee uint64, ok bool) {
	if len(c.mempool) == 0 {
		return -1, 0, false
	}

	type candidate struct {
		index int
		fee   uint64
		ts    int64
	}
	candidates := make([]candidate, 0, len(c.mempool))
	lowestFee := c.mempool[0].Fee
	for i, tx := range c.mempool {
		if tx.Fee < lowestFee {
			lowestFee = tx.Fee
		}
		candidates = append(candidates, candidate{index: i, fee: tx.Fee, ts: tx.Timestamp})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].fee == candidates[j].fee {
			return candidates[i].ts < candidates[j].ts
		}
		return candidates[i].fee < candidates[j].fee
	})

	for _, cand := range candidates {
		if incomingFee <= cand.fee {
			continue
		}
		nextPool := make([]Transaction, 0, len(c.mempool)-1)
		nextPool = append(nextPool, c.mempool[:cand.index]...)
		nextPool = append(nextPool, c.mempool[cand.index+1:]...)
		if c.canApplyMempoolLocked(nextPool) {
			return cand.index, cand.fee, true
		}
	}
	return -1, lowestFee, false
}

// canApplyMempoolLocked reports whether pool still applies in order, so an
// eviction never strands a later nonce.
func (c *Chain) canApplyMempoolLocked(pool []Transaction) bool {
	state := c.state.clone()
	blockTimestamp := c.nextBlockTimestampLocked()
	for _, tx := range pool {
		if err := c.validateTxBasic(tx); err != nil {
			return false
		}
		if _, err := applyTx(c.engine, state, tx, blockTimestamp); err != nil {
			return false
		}
	}
	return true
}

func (c *Chain) pendingCountForAccountLocked(address Address) int {
	nextHeight := uint64(len(c.blocks))
	count := 0
	for _, tx := range c.mempool {
		if tx.From != address {
			continue
		}
		if c.isTxStaleLocked(tx.ID(), nextHeight) {
			continue
		}
		count++
	}
	return count
}

func (c *Chain) pruneStaleMempoolLocked() {
	if c.maxMempoolTxAgeBlocks == 0 || len(c.mempool) == 0 {
		return
	}
	nextHeight := uint64(len(c.blocks))
	filtered := make([]Transaction, 0, len(c.mempool))
	nextSet := make(map[string]struct{}, len(c.mempool))
	nextAdded := make(map[string]uint64, len(c.mempool))
	for _, tx := range c.mempool {
		txID := tx.ID()
		added, ok := c.mempoolAddedHeight[txID]
		if !ok {
			added = nextHeight
		}
		if c.isTxStaleLocked(txID, nextHeight) {
			c.expiredTxTotal++
			continue
		}
		filtered = append(filtered, tx)
		nextSet[txID] = struct{}{}
		nextAdded[txID] = added
	}
	c.mempool = filtered
	c.mempoolSet = nextSet
	c.mempoolAddedHeight = nextAdded
}

func (c *Chain) isTxStaleLocked(txID string, currentHeight uint64) bool {
	if c.maxMempoolTxAgeBlocks == 0 {
		return false
	}
	addedHeight, ok := c.mempoolAddedHeight[txID]
	if !ok || currentHeight < addedHeight {
		return false
	}
	expireHeight := addedHeight + c.maxMempoolTxAgeBlocks
	if expireHeight < addedHeight {
		return false
	}
	return currentHeight >= expireHeight
}
