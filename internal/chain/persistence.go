package chain

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	_ "modernc.org/sqlite"

	"greenbond/internal/bond"
	"greenbond/internal/ledger"
	"greenbond/internal/settlement"
)

const (
	snapshotVersion = 1
	sqliteStateKey  = "latest"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS chain_state (
  key TEXT PRIMARY KEY,
  version INTEGER NOT NULL,
  payload BLOB NOT NULL,
  updated_ms INTEGER NOT NULL
);`

type Snapshot struct {
	Version                int               `json:"version"`
	BlockIntervalMs        int64             `json:"blockIntervalMs"`
	MaxTxPerBlock          int               `json:"maxTxPerBlock"`
	MaxMempoolSize         int               `json:"maxMempoolSize"`
	MaxPendingTxPerAccount int               `json:"maxPendingTxPerAccount"`
	MaxMempoolTxAgeBlocks  uint64            `json:"maxMempoolTxAgeBlocks"`
	MinTxFee               uint64            `json:"minTxFee"`
	Proposer               Address           `json:"proposer"`
	LastFinalizedMs        int64             `json:"lastFinalizedMs"`
	ExpiredTxTotal         uint64            `json:"expiredTxTotal"`
	Ledger                 *ledger.State     `json:"ledger"`
	Bonds                  *bond.Book        `json:"bonds"`
	Mempool                []Transaction     `json:"mempool"`
	MempoolAddedHeight     map[string]uint64 `json:"mempoolAddedHeight,omitempty"`
	Blocks                 []Block           `json:"blocks"`
}

func (c *Chain) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	mempool := append([]Transaction(nil), c.mempool...)
	mempoolAddedHeight := make(map[string]uint64, len(c.mempoolAddedHeight))
	for id, h := range c.mempoolAddedHeight {
		mempoolAddedHeight[id] = h
	}
	blocks := make([]Block, 0, len(c.blocks))
	for _, b := range c.blocks {
		blocks = append(blocks, copyBlock(b))
	}

	return Snapshot{
		Version:                snapshotVersion,
		BlockIntervalMs:        c.blockInterval.Milliseconds(),
		MaxTxPerBlock:          c.maxTxPerBlock,
		MaxMempoolSize:         c.maxMempoolSize,
		MaxPendingTxPerAccount: c.maxPendingTxPerAccount,
		MaxMempoolTxAgeBlocks:  c.maxMempoolTxAgeBlocks,
		MinTxFee:               c.minTxFee,
		Proposer:               c.proposer,
		LastFinalizedMs:        c.lastFinalizedAt.UnixMilli(),
		ExpiredTxTotal:         c.expiredTxTotal,
		Ledger:                 c.state.ledger.Clone(),
		Bonds:                  c.state.book.Clone(),
		Mempool:                mempool,
		MempoolAddedHeight:     mempoolAddedHeight,
		Blocks:                 blocks,
	}
}

// SaveSnapshot writes the chain as indented JSON to path on the chain's
// filesystem, replacing any previous snapshot atomically.
func (c *Chain) SaveSnapshot(path string) error {
	if path == "" {
		return errors.New("snapshot path is required")
	}
	data, err := c.snapshotJSON(true)
	if err != nil {
		return err
	}
	return writeFileAtomic(c.fs, path, data)
}

func writeFileAtomic(fs afero.Fs, path string, data []byte) error {
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := afero.WriteFile(fs, tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := fs.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads a JSON snapshot from cfg.FS, or the OS filesystem when
// cfg.FS is nil.
func LoadSnapshot(path string, cfg Config) (*Chain, error) {
	if path == "" {
		return nil, errors.New("snapshot path is required")
	}
	fs := cfg.FS
	if fs == nil {
		fs = afero.NewOsFs()
	}
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	ss, err := decodeSnapshotJSON(data)
	if err != nil {
		return nil, err
	}
	return chainFromSnapshot(ss, cfg)
}

func LoadSnapshotBytes(data []byte, cfg Config) (*Chain, error) {
	if len(data) == 0 {
		return nil, errors.New("snapshot data is empty")
	}
	ss, err := decodeSnapshotJSON(data)
	if err != nil {
		return nil, err
	}
	return chainFromSnapshot(ss, cfg)
}

func (c *Chain) SaveSQLiteSnapshot(path string) error {
	if path == "" {
		return errors.New("sqlite state path is required")
	}

	data, err := c.snapshotJSON(false)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create sqlite state dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open sqlite state: %w", err)
	}
	defer db.Close()

	if _, err := db.Exec(sqliteSchema); err != nil {
		return fmt.Errorf("ensure sqlite schema: %w", err)
	}
	if _, err := db.Exec(
		`INSERT INTO chain_state (key, version, payload, updated_ms)
         VALUES (?, ?, ?, ?)
         ON CONFLICT(key) DO UPDATE SET
         version = excluded.version,
         payload = excluded.payload,
         updated_ms = excluded.updated_ms`,
		sqliteStateKey,
		snapshotVersion,
		data,
		time.Now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("write sqlite snapshot: %w", err)
	}
	return nil
}

func LoadSQLiteSnapshot(path string, cfg Config) (*Chain, error) {
	if path == "" {
		return nil, errors.New("sqlite state path is required")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite state: %w", err)
	}
	defer db.Close()

	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("ensure sqlite schema: %w", err)
	}

	var data []byte
	err = db.QueryRow(`SELECT payload FROM chain_state WHERE key = ?`, sqliteStateKey).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.New("sqlite state has no snapshot")
	}
	if err != nil {
		return nil, fmt.Errorf("read sqlite snapshot: %w", err)
	}

	ss, err := decodeSnapshotJSON(data)
	if err != nil {
		return nil, err
	}
	return chainFromSnapshot(ss, cfg)
}

func (c *Chain) snapshotJSON(pretty bool) ([]byte, error) {
	ss := c.Snapshot()
	var (
		data []byte
		err  error
	)
	if pretty {
		data, err = json.MarshalIndent(ss, "", "  ")
	} else {
		data, err = json.Marshal(ss)
	}
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}

func decodeSnapshotJSON(data []byte) (Snapshot, error) {
	var ss Snapshot
	if err := json.Unmarshal(data, &ss); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if ss.Version != snapshotVersion {
		return Snapshot{}, fmt.Errorf("unsupported snapshot version %d", ss.Version)
	}
	return ss, nil
}

// restoreWorldState rebuilds the maps JSON leaves nil for empty objects.
func restoreWorldState(ss Snapshot) *worldState {
	st := ss.Ledger
	if st == nil {
		st = ledger.NewState()
	}
	if st.Accounts == nil {
		st.Accounts = make(map[ledger.Address]*ledger.Account)
	}
	if st.Assets == nil {
		st.Assets = make(map[ledger.AssetID]*ledger.Asset)
	}
	book := ss.Bonds
	if book == nil {
		book = bond.NewBook()
	}
	if book.Instruments == nil {
		book.Instruments = make(map[string]*bond.Instrument)
	}
	for _, inst := range book.Instruments {
		if inst.Holders == nil {
			inst.Holders = make(map[ledger.Address]bond.HolderState)
		}
	}
	return &worldState{ledger: st, book: book}
}

func chainFromSnapshot(ss Snapshot, cfg Config) (*Chain, error) {
	if len(ss.Blocks) == 0 {
		return nil, errors.New("snapshot has no blocks")
	}

	for i, block := range ss.Blocks {
		if block.Height != uint64(i) {
			return nil, fmt.Errorf("invalid block height at index %d: got %d", i, block.Height)
		}
	}

	if cfg.BlockInterval <= 0 && ss.BlockIntervalMs > 0 {
		cfg.BlockInterval = time.Duration(ss.BlockIntervalMs) * time.Millisecond
	}
	if cfg.MaxTxPerBlock <= 0 {
		cfg.MaxTxPerBlock = ss.MaxTxPerBlock
	}
	if cfg.MaxMempoolSize <= 0 {
		cfg.MaxMempoolSize = ss.MaxMempoolSize
	}
	if cfg.MaxPendingTxPerAccount <= 0 {
		cfg.MaxPendingTxPerAccount = ss.MaxPendingTxPerAccount
	}
	if cfg.MaxMempoolTxAgeBlocks == 0 {
		cfg.MaxMempoolTxAgeBlocks = ss.MaxMempoolTxAgeBlocks
	}
	if cfg.MinTxFee == 0 {
		cfg.MinTxFee = ss.MinTxFee
	}
	if cfg.Proposer == "" {
		cfg.Proposer = ss.Proposer
	}
	cfg.applyDefaults()
	if cfg.Proposer == "" {
		return nil, ErrNoProposer
	}

	engine := bond.NewEngine(settlement.NewCoordinator(cfg.MinTxFee))
	c := newChain(cfg, engine, restoreWorldState(ss))
	c.blocks = append(c.blocks, ss.Blocks...)
	c.expiredTxTotal = ss.ExpiredTxTotal
	if ss.LastFinalizedMs > 0 {
		c.lastFinalizedAt = time.UnixMilli(ss.LastFinalizedMs)
	}

	c.mempool = append(c.mempool, ss.Mempool...)
	currentHeight := uint64(len(c.blocks))
	for _, tx := range c.mempool {
		txID := tx.ID()
		c.mempoolSet[txID] = struct{}{}
		addedHeight, ok := ss.MempoolAddedHeight[txID]
		if !ok {
			addedHeight = currentHeight
		}
		c.mempoolAddedHeight[txID] = addedHeight
	}
	c.mempoolPeak = len(c.mempool)

	if err := c.validateLoadedBlocks(); err != nil {
		return nil, err
	}
	c.rebuildTxIndexLocked()
	c.rebuildMempoolLocked(map[string]struct{}{})
	return c, nil
}

func (c *Chain) validateLoadedBlocks() error {
	if len(c.blocks) == 0 {
		return errors.New("loaded chain has no blocks")
	}
	for i, block := range c.blocks {
		expected := c.hashBlock(block)
		if block.Hash != expected {
			return fmt.Errorf("block hash mismatch at height %d", block.Height)
		}
		if i == 0 {
			if block.Height != 0 {
				return errors.New("genesis block height must be 0")
			}
			continue
		}
		if block.PrevHash != c.blocks[i-1].Hash {
			return fmt.Errorf("block %d has invalid prev hash", block.Height)
		}
	}
	head := c.blocks[len(c.blocks)-1]
	if root := c.state.root(); root != head.StateRoot {
		return fmt.Errorf("%w: head %s state %s", ErrStateRootMismatch, shortHash(head.StateRoot), shortHash(root))
	}
	return nil
}
