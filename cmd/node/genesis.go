package main

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"greenbond/internal/bond"
	"greenbond/internal/chain"
	"greenbond/internal/ledger"
)

const (
	defaultGenesisTimestampMs int64 = 1_700_000_000_000

	demoStablecoin ledger.AssetID = "usdc"
	demoBondID                    = "green-demo"
)

type demoUser struct {
	Address    chain.Address
	PrivateKey string
}

type bootInfo struct {
	LoadedFromState bool
	StatePath       string
	GenesisSource   string
	DemoUsers       map[string]demoUser
}

// genesisFile is decoded with yaml.v3, so JSON genesis files load as well.
type genesisFile struct {
	GenesisTimestampMs int64                  `yaml:"genesisTimestampMs"`
	Proposer           chain.Address          `yaml:"proposer"`
	Accounts           map[string]uint64      `yaml:"accounts"`
	Assets             []genesisAsset         `yaml:"assets"`
	Holdings           []chain.GenesisHolding `yaml:"holdings"`
	Bonds              []chain.GenesisBond    `yaml:"bonds"`
}

type genesisAsset struct {
	ID            ledger.AssetID `yaml:"id"`
	Name          string         `yaml:"name"`
	UnitName      string         `yaml:"unitName"`
	Decimals      uint32         `yaml:"decimals"`
	Total         uint64         `yaml:"total"`
	Creator       chain.Address  `yaml:"creator"`
	Manager       chain.Address  `yaml:"manager"`
	Freeze        chain.Address  `yaml:"freeze"`
	Clawback      chain.Address  `yaml:"clawback"`
	DefaultFrozen bool           `yaml:"defaultFrozen"`
}

func (a genesisAsset) asset() ledger.Asset {
	return ledger.Asset{
		ID:            a.ID,
		Name:          a.Name,
		UnitName:      a.UnitName,
		Decimals:      a.Decimals,
		Total:         a.Total,
		Creator:       a.Creator,
		Manager:       a.Manager,
		Freeze:        a.Freeze,
		Clawback:      a.Clawback,
		DefaultFrozen: a.DefaultFrozen,
	}
}

func buildChain(cfg chain.Config, genesisPath, stateBackend, statePath string) (*chain.Chain, bootInfo, error) {
	loaded, err := loadChainState(cfg, stateBackend, statePath)
	if err != nil {
		return nil, bootInfo{}, fmt.Errorf("load %s state %s: %w", stateBackend, statePath, err)
	}
	if loaded != nil {
		return loaded, bootInfo{
			LoadedFromState: true,
			StatePath:       statePath,
			GenesisSource:   normalizeStateBackend(stateBackend),
		}, nil
	}

	gen, demoUsers, source, err := loadGenesis(genesisPath)
	if err != nil {
		return nil, bootInfo{}, err
	}
	gen.apply(&cfg)

	c, err := chain.New(cfg)
	if err != nil {
		return nil, bootInfo{}, fmt.Errorf("new chain from genesis: %w", err)
	}
	return c, bootInfo{
		StatePath:     statePath,
		GenesisSource: source,
		DemoUsers:     demoUsers,
	}, nil
}

func (gf genesisFile) apply(cfg *chain.Config) {
	cfg.GenesisTimestampMs = gf.GenesisTimestampMs
	cfg.Proposer = gf.Proposer
	cfg.GenesisAccounts = make(map[chain.Address]uint64, len(gf.Accounts))
	for addr, balance := range gf.Accounts {
		cfg.GenesisAccounts[chain.Address(addr)] = balance
	}
	cfg.GenesisAssets = make([]ledger.Asset, 0, len(gf.Assets))
	for _, a := range gf.Assets {
		cfg.GenesisAssets = append(cfg.GenesisAssets, a.asset())
	}
	cfg.GenesisHoldings = gf.Holdings
	cfg.GenesisBonds = gf.Bonds
}

func loadGenesis(path string) (genesisFile, map[string]demoUser, string, error) {
	if path == "" {
		gf, users, err := defaultGenesis()
		if err != nil {
			return genesisFile{}, nil, "", err
		}
		return gf, users, "built-in demo genesis", nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return genesisFile{}, nil, "", fmt.Errorf("read genesis file %s: %w", path, err)
	}
	var gf genesisFile
	if err := yaml.Unmarshal(raw, &gf); err != nil {
		return genesisFile{}, nil, "", fmt.Errorf("decode genesis file %s: %w", path, err)
	}
	if gf.Proposer == "" {
		return genesisFile{}, nil, "", errors.New("genesis file has no proposer")
	}
	if len(gf.Accounts) == 0 {
		return genesisFile{}, nil, "", errors.New("genesis file has no accounts")
	}
	if gf.GenesisTimestampMs <= 0 {
		gf.GenesisTimestampMs = defaultGenesisTimestampMs
	}
	return gf, nil, path, nil
}

// defaultGenesis deploys a stablecoin and one green bond whose buy window
// opens shortly after genesis. Keys are deterministic so the demo users can
// sign from the wallet CLI.
func defaultGenesis() (genesisFile, map[string]demoUser, error) {
	roles := []string{"proposer", "treasury", "issuer", "regulator", "verifier", "alice", "bob"}
	users := make(map[string]demoUser, len(roles))
	for _, role := range roles {
		_, priv, addr, err := chain.DeterministicKeypair(role)
		if err != nil {
			return genesisFile{}, nil, fmt.Errorf("build %s keypair: %w", role, err)
		}
		users[role] = demoUser{Address: addr, PrivateKey: priv}
	}

	accounts := make(map[string]uint64, len(roles))
	for _, role := range roles {
		if role != "proposer" {
			accounts[string(users[role].Address)] = 1_000_000
		}
	}

	treasury := users["treasury"].Address
	start := defaultGenesisTimestampMs/1000 + 10
	end := start + 600
	const period int64 = 300
	const length uint64 = 4

	gf := genesisFile{
		GenesisTimestampMs: defaultGenesisTimestampMs,
		Proposer:           users["proposer"].Address,
		Accounts:           accounts,
		Assets: []genesisAsset{{
			ID:       demoStablecoin,
			Name:     "USD Coin",
			UnitName: "USDC",
			Decimals: 6,
			Total:    1 << 50,
			Creator:  treasury,
			Manager:  treasury,
			Freeze:   treasury,
			Clawback: treasury,
		}},
		Holdings: []chain.GenesisHolding{
			{Address: users["issuer"].Address, Asset: demoStablecoin, Amount: 10_000_000},
			{Address: users["alice"].Address, Asset: demoStablecoin, Amount: 1_000_000},
			{Address: users["bob"].Address, Asset: demoStablecoin, Amount: 1_000_000},
		},
		Bonds: []chain.GenesisBond{{
			ID:      demoBondID,
			Creator: users["issuer"].Address,
			Terms: bond.Terms{
				Name:               "Demo Green Bond",
				Issuer:             users["issuer"].Address,
				FinancialRegulator: users["regulator"].Address,
				GreenVerifier:      users["verifier"].Address,
				Stablecoin:         demoStablecoin,
				StartBuyDate:       start,
				EndBuyDate:         end,
				MaturityDate:       end + period*int64(length) + 60,
				Period:             period,
				BondLength:         length,
				BondCost:           100,
				BondCoupon:         3,
				BondPrincipal:      100,
				Supply:             10_000,
				DemoTime:           true,
			},
		}},
	}
	return gf, users, nil
}
