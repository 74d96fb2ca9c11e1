package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	stateBackendSnapshot = "snapshot"
	stateBackendSQLite   = "sqlite"

	defaultConfigFile = "bondnode.yaml"
	envPrefix         = "BONDNODE_"
)

type runConfig struct {
	ConfigPath           string
	HTTPAddr             string
	GenesisPath          string
	StateBackend         string
	StatePath            string
	BackupDir            string
	BackupEveryBlocks    uint64
	BackupRetain         int
	BlockInterval        time.Duration
	MaxTxPerBlock        int
	MaxMempoolSize       int
	MaxPendingPerAccount int
	MaxMempoolAgeBlocks  uint64
	MinTxFee             uint64
	AdminToken           string
	AllowDevSigning      bool
	ReadinessMaxLag      time.Duration
	ShutdownTimeout      time.Duration
	LogLevel             string
	LogDev               bool
}

type fileConfig struct {
	HTTPAddr             *string `yaml:"http"`
	GenesisPath          *string `yaml:"genesis"`
	StateBackend         *string `yaml:"stateBackend"`
	StatePath            *string `yaml:"state"`
	BackupDir            *string `yaml:"backupDir"`
	BackupEveryBlocks    *uint64 `yaml:"backupEveryBlocks"`
	BackupRetain         *int    `yaml:"backupRetain"`
	BlockInterval        *string `yaml:"blockInterval"`
	MaxTxPerBlock        *int    `yaml:"maxTxPerBlock"`
	MaxMempoolSize       *int    `yaml:"maxMempoolSize"`
	MaxPendingPerAccount *int    `yaml:"maxPendingTxPerAccount"`
	MaxMempoolAgeBlocks  *uint64 `yaml:"maxMempoolTxAgeBlocks"`
	MinTxFee             *uint64 `yaml:"minTxFee"`
	AdminToken           *string `yaml:"adminToken"`
	AllowDevSigning      *bool   `yaml:"allowDevSigning"`
	ReadinessMaxLag      *string `yaml:"readinessMaxLag"`
	ShutdownTimeout      *string `yaml:"shutdownTimeout"`
	LogLevel             *string `yaml:"logLevel"`
	LogDev               *bool   `yaml:"logDev"`
}

// parseRunConfig layers defaults, the YAML file, BONDNODE_* environment
// variables and command line flags, later sources winning.
func parseRunConfig(args []string, lookupEnv func(string) (string, bool)) (runConfig, error) {
	if lookupEnv == nil {
		lookupEnv = func(string) (string, bool) { return "", false }
	}
	cfg := defaultRunConfig()

	configPath, err := discoverConfigPath(args, lookupEnv)
	if err != nil {
		return runConfig{}, err
	}
	if configPath != "" {
		if err := applyConfigFile(configPath, &cfg); err != nil {
			return runConfig{}, err
		}
		cfg.ConfigPath = configPath
	}
	if err := applyEnv(&cfg, lookupEnv); err != nil {
		return runConfig{}, err
	}

	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	fs.StringVar(&cfg.ConfigPath, "config", cfg.ConfigPath, "path to config YAML file")
	fs.StringVar(&cfg.HTTPAddr, "http", cfg.HTTPAddr, "http listen address")
	fs.StringVar(&cfg.GenesisPath, "genesis", cfg.GenesisPath, "path to genesis YAML or JSON file (optional)")
	fs.StringVar(&cfg.StateBackend, "state-backend", cfg.StateBackend, "state backend: snapshot or sqlite")
	fs.StringVar(&cfg.StatePath, "state", cfg.StatePath, "path to state file (snapshot json or sqlite db)")
	fs.StringVar(&cfg.BackupDir, "backup-dir", cfg.BackupDir, "directory for periodic JSON snapshot backups (empty disables backups)")
	fs.Uint64Var(&cfg.BackupEveryBlocks, "backup-every-blocks", cfg.BackupEveryBlocks, "write backup snapshot every N finalized blocks (0 disables)")
	fs.IntVar(&cfg.BackupRetain, "backup-retain", cfg.BackupRetain, "number of backup snapshots to retain (0 keeps all)")
	fs.DurationVar(&cfg.BlockInterval, "block-interval", cfg.BlockInterval, "block production interval")
	fs.IntVar(&cfg.MaxTxPerBlock, "max-tx", cfg.MaxTxPerBlock, "max transactions per block")
	fs.IntVar(&cfg.MaxMempoolSize, "max-mempool", cfg.MaxMempoolSize, "max pending transactions in mempool")
	fs.IntVar(&cfg.MaxPendingPerAccount, "max-pending-per-account", cfg.MaxPendingPerAccount, "max pending transactions per sender account in mempool")
	fs.Uint64Var(&cfg.MaxMempoolAgeBlocks, "max-mempool-age-blocks", cfg.MaxMempoolAgeBlocks, "max mempool residence age in blocks before a pending tx expires")
	fs.Uint64Var(&cfg.MinTxFee, "min-tx-fee", cfg.MinTxFee, "minimum fee per settlement leg")
	fs.StringVar(&cfg.AdminToken, "admin-token", cfg.AdminToken, "admin token for produce and snapshot endpoints")
	fs.BoolVar(&cfg.AllowDevSigning, "allow-dev-signing", cfg.AllowDevSigning, "enable unsafe server-side signing endpoints")
	fs.DurationVar(&cfg.ReadinessMaxLag, "readiness-max-lag", cfg.ReadinessMaxLag, "max finality lag for /readyz (0=auto)")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "graceful http shutdown timeout")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn or error")
	fs.BoolVar(&cfg.LogDev, "log-dev", cfg.LogDev, "human readable development logging")
	if err := fs.Parse(args[1:]); err != nil {
		return runConfig{}, err
	}

	if err := cfg.validate(); err != nil {
		return runConfig{}, err
	}
	return cfg, nil
}

func (cfg *runConfig) validate() error {
	if cfg.BlockInterval <= 0 {
		return errors.New("block-interval must be > 0")
	}
	if cfg.MaxTxPerBlock <= 0 {
		return errors.New("max-tx must be > 0")
	}
	if cfg.MaxMempoolSize <= 0 {
		return errors.New("max-mempool must be > 0")
	}
	if cfg.MaxPendingPerAccount < 0 {
		return errors.New("max-pending-per-account must be >= 0")
	}
	if cfg.MinTxFee == 0 {
		return errors.New("min-tx-fee must be > 0")
	}
	if cfg.ShutdownTimeout <= 0 {
		return errors.New("shutdown-timeout must be > 0")
	}
	if cfg.BackupRetain < 0 {
		return errors.New("backup-retain must be >= 0")
	}
	if cfg.BackupEveryBlocks > 0 && strings.TrimSpace(cfg.BackupDir) == "" {
		return errors.New("backup-dir is required when backup-every-blocks is > 0")
	}
	cfg.StateBackend = normalizeStateBackend(cfg.StateBackend)
	if !isSupportedStateBackend(cfg.StateBackend) {
		return fmt.Errorf("unsupported state-backend %q (supported: %s, %s)", cfg.StateBackend, stateBackendSnapshot, stateBackendSQLite)
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log-level %q", cfg.LogLevel)
	}
	return nil
}

func defaultRunConfig() runConfig {
	return runConfig{
		HTTPAddr:             ":8080",
		StateBackend:         stateBackendSnapshot,
		StatePath:            "./data/state.json",
		BackupDir:            "./data/backups",
		BackupRetain:         20,
		BlockInterval:        2 * time.Second,
		MaxTxPerBlock:        500,
		MaxMempoolSize:       20_000,
		MaxPendingPerAccount: 64,
		MaxMempoolAgeBlocks:  120,
		MinTxFee:             1,
		ShutdownTimeout:      5 * time.Second,
		LogLevel:             "info",
	}
}

// discoverConfigPath finds the config file before flags are parsed: an
// explicit -config argument, then BONDNODE_CONFIG, then ./bondnode.yaml.
func discoverConfigPath(args []string, lookupEnv func(string) (string, bool)) (string, error) {
	for i := 1; i < len(args); i++ {
		arg := strings.TrimSpace(args[i])
		if arg == "-config" || arg == "--config" {
			if i+1 >= len(args) {
				return "", errors.New("-config requires a value")
			}
			return strings.TrimSpace(args[i+1]), nil
		}
		for _, prefix := range []string{"-config=", "--config="} {
			if strings.HasPrefix(arg, prefix) {
				return strings.TrimSpace(strings.TrimPrefix(arg, prefix)), nil
			}
		}
	}
	if path, ok := lookupEnv(envPrefix + "CONFIG"); ok && strings.TrimSpace(path) != "" {
		return strings.TrimSpace(path), nil
	}
	if _, err := os.Stat(defaultConfigFile); err == nil {
		return defaultConfigFile, nil
	}
	return "", nil
}

func applyConfigFile(path string, cfg *runConfig) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("config path is empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("decode config %s: %w", path, err)
	}

	setString(&cfg.HTTPAddr, fc.HTTPAddr)
	setString(&cfg.GenesisPath, fc.GenesisPath)
	setString(&cfg.StateBackend, fc.StateBackend)
	setString(&cfg.StatePath, fc.StatePath)
	setString(&cfg.BackupDir, fc.BackupDir)
	setString(&cfg.AdminToken, fc.AdminToken)
	setString(&cfg.LogLevel, fc.LogLevel)
	if fc.BackupEveryBlocks != nil {
		cfg.BackupEveryBlocks = *fc.BackupEveryBlocks
	}
	if fc.BackupRetain != nil {
		cfg.BackupRetain = *fc.BackupRetain
	}
	if fc.MaxTxPerBlock != nil {
		cfg.MaxTxPerBlock = *fc.MaxTxPerBlock
	}
	if fc.MaxMempoolSize != nil {
		cfg.MaxMempoolSize = *fc.MaxMempoolSize
	}
	if fc.MaxPendingPerAccount != nil {
		cfg.MaxPendingPerAccount = *fc.MaxPendingPerAccount
	}
	if fc.MaxMempoolAgeBlocks != nil {
		cfg.MaxMempoolAgeBlocks = *fc.MaxMempoolAgeBlocks
	}
	if fc.MinTxFee != nil {
		cfg.MinTxFee = *fc.MinTxFee
	}
	if fc.AllowDevSigning != nil {
		cfg.AllowDevSigning = *fc.AllowDevSigning
	}
	if fc.LogDev != nil {
		cfg.LogDev = *fc.LogDev
	}
	durations := []struct {
		name string
		raw  *string
		dst  *time.Duration
	}{
		{"blockInterval", fc.BlockInterval, &cfg.BlockInterval},
		{"readinessMaxLag", fc.ReadinessMaxLag, &cfg.ReadinessMaxLag},
		{"shutdownTimeout", fc.ShutdownTimeout, &cfg.ShutdownTimeout},
	}
	for _, d := range durations {
		if d.raw == nil {
			continue
		}
		v, err := time.ParseDuration(*d.raw)
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.name, err)
		}
		*d.dst = v
	}
	return nil
}

// applyEnv reads the BONDNODE_* variables, including those loaded from .env.
func applyEnv(cfg *runConfig, lookupEnv func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookupEnv(envPrefix + key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	for key, dst := range map[string]*string{
		"HTTP":          &cfg.HTTPAddr,
		"GENESIS":       &cfg.GenesisPath,
		"STATE_BACKEND": &cfg.StateBackend,
		"STATE":         &cfg.StatePath,
		"BACKUP_DIR":    &cfg.BackupDir,
		"ADMIN_TOKEN":   &cfg.AdminToken,
		"LOG_LEVEL":     &cfg.LogLevel,
	} {
		if v, ok := get(key); ok {
			*dst = v
		}
	}
	for key, dst := range map[string]*bool{
		"ALLOW_DEV_SIGNING": &cfg.AllowDevSigning,
		"LOG_DEV":           &cfg.LogDev,
	} {
		if v, ok := get(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("parse %s%s: %w", envPrefix, key, err)
			}
			*dst = b
		}
	}
	if v, ok := get("MIN_TX_FEE"); ok {
		fee, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("parse %sMIN_TX_FEE: %w", envPrefix, err)
		}
		cfg.MinTxFee = fee
	}
	if v, ok := get("BLOCK_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse %sBLOCK_INTERVAL: %w", envPrefix, err)
		}
		cfg.BlockInterval = d
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func normalizeStateBackend(raw string) string {
	backend := strings.TrimSpace(strings.ToLower(raw))
	switch backend {
	case "", "json":
		return stateBackendSnapshot
	default:
		return backend
	}
}

func isSupportedStateBackend(backend string) bool {
	switch backend {
	case stateBackendSnapshot, stateBackendSQLite:
		return true
	default:
		return false
	}
}
