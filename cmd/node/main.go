package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"greenbond/internal/chain"
	"greenbond/internal/node"
)

func main() {
	if err := run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "bondnode: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	cfg, err := parseRunConfig(args, os.LookupEnv)
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	logger, err := newLogger(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	restore := zap.ReplaceGlobals(logger)
	defer restore()

	if ran, err := maybeRunStateMigration(args, zap.S().Infof); err != nil {
		return fmt.Errorf("state migration: %w", err)
	} else if ran {
		return nil
	}

	osFS := afero.NewOsFs()
	chainCfg := chain.Config{
		BlockInterval:          cfg.BlockInterval,
		MaxTxPerBlock:          cfg.MaxTxPerBlock,
		MaxMempoolSize:         cfg.MaxMempoolSize,
		MaxPendingTxPerAccount: cfg.MaxPendingPerAccount,
		MaxMempoolTxAgeBlocks:  cfg.MaxMempoolAgeBlocks,
		MinTxFee:               cfg.MinTxFee,
		FS:                     osFS,
	}
	c, boot, err := buildChain(chainCfg, cfg.GenesisPath, cfg.StateBackend, cfg.StatePath)
	if err != nil {
		return fmt.Errorf("init chain: %w", err)
	}

	backups := backupPolicy{FS: osFS, Dir: cfg.BackupDir, EveryBlocks: cfg.BackupEveryBlocks, Retain: cfg.BackupRetain}
	c.SetFinalizeHook(func(block chain.Block) {
		if cfg.StatePath != "" {
			if err := saveChainState(c, cfg.StateBackend, cfg.StatePath); err != nil {
				logger.Error("persist state failed", zap.Uint64("height", block.Height), zap.Error(err))
			}
		}
		if path, err := backups.maybeWriteBackup(c, block); err != nil {
			logger.Error("backup snapshot failed", zap.Uint64("height", block.Height), zap.Error(err))
		} else if path != "" {
			logger.Info("backup snapshot written", zap.String("path", path))
		}
	})
	if cfg.StatePath != "" {
		if err := saveChainState(c, cfg.StateBackend, cfg.StatePath); err != nil {
			return fmt.Errorf("write initial state: %w", err)
		}
	}

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: node.NewServer(c, node.Config{
			AdminToken:      cfg.AdminToken,
			AllowDevSigning: cfg.AllowDevSigning,
			ReadinessMaxLag: cfg.ReadinessMaxLag,
			Logger:          logger.Named("http"),
			Snapshot: func() (string, error) {
				if cfg.StatePath == "" {
					return "", errors.New("state path is not configured")
				}
				return cfg.StatePath, saveChainState(c, cfg.StateBackend, cfg.StatePath)
			},
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logBoot(logger, cfg, boot, c)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	c.Start(ctx, zap.S().Infof)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if cfg.StatePath != "" {
			if err := saveChainState(c, cfg.StateBackend, cfg.StatePath); err != nil {
				logger.Error("final state save failed", zap.Error(err))
			}
		}
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newLogger(level string, dev bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	if dev {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

func logBoot(logger *zap.Logger, cfg runConfig, boot bootInfo, c *chain.Chain) {
	status := c.GetStatus()
	logger.Info("bondnode listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("config", cfg.ConfigPath),
		zap.String("stateBackend", cfg.StateBackend),
		zap.String("statePath", cfg.StatePath),
		zap.Uint64("height", status.Height),
		zap.Int("instruments", status.Instruments),
		zap.String("proposer", string(status.Proposer)),
	)
	logger.Info("mempool controls",
		zap.Int("maxSize", cfg.MaxMempoolSize),
		zap.Int("maxPendingPerAccount", cfg.MaxPendingPerAccount),
		zap.Uint64("maxAgeBlocks", cfg.MaxMempoolAgeBlocks),
		zap.Uint64("minTxFee", cfg.MinTxFee),
	)
	logger.Info("backup config",
		zap.String("dir", cfg.BackupDir),
		zap.Uint64("everyBlocks", cfg.BackupEveryBlocks),
		zap.Int("retain", cfg.BackupRetain),
	)
	if boot.LoadedFromState {
		logger.Info("chain loaded from state", zap.String("backend", boot.GenesisSource), zap.String("path", boot.StatePath))
	} else {
		logger.Info("chain initialized from genesis", zap.String("source", boot.GenesisSource))
	}

	roles := make([]string, 0, len(boot.DemoUsers))
	for role := range boot.DemoUsers {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	for _, role := range roles {
		u := boot.DemoUsers[role]
		logger.Info("demo user", zap.String("role", role), zap.String("address", string(u.Address)), zap.String("privateKey", u.PrivateKey))
	}
	if cfg.AdminToken == "" {
		logger.Warn("admin token is empty; admin endpoints are open")
	}
	if !cfg.AllowDevSigning {
		logger.Info("server-side signing endpoints are disabled")
	}
}
