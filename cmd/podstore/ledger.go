package main

import (
	"fmt"

	"github.com/podstore/podstore/internal/config"
	"github.com/podstore/podstore/internal/ledger"
)

// openLedger opens the configured ledger backend.
func openLedger(cfg *config.Config) (*ledger.Ledger, error) {
	var (
		store ledger.KVStore
		err   error
	)
	switch cfg.Ledger {
	case config.LedgerFile:
		store, err = ledger.NewFileStore(cfg.DataDir)
	case config.LedgerSQLite:
		store, err = ledger.NewSQLiteStore(cfg.DataDir)
	case config.LedgerRedis:
		client := ledger.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		store, err = ledger.NewRedisStore(client, cfg.AccountID)
		if err != nil {
			_ = client.Close()
		}
	case config.LedgerMemory:
		store = ledger.NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Ledger)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s ledger: %w", cfg.Ledger, err)
	}
	return ledger.New(store), nil
}
