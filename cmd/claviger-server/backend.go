package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/store"
	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/store/memory"
	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/store/postgres"
	sqlitestore "github.com/BrandonDHaskell/Claviger/server/internal/claviger/store/sqlite"
	"github.com/BrandonDHaskell/Claviger/server/internal/config"
	"github.com/BrandonDHaskell/Claviger/server/internal/db"
)

// backend is one storage choice with every contract the services need.
type backend struct {
	policies  store.PolicyStore
	ledger    store.Ledger
	decisions store.DecisionLog
	incidents store.IncidentStore
	health    store.Pinger
	close     func()
}

func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	switch cfg.Store {
	case config.StoreMemory:
		ps := memory.NewPolicyStore()
		logger.Warn("using in-memory store; state is lost on restart")
		return &backend{
			policies:  ps,
			ledger:    memory.NewLedger(),
			decisions: memory.NewDecisionLog(),
			incidents: memory.NewIncidentStore(),
			health:    ps,
			close:     func() {},
		}, nil

	case config.StoreSQLite:
		conn, err := db.Open(ctx, db.Config{Path: cfg.DBPath, Env: cfg.Env})
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		w := db.NewWorker(conn)
		ps := sqlitestore.NewPolicyStore(conn, w)
		logger.Info("sqlite ready", slog.String("path", cfg.DBPath))
		return &backend{
			policies:  ps,
			ledger:    sqlitestore.NewLedger(conn, w),
			decisions: sqlitestore.NewDecisionLog(conn, w),
			incidents: sqlitestore.NewIncidentStore(conn, w),
			health:    ps,
			close: func() {
				w.Close()
				_ = conn.Close()
			},
		}, nil

	case config.StorePostgres:
		pool, err := db.Connect(ctx, cfg.PgDSN, logger)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		s := postgres.New(pool)
		return &backend{
			policies:  s,
			ledger:    s,
			decisions: s,
			incidents: s,
			health:    s,
			close:     pool.Close,
		}, nil
	}
	return nil, fmt.Errorf("unknown store %q", cfg.Store)
}
