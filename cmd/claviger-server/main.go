package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/service"
	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/store"
	"github.com/BrandonDHaskell/Claviger/server/internal/config"
	"github.com/BrandonDHaskell/Claviger/server/internal/db"
	"github.com/BrandonDHaskell/Claviger/server/internal/grpcapi"
	"github.com/BrandonDHaskell/Claviger/server/internal/httpapi"
)

func main() {
	envFile := pflag.String("env-file", ".env", "dotenv file to preload (process env wins)")
	seedFile := pflag.String("seed-file", "", "YAML policy fixture to load at startup")
	seedDev := pflag.Bool("seed-dev", false, "load the built-in development fixture")
	issueToken := pflag.String("issue-token", "", "print a signed operator token for `id:role` and exit")
	tokenTTL := pflag.Duration("token-ttl", 12*time.Hour, "lifetime of --issue-token tokens")
	pflag.Parse()

	if err := config.LoadEnvFile(*envFile, pflag.CommandLine.Changed("env-file")); err != nil {
		log.Fatalf("config: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := config.SetupLogger(cfg, os.Stdout)

	if *issueToken != "" {
		if err := printToken(cfg, *issueToken, *tokenTTL); err != nil {
			log.Fatalf("issue-token: %v", err)
		}
		return
	}

	if err := run(cfg, logger, *seedFile, *seedDev); err != nil {
		logger.Error("server stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger, seedFile string, seedDev bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.close()

	if err := seed(ctx, be.policies, seedFile, seedDev, logger); err != nil {
		return err
	}

	loc := cfg.Location()

	// Reads for evaluation and listings go through the cache when enabled;
	// admin writes purge it. The checkout gate always reads the store.
	var (
		policies store.PolicyReader = be.policies
		cache    service.Invalidator
	)
	if cfg.PolicyCacheTTL > 0 {
		pc := service.NewPolicyCache(be.policies, cfg.PolicyCacheSize, cfg.PolicyCacheTTL)
		policies, cache = pc, pc
	}

	evaluator := service.NewAccessEvaluator(policies, be.decisions, loc, logger)
	coordinator := service.NewCheckoutCoordinator(be.policies, be.ledger, evaluator, logger)
	query := service.NewQueryService(policies, be.ledger, evaluator, logger)
	admin := service.NewPolicyAdmin(be.policies, cache, logger)
	incidents := service.NewIncidentService(be.incidents, policies, loc, logger)

	janitor := service.NewJanitor(be.decisions, service.JanitorConfig{
		RetentionDays: cfg.DecisionRetentionDays,
		IntervalHours: cfg.PruneIntervalHours,
	}, logger)
	janitor.Start(ctx)
	defer janitor.Stop()

	srv := httpapi.NewServer(httpapi.Dependencies{
		Logger:      logger,
		Addr:        cfg.HTTPAddr,
		Auth:        httpapi.NewAuthenticator(cfg.JWTSecret, logger),
		Health:      be.health,
		Evaluator:   evaluator,
		Coordinator: coordinator,
		Query:       query,
		Admin:       admin,
		Incidents:   incidents,
	})

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http listening",
			slog.String("addr", cfg.HTTPAddr),
			slog.String("store", cfg.Store),
			slog.String("tz", loc.String()),
		)
		if err := srv.Start(); err != nil {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	var rpc *grpcapi.Server
	if cfg.GRPCAddr != "" {
		rpc = grpcapi.NewServer(cfg.GRPCAddr, be.health, 10*time.Second, logger)
		go func() {
			if err := rpc.Start(); err != nil {
				errCh <- fmt.Errorf("grpc: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if rpc != nil {
		rpc.Shutdown(shutdownCtx)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", slog.String("error", err.Error()))
	}
	return runErr
}

func seed(ctx context.Context, ps store.PolicyStore, file string, dev bool, logger *slog.Logger) error {
	var data []byte
	switch {
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read seed file: %w", err)
		}
		data = b
	case dev:
		data = db.DevFixture()
	default:
		return nil
	}
	if err := db.SeedDev(ctx, ps, data); err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	logger.Info("policy fixture loaded", slog.String("source", seedSource(file)))
	return nil
}

func seedSource(file string) string {
	if file == "" {
		return "built-in dev fixture"
	}
	return file
}
