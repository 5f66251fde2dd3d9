package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/punchamoorthee/equityledger/internal/api"
	"github.com/punchamoorthee/equityledger/internal/config"
	"github.com/punchamoorthee/equityledger/internal/custody"
	"github.com/punchamoorthee/equityledger/internal/ledger"
	"github.com/punchamoorthee/equityledger/internal/ledger/memledger"
	"github.com/punchamoorthee/equityledger/internal/lock"
	"github.com/punchamoorthee/equityledger/internal/logging"
	"github.com/punchamoorthee/equityledger/internal/secret"
	"github.com/punchamoorthee/equityledger/internal/service"
	"github.com/punchamoorthee/equityledger/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// rentLockExpiry bounds how long a crashed distribution can block the next one.
const rentLockExpiry = 15 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Store
	var (
		st   service.Store
		ping func(context.Context) error
	)
	switch cfg.StoreMode {
	case config.StoreModeMemory:
		logger.Warn("using in-memory store, data is lost on restart")
		st = store.NewMemoryStore()
	default:
		sealer, err := secret.NewSealer(cfg.SeedEncryptionKey)
		if err != nil {
			return err
		}
		pg, err := store.NewPostgresStore(ctx, cfg.DBSource, sealer)
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.Migrate(logger); err != nil {
			return err
		}
		st, ping = pg, pg.Ping
	}

	// Ledger
	var base ledger.Client
	switch cfg.LedgerMode {
	case config.LedgerModeMemory:
		logger.Warn("using in-memory ledger")
		base = memledger.New()
	default:
		rpc, err := ledger.NewRPCClient(cfg.LedgerRPCURL, logger)
		if err != nil {
			return err
		}
		base = rpc
	}
	client := ledger.NewGuardedClient(base, cfg.LedgerTimeout, ledger.DefaultBreakerConfig(), logger)

	issuer, dist, op, err := platformSeeds(ctx, cfg, client)
	if err != nil {
		return err
	}
	wallets, err := custody.LoadWallets(ctx, client, issuer, dist, op)
	if err != nil {
		return err
	}
	custodian := custody.NewManager(client, wallets, cfg.FiatCurrency, logger)
	if err := custodian.ConfigureIssuer(ctx, cfg.IssuerDomain); err != nil {
		return err
	}
	logger.Info("platform wallets loaded",
		zap.String("issuer", wallets.Issuer.Address),
		zap.String("distribution", wallets.Distribution.Address),
		zap.String("operational", wallets.Operational.Address),
	)

	// Rent lock
	var locker lock.Locker
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		locker, err = lock.NewRedisLocker(rdb, rentLockExpiry, logger)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("REDIS_ADDR not set, rent lock is local to this process")
		locker = lock.NewLocalLocker()
	}

	// Initialize Layers
	handler := api.NewHandler(api.Services{
		Users:       service.NewUserService(st, custodian, logger),
		Offerings:   service.NewOfferingService(st, custodian, logger),
		Investments: service.NewInvestmentService(st, custodian, logger),
		Rent:        service.NewRentService(st, custodian, locker, logger),
	}, ping, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("port", cfg.Port), zap.String("env", cfg.Env))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	// Ledger round trips can take tens of seconds; let in-flight investments finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.LedgerTimeout+10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// platformSeeds returns the configured wallet seeds. Against the in-memory
// ledger, missing seeds are generated.
func platformSeeds(ctx context.Context, cfg *config.Config, client ledger.Client) (issuer, dist, op secret.Seed, err error) {
	seeds := []*secret.Seed{&issuer, &dist, &op}
	for i, raw := range []string{cfg.IssuerSeed, cfg.DistributionSeed, cfg.OperationalSeed} {
		if raw != "" {
			*seeds[i] = secret.NewSeed(raw)
			continue
		}
		if cfg.LedgerMode != config.LedgerModeMemory {
			return issuer, dist, op, errors.New("platform wallet seeds are required")
		}
		w, err := client.NewWallet(ctx)
		if err != nil {
			return issuer, dist, op, err
		}
		*seeds[i] = w.Seed
	}
	return issuer, dist, op, nil
}
