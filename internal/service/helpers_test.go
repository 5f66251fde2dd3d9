package service_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/punchamoorthee/equityledger/internal/custody"
	"github.com/punchamoorthee/equityledger/internal/domain"
	"github.com/punchamoorthee/equityledger/internal/ledger"
	"github.com/punchamoorthee/equityledger/internal/ledger/ledgertest"
	"github.com/punchamoorthee/equityledger/internal/lock"
	"github.com/punchamoorthee/equityledger/internal/money"
	"github.com/punchamoorthee/equityledger/internal/secret"
	"github.com/punchamoorthee/equityledger/internal/service"
	"github.com/punchamoorthee/equityledger/internal/store"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testEnv struct {
	store    *store.MemoryStore
	ledger   *ledgertest.Ledger
	custody  *custody.Manager
	locker   *lock.LocalLocker
	invest   *service.InvestmentService
	offering *service.OfferingService
	rent     *service.RentService
	users    *service.UserService
}

type envOption func(*envConfig)

type envConfig struct {
	ledgerTimeout time.Duration
	wrapStore     func(service.Store) service.Store
}

func withLedgerTimeout(d time.Duration) envOption {
	return func(c *envConfig) { c.ledgerTimeout = d }
}

func withStore(wrap func(service.Store) service.Store) envOption {
	return func(c *envConfig) { c.wrapStore = wrap }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	cfg := envConfig{ledgerTimeout: 5 * time.Second, wrapStore: func(s service.Store) service.Store { return s }}
	for _, opt := range opts {
		opt(&cfg)
	}

	logger := zap.NewNop()
	mem := ledgertest.New()
	client := ledger.NewGuardedClient(mem, cfg.ledgerTimeout, ledger.DefaultBreakerConfig(), logger)

	wallets, err := custody.LoadWallets(context.Background(), client,
		secret.NewSeed("sIssuer"), secret.NewSeed("sDistribution"), secret.NewSeed("sOperational"))
	require.NoError(t, err)
	manager := custody.NewManager(client, wallets, "AED", logger)

	ms := store.NewMemoryStore()
	st := cfg.wrapStore(ms)
	locker := lock.NewLocalLocker()

	return &testEnv{
		store:    ms,
		ledger:   mem,
		custody:  manager,
		locker:   locker,
		invest:   service.NewInvestmentService(st, manager, logger),
		offering: service.NewOfferingService(st, manager, logger),
		rent:     service.NewRentService(st, manager, locker, logger),
		users:    service.NewUserService(st, manager, logger),
	}
}

// newUser onboards a user and deposits balance.
func (e *testEnv) newUser(t *testing.T, email string, balance money.Amount) *domain.User {
	t.Helper()
	ctx := context.Background()
	u, err := e.users.CreateUser(ctx, service.NewUser{Name: "Investor", Email: email})
	require.NoError(t, err)
	if balance > 0 {
		u.FiatBalance, err = e.users.DepositFiat(ctx, u.ID, balance)
		require.NoError(t, err)
	}
	return u
}

// newProperty registers and mints a property priced at value/supply.
func (e *testEnv) newProperty(t *testing.T, token string, value money.Amount, supply int64) *domain.Property {
	t.Helper()
	p := e.unmintedProperty(t, token, value, supply)
	minted, err := e.offering.MintSupply(context.Background(), p.ID)
	require.NoError(t, err)
	return minted
}

func (e *testEnv) unmintedProperty(t *testing.T, token string, value money.Amount, supply int64) *domain.Property {
	t.Helper()
	p, err := e.offering.CreateProperty(context.Background(), service.NewProperty{
		Name:        fmt.Sprintf("Property %s", token),
		TotalValue:  value,
		TotalSupply: supply,
		TokenName:   token,
	})
	require.NoError(t, err)
	return p
}

func (e *testEnv) investIn(t *testing.T, u *domain.User, p *domain.Property, amount money.Amount) (*service.InvestResult, error) {
	t.Helper()
	res, _, err := e.invest.Invest(context.Background(), service.InvestRequest{UserID: u.ID, PropertyID: p.ID, Amount: amount})
	return res, err
}

func (e *testEnv) balance(t *testing.T, userID int64) money.Amount {
	t.Helper()
	u, err := e.store.GetUser(context.Background(), userID)
	require.NoError(t, err)
	return u.FiatBalance
}

func (e *testEnv) tokenLine(u *domain.User, p *domain.Property) ledgertest.Line {
	line, _ := e.ledger.TrustLine(u.Account.Address, p.TokenCurrencyCode, e.custody.TokenIssuer())
	return line
}

// failingStore injects a storage error into one transactional write.
type failingStore struct {
	service.Store
	insertInvestment error
	markMinted       error
}

func (f *failingStore) InTx(ctx context.Context, fn func(ctx context.Context, tx service.Tx) error) error {
	return f.Store.InTx(ctx, func(ctx context.Context, tx service.Tx) error {
		return fn(ctx, &failingTx{Tx: tx, owner: f})
	})
}

type failingTx struct {
	service.Tx
	owner *failingStore
}

func (f *failingTx) InsertInvestment(ctx context.Context, inv *domain.Investment) error {
	if f.owner.insertInvestment != nil {
		return f.owner.insertInvestment
	}
	return f.Tx.InsertInvestment(ctx, inv)
}

func (f *failingTx) MarkMinted(ctx context.Context, propertyID int64, txHash string) error {
	if f.owner.markMinted != nil {
		return f.owner.markMinted
	}
	return f.Tx.MarkMinted(ctx, propertyID, txHash)
}
