package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/punchamoorthee/equityledger/internal/domain"
	"github.com/punchamoorthee/equityledger/internal/money"
	"github.com/punchamoorthee/equityledger/internal/secret"
	"github.com/punchamoorthee/equityledger/internal/service"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeContract is run against every service.Store implementation.
func storeContract(t *testing.T, newStore func(t *testing.T) service.Store) {
	t.Run("users", func(t *testing.T) { testUsers(t, newStore(t)) })
	t.Run("properties", func(t *testing.T) { testProperties(t, newStore(t)) })
	t.Run("rollback discards writes", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("commit applies writes", func(t *testing.T) { testCommit(t, newStore(t)) })
	t.Run("row locks are exclusive", func(t *testing.T) { testRowLock(t, newStore(t)) })
	t.Run("idempotency keys", func(t *testing.T) { testIdempotency(t, newStore(t)) })
	t.Run("minted flag is set once", func(t *testing.T) { testMintedOnce(t, newStore(t)) })
	t.Run("rent distributions", func(t *testing.T) { testRentDistribution(t, newStore(t)) })
}

var errAbort = errors.New("abort")

func seedUser(t *testing.T, s service.Store, email string, balance money.Amount) *domain.User {
	t.Helper()
	ctx := context.Background()
	u := &domain.User{
		Name:    "Test User",
		Email:   email,
		Account: domain.CustodialAccount{Address: "r" + email, Seed: secret.NewSeed("s" + email)},
	}
	require.NoError(t, s.CreateUser(ctx, u))
	if balance > 0 {
		_, err := s.CreditFiat(ctx, u.ID, balance)
		require.NoError(t, err)
	}
	return u
}

func seedProperty(t *testing.T, s service.Store, token string, value money.Amount, supply int64) *domain.Property {
	t.Helper()
	p := &domain.Property{
		Name:              "Marina Tower " + token,
		TotalValue:        value,
		TotalSupply:       supply,
		TokenName:         token,
		TokenCurrencyCode: token + strings.Repeat("0", 40-len(token)),
		IssuerAddress:     "rIssuer",
	}
	require.NoError(t, s.CreateProperty(context.Background(), p))
	return p
}

func testUsers(t *testing.T, s service.Store) {
	ctx := context.Background()
	u := seedUser(t, s, "alice@example.com", 0)
	assert.NotZero(t, u.ID)

	got, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", got.Email)
	assert.Equal(t, "salice@example.com", got.Account.Seed.Expose())
	assert.Equal(t, money.Amount(0), got.FiatBalance)

	balance, err := s.CreditFiat(ctx, u.ID, 150_00)
	require.NoError(t, err)
	assert.Equal(t, money.Amount(150_00), balance)

	dup := &domain.User{Name: "x", Email: "alice@example.com", Account: domain.CustodialAccount{Address: "rOther", Seed: secret.NewSeed("sOther")}}
	assert.ErrorIs(t, s.CreateUser(ctx, dup), domain.ErrEmailTaken)

	_, err = s.GetUser(ctx, 9999)
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
	_, err = s.CreditFiat(ctx, 9999, 1)
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
	_, err = s.UserHoldings(ctx, 9999)
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}

func testProperties(t *testing.T, s service.Store) {
	ctx := context.Background()
	a := seedProperty(t, s, "AAA", 1_000_00, 1000)
	b := seedProperty(t, s, "BBB", 2_000_00, 2000)

	list, err := s.ListProperties(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, b.ID, list[1].ID)
	assert.False(t, list[0].IsMinted)

	dup := *a
	assert.ErrorIs(t, s.CreateProperty(ctx, &dup), domain.ErrTokenNameTaken)

	_, err = s.GetProperty(ctx, 9999)
	assert.ErrorIs(t, err, domain.ErrPropertyNotFound)
}

func testRollback(t *testing.T, s service.Store) {
	ctx := context.Background()
	u := seedUser(t, s, "bob@example.com", 500_00)
	p := seedProperty(t, s, "RBK", 1_000_00, 1000)

	err := s.InTx(ctx, func(ctx context.Context, tx service.Tx) error {
		if _, err := tx.LockProperty(ctx, p.ID); err != nil {
			return err
		}
		if err := tx.DebitFiat(ctx, u.ID, 100_00); err != nil {
			return err
		}
		if err := tx.InsertInvestment(ctx, &domain.Investment{UserID: u.ID, PropertyID: p.ID, Amount: 100_00, TokensReceived: 100, LedgerTxHash: "H"}); err != nil {
			return err
		}
		if err := tx.MarkFunded(ctx, p.ID); err != nil {
			return err
		}
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	got, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, money.Amount(500_00), got.FiatBalance)

	prop, err := s.GetProperty(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, prop.IsFullyFunded)

	holders, err := s.HolderTokens(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, holders)
}

func testCommit(t *testing.T, s service.Store) {
	ctx := context.Background()
	u := seedUser(t, s, "carol@example.com", 500_00)
	p := seedProperty(t, s, "CMT", 300_00, 300)

	for _, amount := range []money.Amount{100_00, 200_00} {
		err := s.InTx(ctx, func(ctx context.Context, tx service.Tx) error {
			if _, err := tx.LockProperty(ctx, p.ID); err != nil {
				return err
			}
			locked, err := tx.LockUser(ctx, u.ID)
			if err != nil {
				return err
			}
			assert.Equal(t, u.Account.Address, locked.Account.Address)
			if err := tx.DebitFiat(ctx, u.ID, amount); err != nil {
				return err
			}
			inv := &domain.Investment{UserID: u.ID, PropertyID: p.ID, Amount: amount, TokensReceived: int64(amount / 100), LedgerTxHash: "H"}
			if err := tx.InsertInvestment(ctx, inv); err != nil {
				return err
			}
			assert.NotZero(t, inv.ID)
			return tx.SetTrustLineFrozen(ctx, u.ID, p.TokenCurrencyCode, true)
		})
		require.NoError(t, err)
	}

	err := s.InTx(ctx, func(ctx context.Context, tx service.Tx) error {
		sum, err := tx.SumInvested(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, money.Amount(300_00), sum)

		frozen, err := tx.TrustLineFrozen(ctx, u.ID, p.TokenCurrencyCode)
		require.NoError(t, err)
		assert.True(t, frozen)
		return tx.MarkFunded(ctx, p.ID)
	})
	require.NoError(t, err)

	err = s.InTx(ctx, func(ctx context.Context, tx service.Tx) error {
		return tx.DebitFiat(ctx, u.ID, 300_00)
	})
	assert.Error(t, err, "balance must not go negative")

	got, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, money.Amount(200_00), got.FiatBalance)

	prop, err := s.GetProperty(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, prop.IsFullyFunded)

	holders, err := s.HolderTokens(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, holders, 1)
	assert.Equal(t, domain.HolderTokens{UserID: u.ID, Address: u.Account.Address, Tokens: 300}, holders[0])

	holdings, err := s.UserHoldings(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.Equal(t, int64(300), holdings[0].Tokens)
	assert.Equal(t, money.Amount(300_00), holdings[0].Invested)
	assert.True(t, holdings[0].Frozen)
}

func testRowLock(t *testing.T, s service.Store) {
	ctx := context.Background()
	p := seedProperty(t, s, "LCK", 1_000_00, 1000)

	locked := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = s.InTx(ctx, func(ctx context.Context, tx service.Tx) error {
			if _, err := tx.LockProperty(ctx, p.ID); err != nil {
				return err
			}
			close(locked)
			<-done
			return nil
		})
	}()
	<-locked

	waitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	err := s.InTx(waitCtx, func(ctx context.Context, tx service.Tx) error {
		_, err := tx.LockProperty(ctx, p.ID)
		return err
	})
	assert.Error(t, err, "second locker must wait until the first commits")
	close(done)

	require.Eventually(t, func() bool {
		return s.InTx(ctx, func(ctx context.Context, tx service.Tx) error {
			_, err := tx.LockProperty(ctx, p.ID)
			return err
		}) == nil
	}, 5*time.Second, 20*time.Millisecond)
}

func testIdempotency(t *testing.T, s service.Store) {
	ctx := context.Background()

	err := s.InTx(ctx, func(ctx context.Context, tx service.Tx) error {
		rec, err := tx.GetIdempotency(ctx, "key-1")
		require.NoError(t, err)
		assert.Nil(t, rec)
		if err := tx.ReserveIdempotency(ctx, "key-1", "hash-1"); err != nil {
			return err
		}
		return tx.CompleteIdempotency(ctx, "key-1", 201, []byte(`{"tokens_received":250}`))
	})
	require.NoError(t, err)

	err = s.InTx(ctx, func(ctx context.Context, tx service.Tx) error {
		rec, err := tx.GetIdempotency(ctx, "key-1")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, "hash-1", rec.RequestHash)
		assert.Equal(t, domain.IdempotencyCompleted, rec.Status)
		assert.Equal(t, 201, rec.ResponseStatus)
		assert.JSONEq(t, `{"tokens_received":250}`, string(rec.ResponseBody))
		return tx.ReserveIdempotency(ctx, "key-1", "hash-1")
	})
	assert.ErrorIs(t, err, domain.ErrIdempotencyConflict)

	// a rolled back reservation frees the key
	err = s.InTx(ctx, func(ctx context.Context, tx service.Tx) error {
		if err := tx.ReserveIdempotency(ctx, "key-2", "hash-2"); err != nil {
			return err
		}
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)
	err = s.InTx(ctx, func(ctx context.Context, tx service.Tx) error {
		return tx.ReserveIdempotency(ctx, "key-2", "hash-2")
	})
	assert.NoError(t, err)
}

func testMintedOnce(t *testing.T, s service.Store) {
	ctx := context.Background()
	p := seedProperty(t, s, "MNT", 1_000_00, 1000)

	mark := func() error {
		return s.InTx(ctx, func(ctx context.Context, tx service.Tx) error {
			if _, err := tx.LockProperty(ctx, p.ID); err != nil {
				return err
			}
			return tx.MarkMinted(ctx, p.ID, "MINTHASH")
		})
	}
	require.NoError(t, mark())
	assert.ErrorIs(t, mark(), domain.ErrAlreadyMinted)

	got, err := s.GetProperty(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, got.IsMinted)
	assert.Equal(t, "MINTHASH", got.MintTxHash)
}

func testRentDistribution(t *testing.T, s service.Store) {
	ctx := context.Background()
	p := seedProperty(t, s, "RNT", 1_000_00, 1000)

	d := &domain.RentDistribution{
		PropertyID:      p.ID,
		TotalRent:       decimal.RequireFromString("1000"),
		CalculatedTotal: decimal.RequireFromString("1000"),
		RatePerToken:    decimal.RequireFromString("2.5"),
		PaidTotal:       decimal.RequireFromString("750"),
		FailedCount:     1,
	}
	require.NoError(t, s.InsertRentDistribution(ctx, d))
	assert.NotZero(t, d.ID)
	assert.False(t, d.CreatedAt.IsZero())

	missing := *d
	missing.PropertyID = 9999
	assert.ErrorIs(t, s.InsertRentDistribution(ctx, &missing), domain.ErrPropertyNotFound)
}
