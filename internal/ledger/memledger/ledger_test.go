package memledger

import (
	"context"
	"testing"
	"time"

	"github.com/punchamoorthee/equityledger/internal/ledger"
	"github.com/punchamoorthee/equityledger/internal/secret"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wallets(t *testing.T, l *Ledger) (issuer, holder ledger.Wallet) {
	t.Helper()
	ctx := context.Background()
	issuer, err := l.WalletFromSeed(ctx, secret.NewSeed("sIssuer"))
	require.NoError(t, err)
	holder, err = l.NewWallet(ctx)
	require.NoError(t, err)
	return issuer, holder
}

func TestIssuedPaymentRequiresTrustLine(t *testing.T) {
	ctx := context.Background()
	l := New()
	issuer, holder := wallets(t, l)

	_, err := l.SubmitAndAwait(ctx, ledger.Payment(issuer.Address, holder.Address, ledger.Issued("TOK", issuer.Address, "10")), issuer.Seed)
	require.ErrorIs(t, err, ledger.ErrRejected)
	assert.Equal(t, "tecPATH_DRY", ledger.ResultCode(err))

	_, err = l.SubmitAndAwait(ctx, ledger.TrustLine(holder.Address, "TOK", issuer.Address, "5"), holder.Seed)
	require.NoError(t, err)

	_, err = l.SubmitAndAwait(ctx, ledger.Payment(issuer.Address, holder.Address, ledger.Issued("TOK", issuer.Address, "10")), issuer.Seed)
	assert.Equal(t, "tecPATH_PARTIAL", ledger.ResultCode(err))

	_, err = l.SubmitAndAwait(ctx, ledger.Payment(issuer.Address, holder.Address, ledger.Issued("TOK", issuer.Address, "5")), issuer.Seed)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(5).Equal(l.Balance(holder.Address, "TOK", issuer.Address)))
}

func TestFreezeBlocksSendingAndKeepsBalance(t *testing.T) {
	ctx := context.Background()
	l := New()
	issuer, holder := wallets(t, l)

	_, err := l.SubmitAndAwait(ctx, ledger.TrustLine(holder.Address, "TOK", issuer.Address, "100"), holder.Seed)
	require.NoError(t, err)
	_, err = l.SubmitAndAwait(ctx, ledger.Payment(issuer.Address, holder.Address, ledger.Issued("TOK", issuer.Address, "40")), issuer.Seed)
	require.NoError(t, err)
	_, err = l.SubmitAndAwait(ctx, ledger.Freeze(holder.Address, "TOK", issuer.Address), holder.Seed)
	require.NoError(t, err)

	line, ok := l.TrustLine(holder.Address, "TOK", issuer.Address)
	require.True(t, ok)
	assert.True(t, line.Frozen)
	assert.True(t, line.Limit.IsZero())
	assert.True(t, decimal.NewFromInt(40).Equal(line.Balance))

	_, err = l.SubmitAndAwait(ctx, ledger.Payment(holder.Address, issuer.Address, ledger.Issued("TOK", issuer.Address, "1")), holder.Seed)
	assert.Equal(t, "tecPATH_DRY", ledger.ResultCode(err))

	_, err = l.SubmitAndAwait(ctx, ledger.ClearFreeze(holder.Address, "TOK", issuer.Address, "100"), holder.Seed)
	require.NoError(t, err)
	_, err = l.SubmitAndAwait(ctx, ledger.Payment(holder.Address, issuer.Address, ledger.Issued("TOK", issuer.Address, "1")), holder.Seed)
	require.NoError(t, err)
}

func TestWrongSignerIsRejected(t *testing.T) {
	l := New()
	issuer, holder := wallets(t, l)

	_, err := l.SubmitAndAwait(context.Background(), ledger.TrustLine(holder.Address, "TOK", issuer.Address, "1"), issuer.Seed)
	assert.Equal(t, "tefBAD_AUTH", ledger.ResultCode(err))
}

func TestDoneContextIsNotSubmitted(t *testing.T) {
	l := New()
	issuer, holder := wallets(t, l)
	op := ledger.TrustLine(holder.Address, "TOK", issuer.Address, "1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.SubmitAndAwait(ctx, op, holder.Seed)
	assert.ErrorIs(t, err, context.Canceled)

	dctx, dcancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer dcancel()
	_, err = l.SubmitAndAwait(dctx, op, holder.Seed)
	assert.ErrorIs(t, err, ledger.ErrTimeout)

	assert.Empty(t, l.Submissions())
	_, ok := l.TrustLine(holder.Address, "TOK", issuer.Address)
	assert.False(t, ok)
}

func TestHookRejectsWithoutApplying(t *testing.T) {
	ctx := context.Background()
	l := New()
	issuer, holder := wallets(t, l)
	l.SetHook(func(context.Context, ledger.Operation) (string, error) { return "tecNO_LINE_INSUF_RESERVE", nil })

	_, err := l.SubmitAndAwait(ctx, ledger.TrustLine(holder.Address, "TOK", issuer.Address, "1"), holder.Seed)
	assert.Equal(t, "tecNO_LINE_INSUF_RESERVE", ledger.ResultCode(err))
	_, ok := l.TrustLine(holder.Address, "TOK", issuer.Address)
	assert.False(t, ok)
	require.Len(t, l.Submissions(), 1)

	l.SetHook(nil)
	_, err = l.SubmitAndAwait(ctx, ledger.TrustLine(holder.Address, "TOK", issuer.Address, "1"), holder.Seed)
	require.NoError(t, err)
}

var _ ledger.Client = (*Ledger)(nil)
