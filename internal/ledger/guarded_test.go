package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/punchamoorthee/equityledger/internal/ledger"
	"github.com/punchamoorthee/equityledger/internal/ledger/ledgertest"
	"github.com/punchamoorthee/equityledger/internal/secret"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestGuardedClientTimesOutHungSubmission(t *testing.T) {
	mem := ledgertest.New()
	mem.Hang(ledgertest.Any)
	g := ledger.NewGuardedClient(mem, 20*time.Millisecond, ledger.DefaultBreakerConfig(), zap.NewNop())

	w, err := g.WalletFromSeed(context.Background(), secret.NewSeed("sUser"))
	require.NoError(t, err)

	_, err = g.SubmitAndAwait(context.Background(), ledger.TrustLine(w.Address, "AED", "rOps", "1"), w.Seed)
	require.ErrorIs(t, err, ledger.ErrTimeout)
	assert.NotErrorIs(t, err, ledger.ErrRejected)
}

func TestGuardedClientRejectionsDoNotTripBreaker(t *testing.T) {
	mem := ledgertest.New()
	mem.Fail(ledgertest.Any, "tecPATH_DRY")
	cfg := ledger.DefaultBreakerConfig()
	cfg.ConsecutiveFailures = 2
	g := ledger.NewGuardedClient(mem, time.Second, cfg, zap.NewNop())

	for i := 0; i < 5; i++ {
		_, err := g.SubmitAndAwait(context.Background(), ledger.TrustLine("rA", "AED", "rOps", "1"), secret.NewSeed("s"))
		require.ErrorIs(t, err, ledger.ErrRejected)
	}
	assert.Equal(t, gobreaker.StateClosed, g.State())
}

func TestGuardedClientOpensAfterTimeouts(t *testing.T) {
	mem := ledgertest.New()
	mem.Hang(ledgertest.Any)
	cfg := ledger.DefaultBreakerConfig()
	cfg.ConsecutiveFailures = 2
	g := ledger.NewGuardedClient(mem, 5*time.Millisecond, cfg, zap.NewNop())

	op := ledger.TrustLine("rA", "AED", "rOps", "1")
	for i := 0; i < 2; i++ {
		_, err := g.SubmitAndAwait(context.Background(), op, secret.NewSeed("s"))
		require.ErrorIs(t, err, ledger.ErrTimeout)
	}
	assert.Equal(t, gobreaker.StateOpen, g.State())

	_, err := g.SubmitAndAwait(context.Background(), op, secret.NewSeed("s"))
	require.ErrorIs(t, err, ledger.ErrUnavailable)
}
