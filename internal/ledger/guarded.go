package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/equityledger/internal/secret"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

var (
	submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "equity_ledger_submissions_total",
		Help: "Ledger submissions by transaction type and outcome",
	}, []string{"type", "outcome"})

	submitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "equity_ledger_submit_duration_seconds",
		Help:    "Latency of submit-and-await round trips",
		Buckets: []float64{0.5, 1, 2, 4, 8, 16, 32},
	}, []string{"type"})
)

type BreakerConfig struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// GuardedClient bounds each call with a deadline and trips a circuit breaker on
// repeated infrastructure failures. Ledger rejections are business outcomes and
// do not count against the breaker.
type GuardedClient struct {
	next    Client
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewGuardedClient(next Client, timeout time.Duration, cfg BreakerConfig, logger *zap.Logger) *GuardedClient {
	settings := gobreaker.Settings{
		Name:        "ledger",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrRejected)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("ledger circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
	return &GuardedClient{
		next:    next,
		timeout: timeout,
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}
}

func (g *GuardedClient) SubmitAndAwait(ctx context.Context, op Operation, signer secret.Seed) (Result, error) {
	timer := prometheus.NewTimer(submitDuration.WithLabelValues(string(op.TransactionType)))
	defer timer.ObserveDuration()

	var res Result
	err := g.execute(ctx, func(ctx context.Context) error {
		var err error
		res, err = g.next.SubmitAndAwait(ctx, op, signer)
		return err
	})
	submissionsTotal.WithLabelValues(string(op.TransactionType), outcome(err)).Inc()
	return res, err
}

func (g *GuardedClient) NewWallet(ctx context.Context) (Wallet, error) {
	var w Wallet
	err := g.execute(ctx, func(ctx context.Context) error {
		var err error
		w, err = g.next.NewWallet(ctx)
		return err
	})
	return w, err
}

func (g *GuardedClient) WalletFromSeed(ctx context.Context, seed secret.Seed) (Wallet, error) {
	var w Wallet
	err := g.execute(ctx, func(ctx context.Context) error {
		var err error
		w, err = g.next.WalletFromSeed(ctx, seed)
		return err
	})
	return w, err
}

func (g *GuardedClient) State() gobreaker.State { return g.breaker.State() }

func (g *GuardedClient) execute(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	_, err := g.breaker.Execute(func() (any, error) {
		err := fn(ctx)
		if err != nil && !errors.Is(err, ErrTimeout) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrRejected):
		return "rejected"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "error"
	}
}
