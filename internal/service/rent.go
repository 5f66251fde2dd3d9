package service

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/equityledger/internal/domain"
	"github.com/punchamoorthee/equityledger/internal/ledger"
	"github.com/punchamoorthee/equityledger/internal/lock"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var rentPayoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "equity_rent_payouts_total",
	Help: "Per-holder rent payouts by status",
}, []string{"status"})

const (
	PayoutSuccess = "success"
	PayoutFailed  = "failed"

	// Fiat payments carry six decimal places.
	ratePrecision = 6

	payoutTimeout = 2 * time.Minute
	recordTimeout = 30 * time.Second
)

type RentRequest struct {
	PropertyID   int64           `json:"-"`
	RatePerToken decimal.Decimal `json:"rent_per_token_aed"`
	// TotalRent is the declared rent; it defaults to the calculated total.
	TotalRent *decimal.Decimal `json:"total_rent_aed,omitempty"`
}

// Payout is the outcome for one holder.
type Payout struct {
	UserID  int64           `json:"user_id"`
	Address string          `json:"holder_address"`
	Tokens  int64           `json:"tokens"`
	Amount  decimal.Decimal `json:"amount_paid_aed"`
	Status  string          `json:"status"`
	TxHash  string          `json:"tx_hash,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type RentReport struct {
	Distribution domain.RentDistribution `json:"distribution"`
	Payouts      []Payout                `json:"payouts"`
}

type RentService struct {
	store   Store
	custody Custodian
	locker  lock.Locker
	logger  *zap.Logger
}

func NewRentService(store Store, custodian Custodian, locker lock.Locker, logger *zap.Logger) *RentService {
	return &RentService{store: store, custody: custodian, locker: locker, logger: logger}
}

func rentLockKey(propertyID int64) string {
	return fmt.Sprintf("rent:property:%d", propertyID)
}

// DistributeRent pays ratePerToken for every token held in a funded property.
// Payouts are sequential and independent: a failed payment is recorded in its
// entry and the fan-out continues. One distribution record is appended per call.
// A second call for the same property while one is running fails with
// domain.ErrDistributionInProgress. Once the first payout is submitted the batch
// and its record no longer follow ctx cancellation.
func (s *RentService) DistributeRent(ctx context.Context, req RentRequest) (*RentReport, error) {
	if !req.RatePerToken.IsPositive() {
		return nil, domain.Invalid("rent per token must be positive")
	}
	if !req.RatePerToken.Equal(req.RatePerToken.Truncate(ratePrecision)) {
		return nil, domain.Invalid("rent per token supports at most %d decimal places", ratePrecision)
	}
	if req.TotalRent != nil && req.TotalRent.IsNegative() {
		return nil, domain.Invalid("total rent must not be negative")
	}

	h, ok, err := s.locker.TryLock(ctx, rentLockKey(req.PropertyID))
	if err != nil {
		return nil, domain.StorageFailure("acquire rent lock", err)
	}
	if !ok {
		return nil, domain.ErrDistributionInProgress
	}
	defer func() {
		if err := h.Unlock(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("rent lock release failed", zap.Int64("property_id", req.PropertyID), zap.Error(err))
		}
	}()

	prop, err := s.store.GetProperty(ctx, req.PropertyID)
	if err != nil {
		return nil, storageError("get property", err)
	}
	if !prop.IsFullyFunded {
		return nil, domain.ErrNotFunded
	}

	holders, err := s.store.HolderTokens(ctx, prop.ID)
	if err != nil {
		return nil, storageError("aggregate holdings", err)
	}
	if len(holders) == 0 {
		return nil, domain.ErrNoHolders
	}

	memo := fmt.Sprintf("Rent for PropertyID: %d", prop.ID)
	runCtx := context.WithoutCancel(ctx)
	var (
		payouts    = make([]Payout, 0, len(holders))
		calculated = decimal.Zero
		paid       = decimal.Zero
		failed     int
		lockErr    error
	)
	for _, holder := range holders {
		amount := req.RatePerToken.Mul(decimal.NewFromInt(holder.Tokens))
		if !amount.IsPositive() {
			continue
		}
		calculated = calculated.Add(amount)

		p := Payout{UserID: holder.UserID, Address: holder.Address, Tokens: holder.Tokens, Amount: amount}
		if lockErr == nil {
			if lockErr = h.Extend(runCtx); lockErr != nil {
				s.logger.Error("rent lock lost, remaining payouts skipped",
					zap.Int64("property_id", prop.ID),
					zap.Int64("next_user_id", holder.UserID),
					zap.Error(lockErr),
				)
			}
		}
		if lockErr != nil {
			p.Status = PayoutFailed
			p.Error = "distribution lock lost"
			failed++
		} else if res, err := s.pay(runCtx, holder.Address, amount, memo); err != nil {
			p.Status = PayoutFailed
			if code := ledger.ResultCode(err); code != "" {
				p.Status = code
			}
			p.Error = "payment failed"
			failed++
			s.logger.Warn("rent payout failed",
				zap.Int64("property_id", prop.ID),
				zap.Int64("user_id", holder.UserID),
				zap.String("amount", amount.String()),
				zap.Error(err),
			)
		} else {
			p.Status = PayoutSuccess
			p.TxHash = res.Hash
			paid = paid.Add(amount)
		}
		rentPayoutsTotal.WithLabelValues(statusLabel(p.Status)).Inc()
		payouts = append(payouts, p)
	}

	total := calculated
	if req.TotalRent != nil {
		total = *req.TotalRent
	}
	dist := domain.RentDistribution{
		PropertyID:      prop.ID,
		TotalRent:       total,
		CalculatedTotal: calculated,
		RatePerToken:    req.RatePerToken,
		PaidTotal:       paid,
		FailedCount:     failed,
	}
	recCtx, cancel := context.WithTimeout(runCtx, recordTimeout)
	defer cancel()
	if err := s.store.InsertRentDistribution(recCtx, &dist); err != nil {
		s.logger.Error("rent paid but distribution record not stored",
			zap.Int64("property_id", prop.ID),
			zap.String("paid_total", paid.String()),
			zap.Int("failed", failed),
			zap.Error(err),
		)
		return nil, storageError("insert rent distribution", err)
	}
	if ctx.Err() != nil {
		s.logger.Warn("caller left before rent distribution finished",
			zap.Int64("distribution_id", dist.ID),
			zap.Int64("property_id", prop.ID),
		)
	}

	s.logger.Info("rent distributed",
		zap.Int64("distribution_id", dist.ID),
		zap.Int64("property_id", prop.ID),
		zap.String("rate_per_token", req.RatePerToken.String()),
		zap.String("calculated_total", calculated.String()),
		zap.String("paid_total", paid.String()),
		zap.Int("holders", len(payouts)),
		zap.Int("failed", failed),
	)
	return &RentReport{Distribution: dist, Payouts: payouts}, nil
}

func (s *RentService) pay(ctx context.Context, destination string, amount decimal.Decimal, memo string) (ledger.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, payoutTimeout)
	defer cancel()
	return s.custody.PayFiat(ctx, destination, amount, memo)
}

func statusLabel(status string) string {
	if status == PayoutSuccess {
		return PayoutSuccess
	}
	return PayoutFailed
}
