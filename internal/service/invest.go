package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/equityledger/internal/custody"
	"github.com/punchamoorthee/equityledger/internal/domain"
	"github.com/punchamoorthee/equityledger/internal/money"
	"go.uber.org/zap"
)

var (
	investmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "equity_investments_total",
		Help: "Investment attempts by outcome",
	}, []string{"outcome"})

	tokensDistributed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "equity_tokens_distributed_total",
		Help: "Property tokens transferred to investors",
	})
)

const defaultCompensationTimeout = 2 * time.Minute

type InvestRequest struct {
	UserID     int64        `json:"user_id"`
	PropertyID int64        `json:"property_id"`
	Amount     money.Amount `json:"amount_aed"`
	// IdempotencyKey is optional here; an empty key disables replay.
	IdempotencyKey string `json:"-"`
	RequestHash    string `json:"-"`
}

type InvestResult struct {
	Investment     domain.Investment `json:"investment"`
	TokensReceived int64             `json:"tokens_received"`
	LedgerTxHash   string            `json:"xrpl_tx_hash"`
	FiatBalance    money.Amount      `json:"new_fiat_balance_aed"`
	PropertyFunded bool              `json:"property_fully_funded"`
}

type InvestmentService struct {
	store               Store
	custody             Custodian
	logger              *zap.Logger
	compensationTimeout time.Duration
}

func NewInvestmentService(store Store, custodian Custodian, logger *zap.Logger) *InvestmentService {
	return &InvestmentService{
		store:               store,
		custody:             custodian,
		logger:              logger,
		compensationTimeout: defaultCompensationTimeout,
	}
}

// Invest allocates tokens of a property to a user against their fiat balance.
//
// The property row is locked before the user row for the whole operation, so
// investments in one property are serialized and the capacity check cannot be
// overshot. The on-ledger transfer runs inside that scope; if it fails nothing
// is committed, and if the commit fails after it succeeded the transfer is
// reverted on-ledger.
//
// A non-nil record is a stored response for a replayed idempotency key.
func (s *InvestmentService) Invest(ctx context.Context, req InvestRequest) (*InvestResult, *domain.IdempotencyRecord, error) {
	if !req.Amount.IsPositive() {
		investmentsTotal.WithLabelValues(domain.ErrInvalidInput.Code).Inc()
		return nil, nil, domain.Invalid("investment amount must be positive")
	}

	var (
		result *InvestResult
		replay *domain.IdempotencyRecord
		dist   *custody.Distribution
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		// 1. Idempotency check and reservation
		if req.IdempotencyKey != "" {
			rec, err := tx.GetIdempotency(ctx, req.IdempotencyKey)
			if err != nil {
				return storageError("idempotency lookup", err)
			}
			if rec != nil {
				if rec.RequestHash != req.RequestHash {
					return domain.ErrIdempotencyMismatch
				}
				if rec.Status != domain.IdempotencyCompleted {
					return domain.ErrIdempotencyConflict
				}
				replay = rec
				return nil
			}
			if err := tx.ReserveIdempotency(ctx, req.IdempotencyKey, req.RequestHash); err != nil {
				return storageError("idempotency reservation", err)
			}
		}

		// 2. Lock in fixed order: property, then user
		prop, err := tx.LockProperty(ctx, req.PropertyID)
		if err != nil {
			return storageError("lock property", err)
		}
		if prop.IsFullyFunded {
			return domain.ErrAlreadyFunded
		}
		if !prop.IsMinted {
			return domain.ErrNotMinted
		}

		user, err := tx.LockUser(ctx, req.UserID)
		if err != nil {
			return storageError("lock user", err)
		}

		// 3. Business rules
		raised, err := tx.SumInvested(ctx, prop.ID)
		if err != nil {
			return storageError("sum investments", err)
		}
		remaining := prop.TotalValue - raised
		if req.Amount > remaining {
			return domain.ErrCapacityExceeded.Withf(
				"investment of %s AED exceeds the remaining amount of %s AED needed", req.Amount, remaining)
		}
		if user.FiatBalance < req.Amount {
			return domain.ErrInsufficientBalance.Withf(
				"insufficient fiat balance: have %s AED, need %s AED", user.FiatBalance, req.Amount)
		}
		tokens := money.Tokens(req.Amount, prop.TotalValue, prop.TotalSupply)
		if tokens < 1 {
			return domain.ErrBelowTokenMinimum.Withf(
				"investment amount is too low to receive at least one token (price per token %s AED)",
				money.PricePerToken(prop.TotalValue, prop.TotalSupply).String())
		}

		// 4. Debit, then distribute on-ledger
		if err := tx.DebitFiat(ctx, user.ID, req.Amount); err != nil {
			return storageError("debit fiat", err)
		}
		frozen, err := tx.TrustLineFrozen(ctx, user.ID, prop.TokenCurrencyCode)
		if err != nil {
			return storageError("trust line state", err)
		}
		dist, err = s.custody.TransferAndFreeze(ctx, custody.Transfer{
			Account:          user.Account,
			Currency:         prop.TokenCurrencyCode,
			Amount:           tokens,
			PreviouslyFrozen: frozen,
		})
		if err != nil {
			return ledgerError("token distribution", err)
		}

		// 5. Record
		inv := &domain.Investment{
			UserID:         user.ID,
			PropertyID:     prop.ID,
			Amount:         req.Amount,
			TokensReceived: tokens,
			LedgerTxHash:   dist.TxHash,
		}
		if err := tx.InsertInvestment(ctx, inv); err != nil {
			return storageError("insert investment", err)
		}
		if err := tx.SetTrustLineFrozen(ctx, user.ID, prop.TokenCurrencyCode, true); err != nil {
			return storageError("trust line state", err)
		}
		funded := raised+req.Amount >= prop.TotalValue
		if funded {
			if err := tx.MarkFunded(ctx, prop.ID); err != nil {
				return storageError("mark funded", err)
			}
		}

		result = &InvestResult{
			Investment:     *inv,
			TokensReceived: tokens,
			LedgerTxHash:   dist.TxHash,
			FiatBalance:    user.FiatBalance - req.Amount,
			PropertyFunded: funded,
		}

		// 6. Finalize idempotency
		if req.IdempotencyKey != "" {
			body, err := json.Marshal(result)
			if err != nil {
				return fmt.Errorf("encode response: %w", err)
			}
			if err := tx.CompleteIdempotency(ctx, req.IdempotencyKey, http.StatusCreated, body); err != nil {
				return storageError("complete idempotency", err)
			}
		}
		return nil
	})
	if err != nil {
		err = storageError("investment transaction", err)
		if dist != nil {
			if cerr := s.revert(ctx, req, dist); cerr != nil {
				err = errors.Join(err, cerr)
			}
		}
		investmentsTotal.WithLabelValues(outcome(err)).Inc()
		s.logger.Info("investment rejected",
			zap.Int64("user_id", req.UserID),
			zap.Int64("property_id", req.PropertyID),
			zap.String("amount", req.Amount.String()),
			zap.String("reason", outcome(err)),
		)
		return nil, nil, err
	}

	if replay != nil {
		investmentsTotal.WithLabelValues("replay").Inc()
		return nil, replay, nil
	}

	investmentsTotal.WithLabelValues("success").Inc()
	tokensDistributed.Add(float64(result.TokensReceived))
	s.logger.Info("investment committed",
		zap.Int64("investment_id", result.Investment.ID),
		zap.Int64("user_id", req.UserID),
		zap.Int64("property_id", req.PropertyID),
		zap.String("amount", req.Amount.String()),
		zap.Int64("tokens", result.TokensReceived),
		zap.String("tx_hash", result.LedgerTxHash),
		zap.Bool("funded", result.PropertyFunded),
	)
	return result, nil, nil
}

// revert undoes a distribution whose investment was not committed. It runs on
// a context detached from the request, bounded by compensationTimeout.
func (s *InvestmentService) revert(ctx context.Context, req InvestRequest, dist *custody.Distribution) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.compensationTimeout)
	defer cancel()

	if err := dist.Revert(ctx); err != nil {
		s.logger.Error("distribution compensation failed, ledger holds uncommitted tokens",
			zap.Int64("user_id", req.UserID),
			zap.Int64("property_id", req.PropertyID),
			zap.String("tx_hash", dist.TxHash),
			zap.Error(err),
		)
		return ledgerError("compensate distribution "+dist.TxHash, err)
	}
	s.logger.Warn("distribution reverted after failed commit",
		zap.Int64("user_id", req.UserID),
		zap.Int64("property_id", req.PropertyID),
		zap.String("tx_hash", dist.TxHash),
	)
	return nil
}

func outcome(err error) string {
	var de *domain.Error
	if errors.As(err, &de) {
		return de.Code
	}
	return "error"
}
