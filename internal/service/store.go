package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/punchamoorthee/equityledger/internal/custody"
	"github.com/punchamoorthee/equityledger/internal/domain"
	"github.com/punchamoorthee/equityledger/internal/ledger"
	"github.com/punchamoorthee/equityledger/internal/money"
	"github.com/shopspring/decimal"
)

// Store is the relational ledger. Missing rows are reported as
// domain.ErrUserNotFound or domain.ErrPropertyNotFound.
type Store interface {
	// InTx runs fn in one transaction. The transaction commits when fn returns
	// nil and rolls back otherwise; row locks are held until then.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	CreateUser(ctx context.Context, u *domain.User) error
	GetUser(ctx context.Context, id int64) (*domain.User, error)
	// CreditFiat atomically adds amount and returns the new balance.
	CreditFiat(ctx context.Context, userID int64, amount money.Amount) (money.Amount, error)

	CreateProperty(ctx context.Context, p *domain.Property) error
	GetProperty(ctx context.Context, id int64) (*domain.Property, error)
	ListProperties(ctx context.Context) ([]domain.Property, error)

	// HolderTokens sums tokens received per user, ordered by user id.
	HolderTokens(ctx context.Context, propertyID int64) ([]domain.HolderTokens, error)
	UserHoldings(ctx context.Context, userID int64) ([]domain.Holding, error)

	InsertRentDistribution(ctx context.Context, d *domain.RentDistribution) error
}

// Tx is a transaction scope with exclusive row locks. Callers lock a property
// before a user.
type Tx interface {
	LockProperty(ctx context.Context, id int64) (*domain.Property, error)
	LockUser(ctx context.Context, id int64) (*domain.User, error)

	SumInvested(ctx context.Context, propertyID int64) (money.Amount, error)
	DebitFiat(ctx context.Context, userID int64, amount money.Amount) error
	InsertInvestment(ctx context.Context, inv *domain.Investment) error
	MarkFunded(ctx context.Context, propertyID int64) error
	MarkMinted(ctx context.Context, propertyID int64, txHash string) error

	TrustLineFrozen(ctx context.Context, userID int64, currency string) (bool, error)
	SetTrustLineFrozen(ctx context.Context, userID int64, currency string, frozen bool) error

	// GetIdempotency returns nil when the key is unknown.
	GetIdempotency(ctx context.Context, key string) (*domain.IdempotencyRecord, error)
	// ReserveIdempotency fails with domain.ErrIdempotencyConflict when another
	// request holds the key.
	ReserveIdempotency(ctx context.Context, key, requestHash string) error
	CompleteIdempotency(ctx context.Context, key string, status int, body []byte) error
}

// Custodian performs the on-ledger side of every operation.
type Custodian interface {
	TokenIssuer() string
	CreateAccount(ctx context.Context) (domain.CustodialAccount, error)
	TransferAndFreeze(ctx context.Context, t custody.Transfer) (*custody.Distribution, error)
	Unfreeze(ctx context.Context, acct domain.CustodialAccount, currency string) (string, error)
	MintSupply(ctx context.Context, currency string, supply int64) (*custody.Mint, error)
	PayFiat(ctx context.Context, destination string, amount decimal.Decimal, memo string) (ledger.Result, error)
}

// ledgerError classifies a ledger failure so timeouts and rejections stay distinct.
func ledgerError(op string, err error) error {
	var kind *domain.Error
	switch {
	case errors.Is(err, ledger.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		kind = domain.ErrLedgerTimeout
	case errors.Is(err, ledger.ErrRejected):
		kind = domain.ErrLedgerRejected
	case errors.Is(err, ledger.ErrUnavailable):
		kind = domain.ErrLedgerUnavailable
	default:
		return domain.LedgerFailure(op, err)
	}
	return kind.Wrap(fmt.Errorf("%s: %w", op, err))
}

// storageError leaves classified errors alone and marks the rest as storage failures.
func storageError(op string, err error) error {
	if domain.KindOf(err) != 0 {
		return err
	}
	return domain.StorageFailure(op, err)
}
