package service

import (
	"context"
	"net/mail"
	"strings"

	"github.com/punchamoorthee/equityledger/internal/domain"
	"github.com/punchamoorthee/equityledger/internal/money"
	"go.uber.org/zap"
)

type NewUser struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type Dashboard struct {
	User     domain.User      `json:"user"`
	Holdings []domain.Holding `json:"holdings"`
}

type UnfreezeResult struct {
	UserID     int64  `json:"user_id"`
	PropertyID int64  `json:"property_id"`
	Currency   string `json:"token_currency_code"`
	TxHash     string `json:"xrpl_tx_hash"`
}

// UserService onboards users and serves their balances and holdings.
type UserService struct {
	store   Store
	custody Custodian
	logger  *zap.Logger
}

func NewUserService(store Store, custodian Custodian, logger *zap.Logger) *UserService {
	return &UserService{store: store, custody: custodian, logger: logger}
}

// CreateUser opens a funded custodial account with a fiat trust line and stores
// the user with a zero balance.
func (s *UserService) CreateUser(ctx context.Context, in NewUser) (*domain.User, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, domain.Invalid("name is required")
	}
	addr, err := mail.ParseAddress(in.Email)
	if err != nil || addr.Address != strings.TrimSpace(in.Email) {
		return nil, domain.Invalid("email is invalid")
	}

	acct, err := s.custody.CreateAccount(ctx)
	if err != nil {
		return nil, ledgerError("create custodial account", err)
	}

	u := &domain.User{Name: name, Email: strings.ToLower(addr.Address), Account: acct}
	if err := s.store.CreateUser(ctx, u); err != nil {
		// The ledger account stays activated but unowned.
		s.logger.Warn("custodial account orphaned by failed user insert",
			zap.String("address", acct.Address),
			zap.Error(err),
		)
		return nil, storageError("create user", err)
	}

	s.logger.Info("user created", zap.Int64("user_id", u.ID), zap.String("address", acct.Address))
	return u, nil
}

func (s *UserService) DepositFiat(ctx context.Context, userID int64, amount money.Amount) (money.Amount, error) {
	if !amount.IsPositive() {
		return 0, domain.Invalid("deposit amount must be positive")
	}
	balance, err := s.store.CreditFiat(ctx, userID, amount)
	if err != nil {
		return 0, storageError("credit fiat", err)
	}
	s.logger.Info("fiat deposited",
		zap.Int64("user_id", userID),
		zap.String("amount", amount.String()),
		zap.String("balance", balance.String()),
	)
	return balance, nil
}

func (s *UserService) Dashboard(ctx context.Context, userID int64) (*Dashboard, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, storageError("get user", err)
	}
	holdings, err := s.store.UserHoldings(ctx, userID)
	if err != nil {
		return nil, storageError("user holdings", err)
	}
	if holdings == nil {
		holdings = []domain.Holding{}
	}
	return &Dashboard{User: *u, Holdings: holdings}, nil
}

// Unfreeze makes the user's tokens of a property transferable again. It takes
// the same row locks as Invest so a concurrent investment cannot re-freeze the
// line between the ledger call and the stored state.
func (s *UserService) Unfreeze(ctx context.Context, userID, propertyID int64) (*UnfreezeResult, error) {
	var out *UnfreezeResult
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		prop, err := tx.LockProperty(ctx, propertyID)
		if err != nil {
			return storageError("lock property", err)
		}
		if !prop.IsMinted {
			return domain.ErrNotMinted
		}
		user, err := tx.LockUser(ctx, userID)
		if err != nil {
			return storageError("lock user", err)
		}

		hash, err := s.custody.Unfreeze(ctx, user.Account, prop.TokenCurrencyCode)
		if err != nil {
			return ledgerError("unfreeze trust line", err)
		}
		if err := tx.SetTrustLineFrozen(ctx, user.ID, prop.TokenCurrencyCode, false); err != nil {
			return storageError("trust line state", err)
		}
		out = &UnfreezeResult{UserID: user.ID, PropertyID: prop.ID, Currency: prop.TokenCurrencyCode, TxHash: hash}
		return nil
	})
	if err != nil {
		return nil, storageError("unfreeze transaction", err)
	}

	s.logger.Info("trust line unfrozen",
		zap.Int64("user_id", userID),
		zap.Int64("property_id", propertyID),
		zap.String("tx_hash", out.TxHash),
	)
	return out, nil
}
