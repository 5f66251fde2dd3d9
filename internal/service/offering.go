package service

import (
	"context"
	"strings"
	"time"

	"github.com/punchamoorthee/equityledger/internal/custody"
	"github.com/punchamoorthee/equityledger/internal/domain"
	"github.com/punchamoorthee/equityledger/internal/ledger"
	"github.com/punchamoorthee/equityledger/internal/money"
	"go.uber.org/zap"
)

type NewProperty struct {
	Name        string       `json:"name"`
	TotalValue  money.Amount `json:"total_value_aed"`
	TotalSupply int64        `json:"tokens_to_issue"`
	TokenName   string       `json:"token_currency_name"`
}

// OfferingService is the registry of tokenized properties.
type OfferingService struct {
	store               Store
	custody             Custodian
	logger              *zap.Logger
	compensationTimeout time.Duration
}

func NewOfferingService(store Store, custodian Custodian, logger *zap.Logger) *OfferingService {
	return &OfferingService{
		store:               store,
		custody:             custodian,
		logger:              logger,
		compensationTimeout: defaultCompensationTimeout,
	}
}

func (s *OfferingService) CreateProperty(ctx context.Context, in NewProperty) (*domain.Property, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, domain.Invalid("property name is required")
	}
	if !in.TotalValue.IsPositive() {
		return nil, domain.Invalid("total value must be positive")
	}
	if in.TotalSupply < 1 {
		return nil, domain.Invalid("tokens to issue must be positive")
	}
	code, err := ledger.CurrencyCode(in.TokenName)
	if err != nil {
		return nil, domain.Invalid("token currency name must be 1 to 20 bytes")
	}

	p := &domain.Property{
		Name:              name,
		TotalValue:        in.TotalValue,
		TotalSupply:       in.TotalSupply,
		TokenName:         in.TokenName,
		TokenCurrencyCode: code,
		IssuerAddress:     s.custody.TokenIssuer(),
	}
	if err := s.store.CreateProperty(ctx, p); err != nil {
		return nil, storageError("create property", err)
	}

	s.logger.Info("property created",
		zap.Int64("property_id", p.ID),
		zap.String("token_currency_code", code),
		zap.String("total_value", p.TotalValue.String()),
		zap.Int64("total_supply", p.TotalSupply),
	)
	return p, nil
}

func (s *OfferingService) GetProperty(ctx context.Context, id int64) (*domain.Property, error) {
	p, err := s.store.GetProperty(ctx, id)
	if err != nil {
		return nil, storageError("get property", err)
	}
	return p, nil
}

func (s *OfferingService) ListProperties(ctx context.Context) ([]domain.Property, error) {
	ps, err := s.store.ListProperties(ctx)
	if err != nil {
		return nil, storageError("list properties", err)
	}
	return ps, nil
}

// MintSupply issues the property's entire token supply into the distribution
// account, exactly once. The minted flag is checked and set under the property
// row lock; if persisting it fails, the minted supply is burned again.
func (s *OfferingService) MintSupply(ctx context.Context, propertyID int64) (*domain.Property, error) {
	var (
		out  *domain.Property
		mint *custody.Mint
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		p, err := tx.LockProperty(ctx, propertyID)
		if err != nil {
			return storageError("lock property", err)
		}
		if p.IsMinted {
			return domain.ErrAlreadyMinted
		}

		mint, err = s.custody.MintSupply(ctx, p.TokenCurrencyCode, p.TotalSupply)
		if err != nil {
			return ledgerError("mint supply", err)
		}
		if err := tx.MarkMinted(ctx, p.ID, mint.TxHash); err != nil {
			return storageError("mark minted", err)
		}

		p.IsMinted = true
		p.MintTxHash = mint.TxHash
		out = p
		return nil
	})
	if err != nil {
		err = storageError("mint transaction", err)
		if mint != nil {
			s.burn(ctx, propertyID, mint)
		}
		return nil, err
	}

	s.logger.Info("property supply minted",
		zap.Int64("property_id", out.ID),
		zap.Int64("total_supply", out.TotalSupply),
		zap.String("tx_hash", out.MintTxHash),
	)
	return out, nil
}

func (s *OfferingService) burn(ctx context.Context, propertyID int64, mint *custody.Mint) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.compensationTimeout)
	defer cancel()

	if err := mint.Revert(ctx); err != nil {
		s.logger.Error("burn after failed mint commit failed, supply exists on-ledger without a minted flag",
			zap.Int64("property_id", propertyID),
			zap.String("tx_hash", mint.TxHash),
			zap.Error(err),
		)
		return
	}
	s.logger.Warn("minted supply burned after failed commit",
		zap.Int64("property_id", propertyID),
		zap.String("tx_hash", mint.TxHash),
	)
}
