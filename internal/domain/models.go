package domain

import (
	"encoding/json"
	"time"

	"github.com/punchamoorthee/equityledger/internal/money"
	"github.com/punchamoorthee/equityledger/internal/secret"
	"github.com/shopspring/decimal"
)

// CustodialAccount is a ledger account whose seed the platform holds for the user.
type CustodialAccount struct {
	Address string      `json:"address"`
	Seed    secret.Seed `json:"-"`
}

// User holds the fiat balance of the relational ledger. FiatBalance never goes
// below zero and is only mutated under the user's row lock.
type User struct {
	ID          int64            `json:"id"`
	Name        string           `json:"name"`
	Email       string           `json:"email"`
	FiatBalance money.Amount     `json:"fiat_balance_aed"`
	Account     CustodialAccount `json:"custodial_account"`
	CreatedAt   time.Time        `json:"created_at"`
}

// Property is a tokenized offering. IsFullyFunded and IsMinted only ever go
// from false to true.
type Property struct {
	ID                int64        `json:"id"`
	Name              string       `json:"name"`
	TotalValue        money.Amount `json:"total_value_aed"`
	TotalSupply       int64        `json:"tokens_to_issue"`
	TokenName         string       `json:"token_currency_name"`
	TokenCurrencyCode string       `json:"token_currency_code"`
	IssuerAddress     string       `json:"issuer_address"`
	IsFullyFunded     bool         `json:"is_fully_funded"`
	IsMinted          bool         `json:"is_minted"`
	MintTxHash        string       `json:"mint_tx_hash,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
}

// Investment is an immutable allocation event. Holdings are sums over these rows.
type Investment struct {
	ID             int64        `json:"id"`
	UserID         int64        `json:"user_id"`
	PropertyID     int64        `json:"property_id"`
	Amount         money.Amount `json:"amount_invested_aed"`
	TokensReceived int64        `json:"tokens_received"`
	LedgerTxHash   string       `json:"xrpl_tx_hash"`
	CreatedAt      time.Time    `json:"created_at"`
}

// RentDistribution summarizes one payout fan-out. Per-holder payouts are
// recomputed from investments, not stored.
type RentDistribution struct {
	ID              int64           `json:"id"`
	PropertyID      int64           `json:"property_id"`
	TotalRent       decimal.Decimal `json:"total_rent_aed"`
	CalculatedTotal decimal.Decimal `json:"calculated_total_aed"`
	RatePerToken    decimal.Decimal `json:"rent_per_token_aed"`
	PaidTotal       decimal.Decimal `json:"paid_total_aed"`
	FailedCount     int             `json:"failed_count"`
	CreatedAt       time.Time       `json:"distribution_date"`
}

// HolderTokens is the aggregated holding of one user in one property.
type HolderTokens struct {
	UserID  int64  `json:"user_id"`
	Address string `json:"address"`
	Tokens  int64  `json:"tokens"`
}

// Holding is a user's position in one property, for the dashboard.
type Holding struct {
	PropertyID        int64        `json:"property_id"`
	PropertyName      string       `json:"property_name"`
	TokenCurrencyCode string       `json:"token_currency_code"`
	Tokens            int64        `json:"tokens"`
	Invested          money.Amount `json:"invested_aed"`
	Frozen            bool         `json:"frozen"`
}

// TrustLineState mirrors the freeze state of a user's line for one token.
type TrustLineState struct {
	UserID    int64     `json:"user_id"`
	Currency  string    `json:"currency"`
	Frozen    bool      `json:"frozen"`
	UpdatedAt time.Time `json:"updated_at"`
}

const (
	IdempotencyInProgress = "in_progress"
	IdempotencyCompleted  = "completed"
)

// IdempotencyRecord holds the stored outcome of a keyed request.
type IdempotencyRecord struct {
	Key            string          `json:"key"`
	RequestHash    string          `json:"request_hash"`
	Status         string          `json:"status"`
	ResponseBody   json.RawMessage `json:"response_body,omitempty"`
	ResponseStatus int             `json:"response_status,omitempty"`
}
