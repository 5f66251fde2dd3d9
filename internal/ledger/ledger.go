// Package ledger is the adapter to the distributed ledger (XRPL). It defines the
// operations the platform submits, the Client contract used by the custodial
// layer, a rippled JSON-RPC implementation and a guarded client that bounds every
// submission with a deadline and a circuit breaker.
package ledger

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/punchamoorthee/equityledger/internal/secret"
)

const (
	ResultSuccess = "tesSUCCESS"

	// TrustSet flags.
	FlagSetFreeze   uint32 = 0x00100000
	FlagClearFreeze uint32 = 0x00200000

	// AccountSet flags.
	AccountFlagDefaultRipple uint32 = 8
)

var (
	ErrRejected    = errors.New("ledger rejected operation")
	ErrTimeout     = errors.New("ledger operation timed out")
	ErrUnavailable = errors.New("ledger unavailable")
)

// RejectedError carries the terminal result code of a failed operation.
type RejectedError struct {
	Type TxType
	Code string
	Hash string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("ledger rejected %s: %s", e.Type, e.Code)
}

func (e *RejectedError) Is(target error) bool { return target == ErrRejected }

// ResultCode extracts the ledger result code from err, if it carries one.
func ResultCode(err error) string {
	var rej *RejectedError
	if errors.As(err, &rej) {
		return rej.Code
	}
	return ""
}

// Client submits signed operations and waits for their terminal result.
type Client interface {
	// SubmitAndAwait signs op with signer, submits it and blocks until the ledger
	// validates it or ctx ends. A non-success terminal code is a *RejectedError.
	SubmitAndAwait(ctx context.Context, op Operation, signer secret.Seed) (Result, error)
	NewWallet(ctx context.Context) (Wallet, error)
	WalletFromSeed(ctx context.Context, seed secret.Seed) (Wallet, error)
}

type Wallet struct {
	Address string
	Seed    secret.Seed
}

type Result struct {
	Code      string `json:"code"`
	Hash      string `json:"hash"`
	Validated bool   `json:"validated"`
}

type TxType string

const (
	TxTrustSet   TxType = "TrustSet"
	TxPayment    TxType = "Payment"
	TxAccountSet TxType = "AccountSet"
)

// Amount is either native XRP in drops (Currency empty) or an issued currency.
type Amount struct {
	Currency string `json:"currency"`
	Issuer   string `json:"issuer"`
	Value    string `json:"value"`
}

func Drops(n int64) *Amount {
	return &Amount{Value: fmt.Sprintf("%d", n)}
}

func Issued(currency, issuer, value string) *Amount {
	return &Amount{Currency: currency, Issuer: issuer, Value: value}
}

func (a Amount) IsNative() bool { return a.Currency == "" }

func (a Amount) MarshalJSON() ([]byte, error) {
	if a.IsNative() {
		return json.Marshal(a.Value)
	}
	type issued Amount
	return json.Marshal(issued(a))
}

type Memo struct {
	MemoType string `json:"MemoType"`
	MemoData string `json:"MemoData"`
}

type MemoEntry struct {
	Memo Memo `json:"Memo"`
}

// NewMemo hex-encodes a memo type and payload.
func NewMemo(memoType, data string) MemoEntry {
	return MemoEntry{Memo: Memo{MemoType: ToHex(memoType), MemoData: ToHex(data)}}
}

// Operation is the unsigned tx_json of a ledger transaction.
type Operation struct {
	TransactionType TxType      `json:"TransactionType"`
	Account         string      `json:"Account"`
	Destination     string      `json:"Destination,omitempty"`
	Amount          *Amount     `json:"Amount,omitempty"`
	LimitAmount     *Amount     `json:"LimitAmount,omitempty"`
	Flags           uint32      `json:"Flags,omitempty"`
	SetFlag         uint32      `json:"SetFlag,omitempty"`
	Domain          string      `json:"Domain,omitempty"`
	Memos           []MemoEntry `json:"Memos,omitempty"`
}

// TrustLine authorizes account to hold currency from issuer up to limit.
func TrustLine(account, currency, issuer, limit string) Operation {
	return Operation{
		TransactionType: TxTrustSet,
		Account:         account,
		LimitAmount:     Issued(currency, issuer, limit),
	}
}

// Freeze sets the line to a zero limit with the freeze flag; the balance is kept.
func Freeze(account, currency, issuer string) Operation {
	op := TrustLine(account, currency, issuer, "0")
	op.Flags = FlagSetFreeze
	return op
}

// ClearFreeze restores the line to limit with the freeze flag cleared.
func ClearFreeze(account, currency, issuer, limit string) Operation {
	op := TrustLine(account, currency, issuer, limit)
	op.Flags = FlagClearFreeze
	return op
}

func Payment(from, to string, amount *Amount, memos ...MemoEntry) Operation {
	return Operation{
		TransactionType: TxPayment,
		Account:         from,
		Destination:     to,
		Amount:          amount,
		Memos:           memos,
	}
}

// ConfigureIssuer enables rippling on the issuer and publishes its domain.
func ConfigureIssuer(account, domain string) Operation {
	op := Operation{
		TransactionType: TxAccountSet,
		Account:         account,
		SetFlag:         AccountFlagDefaultRipple,
	}
	if domain != "" {
		op.Domain = ToHex(domain)
	}
	return op
}

// ToHex is the uppercase hex encoding the ledger uses for memos, domains and
// non-standard currency codes.
func ToHex(s string) string {
	return strings.ToUpper(hex.EncodeToString([]byte(s)))
}
