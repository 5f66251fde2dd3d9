// Package memledger is an in-memory ledger that implements ledger.Client with
// trust lines, limits, freeze flags and issued balances. It backs the
// LEDGER_MODE=memory development server.
package memledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/punchamoorthee/equityledger/internal/ledger"
	"github.com/punchamoorthee/equityledger/internal/secret"
	"github.com/shopspring/decimal"
)

// Line is the state of one trust line.
type Line struct {
	Limit   decimal.Decimal
	Balance decimal.Decimal
	Frozen  bool
}

type lineKey struct {
	account, currency, issuer string
}

// Hook runs before an operation is applied. A non-empty code rejects the
// operation without applying it. A non-nil error aborts the call unrecorded.
type Hook func(ctx context.Context, op ledger.Operation) (code string, err error)

// Submission is one attempted operation and its outcome.
type Submission struct {
	Op   ledger.Operation
	Code string
	Hash string
}

type Ledger struct {
	mu          sync.Mutex
	seeds       map[string]string // seed -> address
	drops       map[string]int64
	lines       map[lineKey]*Line
	accountSets map[string]ledger.Operation
	hook        Hook
	submissions []Submission
}

func New() *Ledger {
	return &Ledger{
		seeds:       make(map[string]string),
		drops:       make(map[string]int64),
		lines:       make(map[lineKey]*Line),
		accountSets: make(map[string]ledger.Operation),
	}
}

func (l *Ledger) NewWallet(ctx context.Context) (ledger.Wallet, error) {
	seed := "s" + strings.ReplaceAll(uuid.NewString(), "-", "")
	return l.WalletFromSeed(ctx, secret.NewSeed(seed))
}

// WalletFromSeed derives a stable address from the seed.
func (l *Ledger) WalletFromSeed(_ context.Context, seed secret.Seed) (ledger.Wallet, error) {
	if seed.IsZero() {
		return ledger.Wallet{}, errors.New("empty seed")
	}
	sum := sha256.Sum256([]byte(seed.Expose()))
	addr := "r" + hex.EncodeToString(sum[:12])

	l.mu.Lock()
	l.seeds[seed.Expose()] = addr
	l.mu.Unlock()
	return ledger.Wallet{Address: addr, Seed: seed}, nil
}

// SetHook installs h in front of every submission. A nil h removes it.
func (l *Ledger) SetHook(h Hook) {
	l.mu.Lock()
	l.hook = h
	l.mu.Unlock()
}

func (l *Ledger) SubmitAndAwait(ctx context.Context, op ledger.Operation, signer secret.Seed) (ledger.Result, error) {
	if err := ContextError(ctx, op); err != nil {
		return ledger.Result{}, err
	}

	l.mu.Lock()
	hook := l.hook
	l.mu.Unlock()

	var code string
	if hook != nil {
		var err error
		if code, err = hook(ctx, op); err != nil {
			return ledger.Result{}, err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	hash := strings.ToUpper(strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", ""))
	switch {
	case code != "":
	case l.seeds[signer.Expose()] != op.Account:
		code = "tefBAD_AUTH"
	default:
		code = l.apply(op)
	}

	l.submissions = append(l.submissions, Submission{Op: op, Code: code, Hash: hash})
	res := ledger.Result{Code: code, Hash: hash, Validated: true}
	if code != ledger.ResultSuccess {
		return res, &ledger.RejectedError{Type: op.TransactionType, Code: code, Hash: hash}
	}
	return res, nil
}

// ContextError reports a finished ctx the way a network client does: a passed
// deadline is ledger.ErrTimeout.
func ContextError(ctx context.Context, op ledger.Operation) error {
	switch err := ctx.Err(); {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s", ledger.ErrTimeout, op.TransactionType)
	default:
		return err
	}
}

func (l *Ledger) apply(op ledger.Operation) string {
	switch op.TransactionType {
	case ledger.TxTrustSet:
		return l.applyTrustSet(op)
	case ledger.TxPayment:
		return l.applyPayment(op)
	case ledger.TxAccountSet:
		l.accountSets[op.Account] = op
		return ledger.ResultSuccess
	default:
		return "temUNKNOWN"
	}
}

func (l *Ledger) applyTrustSet(op ledger.Operation) string {
	if op.LimitAmount == nil || op.LimitAmount.IsNative() {
		return "temBAD_LIMIT"
	}
	limit, err := decimal.NewFromString(op.LimitAmount.Value)
	if err != nil || limit.IsNegative() {
		return "temBAD_LIMIT"
	}
	key := lineKey{op.Account, op.LimitAmount.Currency, op.LimitAmount.Issuer}
	line, ok := l.lines[key]
	if !ok {
		line = &Line{}
		l.lines[key] = line
	}
	line.Limit = limit
	switch {
	case op.Flags&ledger.FlagSetFreeze != 0:
		line.Frozen = true
	case op.Flags&ledger.FlagClearFreeze != 0:
		line.Frozen = false
	}
	return ledger.ResultSuccess
}

func (l *Ledger) applyPayment(op ledger.Operation) string {
	if op.Amount == nil {
		return "temBAD_AMOUNT"
	}
	if op.Amount.IsNative() {
		var n int64
		if _, err := fmt.Sscanf(op.Amount.Value, "%d", &n); err != nil || n <= 0 {
			return "temBAD_AMOUNT"
		}
		l.drops[op.Destination] += n
		return ledger.ResultSuccess
	}

	value, err := decimal.NewFromString(op.Amount.Value)
	if err != nil || !value.IsPositive() {
		return "temBAD_AMOUNT"
	}
	currency, issuer := op.Amount.Currency, op.Amount.Issuer

	var src *Line
	if op.Account != issuer {
		src = l.lines[lineKey{op.Account, currency, issuer}]
		if src == nil || src.Frozen {
			return "tecPATH_DRY"
		}
		if src.Balance.LessThan(value) {
			return "tecUNFUNDED_PAYMENT"
		}
	}

	// A frozen line still receives; it only blocks the holder from sending.
	var dst *Line
	if op.Destination != issuer {
		dst = l.lines[lineKey{op.Destination, currency, issuer}]
		if dst == nil {
			return "tecPATH_DRY"
		}
		if dst.Balance.Add(value).GreaterThan(dst.Limit) {
			return "tecPATH_PARTIAL"
		}
	}

	if src != nil {
		src.Balance = src.Balance.Sub(value)
	}
	if dst != nil {
		dst.Balance = dst.Balance.Add(value)
	}
	return ledger.ResultSuccess
}

// TrustLine returns a copy of the line state.
func (l *Ledger) TrustLine(account, currency, issuer string) (Line, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	line, ok := l.lines[lineKey{account, currency, issuer}]
	if !ok {
		return Line{}, false
	}
	return *line, true
}

func (l *Ledger) Balance(account, currency, issuer string) decimal.Decimal {
	line, _ := l.TrustLine(account, currency, issuer)
	return line.Balance
}

func (l *Ledger) Drops(account string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.drops[account]
}

func (l *Ledger) AccountSet(account string) (ledger.Operation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	op, ok := l.accountSets[account]
	return op, ok
}

func (l *Ledger) Submissions() []Submission {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Submission, len(l.submissions))
	copy(out, l.submissions)
	return out
}

// Count returns how many submitted operations match.
func (l *Ledger) Count(match func(ledger.Operation) bool) int {
	n := 0
	for _, s := range l.Submissions() {
		if match(s.Op) {
			n++
		}
	}
	return n
}
