// Package ledgertest wraps the in-memory ledger with fault injection and
// operation matchers for tests.
package ledgertest

import (
	"context"
	"sync"

	"github.com/punchamoorthee/equityledger/internal/ledger"
	"github.com/punchamoorthee/equityledger/internal/ledger/memledger"
)

type (
	Line       = memledger.Line
	Submission = memledger.Submission
)

type fault struct {
	match func(ledger.Operation) bool
	code  string
	hang  bool
	once  bool
}

// Ledger is a memledger.Ledger whose submissions can be rejected or stalled.
type Ledger struct {
	*memledger.Ledger

	mu     sync.Mutex
	faults []*fault
}

func New() *Ledger {
	l := &Ledger{Ledger: memledger.New()}
	l.SetHook(l.inject)
	return l
}

// Fail rejects every matching operation with code.
func (l *Ledger) Fail(match func(ledger.Operation) bool, code string) {
	l.addFault(&fault{match: match, code: code})
}

// FailOnce rejects only the next matching operation.
func (l *Ledger) FailOnce(match func(ledger.Operation) bool, code string) {
	l.addFault(&fault{match: match, code: code, once: true})
}

// Hang blocks matching operations until the caller's context ends. Hung
// operations are not recorded.
func (l *Ledger) Hang(match func(ledger.Operation) bool) {
	l.addFault(&fault{match: match, hang: true})
}

func (l *Ledger) ClearFaults() {
	l.mu.Lock()
	l.faults = nil
	l.mu.Unlock()
}

func (l *Ledger) addFault(f *fault) {
	l.mu.Lock()
	l.faults = append(l.faults, f)
	l.mu.Unlock()
}

func (l *Ledger) inject(ctx context.Context, op ledger.Operation) (string, error) {
	f := l.matchFault(op)
	switch {
	case f == nil:
		return "", nil
	case f.hang:
		<-ctx.Done()
		return "", memledger.ContextError(ctx, op)
	default:
		return f.code, nil
	}
}

func (l *Ledger) matchFault(op ledger.Operation) *fault {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, f := range l.faults {
		if f.match(op) {
			if f.once {
				l.faults = append(l.faults[:i], l.faults[i+1:]...)
			}
			return f
		}
	}
	return nil
}

func Any(ledger.Operation) bool { return true }

func OfType(t ledger.TxType) func(ledger.Operation) bool {
	return func(op ledger.Operation) bool { return op.TransactionType == t }
}

func PaymentTo(destination string) func(ledger.Operation) bool {
	return func(op ledger.Operation) bool {
		return op.TransactionType == ledger.TxPayment && op.Destination == destination
	}
}

// FreezeOf matches the freeze TrustSet submitted by account.
func FreezeOf(account string) func(ledger.Operation) bool {
	return func(op ledger.Operation) bool {
		return op.TransactionType == ledger.TxTrustSet && op.Account == account && op.Flags&ledger.FlagSetFreeze != 0
	}
}
