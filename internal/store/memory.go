package store

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/punchamoorthee/equityledger/internal/domain"
	"github.com/punchamoorthee/equityledger/internal/money"
	"github.com/punchamoorthee/equityledger/internal/service"
)

var errNegativeBalance = errors.New("fiat balance would become negative")

type trustKey struct {
	userID   int64
	currency string
}

// MemoryStore keeps the relational ledger in process memory with the same
// contract as the Postgres store: row locks are exclusive until the end of the
// transaction, and writes become visible atomically at commit.
type MemoryStore struct {
	mu sync.RWMutex

	users         map[int64]*domain.User
	properties    map[int64]*domain.Property
	investments   []domain.Investment
	distributions []domain.RentDistribution
	trustLines    map[trustKey]domain.TrustLineState
	idempotency   map[string]*domain.IdempotencyRecord
	reserved      map[string]string

	// row id -> single-slot semaphore
	locks map[string]chan struct{}

	lastUserID, lastPropertyID, lastInvestmentID, lastDistributionID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[int64]*domain.User),
		properties:  make(map[int64]*domain.Property),
		trustLines:  make(map[trustKey]domain.TrustLineState),
		idempotency: make(map[string]*domain.IdempotencyRecord),
		reserved:    make(map[string]string),
		locks:       make(map[string]chan struct{}),
	}
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx service.Tx) error) error {
	tx := &memoryTx{s: s, heldKeys: make(map[string]bool), debits: make(map[int64]money.Amount)}
	defer tx.release()

	if err := fn(ctx, tx); err != nil {
		tx.rollback()
		return err
	}
	tx.commit()
	return nil
}

func (s *MemoryStore) rowLock(key string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = make(chan struct{}, 1)
		s.locks[key] = l
	}
	return l
}

func (s *MemoryStore) CreateUser(_ context.Context, u *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Email == u.Email {
			return domain.ErrEmailTaken
		}
	}
	s.lastUserID++
	u.ID = s.lastUserID
	u.CreatedAt = time.Now().UTC()
	stored := *u
	s.users[u.ID] = &stored
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id int64) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	out := *u
	return &out, nil
}

func (s *MemoryStore) CreditFiat(_ context.Context, userID int64, amount money.Amount) (money.Amount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return 0, domain.ErrUserNotFound
	}
	u.FiatBalance += amount
	return u.FiatBalance, nil
}

func (s *MemoryStore) CreateProperty(_ context.Context, p *domain.Property) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.properties {
		if existing.TokenCurrencyCode == p.TokenCurrencyCode {
			return domain.ErrTokenNameTaken
		}
	}
	s.lastPropertyID++
	p.ID = s.lastPropertyID
	p.CreatedAt = time.Now().UTC()
	stored := *p
	s.properties[p.ID] = &stored
	return nil
}

func (s *MemoryStore) GetProperty(_ context.Context, id int64) (*domain.Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.properties[id]
	if !ok {
		return nil, domain.ErrPropertyNotFound
	}
	out := *p
	return &out, nil
}

func (s *MemoryStore) ListProperties(_ context.Context) ([]domain.Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Property, 0, len(s.properties))
	for _, p := range s.properties {
		out = append(out, *p)
	}
	slices.SortFunc(out, func(a, b domain.Property) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *MemoryStore) HolderTokens(_ context.Context, propertyID int64) ([]domain.HolderTokens, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sums := make(map[int64]int64)
	for _, inv := range s.investments {
		if inv.PropertyID == propertyID {
			sums[inv.UserID] += inv.TokensReceived
		}
	}
	out := make([]domain.HolderTokens, 0, len(sums))
	for userID, tokens := range sums {
		out = append(out, domain.HolderTokens{UserID: userID, Address: s.users[userID].Account.Address, Tokens: tokens})
	}
	slices.SortFunc(out, func(a, b domain.HolderTokens) int { return cmp.Compare(a.UserID, b.UserID) })
	return out, nil
}

func (s *MemoryStore) UserHoldings(_ context.Context, userID int64) ([]domain.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.users[userID]; !ok {
		return nil, domain.ErrUserNotFound
	}
	byProperty := make(map[int64]*domain.Holding)
	for _, inv := range s.investments {
		if inv.UserID != userID {
			continue
		}
		h, ok := byProperty[inv.PropertyID]
		if !ok {
			p := s.properties[inv.PropertyID]
			h = &domain.Holding{
				PropertyID:        p.ID,
				PropertyName:      p.Name,
				TokenCurrencyCode: p.TokenCurrencyCode,
				Frozen:            s.trustLines[trustKey{userID, p.TokenCurrencyCode}].Frozen,
			}
			byProperty[inv.PropertyID] = h
		}
		h.Tokens += inv.TokensReceived
		h.Invested += inv.Amount
	}
	out := make([]domain.Holding, 0, len(byProperty))
	for _, h := range byProperty {
		out = append(out, *h)
	}
	slices.SortFunc(out, func(a, b domain.Holding) int { return cmp.Compare(a.PropertyID, b.PropertyID) })
	return out, nil
}

func (s *MemoryStore) InsertRentDistribution(_ context.Context, d *domain.RentDistribution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.properties[d.PropertyID]; !ok {
		return domain.ErrPropertyNotFound
	}
	s.lastDistributionID++
	d.ID = s.lastDistributionID
	d.CreatedAt = time.Now().UTC()
	s.distributions = append(s.distributions, *d)
	return nil
}

// RentDistributions returns the stored distributions of a property, oldest first.
func (s *MemoryStore) RentDistributions(propertyID int64) []domain.RentDistribution {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.RentDistribution
	for _, d := range s.distributions {
		if d.PropertyID == propertyID {
			out = append(out, d)
		}
	}
	return out
}

// Investments returns a copy of every committed investment.
func (s *MemoryStore) Investments() []domain.Investment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.investments)
}

// memoryTx reads committed state and buffers its writes until commit.
type memoryTx struct {
	s        *MemoryStore
	held     []chan struct{}
	heldKeys map[string]bool
	ops      []func()
	reserved []string
	debits   map[int64]money.Amount
}

func (tx *memoryTx) lock(ctx context.Context, key string) error {
	if tx.heldKeys[key] {
		return nil
	}
	l := tx.s.rowLock(key)
	select {
	case l <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	tx.held = append(tx.held, l)
	tx.heldKeys[key] = true
	return nil
}

func (tx *memoryTx) release() {
	for _, l := range tx.held {
		<-l
	}
	tx.held = nil
}

func (tx *memoryTx) commit() {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	for _, op := range tx.ops {
		op()
	}
	for _, key := range tx.reserved {
		if _, ok := tx.s.idempotency[key]; !ok {
			tx.s.idempotency[key] = &domain.IdempotencyRecord{
				Key:         key,
				RequestHash: tx.s.reserved[key],
				Status:      domain.IdempotencyInProgress,
			}
		}
		delete(tx.s.reserved, key)
	}
}

func (tx *memoryTx) rollback() {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	for _, key := range tx.reserved {
		delete(tx.s.reserved, key)
	}
}

func (tx *memoryTx) LockProperty(ctx context.Context, id int64) (*domain.Property, error) {
	if err := tx.lock(ctx, "property:"+strconv.FormatInt(id, 10)); err != nil {
		return nil, err
	}
	return tx.s.GetProperty(ctx, id)
}

func (tx *memoryTx) LockUser(ctx context.Context, id int64) (*domain.User, error) {
	if err := tx.lock(ctx, "user:"+strconv.FormatInt(id, 10)); err != nil {
		return nil, err
	}
	u, err := tx.s.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	u.FiatBalance -= tx.debits[id]
	return u, nil
}

func (tx *memoryTx) SumInvested(_ context.Context, propertyID int64) (money.Amount, error) {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	var sum money.Amount
	for _, inv := range tx.s.investments {
		if inv.PropertyID == propertyID {
			sum += inv.Amount
		}
	}
	return sum, nil
}

func (tx *memoryTx) DebitFiat(_ context.Context, userID int64, amount money.Amount) error {
	tx.s.mu.RLock()
	u, ok := tx.s.users[userID]
	var balance money.Amount
	if ok {
		balance = u.FiatBalance - tx.debits[userID]
	}
	tx.s.mu.RUnlock()
	if !ok {
		return domain.ErrUserNotFound
	}
	if balance < amount {
		return errNegativeBalance
	}

	tx.debits[userID] += amount
	tx.ops = append(tx.ops, func() { tx.s.users[userID].FiatBalance -= amount })
	return nil
}

func (tx *memoryTx) InsertInvestment(_ context.Context, inv *domain.Investment) error {
	tx.s.mu.Lock()
	tx.s.lastInvestmentID++
	inv.ID = tx.s.lastInvestmentID
	tx.s.mu.Unlock()
	inv.CreatedAt = time.Now().UTC()

	row := *inv
	tx.ops = append(tx.ops, func() { tx.s.investments = append(tx.s.investments, row) })
	return nil
}

func (tx *memoryTx) MarkFunded(_ context.Context, propertyID int64) error {
	tx.ops = append(tx.ops, func() { tx.s.properties[propertyID].IsFullyFunded = true })
	return nil
}

func (tx *memoryTx) MarkMinted(_ context.Context, propertyID int64, txHash string) error {
	tx.s.mu.RLock()
	p, ok := tx.s.properties[propertyID]
	minted := ok && p.IsMinted
	tx.s.mu.RUnlock()
	if !ok {
		return domain.ErrPropertyNotFound
	}
	if minted {
		return domain.ErrAlreadyMinted
	}

	tx.ops = append(tx.ops, func() {
		p := tx.s.properties[propertyID]
		p.IsMinted = true
		p.MintTxHash = txHash
	})
	return nil
}

func (tx *memoryTx) TrustLineFrozen(_ context.Context, userID int64, currency string) (bool, error) {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	return tx.s.trustLines[trustKey{userID, currency}].Frozen, nil
}

func (tx *memoryTx) SetTrustLineFrozen(_ context.Context, userID int64, currency string, frozen bool) error {
	state := domain.TrustLineState{UserID: userID, Currency: currency, Frozen: frozen, UpdatedAt: time.Now().UTC()}
	tx.ops = append(tx.ops, func() { tx.s.trustLines[trustKey{userID, currency}] = state })
	return nil
}

func (tx *memoryTx) GetIdempotency(_ context.Context, key string) (*domain.IdempotencyRecord, error) {
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	rec, ok := tx.s.idempotency[key]
	if !ok {
		return nil, nil
	}
	out := *rec
	return &out, nil
}

func (tx *memoryTx) ReserveIdempotency(_ context.Context, key, requestHash string) error {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	if _, ok := tx.s.idempotency[key]; ok {
		return domain.ErrIdempotencyConflict
	}
	if _, ok := tx.s.reserved[key]; ok {
		return domain.ErrIdempotencyConflict
	}
	tx.s.reserved[key] = requestHash
	tx.reserved = append(tx.reserved, key)
	return nil
}

func (tx *memoryTx) CompleteIdempotency(_ context.Context, key string, status int, body []byte) error {
	tx.s.mu.RLock()
	hash := tx.s.reserved[key]
	tx.s.mu.RUnlock()

	rec := &domain.IdempotencyRecord{
		Key:            key,
		RequestHash:    hash,
		Status:         domain.IdempotencyCompleted,
		ResponseBody:   slices.Clone(body),
		ResponseStatus: status,
	}
	tx.ops = append(tx.ops, func() { tx.s.idempotency[key] = rec })
	return nil
}
