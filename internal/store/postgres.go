package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/equityledger/internal/domain"
	"github.com/punchamoorthee/equityledger/internal/money"
	"github.com/punchamoorthee/equityledger/internal/secret"
	"github.com/punchamoorthee/equityledger/internal/service"
	"github.com/shopspring/decimal"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
)

// PostgresStore is the relational ledger on PostgreSQL. Custodial seeds are
// sealed before they are written and opened when a user row is read.
type PostgresStore struct {
	Db     *pgxpool.Pool
	sealer *secret.Sealer
}

func NewPostgresStore(ctx context.Context, connString string, sealer *secret.Sealer) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &PostgresStore{Db: pool, sealer: sealer}, nil
}

func (s *PostgresStore) Close() {
	s.Db.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.Db.Ping(ctx)
}

// InTx runs fn under READ COMMITTED. Row locks come from SELECT ... FOR UPDATE,
// so reads after a lock observe every transaction that held it before.
func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, tx service.Tx) error) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{tx: tx, sealer: s.sealer}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

const userColumns = `id, name, email, fiat_balance, wallet_address, wallet_seed_sealed, created_at`

func scanUser(row pgx.Row, sealer *secret.Sealer) (*domain.User, error) {
	var (
		u      domain.User
		sealed string
	)
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.FiatBalance, &u.Account.Address, &sealed, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, err
	}
	seed, err := sealer.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("open custodial seed of user %d: %w", u.ID, err)
	}
	u.Account.Seed = seed
	return &u, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *domain.User) error {
	sealed, err := s.sealer.Seal(u.Account.Seed)
	if err != nil {
		return fmt.Errorf("seal custodial seed: %w", err)
	}
	err = s.Db.QueryRow(ctx,
		`INSERT INTO users (name, email, fiat_balance, wallet_address, wallet_seed_sealed)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at`,
		u.Name, u.Email, u.FiatBalance, u.Account.Address, sealed,
	).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		if isPgError(err, pgUniqueViolation) {
			return domain.ErrEmailTaken
		}
		return fmt.Errorf("user insert failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	return scanUser(s.Db.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1", id), s.sealer)
}

func (s *PostgresStore) CreditFiat(ctx context.Context, userID int64, amount money.Amount) (money.Amount, error) {
	var balance money.Amount
	err := s.Db.QueryRow(ctx,
		"UPDATE users SET fiat_balance = fiat_balance + $1 WHERE id = $2 RETURNING fiat_balance",
		amount, userID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrUserNotFound
		}
		return 0, fmt.Errorf("credit failed: %w", err)
	}
	return balance, nil
}

const propertyColumns = `id, name, total_value, tokens_to_issue, token_currency_name, token_currency_code,
	issuer_address, is_fully_funded, is_minted, COALESCE(mint_tx_hash, ''), created_at`

func scanProperty(row pgx.Row) (*domain.Property, error) {
	var p domain.Property
	err := row.Scan(&p.ID, &p.Name, &p.TotalValue, &p.TotalSupply, &p.TokenName, &p.TokenCurrencyCode,
		&p.IssuerAddress, &p.IsFullyFunded, &p.IsMinted, &p.MintTxHash, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPropertyNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) CreateProperty(ctx context.Context, p *domain.Property) error {
	err := s.Db.QueryRow(ctx,
		`INSERT INTO properties (name, total_value, tokens_to_issue, token_currency_name, token_currency_code, issuer_address)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at`,
		p.Name, p.TotalValue, p.TotalSupply, p.TokenName, p.TokenCurrencyCode, p.IssuerAddress,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		if isPgError(err, pgUniqueViolation) {
			return domain.ErrTokenNameTaken
		}
		return fmt.Errorf("property insert failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProperty(ctx context.Context, id int64) (*domain.Property, error) {
	return scanProperty(s.Db.QueryRow(ctx, "SELECT "+propertyColumns+" FROM properties WHERE id = $1", id))
}

func (s *PostgresStore) ListProperties(ctx context.Context) ([]domain.Property, error) {
	rows, err := s.Db.Query(ctx, "SELECT "+propertyColumns+" FROM properties ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	properties := []domain.Property{}
	for rows.Next() {
		p, err := scanProperty(rows)
		if err != nil {
			return nil, err
		}
		properties = append(properties, *p)
	}
	return properties, rows.Err()
}

func (s *PostgresStore) HolderTokens(ctx context.Context, propertyID int64) ([]domain.HolderTokens, error) {
	rows, err := s.Db.Query(ctx,
		`SELECT i.user_id, u.wallet_address, SUM(i.tokens_received)::BIGINT
		 FROM investments i JOIN users u ON u.id = i.user_id
		 WHERE i.property_id = $1
		 GROUP BY i.user_id, u.wallet_address
		 ORDER BY i.user_id`,
		propertyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var holders []domain.HolderTokens
	for rows.Next() {
		var h domain.HolderTokens
		if err := rows.Scan(&h.UserID, &h.Address, &h.Tokens); err != nil {
			return nil, err
		}
		holders = append(holders, h)
	}
	return holders, rows.Err()
}

func (s *PostgresStore) UserHoldings(ctx context.Context, userID int64) ([]domain.Holding, error) {
	// First check if user exists
	var exists bool
	err := s.Db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)", userID).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.ErrUserNotFound
	}

	rows, err := s.Db.Query(ctx,
		`SELECT p.id, p.name, p.token_currency_code,
		        SUM(i.tokens_received)::BIGINT, SUM(i.amount_invested)::BIGINT,
		        COALESCE(t.frozen, FALSE)
		 FROM investments i
		 JOIN properties p ON p.id = i.property_id
		 LEFT JOIN trust_lines t ON t.user_id = i.user_id AND t.currency = p.token_currency_code
		 WHERE i.user_id = $1
		 GROUP BY p.id, p.name, p.token_currency_code, t.frozen
		 ORDER BY p.id`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	holdings := []domain.Holding{}
	for rows.Next() {
		var h domain.Holding
		if err := rows.Scan(&h.PropertyID, &h.PropertyName, &h.TokenCurrencyCode, &h.Tokens, &h.Invested, &h.Frozen); err != nil {
			return nil, err
		}
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

// InsertRentDistribution passes decimals as text so NUMERIC keeps every digit.
func (s *PostgresStore) InsertRentDistribution(ctx context.Context, d *domain.RentDistribution) error {
	err := s.Db.QueryRow(ctx,
		`INSERT INTO rental_distributions
		     (property_id, total_rent, calculated_total, rent_per_token, paid_total, failed_count)
		 VALUES ($1, $2::numeric, $3::numeric, $4::numeric, $5::numeric, $6)
		 RETURNING id, distribution_date`,
		d.PropertyID, d.TotalRent.String(), d.CalculatedTotal.String(), d.RatePerToken.String(), d.PaidTotal.String(), d.FailedCount,
	).Scan(&d.ID, &d.CreatedAt)
	if err != nil {
		if isPgError(err, pgForeignKeyViolation) {
			return domain.ErrPropertyNotFound
		}
		return fmt.Errorf("distribution insert failed: %w", err)
	}
	return nil
}

// RentDistributions lists the distributions of a property, oldest first.
func (s *PostgresStore) RentDistributions(ctx context.Context, propertyID int64) ([]domain.RentDistribution, error) {
	rows, err := s.Db.Query(ctx,
		`SELECT id, property_id, total_rent::text, calculated_total::text, rent_per_token::text,
		        paid_total::text, failed_count, distribution_date
		 FROM rental_distributions WHERE property_id = $1 ORDER BY id`,
		propertyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.RentDistribution
	for rows.Next() {
		var (
			d                             domain.RentDistribution
			total, calculated, rate, paid string
		)
		if err := rows.Scan(&d.ID, &d.PropertyID, &total, &calculated, &rate, &paid, &d.FailedCount, &d.CreatedAt); err != nil {
			return nil, err
		}
		for _, f := range []struct {
			src string
			dst *decimal.Decimal
		}{{total, &d.TotalRent}, {calculated, &d.CalculatedTotal}, {rate, &d.RatePerToken}, {paid, &d.PaidTotal}} {
			if *f.dst, err = decimal.NewFromString(f.src); err != nil {
				return nil, fmt.Errorf("parse numeric %q: %w", f.src, err)
			}
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type pgTx struct {
	tx     pgx.Tx
	sealer *secret.Sealer
}

func (t *pgTx) LockProperty(ctx context.Context, id int64) (*domain.Property, error) {
	return scanProperty(t.tx.QueryRow(ctx, "SELECT "+propertyColumns+" FROM properties WHERE id = $1 FOR UPDATE", id))
}

func (t *pgTx) LockUser(ctx context.Context, id int64) (*domain.User, error) {
	return scanUser(t.tx.QueryRow(ctx, "SELECT "+userColumns+" FROM users WHERE id = $1 FOR UPDATE", id), t.sealer)
}

func (t *pgTx) SumInvested(ctx context.Context, propertyID int64) (money.Amount, error) {
	var sum money.Amount
	err := t.tx.QueryRow(ctx,
		"SELECT COALESCE(SUM(amount_invested), 0)::BIGINT FROM investments WHERE property_id = $1",
		propertyID,
	).Scan(&sum)
	return sum, err
}

func (t *pgTx) DebitFiat(ctx context.Context, userID int64, amount money.Amount) error {
	tag, err := t.tx.Exec(ctx, "UPDATE users SET fiat_balance = fiat_balance - $1 WHERE id = $2", amount, userID)
	if err != nil {
		if isPgError(err, pgCheckViolation) {
			return errNegativeBalance
		}
		return fmt.Errorf("debit failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

func (t *pgTx) InsertInvestment(ctx context.Context, inv *domain.Investment) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO investments (user_id, property_id, amount_invested, tokens_received, xrpl_tx_hash)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at`,
		inv.UserID, inv.PropertyID, inv.Amount, inv.TokensReceived, inv.LedgerTxHash,
	).Scan(&inv.ID, &inv.CreatedAt)
	if err != nil {
		return fmt.Errorf("investment insert failed: %w", err)
	}
	return nil
}

func (t *pgTx) MarkFunded(ctx context.Context, propertyID int64) error {
	_, err := t.tx.Exec(ctx, "UPDATE properties SET is_fully_funded = TRUE WHERE id = $1", propertyID)
	return err
}

func (t *pgTx) MarkMinted(ctx context.Context, propertyID int64, txHash string) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE properties SET is_minted = TRUE, mint_tx_hash = $2 WHERE id = $1 AND NOT is_minted",
		propertyID, txHash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyMinted
	}
	return nil
}

func (t *pgTx) TrustLineFrozen(ctx context.Context, userID int64, currency string) (bool, error) {
	var frozen bool
	err := t.tx.QueryRow(ctx,
		"SELECT frozen FROM trust_lines WHERE user_id = $1 AND currency = $2", userID, currency,
	).Scan(&frozen)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return frozen, err
}

func (t *pgTx) SetTrustLineFrozen(ctx context.Context, userID int64, currency string, frozen bool) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trust_lines (user_id, currency, frozen) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, currency) DO UPDATE SET frozen = EXCLUDED.frozen, updated_at = now()`,
		userID, currency, frozen)
	return err
}

func (t *pgTx) GetIdempotency(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	rec := domain.IdempotencyRecord{Key: key}
	var body []byte
	err := t.tx.QueryRow(ctx,
		"SELECT request_hash, status, COALESCE(response_status, 0), response_body FROM idempotency_keys WHERE key = $1",
		key,
	).Scan(&rec.RequestHash, &rec.Status, &rec.ResponseStatus, &body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency query failed: %w", err)
	}
	rec.ResponseBody = body
	return &rec, nil
}

// ReserveIdempotency blocks behind a concurrent holder of the same key and
// fails once that holder commits.
func (t *pgTx) ReserveIdempotency(ctx context.Context, key, requestHash string) error {
	_, err := t.tx.Exec(ctx,
		"INSERT INTO idempotency_keys (key, request_hash, status) VALUES ($1, $2, $3)",
		key, requestHash, domain.IdempotencyInProgress,
	)
	if err != nil {
		if isPgError(err, pgUniqueViolation) {
			return domain.ErrIdempotencyConflict
		}
		return fmt.Errorf("key reservation failed: %w", err)
	}
	return nil
}

func (t *pgTx) CompleteIdempotency(ctx context.Context, key string, status int, body []byte) error {
	_, err := t.tx.Exec(ctx,
		"UPDATE idempotency_keys SET status = $1, response_status = $2, response_body = $3 WHERE key = $4",
		domain.IdempotencyCompleted, status, body, key,
	)
	if err != nil {
		return fmt.Errorf("idempotency update failed: %w", err)
	}
	return nil
}

func isPgError(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
