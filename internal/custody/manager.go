// Package custody manages the platform's custodial ledger accounts: onboarding,
// trust lines, the transfer-and-freeze distribution of property tokens, unfreeze,
// supply minting and fiat payouts.
//
// Every multi-step choreography runs as a saga. The ledger has no multi-step
// atomicity, so a failure after a completed transfer is compensated on-ledger.
package custody

import (
	"context"
	"fmt"
	"strconv"

	"github.com/punchamoorthee/equityledger/internal/domain"
	"github.com/punchamoorthee/equityledger/internal/ledger"
	"github.com/punchamoorthee/equityledger/internal/saga"
	"github.com/punchamoorthee/equityledger/internal/secret"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	// 1.5 XRP: base reserve plus one owner reserve per trust line (fiat + property token).
	fundingDrops = 1_500_000

	fiatTrustLimit  = "100000000"
	tokenTrustLimit = "1000000000"

	rentMemoType = "rent_payment"
)

// Wallets are the platform-owned accounts.
type Wallets struct {
	// Issuer issues every property token.
	Issuer ledger.Wallet
	// Distribution holds minted supply until it is transferred to investors.
	Distribution ledger.Wallet
	// Operational funds new accounts with XRP and issues the fiat token.
	Operational ledger.Wallet
}

type Manager struct {
	client       ledger.Client
	wallets      Wallets
	fiatCurrency string
	logger       *zap.Logger
}

func NewManager(client ledger.Client, wallets Wallets, fiatCurrency string, logger *zap.Logger) *Manager {
	return &Manager{
		client:       client,
		wallets:      wallets,
		fiatCurrency: fiatCurrency,
		logger:       logger,
	}
}

func (m *Manager) TokenIssuer() string { return m.wallets.Issuer.Address }
func (m *Manager) FiatIssuer() string { return m.wallets.Operational.Address }
func (m *Manager) FiatCurrency() string { return m.fiatCurrency }

// DistributionAccount holds minted supply not yet allocated to investors.
func (m *Manager) DistributionAccount() string { return m.wallets.Distribution.Address }

// LoadWallets resolves the platform wallets from their seeds.
func LoadWallets(ctx context.Context, client ledger.Client, issuer, distribution, operational secret.Seed) (Wallets, error) {
	var w Wallets
	for _, slot := range []struct {
		name string
		in   secret.Seed
		out  *ledger.Wallet
	}{
		{"issuer", issuer, &w.Issuer},
		{"distribution", distribution, &w.Distribution},
		{"operational", operational, &w.Operational},
	} {
		resolved, err := client.WalletFromSeed(ctx, slot.in)
		if err != nil {
			return Wallets{}, fmt.Errorf("resolve %s wallet: %w", slot.name, err)
		}
		*slot.out = resolved
	}
	return w, nil
}

// CreateAccount generates a custodial wallet, activates it with XRP and opens
// its fiat trust line.
func (m *Manager) CreateAccount(ctx context.Context) (domain.CustodialAccount, error) {
	w, err := m.client.NewWallet(ctx)
	if err != nil {
		return domain.CustodialAccount{}, fmt.Errorf("generate wallet: %w", err)
	}
	acct := domain.CustodialAccount{Address: w.Address, Seed: w.Seed}

	fund := ledger.Payment(m.wallets.Operational.Address, acct.Address, ledger.Drops(fundingDrops))
	if _, err := m.submit(ctx, "fund account", fund, m.wallets.Operational); err != nil {
		return domain.CustodialAccount{}, err
	}

	if err := m.SetupFiatTrustLine(ctx, acct); err != nil {
		return domain.CustodialAccount{}, err
	}
	return acct, nil
}

// SetupFiatTrustLine lets acct hold the platform fiat token. Re-running it on an
// existing line is a no-op success.
func (m *Manager) SetupFiatTrustLine(ctx context.Context, acct domain.CustodialAccount) error {
	op := ledger.TrustLine(acct.Address, m.fiatCurrency, m.wallets.Operational.Address, fiatTrustLimit)
	_, err := m.submit(ctx, "fiat trust line", op, wallet(acct))
	return err
}

// Transfer describes a token distribution to one custodial account.
type Transfer struct {
	Account  domain.CustodialAccount
	Currency string
	Amount   int64
	// PreviouslyFrozen is set when the account already holds frozen units of
	// Currency, so compensation restores the freeze on the earlier holding.
	PreviouslyFrozen bool
}

// Distribution is a completed transfer-and-freeze.
type Distribution struct {
	TxHash string
	saga   *saga.Saga
}

// Revert compensates a completed distribution: the tokens go back to the
// distribution account and the line returns to its prior state.
func (d *Distribution) Revert(ctx context.Context) error {
	return d.saga.Compensate(ctx)
}

// TransferAndFreeze (a) opens the token trust line, (b) transfers the tokens
// from the distribution account and (c) freezes the line. Each step is awaited
// before the next. On failure the completed steps are compensated and the
// triggering error is returned.
func (m *Manager) TransferAndFreeze(ctx context.Context, t Transfer) (*Distribution, error) {
	if t.Amount < 1 {
		return nil, fmt.Errorf("transfer amount must be positive, got %d", t.Amount)
	}

	issuer := m.wallets.Issuer.Address
	holder := wallet(t.Account)
	value := strconv.FormatInt(t.Amount, 10)
	d := &Distribution{saga: saga.New("transfer-and-freeze", m.logger.With(
		zap.String("account", t.Account.Address),
		zap.String("currency", t.Currency),
	))}

	err := d.saga.Run(ctx,
		saga.Step{
			Name: "trust line",
			Do: func(ctx context.Context) error {
				_, err := m.submit(ctx, "token trust line", ledger.TrustLine(holder.Address, t.Currency, issuer, tokenTrustLimit), holder)
				return err
			},
			Compensate: func(ctx context.Context) error {
				if !t.PreviouslyFrozen {
					return nil
				}
				_, err := m.submit(ctx, "restore freeze", ledger.Freeze(holder.Address, t.Currency, issuer), holder)
				return err
			},
		},
		saga.Step{
			Name: "transfer",
			Do: func(ctx context.Context) error {
				res, err := m.submit(ctx, "transfer tokens",
					ledger.Payment(m.wallets.Distribution.Address, holder.Address, ledger.Issued(t.Currency, issuer, value)),
					m.wallets.Distribution)
				d.TxHash = res.Hash
				return err
			},
			Compensate: func(ctx context.Context) error {
				return m.ReclaimTokens(ctx, t.Account, t.Currency, t.Amount)
			},
		},
		saga.Step{
			Name: "freeze",
			Do: func(ctx context.Context) error {
				_, err := m.submit(ctx, "freeze trust line", ledger.Freeze(holder.Address, t.Currency, issuer), holder)
				return err
			},
		},
	)
	if err != nil {
		return nil, err
	}

	m.logger.Info("tokens transferred and frozen",
		zap.String("account", t.Account.Address),
		zap.String("currency", t.Currency),
		zap.Int64("amount", t.Amount),
		zap.String("tx_hash", d.TxHash),
	)
	return d, nil
}

// Unfreeze restores a transferable, high-ceiling trust line. The balance is untouched.
func (m *Manager) Unfreeze(ctx context.Context, acct domain.CustodialAccount, currency string) (string, error) {
	op := ledger.ClearFreeze(acct.Address, currency, m.wallets.Issuer.Address, tokenTrustLimit)
	res, err := m.submit(ctx, "unfreeze trust line", op, wallet(acct))
	if err != nil {
		return "", err
	}
	return res.Hash, nil
}

// ReclaimTokens clears the freeze on acct's line and pays amount back to the
// distribution account.
func (m *Manager) ReclaimTokens(ctx context.Context, acct domain.CustodialAccount, currency string, amount int64) error {
	if _, err := m.Unfreeze(ctx, acct, currency); err != nil {
		return err
	}
	pay := ledger.Payment(acct.Address, m.wallets.Distribution.Address,
		ledger.Issued(currency, m.wallets.Issuer.Address, strconv.FormatInt(amount, 10)))
	_, err := m.submit(ctx, "reclaim tokens", pay, wallet(acct))
	return err
}

// Mint is a completed supply mint.
type Mint struct {
	TxHash string
	saga   *saga.Saga
}

// Revert burns the minted supply by paying it back to the issuer.
func (mt *Mint) Revert(ctx context.Context) error {
	return mt.saga.Compensate(ctx)
}

// MintSupply brings the entire fixed supply of currency into existence in the
// distribution account. Callers guarantee it runs at most once per currency.
// The distribution account is first topped up with enough XRP to activate it
// and cover the reserve of the new trust line.
func (m *Manager) MintSupply(ctx context.Context, currency string, supply int64) (*Mint, error) {
	if supply < 1 {
		return nil, fmt.Errorf("supply must be positive, got %d", supply)
	}
	issuer := m.wallets.Issuer
	dist := m.wallets.Distribution
	value := strconv.FormatInt(supply, 10)
	mt := &Mint{saga: saga.New("mint-supply", m.logger.With(zap.String("currency", currency)))}

	err := mt.saga.Run(ctx,
		saga.Step{
			Name: "distribution reserve",
			Do: func(ctx context.Context) error {
				_, err := m.submit(ctx, "fund distribution",
					ledger.Payment(m.wallets.Operational.Address, dist.Address, ledger.Drops(fundingDrops)), m.wallets.Operational)
				return err
			},
		},
		saga.Step{
			Name: "distribution trust line",
			Do: func(ctx context.Context) error {
				_, err := m.submit(ctx, "distribution trust line", ledger.TrustLine(dist.Address, currency, issuer.Address, value), dist)
				return err
			},
		},
		saga.Step{
			Name: "issue supply",
			Do: func(ctx context.Context) error {
				res, err := m.submit(ctx, "issue supply",
					ledger.Payment(issuer.Address, dist.Address, ledger.Issued(currency, issuer.Address, value)), issuer)
				mt.TxHash = res.Hash
				return err
			},
			Compensate: func(ctx context.Context) error {
				_, err := m.submit(ctx, "burn supply",
					ledger.Payment(dist.Address, issuer.Address, ledger.Issued(currency, issuer.Address, value)), dist)
				return err
			},
		},
	)
	if err != nil {
		return nil, err
	}

	m.logger.Info("token supply minted",
		zap.String("currency", currency),
		zap.Int64("supply", supply),
		zap.String("tx_hash", mt.TxHash),
	)
	return mt, nil
}

// PayFiat sends amount of the fiat token from the operational account.
func (m *Manager) PayFiat(ctx context.Context, destination string, amount decimal.Decimal, memo string) (ledger.Result, error) {
	op := ledger.Payment(m.wallets.Operational.Address, destination,
		ledger.Issued(m.fiatCurrency, m.wallets.Operational.Address, amount.StringFixed(6)),
		ledger.NewMemo(rentMemoType, memo))
	return m.submit(ctx, "fiat payment", op, m.wallets.Operational)
}

// ConfigureIssuer enables rippling on the token issuer.
func (m *Manager) ConfigureIssuer(ctx context.Context, domainName string) error {
	_, err := m.submit(ctx, "configure issuer", ledger.ConfigureIssuer(m.wallets.Issuer.Address, domainName), m.wallets.Issuer)
	return err
}

func (m *Manager) submit(ctx context.Context, step string, op ledger.Operation, signer ledger.Wallet) (ledger.Result, error) {
	res, err := m.client.SubmitAndAwait(ctx, op, signer.Seed)
	if err != nil {
		m.logger.Warn("ledger step failed",
			zap.String("step", step),
			zap.String("account", op.Account),
			zap.String("result", ledger.ResultCode(err)),
			zap.Error(err),
		)
		return res, fmt.Errorf("%s: %w", step, err)
	}
	m.logger.Debug("ledger step validated",
		zap.String("step", step),
		zap.String("account", op.Account),
		zap.String("hash", res.Hash),
	)
	return res, nil
}

func wallet(acct domain.CustodialAccount) ledger.Wallet {
	return ledger.Wallet{Address: acct.Address, Seed: acct.Seed}
}
