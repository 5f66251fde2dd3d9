package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/punchamoorthee/equityledger/internal/secret"
	"go.uber.org/zap"
)

const defaultPollInterval = time.Second

// ErrUntrustedNode is returned for a node outside the platform network.
var ErrUntrustedNode = errors.New("ledger node is not platform-operated")

// RPCClient talks to a trusted rippled node over JSON-RPC. Signing happens
// server-side through the submit method's secret parameter, so the node must be
// operated by the platform; see CheckSigningNode.
type RPCClient struct {
	url          string
	http         *http.Client
	pollInterval time.Duration
	logger       *zap.Logger
}

func NewRPCClient(nodeURL string, logger *zap.Logger) (*RPCClient, error) {
	if err := CheckSigningNode(nodeURL); err != nil {
		return nil, err
	}
	return &RPCClient{
		url:          nodeURL,
		http:         &http.Client{Timeout: 15 * time.Second},
		pollInterval: defaultPollInterval,
		logger:       logger,
	}, nil
}

// CheckSigningNode accepts loopback and private addresses and unqualified
// service names. Wallet secrets are never sent to a public node.
func CheckSigningNode(nodeURL string) error {
	u, err := url.Parse(nodeURL)
	if err != nil || u.Hostname() == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("invalid ledger node URL %q", nodeURL)
	}
	host := u.Hostname()
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrUntrustedNode, host)
	}
	if host == "localhost" || !strings.Contains(host, ".") {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUntrustedNode, host)
}

type rpcRequest struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type rpcStatus struct {
	Status       string `json:"status"`
	Error        string `json:"error"`
	ErrorMessage string `json:"error_message"`
}

type submitResult struct {
	rpcStatus
	EngineResult string `json:"engine_result"`
	TxJSON       struct {
		Hash string `json:"hash"`
	} `json:"tx_json"`
}

type txResult struct {
	rpcStatus
	Hash      string `json:"hash"`
	Validated bool   `json:"validated"`
	Meta      struct {
		TransactionResult string `json:"TransactionResult"`
	} `json:"meta"`
}

type walletResult struct {
	rpcStatus
	AccountID  string `json:"account_id"`
	MasterSeed string `json:"master_seed"`
}

func (c *RPCClient) SubmitAndAwait(ctx context.Context, op Operation, signer secret.Seed) (Result, error) {
	var sub submitResult
	err := c.call(ctx, "submit", map[string]any{
		"secret":       signer.Expose(),
		"tx_json":      op,
		"fee_mult_max": 1000,
	}, &sub)
	if err != nil {
		return Result{}, fmt.Errorf("submit %s: %w", op.TransactionType, err)
	}

	hash := sub.TxJSON.Hash
	if isTerminalEngineFailure(sub.EngineResult) || hash == "" {
		return Result{Code: sub.EngineResult, Hash: hash}, &RejectedError{Type: op.TransactionType, Code: sub.EngineResult, Hash: hash}
	}

	c.logger.Debug("ledger submission accepted",
		zap.String("type", string(op.TransactionType)),
		zap.String("account", op.Account),
		zap.String("hash", hash),
		zap.String("engine_result", sub.EngineResult),
	)

	return c.await(ctx, op.TransactionType, hash)
}

// await polls the tx method until the transaction is in a validated ledger.
func (c *RPCClient) await(ctx context.Context, txType TxType, hash string) (Result, error) {
	timer := time.NewTimer(c.pollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return Result{Hash: hash}, fmt.Errorf("%w: %s %s", ErrTimeout, txType, hash)
			}
			return Result{Hash: hash}, ctx.Err()
		case <-timer.C:
		}

		var tx txResult
		err := c.call(ctx, "tx", map[string]any{"transaction": hash}, &tx)
		switch {
		case err == nil && tx.Validated:
			res := Result{Code: tx.Meta.TransactionResult, Hash: hash, Validated: true}
			if res.Code != ResultSuccess {
				return res, &RejectedError{Type: txType, Code: res.Code, Hash: hash}
			}
			return res, nil
		case err == nil, errors.Is(err, errTxnNotFound):
			// not yet in a validated ledger
		case ctx.Err() != nil:
			continue
		default:
			return Result{Hash: hash}, fmt.Errorf("await %s: %w", hash, err)
		}
		timer.Reset(c.pollInterval)
	}
}

func (c *RPCClient) NewWallet(ctx context.Context) (Wallet, error) {
	var w walletResult
	if err := c.call(ctx, "wallet_propose", map[string]any{}, &w); err != nil {
		return Wallet{}, fmt.Errorf("wallet_propose: %w", err)
	}
	return Wallet{Address: w.AccountID, Seed: secret.NewSeed(w.MasterSeed)}, nil
}

func (c *RPCClient) WalletFromSeed(ctx context.Context, seed secret.Seed) (Wallet, error) {
	var w walletResult
	if err := c.call(ctx, "wallet_propose", map[string]any{"seed": seed.Expose()}, &w); err != nil {
		return Wallet{}, fmt.Errorf("wallet_propose: %w", err)
	}
	return Wallet{Address: w.AccountID, Seed: seed}, nil
}

var errTxnNotFound = errors.New("txnNotFound")

func (c *RPCClient) call(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(rpcRequest{Method: method, Params: []any{params}})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}

	var status rpcStatus
	if err := json.Unmarshal(envelope.Result, &status); err != nil {
		return fmt.Errorf("decode %s status: %w", method, err)
	}
	if status.Status == "error" {
		if status.Error == "txnNotFound" {
			return errTxnNotFound
		}
		return fmt.Errorf("%s: %s %s", method, status.Error, status.ErrorMessage)
	}

	return json.Unmarshal(envelope.Result, out)
}

// tem (malformed), tef (failure) and tel (local) results are never applied.
func isTerminalEngineFailure(code string) bool {
	return strings.HasPrefix(code, "tem") || strings.HasPrefix(code, "tef") || strings.HasPrefix(code, "tel")
}
