package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/punchamoorthee/equityledger/internal/secret"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeNode struct {
	engineResult string
	finalResult  string
	pendingPolls int32
	polls        atomic.Int32
	lastSecret   atomic.Value
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method string           `json:"method"`
		Params []map[string]any `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var result map[string]any
	switch req.Method {
	case "submit":
		n.lastSecret.Store(req.Params[0]["secret"])
		result = map[string]any{
			"status":        "success",
			"engine_result": n.engineResult,
			"tx_json":       map[string]any{"hash": "ABC123"},
		}
	case "tx":
		if n.polls.Add(1) <= n.pendingPolls {
			result = map[string]any{"status": "error", "error": "txnNotFound"}
			break
		}
		result = map[string]any{
			"status":    "success",
			"hash":      "ABC123",
			"validated": true,
			"meta":      map[string]any{"TransactionResult": n.finalResult},
		}
	case "wallet_propose":
		result = map[string]any{"status": "success", "account_id": "rNewWallet", "master_seed": "sNewSeed"}
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"result": result})
}

func newTestRPC(t *testing.T, node *fakeNode) *RPCClient {
	t.Helper()
	srv := httptest.NewServer(node)
	t.Cleanup(srv.Close)

	c, err := NewRPCClient(srv.URL, zap.NewNop())
	require.NoError(t, err)
	c.pollInterval = 5 * time.Millisecond
	return c
}

func TestRPCSubmitAndAwaitSuccess(t *testing.T) {
	node := &fakeNode{engineResult: "tesSUCCESS", finalResult: "tesSUCCESS", pendingPolls: 2}
	c := newTestRPC(t, node)

	res, err := c.SubmitAndAwait(context.Background(), TrustLine("rUser", "AED", "rOps", "100"), secret.NewSeed("sUser"))
	require.NoError(t, err)
	assert.Equal(t, Result{Code: "tesSUCCESS", Hash: "ABC123", Validated: true}, res)
	assert.Equal(t, int32(3), node.polls.Load())
	assert.Equal(t, "sUser", node.lastSecret.Load())
}

func TestRPCSubmitMalformedIsRejectedWithoutPolling(t *testing.T) {
	node := &fakeNode{engineResult: "temBAD_AMOUNT"}
	c := newTestRPC(t, node)

	_, err := c.SubmitAndAwait(context.Background(), Payment("rA", "rB", Drops(-1)), secret.NewSeed("s"))
	require.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, "temBAD_AMOUNT", ResultCode(err))
	assert.Zero(t, node.polls.Load())
}

func TestRPCClaimedFailureIsRejected(t *testing.T) {
	node := &fakeNode{engineResult: "tesSUCCESS", finalResult: "tecPATH_DRY"}
	c := newTestRPC(t, node)

	res, err := c.SubmitAndAwait(context.Background(), Payment("rA", "rB", Issued("AED", "rA", "1")), secret.NewSeed("s"))
	require.ErrorIs(t, err, ErrRejected)
	assert.True(t, res.Validated)
	assert.Equal(t, "tecPATH_DRY", res.Code)
}

func TestRPCAwaitTimesOut(t *testing.T) {
	node := &fakeNode{engineResult: "tesSUCCESS", finalResult: "tesSUCCESS", pendingPolls: 1 << 30}
	c := newTestRPC(t, node)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := c.SubmitAndAwait(ctx, TrustLine("rUser", "AED", "rOps", "100"), secret.NewSeed("s"))
	require.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrRejected)
}

func TestRPCWallets(t *testing.T) {
	c := newTestRPC(t, &fakeNode{})

	w, err := c.NewWallet(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rNewWallet", w.Address)
	assert.Equal(t, "sNewSeed", w.Seed.Expose())

	w, err = c.WalletFromSeed(context.Background(), secret.NewSeed("sKnown"))
	require.NoError(t, err)
	assert.Equal(t, "sKnown", w.Seed.Expose())
}

func TestRPCUnreachableNode(t *testing.T) {
	c, err := NewRPCClient("http://127.0.0.1:1", zap.NewNop())
	require.NoError(t, err)

	_, err = c.NewWallet(context.Background())
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestCheckSigningNode(t *testing.T) {
	tests := []struct {
		url     string
		trusted bool
	}{
		{"http://127.0.0.1:5005", true},
		{"http://localhost:5005", true},
		{"http://[::1]:5005", true},
		{"http://10.0.4.12:5005", true},
		{"http://rippled:5005", true},
		{"https://s.altnet.rippletest.net:51234", false},
		{"https://xrplcluster.com", false},
		{"http://8.8.8.8:5005", false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := CheckSigningNode(tt.url)
			if tt.trusted {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrUntrustedNode)
			}
		})
	}

	assert.Error(t, CheckSigningNode("ftp://rippled"))
	assert.Error(t, CheckSigningNode(""))

	_, err := NewRPCClient("https://s.altnet.rippletest.net:51234", zap.NewNop())
	assert.ErrorIs(t, err, ErrUntrustedNode)
}
