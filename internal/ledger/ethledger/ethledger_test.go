package ethledger

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gorilla/websocket"

	"github.com/gateway-fm/ledgerbench/internal/account"
	"github.com/gateway-fm/ledgerbench/internal/ledger"
	"github.com/gateway-fm/ledgerbench/internal/rpc"
	"github.com/gateway-fm/ledgerbench/internal/txbuilder"
)

var (
	chainID   = big.NewInt(1337)
	tokenAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")
)

// fakeNode serves JSON-RPC over HTTP and a newHeads feed over websocket.
type fakeNode struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	nonces   map[common.Address]uint64
	balances map[common.Address]*big.Int
	tokens   map[common.Address]*big.Int
	sent     []*types.Transaction
	reject   string // JSON-RPC error message for eth_sendRawTransaction

	connMu sync.Mutex
	conns  []*websocket.Conn
}

func newFakeNode(t *testing.T) *fakeNode {
	t.Helper()
	n := &fakeNode{
		t:        t,
		nonces:   make(map[common.Address]uint64),
		balances: make(map[common.Address]*big.Int),
		tokens:   make(map[common.Address]*big.Int),
	}
	n.srv = httptest.NewServer(http.HandlerFunc(n.serve))
	t.Cleanup(n.srv.Close)
	return n
}

func (n *fakeNode) wsURL() string {
	return "ws" + strings.TrimPrefix(n.srv.URL, "http")
}

var upgrader = websocket.Upgrader{}

func (n *fakeNode) serve(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		n.serveWS(w, r)
		return
	}

	var req rpc.JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	result, rpcErr := n.handle(req)
	resp := rpc.JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Error: rpcErr}
	if rpcErr == nil {
		resp.Result, _ = json.Marshal(result)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (n *fakeNode) handle(req rpc.JSONRPCRequest) (any, *rpc.JSONRPCError) {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch req.Method {
	case "eth_sendRawTransaction":
		if n.reject != "" {
			return nil, &rpc.JSONRPCError{Code: -32000, Message: n.reject}
		}
		raw, _ := hexutil.Decode(req.Params[0].(string))
		var tx types.Transaction
		if err := tx.UnmarshalBinary(raw); err != nil {
			return nil, &rpc.JSONRPCError{Code: -32602, Message: err.Error()}
		}
		n.sent = append(n.sent, &tx)
		return tx.Hash().Hex(), nil
	case "eth_getTransactionCount":
		return hexutil.EncodeUint64(n.nonces[common.HexToAddress(req.Params[0].(string))]), nil
	case "eth_getBalance":
		bal := n.balances[common.HexToAddress(req.Params[0].(string))]
		if bal == nil {
			bal = new(big.Int)
		}
		return hexutil.EncodeBig(bal), nil
	case "eth_call":
		msg := req.Params[0].(map[string]any)
		data, _ := hexutil.Decode(msg["data"].(string))
		owner := common.BytesToAddress(data[4:36])
		bal := n.tokens[owner]
		if bal == nil {
			bal = new(big.Int)
		}
		out := make([]byte, 32)
		bal.FillBytes(out)
		return hexutil.Encode(out), nil
	default:
		return nil, &rpc.JSONRPCError{Code: -32601, Message: "method not found"}
	}
}

func (n *fakeNode) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	var sub map[string]any
	if err := conn.ReadJSON(&sub); err != nil {
		conn.Close()
		return
	}
	_ = conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": 1, "result": "0xfeed"})

	n.connMu.Lock()
	n.conns = append(n.conns, conn)
	n.connMu.Unlock()
}

// pushHead announces a new head on every feed.
func (n *fakeNode) pushHead(number uint64) {
	n.connMu.Lock()
	defer n.connMu.Unlock()
	for _, c := range n.conns {
		_ = c.WriteJSON(map[string]any{
			"jsonrpc": "2.0",
			"method":  "eth_subscription",
			"params": map[string]any{
				"subscription": "0xfeed",
				"result":       map[string]any{"number": hexutil.EncodeUint64(number)},
			},
		})
	}
}

// dropFeeds closes every websocket connection from the node side.
func (n *fakeNode) dropFeeds() {
	n.connMu.Lock()
	defer n.connMu.Unlock()
	for _, c := range n.conns {
		c.Close()
	}
	n.conns = nil
}

func (n *fakeNode) setNonce(addr common.Address, v uint64) {
	n.mu.Lock()
	n.nonces[addr] = v
	n.mu.Unlock()
}

func dialTestLedger(t *testing.T, n *fakeNode) *Ledger {
	t.Helper()
	b, err := txbuilder.New(txbuilder.Config{
		ChainID:   chainID,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
		Tokens:    map[uint32]common.Address{100: tokenAddr},
	})
	if err != nil {
		t.Fatalf("builder: %v", err)
	}
	cfg := rpc.DefaultClientConfig(n.srv.URL)
	cfg.MaxRetries = 1
	cfg.InitialBackoff = time.Millisecond

	l, err := Dial(context.Background(), Config{
		Client:  rpc.NewHTTPClient(cfg),
		WSURL:   n.wsURL(),
		Builder: b,
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func funder(t *testing.T) *account.Account {
	t.Helper()
	acc, err := account.NewAccountFromHex(account.DevFunderKey)
	if err != nil {
		t.Fatalf("funder: %v", err)
	}
	return acc
}

func recv(t *testing.T, sub ledger.Subscription) (ledger.State, bool) {
	t.Helper()
	select {
	case st, ok := <-sub.Changes():
		return st, ok
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a change")
		return ledger.State{}, false
	}
}

func TestDialUnreachable(t *testing.T) {
	b, _ := txbuilder.New(txbuilder.Config{ChainID: chainID, GasFeeCap: big.NewInt(1)})
	_, err := Dial(context.Background(), Config{
		Client:  rpc.NewHTTPClient(rpc.DefaultClientConfig("http://127.0.0.1:1")),
		WSURL:   "ws://127.0.0.1:1",
		Builder: b,
	})
	if !ledger.IsConnection(err) {
		t.Errorf("Dial error = %v, want ErrConnection", err)
	}
}

func TestSubmitSignsAndSends(t *testing.T) {
	n := newFakeNode(t)
	l := dialTestLedger(t, n)
	from := funder(t)
	to := common.HexToAddress("0x1111111111111111111111111111111111111111")

	receipt, err := l.Submit(context.Background(), ledger.Operation{
		Kind: ledger.OpTransfer, From: from, To: to, Amount: big.NewInt(5), Nonce: 3,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sent) != 1 {
		t.Fatalf("node received %d transactions, want 1", len(n.sent))
	}
	tx := n.sent[0]
	if receipt.ID != tx.Hash().Hex() {
		t.Errorf("receipt id = %s, want %s", receipt.ID, tx.Hash().Hex())
	}
	sender, err := types.Sender(types.LatestSignerForChainID(chainID), tx)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if sender != from.Address {
		t.Errorf("sender = %s, want %s", sender, from.Address)
	}
	if tx.Nonce() != 3 || *tx.To() != to || tx.Value().Int64() != 5 {
		t.Errorf("tx nonce=%d to=%s value=%s", tx.Nonce(), tx.To(), tx.Value())
	}
}

func TestSubmitRejected(t *testing.T) {
	n := newFakeNode(t)
	n.reject = "nonce too low"
	l := dialTestLedger(t, n)

	_, err := l.Submit(context.Background(), ledger.Operation{Kind: ledger.OpAction, From: funder(t), Nonce: 9})
	var rej *ledger.RejectionError
	if !errors.As(err, &rej) {
		t.Fatalf("Submit error = %v, want RejectionError", err)
	}
	if rej.Reason != "nonce too low" || rej.Nonce != 9 {
		t.Errorf("rejection = %+v", rej)
	}
	if ledger.IsConnection(err) {
		t.Error("a rejection is not a connection failure")
	}
}

func TestSubmitUnsupported(t *testing.T) {
	n := newFakeNode(t)
	l := dialTestLedger(t, n)

	_, err := l.Submit(context.Background(), ledger.Operation{Kind: ledger.OpApplyLoan, From: funder(t)})
	if !errors.Is(err, txbuilder.ErrUnsupported) {
		t.Errorf("Submit error = %v, want ErrUnsupported", err)
	}
}

func TestQuery(t *testing.T) {
	n := newFakeNode(t)
	addr := common.HexToAddress("0x2222222222222222222222222222222222222222")
	n.nonces[addr] = 7
	n.balances[addr] = big.NewInt(1e18)
	n.tokens[addr] = big.NewInt(250)
	l := dialTestLedger(t, n)
	ctx := context.Background()

	tests := []struct {
		name string
		res  ledger.Resource
		want string
	}{
		{"nonce", ledger.Nonce(), "7"},
		{"native balance", ledger.Balance(txbuilder.NativeAsset), "1000000000000000000"},
		{"token balance", ledger.Balance(100), "250"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := l.Query(ctx, addr, tt.res)
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			if st.String() != tt.want {
				t.Errorf("state = %s, want %s", st, tt.want)
			}
		})
	}

	if _, err := l.Query(ctx, addr, ledger.Balance(7)); !errors.Is(err, txbuilder.ErrUnsupported) {
		t.Errorf("unknown asset error = %v, want ErrUnsupported", err)
	}
}

func TestSubscribeEmitsOnChange(t *testing.T) {
	n := newFakeNode(t)
	addr := common.HexToAddress("0x3333333333333333333333333333333333333333")
	l := dialTestLedger(t, n)

	sub, err := l.Subscribe(context.Background(), addr, ledger.Nonce())
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	n.pushHead(1)
	if st, ok := recv(t, sub); !ok || st.String() != "0" {
		t.Fatalf("first change = %s, %v", st, ok)
	}

	// An unchanged head emits nothing; the next change does.
	n.pushHead(2)
	n.setNonce(addr, 1)
	n.pushHead(3)
	if st, ok := recv(t, sub); !ok || st.String() != "1" {
		t.Fatalf("second change = %s, %v", st, ok)
	}
	if l.Heads() < 3 {
		t.Errorf("heads = %d, want >= 3", l.Heads())
	}

	sub.Unsubscribe()
	sub.Unsubscribe() // idempotent
	if sub.Err() != nil {
		t.Errorf("Err after Unsubscribe = %v, want nil", sub.Err())
	}
}

func TestFeedDropFailsSubscriptions(t *testing.T) {
	n := newFakeNode(t)
	l := dialTestLedger(t, n)
	addr := common.HexToAddress("0x4444444444444444444444444444444444444444")

	sub, err := l.Subscribe(context.Background(), addr, ledger.Nonce())
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	n.dropFeeds()

	if _, ok := recv(t, sub); ok {
		t.Fatal("expected Changes to close")
	}
	if !ledger.IsConnection(sub.Err()) {
		t.Errorf("Err = %v, want ErrConnection", sub.Err())
	}
	if _, err := l.Subscribe(context.Background(), addr, ledger.Nonce()); !ledger.IsConnection(err) {
		t.Errorf("Subscribe after drop = %v, want ErrConnection", err)
	}
}

func TestCloseFailsSubscriptions(t *testing.T) {
	n := newFakeNode(t)
	l := dialTestLedger(t, n)

	sub, err := l.Subscribe(context.Background(), common.Address{}, ledger.Balance(0))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := recv(t, sub); ok {
		t.Fatal("expected Changes to close")
	}
	if !ledger.IsConnection(sub.Err()) {
		t.Errorf("Err = %v, want ErrConnection", sub.Err())
	}
}

func TestClassify(t *testing.T) {
	transport := &rpc.TransportError{Method: "eth_getBalance", Attempts: 2, Err: errors.New("refused")}
	rpcErr := &rpc.RPCError{Code: -32000, Message: "underpriced"}

	tests := []struct {
		name           string
		what           string
		err            error
		wantConnection bool
		wantRejection  bool
	}{
		{"transport on submit", "submit", transport, true, false},
		{"rpc error on submit", "submit", rpcErr, false, true},
		{"rpc error on query", "query nonce", rpcErr, false, false},
		{"transport on query", "query nonce", transport, true, false},
		{"cancelled", "submit", context.Canceled, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify(tt.what, tt.err, 1)
			if got := ledger.IsConnection(err); got != tt.wantConnection {
				t.Errorf("IsConnection = %v, want %v (%v)", got, tt.wantConnection, err)
			}
			if got := errors.Is(err, ledger.ErrRejected); got != tt.wantRejection {
				t.Errorf("rejected = %v, want %v (%v)", got, tt.wantRejection, err)
			}
		})
	}
}
