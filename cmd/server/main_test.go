package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/DJ3N/sms-wallet/internal/chain"
	"github.com/DJ3N/sms-wallet/internal/operators"
	"github.com/DJ3N/sms-wallet/internal/requests"
	"github.com/DJ3N/sms-wallet/internal/users"
	"github.com/DJ3N/sms-wallet/internal/wallet"
	"github.com/DJ3N/sms-wallet/pkg/authn"
)

var (
	testAlice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	testBob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	testOpA   = common.HexToAddress("0x0000000000000000000000000000000000000001")
	testOpB   = common.HexToAddress("0x0000000000000000000000000000000000000002")
)

type fakeDirectory struct {
	known map[common.Address]users.User
}

func (f *fakeDirectory) Create(_ context.Context, u users.User) (users.User, error) {
	if existing, ok := f.known[u.Address]; ok {
		return existing, nil
	}
	f.known[u.Address] = u
	return u, nil
}

func (f *fakeDirectory) GetByAddress(_ context.Context, address common.Address) (users.User, error) {
	u, ok := f.known[address]
	if !ok {
		return users.User{}, users.ErrNotFound
	}
	return u, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *chain.Backend, *requests.Ledger) {
	t.Helper()
	w, err := wallet.New(wallet.Config{
		OperatorThreshold:   2,
		Operators:           []common.Address{testOpA, testOpB},
		PerUserDepositLimit: big.NewInt(100),
		PerUserAuthLimit:    big.NewInt(50),
	})
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	backend := chain.NewBackend(w, operators.New(), zap.NewNop())
	ledger := requests.NewLedger(requests.NewMemStore(), zap.NewNop())
	dir := &fakeDirectory{known: map[common.Address]users.User{
		testAlice: {ID: "usr_alice", Address: testAlice},
	}}
	srv := httptest.NewServer(newRouter(ledger, dir, backend, nil, zap.NewNop()))
	t.Cleanup(srv.Close)
	return srv, backend, ledger
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp, out
}

func depositBody(addr common.Address, amount string) map[string]any {
	return map[string]any{
		"address": addr.Hex(),
		"payload": map[string]any{
			"method":  "deposit",
			"address": addr.Hex(),
			"amount":  amount,
		},
	}
}

func TestSubmitRequestIdempotent(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, first := postJSON(t, srv.URL+"/wallet/requests", depositBody(testAlice, "60"))
	if resp.StatusCode != 201 {
		t.Fatalf("expected 201, got %d: %v", resp.StatusCode, first)
	}
	_, second := postJSON(t, srv.URL+"/wallet/requests", depositBody(testAlice, "60"))

	firstReq := first["request"].(map[string]any)
	secondReq := second["request"].(map[string]any)
	if firstReq["request_id"] != secondReq["request_id"] {
		t.Fatalf("expected idempotent submission, got %v vs %v", firstReq["request_id"], secondReq["request_id"])
	}
	if firstReq["hash"] != secondReq["hash"] {
		t.Fatalf("expected identical hashes")
	}
}

func TestSubmitRejectsUnknownAddress(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, _ := postJSON(t, srv.URL+"/wallet/requests", depositBody(testBob, "1"))
	if resp.StatusCode != 403 {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestSubmitRejectsMismatchedActor(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, _ := postJSON(t, srv.URL+"/wallet/requests", map[string]any{
		"address": testAlice.Hex(),
		"payload": map[string]any{
			"method":  "deposit",
			"address": testBob.Hex(),
			"amount":  "1",
		},
	})
	if resp.StatusCode != 400 {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestOperatorApprovalFlow(t *testing.T) {
	srv, _, ledger := newTestServer(t)

	_, created := postJSON(t, srv.URL+"/wallet/requests", map[string]any{
		"address": testAlice.Hex(),
		"payload": map[string]any{
			"method":  "authorize",
			"owner":   testAlice.Hex(),
			"spender": testBob.Hex(),
			"amount":  "25",
		},
	})
	id := created["request"].(map[string]any)["request_id"].(string)

	resp, body := postJSON(t, srv.URL+"/wallet/operators/approve", map[string]any{
		"operator":   testOpA.Hex(),
		"request_id": id,
	})
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d: %v", resp.StatusCode, body)
	}
	if body["threshold_met"] != false {
		t.Fatalf("expected threshold_met=false after one approval")
	}

	resp, body = postJSON(t, srv.URL+"/wallet/operators/approve", map[string]any{
		"operator":   testOpB.Hex(),
		"request_id": id,
	})
	if resp.StatusCode != 200 || body["threshold_met"] != true {
		t.Fatalf("expected threshold met, got %d: %v", resp.StatusCode, body)
	}

	// An address outside the operator set is refused.
	resp, _ = postJSON(t, srv.URL+"/wallet/operators/approve", map[string]any{
		"operator":   testBob.Hex(),
		"request_id": id,
	})
	if resp.StatusCode != 403 {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}

	// Sanity: the request is still pending until the relayer executes it.
	stored, err := ledger.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != requests.StatusPending {
		t.Fatalf("expected pending, got %s", stored.Status)
	}
}

type fakeAuth struct {
	tokens map[string]common.Address
}

func (f *fakeAuth) AuthenticateBearer(_ context.Context, authorization string) (common.Address, error) {
	token, ok := authn.ParseBearerToken(authorization)
	if !ok {
		return common.Address{}, authn.ErrUnauthorized
	}
	addr, ok := f.tokens[token]
	if !ok {
		return common.Address{}, authn.ErrUnauthorized
	}
	return addr, nil
}

func TestApproveRequiresBearerWhenAuthEnabled(t *testing.T) {
	w, err := wallet.New(wallet.Config{
		OperatorThreshold:   1,
		Operators:           []common.Address{testOpA},
		PerUserDepositLimit: big.NewInt(100),
		PerUserAuthLimit:    big.NewInt(50),
	})
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	backend := chain.NewBackend(w, operators.New(), zap.NewNop())
	ledger := requests.NewLedger(requests.NewMemStore(), zap.NewNop())
	dir := &fakeDirectory{known: map[common.Address]users.User{
		testAlice: {ID: "usr_alice", Address: testAlice},
	}}
	auth := &fakeAuth{tokens: map[string]common.Address{"tok-a": testOpA}}
	srv := httptest.NewServer(newRouter(ledger, dir, backend, auth, zap.NewNop()))
	defer srv.Close()

	_, created := postJSON(t, srv.URL+"/wallet/requests", map[string]any{
		"address": testAlice.Hex(),
		"payload": map[string]any{
			"method":  "authorize",
			"owner":   testAlice.Hex(),
			"spender": testBob.Hex(),
			"amount":  "25",
		},
	})
	id := created["request"].(map[string]any)["request_id"].(string)
	body, _ := json.Marshal(map[string]any{"operator": testOpA.Hex(), "request_id": id})

	// No token.
	resp, err := http.Post(srv.URL+"/wallet/operators/approve", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 401 {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	// Valid token for the claimed operator.
	req, _ := http.NewRequest("POST", srv.URL+"/wallet/operators/approve", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer tok-a")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200 with token, got %d", resp.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["threshold_met"] != true {
		t.Fatalf("expected threshold met at 1-of-1, got %v", out)
	}
}

func TestApproveRejectsNonPrivilegedRequest(t *testing.T) {
	srv, _, _ := newTestServer(t)

	_, created := postJSON(t, srv.URL+"/wallet/requests", depositBody(testAlice, "60"))
	id := created["request"].(map[string]any)["request_id"].(string)

	resp, _ := postJSON(t, srv.URL+"/wallet/operators/approve", map[string]any{
		"operator":   testOpA.Hex(),
		"request_id": id,
	})
	if resp.StatusCode != 400 {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestBalanceEndpoint(t *testing.T) {
	srv, backend, _ := newTestServer(t)

	nonce, _ := backend.PendingNonce(context.Background(), common.Address{})
	payload := fmt.Sprintf(`{"address":"%s","amount":"60","method":"deposit"}`, testAlice.Hex())
	if _, err := backend.SubmitTransaction(context.Background(), chain.Tx{
		Origin: testAlice, Nonce: nonce, Payload: []byte(payload),
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	resp, err := http.Get(srv.URL + "/wallet/balances/" + testAlice.Hex())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["balance"] != "60" {
		t.Fatalf("expected balance 60, got %v", body["balance"])
	}
}

func TestGetRequestNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/wallet/requests/no-such-id")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 404 {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestRegisterUserIdempotent(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, first := postJSON(t, srv.URL+"/wallet/users", map[string]any{"address": testBob.Hex()})
	if resp.StatusCode != 201 {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	_, second := postJSON(t, srv.URL+"/wallet/users", map[string]any{"address": testBob.Hex()})
	if first["user"].(map[string]any)["user_id"] != second["user"].(map[string]any)["user_id"] {
		t.Fatalf("expected same user on repeat registration")
	}
}
