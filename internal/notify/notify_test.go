package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/DJ3N/sms-wallet/internal/requests"
)

func TestSignRoundTrip(t *testing.T) {
	body := []byte(`{"request_id":"req_1"}`)
	sig := Sign("topsecret", body)
	if !VerifySignature("topsecret", body, sig) {
		t.Fatalf("expected signature to verify")
	}
	if VerifySignature("wrong", body, sig) {
		t.Fatalf("expected verification to fail under a different secret")
	}
	if VerifySignature("topsecret", []byte(`{}`), sig) {
		t.Fatalf("expected verification to fail for a different body")
	}
	if VerifySignature("topsecret", body, "not-hex") {
		t.Fatalf("expected non-hex signature to fail")
	}
}

func TestRequestCompletedDelivery(t *testing.T) {
	type received struct {
		body    []byte
		headers http.Header
	}
	got := make(chan received, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got <- received{body: b, headers: r.Header.Clone()}
		w.WriteHeader(204)
	}))
	defer srv.Close()

	completedAt := time.Now().UTC()
	req := requests.Request{
		ID:      "req_abc",
		Address: common.HexToAddress("0x00000000000000000000000000000000000a11ce"),
		Hash:    common.HexToHash("0x01"),
		TxRef:   common.HexToHash("0x02"),
		Status:  requests.StatusCompleted,
	}
	req.CompletedAt = &completedAt

	n := New(srv.URL, "topsecret", zap.NewNop())
	n.RequestCompleted(context.Background(), req)

	var rec received
	select {
	case rec = <-got:
	case <-time.After(2 * time.Second):
		t.Fatalf("no delivery received")
	}

	if !VerifySignature("topsecret", rec.body, rec.headers.Get("X-Signature")) {
		t.Fatalf("delivered signature does not verify")
	}
	if rec.headers.Get("X-Event-Id") != "req_abc" {
		t.Fatalf("unexpected event id %q", rec.headers.Get("X-Event-Id"))
	}
	if rec.headers.Get("X-Event-Type") != "request.completed" {
		t.Fatalf("unexpected event type %q", rec.headers.Get("X-Event-Type"))
	}

	var ev Event
	if err := json.Unmarshal(rec.body, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.RequestID != "req_abc" || ev.Failed {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestNilNotifierIsNoop(t *testing.T) {
	var n *Notifier
	if got := New("", "secret", zap.NewNop()); got != nil {
		t.Fatalf("expected nil notifier for empty url")
	}
	// Must not panic.
	n.RequestCompleted(context.Background(), requests.Request{})
}
