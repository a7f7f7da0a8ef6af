// Package notify delivers signed completion callbacks to the messaging layer.
// Each delivery carries an HMAC-SHA256 signature of the raw body so the
// receiver can authenticate the sender without a shared transport secret.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/DJ3N/sms-wallet/internal/requests"
)

const (
	signatureHeader = "X-Signature"
	eventIDHeader   = "X-Event-Id"
	eventTypeHeader = "X-Event-Type"

	eventRequestCompleted = "request.completed"
)

// Event is the callback body. Amount semantics stay with the payload; the
// receiver only needs enough to route an SMS back to the user.
type Event struct {
	RequestID     string    `json:"request_id"`
	Address       string    `json:"address"`
	Hash          string    `json:"hash"`
	TxRef         string    `json:"tx_ref"`
	Failed        bool      `json:"failed"`
	FailureReason string    `json:"failure_reason,omitempty"`
	CompletedAt   time.Time `json:"completed_at"`
}

type Notifier struct {
	url    string
	secret string
	client *http.Client
	log    *zap.Logger
}

// New returns a notifier posting to url, or nil when url is empty so callers
// can treat callbacks as optional.
func New(url, secret string, log *zap.Logger) *Notifier {
	if strings.TrimSpace(url) == "" {
		return nil
	}
	return &Notifier{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}
}

// Sign computes the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature against the raw body. Exposed
// for receivers that share this package.
func VerifySignature(secret string, body []byte, sigHex string) bool {
	provided, err := hex.DecodeString(strings.TrimSpace(sigHex))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hmac.Equal(mac.Sum(nil), provided)
}

// RequestCompleted posts a completion callback. Delivery is best effort; a
// failed delivery is logged and dropped, the request ledger stays the source
// of truth.
func (n *Notifier) RequestCompleted(ctx context.Context, req requests.Request) {
	if n == nil {
		return
	}
	ev := Event{
		RequestID:     req.ID,
		Address:       req.Address.Hex(),
		Hash:          req.Hash.Hex(),
		TxRef:         req.TxRef.Hex(),
		Failed:        req.Failed(),
		FailureReason: req.FailureReason,
	}
	if req.CompletedAt != nil {
		ev.CompletedAt = *req.CompletedAt
	}
	body, err := json.Marshal(ev)
	if err != nil {
		n.log.Error("encode callback", zap.Error(err))
		return
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		n.log.Error("build callback", zap.Error(err))
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(signatureHeader, Sign(n.secret, body))
	httpReq.Header.Set(eventIDHeader, req.ID)
	httpReq.Header.Set(eventTypeHeader, eventRequestCompleted)

	resp, err := n.client.Do(httpReq)
	if err != nil {
		n.log.Warn("callback delivery failed", zap.String("request_id", req.ID), zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.log.Warn("callback rejected",
			zap.String("request_id", req.ID),
			zap.Int("status", resp.StatusCode))
		return
	}
	n.log.Debug("callback delivered", zap.String("request_id", req.ID))
}
