// Package requests is the off-chain ledger of user instructions. Every
// instruction is canonicalized, content-addressed by keccak digest, and
// tracked from submission to on-chain completion. Submission is idempotent on
// (address, digest); completion is a status-gated compare-and-set, so a
// transaction reference can never be recorded twice or overwritten.
package requests

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DJ3N/sms-wallet/pkg/reqhash"
)

var (
	ErrNotFound         = errors.New("request not found")
	ErrAlreadyCompleted = errors.New("request already completed")
)

const (
	StatusPending   = "PENDING"
	StatusCompleted = "COMPLETED"
)

// Request is one recorded user instruction. Payload holds the canonical
// bytes that produced Hash. TxRef stays zero while pending; a terminal
// submission failure completes the request with a zero TxRef and a reason.
type Request struct {
	ID            string         `json:"request_id"`
	Address       common.Address `json:"address"`
	Payload       []byte         `json:"payload"`
	Hash          common.Hash    `json:"hash"`
	TxRef         common.Hash    `json:"tx_ref"`
	FailureReason string         `json:"failure_reason,omitempty"`
	Status        string         `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}

// Failed reports whether the request completed without an on-chain effect.
func (r Request) Failed() bool {
	return r.Status == StatusCompleted && r.TxRef == (common.Hash{})
}

// Store is the persistence capability the ledger composes with. Insert must
// treat the (address, hash) uniqueness check and the write as one atomic
// operation; CompletePending must only transition PENDING rows.
type Store interface {
	// Insert stores req if no request with the same (address, hash) exists,
	// returning the stored row and whether a new row was created.
	Insert(ctx context.Context, req Request) (Request, bool, error)
	GetByID(ctx context.Context, id string) (Request, error)
	GetByHash(ctx context.Context, address common.Address, hash common.Hash) (Request, error)
	// CompletePending transitions a PENDING request to COMPLETED. It returns
	// ErrNotFound if id does not exist and ErrAlreadyCompleted (with the
	// stored row) if the request was completed earlier.
	CompletePending(ctx context.Context, id string, txRef common.Hash, reason string) (Request, error)
	// PendingBatch returns up to limit pending requests, oldest first.
	PendingBatch(ctx context.Context, limit int) ([]Request, error)
}

// Ledger layers the dedup-aware submit and status-gated complete operations
// over a Store.
type Ledger struct {
	store Store
	log   *zap.Logger
}

func NewLedger(store Store, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{store: store, log: log}
}

// Submit canonicalizes payload, digests it, and records the instruction. If
// an identical instruction from the same address is already recorded, the
// existing request is returned; no duplicate is created.
func (l *Ledger) Submit(ctx context.Context, address common.Address, payload any) (Request, error) {
	hash, canonical, err := reqhash.Sum(payload)
	if err != nil {
		return Request{}, err
	}
	req := Request{
		ID:      uuid.NewString(),
		Address: address,
		Payload: canonical,
		Hash:    hash,
		Status:  StatusPending,
	}
	stored, created, err := l.store.Insert(ctx, req)
	if err != nil {
		return Request{}, err
	}
	if !created {
		l.log.Debug("duplicate submission, returning existing request",
			zap.String("request_id", stored.ID),
			zap.String("address", address.Hex()),
			zap.String("hash", hash.Hex()))
	}
	return stored, nil
}

// Complete attaches txRef to a pending request, exactly once. A repeat call
// is a no-op that returns the originally stored request: the first recorded
// transaction reference is never mutated.
func (l *Ledger) Complete(ctx context.Context, id string, txRef common.Hash, reason string) (Request, error) {
	stored, err := l.store.CompletePending(ctx, id, txRef, reason)
	if errors.Is(err, ErrAlreadyCompleted) {
		l.log.Warn("request already completed, keeping original tx ref",
			zap.String("request_id", id),
			zap.String("stored_tx_ref", stored.TxRef.Hex()),
			zap.String("ignored_tx_ref", txRef.Hex()))
		return stored, nil
	}
	return stored, err
}

// Get looks a request up by id. A missing id is a programmer error on the
// caller's side and surfaces as ErrNotFound.
func (l *Ledger) Get(ctx context.Context, id string) (Request, error) {
	return l.store.GetByID(ctx, id)
}

// FindByHash supports idempotent-submission lookups and external audits.
func (l *Ledger) FindByHash(ctx context.Context, address common.Address, hash common.Hash) (Request, error) {
	return l.store.GetByHash(ctx, address, hash)
}

// PendingBatch exposes the relayer's work queue.
func (l *Ledger) PendingBatch(ctx context.Context, limit int) ([]Request, error) {
	return l.store.PendingBatch(ctx, limit)
}
