package requests

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type hashKey struct {
	address common.Address
	hash    common.Hash
}

// MemStore is an in-memory Store with the same atomicity guarantees as the
// Postgres one. It backs tests and single-process development runs.
type MemStore struct {
	mu     sync.Mutex
	byID   map[string]*Request
	byHash map[hashKey]string
	seq    int
}

func NewMemStore() *MemStore {
	return &MemStore{
		byID:   make(map[string]*Request),
		byHash: make(map[hashKey]string),
	}
}

func (s *MemStore) Insert(_ context.Context, req Request) (Request, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := hashKey{address: req.Address, hash: req.Hash}
	if id, ok := s.byHash[key]; ok {
		return *s.byID[id], false, nil
	}
	s.seq++
	// Distinct timestamps keep PendingBatch ordering stable even when
	// inserts land within the clock's resolution.
	req.CreatedAt = time.Now().Add(time.Duration(s.seq) * time.Nanosecond)
	stored := req
	s.byID[req.ID] = &stored
	s.byHash[key] = req.ID
	return stored, true, nil
}

func (s *MemStore) GetByID(_ context.Context, id string) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.byID[id]; ok {
		return *r, nil
	}
	return Request{}, ErrNotFound
}

func (s *MemStore) GetByHash(_ context.Context, address common.Address, hash common.Hash) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byHash[hashKey{address: address, hash: hash}]; ok {
		return *s.byID[id], nil
	}
	return Request{}, ErrNotFound
}

func (s *MemStore) CompletePending(_ context.Context, id string, txRef common.Hash, reason string) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	if r.Status != StatusPending {
		return *r, ErrAlreadyCompleted
	}
	now := time.Now()
	r.Status = StatusCompleted
	r.TxRef = txRef
	r.FailureReason = reason
	r.CompletedAt = &now
	return *r, nil
}

func (s *MemStore) PendingBatch(_ context.Context, limit int) ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Request
	for _, r := range s.byID {
		if r.Status == StatusPending {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
