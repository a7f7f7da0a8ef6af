package requests

import (
	"context"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore persists requests in Postgres. The wallet_requests table carries a
// unique index on (address, hash); see schema.sql.
type PgStore struct {
	DB *pgxpool.Pool
}

func NewPgStore(db *pgxpool.Pool) *PgStore { return &PgStore{DB: db} }

const requestColumns = `request_id, address, payload, hash, tx_ref, failure_reason, status, created_at, completed_at`

func scanRequest(row pgx.Row) (Request, error) {
	var (
		out           Request
		address, hash string
		txRef         *string
		reason        *string
	)
	err := row.Scan(&out.ID, &address, &out.Payload, &hash, &txRef, &reason, &out.Status, &out.CreatedAt, &out.CompletedAt)
	if err != nil {
		return Request{}, err
	}
	out.Address = common.HexToAddress(address)
	out.Hash = common.HexToHash(hash)
	if txRef != nil {
		out.TxRef = common.HexToHash(*txRef)
	}
	if reason != nil {
		out.FailureReason = *reason
	}
	return out, nil
}

// hexAddr normalizes addresses before they hit the unique index, the same
// way the on-chain side is case-insensitive about them.
func hexAddr(a common.Address) string { return strings.ToLower(a.Hex()) }

func (s *PgStore) Insert(ctx context.Context, req Request) (Request, bool, error) {
	row := s.DB.QueryRow(ctx, `
INSERT INTO wallet_requests(request_id, address, payload, hash, status)
VALUES($1,$2,$3,$4,$5)
ON CONFLICT (address, hash) DO NOTHING
RETURNING `+requestColumns+`
`, req.ID, hexAddr(req.Address), req.Payload, req.Hash.Hex(), StatusPending)
	stored, err := scanRequest(row)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Request{}, false, err
	}
	// Lost the race or resubmitted: hand back the existing row.
	existing, err := s.GetByHash(ctx, req.Address, req.Hash)
	if err != nil {
		return Request{}, false, err
	}
	return existing, false, nil
}

func (s *PgStore) GetByID(ctx context.Context, id string) (Request, error) {
	row := s.DB.QueryRow(ctx, `
SELECT `+requestColumns+`
FROM wallet_requests
WHERE request_id=$1
`, id)
	out, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Request{}, ErrNotFound
	}
	return out, err
}

func (s *PgStore) GetByHash(ctx context.Context, address common.Address, hash common.Hash) (Request, error) {
	row := s.DB.QueryRow(ctx, `
SELECT `+requestColumns+`
FROM wallet_requests
WHERE address=$1 AND hash=$2
`, hexAddr(address), hash.Hex())
	out, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Request{}, ErrNotFound
	}
	return out, err
}

func (s *PgStore) CompletePending(ctx context.Context, id string, txRef common.Hash, reason string) (Request, error) {
	var reasonArg any
	if reason != "" {
		reasonArg = reason
	}
	row := s.DB.QueryRow(ctx, `
UPDATE wallet_requests
SET status=$2, tx_ref=$3, failure_reason=$4, completed_at=now()
WHERE request_id=$1 AND status=$5
RETURNING `+requestColumns+`
`, id, StatusCompleted, txRef.Hex(), reasonArg, StatusPending)
	out, err := scanRequest(row)
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Request{}, err
	}
	// No pending row matched: either the id is unknown or it completed before.
	stored, err := s.GetByID(ctx, id)
	if err != nil {
		return Request{}, err
	}
	return stored, ErrAlreadyCompleted
}

func (s *PgStore) PendingBatch(ctx context.Context, limit int) ([]Request, error) {
	rows, err := s.DB.Query(ctx, `
SELECT `+requestColumns+`
FROM wallet_requests
WHERE status=$1
ORDER BY created_at
LIMIT $2
`, StatusPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}
