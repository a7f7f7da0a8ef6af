// Package users persists the verified identity bindings consumed from the
// phone-verification layer. The core never sees phone numbers; a binding
// arrives as an already-verified address and the unique index on address is
// what request submission checks against.
package users

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("user not found")

type User struct {
	ID        string         `json:"user_id"`
	Address   common.Address `json:"address"`
	CreatedAt time.Time      `json:"created_at"`
}

type Store struct{ DB *pgxpool.Pool }

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func hexAddr(a common.Address) string { return strings.ToLower(a.Hex()) }

// Create registers a verified address. Registering an address twice is a
// no-op returning the existing user.
func (s *Store) Create(ctx context.Context, u User) (User, error) {
	row := s.DB.QueryRow(ctx, `
INSERT INTO wallet_users(user_id, address)
VALUES($1,$2)
ON CONFLICT (address) DO NOTHING
RETURNING user_id, address, created_at
`, u.ID, hexAddr(u.Address))
	stored, err := scanUser(row)
	if err == nil {
		return stored, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return User{}, err
	}
	return s.GetByAddress(ctx, u.Address)
}

func (s *Store) GetByAddress(ctx context.Context, address common.Address) (User, error) {
	row := s.DB.QueryRow(ctx, `
SELECT user_id, address, created_at
FROM wallet_users
WHERE address=$1
`, hexAddr(address))
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return u, err
}

func scanUser(row pgx.Row) (User, error) {
	var (
		u       User
		address string
	)
	if err := row.Scan(&u.ID, &address, &u.CreatedAt); err != nil {
		return User{}, err
	}
	u.Address = common.HexToAddress(address)
	return u, nil
}
