// Package authn authenticates operator API calls. Operators hold opaque
// bearer tokens; only the SHA-256 hash of a token is stored, and a row maps
// that hash to the operator address it acts as.
package authn

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrUnauthorized = errors.New("unauthorized")

type Store struct{ DB *pgxpool.Pool }

func NewStore(db *pgxpool.Pool) *Store { return &Store{DB: db} }

// AuthenticateBearer resolves an Authorization header to the operator address
// its token was issued for. Revoked tokens fail as if they never existed.
func (s *Store) AuthenticateBearer(ctx context.Context, authorization string) (common.Address, error) {
	token, ok := ParseBearerToken(authorization)
	if !ok {
		return common.Address{}, ErrUnauthorized
	}
	var addr string
	err := s.DB.QueryRow(ctx, `
SELECT operator_address
FROM operator_credentials
WHERE token_hash=$1
  AND revoked_at IS NULL
`, HashToken(token)).Scan(&addr)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return common.Address{}, ErrUnauthorized
		}
		return common.Address{}, err
	}
	if !common.IsHexAddress(addr) {
		return common.Address{}, ErrUnauthorized
	}
	return common.HexToAddress(addr), nil
}

// Issue stores a credential for an operator. The caller generates the token;
// only its hash is persisted.
func (s *Store) Issue(ctx context.Context, operator common.Address, token string) error {
	if strings.TrimSpace(token) == "" {
		return errors.New("token must not be empty")
	}
	_, err := s.DB.Exec(ctx, `
INSERT INTO operator_credentials(token_hash, operator_address)
VALUES($1,$2)
ON CONFLICT (token_hash) DO NOTHING
`, HashToken(token), strings.ToLower(operator.Hex()))
	return err
}

// Revoke disables every credential issued to an operator.
func (s *Store) Revoke(ctx context.Context, operator common.Address) error {
	_, err := s.DB.Exec(ctx, `
UPDATE operator_credentials
SET revoked_at=now()
WHERE operator_address=$1
  AND revoked_at IS NULL
`, strings.ToLower(operator.Hex()))
	return err
}

func ParseBearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
