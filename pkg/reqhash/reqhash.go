// Package reqhash canonicalizes wallet request payloads and derives their
// content digest. Two payloads with the same logical content always produce
// the same canonical bytes and therefore the same digest, which is what the
// request ledger's duplicate detection keys on.
package reqhash

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Canonicalize returns the canonical JSON encoding of v: object keys sorted,
// no insignificant whitespace. Amounts must already be strings in v; floats
// would make the encoding ambiguous across producers.
func Canonicalize(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	// Round-trip through an untyped value so struct field order and input
	// key order cannot leak into the encoding.
	var norm any
	if err := json.Unmarshal(b, &norm); err != nil {
		return nil, err
	}
	return json.Marshal(norm)
}

// Sum canonicalizes v and returns the keccak256 digest of the canonical
// bytes together with the bytes themselves.
func Sum(v any) (common.Hash, []byte, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return common.Hash{}, nil, err
	}
	return crypto.Keccak256Hash(b), b, nil
}

// SumBytes digests an already-canonical payload. Callers that persist the
// canonical bytes use this to re-derive the digest without re-encoding.
func SumBytes(canonical []byte) common.Hash {
	return crypto.Keccak256Hash(canonical)
}
