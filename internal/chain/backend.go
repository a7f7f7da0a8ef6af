// Package chain is the submission boundary between the relayer and the
// wallet state machine. The backend executes one transaction at a time, the
// way the underlying chain serializes execution: nonce accounting per
// relaying identity, all-or-nothing wallet transitions, and a receipt with
// the emitted events for every included transaction.
package chain

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/DJ3N/sms-wallet/internal/operators"
	"github.com/DJ3N/sms-wallet/internal/wallet"
	"github.com/DJ3N/sms-wallet/pkg/reqhash"
)

var (
	// ErrNonceConflict means the transaction's sequence slot was already
	// consumed. Retryable: resubmit with a fresh nonce.
	ErrNonceConflict = errors.New("nonce does not match the identity's next sequence number")
	// ErrApprovalPending means a privileged call does not yet carry
	// threshold operator approval. Retryable while approvals accumulate.
	ErrApprovalPending = errors.New("operator approval threshold not yet met")
	// ErrTxNotFound is returned for receipts of unknown transactions.
	ErrTxNotFound = errors.New("transaction not found")
	// ErrReverted wraps a contract-level failure. The nonce was consumed;
	// retrying the same call cannot change the outcome.
	ErrReverted = errors.New("transaction reverted")
)

// Tx is one submission. Payload must be the exact canonical payload whose
// digest identifies the originating request, keeping every on-chain action
// traceable back to the off-chain record. Origin is the requester the
// payload was recorded under; together with the payload digest it keys the
// at-most-once guard.
type Tx struct {
	Identity common.Address
	Origin   common.Address
	Nonce    uint64
	Payload  []byte
}

// AlreadyRelayedError rejects a resubmission of a request that already
// executed, carrying the transaction that did. The relayer recovers by
// completing the request with that reference instead of relaying twice.
type AlreadyRelayedError struct {
	TxHash common.Hash
}

func (e *AlreadyRelayedError) Error() string {
	return fmt.Sprintf("request already relayed in tx %s", e.TxHash.Hex())
}

// Receipt records an included, successful transaction.
type Receipt struct {
	TxHash      common.Hash
	RequestHash common.Hash
	Events      []wallet.Event
}

// Retryable reports whether a submission error may resolve differently on a
// later attempt. Everything else is terminal for the originating request.
func Retryable(err error) bool {
	return errors.Is(err, ErrNonceConflict) || errors.Is(err, ErrApprovalPending)
}

type originKey struct {
	origin common.Address
	hash   common.Hash
}

// Backend executes wallet transactions in process.
type Backend struct {
	mu       sync.Mutex
	wallet   *wallet.Wallet
	engine   *operators.Engine
	nonces   map[common.Address]uint64
	receipts map[common.Hash]Receipt
	executed map[originKey]common.Hash
	log      *zap.Logger
}

func NewBackend(w *wallet.Wallet, engine *operators.Engine, log *zap.Logger) *Backend {
	if log == nil {
		log = zap.NewNop()
	}
	return &Backend{
		wallet:   w,
		engine:   engine,
		nonces:   make(map[common.Address]uint64),
		receipts: make(map[common.Hash]Receipt),
		executed: make(map[originKey]common.Hash),
		log:      log,
	}
}

// PendingNonce returns the next sequence number for identity.
func (b *Backend) PendingNonce(_ context.Context, identity common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonces[identity], nil
}

func txHash(tx Tx) common.Hash {
	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], tx.Nonce)
	return crypto.Keccak256Hash(tx.Identity.Bytes(), nonce[:], tx.Payload)
}

// SubmitTransaction validates, includes, and executes tx. On success the
// transaction hash is returned and a receipt recorded. A contract-level
// failure consumes the nonce and returns an ErrReverted-wrapped error; a
// nonce conflict or missing operator approval rejects the transaction before
// inclusion, consuming nothing.
func (b *Backend) SubmitTransaction(_ context.Context, tx Tx) (common.Hash, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	requestHash := reqhash.SumBytes(tx.Payload)
	if prior, ok := b.executed[originKey{origin: tx.Origin, hash: requestHash}]; ok {
		return common.Hash{}, &AlreadyRelayedError{TxHash: prior}
	}
	if expected := b.nonces[tx.Identity]; tx.Nonce != expected {
		return common.Hash{}, fmt.Errorf("%w: got %d, want %d", ErrNonceConflict, tx.Nonce, expected)
	}
	call, err := ParseCall(tx.Payload)
	if err != nil {
		return common.Hash{}, err
	}

	if call.Privileged() {
		cfg := b.wallet.Configuration()
		if err := b.engine.Propose(requestHash, operators.Snapshot{
			Threshold: cfg.OperatorThreshold,
			Operators: cfg.Operators,
		}); err != nil {
			return common.Hash{}, err
		}
		switch err := b.engine.Executable(requestHash); {
		case errors.Is(err, operators.ErrThresholdNotMet):
			return common.Hash{}, fmt.Errorf("%w: action %s", ErrApprovalPending, requestHash.Hex())
		case err != nil:
			return common.Hash{}, err
		}
	}

	// The transaction is included from here on: the nonce is consumed even
	// if the call reverts.
	b.nonces[tx.Identity]++
	hash := txHash(tx)

	ev, err := b.execute(call)
	if err != nil {
		b.log.Debug("transaction reverted",
			zap.String("tx", hash.Hex()),
			zap.String("method", call.Method),
			zap.Error(err))
		return hash, fmt.Errorf("%w: %w", ErrReverted, err)
	}
	if call.Privileged() {
		// Cannot fail: executability was checked under this mutex and
		// approvals only accumulate.
		if err := b.engine.TakeRelease(requestHash); err != nil {
			return hash, err
		}
	}
	b.receipts[hash] = Receipt{TxHash: hash, RequestHash: requestHash, Events: []wallet.Event{ev}}
	b.executed[originKey{origin: tx.Origin, hash: requestHash}] = hash
	b.log.Info("transaction executed",
		zap.String("tx", hash.Hex()),
		zap.String("method", call.Method),
		zap.String("request_hash", requestHash.Hex()))
	return hash, nil
}

func (b *Backend) execute(call Call) (wallet.Event, error) {
	switch call.Method {
	case MethodDeposit:
		return b.wallet.Deposit(call.Address, call.Amount)
	case MethodAuthorize:
		return b.wallet.Authorize(call.Spender, call.Owner, call.Amount)
	case MethodWithdraw:
		return b.wallet.Withdraw(call.Spender, call.Owner, call.Amount)
	case MethodTransfer:
		return b.wallet.Transfer(call.Spender, call.From, call.To, call.Amount)
	case MethodReconfigure:
		return b.wallet.Reconfigure(call.Config)
	}
	return nil, fmt.Errorf("%w: unknown method %q", ErrInvalidPayload, call.Method)
}

// Receipt returns the receipt of a successfully executed transaction.
func (b *Backend) Receipt(_ context.Context, hash common.Hash) (Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.receipts[hash]
	if !ok {
		return Receipt{}, ErrTxNotFound
	}
	return r, nil
}

// BalanceOf reads a custodial balance under the backend's serialization.
func (b *Backend) BalanceOf(addr common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.wallet.BalanceOf(addr)
}

// Allowance reads a spender allowance under the backend's serialization.
func (b *Backend) Allowance(owner, spender common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.wallet.Allowance(owner, spender)
}

// Configuration reads the wallet's global configuration.
func (b *Backend) Configuration() wallet.Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.wallet.Configuration()
}

// Propose registers a privileged request for operator approval before its
// first relay attempt, snapshotting the current configuration.
func (b *Backend) Propose(requestHash common.Hash) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cfg := b.wallet.Configuration()
	return b.engine.Propose(requestHash, operators.Snapshot{
		Threshold: cfg.OperatorThreshold,
		Operators: cfg.Operators,
	})
}

// Approve records one operator's approval of a pending privileged request.
func (b *Backend) Approve(operator common.Address, requestHash common.Hash) (bool, error) {
	return b.engine.Approve(operator, requestHash)
}
