package wallet

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Event is a successful transition outcome. Names and argument order mirror
// the ledger contract's ABI events so the off-chain record stays comparable
// with on-chain logs.
type Event interface {
	EventName() string
}

type DepositSuccessful struct {
	Address    common.Address
	Amount     *big.Int
	NewBalance *big.Int
}

func (DepositSuccessful) EventName() string { return "DepositSuccessful" }

type AuthorizationSuccessful struct {
	Owner     common.Address
	Spender   common.Address
	Allowance *big.Int
}

func (AuthorizationSuccessful) EventName() string { return "AuthorizationSuccessful" }

type WithdrawalSuccessful struct {
	Owner      common.Address
	Spender    common.Address
	Amount     *big.Int
	NewBalance *big.Int
}

func (WithdrawalSuccessful) EventName() string { return "WithdrawalSuccessful" }

type TransferSuccessful struct {
	From    common.Address
	To      common.Address
	Spender common.Address
	Amount  *big.Int
}

func (TransferSuccessful) EventName() string { return "TransferSuccessful" }

type ConfigurationChanged struct {
	OperatorThreshold   int
	Operators           []common.Address
	PerUserDepositLimit *big.Int
	PerUserAuthLimit    *big.Int
}

func (ConfigurationChanged) EventName() string { return "ConfigurationChanged" }
