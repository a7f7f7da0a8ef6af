// Package wallet implements the custodial ledger state machine: per-user
// balances, spender allowances, and the global configuration that bounds
// them. Every balance mutation goes through one of the transition methods;
// each transition either applies fully and returns its event, or returns an
// error and leaves the state untouched.
//
// The package models on-chain execution semantics and is deliberately
// unsynchronized: the chain backend serializes calls the way the execution
// environment serializes transactions.
package wallet

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrLimitExceeded         = errors.New("deposit would exceed per-user limit")
	ErrAuthLimitExceeded     = errors.New("allowance exceeds per-user auth limit")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInvalidAmount         = errors.New("amount must be positive")
	ErrInvalidConfig         = errors.New("invalid wallet configuration")
)

// Config is the global configuration of the ledger. It changes only through
// a successful Reconfigure transition.
type Config struct {
	OperatorThreshold   int
	Operators           []common.Address
	PerUserDepositLimit *big.Int
	PerUserAuthLimit    *big.Int
}

// Validate checks the invariants 1 <= threshold <= |operators| and that both
// limits are present and non-negative.
func (c Config) Validate() error {
	if c.OperatorThreshold < 1 || c.OperatorThreshold > len(c.Operators) {
		return fmt.Errorf("%w: threshold %d with %d operators", ErrInvalidConfig, c.OperatorThreshold, len(c.Operators))
	}
	seen := make(map[common.Address]struct{}, len(c.Operators))
	for _, op := range c.Operators {
		if _, dup := seen[op]; dup {
			return fmt.Errorf("%w: duplicate operator %s", ErrInvalidConfig, op.Hex())
		}
		seen[op] = struct{}{}
	}
	if c.PerUserDepositLimit == nil || c.PerUserDepositLimit.Sign() < 0 {
		return fmt.Errorf("%w: per-user deposit limit missing or negative", ErrInvalidConfig)
	}
	if c.PerUserAuthLimit == nil || c.PerUserAuthLimit.Sign() < 0 {
		return fmt.Errorf("%w: per-user auth limit missing or negative", ErrInvalidConfig)
	}
	return nil
}

func (c Config) clone() Config {
	out := Config{
		OperatorThreshold:   c.OperatorThreshold,
		Operators:           append([]common.Address(nil), c.Operators...),
		PerUserDepositLimit: new(big.Int).Set(c.PerUserDepositLimit),
		PerUserAuthLimit:    new(big.Int).Set(c.PerUserAuthLimit),
	}
	return out
}

type account struct {
	balance    *big.Int
	allowances map[common.Address]*big.Int // keyed by spender
}

// Wallet holds the ledger state. Balances and allowances are never written
// outside the transition methods.
type Wallet struct {
	cfg      Config
	accounts map[common.Address]*account
}

func New(cfg Config) (*Wallet, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Wallet{
		cfg:      cfg.clone(),
		accounts: make(map[common.Address]*account),
	}, nil
}

// Configuration returns a copy of the current global configuration.
func (w *Wallet) Configuration() Config { return w.cfg.clone() }

func (w *Wallet) account(addr common.Address) *account {
	a, ok := w.accounts[addr]
	if !ok {
		a = &account{balance: new(big.Int), allowances: make(map[common.Address]*big.Int)}
		w.accounts[addr] = a
	}
	return a
}

// BalanceOf reports the custodial balance of addr. Unknown accounts hold zero.
func (w *Wallet) BalanceOf(addr common.Address) *big.Int {
	if a, ok := w.accounts[addr]; ok {
		return new(big.Int).Set(a.balance)
	}
	return new(big.Int)
}

// Allowance reports how much spender may currently withdraw on behalf of owner.
func (w *Wallet) Allowance(owner, spender common.Address) *big.Int {
	if a, ok := w.accounts[owner]; ok {
		if v, ok := a.allowances[spender]; ok {
			return new(big.Int).Set(v)
		}
	}
	return new(big.Int)
}

func validAmount(v *big.Int) error {
	if v == nil || v.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

// Deposit credits amount to addr. The new total is checked against the
// per-user deposit limit; a deposit that would push the balance past the
// limit fails whole, leaving the prior balance untouched.
func (w *Wallet) Deposit(addr common.Address, amount *big.Int) (DepositSuccessful, error) {
	if err := validAmount(amount); err != nil {
		return DepositSuccessful{}, err
	}
	newBalance := new(big.Int).Add(w.BalanceOf(addr), amount)
	if newBalance.Cmp(w.cfg.PerUserDepositLimit) > 0 {
		return DepositSuccessful{}, fmt.Errorf("%w: balance %s + amount %s over limit %s",
			ErrLimitExceeded, w.BalanceOf(addr), amount, w.cfg.PerUserDepositLimit)
	}
	w.account(addr).balance = newBalance
	return DepositSuccessful{
		Address:    addr,
		Amount:     new(big.Int).Set(amount),
		NewBalance: new(big.Int).Set(newBalance),
	}, nil
}

// Authorize sets (not adds to) the allowance spender holds on owner's
// balance. Privileged: the caller must have collected threshold operator
// approval for this exact (spender, owner, amount) tuple before invoking it;
// the chain backend enforces that.
func (w *Wallet) Authorize(spender, owner common.Address, amount *big.Int) (AuthorizationSuccessful, error) {
	if err := validAmount(amount); err != nil {
		return AuthorizationSuccessful{}, err
	}
	if amount.Cmp(w.cfg.PerUserAuthLimit) > 0 {
		return AuthorizationSuccessful{}, fmt.Errorf("%w: amount %s over limit %s",
			ErrAuthLimitExceeded, amount, w.cfg.PerUserAuthLimit)
	}
	w.account(owner).allowances[spender] = new(big.Int).Set(amount)
	return AuthorizationSuccessful{
		Owner:     owner,
		Spender:   spender,
		Allowance: new(big.Int).Set(amount),
	}, nil
}

// Withdraw lets spender consume amount of its allowance on owner's balance.
// Balance and allowance decrease together or not at all.
func (w *Wallet) Withdraw(spender, owner common.Address, amount *big.Int) (WithdrawalSuccessful, error) {
	if err := validAmount(amount); err != nil {
		return WithdrawalSuccessful{}, err
	}
	allowance := w.Allowance(owner, spender)
	if amount.Cmp(allowance) > 0 {
		return WithdrawalSuccessful{}, fmt.Errorf("%w: amount %s over allowance %s",
			ErrInsufficientAllowance, amount, allowance)
	}
	balance := w.BalanceOf(owner)
	if amount.Cmp(balance) > 0 {
		return WithdrawalSuccessful{}, fmt.Errorf("%w: amount %s over balance %s",
			ErrInsufficientBalance, amount, balance)
	}
	acct := w.account(owner)
	acct.balance = new(big.Int).Sub(balance, amount)
	acct.allowances[spender] = new(big.Int).Sub(allowance, amount)
	return WithdrawalSuccessful{
		Owner:      owner,
		Spender:    spender,
		Amount:     new(big.Int).Set(amount),
		NewBalance: new(big.Int).Set(acct.balance),
	}, nil
}

// Transfer moves amount from from's balance to to's balance, consuming the
// allowance spender holds on from. Privileged, same approval requirement as
// Authorize. The credited side is bounded by the deposit limit so a transfer
// cannot be used to bypass it.
func (w *Wallet) Transfer(spender, from, to common.Address, amount *big.Int) (TransferSuccessful, error) {
	if err := validAmount(amount); err != nil {
		return TransferSuccessful{}, err
	}
	allowance := w.Allowance(from, spender)
	if amount.Cmp(allowance) > 0 {
		return TransferSuccessful{}, fmt.Errorf("%w: amount %s over allowance %s",
			ErrInsufficientAllowance, amount, allowance)
	}
	balance := w.BalanceOf(from)
	if amount.Cmp(balance) > 0 {
		return TransferSuccessful{}, fmt.Errorf("%w: amount %s over balance %s",
			ErrInsufficientBalance, amount, balance)
	}
	credited := new(big.Int).Add(w.BalanceOf(to), amount)
	if credited.Cmp(w.cfg.PerUserDepositLimit) > 0 {
		return TransferSuccessful{}, fmt.Errorf("%w: recipient balance %s + amount %s over limit %s",
			ErrLimitExceeded, w.BalanceOf(to), amount, w.cfg.PerUserDepositLimit)
	}
	src := w.account(from)
	src.balance = new(big.Int).Sub(balance, amount)
	src.allowances[spender] = new(big.Int).Sub(allowance, amount)
	w.account(to).balance = credited
	return TransferSuccessful{
		From:    from,
		To:      to,
		Spender: spender,
		Amount:  new(big.Int).Set(amount),
	}, nil
}

// Reconfigure replaces the global configuration. Privileged: approval is
// collected under the configuration in force before the change; the new
// configuration governs subsequent approvals.
func (w *Wallet) Reconfigure(cfg Config) (ConfigurationChanged, error) {
	if err := cfg.Validate(); err != nil {
		return ConfigurationChanged{}, err
	}
	w.cfg = cfg.clone()
	applied := w.cfg.clone()
	return ConfigurationChanged{
		OperatorThreshold:   applied.OperatorThreshold,
		Operators:           applied.Operators,
		PerUserDepositLimit: applied.PerUserDepositLimit,
		PerUserAuthLimit:    applied.PerUserAuthLimit,
	}, nil
}
