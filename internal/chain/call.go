package chain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/DJ3N/sms-wallet/internal/wallet"
)

var ErrInvalidPayload = errors.New("payload does not encode a valid wallet call")

// Call methods accepted on the wire. Deposit and withdraw execute under
// direct caller rules; the rest require operator threshold approval.
const (
	MethodDeposit     = "deposit"
	MethodAuthorize   = "authorize"
	MethodWithdraw    = "withdraw"
	MethodTransfer    = "transfer"
	MethodReconfigure = "reconfigure"
)

// Call is a decoded wallet instruction. Amounts travel as base-10 strings in
// the canonical payload so no producer can introduce float ambiguity.
type Call struct {
	Method  string
	Address common.Address // deposit
	Owner   common.Address // authorize, withdraw
	Spender common.Address // authorize, withdraw, transfer
	From    common.Address // transfer
	To      common.Address // transfer
	Amount  *big.Int
	Config  wallet.Config // reconfigure
}

// Privileged reports whether the call needs threshold operator approval.
func (c Call) Privileged() bool {
	switch c.Method {
	case MethodAuthorize, MethodTransfer, MethodReconfigure:
		return true
	}
	return false
}

type wireCall struct {
	Method            string   `json:"method"`
	Address           string   `json:"address,omitempty"`
	Owner             string   `json:"owner,omitempty"`
	Spender           string   `json:"spender,omitempty"`
	From              string   `json:"from,omitempty"`
	To                string   `json:"to,omitempty"`
	Amount            string   `json:"amount,omitempty"`
	OperatorThreshold int      `json:"operator_threshold,omitempty"`
	Operators         []string `json:"operators,omitempty"`
	DepositLimit      string   `json:"deposit_limit,omitempty"`
	AuthLimit         string   `json:"auth_limit,omitempty"`
}

func parseAmount(field, v string) (*big.Int, error) {
	out, ok := new(big.Int).SetString(v, 10)
	if !ok || out.Sign() < 0 {
		return nil, fmt.Errorf("%w: %s %q is not a base-10 amount", ErrInvalidPayload, field, v)
	}
	return out, nil
}

func parseAddress(field, v string) (common.Address, error) {
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("%w: %s %q is not an address", ErrInvalidPayload, field, v)
	}
	return common.HexToAddress(v), nil
}

// ParseCall decodes the canonical payload of a request into a wallet call.
// The bytes given here must be the exact bytes whose digest the request is
// addressed by; the call carries no other identity.
func ParseCall(canonical []byte) (Call, error) {
	var w wireCall
	if err := json.Unmarshal(canonical, &w); err != nil {
		return Call{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	out := Call{Method: w.Method}
	var err error
	switch w.Method {
	case MethodDeposit:
		if out.Address, err = parseAddress("address", w.Address); err != nil {
			return Call{}, err
		}
		if out.Amount, err = parseAmount("amount", w.Amount); err != nil {
			return Call{}, err
		}
	case MethodAuthorize, MethodWithdraw:
		if out.Owner, err = parseAddress("owner", w.Owner); err != nil {
			return Call{}, err
		}
		if out.Spender, err = parseAddress("spender", w.Spender); err != nil {
			return Call{}, err
		}
		if out.Amount, err = parseAmount("amount", w.Amount); err != nil {
			return Call{}, err
		}
	case MethodTransfer:
		if out.From, err = parseAddress("from", w.From); err != nil {
			return Call{}, err
		}
		if out.To, err = parseAddress("to", w.To); err != nil {
			return Call{}, err
		}
		if out.Spender, err = parseAddress("spender", w.Spender); err != nil {
			return Call{}, err
		}
		if out.Amount, err = parseAmount("amount", w.Amount); err != nil {
			return Call{}, err
		}
	case MethodReconfigure:
		cfg := wallet.Config{OperatorThreshold: w.OperatorThreshold}
		for i, op := range w.Operators {
			addr, err := parseAddress(fmt.Sprintf("operators[%d]", i), op)
			if err != nil {
				return Call{}, err
			}
			cfg.Operators = append(cfg.Operators, addr)
		}
		if cfg.PerUserDepositLimit, err = parseAmount("deposit_limit", w.DepositLimit); err != nil {
			return Call{}, err
		}
		if cfg.PerUserAuthLimit, err = parseAmount("auth_limit", w.AuthLimit); err != nil {
			return Call{}, err
		}
		out.Config = cfg
	default:
		return Call{}, fmt.Errorf("%w: unknown method %q", ErrInvalidPayload, w.Method)
	}
	return out, nil
}
