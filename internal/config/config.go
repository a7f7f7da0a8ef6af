// Package config loads the service configuration from the environment.
// Monetary limits are given in whole tokens and converted to integer base
// units here, so nothing downstream ever handles a fractional amount.
package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// TokenDecimals is the base-unit scale of the custodial asset.
const TokenDecimals = 18

type Config struct {
	DatabaseURL string
	ListenAddr  string

	OperatorThreshold   int
	Operators           []common.Address
	PerUserDepositLimit *big.Int
	PerUserAuthLimit    *big.Int

	RelayerIdentities  []common.Address
	RelayerPoll        time.Duration
	RelayerMaxAttempts int

	// OperatorAuthRequired gates the approval endpoint behind bearer tokens.
	OperatorAuthRequired bool

	// CallbackURL, when set, receives signed completion events.
	CallbackURL    string
	CallbackSecret string
}

// ParseAmount converts a decimal token amount ("1.5") into integer base
// units. Amounts with more precision than the token supports are rejected
// rather than truncated.
func ParseAmount(v string) (*big.Int, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return nil, fmt.Errorf("amount %q: %w", v, err)
	}
	if d.Sign() < 0 {
		return nil, fmt.Errorf("amount %q is negative", v)
	}
	scaled := d.Shift(TokenDecimals)
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("amount %q has more than %d decimal places", v, TokenDecimals)
	}
	return scaled.BigInt(), nil
}

func parseAddressList(v string) ([]common.Address, error) {
	var out []common.Address
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !common.IsHexAddress(part) {
			return nil, fmt.Errorf("%q is not an address", part)
		}
		out = append(out, common.HexToAddress(part))
	}
	return out, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// FromEnv reads the full configuration. DATABASE_URL and OPERATORS are
// required; everything else has a development default.
func FromEnv() (Config, error) {
	cfg := Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		ListenAddr:  getenv("LISTEN_ADDR", ":8080"),
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}

	threshold, err := strconv.Atoi(getenv("OPERATOR_THRESHOLD", "2"))
	if err != nil {
		return Config{}, fmt.Errorf("OPERATOR_THRESHOLD: %w", err)
	}
	cfg.OperatorThreshold = threshold

	if cfg.Operators, err = parseAddressList(os.Getenv("OPERATORS")); err != nil {
		return Config{}, fmt.Errorf("OPERATORS: %w", err)
	}
	if len(cfg.Operators) == 0 {
		return Config{}, fmt.Errorf("OPERATORS is required")
	}

	if cfg.PerUserDepositLimit, err = ParseAmount(getenv("USER_DEPOSIT_LIMIT", "100")); err != nil {
		return Config{}, fmt.Errorf("USER_DEPOSIT_LIMIT: %w", err)
	}
	if cfg.PerUserAuthLimit, err = ParseAmount(getenv("USER_AUTH_LIMIT", "50")); err != nil {
		return Config{}, fmt.Errorf("USER_AUTH_LIMIT: %w", err)
	}

	if cfg.RelayerIdentities, err = parseAddressList(getenv("RELAYER_IDENTITIES", "")); err != nil {
		return Config{}, fmt.Errorf("RELAYER_IDENTITIES: %w", err)
	}
	if len(cfg.RelayerIdentities) == 0 {
		return Config{}, fmt.Errorf("RELAYER_IDENTITIES is required")
	}

	if cfg.RelayerPoll, err = time.ParseDuration(getenv("RELAYER_POLL_INTERVAL", "1s")); err != nil {
		return Config{}, fmt.Errorf("RELAYER_POLL_INTERVAL: %w", err)
	}
	if cfg.RelayerMaxAttempts, err = strconv.Atoi(getenv("RELAYER_MAX_ATTEMPTS", "5")); err != nil {
		return Config{}, fmt.Errorf("RELAYER_MAX_ATTEMPTS: %w", err)
	}

	if cfg.OperatorAuthRequired, err = strconv.ParseBool(getenv("OPERATOR_AUTH_REQUIRED", "false")); err != nil {
		return Config{}, fmt.Errorf("OPERATOR_AUTH_REQUIRED: %w", err)
	}

	cfg.CallbackURL = os.Getenv("CALLBACK_URL")
	cfg.CallbackSecret = os.Getenv("CALLBACK_SECRET")
	if cfg.CallbackURL != "" && cfg.CallbackSecret == "" {
		return Config{}, fmt.Errorf("CALLBACK_SECRET is required when CALLBACK_URL is set")
	}
	return cfg, nil
}
