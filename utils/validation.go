package utils

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/vitwit/x402-connector/types"
)

// ValidateAmount checks if an amount string is a valid non-negative decimal
func ValidateAmount(amount string) (*decimal.Decimal, error) {
	if amount == "" {
		return nil, fmt.Errorf("amount cannot be empty")
	}

	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount format: %w", err)
	}

	if dec.IsNegative() {
		return nil, fmt.Errorf("amount cannot be negative")
	}

	return &dec, nil
}

// ValidateBigInt checks if a string is a valid base-10 big integer
func ValidateBigInt(value string) (*big.Int, error) {
	if value == "" {
		return nil, fmt.Errorf("value cannot be empty")
	}

	bigInt, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid big integer format")
	}

	return bigInt, nil
}

// ParseAmountWithDecimals converts a decimal amount into atomic units.
// Amounts finer than the asset's precision are rejected rather than rounded.
func ParseAmountWithDecimals(amount string, decimals int32) (*big.Int, error) {
	dec, err := ValidateAmount(amount)
	if err != nil {
		return nil, err
	}

	atomic := dec.Shift(decimals)
	if !atomic.Equal(atomic.Truncate(0)) {
		return nil, fmt.Errorf("amount %s has more than %d decimal places", amount, decimals)
	}

	return atomic.BigInt(), nil
}

// PriceToAtomic converts a configured price into atomic units of the asset.
//
// "$0.01" and "0.01" are token amounts (USDC is pegged 1:1), scaled by the
// asset decimals. A bare integer such as "10000" is already in atomic units.
func PriceToAtomic(price string, decimals int32) (string, error) {
	p := strings.TrimSpace(price)
	if p == "" {
		return "", fmt.Errorf("price cannot be empty")
	}

	var (
		atomic *big.Int
		err    error
	)
	if usd, ok := strings.CutPrefix(p, "$"); ok {
		atomic, err = ParseAmountWithDecimals(strings.TrimSpace(usd), decimals)
	} else if strings.Contains(p, ".") {
		atomic, err = ParseAmountWithDecimals(p, decimals)
	} else {
		atomic, err = ValidateBigInt(p)
	}
	if err != nil {
		return "", fmt.Errorf("invalid price %q: %w", price, err)
	}

	if atomic.Sign() <= 0 {
		return "", fmt.Errorf("invalid price %q: must be greater than zero", price)
	}

	return atomic.String(), nil
}

// FormatAmountFromBigInt formats atomic units as a decimal string
func FormatAmountFromBigInt(amount *big.Int, decimals int32) string {
	return decimal.NewFromBigInt(amount, -decimals).String()
}

// ValidateAddress checks an address against the format of its chain family.
func ValidateAddress(family types.ChainFamily, address string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	switch family {
	case types.ChainEVM:
		if !common.IsHexAddress(address) {
			return fmt.Errorf("%q is not a valid EVM address", address)
		}
	case types.ChainSolana:
		if _, err := solana.PublicKeyFromBase58(address); err != nil {
			return fmt.Errorf("%q is not a valid Solana address", address)
		}
	default:
		return fmt.Errorf("unsupported chain family %q", family)
	}

	return nil
}
