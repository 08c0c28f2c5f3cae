package utils

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var txHashPattern = regexp.MustCompile("^0x[0-9a-fA-F]{64}$")

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

// ValidateTransactionHash checks that hash is a 0x-prefixed 32-byte hex string.
func ValidateTransactionHash(hash string) error {
	if hash == "" {
		return fmt.Errorf("transaction hash cannot be empty")
	}
	if !txHashPattern.MatchString(hash) {
		return fmt.Errorf("transaction hash must be 0x followed by 64 hex characters")
	}
	return nil
}

// ValidateAddress checks that address is a 0x-prefixed 20-byte hex address.
func ValidateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if !strings.HasPrefix(address, "0x") || !common.IsHexAddress(address) {
		return fmt.Errorf("invalid address %q", address)
	}
	return nil
}

// NormalizeReference lower-cases a transaction reference so that the same
// hash written with different casing maps to one dedupe key.
func NormalizeReference(ref string) string {
	return strings.ToLower(strings.TrimSpace(ref))
}

// AddressesEqual compares two hex addresses case-insensitively.
func AddressesEqual(a, b string) bool {
	return a != "" && strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// FloorToDecimals truncates d to the given number of decimal places.
func FloorToDecimals(d decimal.Decimal, decimals int) decimal.Decimal {
	return d.Truncate(int32(decimals))
}

// ToAtomicUnits converts a decimal amount to an integer in the smallest unit
// of a currency with the given decimals. Fractions below one unit are dropped.
func ToAtomicUnits(d decimal.Decimal, decimals int) *big.Int {
	return d.Shift(int32(decimals)).Truncate(0).BigInt()
}

// ParseAmountWithDecimals parses a decimal amount string and converts to big.Int with specified decimals
func ParseAmountWithDecimals(amount string, decimals int) (*big.Int, error) {
	dec, err := ValidateAmount(amount)
	if err != nil {
		return nil, err
	}
	return ToAtomicUnits(*dec, decimals), nil
}

// FormatAmountFromBigInt formats a big.Int amount to decimal string with specified decimals
func FormatAmountFromBigInt(amount *big.Int, decimals int) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -int32(decimals)).String()
}
