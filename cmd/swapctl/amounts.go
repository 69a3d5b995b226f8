package main

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// parseAmount converts a decimal amount into base units of an asset with
// the given number of decimals.
func parseAmount(value string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", value, err)
	}
	if !d.IsPositive() {
		return nil, fmt.Errorf("amount must be positive, got %s", value)
	}
	units := d.Shift(decimals)
	if !units.Equal(units.Truncate(0)) {
		return nil, fmt.Errorf("amount %s has more than %d decimals", value, decimals)
	}
	return units.BigInt(), nil
}

// formatAmount renders base units as a decimal amount
func formatAmount(units *big.Int, decimals int32) string {
	if units == nil {
		return "0"
	}
	return decimal.NewFromBigInt(units, -decimals).String()
}
