// Package bank holds the shared domain vocabulary of the banking engine:
// money, statuses, transfer and recipient types, auto-transfer rules, and
// the validation error family produced by aggregate decide functions.
package bank

import (
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// MinimumDeposit is the smallest accepted deposit amount.
var MinimumDeposit = decimal.RequireFromString("0.01")

// ValidCurrency reports whether code is a well-formed ISO 4217 currency code.
func ValidCurrency(code string) bool {
	_, err := currency.ParseISO(code)
	return err == nil
}

// Positive reports whether the amount is strictly greater than zero.
func Positive(amount decimal.Decimal) bool {
	return amount.GreaterThan(decimal.Zero)
}

// DebitableBalance is the balance available for debits given an overdraft
// allowance. The default allowance is zero: balance may never go negative.
func DebitableBalance(balance, overdraftAllowance decimal.Decimal) decimal.Decimal {
	return balance.Add(overdraftAllowance)
}
