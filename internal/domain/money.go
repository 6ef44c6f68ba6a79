package domain

import (
	"regexp"

	"github.com/shopspring/decimal"
)

// AmountScale is the number of fractional digits an amount may carry.
const AmountScale = 4

var (
	MinAmount = decimal.RequireFromString("0.01")
	MaxAmount = decimal.New(1, 15)

	currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)
)

// ValidateAmount enforces 0.01 <= amount <= 10^15 with at most four fractional digits.
func ValidateAmount(amount decimal.Decimal) error {
	if amount.LessThan(MinAmount) {
		return Validationf("amount must be at least %s", MinAmount.StringFixed(2))
	}
	if amount.GreaterThan(MaxAmount) {
		return Validationf("amount must not exceed %s", MaxAmount.String())
	}
	if !amount.Equal(amount.Truncate(AmountScale)) {
		return Validationf("amount must have at most %d fractional digits", AmountScale)
	}
	return nil
}

func ValidateCurrency(currency string) error {
	if !currencyPattern.MatchString(currency) {
		return Validationf("currency must be a 3-letter uppercase ISO code, got %q", currency)
	}
	return nil
}

// RefundOutcome derives the transaction status implied by the total of its
// completed refunds. ok is false when nothing has been refunded yet.
func RefundOutcome(amount, refunded decimal.Decimal) (status TransactionStatus, ok bool) {
	switch {
	case !refunded.IsPositive():
		return "", false
	case refunded.Equal(amount):
		return StatusRefunded, true
	default:
		return StatusPartiallyRefunded, true
	}
}
