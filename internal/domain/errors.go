package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrTransactionNotFound = fmt.Errorf("transaction %w", ErrNotFound)
	ErrRefundNotFound      = fmt.Errorf("refund %w", ErrNotFound)
	ErrMerchantNotFound    = fmt.Errorf("merchant %w", ErrNotFound)
	ErrWebhookNotFound     = fmt.Errorf("webhook event %w", ErrNotFound)

	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrValidationFailed       = errors.New("validation failed")
	ErrRateLimitExceeded      = errors.New("rate limit exceeded")
	ErrProcessor              = errors.New("payment processor error")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrRefundExceedsBalance   = errors.New("completed refunds would exceed transaction amount")
)

// Validationf builds an ErrValidationFailed carrying a human readable reason.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidationFailed, fmt.Sprintf(format, args...))
}

// RateLimitError is returned at the request boundary when a merchant bucket is empty.
type RateLimitError struct {
	MerchantID      int64
	AvailableTokens int64
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for merchant %d (available tokens: %d)", e.MerchantID, e.AvailableTokens)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimitExceeded
}
