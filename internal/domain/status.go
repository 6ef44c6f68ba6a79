package domain

import (
	"fmt"
	"time"
)

type TransactionStatus string

const (
	StatusPending           TransactionStatus = "PENDING"
	StatusProcessing        TransactionStatus = "PROCESSING"
	StatusCompleted         TransactionStatus = "COMPLETED"
	StatusFailed            TransactionStatus = "FAILED"
	StatusRefunded          TransactionStatus = "REFUNDED"
	StatusPartiallyRefunded TransactionStatus = "PARTIALLY_REFUNDED"
)

func (s TransactionStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// transitions is the complete lifecycle graph. Anything not listed is illegal.
var transitions = map[TransactionStatus][]TransactionStatus{
	StatusPending:           {StatusProcessing},
	StatusProcessing:        {StatusCompleted, StatusFailed},
	StatusCompleted:         {StatusRefunded, StatusPartiallyRefunded},
	StatusPartiallyRefunded: {StatusRefunded},
	StatusFailed:            nil,
	StatusRefunded:          nil,
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to TransactionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Refundable reports whether a transaction in this status was captured and may
// carry refunds.
func (s TransactionStatus) Refundable() bool {
	return s == StatusCompleted || s == StatusPartiallyRefunded || s == StatusRefunded
}

// Transition returns a copy of t moved to the requested status. CompletedAt and
// FailedAt are stamped only when first entering those states. Version is left
// untouched; the store bumps it on a successful compare-and-swap.
func (t Transaction) Transition(to TransactionStatus, at time.Time) (Transaction, error) {
	if !CanTransition(t.Status, to) {
		return t, fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, t.Status, to)
	}
	next := t
	next.Status = to
	next.UpdatedAt = at
	switch to {
	case StatusCompleted:
		if next.CompletedAt == nil {
			ts := at
			next.CompletedAt = &ts
		}
	case StatusFailed:
		if next.FailedAt == nil {
			ts := at
			next.FailedAt = &ts
		}
	}
	return next, nil
}

var refundTransitions = map[RefundStatus][]RefundStatus{
	RefundPending:    {RefundProcessing, RefundFailed},
	RefundProcessing: {RefundCompleted, RefundFailed},
}

func CanTransitionRefund(from, to RefundStatus) bool {
	for _, next := range refundTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
