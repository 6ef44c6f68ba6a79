package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/punchamoorthee/paygate/internal/domain"
	"github.com/punchamoorthee/paygate/internal/store"
)

// Change describes why a transition happens. It becomes the history row.
type Change struct {
	Reason       string
	ErrorCode    string
	ErrorMessage string
	Actor        string
}

// StateMachine is the only writer of transaction status. Each transition is a
// compare-and-swap on the version plus one history row, committed together.
type StateMachine struct {
	store  store.TransactionStore
	now    func() time.Time
	logger *slog.Logger
}

func NewStateMachine(s store.TransactionStore, logger *slog.Logger) *StateMachine {
	return &StateMachine{store: s, now: time.Now, logger: logger}
}

// Transition moves tx to the requested status. On any error the stored row is
// unchanged: ErrInvalidStateTransition for an illegal move,
// ErrConcurrentModification when tx was read at a stale version.
func (m *StateMachine) Transition(ctx context.Context, tx *domain.Transaction, to domain.TransactionStatus, c Change) (*domain.Transaction, error) {
	from := tx.Status
	next, err := tx.Transition(to, m.now())
	if err != nil {
		transitionRejections.WithLabelValues("illegal").Inc()
		return nil, err
	}

	actor := c.Actor
	if actor == "" {
		actor = domain.SystemActor
	}
	h := &domain.TransactionHistory{
		FromStatus:   &from,
		ToStatus:     to,
		Reason:       c.Reason,
		ErrorCode:    c.ErrorCode,
		ErrorMessage: c.ErrorMessage,
		ChangedBy:    actor,
		ChangedAt:    next.UpdatedAt,
	}
	if err := m.store.UpdateTransactionStatus(ctx, &next, tx.Version, h); err != nil {
		if errors.Is(err, domain.ErrConcurrentModification) {
			transitionRejections.WithLabelValues("stale").Inc()
		}
		return nil, err
	}

	transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	m.logger.Info("transaction transitioned",
		"transaction_id", next.TransactionID,
		"merchant_id", next.MerchantID,
		"from", from,
		"to", to,
		"reason", c.Reason,
		"version", next.Version)
	return &next, nil
}
