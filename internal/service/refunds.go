package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/paygate/internal/domain"
	"github.com/punchamoorthee/paygate/internal/models"
	"github.com/punchamoorthee/paygate/internal/processor"
	"github.com/punchamoorthee/paygate/internal/store"
	"github.com/shopspring/decimal"
)

// reconcileAttempts bounds retries of the post-settlement transaction update
// when it races another writer.
const reconcileAttempts = 3

type RefundService struct {
	store     store.Store
	machine   *StateMachine
	processor processor.Processor
	notifier  Notifier
	scheduler Scheduler
	now       func() time.Time
	logger    *slog.Logger
}

func NewRefundService(s store.Store, machine *StateMachine, p processor.Processor, n Notifier, sched Scheduler, logger *slog.Logger) *RefundService {
	return &RefundService{store: s, machine: machine, processor: p, notifier: n, scheduler: sched, now: time.Now, logger: logger}
}

// CreateRefund validates a refund against the transaction's remaining balance,
// stores it PENDING and schedules settlement.
func (s *RefundService) CreateRefund(ctx context.Context, merchant *domain.Merchant, txRef uuid.UUID, amount decimal.Decimal, reason string) (*domain.Refund, error) {
	if err := domain.ValidateAmount(amount); err != nil {
		return nil, err
	}

	tx, err := s.store.GetMerchantTransaction(ctx, merchant.ID, txRef)
	if err != nil {
		return nil, err
	}
	if !tx.Status.Refundable() {
		return nil, domain.Validationf("transaction must be COMPLETED to refund, current status: %s", tx.Status)
	}
	if amount.GreaterThan(tx.Amount) {
		return nil, domain.Validationf("refund amount cannot exceed transaction amount")
	}
	refunded, err := s.store.SumCompletedRefunds(ctx, tx.ID)
	if err != nil {
		return nil, err
	}
	remaining := tx.Amount.Sub(refunded)
	if amount.GreaterThan(remaining) {
		return nil, domain.Validationf("refund amount exceeds remaining refundable amount: %s", remaining.StringFixed(2))
	}

	r := &domain.Refund{
		RefundID:       uuid.New(),
		TransactionID:  tx.ID,
		TransactionRef: tx.TransactionID,
		MerchantID:     merchant.ID,
		Amount:         amount,
		Reason:         reason,
		Status:         domain.RefundPending,
		InitiatedBy:    merchant.Code,
		CreatedAt:      s.now(),
	}
	if err := s.store.CreateRefund(ctx, r); err != nil {
		return nil, fmt.Errorf("refund insert failed: %w", err)
	}
	s.logger.Info("refund created",
		"refund_id", r.RefundID, "transaction_id", tx.TransactionID, "merchant_id", merchant.ID, "amount", amount.String())

	id := r.ID
	err = s.scheduler.Submit("refund.settle", func(ctx context.Context) {
		if err := s.Settle(ctx, id); err != nil {
			s.logger.Error("refund settlement failed", "id", id, "error", err)
		}
	})
	if err != nil {
		if ferr := s.markFailed(ctx, r, domain.RefundPending, "settlement could not be scheduled: "+err.Error()); ferr != nil {
			return nil, ferr
		}
	}
	return r, nil
}

// Settle completes a PENDING refund and derives the transaction status from
// the new completed total. A refund that is no longer PENDING is left alone.
func (s *RefundService) Settle(ctx context.Context, refundID int64) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("refund settlement panicked", "id", refundID, "panic", rec)
			if r, getErr := s.store.GetRefund(ctx, refundID); getErr == nil && r.Status == domain.RefundProcessing {
				err = s.markFailed(ctx, r, domain.RefundProcessing, fmt.Sprintf("Exception: %v", rec))
			}
		}
	}()

	r, err := s.store.GetRefund(ctx, refundID)
	if err != nil {
		return err
	}
	if r.Status != domain.RefundPending {
		return nil
	}

	r.Status = domain.RefundProcessing
	if err := s.store.UpdateRefundStatus(ctx, r, domain.RefundPending); err != nil {
		if errors.Is(err, domain.ErrConcurrentModification) {
			return nil
		}
		return err
	}

	result, callErr := s.processor.Refund(ctx, processor.Refund{RefundID: r.RefundID, TransactionID: r.TransactionRef, Amount: r.Amount})
	switch {
	case callErr != nil:
		return s.markFailed(ctx, r, domain.RefundProcessing, callErr.Error())
	case !result.Approved:
		return s.markFailed(ctx, r, domain.RefundProcessing, result.Reason)
	}

	processed := s.now()
	r.Status = domain.RefundCompleted
	r.ProcessedAt = &processed
	if err := s.store.UpdateRefundStatus(ctx, r, domain.RefundProcessing); err != nil {
		if errors.Is(err, domain.ErrRefundExceedsBalance) {
			return s.markFailed(ctx, r, domain.RefundProcessing, "refund would exceed transaction amount")
		}
		return err
	}
	refundsTotal.WithLabelValues(string(domain.RefundCompleted)).Inc()
	s.logger.Info("refund completed", "refund_id", r.RefundID, "transaction_id", r.TransactionRef, "ref", result.ProcessorRef)

	if err := s.reconcile(ctx, r.TransactionID); err != nil {
		s.logger.Error("refund reconciliation failed", "refund_id", r.RefundID, "error", err)
	}

	payload := models.RefundEventPayload{
		EventType:     domain.EventRefundCompleted,
		RefundID:      r.RefundID,
		TransactionID: r.TransactionRef,
		Amount:        r.Amount,
		Reason:        r.Reason,
		Timestamp:     processed,
	}
	txID := r.TransactionID
	if _, err := s.notifier.EnqueueAndSend(ctx, r.MerchantID, &txID, domain.EventRefundCompleted, payload); err != nil {
		s.logger.Error("webhook enqueue failed", "refund_id", r.RefundID, "error", err)
	}
	return nil
}

// reconcile moves the transaction to REFUNDED or PARTIALLY_REFUNDED according
// to its completed refund total, re-reading on a version conflict.
func (s *RefundService) reconcile(ctx context.Context, transactionID int64) error {
	var err error
	for range reconcileAttempts {
		var tx *domain.Transaction
		tx, err = s.store.GetTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		var refunded decimal.Decimal
		refunded, err = s.store.SumCompletedRefunds(ctx, transactionID)
		if err != nil {
			return err
		}
		target, ok := domain.RefundOutcome(tx.Amount, refunded)
		if !ok || target == tx.Status || !domain.CanTransition(tx.Status, target) {
			return nil
		}
		_, err = s.machine.Transition(ctx, tx, target, Change{
			Reason: fmt.Sprintf("Refunded %s of %s", refunded.StringFixed(2), tx.Amount.StringFixed(2)),
		})
		if !errors.Is(err, domain.ErrConcurrentModification) {
			return err
		}
	}
	return err
}

func (s *RefundService) markFailed(ctx context.Context, r *domain.Refund, from domain.RefundStatus, reason string) error {
	processed := s.now()
	r.Status = domain.RefundFailed
	r.FailureReason = reason
	r.ProcessedAt = &processed
	if err := s.store.UpdateRefundStatus(ctx, r, from); err != nil {
		return err
	}
	refundsTotal.WithLabelValues(string(domain.RefundFailed)).Inc()
	s.logger.Warn("refund failed", "refund_id", r.RefundID, "transaction_id", r.TransactionRef, "reason", reason)
	return nil
}

func (s *RefundService) Get(ctx context.Context, merchantID int64, refundRef uuid.UUID) (*domain.Refund, error) {
	return s.store.GetMerchantRefund(ctx, merchantID, refundRef)
}

func (s *RefundService) ListByTransaction(ctx context.Context, merchantID int64, txRef uuid.UUID) ([]domain.Refund, error) {
	tx, err := s.store.GetMerchantTransaction(ctx, merchantID, txRef)
	if err != nil {
		return nil, err
	}
	return s.store.ListRefunds(ctx, tx.ID)
}
