package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/punchamoorthee/paygate/internal/domain"
	"github.com/punchamoorthee/paygate/internal/models"
	"github.com/punchamoorthee/paygate/internal/processor"
	"github.com/punchamoorthee/paygate/internal/retry"
	"github.com/punchamoorthee/paygate/internal/store"
)

const (
	CodeDeclined       = "DECLINED"
	CodeProcessorError = "PROCESSOR_ERROR"
	CodeInternalError  = "INTERNAL_ERROR"
	CodeTimeout        = "TIMEOUT"
)

// Notifier emits merchant webhooks.
type Notifier interface {
	EnqueueAndSend(ctx context.Context, merchantID int64, transactionID *int64, eventType domain.WebhookEventType, payload any) (*domain.WebhookEvent, error)
}

// Orchestrator drives a PENDING transaction through the processor.
type Orchestrator struct {
	store     store.Store
	machine   *StateMachine
	processor processor.Processor
	notifier  Notifier
	scheduler Scheduler
	policy    retry.Policy
	sleep     func(context.Context, time.Duration) error
	logger    *slog.Logger
}

func NewOrchestrator(s store.Store, machine *StateMachine, p processor.Processor, n Notifier, sched Scheduler, policy retry.Policy, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:     s,
		machine:   machine,
		processor: p,
		notifier:  n,
		scheduler: sched,
		policy:    policy,
		sleep:     retry.Sleep,
		logger:    logger,
	}
}

// Dispatch schedules Process on the worker pool and returns immediately.
func (o *Orchestrator) Dispatch(transactionID int64) error {
	return o.scheduler.Submit("payment.dispatch", func(ctx context.Context) {
		if err := o.Process(ctx, transactionID); err != nil {
			o.logger.Error("payment dispatch failed", "id", transactionID, "error", err)
		}
	})
}

// Process runs one dispatch. Only a PENDING transaction is picked up, so a
// second dispatch of the same transaction is a no-op. Processor errors are
// retried with backoff; a decline is final.
func (o *Orchestrator) Process(ctx context.Context, transactionID int64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			o.failAfterPanic(ctx, transactionID, r)
			err = nil
		}
	}()

	tx, err := o.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return err
	}
	if tx.Status != domain.StatusPending {
		o.logger.Debug("dispatch skipped", "transaction_id", tx.TransactionID, "status", tx.Status)
		return nil
	}

	tx, err = o.machine.Transition(ctx, tx, domain.StatusProcessing, Change{Reason: "Payment processing started"})
	if errors.Is(err, domain.ErrConcurrentModification) || errors.Is(err, domain.ErrInvalidStateTransition) {
		o.logger.Debug("dispatch lost race", "id", transactionID, "error", err)
		return nil
	}
	if err != nil {
		return err
	}

	charge := processor.Charge{TransactionID: tx.TransactionID, Amount: tx.Amount, Currency: tx.Currency, Method: tx.PaymentMethod}
	var result processor.Result
	var callErr error
	for attempt := 1; ; attempt++ {
		result, callErr = o.processor.Charge(ctx, charge)
		if callErr == nil {
			break
		}
		dispatchAttempts.WithLabelValues("error").Inc()
		if ctx.Err() != nil {
			// Left PROCESSING; the recovery sweep fails it after the timeout.
			return ctx.Err()
		}
		if o.policy.Exhausted(attempt) {
			break
		}
		delay := o.policy.Delay(attempt)
		o.logger.Warn("processor call failed, retrying",
			"transaction_id", tx.TransactionID, "attempt", attempt, "backoff", delay, "error", callErr)
		if err := o.sleep(ctx, delay); err != nil {
			return err
		}
	}

	switch {
	case callErr != nil:
		return o.fail(ctx, tx, Change{
			Reason:       fmt.Sprintf("Processor error after %d attempts", o.policy.MaxAttempts),
			ErrorCode:    CodeProcessorError,
			ErrorMessage: callErr.Error(),
		})
	case result.Approved:
		dispatchAttempts.WithLabelValues("approved").Inc()
		done, err := o.machine.Transition(ctx, tx, domain.StatusCompleted, Change{
			Reason: fmt.Sprintf("Payment approved (ref %s)", result.ProcessorRef),
		})
		if err != nil {
			return err
		}
		publishTransactionEvent(ctx, o.notifier, o.logger, done, domain.EventTransactionCompleted, "")
		return nil
	default:
		dispatchAttempts.WithLabelValues("declined").Inc()
		return o.fail(ctx, tx, Change{
			Reason:       "Payment failed: " + result.Reason,
			ErrorCode:    CodeDeclined,
			ErrorMessage: result.Reason,
		})
	}
}

func (o *Orchestrator) fail(ctx context.Context, tx *domain.Transaction, c Change) error {
	failed, err := o.machine.Transition(ctx, tx, domain.StatusFailed, c)
	if err != nil {
		return err
	}
	publishTransactionEvent(ctx, o.notifier, o.logger, failed, domain.EventTransactionFailed, c.Reason)
	return nil
}

// failAfterPanic converts an unexpected crash into a FAILED transition. A
// transaction still PENDING is left for the recovery sweep.
func (o *Orchestrator) failAfterPanic(ctx context.Context, transactionID int64, r any) {
	o.logger.Error("payment dispatch panicked", "id", transactionID, "panic", r)
	tx, err := o.store.GetTransaction(ctx, transactionID)
	if err != nil || tx.Status != domain.StatusProcessing {
		return
	}
	msg := fmt.Sprint(r)
	if err := o.fail(ctx, tx, Change{Reason: "Exception: " + msg, ErrorCode: CodeInternalError, ErrorMessage: msg}); err != nil {
		o.logger.Error("could not fail transaction after panic", "transaction_id", tx.TransactionID, "error", err)
	}
}

func publishTransactionEvent(ctx context.Context, n Notifier, logger *slog.Logger, tx *domain.Transaction, eventType domain.WebhookEventType, reason string) {
	payload := models.TransactionEventPayload{
		EventType:     eventType,
		TransactionID: tx.TransactionID,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		Status:        tx.Status,
		Reason:        reason,
		Timestamp:     tx.UpdatedAt,
	}
	id := tx.ID
	if _, err := n.EnqueueAndSend(ctx, tx.MerchantID, &id, eventType, payload); err != nil {
		logger.Error("webhook enqueue failed", "transaction_id", tx.TransactionID, "event_type", eventType, "error", err)
	}
}
