package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/punchamoorthee/paygate/internal/domain"
	"github.com/punchamoorthee/paygate/internal/idempotency"
	"github.com/punchamoorthee/paygate/internal/store"
)

const recoveryBatch = 100

// Recovery repairs work lost to crashes or a full queue: PENDING transactions
// that were never dispatched are dispatched again, PROCESSING ones older than
// the timeout are failed. It also purges expired idempotency records.
type Recovery struct {
	store      store.Store
	machine    *StateMachine
	dispatcher Dispatcher
	notifier   Notifier
	guard      *idempotency.Guard
	timeout    time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

type RecoveryResult struct {
	Redispatched int
	TimedOut     int
	Purged       int64
}

func NewRecovery(s store.Store, machine *StateMachine, d Dispatcher, n Notifier, guard *idempotency.Guard, timeout time.Duration, logger *slog.Logger) *Recovery {
	return &Recovery{store: s, machine: machine, dispatcher: d, notifier: n, guard: guard, timeout: timeout, now: time.Now, logger: logger}
}

func (r *Recovery) Sweep(ctx context.Context) (RecoveryResult, error) {
	var res RecoveryResult
	cutoff := r.now().Add(-r.timeout)

	pending, err := r.store.ListStaleTransactions(ctx, domain.StatusPending, cutoff, recoveryBatch)
	if err != nil {
		return res, fmt.Errorf("list stale pending: %w", err)
	}
	for _, tx := range pending {
		if err := r.dispatcher.Dispatch(tx.ID); err != nil {
			r.logger.Warn("re-dispatch rejected", "transaction_id", tx.TransactionID, "error", err)
			continue
		}
		res.Redispatched++
		recoveredTotal.WithLabelValues("redispatch").Inc()
	}

	processing, err := r.store.ListStaleTransactions(ctx, domain.StatusProcessing, cutoff, recoveryBatch)
	if err != nil {
		return res, fmt.Errorf("list stale processing: %w", err)
	}
	for i := range processing {
		tx := &processing[i]
		failed, err := r.machine.Transition(ctx, tx, domain.StatusFailed, Change{
			Reason:       "Processing timed out",
			ErrorCode:    CodeTimeout,
			ErrorMessage: fmt.Sprintf("no processor outcome within %s", r.timeout),
		})
		if errors.Is(err, domain.ErrConcurrentModification) {
			continue
		}
		if err != nil {
			r.logger.Error("could not fail stuck transaction", "transaction_id", tx.TransactionID, "error", err)
			continue
		}
		res.TimedOut++
		recoveredTotal.WithLabelValues("timeout").Inc()
		publishTransactionEvent(ctx, r.notifier, r.logger, failed, domain.EventTransactionFailed, "Processing timed out")
	}

	purged, err := r.guard.Cleanup(ctx)
	if err != nil {
		return res, fmt.Errorf("idempotency cleanup: %w", err)
	}
	res.Purged = purged
	return res, nil
}

// Run sweeps every interval until ctx is done.
func (r *Recovery) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := r.Sweep(ctx)
			if err != nil {
				r.logger.Error("recovery sweep failed", "error", err)
				continue
			}
			if res.Redispatched+res.TimedOut > 0 {
				r.logger.Info("recovery sweep",
					"redispatched", res.Redispatched, "timed_out", res.TimedOut, "purged", res.Purged)
			}
		}
	}
}
