package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/punchamoorthee/paygate/internal/domain"
	"github.com/punchamoorthee/paygate/internal/processor"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestRefundFortyThenSixtyScenario(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tx := e.create(t, "k", "100.00")

	if _, err := e.refunds.CreateRefund(ctx, e.merchant, tx.TransactionID, dec("40.00"), "damaged"); err != nil {
		t.Fatalf("first refund: %v", err)
	}
	mid, _ := e.store.GetTransaction(ctx, tx.ID)
	if mid.Status != domain.StatusPartiallyRefunded {
		t.Fatalf("expected PARTIALLY_REFUNDED after 40.00, got %s", mid.Status)
	}

	if _, err := e.refunds.CreateRefund(ctx, e.merchant, tx.TransactionID, dec("60.00"), "rest"); err != nil {
		t.Fatalf("second refund: %v", err)
	}
	final, _ := e.store.GetTransaction(ctx, tx.ID)
	if final.Status != domain.StatusRefunded {
		t.Fatalf("expected REFUNDED, got %s", final.Status)
	}

	_, err := e.refunds.CreateRefund(ctx, e.merchant, tx.TransactionID, dec("0.01"), "again")
	if !errors.Is(err, domain.ErrValidationFailed) {
		t.Fatalf("expected ErrValidationFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "remaining refundable amount: 0.00") {
		t.Errorf("unexpected message %q", err.Error())
	}

	refunds, _ := e.refunds.ListByTransaction(ctx, e.merchant.ID, tx.TransactionID)
	if len(refunds) != 2 {
		t.Errorf("rejected refund must not create a row, got %d", len(refunds))
	}
	for _, r := range refunds {
		if r.Status != domain.RefundCompleted || r.ProcessedAt == nil {
			t.Errorf("refund %s not settled: %+v", r.RefundID, r)
		}
	}
	if got := len(e.notes.ofType(domain.EventRefundCompleted)); got != 2 {
		t.Errorf("expected 2 refund.completed webhooks, got %d", got)
	}
}

func TestRefundPreconditions(t *testing.T) {
	e := newEnv(t, approve(), outcome{result: declined("Expired card")})
	ctx := context.Background()
	completed := e.create(t, "ok", "100.00")
	failed := e.create(t, "declined", "100.00")

	if _, err := e.refunds.CreateRefund(ctx, e.merchant, completed.TransactionID, dec("70.00"), "partial"); err != nil {
		t.Fatalf("setup refund: %v", err)
	}

	cases := []struct {
		name   string
		ref    uuid.UUID
		amount string
		target error
		msg    string
	}{
		{"unknown transaction", uuid.New(), "1.00", domain.ErrNotFound, ""},
		{"not completed", failed.TransactionID, "1.00", domain.ErrValidationFailed, "must be COMPLETED"},
		{"above transaction amount", completed.TransactionID, "100.01", domain.ErrValidationFailed, "cannot exceed transaction amount"},
		{"above remaining", completed.TransactionID, "40.00", domain.ErrValidationFailed, "remaining refundable amount: 30.00"},
		{"malformed amount", completed.TransactionID, "0", domain.ErrValidationFailed, "amount must be at least"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.refunds.CreateRefund(ctx, e.merchant, tc.ref, dec(tc.amount), "x")
			if !errors.Is(err, tc.target) {
				t.Fatalf("expected %v, got %v", tc.target, err)
			}
			if tc.msg != "" && !strings.Contains(err.Error(), tc.msg) {
				t.Errorf("message %q does not mention %q", err.Error(), tc.msg)
			}
		})
	}

	other := &domain.Merchant{Code: "OTHER", Status: domain.MerchantActive}
	_ = e.store.CreateMerchant(ctx, other)
	if _, err := e.refunds.CreateRefund(ctx, other, completed.TransactionID, dec("1.00"), "x"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("refund on a foreign transaction should be not found, got %v", err)
	}
}

func TestRefundProcessorFailureLeavesTransaction(t *testing.T) {
	e := newEnv(t)
	e.proc.refund = outcome{err: processor.ErrUnavailable}
	ctx := context.Background()
	tx := e.create(t, "k", "100.00")

	r, err := e.refunds.CreateRefund(ctx, e.merchant, tx.TransactionID, dec("10.00"), "x")
	if err != nil {
		t.Fatalf("create refund: %v", err)
	}
	got, _ := e.refunds.Get(ctx, e.merchant.ID, r.RefundID)
	if got.Status != domain.RefundFailed || got.FailureReason == "" {
		t.Fatalf("expected FAILED with a reason, got %+v", got)
	}
	after, _ := e.store.GetTransaction(ctx, tx.ID)
	if after.Status != domain.StatusCompleted {
		t.Errorf("failed refund must not change the transaction, got %s", after.Status)
	}
	if len(e.notes.ofType(domain.EventRefundCompleted)) != 0 {
		t.Error("no refund.completed for a failed refund")
	}
}

func TestSettleRejectsOverRefundRace(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	tx := e.create(t, "k", "100.00")

	// Two refunds accepted while nothing had settled yet.
	mk := func(amount string) *domain.Refund {
		r := &domain.Refund{RefundID: uuid.New(), TransactionID: tx.ID, TransactionRef: tx.TransactionID,
			MerchantID: e.merchant.ID, Amount: dec(amount), Status: domain.RefundPending, CreatedAt: e.now}
		if err := e.store.CreateRefund(ctx, r); err != nil {
			t.Fatalf("create: %v", err)
		}
		return r
	}
	a, b := mk("80.00"), mk("80.00")

	if err := e.refunds.Settle(ctx, a.ID); err != nil {
		t.Fatalf("settle a: %v", err)
	}
	if err := e.refunds.Settle(ctx, b.ID); err != nil {
		t.Fatalf("settle b: %v", err)
	}

	sum, _ := e.store.SumCompletedRefunds(ctx, tx.ID)
	if !sum.Equal(dec("80")) {
		t.Errorf("completed refunds exceed amount: %s", sum)
	}
	got, _ := e.store.GetRefund(ctx, b.ID)
	if got.Status != domain.RefundFailed {
		t.Errorf("second refund should fail, got %s", got.Status)
	}
}
