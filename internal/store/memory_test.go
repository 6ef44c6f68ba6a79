package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/paygate/internal/domain"
	"github.com/shopspring/decimal"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedMerchant(t *testing.T, s *Memory) *domain.Merchant {
	t.Helper()
	m := &domain.Merchant{Code: "M1", BusinessName: "Shop", APIKeyHash: "hash", Status: domain.MerchantActive}
	if err := s.CreateMerchant(context.Background(), m); err != nil {
		t.Fatalf("seed merchant: %v", err)
	}
	return m
}

func newTx(merchantID int64, key, amount string, at time.Time) (*domain.Transaction, *domain.TransactionHistory, *domain.IdempotencyRecord) {
	tx := &domain.Transaction{
		TransactionID:  uuid.New(),
		MerchantID:     merchantID,
		IdempotencyKey: key,
		Amount:         decimal.RequireFromString(amount),
		Currency:       "USD",
		PaymentMethod:  domain.MethodCard,
		Status:         domain.StatusPending,
		CreatedAt:      at,
		UpdatedAt:      at,
	}
	h := &domain.TransactionHistory{ToStatus: domain.StatusPending, Reason: "created", ChangedBy: domain.SystemActor, ChangedAt: at}
	body := []byte(`{"k":"` + key + `"}`)
	rec := &domain.IdempotencyRecord{
		MerchantID:     merchantID,
		Key:            key,
		ResponseHash:   responseHash(body),
		ResponseBody:   body,
		ResponseStatus: 201,
		CreatedAt:      at,
		ExpiresAt:      at.Add(24 * time.Hour),
	}
	return tx, h, rec
}

func mustCreate(t *testing.T, s *Memory, merchantID int64, key, amount string, at time.Time) *domain.Transaction {
	t.Helper()
	tx, h, rec := newTx(merchantID, key, amount, at)
	if err := s.CreateTransaction(context.Background(), tx, h, rec); err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	return tx
}

func TestCreateTransactionIsAtomicWithIdempotencyRecord(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	m := seedMerchant(t, s)

	tx := mustCreate(t, s, m.ID, "k1", "100.00", t0)

	history, _ := s.ListHistory(ctx, tx.ID)
	if len(history) != 1 || history[0].FromStatus != nil {
		t.Fatalf("expected one initial history row, got %+v", history)
	}
	rec, err := s.GetIdempotencyRecord(ctx, m.ID, "k1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(rec.ResponseBody) != `{"k":"k1"}` {
		t.Errorf("unexpected body %s", rec.ResponseBody)
	}

	dup, dh, drec := newTx(m.ID, "k1", "100.00", t0.Add(time.Hour))
	if err := s.CreateTransaction(ctx, dup, dh, drec); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
	if _, total, _ := s.ListTransactions(ctx, TransactionFilter{MerchantID: m.ID}); total != 1 {
		t.Errorf("duplicate create stored a row: total=%d", total)
	}
}

func TestCreateTransactionReplacesExpiredRecord(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	m := seedMerchant(t, s)
	mustCreate(t, s, m.ID, "k1", "10.00", t0)

	later := t0.Add(25 * time.Hour)
	second := mustCreate(t, s, m.ID, "k1", "20.00", later)

	rec, _ := s.GetIdempotencyRecord(ctx, m.ID, "k1")
	if !rec.CreatedAt.Equal(later) {
		t.Errorf("expired record not replaced: %+v", rec)
	}
	if _, total, _ := s.ListTransactions(ctx, TransactionFilter{MerchantID: m.ID}); total != 2 {
		t.Errorf("expected 2 transactions, got %d", total)
	}
	if second.ID == 0 {
		t.Error("expected id assigned")
	}
}

func TestCreateTransactionReplacesCorruptRecord(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	m := seedMerchant(t, s)
	err := s.PutIdempotencyRecord(ctx, &domain.IdempotencyRecord{
		MerchantID: m.ID, Key: "k1", ResponseHash: "bogus", ResponseBody: []byte("{oops"),
		ResponseStatus: 201, CreatedAt: t0, ExpiresAt: t0.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("seed record: %v", err)
	}

	mustCreate(t, s, m.ID, "k1", "10.00", t0.Add(time.Minute))

	rec, _ := s.GetIdempotencyRecord(ctx, m.ID, "k1")
	if string(rec.ResponseBody) != `{"k":"k1"}` || !intact(*rec) {
		t.Errorf("corrupt record not replaced: %+v", rec)
	}
}

func TestConcurrentCreateSameKeyStoresOne(t *testing.T) {
	s := NewMemory()
	m := seedMerchant(t, s)

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, h, rec := newTx(m.ID, "same", "5.00", t0)
			if err := s.CreateTransaction(context.Background(), tx, h, rec); err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if created != 1 {
		t.Errorf("expected exactly 1 creation, got %d", created)
	}
}

func TestUpdateTransactionStatusVersionCheck(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	m := seedMerchant(t, s)
	tx := mustCreate(t, s, m.ID, "k1", "100.00", t0)

	next, _ := tx.Transition(domain.StatusProcessing, t0.Add(time.Second))
	if err := s.UpdateTransactionStatus(ctx, &next, tx.Version, &domain.TransactionHistory{ToStatus: domain.StatusProcessing}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.Version != tx.Version+1 {
		t.Errorf("expected version bump, got %d", next.Version)
	}

	stale, _ := tx.Transition(domain.StatusProcessing, t0.Add(2*time.Second))
	err := s.UpdateTransactionStatus(ctx, &stale, tx.Version, &domain.TransactionHistory{ToStatus: domain.StatusProcessing})
	if !errors.Is(err, domain.ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}
	history, _ := s.ListHistory(ctx, tx.ID)
	if len(history) != 2 {
		t.Errorf("stale write appended history: %d rows", len(history))
	}
}

func TestGetMerchantTransactionScopesByMerchant(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	m := seedMerchant(t, s)
	tx := mustCreate(t, s, m.ID, "k1", "1.00", t0)

	if _, err := s.GetMerchantTransaction(ctx, m.ID+100, tx.TransactionID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for foreign merchant, got %v", err)
	}
	got, err := s.GetMerchantTransaction(ctx, m.ID, tx.TransactionID)
	if err != nil || got.ID != tx.ID {
		t.Fatalf("unexpected result %+v, %v", got, err)
	}
}

func TestListTransactionsFiltersAndPages(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	m := seedMerchant(t, s)
	for i := range 5 {
		mustCreate(t, s, m.ID, uuid.NewString(), "1.00", t0.Add(time.Duration(i)*time.Hour))
	}

	page, total, err := s.ListTransactions(ctx, TransactionFilter{MerchantID: m.ID, Page: 1, Size: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 5 || len(page) != 2 {
		t.Fatalf("expected 2 of 5, got %d of %d", len(page), total)
	}
	if !page[0].CreatedAt.Equal(t0.Add(2 * time.Hour)) {
		t.Errorf("expected newest-first ordering, got %v", page[0].CreatedAt)
	}

	ranged, total, _ := s.ListTransactions(ctx, TransactionFilter{MerchantID: m.ID, From: t0.Add(time.Hour), To: t0.Add(3 * time.Hour)})
	if total != 2 || len(ranged) != 2 {
		t.Errorf("expected 2 in range, got %d", total)
	}

	none, _, _ := s.ListTransactions(ctx, TransactionFilter{MerchantID: m.ID, Status: domain.StatusCompleted})
	if len(none) != 0 {
		t.Errorf("expected no COMPLETED rows, got %d", len(none))
	}
}

func TestUpdateRefundStatusEnforcesBalance(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	m := seedMerchant(t, s)
	tx := mustCreate(t, s, m.ID, "k1", "100.00", t0)

	mk := func(amount string) *domain.Refund {
		r := &domain.Refund{
			RefundID:      uuid.New(),
			TransactionID: tx.ID,
			MerchantID:    m.ID,
			Amount:        decimal.RequireFromString(amount),
			Status:        domain.RefundProcessing,
		}
		if err := s.CreateRefund(ctx, r); err != nil {
			t.Fatalf("create refund: %v", err)
		}
		return r
	}

	a, b := mk("70.00"), mk("40.00")
	a.Status = domain.RefundCompleted
	if err := s.UpdateRefundStatus(ctx, a, domain.RefundProcessing); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b.Status = domain.RefundCompleted
	if err := s.UpdateRefundStatus(ctx, b, domain.RefundProcessing); !errors.Is(err, domain.ErrRefundExceedsBalance) {
		t.Fatalf("expected ErrRefundExceedsBalance, got %v", err)
	}
	sum, _ := s.SumCompletedRefunds(ctx, tx.ID)
	if !sum.Equal(decimal.RequireFromString("70")) {
		t.Errorf("expected 70 completed, got %s", sum)
	}

	a.Status = domain.RefundFailed
	if err := s.UpdateRefundStatus(ctx, a, domain.RefundProcessing); !errors.Is(err, domain.ErrConcurrentModification) {
		t.Errorf("expected ErrConcurrentModification for stale from-status, got %v", err)
	}
}

func TestWebhookClaimIsExclusive(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	e := &domain.WebhookEvent{MerchantID: 1, EventType: domain.EventTransactionCompleted, Status: domain.WebhookPending, MaxAttempts: 5, CreatedAt: t0}
	if err := s.CreateWebhookEvent(ctx, e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := s.ClaimWebhookEvent(ctx, e.ID, t0, t0.Add(30*time.Second), false); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if _, err := s.ClaimWebhookEvent(ctx, e.ID, t0.Add(time.Second), t0.Add(31*time.Second), false); !errors.Is(err, ErrNotClaimable) {
		t.Fatalf("expected ErrNotClaimable, got %v", err)
	}
	if _, err := s.ClaimWebhookEvent(ctx, e.ID, t0.Add(time.Minute), t0.Add(2*time.Minute), false); err != nil {
		t.Fatalf("expired lease should be reclaimable: %v", err)
	}

	sent := t0.Add(time.Minute)
	e.Status, e.AttemptCount, e.SentAt = domain.WebhookSent, 1, &sent
	if err := s.SaveWebhookAttempt(ctx, e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.ClaimWebhookEvent(ctx, e.ID, t0.Add(time.Hour), t0.Add(2*time.Hour), false); !errors.Is(err, ErrNotClaimable) {
		t.Errorf("terminal event must not be claimable, got %v", err)
	}
	if err := s.SaveWebhookAttempt(ctx, e); !errors.Is(err, ErrNotClaimable) {
		t.Errorf("terminal event must not be rewritten, got %v", err)
	}
}

func TestWebhookClaimDueOnly(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	next := t0.Add(time.Minute)
	e := &domain.WebhookEvent{MerchantID: 1, EventType: domain.EventTransactionCompleted, Status: domain.WebhookPending, MaxAttempts: 5, NextRetryAt: &next, CreatedAt: t0}
	if err := s.CreateWebhookEvent(ctx, e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := s.ClaimWebhookEvent(ctx, e.ID, t0, t0.Add(30*time.Second), true); !errors.Is(err, ErrNotClaimable) {
		t.Fatalf("event not yet due must not be claimed, got %v", err)
	}
	if _, err := s.ClaimWebhookEvent(ctx, e.ID, next, next.Add(30*time.Second), true); err != nil {
		t.Fatalf("due event should be claimable: %v", err)
	}
}

func TestListTransactionsHugeOffset(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	m := seedMerchant(t, s)
	mustCreate(t, s, m.ID, "k1", "10.00", t0)

	// Page*Size wraps negative.
	got, total, err := s.ListTransactions(ctx, TransactionFilter{MerchantID: m.ID, Page: 1e17, Size: 100})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 1 || len(got) > 1 {
		t.Errorf("unexpected page: total=%d len=%d", total, len(got))
	}
}

func TestListDueWebhookEventsOrdering(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	future := t0.Add(time.Hour)
	events := []*domain.WebhookEvent{
		{MerchantID: 1, Status: domain.WebhookPending, MaxAttempts: 5, CreatedAt: t0.Add(2 * time.Second)},
		{MerchantID: 1, Status: domain.WebhookPending, MaxAttempts: 5, CreatedAt: t0.Add(time.Second)},
		{MerchantID: 1, Status: domain.WebhookPending, MaxAttempts: 5, CreatedAt: t0, NextRetryAt: &future},
		{MerchantID: 1, Status: domain.WebhookPending, MaxAttempts: 5, AttemptCount: 5, CreatedAt: t0},
		{MerchantID: 1, Status: domain.WebhookSent, MaxAttempts: 5, CreatedAt: t0},
	}
	for _, e := range events {
		if err := s.CreateWebhookEvent(ctx, e); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	due, err := s.ListDueWebhookEvents(ctx, t0.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 due events, got %d", len(due))
	}
	if due[0].ID != events[1].ID || due[1].ID != events[0].ID {
		t.Errorf("expected oldest-created first, got %d then %d", due[0].ID, due[1].ID)
	}
}

func TestTransactionTotalsBucketsByDay(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	m := seedMerchant(t, s)
	mustCreate(t, s, m.ID, "a", "10.00", t0)
	mustCreate(t, s, m.ID, "b", "5.50", t0.Add(time.Hour))
	mustCreate(t, s, m.ID, "c", "1.00", t0.Add(24*time.Hour))

	totals, err := s.TransactionTotals(ctx, m.ID, t0.Add(-time.Hour), t0.Add(48*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(totals) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(totals))
	}
	if totals[0].Count != 2 || !totals[0].Amount.Equal(decimal.RequireFromString("15.50")) {
		t.Errorf("unexpected first bucket %+v", totals[0])
	}
}

func TestDeleteExpiredIdempotencyRecords(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	live := &domain.IdempotencyRecord{MerchantID: 1, Key: "live", ExpiresAt: t0.Add(time.Hour)}
	dead := &domain.IdempotencyRecord{MerchantID: 1, Key: "dead", ExpiresAt: t0.Add(-time.Hour)}
	_ = s.PutIdempotencyRecord(ctx, live)
	_ = s.PutIdempotencyRecord(ctx, dead)

	n, err := s.DeleteExpiredIdempotencyRecords(ctx, t0)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 purged, got %d (%v)", n, err)
	}
	if _, err := s.GetIdempotencyRecord(ctx, 1, "dead"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected dead record gone, got %v", err)
	}
}
