package store

import (
	"bytes"
	"cmp"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/paygate/internal/domain"
	"github.com/shopspring/decimal"
)

type idemKey struct {
	merchantID int64
	key        string
}

// Memory is a thread-safe in-memory Store. Every multi-row write happens under
// the same write lock, so it gives the same all-or-nothing behaviour as the
// Postgres store.
type Memory struct {
	mu sync.RWMutex

	seq          int64
	merchants    map[int64]domain.Merchant
	transactions map[int64]domain.Transaction
	history      map[int64][]domain.TransactionHistory
	idempotency  map[idemKey]domain.IdempotencyRecord
	refunds      map[int64]domain.Refund
	webhooks     map[int64]domain.WebhookEvent
}

func NewMemory() *Memory {
	return &Memory{
		merchants:    make(map[int64]domain.Merchant),
		transactions: make(map[int64]domain.Transaction),
		history:      make(map[int64][]domain.TransactionHistory),
		idempotency:  make(map[idemKey]domain.IdempotencyRecord),
		refunds:      make(map[int64]domain.Refund),
		webhooks:     make(map[int64]domain.WebhookEvent),
	}
}

func (m *Memory) next() int64 {
	m.seq++
	return m.seq
}

func (m *Memory) CreateMerchant(_ context.Context, merchant *domain.Merchant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	merchant.ID = m.next()
	m.merchants[merchant.ID] = *merchant
	return nil
}

func (m *Memory) GetMerchant(_ context.Context, id int64) (*domain.Merchant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	merchant, ok := m.merchants[id]
	if !ok {
		return nil, domain.ErrMerchantNotFound
	}
	return &merchant, nil
}

func (m *Memory) GetMerchantByAPIKeyHash(_ context.Context, hash string) (*domain.Merchant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, merchant := range m.merchants {
		if merchant.APIKeyHash == hash {
			return &merchant, nil
		}
	}
	return nil, domain.ErrMerchantNotFound
}

func (m *Memory) CreateTransaction(_ context.Context, tx *domain.Transaction, initial *domain.TransactionHistory, rec *domain.IdempotencyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := idemKey{rec.MerchantID, rec.Key}
	if existing, ok := m.idempotency[k]; ok && existing.Live(rec.CreatedAt) && intact(existing) {
		return ErrDuplicateKey
	}

	tx.ID = m.next()
	initial.ID = m.next()
	initial.TransactionID = tx.ID
	rec.ID = m.next()

	m.transactions[tx.ID] = *tx
	m.history[tx.ID] = []domain.TransactionHistory{*initial}
	stored := *rec
	stored.ResponseBody = bytes.Clone(rec.ResponseBody)
	m.idempotency[k] = stored
	return nil
}

// intact reports whether a cached body still matches its stored hash. A
// damaged record is overwritten like an expired one.
func intact(rec domain.IdempotencyRecord) bool {
	return rec.ResponseHash == responseHash(rec.ResponseBody)
}

// responseHash matches idempotency.Hash, which this package cannot import.
func responseHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func (m *Memory) GetTransaction(_ context.Context, id int64) (*domain.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.transactions[id]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	return &tx, nil
}

func (m *Memory) GetMerchantTransaction(_ context.Context, merchantID int64, ref uuid.UUID) (*domain.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, tx := range m.transactions {
		if tx.TransactionID == ref && tx.MerchantID == merchantID {
			return &tx, nil
		}
	}
	return nil, domain.ErrTransactionNotFound
}

func (m *Memory) ListTransactions(_ context.Context, f TransactionFilter) ([]domain.Transaction, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []domain.Transaction
	for _, tx := range m.transactions {
		if tx.MerchantID != f.MerchantID {
			continue
		}
		if f.Status != "" && tx.Status != f.Status {
			continue
		}
		if !f.From.IsZero() && tx.CreatedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !tx.CreatedAt.Before(f.To) {
			continue
		}
		matched = append(matched, tx)
	}
	slices.SortFunc(matched, func(a, b domain.Transaction) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})

	total := len(matched)
	if f.Size <= 0 {
		return matched, total, nil
	}
	start := max(0, min(f.offset(), total))
	end := min(start+f.Size, total)
	return slices.Clone(matched[start:end]), total, nil
}

func (m *Memory) ListStaleTransactions(_ context.Context, status domain.TransactionStatus, before time.Time, limit int) ([]domain.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stale []domain.Transaction
	for _, tx := range m.transactions {
		if tx.Status == status && tx.UpdatedAt.Before(before) {
			stale = append(stale, tx)
		}
	}
	slices.SortFunc(stale, func(a, b domain.Transaction) int {
		return a.UpdatedAt.Compare(b.UpdatedAt)
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (m *Memory) UpdateTransactionStatus(_ context.Context, next *domain.Transaction, expectedVersion int64, h *domain.TransactionHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.transactions[next.ID]
	if !ok {
		return domain.ErrTransactionNotFound
	}
	if current.Version != expectedVersion {
		return domain.ErrConcurrentModification
	}
	next.Version = expectedVersion + 1
	h.ID = m.next()
	h.TransactionID = next.ID

	m.transactions[next.ID] = *next
	m.history[next.ID] = append(m.history[next.ID], *h)
	return nil
}

func (m *Memory) ListHistory(_ context.Context, transactionID int64) ([]domain.TransactionHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.history[transactionID]), nil
}

func (m *Memory) TransactionTotals(_ context.Context, merchantID int64, from, to time.Time) ([]Totals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type bucket struct {
		day      time.Time
		currency string
		status   domain.TransactionStatus
	}
	sums := make(map[bucket]*Totals)
	for _, tx := range m.transactions {
		if tx.MerchantID != merchantID || tx.CreatedAt.Before(from) || !tx.CreatedAt.Before(to) {
			continue
		}
		created := tx.CreatedAt.UTC()
		b := bucket{
			day:      time.Date(created.Year(), created.Month(), created.Day(), 0, 0, 0, 0, time.UTC),
			currency: tx.Currency,
			status:   tx.Status,
		}
		t, ok := sums[b]
		if !ok {
			t = &Totals{Day: b.day, Currency: b.currency, Status: b.status, Amount: decimal.Zero}
			sums[b] = t
		}
		t.Count++
		t.Amount = t.Amount.Add(tx.Amount)
	}

	out := make([]Totals, 0, len(sums))
	for _, t := range sums {
		out = append(out, *t)
	}
	slices.SortFunc(out, func(a, b Totals) int {
		if c := a.Day.Compare(b.Day); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Currency, b.Currency); c != 0 {
			return c
		}
		return cmp.Compare(a.Status, b.Status)
	})
	return out, nil
}

func (m *Memory) GetIdempotencyRecord(_ context.Context, merchantID int64, key string) (*domain.IdempotencyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.idempotency[idemKey{merchantID, key}]
	if !ok {
		return nil, ErrIdempotencyRecordNotFound
	}
	rec.ResponseBody = bytes.Clone(rec.ResponseBody)
	return &rec, nil
}

func (m *Memory) PutIdempotencyRecord(_ context.Context, rec *domain.IdempotencyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := idemKey{rec.MerchantID, rec.Key}
	if existing, ok := m.idempotency[k]; ok {
		rec.ID = existing.ID
	} else {
		rec.ID = m.next()
	}
	stored := *rec
	stored.ResponseBody = bytes.Clone(rec.ResponseBody)
	m.idempotency[k] = stored
	return nil
}

func (m *Memory) DeleteExpiredIdempotencyRecords(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, rec := range m.idempotency {
		if !rec.Live(now) {
			delete(m.idempotency, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) CreateRefund(_ context.Context, r *domain.Refund) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transactions[r.TransactionID]; !ok {
		return domain.ErrTransactionNotFound
	}
	r.ID = m.next()
	m.refunds[r.ID] = *r
	return nil
}

func (m *Memory) GetRefund(_ context.Context, id int64) (*domain.Refund, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.refunds[id]
	if !ok {
		return nil, domain.ErrRefundNotFound
	}
	return &r, nil
}

func (m *Memory) GetMerchantRefund(_ context.Context, merchantID int64, ref uuid.UUID) (*domain.Refund, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.refunds {
		if r.RefundID == ref && r.MerchantID == merchantID {
			return &r, nil
		}
	}
	return nil, domain.ErrRefundNotFound
}

func (m *Memory) ListRefunds(_ context.Context, transactionID int64) ([]domain.Refund, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Refund
	for _, r := range m.refunds {
		if r.TransactionID == transactionID {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b domain.Refund) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (m *Memory) UpdateRefundStatus(_ context.Context, r *domain.Refund, from domain.RefundStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.refunds[r.ID]
	if !ok {
		return domain.ErrRefundNotFound
	}
	if current.Status != from {
		return domain.ErrConcurrentModification
	}
	if r.Status == domain.RefundCompleted {
		tx, ok := m.transactions[current.TransactionID]
		if !ok {
			return domain.ErrTransactionNotFound
		}
		if m.completedRefundsLocked(tx.ID).Add(current.Amount).GreaterThan(tx.Amount) {
			return domain.ErrRefundExceedsBalance
		}
	}
	m.refunds[r.ID] = *r
	return nil
}

func (m *Memory) SumCompletedRefunds(_ context.Context, transactionID int64) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.completedRefundsLocked(transactionID), nil
}

func (m *Memory) completedRefundsLocked(transactionID int64) decimal.Decimal {
	sum := decimal.Zero
	for _, r := range m.refunds {
		if r.TransactionID == transactionID && r.Status == domain.RefundCompleted {
			sum = sum.Add(r.Amount)
		}
	}
	return sum
}

func (m *Memory) CreateWebhookEvent(_ context.Context, e *domain.WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = m.next()
	stored := *e
	stored.Payload = bytes.Clone(e.Payload)
	m.webhooks[e.ID] = stored
	return nil
}

func (m *Memory) GetWebhookEvent(_ context.Context, id int64) (*domain.WebhookEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.webhooks[id]
	if !ok {
		return nil, domain.ErrWebhookNotFound
	}
	e.Payload = bytes.Clone(e.Payload)
	return &e, nil
}

func (m *Memory) ClaimWebhookEvent(_ context.Context, id int64, now, until time.Time, dueOnly bool) (*domain.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.webhooks[id]
	if !ok {
		return nil, domain.ErrWebhookNotFound
	}
	if e.Status != domain.WebhookPending || (e.ClaimedUntil != nil && e.ClaimedUntil.After(now)) {
		return nil, ErrNotClaimable
	}
	if dueOnly && e.NextRetryAt != nil && e.NextRetryAt.After(now) {
		return nil, ErrNotClaimable
	}
	e.ClaimedUntil = &until
	m.webhooks[id] = e
	e.Payload = bytes.Clone(e.Payload)
	return &e, nil
}

func (m *Memory) SaveWebhookAttempt(_ context.Context, e *domain.WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.webhooks[e.ID]
	if !ok {
		return domain.ErrWebhookNotFound
	}
	if current.Status != domain.WebhookPending {
		return ErrNotClaimable
	}
	current.Status = e.Status
	current.AttemptCount = e.AttemptCount
	current.NextRetryAt = e.NextRetryAt
	current.LastError = e.LastError
	current.SentAt = e.SentAt
	current.ClaimedUntil = nil
	m.webhooks[e.ID] = current
	e.ClaimedUntil = nil
	return nil
}

func (m *Memory) ListDueWebhookEvents(_ context.Context, now time.Time, limit int) ([]domain.WebhookEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var due []domain.WebhookEvent
	for _, e := range m.webhooks {
		if e.Status != domain.WebhookPending || e.AttemptCount >= e.MaxAttempts {
			continue
		}
		if e.NextRetryAt != nil && e.NextRetryAt.After(now) {
			continue
		}
		if e.ClaimedUntil != nil && e.ClaimedUntil.After(now) {
			continue
		}
		e.Payload = bytes.Clone(e.Payload)
		due = append(due, e)
	}
	slices.SortFunc(due, func(a, b domain.WebhookEvent) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}
