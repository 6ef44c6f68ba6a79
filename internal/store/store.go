package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/paygate/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	// ErrDuplicateKey is returned by CreateTransaction when a live idempotency
	// record already holds the (merchant, key) pair.
	ErrDuplicateKey = errors.New("idempotency key already in use")

	// ErrNotClaimable means another delivery holds the event or it is terminal.
	ErrNotClaimable = errors.New("webhook event not claimable")

	ErrIdempotencyRecordNotFound = fmt.Errorf("idempotency record %w", domain.ErrNotFound)
)

// Store is the durable collaborator of the engine.
type Store interface {
	MerchantStore
	TransactionStore
	IdempotencyStore
	RefundStore
	WebhookStore
}

type MerchantStore interface {
	CreateMerchant(ctx context.Context, m *domain.Merchant) error
	GetMerchant(ctx context.Context, id int64) (*domain.Merchant, error)
	GetMerchantByAPIKeyHash(ctx context.Context, hash string) (*domain.Merchant, error)
}

type TransactionStore interface {
	// CreateTransaction writes the transaction, its initial history row and
	// the idempotency record as one unit. An expired record for the same key
	// is replaced; a live one yields ErrDuplicateKey and nothing is written.
	CreateTransaction(ctx context.Context, tx *domain.Transaction, initial *domain.TransactionHistory, rec *domain.IdempotencyRecord) error
	GetTransaction(ctx context.Context, id int64) (*domain.Transaction, error)
	GetMerchantTransaction(ctx context.Context, merchantID int64, ref uuid.UUID) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, f TransactionFilter) ([]domain.Transaction, int, error)
	// ListStaleTransactions returns transactions in status whose last update
	// is older than before, oldest first.
	ListStaleTransactions(ctx context.Context, status domain.TransactionStatus, before time.Time, limit int) ([]domain.Transaction, error)
	// UpdateTransactionStatus persists next if the stored version still equals
	// expectedVersion and appends h in the same unit. On success next.Version
	// is bumped.
	UpdateTransactionStatus(ctx context.Context, next *domain.Transaction, expectedVersion int64, h *domain.TransactionHistory) error
	ListHistory(ctx context.Context, transactionID int64) ([]domain.TransactionHistory, error)
	TransactionTotals(ctx context.Context, merchantID int64, from, to time.Time) ([]Totals, error)
}

type IdempotencyStore interface {
	GetIdempotencyRecord(ctx context.Context, merchantID int64, key string) (*domain.IdempotencyRecord, error)
	PutIdempotencyRecord(ctx context.Context, rec *domain.IdempotencyRecord) error
	DeleteExpiredIdempotencyRecords(ctx context.Context, now time.Time) (int64, error)
}

type RefundStore interface {
	CreateRefund(ctx context.Context, r *domain.Refund) error
	GetRefund(ctx context.Context, id int64) (*domain.Refund, error)
	GetMerchantRefund(ctx context.Context, merchantID int64, ref uuid.UUID) (*domain.Refund, error)
	ListRefunds(ctx context.Context, transactionID int64) ([]domain.Refund, error)
	// UpdateRefundStatus moves r from the given status to r.Status. Entering
	// COMPLETED fails with domain.ErrRefundExceedsBalance when the completed
	// total would pass the transaction amount.
	UpdateRefundStatus(ctx context.Context, r *domain.Refund, from domain.RefundStatus) error
	SumCompletedRefunds(ctx context.Context, transactionID int64) (decimal.Decimal, error)
}

type WebhookStore interface {
	CreateWebhookEvent(ctx context.Context, e *domain.WebhookEvent) error
	GetWebhookEvent(ctx context.Context, id int64) (*domain.WebhookEvent, error)
	// ClaimWebhookEvent leases a PENDING event until the given instant. It
	// fails with ErrNotClaimable while another lease is live, or when dueOnly
	// is set and the next retry is still in the future.
	ClaimWebhookEvent(ctx context.Context, id int64, now, until time.Time, dueOnly bool) (*domain.WebhookEvent, error)
	// SaveWebhookAttempt records the outcome of a delivery and releases the lease.
	SaveWebhookAttempt(ctx context.Context, e *domain.WebhookEvent) error
	ListDueWebhookEvents(ctx context.Context, now time.Time, limit int) ([]domain.WebhookEvent, error)
}

// TransactionFilter narrows a merchant listing. Zero values mean no filter.
type TransactionFilter struct {
	MerchantID int64
	Status     domain.TransactionStatus
	From       time.Time
	To         time.Time
	Page       int
	Size       int
}

func (f TransactionFilter) offset() int {
	return f.Page * f.Size
}

// Totals aggregates one (day, currency, status) bucket of a merchant's transactions.
type Totals struct {
	Day      time.Time
	Currency string
	Status   domain.TransactionStatus
	Count    int64
	Amount   decimal.Decimal
}
