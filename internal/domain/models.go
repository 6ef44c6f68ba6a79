package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SystemActor is recorded as the author of transitions the engine makes on its own.
const SystemActor = "SYSTEM"

type MerchantStatus string

const (
	MerchantActive    MerchantStatus = "ACTIVE"
	MerchantSuspended MerchantStatus = "SUSPENDED"
)

// Merchant owns transactions and receives webhooks for them.
type Merchant struct {
	ID            int64          `json:"id"`
	Code          string         `json:"merchant_code"`
	BusinessName  string         `json:"business_name"`
	Email         string         `json:"email"`
	APIKeyHash    string         `json:"-"`
	Status        MerchantStatus `json:"status"`
	WebhookURL    string         `json:"webhook_url,omitempty"`
	WebhookSecret string         `json:"-"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

type PaymentMethod string

const (
	MethodCard         PaymentMethod = "CARD"
	MethodBankTransfer PaymentMethod = "BANK_TRANSFER"
	MethodWallet       PaymentMethod = "WALLET"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCard, MethodBankTransfer, MethodWallet:
		return true
	}
	return false
}

// Transaction is a merchant payment. ID is the storage key; TransactionID is
// the token exposed to merchants.
type Transaction struct {
	ID             int64             `json:"-"`
	TransactionID  uuid.UUID         `json:"transaction_id"`
	MerchantID     int64             `json:"merchant_id"`
	IdempotencyKey string            `json:"idempotency_key"`
	Amount         decimal.Decimal   `json:"amount"`
	Currency       string            `json:"currency"`
	PaymentMethod  PaymentMethod     `json:"payment_method"`
	Description    string            `json:"description,omitempty"`
	CustomerEmail  string            `json:"customer_email,omitempty"`
	CustomerName   string            `json:"customer_name,omitempty"`
	Status         TransactionStatus `json:"status"`
	Version        int64             `json:"version"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	FailedAt       *time.Time        `json:"failed_at,omitempty"`
}

// TransactionHistory is one append-only audit row. FromStatus is nil for the
// creation record.
type TransactionHistory struct {
	ID            int64              `json:"id"`
	TransactionID int64              `json:"-"`
	FromStatus    *TransactionStatus `json:"from_status"`
	ToStatus      TransactionStatus  `json:"to_status"`
	Reason        string             `json:"reason"`
	ErrorCode     string             `json:"error_code,omitempty"`
	ErrorMessage  string             `json:"error_message,omitempty"`
	ChangedBy     string             `json:"changed_by"`
	ChangedAt     time.Time          `json:"changed_at"`
}

// IdempotencyRecord caches the response of a transaction creation for a
// (merchant, key) pair until ExpiresAt.
type IdempotencyRecord struct {
	ID             int64
	MerchantID     int64
	Key            string
	ResponseHash   string
	ResponseBody   []byte
	ResponseStatus int
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// Live reports whether the record still shields its key at the given instant.
func (r IdempotencyRecord) Live(now time.Time) bool {
	return r.ExpiresAt.After(now)
}

type RefundStatus string

const (
	RefundPending    RefundStatus = "PENDING"
	RefundProcessing RefundStatus = "PROCESSING"
	RefundCompleted  RefundStatus = "COMPLETED"
	RefundFailed     RefundStatus = "FAILED"
)

type Refund struct {
	ID             int64           `json:"-"`
	RefundID       uuid.UUID       `json:"refund_id"`
	TransactionID  int64           `json:"-"`
	TransactionRef uuid.UUID       `json:"transaction_id"`
	MerchantID     int64           `json:"merchant_id"`
	Amount         decimal.Decimal `json:"amount"`
	Reason         string          `json:"reason"`
	Status         RefundStatus    `json:"status"`
	InitiatedBy    string          `json:"initiated_by"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
}

type WebhookEventType string

const (
	EventTransactionCompleted WebhookEventType = "transaction.completed"
	EventTransactionFailed    WebhookEventType = "transaction.failed"
	EventRefundCompleted      WebhookEventType = "refund.completed"
)

type WebhookStatus string

const (
	WebhookPending WebhookStatus = "PENDING"
	WebhookSent    WebhookStatus = "SENT"
	WebhookFailed  WebhookStatus = "FAILED"
)

// WebhookEvent is a durable notification to a merchant endpoint.
// AttemptCount never exceeds MaxAttempts; SENT and FAILED are terminal.
type WebhookEvent struct {
	ID            int64
	MerchantID    int64
	TransactionID *int64
	EventType     WebhookEventType
	Payload       []byte
	Status        WebhookStatus
	AttemptCount  int
	MaxAttempts   int
	NextRetryAt   *time.Time
	LastError     string
	CreatedAt     time.Time
	SentAt        *time.Time
	ClaimedUntil  *time.Time
}

func (e WebhookEvent) Terminal() bool {
	return e.Status == WebhookSent || e.Status == WebhookFailed
}
