package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/paygate/internal/domain"
	"github.com/shopspring/decimal"
)

// CreateTransactionRequest is the payload from the client.
type CreateTransactionRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	PaymentMethod string          `json:"payment_method"`
	Description   string          `json:"description,omitempty"`
	CustomerEmail string          `json:"customer_email,omitempty"`
	CustomerName  string          `json:"customer_name,omitempty"`
}

// TransactionResponse is the canonical response structure, cached verbatim
// for idempotent replays.
type TransactionResponse struct {
	TransactionID uuid.UUID                `json:"transaction_id"`
	Amount        decimal.Decimal          `json:"amount"`
	Currency      string                   `json:"currency"`
	Status        domain.TransactionStatus `json:"status"`
	PaymentMethod domain.PaymentMethod     `json:"payment_method"`
	Description   string                   `json:"description,omitempty"`
	CustomerEmail string                   `json:"customer_email,omitempty"`
	CustomerName  string                   `json:"customer_name,omitempty"`
	CreatedAt     time.Time                `json:"created_at"`
	CompletedAt   *time.Time               `json:"completed_at,omitempty"`
	FailedAt      *time.Time               `json:"failed_at,omitempty"`
}

func NewTransactionResponse(tx *domain.Transaction) TransactionResponse {
	return TransactionResponse{
		TransactionID: tx.TransactionID,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		Status:        tx.Status,
		PaymentMethod: tx.PaymentMethod,
		Description:   tx.Description,
		CustomerEmail: tx.CustomerEmail,
		CustomerName:  tx.CustomerName,
		CreatedAt:     tx.CreatedAt,
		CompletedAt:   tx.CompletedAt,
		FailedAt:      tx.FailedAt,
	}
}

// TransactionPage is one page of a filtered listing, newest first.
type TransactionPage struct {
	Items []TransactionResponse `json:"items"`
	Page  int                   `json:"page"`
	Size  int                   `json:"size"`
	Total int                   `json:"total"`
}

type RefundRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

type RefundResponse struct {
	RefundID      uuid.UUID           `json:"refund_id"`
	TransactionID uuid.UUID           `json:"transaction_id"`
	Amount        decimal.Decimal     `json:"amount"`
	Reason        string              `json:"reason"`
	Status        domain.RefundStatus `json:"status"`
	InitiatedBy   string              `json:"initiated_by"`
	CreatedAt     time.Time           `json:"created_at"`
	ProcessedAt   *time.Time          `json:"processed_at,omitempty"`
}

func NewRefundResponse(r *domain.Refund) RefundResponse {
	return RefundResponse{
		RefundID:      r.RefundID,
		TransactionID: r.TransactionRef,
		Amount:        r.Amount,
		Reason:        r.Reason,
		Status:        r.Status,
		InitiatedBy:   r.InitiatedBy,
		CreatedAt:     r.CreatedAt,
		ProcessedAt:   r.ProcessedAt,
	}
}

// TransactionEventPayload is the webhook body for transaction.* events.
type TransactionEventPayload struct {
	EventType     domain.WebhookEventType  `json:"event_type"`
	TransactionID uuid.UUID                `json:"transaction_id"`
	Amount        decimal.Decimal          `json:"amount"`
	Currency      string                   `json:"currency"`
	Status        domain.TransactionStatus `json:"status"`
	Reason        string                   `json:"reason,omitempty"`
	Timestamp     time.Time                `json:"timestamp"`
}

// RefundEventPayload is the webhook body for refund.* events.
type RefundEventPayload struct {
	EventType     domain.WebhookEventType `json:"event_type"`
	RefundID      uuid.UUID               `json:"refund_id"`
	TransactionID uuid.UUID               `json:"transaction_id"`
	Amount        decimal.Decimal         `json:"amount"`
	Reason        string                  `json:"reason"`
	Timestamp     time.Time               `json:"timestamp"`
}

type DailySummaryResponse struct {
	Date                  string          `json:"date"`
	TotalTransactions     int64           `json:"total_transactions"`
	CompletedTransactions int64           `json:"completed_transactions"`
	FailedTransactions    int64           `json:"failed_transactions"`
	TotalAmount           decimal.Decimal `json:"total_amount"`
}

type RevenueReportResponse struct {
	StartDate                string                     `json:"start_date"`
	EndDate                  string                     `json:"end_date"`
	TotalRevenue             decimal.Decimal            `json:"total_revenue"`
	TotalTransactions        int64                      `json:"total_transactions"`
	AverageTransactionAmount decimal.Decimal            `json:"average_transaction_amount"`
	RevenueByCurrency        map[string]decimal.Decimal `json:"revenue_by_currency"`
}

type MerchantResponse struct {
	MerchantID   int64                 `json:"merchant_id"`
	MerchantCode string                `json:"merchant_code"`
	BusinessName string                `json:"business_name"`
	Email        string                `json:"email"`
	Status       domain.MerchantStatus `json:"status"`
	CreatedAt    time.Time             `json:"created_at"`
}

type ErrorResponse struct {
	Error           string `json:"error"`
	Code            string `json:"code"`
	RetryAfter      int    `json:"retry_after,omitempty"`
	AvailableTokens *int64 `json:"available_tokens,omitempty"`
}
