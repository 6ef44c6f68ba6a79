package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/paygate/internal/domain"
	"github.com/punchamoorthee/paygate/internal/idempotency"
	"github.com/punchamoorthee/paygate/internal/models"
	"github.com/punchamoorthee/paygate/internal/store"
	"github.com/punchamoorthee/paygate/internal/worker"
)

const (
	maxIdempotencyKeyLen = 255
	defaultPageSize      = 20
	maxPageSize          = 100
)

// Scheduler hands background work to the worker pool.
type Scheduler interface {
	Submit(name string, fn worker.Task) error
}

// Dispatcher starts payment processing for a persisted transaction.
type Dispatcher interface {
	Dispatch(transactionID int64) error
}

// CreateResult is what the caller writes back verbatim.
type CreateResult struct {
	Status      int
	Body        []byte
	Replayed    bool
	Transaction *domain.Transaction
}

type TransactionService struct {
	store      store.Store
	guard      *idempotency.Guard
	dispatcher Dispatcher
	now        func() time.Time
	logger     *slog.Logger
}

func NewTransactionService(s store.Store, guard *idempotency.Guard, dispatcher Dispatcher, logger *slog.Logger) *TransactionService {
	return &TransactionService{store: s, guard: guard, dispatcher: dispatcher, now: time.Now, logger: logger}
}

func validateCreate(key string, req models.CreateTransactionRequest) error {
	if strings.TrimSpace(key) == "" {
		return domain.Validationf("Idempotency-Key header is required")
	}
	if len(key) > maxIdempotencyKeyLen {
		return domain.Validationf("Idempotency-Key must be at most %d characters", maxIdempotencyKeyLen)
	}
	if err := domain.ValidateAmount(req.Amount); err != nil {
		return err
	}
	if err := domain.ValidateCurrency(req.Currency); err != nil {
		return err
	}
	if !domain.PaymentMethod(req.PaymentMethod).Valid() {
		return domain.Validationf("unsupported payment method %q", req.PaymentMethod)
	}
	return nil
}

// Create accepts a payment once per (merchant, idempotency key). A replay
// within the key's lifetime returns the first response unchanged.
func (s *TransactionService) Create(ctx context.Context, merchant *domain.Merchant, key string, req models.CreateTransactionRequest) (*CreateResult, error) {
	if err := validateCreate(key, req); err != nil {
		return nil, err
	}

	// 1. Idempotency check
	if cached, err := s.guard.Lookup(ctx, merchant.ID, key); err != nil {
		return nil, fmt.Errorf("idempotency lookup failed: %w", err)
	} else if cached != nil {
		return s.replay(merchant.ID, key, cached), nil
	}

	// 2. Build the transaction and the response it will be known by
	now := s.now()
	tx := &domain.Transaction{
		TransactionID:  uuid.New(),
		MerchantID:     merchant.ID,
		IdempotencyKey: key,
		Amount:         req.Amount,
		Currency:       req.Currency,
		PaymentMethod:  domain.PaymentMethod(req.PaymentMethod),
		Description:    req.Description,
		CustomerEmail:  req.CustomerEmail,
		CustomerName:   req.CustomerName,
		Status:         domain.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	body, err := json.Marshal(models.NewTransactionResponse(tx))
	if err != nil {
		return nil, err
	}

	// 3. Persist row, initial history and cached response as one unit
	initial := &domain.TransactionHistory{
		ToStatus:  domain.StatusPending,
		Reason:    "Transaction created",
		ChangedBy: domain.SystemActor,
		ChangedAt: now,
	}
	rec := s.guard.Record(merchant.ID, key, http.StatusCreated, body)
	if err := s.store.CreateTransaction(ctx, tx, initial, rec); err != nil {
		if !errors.Is(err, store.ErrDuplicateKey) {
			return nil, fmt.Errorf("transaction create failed: %w", err)
		}
		// Lost the race to a concurrent request with the same key.
		cached, lookupErr := s.guard.Lookup(ctx, merchant.ID, key)
		if lookupErr != nil {
			return nil, fmt.Errorf("idempotency lookup failed: %w", lookupErr)
		}
		if cached == nil {
			return nil, fmt.Errorf("%w: idempotency key %q", domain.ErrConcurrentModification, key)
		}
		return s.replay(merchant.ID, key, cached), nil
	}

	s.logger.Info("transaction created",
		"transaction_id", tx.TransactionID,
		"merchant_id", merchant.ID,
		"amount", tx.Amount.String(),
		"currency", tx.Currency)

	// 4. Hand off to the orchestrator; recovery re-dispatches on failure
	if err := s.dispatcher.Dispatch(tx.ID); err != nil {
		s.logger.Warn("dispatch deferred to recovery", "transaction_id", tx.TransactionID, "error", err)
	}

	return &CreateResult{Status: http.StatusCreated, Body: body, Transaction: tx}, nil
}

func (s *TransactionService) replay(merchantID int64, key string, cached *idempotency.Response) *CreateResult {
	idempotentReplays.Inc()
	s.logger.Info("idempotent replay", "merchant_id", merchantID, "idempotency_key", key)
	return &CreateResult{Status: cached.Status, Body: cached.Body, Replayed: true}
}

func (s *TransactionService) Get(ctx context.Context, merchantID int64, ref uuid.UUID) (*domain.Transaction, error) {
	return s.store.GetMerchantTransaction(ctx, merchantID, ref)
}

// List returns one page of the merchant's transactions, newest first.
func (s *TransactionService) List(ctx context.Context, f store.TransactionFilter) ([]domain.Transaction, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, domain.Validationf("unknown status %q", f.Status)
	}
	if f.Page < 0 {
		return nil, 0, domain.Validationf("page must not be negative")
	}
	f.Size = ClampPageSize(f.Size)
	if f.Page > math.MaxInt/f.Size {
		return nil, 0, domain.Validationf("page is out of range")
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return nil, 0, domain.Validationf("end date is before start date")
	}
	return s.store.ListTransactions(ctx, f)
}

// ClampPageSize applies the default and the upper bound to a requested page size.
func ClampPageSize(size int) int {
	switch {
	case size <= 0:
		return defaultPageSize
	case size > maxPageSize:
		return maxPageSize
	}
	return size
}

// History returns the audit trail of a merchant's transaction in transition order.
func (s *TransactionService) History(ctx context.Context, merchantID int64, ref uuid.UUID) ([]domain.TransactionHistory, error) {
	tx, err := s.store.GetMerchantTransaction(ctx, merchantID, ref)
	if err != nil {
		return nil, err
	}
	return s.store.ListHistory(ctx, tx.ID)
}
