package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/paygate/internal/domain"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schema string

type Postgres struct {
	Db *pgxpool.Pool
}

func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Postgres{Db: pool}, nil
}

func (s *Postgres) Close() {
	s.Db.Close()
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

type row interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const merchantColumns = `id, merchant_code, business_name, email, api_key_hash, status,
	COALESCE(webhook_url, ''), COALESCE(webhook_secret, ''), created_at, updated_at`

func scanMerchant(r row) (*domain.Merchant, error) {
	var m domain.Merchant
	err := r.Scan(&m.ID, &m.Code, &m.BusinessName, &m.Email, &m.APIKeyHash, &m.Status,
		&m.WebhookURL, &m.WebhookSecret, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrMerchantNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (s *Postgres) CreateMerchant(ctx context.Context, m *domain.Merchant) error {
	err := s.Db.QueryRow(ctx,
		`INSERT INTO merchants (merchant_code, business_name, email, api_key_hash, status, webhook_url, webhook_secret)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''))
		 RETURNING id, created_at, updated_at`,
		m.Code, m.BusinessName, m.Email, m.APIKeyHash, m.Status, m.WebhookURL, m.WebhookSecret,
	).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("merchant insert failed: %w", err)
	}
	return nil
}

func (s *Postgres) GetMerchant(ctx context.Context, id int64) (*domain.Merchant, error) {
	return scanMerchant(s.Db.QueryRow(ctx, "SELECT "+merchantColumns+" FROM merchants WHERE id = $1", id))
}

func (s *Postgres) GetMerchantByAPIKeyHash(ctx context.Context, hash string) (*domain.Merchant, error) {
	return scanMerchant(s.Db.QueryRow(ctx, "SELECT "+merchantColumns+" FROM merchants WHERE api_key_hash = $1", hash))
}

const transactionColumns = `id, transaction_ref, merchant_id, idempotency_key, amount, currency, payment_method,
	COALESCE(description, ''), COALESCE(customer_email, ''), COALESCE(customer_name, ''),
	status, version, created_at, updated_at, completed_at, failed_at`

func scanTransaction(r row) (*domain.Transaction, error) {
	var tx domain.Transaction
	err := r.Scan(&tx.ID, &tx.TransactionID, &tx.MerchantID, &tx.IdempotencyKey, &tx.Amount, &tx.Currency,
		&tx.PaymentMethod, &tx.Description, &tx.CustomerEmail, &tx.CustomerName,
		&tx.Status, &tx.Version, &tx.CreatedAt, &tx.UpdatedAt, &tx.CompletedAt, &tx.FailedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTransactionNotFound
		}
		return nil, err
	}
	return &tx, nil
}

func collectTransactions(rows pgx.Rows) ([]domain.Transaction, error) {
	defer rows.Close()
	var out []domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *tx)
	}
	return out, rows.Err()
}

// CreateTransaction claims the idempotency key first so that a concurrent
// request for the same key blocks on the unique index and then sees the
// committed record.
func (s *Postgres) CreateTransaction(ctx context.Context, tx *domain.Transaction, initial *domain.TransactionHistory, rec *domain.IdempotencyRecord) error {
	dbtx, err := s.Db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer dbtx.Rollback(ctx)

	err = dbtx.QueryRow(ctx,
		`INSERT INTO idempotency_records
		     (merchant_id, idempotency_key, response_hash, response_body, response_status, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (merchant_id, idempotency_key) DO UPDATE
		 SET response_hash = EXCLUDED.response_hash,
		     response_body = EXCLUDED.response_body,
		     response_status = EXCLUDED.response_status,
		     created_at = EXCLUDED.created_at,
		     expires_at = EXCLUDED.expires_at
		 WHERE idempotency_records.expires_at <= EXCLUDED.created_at
		    OR idempotency_records.response_hash <> encode(sha256(idempotency_records.response_body), 'hex')
		 RETURNING id`,
		rec.MerchantID, rec.Key, rec.ResponseHash, rec.ResponseBody, rec.ResponseStatus, rec.CreatedAt, rec.ExpiresAt,
	).Scan(&rec.ID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("idempotency insert failed: %w", err)
	}

	err = dbtx.QueryRow(ctx,
		`INSERT INTO transactions
		     (transaction_ref, merchant_id, idempotency_key, amount, currency, payment_method,
		      description, customer_email, customer_name, status, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), $10, $11, $12, $13)
		 RETURNING id`,
		tx.TransactionID, tx.MerchantID, tx.IdempotencyKey, tx.Amount, tx.Currency, tx.PaymentMethod,
		tx.Description, tx.CustomerEmail, tx.CustomerName, tx.Status, tx.Version, tx.CreatedAt, tx.UpdatedAt,
	).Scan(&tx.ID)
	if err != nil {
		return fmt.Errorf("transaction insert failed: %w", err)
	}

	initial.TransactionID = tx.ID
	if err := insertHistory(ctx, dbtx, initial); err != nil {
		return err
	}

	if err := dbtx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

func insertHistory(ctx context.Context, dbtx pgx.Tx, h *domain.TransactionHistory) error {
	var from *string
	if h.FromStatus != nil {
		s := string(*h.FromStatus)
		from = &s
	}
	err := dbtx.QueryRow(ctx,
		`INSERT INTO transaction_history
		     (transaction_id, from_status, to_status, reason, error_code, error_message, changed_by, changed_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8)
		 RETURNING id`,
		h.TransactionID, from, h.ToStatus, h.Reason, h.ErrorCode, h.ErrorMessage, h.ChangedBy, h.ChangedAt,
	).Scan(&h.ID)
	if err != nil {
		return fmt.Errorf("history insert failed: %w", err)
	}
	return nil
}

func (s *Postgres) GetTransaction(ctx context.Context, id int64) (*domain.Transaction, error) {
	return scanTransaction(s.Db.QueryRow(ctx, "SELECT "+transactionColumns+" FROM transactions WHERE id = $1", id))
}

func (s *Postgres) GetMerchantTransaction(ctx context.Context, merchantID int64, ref uuid.UUID) (*domain.Transaction, error) {
	return scanTransaction(s.Db.QueryRow(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE transaction_ref = $1 AND merchant_id = $2",
		ref, merchantID))
}

func (s *Postgres) ListTransactions(ctx context.Context, f TransactionFilter) ([]domain.Transaction, int, error) {
	where := []string{"merchant_id = $1"}
	args := []any{f.MerchantID}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if !f.From.IsZero() {
		args = append(args, f.From)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		where = append(where, fmt.Sprintf("created_at < $%d", len(args)))
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := s.Db.QueryRow(ctx, "SELECT COUNT(*) FROM transactions WHERE "+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("transaction count failed: %w", err)
	}

	query := "SELECT " + transactionColumns + " FROM transactions WHERE " + clause + " ORDER BY created_at DESC, id DESC"
	if f.Size > 0 {
		args = append(args, f.Size, f.offset())
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}
	rows, err := s.Db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("transaction list failed: %w", err)
	}
	txs, err := collectTransactions(rows)
	if err != nil {
		return nil, 0, err
	}
	return txs, total, nil
}

func (s *Postgres) ListStaleTransactions(ctx context.Context, status domain.TransactionStatus, before time.Time, limit int) ([]domain.Transaction, error) {
	rows, err := s.Db.Query(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE status = $1 AND updated_at < $2 ORDER BY updated_at LIMIT $3",
		status, before, limit)
	if err != nil {
		return nil, fmt.Errorf("stale transaction query failed: %w", err)
	}
	return collectTransactions(rows)
}

func (s *Postgres) UpdateTransactionStatus(ctx context.Context, next *domain.Transaction, expectedVersion int64, h *domain.TransactionHistory) error {
	dbtx, err := s.Db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer dbtx.Rollback(ctx)

	tag, err := dbtx.Exec(ctx,
		`UPDATE transactions
		 SET status = $1, version = version + 1, updated_at = $2, completed_at = $3, failed_at = $4
		 WHERE id = $5 AND version = $6`,
		next.Status, next.UpdatedAt, next.CompletedAt, next.FailedAt, next.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("transaction update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := dbtx.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM transactions WHERE id = $1)", next.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return domain.ErrTransactionNotFound
		}
		return domain.ErrConcurrentModification
	}

	h.TransactionID = next.ID
	if err := insertHistory(ctx, dbtx, h); err != nil {
		return err
	}
	if err := dbtx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	next.Version = expectedVersion + 1
	return nil
}

func (s *Postgres) ListHistory(ctx context.Context, transactionID int64) ([]domain.TransactionHistory, error) {
	rows, err := s.Db.Query(ctx,
		`SELECT id, transaction_id, from_status, to_status, reason,
		        COALESCE(error_code, ''), COALESCE(error_message, ''), changed_by, changed_at
		 FROM transaction_history WHERE transaction_id = $1 ORDER BY id`,
		transactionID)
	if err != nil {
		return nil, fmt.Errorf("history query failed: %w", err)
	}
	defer rows.Close()

	var out []domain.TransactionHistory
	for rows.Next() {
		var h domain.TransactionHistory
		var from *string
		if err := rows.Scan(&h.ID, &h.TransactionID, &from, &h.ToStatus, &h.Reason,
			&h.ErrorCode, &h.ErrorMessage, &h.ChangedBy, &h.ChangedAt); err != nil {
			return nil, err
		}
		if from != nil {
			status := domain.TransactionStatus(*from)
			h.FromStatus = &status
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *Postgres) TransactionTotals(ctx context.Context, merchantID int64, from, to time.Time) ([]Totals, error) {
	rows, err := s.Db.Query(ctx,
		`SELECT date_trunc('day', created_at AT TIME ZONE 'UTC'), currency, status, COUNT(*), SUM(amount)
		 FROM transactions
		 WHERE merchant_id = $1 AND created_at >= $2 AND created_at < $3
		 GROUP BY 1, 2, 3
		 ORDER BY 1, 2, 3`,
		merchantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("totals query failed: %w", err)
	}
	defer rows.Close()

	var out []Totals
	for rows.Next() {
		var t Totals
		if err := rows.Scan(&t.Day, &t.Currency, &t.Status, &t.Count, &t.Amount); err != nil {
			return nil, err
		}
		t.Day = t.Day.UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Postgres) GetIdempotencyRecord(ctx context.Context, merchantID int64, key string) (*domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	err := s.Db.QueryRow(ctx,
		`SELECT id, merchant_id, idempotency_key, response_hash, response_body, response_status, created_at, expires_at
		 FROM idempotency_records WHERE merchant_id = $1 AND idempotency_key = $2`,
		merchantID, key,
	).Scan(&rec.ID, &rec.MerchantID, &rec.Key, &rec.ResponseHash, &rec.ResponseBody, &rec.ResponseStatus, &rec.CreatedAt, &rec.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIdempotencyRecordNotFound
		}
		return nil, fmt.Errorf("idempotency query failed: %w", err)
	}
	return &rec, nil
}

func (s *Postgres) PutIdempotencyRecord(ctx context.Context, rec *domain.IdempotencyRecord) error {
	err := s.Db.QueryRow(ctx,
		`INSERT INTO idempotency_records
		     (merchant_id, idempotency_key, response_hash, response_body, response_status, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (merchant_id, idempotency_key) DO UPDATE
		 SET response_hash = EXCLUDED.response_hash,
		     response_body = EXCLUDED.response_body,
		     response_status = EXCLUDED.response_status,
		     created_at = EXCLUDED.created_at,
		     expires_at = EXCLUDED.expires_at
		 RETURNING id`,
		rec.MerchantID, rec.Key, rec.ResponseHash, rec.ResponseBody, rec.ResponseStatus, rec.CreatedAt, rec.ExpiresAt,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("idempotency upsert failed: %w", err)
	}
	return nil
}

func (s *Postgres) DeleteExpiredIdempotencyRecords(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.Db.Exec(ctx, "DELETE FROM idempotency_records WHERE expires_at <= $1", now)
	if err != nil {
		return 0, fmt.Errorf("idempotency cleanup failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

const refundColumns = `r.id, r.refund_ref, r.transaction_id, t.transaction_ref, r.merchant_id, r.amount, r.reason,
	r.status, r.initiated_by, COALESCE(r.failure_reason, ''), r.created_at, r.processed_at`

const refundFrom = ` FROM refunds r JOIN transactions t ON t.id = r.transaction_id`

func scanRefund(r row) (*domain.Refund, error) {
	var ref domain.Refund
	err := r.Scan(&ref.ID, &ref.RefundID, &ref.TransactionID, &ref.TransactionRef, &ref.MerchantID, &ref.Amount,
		&ref.Reason, &ref.Status, &ref.InitiatedBy, &ref.FailureReason, &ref.CreatedAt, &ref.ProcessedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrRefundNotFound
		}
		return nil, err
	}
	return &ref, nil
}

func (s *Postgres) CreateRefund(ctx context.Context, r *domain.Refund) error {
	err := s.Db.QueryRow(ctx,
		`INSERT INTO refunds
		     (refund_ref, transaction_id, merchant_id, amount, reason, status, initiated_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		r.RefundID, r.TransactionID, r.MerchantID, r.Amount, r.Reason, r.Status, r.InitiatedBy, r.CreatedAt,
	).Scan(&r.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return domain.ErrTransactionNotFound
		}
		return fmt.Errorf("refund insert failed: %w", err)
	}
	return nil
}

func (s *Postgres) GetRefund(ctx context.Context, id int64) (*domain.Refund, error) {
	return scanRefund(s.Db.QueryRow(ctx, "SELECT "+refundColumns+refundFrom+" WHERE r.id = $1", id))
}

func (s *Postgres) GetMerchantRefund(ctx context.Context, merchantID int64, ref uuid.UUID) (*domain.Refund, error) {
	return scanRefund(s.Db.QueryRow(ctx,
		"SELECT "+refundColumns+refundFrom+" WHERE r.refund_ref = $1 AND r.merchant_id = $2", ref, merchantID))
}

func (s *Postgres) ListRefunds(ctx context.Context, transactionID int64) ([]domain.Refund, error) {
	rows, err := s.Db.Query(ctx, "SELECT "+refundColumns+refundFrom+" WHERE r.transaction_id = $1 ORDER BY r.id", transactionID)
	if err != nil {
		return nil, fmt.Errorf("refund list failed: %w", err)
	}
	defer rows.Close()
	var out []domain.Refund
	for rows.Next() {
		r, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// UpdateRefundStatus locks the parent transaction row before checking the
// completed total, so two settlements of the same transaction serialize.
func (s *Postgres) UpdateRefundStatus(ctx context.Context, r *domain.Refund, from domain.RefundStatus) error {
	dbtx, err := s.Db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer dbtx.Rollback(ctx)

	if r.Status == domain.RefundCompleted {
		var txAmount, refunded decimal.Decimal
		err := dbtx.QueryRow(ctx, "SELECT amount FROM transactions WHERE id = $1 FOR UPDATE", r.TransactionID).Scan(&txAmount)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrTransactionNotFound
			}
			return fmt.Errorf("lock acquisition failed: %w", err)
		}
		err = dbtx.QueryRow(ctx,
			"SELECT COALESCE(SUM(amount), 0) FROM refunds WHERE transaction_id = $1 AND status = $2",
			r.TransactionID, domain.RefundCompleted).Scan(&refunded)
		if err != nil {
			return fmt.Errorf("refund sum failed: %w", err)
		}
		if refunded.Add(r.Amount).GreaterThan(txAmount) {
			return domain.ErrRefundExceedsBalance
		}
	}

	tag, err := dbtx.Exec(ctx,
		`UPDATE refunds SET status = $1, failure_reason = NULLIF($2, ''), processed_at = $3
		 WHERE id = $4 AND status = $5`,
		r.Status, r.FailureReason, r.ProcessedAt, r.ID, from)
	if err != nil {
		return fmt.Errorf("refund update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConcurrentModification
	}
	if err := dbtx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

func (s *Postgres) SumCompletedRefunds(ctx context.Context, transactionID int64) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := s.Db.QueryRow(ctx,
		"SELECT COALESCE(SUM(amount), 0) FROM refunds WHERE transaction_id = $1 AND status = $2",
		transactionID, domain.RefundCompleted).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("refund sum failed: %w", err)
	}
	return sum, nil
}

const webhookColumns = `id, merchant_id, transaction_id, event_type, payload, status, attempt_count, max_attempts,
	next_retry_at, COALESCE(last_error, ''), created_at, sent_at, claimed_until`

func scanWebhook(r row) (*domain.WebhookEvent, error) {
	var e domain.WebhookEvent
	err := r.Scan(&e.ID, &e.MerchantID, &e.TransactionID, &e.EventType, &e.Payload, &e.Status, &e.AttemptCount,
		&e.MaxAttempts, &e.NextRetryAt, &e.LastError, &e.CreatedAt, &e.SentAt, &e.ClaimedUntil)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Postgres) CreateWebhookEvent(ctx context.Context, e *domain.WebhookEvent) error {
	err := s.Db.QueryRow(ctx,
		`INSERT INTO webhook_events
		     (merchant_id, transaction_id, event_type, payload, status, attempt_count, max_attempts, next_retry_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id`,
		e.MerchantID, e.TransactionID, e.EventType, e.Payload, e.Status, e.AttemptCount, e.MaxAttempts, e.NextRetryAt, e.CreatedAt,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("webhook insert failed: %w", err)
	}
	return nil
}

func (s *Postgres) GetWebhookEvent(ctx context.Context, id int64) (*domain.WebhookEvent, error) {
	e, err := scanWebhook(s.Db.QueryRow(ctx, "SELECT "+webhookColumns+" FROM webhook_events WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrWebhookNotFound
	}
	return e, err
}

func (s *Postgres) ClaimWebhookEvent(ctx context.Context, id int64, now, until time.Time, dueOnly bool) (*domain.WebhookEvent, error) {
	e, err := scanWebhook(s.Db.QueryRow(ctx,
		`UPDATE webhook_events SET claimed_until = $3
		 WHERE id = $1 AND status = 'PENDING' AND (claimed_until IS NULL OR claimed_until <= $2)
		   AND (NOT $4 OR next_retry_at IS NULL OR next_retry_at <= $2)
		 RETURNING `+webhookColumns,
		id, now, until, dueOnly))
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("webhook claim failed: %w", err)
	}
	if _, err := s.GetWebhookEvent(ctx, id); err != nil {
		return nil, err
	}
	return nil, ErrNotClaimable
}

func (s *Postgres) SaveWebhookAttempt(ctx context.Context, e *domain.WebhookEvent) error {
	tag, err := s.Db.Exec(ctx,
		`UPDATE webhook_events
		 SET status = $1, attempt_count = $2, next_retry_at = $3, last_error = NULLIF($4, ''), sent_at = $5, claimed_until = NULL
		 WHERE id = $6 AND status = 'PENDING'`,
		e.Status, e.AttemptCount, e.NextRetryAt, e.LastError, e.SentAt, e.ID)
	if err != nil {
		return fmt.Errorf("webhook update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotClaimable
	}
	e.ClaimedUntil = nil
	return nil
}

func (s *Postgres) ListDueWebhookEvents(ctx context.Context, now time.Time, limit int) ([]domain.WebhookEvent, error) {
	rows, err := s.Db.Query(ctx,
		`SELECT `+webhookColumns+` FROM webhook_events
		 WHERE status = 'PENDING'
		   AND attempt_count < max_attempts
		   AND (next_retry_at IS NULL OR next_retry_at <= $1)
		   AND (claimed_until IS NULL OR claimed_until <= $1)
		 ORDER BY created_at, id
		 LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("due webhook query failed: %w", err)
	}
	defer rows.Close()
	var out []domain.WebhookEvent
	for rows.Next() {
		e, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}
