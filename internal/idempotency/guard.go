package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/punchamoorthee/paygate/internal/domain"
	"github.com/punchamoorthee/paygate/internal/store"
)

// DefaultTTL is how long a cached response shields its key.
const DefaultTTL = 24 * time.Hour

// Response is a cached creation result, replayed byte for byte.
type Response struct {
	Status int
	Body   []byte
}

type Guard struct {
	store  store.IdempotencyStore
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Guard)

func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

func NewGuard(s store.IdempotencyStore, ttl time.Duration, logger *slog.Logger, opts ...Option) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	g := &Guard{store: s, ttl: ttl, now: time.Now, logger: logger}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Hash is the content hash stored alongside a cached body.
func Hash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Lookup returns the cached response for (merchant, key), or nil when there
// is none. Expired and corrupt entries are misses, not errors.
func (g *Guard) Lookup(ctx context.Context, merchantID int64, key string) (*Response, error) {
	rec, err := g.store.GetIdempotencyRecord(ctx, merchantID, key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !rec.Live(g.now()) {
		return nil, nil
	}
	if rec.ResponseHash != Hash(rec.ResponseBody) || !json.Valid(rec.ResponseBody) {
		g.logger.Warn("ignoring corrupt idempotency record",
			"merchant_id", merchantID, "idempotency_key", key, "record_id", rec.ID)
		return nil, nil
	}
	return &Response{Status: rec.ResponseStatus, Body: rec.ResponseBody}, nil
}

// Record builds a fresh record for callers that persist it together with
// other rows.
func (g *Guard) Record(merchantID int64, key string, status int, body []byte) *domain.IdempotencyRecord {
	now := g.now()
	return &domain.IdempotencyRecord{
		MerchantID:     merchantID,
		Key:            key,
		ResponseHash:   Hash(body),
		ResponseBody:   body,
		ResponseStatus: status,
		CreatedAt:      now,
		ExpiresAt:      now.Add(g.ttl),
	}
}

// Store persists a response on its own, replacing any previous record for the key.
// Transaction creation does not use it: Record plus the store's atomic create
// writes the record in the same transaction as the row it describes.
func (g *Guard) Store(ctx context.Context, merchantID int64, key string, status int, body []byte) error {
	return g.store.PutIdempotencyRecord(ctx, g.Record(merchantID, key, status, body))
}

// Cleanup purges expired records and returns how many were removed.
func (g *Guard) Cleanup(ctx context.Context) (int64, error) {
	n, err := g.store.DeleteExpiredIdempotencyRecords(ctx, g.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		g.logger.Info("purged expired idempotency records", "count", n)
	}
	return n, nil
}
