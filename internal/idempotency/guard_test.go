package idempotency

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/punchamoorthee/paygate/internal/domain"
	"github.com/punchamoorthee/paygate/internal/store"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type failingStore struct {
	store.IdempotencyStore
}

func (failingStore) GetIdempotencyRecord(context.Context, int64, string) (*domain.IdempotencyRecord, error) {
	return nil, errors.New("connection reset")
}

func TestLookup(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	ctx := context.Background()
	body := []byte(`{"transaction_id":"abc","status":"PENDING"}`)

	cases := []struct {
		name   string
		record *domain.IdempotencyRecord
		hit    bool
	}{
		{"miss", nil, false},
		{"live", &domain.IdempotencyRecord{MerchantID: 1, Key: "k", ResponseHash: Hash(body), ResponseBody: body, ResponseStatus: 201, ExpiresAt: now.Add(time.Hour)}, true},
		{"expired", &domain.IdempotencyRecord{MerchantID: 1, Key: "k", ResponseHash: Hash(body), ResponseBody: body, ResponseStatus: 201, ExpiresAt: now}, false},
		{"hash mismatch", &domain.IdempotencyRecord{MerchantID: 1, Key: "k", ResponseHash: "bogus", ResponseBody: body, ResponseStatus: 201, ExpiresAt: now.Add(time.Hour)}, false},
		{"not json", &domain.IdempotencyRecord{MerchantID: 1, Key: "k", ResponseHash: Hash([]byte("{oops")), ResponseBody: []byte("{oops"), ResponseStatus: 201, ExpiresAt: now.Add(time.Hour)}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := store.NewMemory()
			if tc.record != nil {
				if err := s.PutIdempotencyRecord(ctx, tc.record); err != nil {
					t.Fatalf("seed: %v", err)
				}
			}
			g := NewGuard(s, DefaultTTL, discard, WithClock(func() time.Time { return now }))

			resp, err := g.Lookup(ctx, 1, "k")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if (resp != nil) != tc.hit {
				t.Fatalf("hit = %v, want %v", resp != nil, tc.hit)
			}
			if tc.hit && (resp.Status != 201 || string(resp.Body) != string(body)) {
				t.Errorf("unexpected response %d %s", resp.Status, resp.Body)
			}
		})
	}
}

func TestLookupPropagatesStorageFailure(t *testing.T) {
	g := NewGuard(failingStore{}, DefaultTTL, discard)
	if _, err := g.Lookup(context.Background(), 1, "k"); err == nil {
		t.Fatal("expected storage error")
	}
}

func TestStoreThenLookupAndCleanup(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	ctx := context.Background()
	s := store.NewMemory()
	g := NewGuard(s, time.Hour, discard, WithClock(clock))

	if err := g.Store(ctx, 7, "key", 201, []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("store: %v", err)
	}
	resp, err := g.Lookup(ctx, 7, "key")
	if err != nil || resp == nil {
		t.Fatalf("expected hit, got %v %v", resp, err)
	}
	if other, _ := g.Lookup(ctx, 8, "key"); other != nil {
		t.Error("keys must be scoped per merchant")
	}

	now = now.Add(2 * time.Hour)
	if resp, _ := g.Lookup(ctx, 7, "key"); resp != nil {
		t.Error("expected miss after ttl")
	}
	n, err := g.Cleanup(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 purged, got %d (%v)", n, err)
	}
}

func TestRecordExpiry(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	g := NewGuard(store.NewMemory(), 0, discard, WithClock(func() time.Time { return now }))
	rec := g.Record(1, "k", 201, []byte(`{}`))
	if !rec.ExpiresAt.Equal(now.Add(DefaultTTL)) {
		t.Errorf("expected default ttl, got %v", rec.ExpiresAt)
	}
	if rec.ResponseHash != Hash([]byte(`{}`)) {
		t.Error("hash mismatch")
	}
}
