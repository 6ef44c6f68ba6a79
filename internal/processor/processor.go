// Package processor models the external payment processor.
package processor

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/paygate/internal/domain"
	"github.com/punchamoorthee/paygate/internal/retry"
	"github.com/shopspring/decimal"
)

// ErrUnavailable is a transient processor-side failure; callers retry it.
var ErrUnavailable = fmt.Errorf("%w: processor unavailable", domain.ErrProcessor)

type Charge struct {
	TransactionID uuid.UUID
	Amount        decimal.Decimal
	Currency      string
	Method        domain.PaymentMethod
}

type Refund struct {
	RefundID      uuid.UUID
	TransactionID uuid.UUID
	Amount        decimal.Decimal
}

// Result is a definitive answer. A decline is a Result, not an error.
type Result struct {
	Approved     bool
	Reason       string
	ProcessorRef string
}

type Processor interface {
	Charge(ctx context.Context, c Charge) (Result, error)
	Refund(ctx context.Context, r Refund) (Result, error)
}

var declineReasons = []string{
	"Insufficient funds",
	"Card declined by issuer",
	"Invalid card number",
	"Expired card",
	"Transaction limit exceeded",
}

type Config struct {
	SuccessRate   float64
	ErrorRate     float64
	MinLatency    time.Duration
	MaxLatency    time.Duration
	RefundLatency time.Duration
}

// Simulated approves with probability SuccessRate after a random latency.
// With probability ErrorRate it fails with ErrUnavailable instead of
// answering.
type Simulated struct {
	cfg   Config
	sleep func(context.Context, time.Duration) error

	mu  sync.Mutex
	rng *rand.Rand
}

func NewSimulated(cfg Config) *Simulated {
	return &Simulated{
		cfg:   cfg,
		sleep: retry.Sleep,
		rng:   rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed)),
	}
}

// WithSeed makes outcomes reproducible and removes latency.
func (s *Simulated) WithSeed(seed uint64) *Simulated {
	s.rng = rand.New(rand.NewPCG(seed, seed))
	s.sleep = func(context.Context, time.Duration) error { return nil }
	return s
}

func (s *Simulated) roll() (float64, float64, time.Duration, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	latency := s.cfg.MinLatency
	if span := s.cfg.MaxLatency - s.cfg.MinLatency; span > 0 {
		latency += time.Duration(s.rng.Int64N(int64(span)))
	}
	return s.rng.Float64(), s.rng.Float64(), latency, s.rng.IntN(10000)
}

func (s *Simulated) Charge(ctx context.Context, c Charge) (Result, error) {
	failRoll, approveRoll, latency, suffix := s.roll()
	if err := s.sleep(ctx, latency); err != nil {
		return Result{}, err
	}
	if failRoll < s.cfg.ErrorRate {
		return Result{}, fmt.Errorf("%w: gateway timeout for %s", ErrUnavailable, c.TransactionID)
	}
	ref := fmt.Sprintf("PROC_%d_%04d", time.Now().UnixMilli(), suffix)
	if approveRoll < s.cfg.SuccessRate {
		return Result{Approved: true, ProcessorRef: ref}, nil
	}
	return Result{Reason: declineReasons[suffix%len(declineReasons)], ProcessorRef: ref}, nil
}

func (s *Simulated) Refund(ctx context.Context, r Refund) (Result, error) {
	_, _, _, suffix := s.roll()
	if err := s.sleep(ctx, s.cfg.RefundLatency); err != nil {
		return Result{}, err
	}
	return Result{Approved: true, ProcessorRef: fmt.Sprintf("RFND_%d_%04d", time.Now().UnixMilli(), suffix)}, nil
}
