package processor

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/paygate/internal/domain"
	"github.com/shopspring/decimal"
)

func charge() Charge {
	return Charge{TransactionID: uuid.New(), Amount: decimal.RequireFromString("10.00"), Currency: "USD", Method: domain.MethodCard}
}

func TestSimulatedAlwaysApproves(t *testing.T) {
	p := NewSimulated(Config{SuccessRate: 1}).WithSeed(1)
	for range 20 {
		res, err := p.Charge(context.Background(), charge())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !res.Approved || !strings.HasPrefix(res.ProcessorRef, "PROC_") {
			t.Fatalf("unexpected result %+v", res)
		}
	}
}

func TestSimulatedDeclinesWithReason(t *testing.T) {
	p := NewSimulated(Config{SuccessRate: 0}).WithSeed(2)
	res, err := p.Charge(context.Background(), charge())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Approved || !slices.Contains(declineReasons, res.Reason) {
		t.Fatalf("expected a known decline, got %+v", res)
	}
}

func TestSimulatedTransientError(t *testing.T) {
	p := NewSimulated(Config{SuccessRate: 1, ErrorRate: 1}).WithSeed(3)
	_, err := p.Charge(context.Background(), charge())
	if !errors.Is(err, ErrUnavailable) || !errors.Is(err, domain.ErrProcessor) {
		t.Fatalf("expected ErrUnavailable wrapping ErrProcessor, got %v", err)
	}
}

func TestSimulatedRefundApproves(t *testing.T) {
	p := NewSimulated(Config{}).WithSeed(4)
	res, err := p.Refund(context.Background(), Refund{RefundID: uuid.New(), Amount: decimal.NewFromInt(1)})
	if err != nil || !res.Approved {
		t.Fatalf("expected approval, got %+v %v", res, err)
	}
}

func TestChargeRespectsCancellation(t *testing.T) {
	p := NewSimulated(Config{SuccessRate: 1, MinLatency: time.Hour, MaxLatency: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Charge(ctx, charge()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
