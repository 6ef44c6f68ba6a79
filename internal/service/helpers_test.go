package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/punchamoorthee/paygate/internal/domain"
	"github.com/punchamoorthee/paygate/internal/idempotency"
	"github.com/punchamoorthee/paygate/internal/models"
	"github.com/punchamoorthee/paygate/internal/processor"
	"github.com/punchamoorthee/paygate/internal/retry"
	"github.com/punchamoorthee/paygate/internal/store"
	"github.com/punchamoorthee/paygate/internal/worker"
	"github.com/shopspring/decimal"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type inlineScheduler struct{}

func (inlineScheduler) Submit(_ string, fn worker.Task) error {
	fn(context.Background())
	return nil
}

type outcome struct {
	result processor.Result
	err    error
	panic  bool
}

// scriptedProcessor replays charge outcomes in order, repeating the last one.
type scriptedProcessor struct {
	mu      sync.Mutex
	charges []outcome
	refund  outcome
	calls   int
}

func approve() outcome { return outcome{result: processor.Result{Approved: true, ProcessorRef: "PROC_1"}} }

func (p *scriptedProcessor) Charge(context.Context, processor.Charge) (processor.Result, error) {
	p.mu.Lock()
	o := p.charges[min(p.calls, len(p.charges)-1)]
	p.calls++
	p.mu.Unlock()
	if o.panic {
		panic("processor exploded")
	}
	return o.result, o.err
}

func (p *scriptedProcessor) Refund(context.Context, processor.Refund) (processor.Result, error) {
	if p.refund.err == nil && !p.refund.result.Approved && p.refund.result.Reason == "" {
		return processor.Result{Approved: true, ProcessorRef: "RFND_1"}, nil
	}
	return p.refund.result, p.refund.err
}

func (p *scriptedProcessor) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type sentEvent struct {
	merchantID int64
	eventType  domain.WebhookEventType
	payload    any
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []sentEvent
}

func (n *recordingNotifier) EnqueueAndSend(_ context.Context, merchantID int64, _ *int64, eventType domain.WebhookEventType, payload any) (*domain.WebhookEvent, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, sentEvent{merchantID, eventType, payload})
	return &domain.WebhookEvent{EventType: eventType}, nil
}

func (n *recordingNotifier) ofType(t domain.WebhookEventType) []sentEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []sentEvent
	for _, e := range n.events {
		if e.eventType == t {
			out = append(out, e)
		}
	}
	return out
}

type countingDispatcher struct {
	mu  sync.Mutex
	ids []int64
}

func (d *countingDispatcher) Dispatch(id int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, id)
	return nil
}

type env struct {
	now      time.Time
	store    *store.Memory
	merchant *domain.Merchant
	proc     *scriptedProcessor
	notes    *recordingNotifier
	guard    *idempotency.Guard
	machine  *StateMachine
	orch     *Orchestrator
	txs      *TransactionService
	refunds  *RefundService
	sleeps   []time.Duration
}

func (e *env) clock() time.Time { return e.now }

func newEnv(t *testing.T, charges ...outcome) *env {
	t.Helper()
	if len(charges) == 0 {
		charges = []outcome{approve()}
	}
	e := &env{
		now:   time.Date(2026, 4, 10, 15, 0, 0, 0, time.UTC),
		store: store.NewMemory(),
		proc:  &scriptedProcessor{charges: charges},
		notes: &recordingNotifier{},
	}
	e.merchant = &domain.Merchant{Code: "MERCH_1", BusinessName: "Acme", Status: domain.MerchantActive}
	if err := e.store.CreateMerchant(context.Background(), e.merchant); err != nil {
		t.Fatalf("seed merchant: %v", err)
	}

	e.guard = idempotency.NewGuard(e.store, idempotency.DefaultTTL, discard, idempotency.WithClock(e.clock))
	e.machine = NewStateMachine(e.store, discard)
	e.machine.now = e.clock

	policy := retry.Policy{MaxAttempts: 3, Initial: 2 * time.Second, Multiplier: 2}
	e.orch = NewOrchestrator(e.store, e.machine, e.proc, e.notes, inlineScheduler{}, policy, discard)
	e.orch.sleep = func(_ context.Context, d time.Duration) error {
		e.sleeps = append(e.sleeps, d)
		return nil
	}

	e.txs = NewTransactionService(e.store, e.guard, e.orch, discard)
	e.txs.now = e.clock
	e.refunds = NewRefundService(e.store, e.machine, e.proc, e.notes, inlineScheduler{}, discard)
	e.refunds.now = e.clock
	return e
}

func request(amount string) models.CreateTransactionRequest {
	return models.CreateTransactionRequest{
		Amount:        decimal.RequireFromString(amount),
		Currency:      "USD",
		PaymentMethod: "CARD",
		Description:   "order #1",
	}
}

func (e *env) create(t *testing.T, key, amount string) *domain.Transaction {
	t.Helper()
	res, err := e.txs.Create(context.Background(), e.merchant, key, request(amount))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.Transaction == nil {
		t.Fatal("expected a new transaction, got a replay")
	}
	tx, err := e.store.GetTransaction(context.Background(), res.Transaction.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	return tx
}
