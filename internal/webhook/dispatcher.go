// Package webhook delivers signed, retried notifications to merchant
// endpoints. Delivery is at-least-once; receivers deduplicate on
// X-Webhook-Event-Id.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/paygate/internal/domain"
	"github.com/punchamoorthee/paygate/internal/retry"
	"github.com/punchamoorthee/paygate/internal/store"
	"github.com/punchamoorthee/paygate/internal/worker"
)

const noEndpoint = "no endpoint configured"

var deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "webhook_deliveries_total",
	Help: "Webhook delivery attempts by event type and outcome",
}, []string{"event_type", "outcome"})

type Config struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	Multiplier    float64
	DefaultSecret string
	ClaimTTL      time.Duration
	SweepInterval time.Duration
	BatchSize     int
}

// Scheduler runs delivery off the caller's goroutine.
type Scheduler interface {
	Submit(name string, fn worker.Task) error
}

type Dispatcher struct {
	store     store.Store
	sender    Sender
	scheduler Scheduler
	cfg       Config
	backoff   retry.Policy
	now       func() time.Time
	logger    *slog.Logger
}

func NewDispatcher(s store.Store, sender Sender, scheduler Scheduler, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Dispatcher{
		store:     s,
		sender:    sender,
		scheduler: scheduler,
		cfg:       cfg,
		backoff:   retry.Policy{MaxAttempts: cfg.MaxAttempts, Initial: cfg.InitialDelay, Multiplier: cfg.Multiplier},
		now:       time.Now,
		logger:    logger,
	}
}

// WithClock replaces time.Now, mainly for tests.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// EnqueueAndSend persists a PENDING event and schedules an immediate delivery
// attempt. If the attempt cannot be scheduled the sweep picks the event up.
func (d *Dispatcher) EnqueueAndSend(ctx context.Context, merchantID int64, transactionID *int64, eventType domain.WebhookEventType, payload any) (*domain.WebhookEvent, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode webhook payload: %w", err)
	}
	now := d.now()
	next := now.Add(d.cfg.InitialDelay)
	e := &domain.WebhookEvent{
		MerchantID:    merchantID,
		TransactionID: transactionID,
		EventType:     eventType,
		Payload:       body,
		Status:        domain.WebhookPending,
		MaxAttempts:   d.cfg.MaxAttempts,
		NextRetryAt:   &next,
		CreatedAt:     now,
	}
	if err := d.store.CreateWebhookEvent(ctx, e); err != nil {
		return nil, err
	}

	id := e.ID
	err = d.scheduler.Submit("webhook.deliver", func(ctx context.Context) {
		if err := d.Deliver(ctx, id); err != nil {
			d.logger.Error("webhook delivery failed", "event_id", id, "error", err)
		}
	})
	if err != nil {
		d.logger.Warn("webhook delivery deferred to sweep", "event_id", id, "error", err)
	}
	return e, nil
}

// Deliver makes one attempt for the event. An event held by another delivery
// or already terminal is skipped without error.
func (d *Dispatcher) Deliver(ctx context.Context, id int64) error {
	return d.deliver(ctx, id, false)
}

// deliver with dueOnly set also skips an event whose next retry moved into
// the future after it was listed.
func (d *Dispatcher) deliver(ctx context.Context, id int64, dueOnly bool) error {
	now := d.now()
	e, err := d.store.ClaimWebhookEvent(ctx, id, now, now.Add(d.cfg.ClaimTTL), dueOnly)
	if errors.Is(err, store.ErrNotClaimable) {
		d.logger.Debug("webhook event not claimable", "event_id", id)
		return nil
	}
	if err != nil {
		return err
	}
	log := d.logger.With("event_id", e.ID, "merchant_id", e.MerchantID, "event_type", e.EventType)

	merchant, err := d.store.GetMerchant(ctx, e.MerchantID)
	if err != nil {
		return err
	}
	if merchant.WebhookURL == "" {
		e.Status = domain.WebhookFailed
		e.LastError = noEndpoint
		e.NextRetryAt = nil
		deliveriesTotal.WithLabelValues(string(e.EventType), "no_endpoint").Inc()
		log.Warn("webhook dropped", "reason", noEndpoint)
		return d.store.SaveWebhookAttempt(ctx, e)
	}

	secret := merchant.WebhookSecret
	if secret == "" {
		secret = d.cfg.DefaultSecret
	}
	sendErr := d.sender.Send(ctx, Delivery{
		URL:       merchant.WebhookURL,
		EventID:   e.ID,
		EventType: string(e.EventType),
		Signature: Sign(secret, e.Payload),
		Body:      e.Payload,
	})

	at := d.now()
	e.AttemptCount++
	switch {
	case sendErr == nil:
		e.Status = domain.WebhookSent
		e.SentAt = &at
		e.NextRetryAt = nil
		e.LastError = ""
		deliveriesTotal.WithLabelValues(string(e.EventType), "sent").Inc()
		log.Info("webhook sent", "attempt", e.AttemptCount)
	case e.AttemptCount >= e.MaxAttempts:
		e.Status = domain.WebhookFailed
		e.NextRetryAt = nil
		e.LastError = sendErr.Error()
		deliveriesTotal.WithLabelValues(string(e.EventType), "failed").Inc()
		log.Error("webhook attempts exhausted", "attempt", e.AttemptCount, "error", sendErr)
	default:
		next := at.Add(d.backoff.Delay(e.AttemptCount))
		e.NextRetryAt = &next
		e.LastError = sendErr.Error()
		deliveriesTotal.WithLabelValues(string(e.EventType), "retry").Inc()
		log.Warn("webhook attempt failed", "attempt", e.AttemptCount, "next_retry_at", next, "error", sendErr)
	}
	return d.store.SaveWebhookAttempt(ctx, e)
}

// Sweep re-attempts every due event, oldest first, one at a time. It returns
// the number of events attempted.
func (d *Dispatcher) Sweep(ctx context.Context) (int, error) {
	due, err := d.store.ListDueWebhookEvents(ctx, d.now(), d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list due webhooks: %w", err)
	}
	for i, e := range due {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if err := d.deliver(ctx, e.ID, true); err != nil {
			d.logger.Error("webhook retry failed", "event_id", e.ID, "error", err)
		}
	}
	return len(due), nil
}

// Run sweeps every SweepInterval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Error("webhook sweep failed", "error", err)
				continue
			}
			if n > 0 {
				d.logger.Info("webhook sweep", "attempted", n)
			}
		}
	}
}
