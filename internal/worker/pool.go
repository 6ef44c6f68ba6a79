// Package worker runs payment dispatch, refund settlement and webhook
// delivery off the request path on a fixed set of goroutines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"
)

var (
	ErrQueueFull = errors.New("worker queue full")
	ErrClosed    = errors.New("worker pool closed")
)

var (
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "worker_queue_depth",
		Help: "Tasks waiting for a free worker",
	})
	tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_tasks_total",
		Help: "Tasks executed by outcome",
	}, []string{"task", "outcome"})
)

// Task is a unit of background work. The context is cancelled only when a
// shutdown deadline passes.
type Task func(ctx context.Context)

type job struct {
	name string
	fn   Task
}

type Pool struct {
	tasks  chan job
	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

func NewPool(workers, queueSize int, logger *slog.Logger) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		tasks:  make(chan job, queueSize),
		group:  new(errgroup.Group),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
	for range max(workers, 1) {
		p.group.Go(func() error {
			for j := range p.tasks {
				queueDepth.Dec()
				p.run(j)
			}
			return nil
		})
	}
	return p
}

// Submit enqueues fn without blocking.
func (p *Pool) Submit(name string, fn Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	// Count before the send so a worker's Dec never runs first.
	queueDepth.Inc()
	select {
	case p.tasks <- job{name: name, fn: fn}:
		return nil
	default:
		queueDepth.Dec()
		tasksTotal.WithLabelValues(name, "rejected").Inc()
		return fmt.Errorf("%w: %s", ErrQueueFull, name)
	}
}

func (p *Pool) run(j job) {
	defer func() {
		if r := recover(); r != nil {
			tasksTotal.WithLabelValues(j.name, "panic").Inc()
			p.logger.Error("worker task panicked", "task", j.name, "panic", r)
		}
	}()
	j.fn(p.ctx)
	tasksTotal.WithLabelValues(j.name, "done").Inc()
}

// Shutdown stops accepting work and waits for queued tasks to drain. If ctx
// ends first, running tasks see their context cancelled.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- p.group.Wait() }()

	select {
	case err := <-done:
		p.cancel()
		return err
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}
