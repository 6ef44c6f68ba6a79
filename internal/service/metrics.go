package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transaction_transitions_total",
		Help: "Applied transaction status transitions",
	}, []string{"from", "to"})

	transitionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transaction_transition_rejections_total",
		Help: "Transitions refused by the lifecycle table or a stale version",
	}, []string{"reason"})

	dispatchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_dispatch_attempts_total",
		Help: "Calls to the payment processor by outcome",
	}, []string{"outcome"})

	refundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "refunds_settled_total",
		Help: "Refunds reaching a terminal status",
	}, []string{"status"})

	recoveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recovery_actions_total",
		Help: "Transactions touched by the recovery sweep",
	}, []string{"action"})

	idempotentReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "idempotent_replays_total",
		Help: "Creation requests answered from the idempotency cache",
	})
)
