// Package metrics provides the Prometheus collectors for semflow.
//
// Labels stay bounded: no plan, task or correlation ids.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PlansTotal counts plan lifecycle events by outcome
	// (created, completed, failed, paused, resumed).
	PlansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "semflow_plans_total",
		Help: "Plan lifecycle events, by outcome.",
	}, []string{"outcome"})

	// TransitionsTotal counts state entries by target state.
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "semflow_transitions_total",
		Help: "State transitions taken, by target state.",
	}, []string{"state"})

	// RoutingTotal counts routing outcomes (plan, task, handler, miss).
	RoutingTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "semflow_routing_total",
		Help: "Inbound envelope routing results.",
	}, []string{"result"})

	// SubTasksTotal counts sub-task events
	// (dispatched, completed, duplicate, redispatched, expired).
	SubTasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "semflow_subtasks_total",
		Help: "Sub-task lifecycle events, by event.",
	}, []string{"event"})

	// DecisionsTotal counts decision source answers by kind and validity.
	DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "semflow_decisions_total",
		Help: "Decisions returned by the decision source.",
	}, []string{"kind", "valid"})

	// DispatchTotal counts outbound envelopes by topic and result.
	DispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "semflow_dispatch_total",
		Help: "Outbound envelopes, by topic and result.",
	}, []string{"topic", "result"})

	// ConsumedTotal counts inbound messages by disposition (ack, nak, term).
	ConsumedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "semflow_consumed_total",
		Help: "Inbound messages, by disposition.",
	}, []string{"disposition"})

	// StoreOpsTotal counts persistence operations (result=success/not_found/error).
	StoreOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "semflow_store_ops_total",
		Help: "Persistence operations, by backend, op and result.",
	}, []string{"backend", "op", "result"})

	// StoreOpSeconds observes persistence latency.
	StoreOpSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "semflow_store_op_seconds",
		Help:    "Persistence operation latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend", "op"})
)
