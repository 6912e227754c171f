// SPDX-License-Identifier: MIT

// Package metrics defines the Prometheus instrumentation for the
// orchestrator: session lifecycle, reconnects, pairing, broker transport
// and RPC correlation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "courier_sessions_active",
		Help: "Number of non-terminated device sessions currently held",
	})

	SessionTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_session_transitions_total",
		Help: "Total session state transitions by resulting state",
	}, []string{"state"})

	SessionStateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "courier_sessions_by_state",
		Help: "Number of sessions currently in each state",
	}, []string{"state"})

	ReconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_reconnects_total",
		Help: "Total reconnect decisions by outcome (retry, give_up)",
	}, []string{"outcome"})

	PairingIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_pairing_issued_total",
		Help: "Total pairing artifacts issued",
	})

	PairingExpiredReadsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_pairing_expired_reads_total",
		Help: "Total pairing reads that found an expired artifact",
	})

	BrokerConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "courier_broker_connected",
		Help: "Whether the broker connection is currently established (0/1)",
	})

	BrokerPublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_broker_publish_total",
		Help: "Total messages published by queue",
	}, []string{"queue"})

	BrokerConsumeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_broker_consume_total",
		Help: "Total messages consumed by queue and result (ack, poison)",
	}, []string{"queue", "result"})

	RPCInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "courier_rpc_inflight",
		Help: "Number of RPC calls awaiting a reply",
	})

	RPCTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_rpc_timeouts_total",
		Help: "Total RPC calls that resolved by timeout",
	})

	RPCDuplicateRepliesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "courier_rpc_duplicate_replies_total",
		Help: "Total RPC replies discarded because their correlation id was already resolved",
	})

	RPCHandledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_rpc_handled_total",
		Help: "Total RPC requests handled server-side by envelope type and result",
	}, []string{"type", "result"})
)

// RecordTransition records a session state transition into the given state.
func RecordTransition(state string) {
	SessionTransitionsTotal.WithLabelValues(state).Inc()
}

// SetBrokerConnected flips the broker connectivity gauge.
func SetBrokerConnected(connected bool) {
	if connected {
		BrokerConnected.Set(1)
		return
	}
	BrokerConnected.Set(0)
}

// RecordConsume records a consumed message outcome for a queue.
func RecordConsume(queue, result string) {
	BrokerConsumeTotal.WithLabelValues(queue, result).Inc()
}
