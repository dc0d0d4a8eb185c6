// Package metrics holds the process-wide Prometheus collectors every
// rxpc subsystem reports through: AFC operations issued, DTX messages
// sent/received, pair-verify outcomes, and the two tunnel sequence
// counters, exposed over cmd/rxpc's /metrics mux.
//
// Collectors are package-level vars rather than handles plumbed through
// every constructor: a counter can't be per-session without losing the
// ability to sum across every session a process runs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// AfcOpsTotal counts AFC operations issued, by opcode name.
var AfcOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "rxpc_afc_ops_total",
	Help: "AFC operations issued, by opcode.",
}, []string{"opcode"})

// DtxMessagesTotal counts DTX wire messages, by direction ("sent" or
// "recv").
var DtxMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "rxpc_dtx_messages_total",
	Help: "DTX messages sent or received, by direction.",
}, []string{"direction"})

// PairVerifyAttemptsTotal counts pair-verify attempts, by outcome
// ("ok" or "failed").
var PairVerifyAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "rxpc_pairverify_attempts_total",
	Help: "Pair-verify attempts, by outcome.",
}, []string{"outcome"})

// TunnelSequence tracks the current value of each direction's tunnel
// control-channel sequence counter, by direction ("local" or
// "remote").
var TunnelSequence = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "rxpc_tunnel_sequence",
	Help: "Current tunnel control-channel sequence counter, by direction.",
}, []string{"direction"})
