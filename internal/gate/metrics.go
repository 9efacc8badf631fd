package gate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var decisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "patterngate_gate_decisions_total",
	Help: "Gate operations by outcome.",
}, []string{"operation", "outcome"})

// Outcomes recorded on patterngate_gate_decisions_total.
const (
	outcomeOK       = "ok"
	outcomePassed   = "passed"
	outcomeFailed   = "failed"
	outcomeReplayed = "replayed"
	outcomeDenied   = "denied"
	outcomeRejected = "rejected"
	outcomeError    = "error"
)
