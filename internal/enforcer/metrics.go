package enforcer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var revokesApplied = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "portal_enforcer_revokes_total",
	Help: "Revocations handled by the enforcer, by outcome",
}, []string{"outcome"})

var signalsDropped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "portal_enforcer_signals_dropped_total",
	Help: "Revoke signals not queued because the channel was full",
})
