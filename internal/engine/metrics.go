package engine

import "github.com/prometheus/client_golang/prometheus"

type engineMetrics struct {
	requestsCreated  prometheus.Counter
	votesCast        prometheus.Counter
	requestsResolved *prometheus.CounterVec
	requestsExecuted prometheus.Counter
	transferFailures prometheus.Counter
}

func newEngineMetrics(promRegistry prometheus.Registerer) *engineMetrics {
	m := &engineMetrics{
		requestsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pool_requests_created_total",
			Help: "Withdrawal requests accepted into the voting state",
		}),
		votesCast: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pool_votes_cast_total",
			Help: "Votes accepted across all requests",
		}),
		requestsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_requests_resolved_total",
			Help: "Requests resolved at deadline by outcome",
		}, []string{"outcome"}),
		requestsExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pool_requests_executed_total",
			Help: "Approved requests executed",
		}),
		transferFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pool_transfer_failures_total",
			Help: "Executions rolled back because the fund transfer failed",
		}),
	}
	if promRegistry != nil {
		promRegistry.MustRegister(
			m.requestsCreated,
			m.votesCast,
			m.requestsResolved,
			m.requestsExecuted,
			m.transferFailures,
		)
	}
	return m
}
