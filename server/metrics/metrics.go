// Package metrics exposes gateway counters on the admin server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the gateway's prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	Polls           prometheus.Counter
	InboundMessages prometheus.Counter
	Dispatches      prometheus.Counter
	ContainerRuns   *prometheus.CounterVec
	PipeHits        prometheus.Counter
	PipeMisses      prometheus.Counter
	TaskRuns        *prometheus.CounterVec
	ReactionSends   prometheus.Counter
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Polls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "microclaw_polls_total",
			Help: "Message store poll ticks.",
		}),
		InboundMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "microclaw_inbound_messages_total",
			Help: "Messages received from channels.",
		}),
		Dispatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "microclaw_dispatches_total",
			Help: "Message batches handed to the agent.",
		}),
		ContainerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "microclaw_container_runs_total",
			Help: "Agent runs by terminal status.",
		}, []string{"status"}),
		PipeHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "microclaw_pipe_hits_total",
			Help: "Messages delivered to a live container over stdin.",
		}),
		PipeMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "microclaw_pipe_misses_total",
			Help: "Pipe attempts that fell back to a queued run.",
		}),
		TaskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "microclaw_task_runs_total",
			Help: "Scheduled task executions by outcome.",
		}, []string{"status"}),
		ReactionSends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "microclaw_reaction_sends_total",
			Help: "Status reactions sent to channels.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Polls, m.InboundMessages, m.Dispatches, m.ContainerRuns,
		m.PipeHits, m.PipeMisses, m.TaskRuns, m.ReactionSends,
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
