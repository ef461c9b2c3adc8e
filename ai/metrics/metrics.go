// Package metrics exposes Prometheus instrumentation for the conversation
// engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TurnsStarted counts user turns picked up by session workers.
	TurnsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mulinone",
		Name:      "turns_started_total",
		Help:      "User turns picked up by session workers.",
	})

	// RoundsRun counts scheduler rounds executed inside turns.
	RoundsRun = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mulinone",
		Name:      "rounds_run_total",
		Help:      "Conversation rounds executed.",
	})

	// EventsPublished counts events fanned out to subscribers, by type.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mulinone",
		Name:      "events_published_total",
		Help:      "Stream events fanned out to subscribers.",
	}, []string{"event"})

	// UpstreamErrors counts classified LLM failures.
	UpstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mulinone",
		Name:      "upstream_errors_total",
		Help:      "Upstream LLM failures by class.",
	}, []string{"class"})

	// MessagesEnqueued counts accepted user messages.
	MessagesEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mulinone",
		Name:      "messages_enqueued_total",
		Help:      "User messages accepted into session queues.",
	})
)
