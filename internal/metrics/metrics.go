// Package metrics exposes a Driver's running ProviderState as Prometheus
// collectors. Grounded on internal/observability/metrics.go's
// promauto-per-field pattern, scoped down to the request-count and
// token-usage fields ProviderState actually tracks (§5), and registered
// against a private prometheus.Registry rather than the global
// DefaultRegisterer so an embedding application can mount it at whatever
// path it likes without colliding with its own metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fennelabs/agentloop/pkg/model"
)

// Registry collects provider-state metrics, labeled by provider name so a
// process driving more than one provider reports them separately.
type Registry struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	inputTokens     *prometheus.CounterVec
	outputTokens    *prometheus.CounterVec
	cachedTokens    *prometheus.CounterVec
	conversationTurns *prometheus.GaugeVec
}

// New builds a Registry with its own private prometheus.Registry.
func New() *Registry {
	reg := prometheus.NewRegistry()
	return &Registry{
		registry: reg,
		requestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentloop_provider_requests_total",
				Help: "Total number of completion requests issued to a provider.",
			},
			[]string{"provider"},
		),
		inputTokens: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentloop_provider_input_tokens_total",
				Help: "Total input tokens consumed by a provider.",
			},
			[]string{"provider"},
		),
		outputTokens: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentloop_provider_output_tokens_total",
				Help: "Total output tokens produced by a provider.",
			},
			[]string{"provider"},
		),
		cachedTokens: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentloop_provider_cached_tokens_total",
				Help: "Total cached input tokens reused by a provider.",
			},
			[]string{"provider"},
		),
		conversationTurns: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agentloop_provider_conversation_turns",
				Help: "Current number of tool-calling turns in the active conversation.",
			},
			[]string{"provider"},
		),
	}
}

// Gatherer exposes the underlying registry for mounting behind
// promhttp.HandlerFor in a caller's own HTTP server.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// Observe updates the registry's series from state for provider, given the
// previously observed state (the zero value on the first call). Counters
// only move forward: if state regresses (a fresh Driver reusing the same
// provider label after a reset) the delta is skipped rather than
// decrementing a Prometheus counter, which must be monotonic.
func (r *Registry) Observe(provider string, state model.ProviderState, prior model.ProviderState) {
	if d := state.RequestCount - prior.RequestCount; d > 0 {
		r.requestsTotal.WithLabelValues(provider).Add(float64(d))
	}
	if d := state.InputTokens - prior.InputTokens; d > 0 {
		r.inputTokens.WithLabelValues(provider).Add(float64(d))
	}
	if d := state.OutputTokens - prior.OutputTokens; d > 0 {
		r.outputTokens.WithLabelValues(provider).Add(float64(d))
	}
	if d := state.CachedTokens - prior.CachedTokens; d > 0 {
		r.cachedTokens.WithLabelValues(provider).Add(float64(d))
	}
	r.conversationTurns.WithLabelValues(provider).Set(float64(state.ConversationTurns))
}
