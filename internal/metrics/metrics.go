// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package metrics carries the ambient Prometheus instrumentation surface:
// flows processed, rules matched, connected observers, and queue depth.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Recorder is the instrumentation surface the rest of the module writes to.
// It wraps a *prometheus.Registry so cmd/interceptord can expose it on the
// management API's /metrics endpoint the same way the teacher exposes its
// own Prometheus reader.
type Recorder struct {
	Registry *prometheus.Registry

	FlowsProcessed *prometheus.CounterVec
	RulesMatched   *prometheus.CounterVec
	ObserverCount  prometheus.Gauge
	FlowQueueDepth prometheus.Gauge
	SyncQueueDepth prometheus.Gauge
}

// New registers and returns a Recorder. Each metric is namespaced under
// "httpflow" to avoid collisions with any other exporter sharing the
// registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()

	r := &Recorder{
		Registry: reg,
		FlowsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "httpflow",
			Name:      "flows_processed_total",
			Help:      "Number of HTTP flows observed by the interceptor engine, by phase.",
		}, []string{"phase"}),
		RulesMatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "httpflow",
			Name:      "rules_matched_total",
			Help:      "Number of times a rule matched a flow, by action.",
		}, []string{"action"}),
		ObserverCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "httpflow",
			Name:      "observers_connected",
			Help:      "Current number of connected observer connections.",
		}),
		FlowQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "httpflow",
			Name:      "flow_queue_depth",
			Help:      "Current number of buffered envelopes in the worker->parent flow queue.",
		}),
		SyncQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "httpflow",
			Name:      "sync_queue_depth",
			Help:      "Current number of buffered envelopes in the parent->worker sync queue.",
		}),
	}

	reg.MustRegister(r.FlowsProcessed, r.RulesMatched, r.ObserverCount, r.FlowQueueDepth, r.SyncQueueDepth)
	return r
}

// RecordFlow increments the flows-processed counter for the given phase
// ("request" or "response"). Safe to call on a nil *Recorder (no-op), so
// callers that run without instrumentation wired up don't need a nil check.
func (r *Recorder) RecordFlow(phase string) {
	if r == nil {
		return
	}
	r.FlowsProcessed.WithLabelValues(phase).Inc()
}

// RecordRuleMatch increments the rules-matched counter for the given action.
// Safe to call on a nil *Recorder.
func (r *Recorder) RecordRuleMatch(action string) {
	if r == nil {
		return
	}
	r.RulesMatched.WithLabelValues(action).Inc()
}

// SetObserverCount sets the connected-observer gauge. Safe to call on a nil
// *Recorder.
func (r *Recorder) SetObserverCount(n int) {
	if r == nil {
		return
	}
	r.ObserverCount.Set(float64(n))
}

// SetFlowQueueDepth sets the worker->parent flow queue depth gauge. Safe to
// call on a nil *Recorder.
func (r *Recorder) SetFlowQueueDepth(n int) {
	if r == nil {
		return
	}
	r.FlowQueueDepth.Set(float64(n))
}

// SetSyncQueueDepth sets the parent->worker sync queue depth gauge. Safe to
// call on a nil *Recorder.
func (r *Recorder) SetSyncQueueDepth(n int) {
	if r == nil {
		return
	}
	r.SyncQueueDepth.Set(float64(n))
}
