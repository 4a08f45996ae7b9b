// Copyright 2024 The DebugProxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics registers the Prometheus collectors exposed on the
// admin surface's /_proxy/metrics route.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry groups the collectors this proxy exposes. A Registry is
// safe for concurrent use, same as the prometheus collectors it wraps.
type Registry struct {
	Registerer prometheus.Registerer

	TransactionsTotal  *prometheus.CounterVec
	ForwardDuration    prometheus.Histogram
	SupervisorRestarts prometheus.Counter
	HistorySize        prometheus.GaugeFunc
}

// New registers and returns a Registry. historySize is polled lazily
// by the gauge, so it must remain valid for the registry's lifetime.
func New(reg prometheus.Registerer, historySize func() float64) *Registry {
	m := &Registry{
		Registerer: reg,
		TransactionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "debugproxy",
			Name:      "transactions_total",
			Help:      "Total proxied transactions, partitioned by outcome.",
		}, []string{"outcome"}),
		ForwardDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "debugproxy",
			Name:      "forward_duration_seconds",
			Help:      "Time from reading a request's start line to completing its response.",
			Buckets:   prometheus.DefBuckets,
		}),
		SupervisorRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "debugproxy",
			Name:      "supervisor_restarts_total",
			Help:      "Total managed-process restart attempts.",
		}),
	}
	m.HistorySize = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "debugproxy",
		Name:      "history_size",
		Help:      "Current number of entries held in the transaction store.",
	}, historySize)

	reg.MustRegister(m.TransactionsTotal, m.ForwardDuration, m.SupervisorRestarts, m.HistorySize)
	return m
}

// ObserveOutcome increments the transaction counter for outcome, which
// is "ok" for a completed response or an ErrorKind string otherwise.
func (m *Registry) ObserveOutcome(outcome string) {
	m.TransactionsTotal.WithLabelValues(outcome).Inc()
}
