// Copyright 2024 The Flowdev Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the Prometheus collectors the core registers for
// offload visibility, in the shape grimm-is-flywall's internal/metrics
// package uses: a small struct of named collectors constructed once
// and handed out via functional option (WithMetrics).
type Metrics struct {
	RulesInstalled  prometheus.Counter
	RulesDestroyed  prometheus.Counter
	FallbacksMarkRSS prometheus.Counter
	FanoutPartial   prometheus.Counter
	FlowsLive       prometheus.Gauge
}

// NewMetrics constructs and registers a Metrics against reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the
// default global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RulesInstalled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hwoffload",
			Name:      "rules_installed_total",
			Help:      "Hardware rules successfully installed via the driver.",
		}),
		RulesDestroyed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hwoffload",
			Name:      "rules_destroyed_total",
			Help:      "Hardware rules destroyed via the driver.",
		}),
		FallbacksMarkRSS: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hwoffload",
			Name:      "fallback_mark_rss_total",
			Help:      "Flows that fell back to mark-and-RSS partial offload.",
		}),
		FanoutPartial: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hwoffload",
			Name:      "fanout_partial_failures_total",
			Help:      "Tunnel fan-out installs where at least one uplink rule failed.",
		}),
		FlowsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hwoffload",
			Name:      "flows_live",
			Help:      "Logical flows currently holding at least one installed hardware rule.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.RulesInstalled, m.RulesDestroyed, m.FallbacksMarkRSS, m.FanoutPartial, m.FlowsLive)
	}
	return m
}

// noopMetrics is used when the caller does not supply a Metrics via
// WithMetrics, so call sites never need a nil check.
func noopMetrics() *Metrics {
	return NewMetrics(nil)
}
