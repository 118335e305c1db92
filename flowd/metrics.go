// Copyright 2024 OpenEPC
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

package flowd

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/openepc/flowd/pkg/private/prom"
)

// These are the metrics exposed by the flow orchestration service.
var (
	StatsRuleFailuresTotalMeta = MetricMeta{
		Name:   "flowd_stats_rule_install_failures_total",
		Help:   "Total number of rules the stats controller failed to install.",
		Labels: []string{prom.LabelSubscriber, prom.LabelRule},
	}
	FlowRuleFailuresTotalMeta = MetricMeta{
		Name:   "flowd_flow_rule_install_failures_total",
		Help:   "Total number of rules the enforcement or billing controller failed to install.",
		Labels: []string{prom.LabelSubscriber, prom.LabelRule},
	}
	SetupRequestsTotalMeta = MetricMeta{
		Name:   "flowd_setup_requests_total",
		Help:   "Total number of policy setup requests, by outcome.",
		Labels: []string{prom.LabelResult},
	}
	ActivationsTotalMeta = MetricMeta{
		Name:   "flowd_activations_total",
		Help:   "Total number of activation requests, by origin and outcome.",
		Labels: []string{"origin", prom.LabelResult},
	}
	DeactivationsTotalMeta = MetricMeta{
		Name:   "flowd_deactivations_total",
		Help:   "Total number of deactivation requests, by origin and outcome.",
		Labels: []string{"origin", prom.LabelResult},
	}
	CapabilitiesMeta = MetricMeta{
		Name:   "flowd_capabilities",
		Help:   "Enabled controller capabilities of this deployment.",
		Labels: []string{"capability"},
	}
)

type MetricMeta struct {
	Name   string
	Help   string
	Labels []string
}

func (mm *MetricMeta) NewCounterVec() *prometheus.CounterVec {
	return promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: mm.Name,
			Help: mm.Help,
		},
		mm.Labels,
	)
}

func (mm *MetricMeta) NewGaugeVec() *prometheus.GaugeVec {
	return promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: mm.Name,
			Help: mm.Help,
		},
		mm.Labels,
	)
}

// Metrics defines the metrics exported by the service.
type Metrics struct {
	StatsRuleFailuresTotal *prometheus.CounterVec
	FlowRuleFailuresTotal  *prometheus.CounterVec
	SetupRequestsTotal     *prometheus.CounterVec
	ActivationsTotal       *prometheus.CounterVec
	DeactivationsTotal     *prometheus.CounterVec
	Capabilities           *prometheus.GaugeVec
}

// NewMetrics initializes the metrics of the service and registers them with
// the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		StatsRuleFailuresTotal: StatsRuleFailuresTotalMeta.NewCounterVec(),
		FlowRuleFailuresTotal:  FlowRuleFailuresTotalMeta.NewCounterVec(),
		SetupRequestsTotal:     SetupRequestsTotalMeta.NewCounterVec(),
		ActivationsTotal:       ActivationsTotalMeta.NewCounterVec(),
		DeactivationsTotal:     DeactivationsTotalMeta.NewCounterVec(),
		Capabilities:           CapabilitiesMeta.NewGaugeVec(),
	}
}
