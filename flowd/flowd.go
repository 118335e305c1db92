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

// Package flowd assembles the flow orchestration service: it wires the
// configured flow-rule controllers, the serializing executor and the metrics
// into an engine serving the policy lifecycle API.
package flowd

import (
	"context"
	"sort"

	"github.com/openepc/flowd/api"
	"github.com/openepc/flowd/control"
	"github.com/openepc/flowd/pkg/log"
	"github.com/openepc/flowd/pkg/metrics"
	"github.com/openepc/flowd/pkg/private/serrors"
)

// Service is the flow orchestration service.
type Service struct {
	// ID is the ID of this service instance.
	ID string

	// Capabilities is the set of controllers enabled in this deployment.
	Capabilities control.CapabilitySet
	// Addressless allows activation requests without any address.
	Addressless bool
	// QueueSize bounds the executor's work queue. Zero means default.
	QueueSize int
	// Tables is the deployment's flow-table layout, for introspection.
	Tables []control.TableAssignment

	// Stats is the stats-accounting controller. Required if the stats
	// capability is enabled.
	Stats control.StatsController
	// Enforcement is the enforcement controller. Required if the
	// enforcement capability is enabled.
	Enforcement control.FlowController
	// Billing is the billing/quota controller. Required if the billing
	// capability is enabled.
	Billing control.FlowController
	// MAC is the MAC association controller. Required if the MAC
	// capability is enabled.
	MAC control.MACController
	// DPI is the application classification controller. Required if the
	// DPI capability is enabled.
	DPI control.DPIController
	// IPFIX is the flow sampling controller. Required if the IPFIX
	// capability is enabled.
	IPFIX control.IPFIXController
	// Defaults programs the fixed pipeline plumbing. Optional.
	Defaults control.DefaultsController
	// Learners are scrubbed when a device detaches. Optional.
	Learners []control.LearnController

	// Metrics are the metrics exported by the service. If nil, no metrics
	// are reported.
	Metrics *Metrics

	executor *control.Executor
	engine   *control.Engine
}

// Setup assembles the engine and starts its executor. It must be called
// before Engine or APIServer, and balanced with Close.
func (s *Service) Setup(ctx context.Context) error {
	if err := s.validate(); err != nil {
		return err
	}

	var engineMetrics control.EngineMetrics
	if s.Metrics != nil {
		engineMetrics = control.EngineMetrics{
			StatsRuleFailures: metrics.NewPromCounter(s.Metrics.StatsRuleFailuresTotal),
			FlowRuleFailures:  metrics.NewPromCounter(s.Metrics.FlowRuleFailuresTotal),
		}
	}

	s.executor = &control.Executor{QueueSize: s.QueueSize}
	if err := s.executor.Run(ctx); err != nil {
		return serrors.Wrap("starting executor", err)
	}
	s.engine = &control.Engine{
		Capabilities: s.Capabilities,
		Stats:        s.Stats,
		Enforcement:  s.Enforcement,
		Billing:      s.Billing,
		MAC:          s.MAC,
		DPI:          s.DPI,
		IPFIX:        s.IPFIX,
		Defaults:     s.Defaults,
		Learners:     s.Learners,
		Executor:     s.executor,
		Versions:     control.NewVersionLedger(),
		Tunnels:      control.NewTunnelMapper(),
		Prefixes:     control.NewPrefixMapper(),
		Metrics:      engineMetrics,
		Addressless:  s.Addressless,
		Tables:       s.Tables,
	}

	if s.Metrics != nil {
		capabilities := metrics.NewPromGauge(s.Metrics.Capabilities)
		for c := range s.Capabilities {
			metrics.GaugeSet(
				metrics.GaugeWith(capabilities, "capability", string(c)), 1)
		}
	}

	log.FromCtx(ctx).Info("Service started",
		"id", s.ID, "capabilities", s.capabilityNames(), "addressless", s.Addressless)
	return nil
}

// Engine returns the assembled engine. Only valid after Setup.
func (s *Service) Engine() *control.Engine {
	return s.engine
}

// APIServer returns the API server for the assembled engine. Only valid
// after Setup.
func (s *Service) APIServer() *api.Server {
	return &api.Server{
		Engine:  s.engine,
		Metrics: s.requestMetrics(),
	}
}

// Close stops the executor. Pending requests are answered with an executor
// closed error.
func (s *Service) Close(ctx context.Context) error {
	if s.executor == nil {
		return nil
	}
	return s.executor.Close(ctx)
}

// validate checks that every enabled capability has its controller wired.
func (s *Service) validate() error {
	checks := []struct {
		cap     control.Capability
		present bool
	}{
		{control.CapStats, s.Stats != nil},
		{control.CapEnforcement, s.Enforcement != nil},
		{control.CapBilling, s.Billing != nil},
		{control.CapMAC, s.MAC != nil},
		{control.CapDPI, s.DPI != nil},
		{control.CapIPFIX, s.IPFIX != nil},
	}
	for _, check := range checks {
		if s.Capabilities.Enabled(check.cap) && !check.present {
			return serrors.New("capability enabled without controller",
				"capability", check.cap)
		}
	}
	return nil
}

func (s *Service) capabilityNames() []string {
	names := make([]string, 0, len(s.Capabilities))
	for c := range s.Capabilities {
		names = append(names, string(c))
	}
	sort.Strings(names)
	return names
}

func (s *Service) requestMetrics() api.Metrics {
	if s.Metrics == nil {
		return api.Metrics{}
	}
	return api.Metrics{
		Setups:        metrics.NewPromCounter(s.Metrics.SetupRequestsTotal),
		Activations:   metrics.NewPromCounter(s.Metrics.ActivationsTotal),
		Deactivations: metrics.NewPromCounter(s.Metrics.DeactivationsTotal),
	}
}
