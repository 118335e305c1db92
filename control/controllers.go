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

package control

import (
	"context"
	"net/netip"
)

// Capability names one of the flow-rule controllers of the deployment.
type Capability string

const (
	// CapStats is the stats-accounting controller.
	CapStats Capability = "stats"
	// CapEnforcement is the enforcement controller.
	CapEnforcement Capability = "enforcement"
	// CapBilling is the billing/quota controller.
	CapBilling Capability = "billing"
	// CapMAC is the MAC association controller.
	CapMAC Capability = "mac"
	// CapDPI is the application classification controller.
	CapDPI Capability = "dpi"
	// CapIPFIX is the flow sampling controller.
	CapIPFIX Capability = "ipfix"
)

// capDefaults keys the epoch guard of the default-flow plumbing. It is not a
// configurable capability: the plumbing exists in every deployment.
const capDefaults Capability = "defaults"

// CapabilitySet is the set of controllers enabled in a deployment.
type CapabilitySet map[Capability]struct{}

// NewCapabilitySet creates a set containing the given capabilities.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = struct{}{}
	}
	return s
}

// Enabled reports whether the capability is enabled.
func (s CapabilitySet) Enabled(c Capability) bool {
	_, ok := s[c]
	return ok
}

// RuleSet is the set of rules dispatched to a controller in one call,
// together with the session it applies to.
type RuleSet struct {
	Subscriber   string
	MSISDN       string
	UplinkTunnel uint32
	// Addr is the session address the rules apply to. The zero address
	// targets the subscriber only (address-less deployments).
	Addr netip.Addr
	// RateLimit is the session aggregate maximum bitrate.
	RateLimit    *RateLimit
	StaticRules  []string
	DynamicRules []DynamicRule
}

// empty reports whether the set contains no rules at all.
func (r RuleSet) empty() bool {
	return len(r.StaticRules) == 0 && len(r.DynamicRules) == 0
}

// Controller calls never fail with an unstructured fault: activation returns
// a per-rule outcome and the orchestrator recovers failures at rule
// granularity. Implementations program the dataplane forwarding entries for
// their concern; how they do so is outside this package.

// StatsController accounts traffic per rule. Its flows are installed first
// on activation: they are not traffic-reachable until the enforcement flows
// exist, so a half-installed stats path is harmless.
type StatsController interface {
	// ActivateRules installs accounting flows for the rule set and reports
	// a per-rule outcome.
	ActivateRules(ctx context.Context, rules RuleSet) ActivationOutcome
	// DeactivateDefaultFlow removes the session's default accounting flow.
	DeactivateDefaultFlow(ctx context.Context, subscriber string, addr netip.Addr)
	// HandleRestart replaces the controller's desired state with the given
	// snapshot. Bulk and idempotent, distinct from incremental activation.
	HandleRestart(ctx context.Context, requests []ActivateRequest) SetupResult
	// PolicyUsage returns the current accounting snapshot.
	PolicyUsage(ctx context.Context) (UsageSnapshot, error)
}

// FlowController programs traffic-steering flows. Both the enforcement
// controller and the billing controller implement it; activation requests
// are routed to exactly one of them by request origin.
type FlowController interface {
	// ActivateRules installs flows for the rule set and reports a per-rule
	// outcome.
	ActivateRules(ctx context.Context, rules RuleSet) ActivationOutcome
	// DeactivateRules removes the named rules of the session, or all rules
	// if none are named.
	DeactivateRules(ctx context.Context, subscriber string, addr netip.Addr, ruleIDs []string)
	// HandleRestart replaces the controller's desired state with the given
	// snapshot.
	HandleRestart(ctx context.Context, requests []ActivateRequest) SetupResult
}

// MACController associates device MAC addresses with subscribers, used by
// address-less deployments to attribute traffic.
type MACController interface {
	AddFlow(ctx context.Context, subscriber, mac string) error
	DeleteFlow(ctx context.Context, subscriber, mac string) error
	// HandleRestart replaces the association state with the given snapshot.
	HandleRestart(ctx context.Context, associations []MACAssociation) SetupResult
}

// DPIController programs classify flows for application traffic.
type DPIController interface {
	AddClassifyFlow(ctx context.Context, flow DPIFlow) error
	RemoveClassifyFlow(ctx context.Context, match DPIFlowMatch) error
	// UpdateFlowStats records observed traffic counters for a classified
	// flow.
	UpdateFlowStats(ctx context.Context, stats DPIFlowStats) error
}

// IPFIXController programs per-device sampling flows for flow export.
type IPFIXController interface {
	AddSampleFlow(ctx context.Context, sample IPFIXSample)
	DeleteSampleFlow(ctx context.Context, subscriber string)
}

// DefaultsController programs the fixed ingress/egress plumbing all other
// controllers chain from.
type DefaultsController interface {
	// HandleRestart reinstalls the plumbing. Bulk and idempotent.
	HandleRestart(ctx context.Context) SetupResult
}

// LearnController learns per-session flows passively (VLAN learning, tunnel
// learning, quota checks). The engine only ever scrubs its state: learning
// happens in the dataplane.
type LearnController interface {
	// ScrubSession removes the learned flows of a detached device.
	ScrubSession(ctx context.Context, subscriber, mac string)
}
