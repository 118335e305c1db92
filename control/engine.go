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
	"sort"
	"sync"

	"github.com/openepc/flowd/pkg/log"
	"github.com/openepc/flowd/pkg/metrics"
	"github.com/openepc/flowd/pkg/private/serrors"
)

// EngineMetrics are the metrics modified during the operation of the engine.
// Nil members are not reported.
type EngineMetrics struct {
	// StatsRuleFailures counts rules the stats controller failed to install,
	// labeled by subscriber and rule id.
	StatsRuleFailures metrics.Counter
	// FlowRuleFailures counts rules the enforcement or billing controller
	// failed to install, labeled by subscriber and rule id.
	FlowRuleFailures metrics.Counter
}

// Engine orchestrates policy lifecycle requests against the flow-rule
// controllers. It classifies requests by origin and address family, fences
// setup requests by epoch, enforces install/teardown ordering across
// controllers, filters rule sets between stages based on upstream failures,
// and merges per-rule results. All mutations are serialized through the
// Executor.
//
// All exported fields must be set before the first call; they must not be
// modified afterwards.
type Engine struct {
	// Capabilities is the set of controllers enabled in this deployment.
	// Operations targeting a disabled controller fail with ErrUnavailable.
	Capabilities CapabilitySet

	// Stats is the stats-accounting controller. Required if CapStats is
	// enabled.
	Stats StatsController
	// Enforcement is the enforcement controller. Required if CapEnforcement
	// is enabled.
	Enforcement FlowController
	// Billing is the billing/quota controller. Required if CapBilling is
	// enabled.
	Billing FlowController
	// MAC is the MAC association controller. Required if CapMAC is enabled.
	MAC MACController
	// DPI is the application classification controller. Required if CapDPI
	// is enabled.
	DPI DPIController
	// IPFIX is the flow sampling controller. Required if CapIPFIX is
	// enabled.
	IPFIX IPFIXController
	// Defaults programs the fixed pipeline plumbing. Optional.
	Defaults DefaultsController
	// Learners are scrubbed when a device detaches. Optional.
	Learners []LearnController

	// Executor serializes all mutating operations. It must be running.
	Executor *Executor
	// Versions fences dataplane writes against concurrent teardown.
	Versions *VersionLedger
	// Tunnels records uplink/downlink tunnel pairs observed on activation.
	Tunnels *TunnelMapper
	// Prefixes records interface-id to prefix mappings of assigned IPv6
	// addresses.
	Prefixes *PrefixMapper

	// Metrics are the metrics modified during operation. If empty, no
	// metrics are reported.
	Metrics EngineMetrics

	// Addressless allows activation requests without any address; rules
	// then target the subscriber only.
	Addressless bool
	// Tables is the deployment's flow-table layout, for introspection only.
	Tables []TableAssignment

	epochMtx sync.Mutex
	epochs   map[Capability]*EpochGuard
}

// epochGuard returns the epoch guard of the controller group, creating it on
// first use.
func (e *Engine) epochGuard(c Capability) *EpochGuard {
	e.epochMtx.Lock()
	defer e.epochMtx.Unlock()
	if e.epochs == nil {
		e.epochs = make(map[Capability]*EpochGuard)
	}
	guard, ok := e.epochs[c]
	if !ok {
		guard = &EpochGuard{}
		e.epochs[c] = guard
	}
	return guard
}

func (e *Engine) checkCapability(c Capability) error {
	if !e.Capabilities.Enabled(c) {
		return serrors.Join(ErrUnavailable, nil, "capability", c)
	}
	return nil
}

// originCapability returns the capability an activation or deactivation
// request targets: billing-metered requests route to the billing
// controller, all other origins to the enforcement controller.
func originCapability(origin Origin) Capability {
	if origin == OriginBilling {
		return CapBilling
	}
	return CapEnforcement
}

// Activate activates rules for a subscriber session, one sub-operation per
// address family present. The returned outcome contains one result per
// requested rule; rules that failed at the stats stage are reported as
// failed and are never dispatched downstream.
func (e *Engine) Activate(
	ctx context.Context,
	req ActivateRequest,
) (ActivationOutcome, error) {

	if err := e.checkCapability(originCapability(req.Origin)); err != nil {
		return ActivationOutcome{}, err
	}
	addrs, err := requestAddrs(req.IPv4, req.IPv6, e.Addressless)
	if err != nil {
		return ActivationOutcome{}, err
	}
	ctx, logger := log.WithLabels(ctx,
		"subscriber", req.Subscriber, "origin", req.Origin.String())

	var ret ActivationOutcome
	err = e.Executor.Execute(func() {
		for _, addr := range addrs {
			logger.Debug("Activating flows", "addr", addr)
			ret.extend(e.installFlows(ctx, req, addr))
		}
		// Side effects independent of rule outcome.
		if req.UplinkTunnel != 0 && req.DownlinkTunnel != 0 {
			e.Tunnels.SaveTunnels(req.UplinkTunnel, req.DownlinkTunnel)
		}
		if addr := lastV6(addrs); addr.IsValid() {
			e.Prefixes.SavePrefix(addr)
		}
	})
	if err != nil {
		return ActivationOutcome{}, err
	}
	return ret, nil
}

// installFlows runs the two-stage install for one address family. The stats
// controller is always dispatched first: its flows are not traffic-reachable
// until the downstream flows exist, so a failure downstream leaves only
// harmless half-installed stats entries behind.
func (e *Engine) installFlows(
	ctx context.Context,
	req ActivateRequest,
	addr netip.Addr,
) ActivationOutcome {

	e.bumpVersions(req, addr)

	statsOut := e.activateStats(ctx, RuleSet{
		Subscriber:   req.Subscriber,
		MSISDN:       req.MSISDN,
		UplinkTunnel: req.UplinkTunnel,
		Addr:         addr,
		RateLimit:    req.RateLimit,
		StaticRules:  req.StaticRules,
		DynamicRules: req.DynamicRules,
	})
	failedStatic, failedDynamic := failedResults(statsOut)

	// Rules that failed at the stats stage are never attempted downstream.
	downstream := RuleSet{
		Subscriber:   req.Subscriber,
		MSISDN:       req.MSISDN,
		UplinkTunnel: req.UplinkTunnel,
		Addr:         addr,
		RateLimit:    req.RateLimit,
		StaticRules:  filterStaticRules(req.StaticRules, failedStatic),
		DynamicRules: filterDynamicRules(req.DynamicRules, failedDynamic),
	}
	var out ActivationOutcome
	if req.Origin == OriginBilling {
		out = e.activateDownstream(ctx, e.Billing, downstream)
	} else {
		out = e.activateEnforcement(ctx, downstream)
	}

	// Stats-stage failures are carried through into the merged outcome.
	out.StaticResults = append(out.StaticResults, failedStatic...)
	out.DynamicResults = append(out.DynamicResults, failedDynamic...)
	return out
}

func (e *Engine) bumpVersions(req ActivateRequest, addr netip.Addr) {
	for _, id := range req.StaticRules {
		e.Versions.Bump(req.Subscriber, addr, id)
	}
	for _, rule := range req.DynamicRules {
		e.Versions.Bump(req.Subscriber, addr, rule.ID)
	}
}

func (e *Engine) activateStats(ctx context.Context, rules RuleSet) ActivationOutcome {
	if !e.Capabilities.Enabled(CapStats) {
		return ActivationOutcome{}
	}
	out := e.Stats.ActivateRules(ctx, rules)
	e.reportFailures(e.Metrics.StatsRuleFailures, out, rules.Subscriber)
	return out
}

// activateEnforcement dispatches to the enforcement controller. A call
// mixing static and dynamic rules is split in two: the upstream controller
// does not handle the combination.
func (e *Engine) activateEnforcement(ctx context.Context, rules RuleSet) ActivationOutcome {
	if len(rules.StaticRules) == 0 || len(rules.DynamicRules) == 0 {
		return e.activateDownstream(ctx, e.Enforcement, rules)
	}
	staticOnly, dynamicOnly := rules, rules
	staticOnly.DynamicRules = nil
	dynamicOnly.StaticRules = nil
	out := e.activateDownstream(ctx, e.Enforcement, staticOnly)
	out.extend(e.activateDownstream(ctx, e.Enforcement, dynamicOnly))
	return out
}

func (e *Engine) activateDownstream(
	ctx context.Context,
	controller FlowController,
	rules RuleSet,
) ActivationOutcome {

	if rules.empty() {
		return ActivationOutcome{}
	}
	out := controller.ActivateRules(ctx, rules)
	e.reportFailures(e.Metrics.FlowRuleFailures, out, rules.Subscriber)
	return out
}

func (e *Engine) reportFailures(
	counter metrics.Counter,
	out ActivationOutcome,
	subscriber string,
) {

	for _, results := range [][]RuleModResult{out.StaticResults, out.DynamicResults} {
		for _, res := range results {
			if res.Result != ResultFailure {
				continue
			}
			metrics.CounterInc(metrics.CounterWith(counter,
				"subscriber", subscriber, "rule_id", res.RuleID))
		}
	}
}

// Deactivate deactivates rules for a subscriber session. It acknowledges
// without per-rule results, but the version bumps are visible to the ledger
// before any controller is instructed.
func (e *Engine) Deactivate(ctx context.Context, req DeactivateRequest) error {
	if err := e.checkCapability(originCapability(req.Origin)); err != nil {
		return err
	}
	addrs, err := requestAddrs(req.IPv4, req.IPv6, e.Addressless)
	if err != nil {
		return err
	}
	ctx, logger := log.WithLabels(ctx,
		"subscriber", req.Subscriber, "origin", req.Origin.String())

	return e.Executor.Execute(func() {
		for _, addr := range addrs {
			logger.Debug("Deactivating flows", "addr", addr)
			e.removeFlows(ctx, req, addr)
		}
	})
}

func (e *Engine) removeFlows(ctx context.Context, req DeactivateRequest, addr netip.Addr) {
	if len(req.RuleIDs) == 0 {
		// No rule ids given: all rules of the session are deactivated.
		e.Versions.BumpAll(req.Subscriber, addr)
	} else {
		for _, id := range req.RuleIDs {
			e.Versions.Bump(req.Subscriber, addr, id)
		}
	}
	if req.Origin == OriginBilling {
		e.Billing.DeactivateRules(ctx, req.Subscriber, addr, req.RuleIDs)
		return
	}
	// The default-flow removal must precede the rule removal: once the
	// default flow is gone no traffic reaches the accounting path, making
	// the subsequent teardown safe in any order.
	if req.RemoveDefaultFlow && e.Capabilities.Enabled(CapStats) {
		e.Stats.DeactivateDefaultFlow(ctx, req.Subscriber, addr)
	}
	e.Enforcement.DeactivateRules(ctx, req.Subscriber, addr, req.RuleIDs)
}

// SetupPolicies replaces the desired policy state of all rule controllers
// after a restart. Each controller group's epoch guard is checked first; the
// first fenced rejection short-circuits the request and the prior result is
// returned without touching any controller.
func (e *Engine) SetupPolicies(ctx context.Context, req SetupRequest) (SetupResult, error) {
	if err := e.checkCapability(CapEnforcement); err != nil {
		return SetupResult{}, err
	}
	for _, c := range e.policyGroups() {
		if res := e.epochGuard(c).CheckEpoch(req.Epoch); res != nil {
			log.FromCtx(ctx).Info("Setup request fenced",
				"group", c, "epoch", req.Epoch)
			return *res, nil
		}
	}

	var ret SetupResult
	err := e.Executor.Execute(func() {
		ret = e.replaySnapshot(ctx, req)
		for _, c := range e.policyGroups() {
			e.epochGuard(c).RecordResult(ret)
		}
	})
	if err != nil {
		// The snapshot was never applied; do not fence a retry.
		for _, c := range e.policyGroups() {
			e.epochGuard(c).Abandon(req.Epoch)
		}
		return SetupResult{}, err
	}
	return ret, nil
}

// policyGroups are the controller groups participating in policy setup, in
// fencing order.
func (e *Engine) policyGroups() []Capability {
	groups := []Capability{CapEnforcement}
	if e.Capabilities.Enabled(CapBilling) {
		groups = append([]Capability{CapBilling}, groups...)
	}
	if e.Capabilities.Enabled(CapStats) {
		groups = append(groups, CapStats)
	}
	return groups
}

// replaySnapshot partitions the snapshot by origin and replays each
// partition through the corresponding controller's bulk restart entry
// point.
func (e *Engine) replaySnapshot(ctx context.Context, req SetupRequest) SetupResult {
	var accounting, billing []ActivateRequest
	for _, sub := range req.Requests {
		if sub.Origin == OriginBilling {
			billing = append(billing, sub)
		} else {
			accounting = append(accounting, sub)
		}
	}

	ret := e.Enforcement.HandleRestart(ctx, accounting)
	if e.Capabilities.Enabled(CapBilling) {
		if res := e.Billing.HandleRestart(ctx, billing); res.Code != SetupSuccess {
			ret = res
		}
	}
	if e.Capabilities.Enabled(CapStats) {
		if res := e.Stats.HandleRestart(ctx, accounting); res.Code != SetupSuccess {
			ret = res
		}
	}
	return ret
}

// SetupMACFlows replaces the MAC association state after a restart, fenced
// by the MAC controller group's epoch guard.
func (e *Engine) SetupMACFlows(ctx context.Context, req MACSetupRequest) (SetupResult, error) {
	if err := e.checkCapability(CapMAC); err != nil {
		return SetupResult{}, err
	}
	guard := e.epochGuard(CapMAC)
	if res := guard.CheckEpoch(req.Epoch); res != nil {
		log.FromCtx(ctx).Info("MAC setup request fenced", "epoch", req.Epoch)
		return *res, nil
	}
	var ret SetupResult
	err := e.Executor.Execute(func() {
		ret = e.MAC.HandleRestart(ctx, req.Associations)
		if e.Capabilities.Enabled(CapIPFIX) {
			for _, assoc := range req.Associations {
				e.IPFIX.AddSampleFlow(ctx, IPFIXSample{
					Subscriber:   assoc.Subscriber,
					MSISDN:       assoc.MSISDN,
					APMAC:        assoc.APMAC,
					APName:       assoc.APName,
					PDPStartTime: assoc.PDPStartTime,
				})
			}
		}
		guard.RecordResult(ret)
	})
	if err != nil {
		guard.Abandon(req.Epoch)
		return SetupResult{}, err
	}
	return ret, nil
}

// SetupDefaultFlows reinstalls the fixed pipeline plumbing after a restart,
// fenced by its own epoch guard.
func (e *Engine) SetupDefaultFlows(ctx context.Context, epoch uint64) (SetupResult, error) {
	if e.Defaults == nil {
		return SetupResult{}, serrors.Join(ErrUnavailable, nil, "capability", capDefaults)
	}
	guard := e.epochGuard(capDefaults)
	if res := guard.CheckEpoch(epoch); res != nil {
		log.FromCtx(ctx).Info("Default setup request fenced", "epoch", epoch)
		return *res, nil
	}
	var ret SetupResult
	err := e.Executor.Execute(func() {
		ret = e.Defaults.HandleRestart(ctx)
		guard.RecordResult(ret)
	})
	if err != nil {
		guard.Abandon(epoch)
		return SetupResult{}, err
	}
	return ret, nil
}

// AddMACFlow associates a device MAC address with a subscriber.
func (e *Engine) AddMACFlow(ctx context.Context, subscriber, mac string) error {
	if err := e.checkCapability(CapMAC); err != nil {
		return err
	}
	if err := validateMAC(mac); err != nil {
		return err
	}
	var ret error
	err := e.Executor.Execute(func() {
		ret = e.MAC.AddFlow(ctx, subscriber, mac)
	})
	if err != nil {
		return err
	}
	return ret
}

// DeleteMACFlow removes a device MAC association. The detach cascades: the
// learned flows of the device are scrubbed from the learn controllers and its
// sampling flow is removed.
func (e *Engine) DeleteMACFlow(ctx context.Context, subscriber, mac string) error {
	if err := e.checkCapability(CapMAC); err != nil {
		return err
	}
	if err := validateMAC(mac); err != nil {
		return err
	}
	var ret error
	err := e.Executor.Execute(func() {
		ret = e.MAC.DeleteFlow(ctx, subscriber, mac)
		for _, learner := range e.Learners {
			learner.ScrubSession(ctx, subscriber, mac)
		}
		if e.Capabilities.Enabled(CapIPFIX) {
			e.IPFIX.DeleteSampleFlow(ctx, subscriber)
		}
	})
	if err != nil {
		return err
	}
	return ret
}

// CreateDPIFlow installs a classify flow for an application flow.
func (e *Engine) CreateDPIFlow(ctx context.Context, flow DPIFlow) error {
	if err := e.checkCapability(CapDPI); err != nil {
		return err
	}
	var ret error
	err := e.Executor.Execute(func() {
		ret = e.DPI.AddClassifyFlow(ctx, flow)
	})
	if err != nil {
		return err
	}
	return ret
}

// RemoveDPIFlow removes the classify flow of an application flow.
func (e *Engine) RemoveDPIFlow(ctx context.Context, match DPIFlowMatch) error {
	if err := e.checkCapability(CapDPI); err != nil {
		return err
	}
	var ret error
	err := e.Executor.Execute(func() {
		ret = e.DPI.RemoveClassifyFlow(ctx, match)
	})
	if err != nil {
		return err
	}
	return ret
}

// UpdateDPIFlowStats records observed traffic counters for a classified
// flow.
func (e *Engine) UpdateDPIFlowStats(ctx context.Context, stats DPIFlowStats) error {
	if err := e.checkCapability(CapDPI); err != nil {
		return err
	}
	var ret error
	err := e.Executor.Execute(func() {
		ret = e.DPI.UpdateFlowStats(ctx, stats)
	})
	if err != nil {
		return err
	}
	return ret
}

// UpdateIPFIXFlow installs the sampling flow of an attached device. The
// request is acknowledged without effect when sampling is disabled.
func (e *Engine) UpdateIPFIXFlow(ctx context.Context, sample IPFIXSample) error {
	if !e.Capabilities.Enabled(CapIPFIX) {
		return nil
	}
	return e.Executor.Execute(func() {
		e.IPFIX.AddSampleFlow(ctx, sample)
	})
}

// PolicyUsage returns the current accounting snapshot of the stats
// controller.
func (e *Engine) PolicyUsage(ctx context.Context) (UsageSnapshot, error) {
	if err := e.checkCapability(CapStats); err != nil {
		return nil, err
	}
	var (
		snapshot UsageSnapshot
		ret      error
	)
	err := e.Executor.Execute(func() {
		snapshot, ret = e.Stats.PolicyUsage(ctx)
	})
	if err != nil {
		return nil, err
	}
	return snapshot, ret
}

// TableAssignments returns the deployment's flow-table layout, ordered by
// main table number and name.
func (e *Engine) TableAssignments() []TableAssignment {
	tables := make([]TableAssignment, len(e.Tables))
	copy(tables, e.Tables)
	sort.Slice(tables, func(i, j int) bool {
		if tables[i].MainTable != tables[j].MainTable {
			return tables[i].MainTable < tables[j].MainTable
		}
		return tables[i].Name < tables[j].Name
	})
	return tables
}

// lastV6 returns the IPv6 address of the request, if one was present.
func lastV6(addrs []netip.Addr) netip.Addr {
	for i := len(addrs) - 1; i >= 0; i-- {
		if addrs[i].IsValid() && addrs[i].Is6() && !addrs[i].Is4In6() {
			return addrs[i]
		}
	}
	return netip.Addr{}
}
