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

// Package dataplane provides desired-state controller implementations. Each
// controller tracks the rules it was instructed to install per session; the
// state is what a forwarding-plane driver consumes to program actual flow
// entries. Drivers that push entries to a switch implement the same
// interfaces and replace these.
package dataplane

import (
	"context"
	"net/netip"
	"sort"
	"sync"

	"github.com/openepc/flowd/control"
	"github.com/openepc/flowd/pkg/log"
)

type sessionKey struct {
	subscriber string
	addr       netip.Addr
}

// ruleTable is the desired rule state of one controller, keyed by session.
type ruleTable struct {
	mu    sync.Mutex
	rules map[sessionKey]map[string]control.DynamicRule
}

func newRuleTable() *ruleTable {
	return &ruleTable{rules: make(map[sessionKey]map[string]control.DynamicRule)}
}

func (t *ruleTable) activate(rules control.RuleSet) control.ActivationOutcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := sessionKey{subscriber: rules.Subscriber, addr: rules.Addr}
	session, ok := t.rules[key]
	if !ok {
		session = make(map[string]control.DynamicRule)
		t.rules[key] = session
	}
	var out control.ActivationOutcome
	for _, id := range rules.StaticRules {
		session[id] = control.DynamicRule{ID: id}
		out.StaticResults = append(out.StaticResults,
			control.RuleModResult{RuleID: id, Result: control.ResultSuccess})
	}
	for _, rule := range rules.DynamicRules {
		session[rule.ID] = rule
		out.DynamicResults = append(out.DynamicResults,
			control.RuleModResult{RuleID: rule.ID, Result: control.ResultSuccess})
	}
	return out
}

func (t *ruleTable) deactivate(subscriber string, addr netip.Addr, ruleIDs []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := sessionKey{subscriber: subscriber, addr: addr}
	if len(ruleIDs) == 0 {
		delete(t.rules, key)
		return
	}
	for _, id := range ruleIDs {
		delete(t.rules[key], id)
	}
}

func (t *ruleTable) replace(requests []control.ActivateRequest) {
	t.mu.Lock()
	t.rules = make(map[sessionKey]map[string]control.DynamicRule)
	t.mu.Unlock()
	for _, req := range requests {
		for _, addr := range requestAddrs(req) {
			t.activate(control.RuleSet{
				Subscriber:   req.Subscriber,
				Addr:         addr,
				StaticRules:  req.StaticRules,
				DynamicRules: req.DynamicRules,
			})
		}
	}
}

// RuleIDs returns the installed rule identifiers of a session, sorted.
func (t *ruleTable) RuleIDs(subscriber string, addr netip.Addr) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	session := t.rules[sessionKey{subscriber: subscriber, addr: addr}]
	ids := make([]string, 0, len(session))
	for id := range session {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func requestAddrs(req control.ActivateRequest) []netip.Addr {
	var addrs []netip.Addr
	if req.IPv4 != "" {
		if addr, err := netip.ParseAddr(req.IPv4); err == nil {
			addrs = append(addrs, addr)
		}
	}
	if len(req.IPv6) > 0 {
		if addr, ok := netip.AddrFromSlice(req.IPv6); ok {
			addrs = append(addrs, addr)
		}
	}
	if len(addrs) == 0 {
		addrs = append(addrs, netip.Addr{})
	}
	return addrs
}

// Enforcer is a desired-state flow controller. It serves as both the
// enforcement and the billing controller.
type Enforcer struct {
	name  string
	table *ruleTable
}

// NewEnforcer creates an empty enforcer. The name distinguishes controller
// instances in logs.
func NewEnforcer(name string) *Enforcer {
	return &Enforcer{name: name, table: newRuleTable()}
}

// ActivateRules implements control.FlowController.
func (e *Enforcer) ActivateRules(
	ctx context.Context, rules control.RuleSet,
) control.ActivationOutcome {
	log.FromCtx(ctx).Debug("Installing flows", "controller", e.name,
		"static", len(rules.StaticRules), "dynamic", len(rules.DynamicRules))
	return e.table.activate(rules)
}

// DeactivateRules implements control.FlowController.
func (e *Enforcer) DeactivateRules(
	ctx context.Context, subscriber string, addr netip.Addr, ruleIDs []string,
) {
	log.FromCtx(ctx).Debug("Removing flows", "controller", e.name,
		"rules", len(ruleIDs))
	e.table.deactivate(subscriber, addr, ruleIDs)
}

// HandleRestart implements control.FlowController.
func (e *Enforcer) HandleRestart(
	ctx context.Context, requests []control.ActivateRequest,
) control.SetupResult {
	log.FromCtx(ctx).Info("Replacing desired state", "controller", e.name,
		"sessions", len(requests))
	e.table.replace(requests)
	return control.SetupResult{Code: control.SetupSuccess}
}

// RuleIDs returns the installed rule identifiers of a session, sorted.
func (e *Enforcer) RuleIDs(subscriber string, addr netip.Addr) []string {
	return e.table.RuleIDs(subscriber, addr)
}

// Stats is a desired-state stats-accounting controller. Traffic counters are
// fed by the forwarding-plane driver via Record.
type Stats struct {
	table *ruleTable

	mu    sync.Mutex
	usage map[sessionKey]map[string]*usageCounters
}

type usageCounters struct {
	bytesTx uint64
	bytesRx uint64
}

// NewStats creates an empty stats controller.
func NewStats() *Stats {
	return &Stats{
		table: newRuleTable(),
		usage: make(map[sessionKey]map[string]*usageCounters),
	}
}

// ActivateRules implements control.StatsController.
func (s *Stats) ActivateRules(
	ctx context.Context, rules control.RuleSet,
) control.ActivationOutcome {
	log.FromCtx(ctx).Debug("Installing accounting flows",
		"static", len(rules.StaticRules), "dynamic", len(rules.DynamicRules))
	return s.table.activate(rules)
}

// DeactivateDefaultFlow implements control.StatsController.
func (s *Stats) DeactivateDefaultFlow(
	ctx context.Context, subscriber string, addr netip.Addr,
) {
	log.FromCtx(ctx).Debug("Removing default accounting flow")
	s.table.deactivate(subscriber, addr, nil)
}

// HandleRestart implements control.StatsController.
func (s *Stats) HandleRestart(
	ctx context.Context, requests []control.ActivateRequest,
) control.SetupResult {
	log.FromCtx(ctx).Info("Replacing accounting state", "sessions", len(requests))
	s.table.replace(requests)
	return control.SetupResult{Code: control.SetupSuccess}
}

// Record adds observed traffic of a rule to the accounting state.
func (s *Stats) Record(subscriber, ruleID string, bytesTx, bytesRx uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sessionKey{subscriber: subscriber}
	rules, ok := s.usage[key]
	if !ok {
		rules = make(map[string]*usageCounters)
		s.usage[key] = rules
	}
	counters, ok := rules[ruleID]
	if !ok {
		counters = &usageCounters{}
		rules[ruleID] = counters
	}
	counters.bytesTx += bytesTx
	counters.bytesRx += bytesRx
}

// PolicyUsage implements control.StatsController. Records are ordered by
// subscriber and rule id.
func (s *Stats) PolicyUsage(ctx context.Context) (control.UsageSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var snapshot control.UsageSnapshot
	for key, rules := range s.usage {
		for id, counters := range rules {
			snapshot = append(snapshot, control.UsageRecord{
				Subscriber: key.subscriber,
				RuleID:     id,
				BytesTx:    counters.bytesTx,
				BytesRx:    counters.bytesRx,
			})
		}
	}
	sort.Slice(snapshot, func(i, j int) bool {
		if snapshot[i].Subscriber != snapshot[j].Subscriber {
			return snapshot[i].Subscriber < snapshot[j].Subscriber
		}
		return snapshot[i].RuleID < snapshot[j].RuleID
	})
	return snapshot, nil
}

// MACTable is a desired-state MAC association controller.
type MACTable struct {
	mu           sync.Mutex
	associations map[string]string
}

// NewMACTable creates an empty MAC table.
func NewMACTable() *MACTable {
	return &MACTable{associations: make(map[string]string)}
}

// AddFlow implements control.MACController.
func (t *MACTable) AddFlow(ctx context.Context, subscriber, mac string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.associations[mac] = subscriber
	return nil
}

// DeleteFlow implements control.MACController.
func (t *MACTable) DeleteFlow(ctx context.Context, subscriber, mac string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.associations, mac)
	return nil
}

// HandleRestart implements control.MACController.
func (t *MACTable) HandleRestart(
	ctx context.Context, associations []control.MACAssociation,
) control.SetupResult {
	log.FromCtx(ctx).Info("Replacing MAC associations", "count", len(associations))
	t.mu.Lock()
	defer t.mu.Unlock()
	t.associations = make(map[string]string, len(associations))
	for _, assoc := range associations {
		t.associations[assoc.MAC] = assoc.Subscriber
	}
	return control.SetupResult{Code: control.SetupSuccess}
}

// Subscriber returns the subscriber associated with a MAC address.
func (t *MACTable) Subscriber(mac string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	subscriber, ok := t.associations[mac]
	return subscriber, ok
}

// Classifier is a desired-state application classification controller.
// Traffic counters of classified flows are fed via UpdateFlowStats.
type Classifier struct {
	mu       sync.Mutex
	flows    map[control.DPIFlowMatch]control.DPIFlow
	counters map[control.DPIFlowMatch]*usageCounters
}

// NewClassifier creates an empty classifier.
func NewClassifier() *Classifier {
	return &Classifier{
		flows:    make(map[control.DPIFlowMatch]control.DPIFlow),
		counters: make(map[control.DPIFlowMatch]*usageCounters),
	}
}

// AddClassifyFlow implements control.DPIController.
func (c *Classifier) AddClassifyFlow(ctx context.Context, flow control.DPIFlow) error {
	log.FromCtx(ctx).Debug("Installing classify flow",
		"app", flow.AppName, "state", flow.State)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flows[flow.Match] = flow
	return nil
}

// RemoveClassifyFlow implements control.DPIController.
func (c *Classifier) RemoveClassifyFlow(
	ctx context.Context, match control.DPIFlowMatch,
) error {
	log.FromCtx(ctx).Debug("Removing classify flow")
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.flows, match)
	delete(c.counters, match)
	return nil
}

// UpdateFlowStats implements control.DPIController.
func (c *Classifier) UpdateFlowStats(
	ctx context.Context, stats control.DPIFlowStats,
) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	counters, ok := c.counters[stats.Match]
	if !ok {
		counters = &usageCounters{}
		c.counters[stats.Match] = counters
	}
	counters.bytesTx += stats.BytesTx
	counters.bytesRx += stats.BytesRx
	return nil
}

// Flow returns the classified flow matching match.
func (c *Classifier) Flow(match control.DPIFlowMatch) (control.DPIFlow, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	flow, ok := c.flows[match]
	return flow, ok
}

// FlowStats returns the accumulated traffic counters of a flow.
func (c *Classifier) FlowStats(match control.DPIFlowMatch) (bytesTx, bytesRx uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	counters, ok := c.counters[match]
	if !ok {
		return 0, 0
	}
	return counters.bytesTx, counters.bytesRx
}

// IPFIXTable is a desired-state flow sampling controller, keyed by
// subscriber.
type IPFIXTable struct {
	mu      sync.Mutex
	samples map[string]control.IPFIXSample
}

// NewIPFIXTable creates an empty sampling table.
func NewIPFIXTable() *IPFIXTable {
	return &IPFIXTable{samples: make(map[string]control.IPFIXSample)}
}

// AddSampleFlow implements control.IPFIXController.
func (t *IPFIXTable) AddSampleFlow(ctx context.Context, sample control.IPFIXSample) {
	log.FromCtx(ctx).Debug("Installing sample flow", "subscriber", sample.Subscriber)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples[sample.Subscriber] = sample
}

// DeleteSampleFlow implements control.IPFIXController.
func (t *IPFIXTable) DeleteSampleFlow(ctx context.Context, subscriber string) {
	log.FromCtx(ctx).Debug("Removing sample flow", "subscriber", subscriber)
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.samples, subscriber)
}

// Sample returns the sampling record of a subscriber.
func (t *IPFIXTable) Sample(subscriber string) (control.IPFIXSample, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sample, ok := t.samples[subscriber]
	return sample, ok
}

// DefaultFlows is the desired state of the fixed ingress/egress plumbing.
type DefaultFlows struct {
	mu       sync.Mutex
	installs int
}

// NewDefaultFlows creates the plumbing state, not yet installed.
func NewDefaultFlows() *DefaultFlows {
	return &DefaultFlows{}
}

// HandleRestart implements control.DefaultsController.
func (d *DefaultFlows) HandleRestart(ctx context.Context) control.SetupResult {
	log.FromCtx(ctx).Info("Reinstalling default flows")
	d.mu.Lock()
	defer d.mu.Unlock()
	d.installs++
	return control.SetupResult{Code: control.SetupSuccess}
}

// Installs returns how often the plumbing was (re)installed.
func (d *DefaultFlows) Installs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.installs
}

// LearnTable is the scrubbable state of one passive learn controller. The
// dataplane feeds learned flows via Learn, keyed by subscriber and device
// MAC.
type LearnTable struct {
	name string

	mu      sync.Mutex
	learned map[string]string
}

// NewLearnTable creates an empty learn table. The name distinguishes
// controller instances in logs.
func NewLearnTable(name string) *LearnTable {
	return &LearnTable{name: name, learned: make(map[string]string)}
}

// Learn records a learned flow of a device.
func (t *LearnTable) Learn(subscriber, mac string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.learned[subscriber] = mac
}

// ScrubSession implements control.LearnController.
func (t *LearnTable) ScrubSession(ctx context.Context, subscriber, mac string) {
	log.FromCtx(ctx).Debug("Scrubbing learned flows",
		"controller", t.name, "subscriber", subscriber)
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.learned, subscriber)
	for sub, learnedMAC := range t.learned {
		if learnedMAC == mac {
			delete(t.learned, sub)
		}
	}
}

// Learned reports whether the device still has learned flows.
func (t *LearnTable) Learned(subscriber string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.learned[subscriber]
	return ok
}
