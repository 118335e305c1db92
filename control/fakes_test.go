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

package control_test

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openepc/flowd/control"
)

// callLog records the arrival order of controller invocations across all
// test doubles sharing it.
type callLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *callLog) add(entry string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

// outcomeFor builds a per-rule outcome failing exactly the rules in fail.
func outcomeFor(rules control.RuleSet, fail map[string]bool) control.ActivationOutcome {
	var out control.ActivationOutcome
	for _, id := range rules.StaticRules {
		res := control.ResultSuccess
		if fail[id] {
			res = control.ResultFailure
		}
		out.StaticResults = append(out.StaticResults,
			control.RuleModResult{RuleID: id, Result: res})
	}
	for _, rule := range rules.DynamicRules {
		res := control.ResultSuccess
		if fail[rule.ID] {
			res = control.ResultFailure
		}
		out.DynamicResults = append(out.DynamicResults,
			control.RuleModResult{RuleID: rule.ID, Result: res})
	}
	return out
}

type fakeStats struct {
	log  *callLog
	fail map[string]bool

	mu                  sync.Mutex
	activations         []control.RuleSet
	restarts            [][]control.ActivateRequest
	defaultFlowRemovals []string
	usage               control.UsageSnapshot
	usageErr            error
}

func (f *fakeStats) ActivateRules(
	ctx context.Context, rules control.RuleSet,
) control.ActivationOutcome {
	f.log.add("stats")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activations = append(f.activations, rules)
	return outcomeFor(rules, f.fail)
}

func (f *fakeStats) DeactivateDefaultFlow(
	ctx context.Context, subscriber string, addr netip.Addr,
) {
	f.log.add("stats.default_flow")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defaultFlowRemovals = append(f.defaultFlowRemovals,
		fmt.Sprintf("%s|%s", subscriber, addr))
}

func (f *fakeStats) HandleRestart(
	ctx context.Context, requests []control.ActivateRequest,
) control.SetupResult {
	f.log.add("stats.restart")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts = append(f.restarts, requests)
	return control.SetupResult{Code: control.SetupSuccess}
}

func (f *fakeStats) PolicyUsage(ctx context.Context) (control.UsageSnapshot, error) {
	f.log.add("stats.usage")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usage, f.usageErr
}

type fakeFlowController struct {
	name string
	log  *callLog
	fail map[string]bool

	mu            sync.Mutex
	activations   []control.RuleSet
	deactivations []string
	restarts      [][]control.ActivateRequest
}

func (f *fakeFlowController) ActivateRules(
	ctx context.Context, rules control.RuleSet,
) control.ActivationOutcome {
	f.log.add(f.name)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activations = append(f.activations, rules)
	return outcomeFor(rules, f.fail)
}

func (f *fakeFlowController) DeactivateRules(
	ctx context.Context, subscriber string, addr netip.Addr, ruleIDs []string,
) {
	f.log.add(f.name + ".deactivate")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivations = append(f.deactivations,
		fmt.Sprintf("%s|%s|%v", subscriber, addr, ruleIDs))
}

func (f *fakeFlowController) HandleRestart(
	ctx context.Context, requests []control.ActivateRequest,
) control.SetupResult {
	f.log.add(f.name + ".restart")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts = append(f.restarts, requests)
	return control.SetupResult{Code: control.SetupSuccess}
}

func (f *fakeFlowController) restartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.restarts)
}

type fakeMAC struct {
	log *callLog

	mu       sync.Mutex
	added    []string
	deleted  []string
	restarts [][]control.MACAssociation
}

func (f *fakeMAC) AddFlow(ctx context.Context, subscriber, mac string) error {
	f.log.add("mac.add")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, subscriber+"|"+mac)
	return nil
}

func (f *fakeMAC) DeleteFlow(ctx context.Context, subscriber, mac string) error {
	f.log.add("mac.delete")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, subscriber+"|"+mac)
	return nil
}

func (f *fakeMAC) HandleRestart(
	ctx context.Context, associations []control.MACAssociation,
) control.SetupResult {
	f.log.add("mac.restart")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts = append(f.restarts, associations)
	return control.SetupResult{Code: control.SetupSuccess}
}

type fakeDPI struct {
	log *callLog

	mu      sync.Mutex
	created []control.DPIFlow
	removed []control.DPIFlowMatch
	stats   []control.DPIFlowStats
}

func (f *fakeDPI) AddClassifyFlow(ctx context.Context, flow control.DPIFlow) error {
	f.log.add("dpi.create")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, flow)
	return nil
}

func (f *fakeDPI) RemoveClassifyFlow(
	ctx context.Context, match control.DPIFlowMatch,
) error {
	f.log.add("dpi.remove")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, match)
	return nil
}

func (f *fakeDPI) UpdateFlowStats(
	ctx context.Context, stats control.DPIFlowStats,
) error {
	f.log.add("dpi.stats")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = append(f.stats, stats)
	return nil
}

type fakeIPFIX struct {
	log *callLog

	mu      sync.Mutex
	samples []control.IPFIXSample
	deletes []string
}

func (f *fakeIPFIX) AddSampleFlow(ctx context.Context, sample control.IPFIXSample) {
	f.log.add("ipfix.sample")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, sample)
}

func (f *fakeIPFIX) DeleteSampleFlow(ctx context.Context, subscriber string) {
	f.log.add("ipfix.delete")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, subscriber)
}

type fakeDefaults struct {
	log *callLog

	mu       sync.Mutex
	restarts int
}

func (f *fakeDefaults) HandleRestart(ctx context.Context) control.SetupResult {
	f.log.add("defaults.restart")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	return control.SetupResult{Code: control.SetupSuccess}
}

func (f *fakeDefaults) restartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restarts
}

type fakeLearner struct {
	name string
	log  *callLog

	mu       sync.Mutex
	scrubbed []string
}

func (f *fakeLearner) ScrubSession(ctx context.Context, subscriber, mac string) {
	f.log.add(f.name + ".scrub")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scrubbed = append(f.scrubbed, subscriber+"|"+mac)
}

// testEngine bundles an engine with its test doubles.
type testEngine struct {
	engine      *control.Engine
	log         *callLog
	stats       *fakeStats
	enforcement *fakeFlowController
	billing     *fakeFlowController
	mac         *fakeMAC
	dpi         *fakeDPI
	ipfix       *fakeIPFIX
	defaults    *fakeDefaults
}

func newTestEngine(t *testing.T, opts ...func(*control.Engine)) *testEngine {
	t.Helper()
	log := &callLog{}
	te := &testEngine{
		log:         log,
		stats:       &fakeStats{log: log},
		enforcement: &fakeFlowController{name: "enforcement", log: log},
		billing:     &fakeFlowController{name: "billing", log: log},
		mac:         &fakeMAC{log: log},
		dpi:         &fakeDPI{log: log},
		ipfix:       &fakeIPFIX{log: log},
		defaults:    &fakeDefaults{log: log},
	}
	executor := &control.Executor{}
	require.NoError(t, executor.Run(context.Background()))
	t.Cleanup(func() {
		require.NoError(t, executor.Close(context.Background()))
	})
	te.engine = &control.Engine{
		Capabilities: control.NewCapabilitySet(
			control.CapStats, control.CapEnforcement,
			control.CapBilling, control.CapMAC,
		),
		Stats:       te.stats,
		Enforcement: te.enforcement,
		Billing:     te.billing,
		MAC:         te.mac,
		DPI:         te.dpi,
		IPFIX:       te.ipfix,
		Defaults:    te.defaults,
		Executor:    executor,
		Versions:    control.NewVersionLedger(),
		Tunnels:     control.NewTunnelMapper(),
		Prefixes:    control.NewPrefixMapper(),
	}
	for _, opt := range opts {
		opt(te.engine)
	}
	return te
}
