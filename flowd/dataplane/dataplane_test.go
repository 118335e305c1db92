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

package dataplane_test

import (
	"context"
	"net/netip"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openepc/flowd/control"
	"github.com/openepc/flowd/flowd/dataplane"
	"github.com/openepc/flowd/pkg/log"
)

func TestMain(m *testing.M) {
	log.Discard()
	os.Exit(m.Run())
}

func TestEnforcerLifecycle(t *testing.T) {
	e := dataplane.NewEnforcer("enforcement")
	ctx := context.Background()
	addr := netip.MustParseAddr("192.0.2.17")

	out := e.ActivateRules(ctx, control.RuleSet{
		Subscriber:  "sub1",
		Addr:        addr,
		StaticRules: []string{"ruleA", "ruleB"},
		DynamicRules: []control.DynamicRule{
			{ID: "dyn1", Filter: "dst 10.0.0.0/8"},
		},
	})
	assert.Len(t, out.StaticResults, 2)
	assert.Len(t, out.DynamicResults, 1)
	assert.Equal(t, []string{"dyn1", "ruleA", "ruleB"}, e.RuleIDs("sub1", addr))

	e.DeactivateRules(ctx, "sub1", addr, []string{"ruleA"})
	assert.Equal(t, []string{"dyn1", "ruleB"}, e.RuleIDs("sub1", addr))

	// No rule ids: the whole session is removed.
	e.DeactivateRules(ctx, "sub1", addr, nil)
	assert.Empty(t, e.RuleIDs("sub1", addr))
}

func TestEnforcerRestartReplaces(t *testing.T) {
	e := dataplane.NewEnforcer("enforcement")
	ctx := context.Background()
	addr := netip.MustParseAddr("192.0.2.17")

	e.ActivateRules(ctx, control.RuleSet{
		Subscriber: "stale", Addr: addr, StaticRules: []string{"old"},
	})
	res := e.HandleRestart(ctx, []control.ActivateRequest{
		{Subscriber: "sub1", IPv4: addr.String(), StaticRules: []string{"ruleA"}},
	})
	assert.Equal(t, control.SetupSuccess, res.Code)
	assert.Empty(t, e.RuleIDs("stale", addr))
	assert.Equal(t, []string{"ruleA"}, e.RuleIDs("sub1", addr))
}

func TestStatsUsage(t *testing.T) {
	s := dataplane.NewStats()
	ctx := context.Background()

	s.Record("sub1", "ruleA", 100, 50)
	s.Record("sub1", "ruleA", 10, 5)
	s.Record("sub2", "ruleB", 1, 2)

	snapshot, err := s.PolicyUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, control.UsageSnapshot{
		{Subscriber: "sub1", RuleID: "ruleA", BytesTx: 110, BytesRx: 55},
		{Subscriber: "sub2", RuleID: "ruleB", BytesTx: 1, BytesRx: 2},
	}, snapshot)
}

func TestMACTable(t *testing.T) {
	m := dataplane.NewMACTable()
	ctx := context.Background()

	require.NoError(t, m.AddFlow(ctx, "sub1", "02:00:00:00:00:01"))
	subscriber, ok := m.Subscriber("02:00:00:00:00:01")
	require.True(t, ok)
	assert.Equal(t, "sub1", subscriber)

	require.NoError(t, m.DeleteFlow(ctx, "sub1", "02:00:00:00:00:01"))
	_, ok = m.Subscriber("02:00:00:00:00:01")
	assert.False(t, ok)

	res := m.HandleRestart(ctx, []control.MACAssociation{
		{Subscriber: "sub2", MAC: "02:00:00:00:00:02", APName: "ap1"},
	})
	assert.Equal(t, control.SetupSuccess, res.Code)
	subscriber, ok = m.Subscriber("02:00:00:00:00:02")
	require.True(t, ok)
	assert.Equal(t, "sub2", subscriber)
}

func TestClassifierLifecycle(t *testing.T) {
	c := dataplane.NewClassifier()
	ctx := context.Background()
	match := control.DPIFlowMatch{
		IPProto: 17,
		Src:     netip.MustParseAddrPort("192.0.2.17:5060"),
		Dst:     netip.MustParseAddrPort("198.51.100.1:5060"),
	}

	require.NoError(t, c.AddClassifyFlow(ctx, control.DPIFlow{
		Match: match, State: control.FlowCreated, AppName: "voip",
	}))
	require.NoError(t, c.UpdateFlowStats(ctx, control.DPIFlowStats{
		Match: match, BytesTx: 10, BytesRx: 20,
	}))
	require.NoError(t, c.UpdateFlowStats(ctx, control.DPIFlowStats{
		Match: match, BytesTx: 1, BytesRx: 2,
	}))

	flow, ok := c.Flow(match)
	require.True(t, ok)
	assert.Equal(t, "voip", flow.AppName)
	tx, rx := c.FlowStats(match)
	assert.Equal(t, uint64(11), tx)
	assert.Equal(t, uint64(22), rx)

	// Reclassification replaces the flow in place.
	require.NoError(t, c.AddClassifyFlow(ctx, control.DPIFlow{
		Match: match, State: control.FlowFinalClassification, AppName: "voip",
	}))
	flow, ok = c.Flow(match)
	require.True(t, ok)
	assert.Equal(t, control.FlowFinalClassification, flow.State)

	require.NoError(t, c.RemoveClassifyFlow(ctx, match))
	_, ok = c.Flow(match)
	assert.False(t, ok)
	tx, rx = c.FlowStats(match)
	assert.Zero(t, tx)
	assert.Zero(t, rx)
}

func TestIPFIXTable(t *testing.T) {
	tbl := dataplane.NewIPFIXTable()
	ctx := context.Background()

	tbl.AddSampleFlow(ctx, control.IPFIXSample{
		Subscriber: "sub1", APName: "ap1", PDPStartTime: 1700000000,
	})
	sample, ok := tbl.Sample("sub1")
	require.True(t, ok)
	assert.Equal(t, "ap1", sample.APName)

	tbl.DeleteSampleFlow(ctx, "sub1")
	_, ok = tbl.Sample("sub1")
	assert.False(t, ok)
}

func TestDefaultFlows(t *testing.T) {
	d := dataplane.NewDefaultFlows()
	ctx := context.Background()

	assert.Equal(t, 0, d.Installs())
	res := d.HandleRestart(ctx)
	assert.Equal(t, control.SetupSuccess, res.Code)
	res = d.HandleRestart(ctx)
	assert.Equal(t, control.SetupSuccess, res.Code)
	assert.Equal(t, 2, d.Installs())
}

func TestLearnTableScrub(t *testing.T) {
	tbl := dataplane.NewLearnTable("quota")
	ctx := context.Background()

	tbl.Learn("sub1", "02:00:00:00:00:01")
	tbl.Learn("sub2", "02:00:00:00:00:02")
	require.True(t, tbl.Learned("sub1"))

	tbl.ScrubSession(ctx, "sub1", "02:00:00:00:00:01")
	assert.False(t, tbl.Learned("sub1"))
	assert.True(t, tbl.Learned("sub2"))

	// Scrubbing by device MAC catches entries learned under another
	// subscriber key.
	tbl.Learn("sub3", "02:00:00:00:00:02")
	tbl.ScrubSession(ctx, "sub2", "02:00:00:00:00:02")
	assert.False(t, tbl.Learned("sub2"))
	assert.False(t, tbl.Learned("sub3"))
}
