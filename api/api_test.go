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

package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openepc/flowd/api"
	"github.com/openepc/flowd/control"
	"github.com/openepc/flowd/pkg/log"
	"github.com/openepc/flowd/pkg/metrics"
)

func TestMain(m *testing.M) {
	log.Discard()
	os.Exit(m.Run())
}

type staticFlowController struct {
	fail map[string]bool

	activations   []control.RuleSet
	deactivations [][]string
	restarts      int
}

func (f *staticFlowController) ActivateRules(
	ctx context.Context, rules control.RuleSet,
) control.ActivationOutcome {
	f.activations = append(f.activations, rules)
	var out control.ActivationOutcome
	for _, id := range rules.StaticRules {
		res := control.ResultSuccess
		if f.fail[id] {
			res = control.ResultFailure
		}
		out.StaticResults = append(out.StaticResults,
			control.RuleModResult{RuleID: id, Result: res})
	}
	for _, rule := range rules.DynamicRules {
		out.DynamicResults = append(out.DynamicResults,
			control.RuleModResult{RuleID: rule.ID, Result: control.ResultSuccess})
	}
	return out
}

func (f *staticFlowController) DeactivateRules(
	ctx context.Context, subscriber string, addr netip.Addr, ruleIDs []string,
) {
	f.deactivations = append(f.deactivations, ruleIDs)
}

func (f *staticFlowController) HandleRestart(
	ctx context.Context, requests []control.ActivateRequest,
) control.SetupResult {
	f.restarts++
	return control.SetupResult{Code: control.SetupSuccess}
}

func newTestServer(t *testing.T) (*httptest.Server, *staticFlowController) {
	t.Helper()
	enforcement := &staticFlowController{}
	executor := &control.Executor{}
	require.NoError(t, executor.Run(context.Background()))
	t.Cleanup(func() {
		require.NoError(t, executor.Close(context.Background()))
	})
	server := &api.Server{
		Engine: &control.Engine{
			Capabilities: control.NewCapabilitySet(control.CapEnforcement),
			Enforcement:  enforcement,
			Executor:     executor,
			Versions:     control.NewVersionLedger(),
			Tunnels:      control.NewTunnelMapper(),
			Prefixes:     control.NewPrefixMapper(),
			Tables: []control.TableAssignment{
				{Name: "enforcement", MainTable: 5, ScratchTables: []int{21}},
			},
		},
	}
	r := chi.NewRouter()
	server.Register(r)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts, enforcement
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestActivateEndpoint(t *testing.T) {
	ts, enforcement := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/policies/activate", `{
		"subscriber": "IMSI001010000000001",
		"ipv4": "192.0.2.17",
		"static_rules": ["ruleA"]
	}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out api.ActivationResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, []api.RuleModResult{
		{RuleID: "ruleA", Result: "success"},
	}, out.StaticResults)
	require.Len(t, enforcement.activations, 1)
}

func TestActivateEndpointBadRequest(t *testing.T) {
	ts, _ := newTestServer(t)

	// No address in a deployment that requires one.
	resp := postJSON(t, ts.URL+"/v1/policies/activate", `{
		"subscriber": "IMSI001010000000001",
		"static_rules": ["ruleA"]
	}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/v1/policies/activate", `{
		"subscriber": "IMSI001010000000001",
		"ipv6": "not-an-address"
	}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/v1/policies/activate", `{
		"subscriber": "IMSI001010000000001",
		"ipv4": "192.0.2.17",
		"origin": "bogus"
	}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestActivateEndpointUnavailable(t *testing.T) {
	ts, _ := newTestServer(t)

	// Billing is not enabled on the test deployment.
	resp := postJSON(t, ts.URL+"/v1/policies/activate", `{
		"subscriber": "IMSI001010000000001",
		"ipv4": "192.0.2.17",
		"origin": "billing"
	}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestDeactivateEndpoint(t *testing.T) {
	ts, enforcement := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/policies/deactivate", `{
		"subscriber": "IMSI001010000000001",
		"ipv4": "192.0.2.17",
		"rule_ids": ["ruleA"]
	}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Len(t, enforcement.deactivations, 1)
	assert.Equal(t, []string{"ruleA"}, enforcement.deactivations[0])
}

func TestSetupEndpointFencing(t *testing.T) {
	ts, enforcement := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/policies/setup", `{"epoch": 7}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out api.SetupResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "success", out.Result)
	assert.Equal(t, 1, enforcement.restarts)

	// The duplicate is answered from the recorded result.
	resp = postJSON(t, ts.URL+"/v1/policies/setup", `{"epoch": 7}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "success", out.Result)
	assert.Equal(t, 1, enforcement.restarts)
}

func TestMACEndpointsUnavailable(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/mac/setup", `{"epoch": 1}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPut, ts.URL+"/v1/mac/flows",
		strings.NewReader(`{"subscriber": "s1", "mac": "02:00:00:00:00:01"}`))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestDPIEndpointsUnavailable(t *testing.T) {
	ts, _ := newTestServer(t)

	// DPI is not enabled on the test deployment.
	resp := postJSON(t, ts.URL+"/v1/dpi/flows", `{
		"match": {"ip_proto": 6, "src": "192.0.2.17:40100", "dst": "198.51.100.1:443"}
	}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestDPIEndpointBadMatch(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/dpi/flows", `{
		"match": {"src": "not-an-addrport", "dst": "198.51.100.1:443"}
	}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/v1/dpi/flows", `{
		"match": {"src": "192.0.2.17:40100", "dst": "198.51.100.1:443"},
		"state": "bogus"
	}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDefaultsSetupEndpointUnavailable(t *testing.T) {
	// The test deployment carries no defaults controller.
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/defaults/setup", `{"epoch": 1}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestIPFIXEndpointAcksWhenDisabled(t *testing.T) {
	ts, _ := newTestServer(t)

	// Sampling disabled: the update is acknowledged without effect.
	req, err := http.NewRequest(http.MethodPut, ts.URL+"/v1/ipfix/flows",
		strings.NewReader(`{"subscriber": "IMSI001010000000001"}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestUsageEndpointUnavailable(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v1/policies/usage")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestSetupMetrics(t *testing.T) {
	setups := &metrics.TestCounter{}
	enforcement := &staticFlowController{}
	executor := &control.Executor{}
	require.NoError(t, executor.Run(context.Background()))
	t.Cleanup(func() {
		require.NoError(t, executor.Close(context.Background()))
	})
	server := &api.Server{
		Engine: &control.Engine{
			Capabilities: control.NewCapabilitySet(control.CapEnforcement),
			Enforcement:  enforcement,
			Executor:     executor,
			Versions:     control.NewVersionLedger(),
			Tunnels:      control.NewTunnelMapper(),
			Prefixes:     control.NewPrefixMapper(),
		},
		Metrics: api.Metrics{Setups: setups},
	}
	r := chi.NewRouter()
	server.Register(r)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)

	resp := postJSON(t, ts.URL+"/v1/policies/setup", `{"epoch": 1}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1),
		metrics.CounterValue(setups.With("result", "ok_success")))

	// No defaults controller: classified as unavailable.
	resp = postJSON(t, ts.URL+"/v1/defaults/setup", `{"epoch": 1}`)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, float64(1),
		metrics.CounterValue(setups.With("result", "err_unavailable")))
}

func TestTablesEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v1/tables")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tables []api.TableAssignment
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tables))
	require.Len(t, tables, 1)
	assert.Equal(t, "enforcement", tables[0].Name)
	assert.Equal(t, 5, tables[0].MainTable)
	assert.Equal(t, []int{21}, tables[0].ScratchTables)
}
