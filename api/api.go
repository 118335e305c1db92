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

// Package api exposes the engine's operations over a JSON HTTP API.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"

	"github.com/go-chi/chi/v5"

	"github.com/openepc/flowd/control"
	"github.com/openepc/flowd/pkg/log"
	"github.com/openepc/flowd/pkg/metrics"
	"github.com/openepc/flowd/pkg/private/prom"
)

// Metrics are the request metrics reported by the API server. Nil members
// are not reported.
type Metrics struct {
	// Setups counts setup requests, labeled by result.
	Setups metrics.Counter
	// Activations counts activation requests, labeled by origin and result.
	Activations metrics.Counter
	// Deactivations counts deactivation requests, labeled by origin and
	// result.
	Deactivations metrics.Counter
}

// Server implements the policy orchestration API on top of the engine.
type Server struct {
	Engine  *control.Engine
	Metrics Metrics
}

// Register mounts the API handlers on the router.
func (s *Server) Register(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Post("/policies/setup", s.setupPolicies)
		r.Post("/policies/activate", s.activate)
		r.Post("/policies/deactivate", s.deactivate)
		r.Get("/policies/usage", s.policyUsage)
		r.Post("/mac/setup", s.setupMACFlows)
		r.Put("/mac/flows", s.addMACFlow)
		r.Delete("/mac/flows", s.deleteMACFlow)
		r.Post("/defaults/setup", s.setupDefaults)
		r.Post("/dpi/flows", s.createDPIFlow)
		r.Delete("/dpi/flows", s.removeDPIFlow)
		r.Put("/dpi/flows/stats", s.updateDPIFlowStats)
		r.Put("/ipfix/flows", s.updateIPFIXFlow)
		r.Get("/tables", s.tableAssignments)
	})
}

// RateLimit is an aggregate bitrate limit.
type RateLimit struct {
	UplinkKbps   uint64 `json:"uplink_kbps"`
	DownlinkKbps uint64 `json:"downlink_kbps"`
}

// DynamicRule is a rule carried inline in the request.
type DynamicRule struct {
	ID        string     `json:"id"`
	Priority  uint32     `json:"priority"`
	Filter    string     `json:"filter"`
	RateLimit *RateLimit `json:"rate_limit,omitempty"`
}

// ActivateRequest activates rules for a subscriber session.
type ActivateRequest struct {
	Subscriber     string        `json:"subscriber"`
	MSISDN         string        `json:"msisdn,omitempty"`
	UplinkTunnel   uint32        `json:"uplink_tunnel,omitempty"`
	DownlinkTunnel uint32        `json:"downlink_tunnel,omitempty"`
	IPv4           string        `json:"ipv4,omitempty"`
	IPv6           string        `json:"ipv6,omitempty"`
	Origin         string        `json:"origin,omitempty"`
	StaticRules    []string      `json:"static_rules,omitempty"`
	DynamicRules   []DynamicRule `json:"dynamic_rules,omitempty"`
	RateLimit      *RateLimit    `json:"rate_limit,omitempty"`
}

// DeactivateRequest deactivates rules for a subscriber session.
type DeactivateRequest struct {
	Subscriber        string   `json:"subscriber"`
	IPv4              string   `json:"ipv4,omitempty"`
	IPv6              string   `json:"ipv6,omitempty"`
	Origin            string   `json:"origin,omitempty"`
	RuleIDs           []string `json:"rule_ids,omitempty"`
	RemoveDefaultFlow bool     `json:"remove_default_flow,omitempty"`
}

// SetupRequest replaces the desired policy state after a restart.
type SetupRequest struct {
	Epoch    uint64            `json:"epoch"`
	Requests []ActivateRequest `json:"requests,omitempty"`
}

// MACAssociation associates a subscriber with a device MAC address.
type MACAssociation struct {
	Subscriber   string `json:"subscriber"`
	MAC          string `json:"mac"`
	MSISDN       string `json:"msisdn,omitempty"`
	APName       string `json:"ap_name,omitempty"`
	APMAC        string `json:"ap_mac,omitempty"`
	PDPStartTime uint64 `json:"pdp_start_time,omitempty"`
}

// MACSetupRequest replaces the MAC association state after a restart.
type MACSetupRequest struct {
	Epoch        uint64           `json:"epoch"`
	Associations []MACAssociation `json:"associations,omitempty"`
}

// MACFlowRequest adds or removes a single MAC association.
type MACFlowRequest struct {
	Subscriber string `json:"subscriber"`
	MAC        string `json:"mac"`
}

// DefaultsSetupRequest reinstalls the fixed pipeline plumbing.
type DefaultsSetupRequest struct {
	Epoch uint64 `json:"epoch"`
}

// DPIFlowMatch identifies an application flow by its five-tuple. Src and Dst
// are address:port pairs.
type DPIFlowMatch struct {
	IPProto uint8  `json:"ip_proto"`
	Src     string `json:"src"`
	Dst     string `json:"dst"`
}

// DPIFlowRequest installs a classify flow for an application flow.
type DPIFlowRequest struct {
	Match       DPIFlowMatch `json:"match"`
	State       string       `json:"state,omitempty"`
	AppName     string       `json:"app_name,omitempty"`
	ServiceType string       `json:"service_type,omitempty"`
}

// DPIFlowMatchRequest removes the classify flow of an application flow.
type DPIFlowMatchRequest struct {
	Match DPIFlowMatch `json:"match"`
}

// DPIFlowStatsRequest records traffic counters of a classified flow.
type DPIFlowStatsRequest struct {
	Match   DPIFlowMatch `json:"match"`
	BytesTx uint64       `json:"bytes_tx,omitempty"`
	BytesRx uint64       `json:"bytes_rx,omitempty"`
}

// IPFIXFlowRequest installs the sampling flow of an attached device.
type IPFIXFlowRequest struct {
	Subscriber   string `json:"subscriber"`
	MSISDN       string `json:"msisdn,omitempty"`
	APMAC        string `json:"ap_mac,omitempty"`
	APName       string `json:"ap_name,omitempty"`
	PDPStartTime uint64 `json:"pdp_start_time,omitempty"`
}

// RuleModResult is the per-rule result of an activation.
type RuleModResult struct {
	RuleID string `json:"rule_id"`
	Result string `json:"result"`
}

// ActivationResponse carries the per-rule results of an activation.
type ActivationResponse struct {
	StaticResults  []RuleModResult `json:"static_results,omitempty"`
	DynamicResults []RuleModResult `json:"dynamic_results,omitempty"`
}

// SetupResponse carries the aggregate outcome of a setup request.
type SetupResponse struct {
	Result string `json:"result"`
}

// UsageRecord is the accounting state of one rule of one subscriber.
type UsageRecord struct {
	Subscriber string `json:"subscriber"`
	RuleID     string `json:"rule_id"`
	BytesTx    uint64 `json:"bytes_tx"`
	BytesRx    uint64 `json:"bytes_rx"`
}

// TableAssignment describes the flow tables assigned to one controller.
type TableAssignment struct {
	Name          string `json:"name"`
	MainTable     int    `json:"main_table"`
	ScratchTables []int  `json:"scratch_tables,omitempty"`
}

// Problem is the error response body.
type Problem struct {
	Error string `json:"error"`
}

func (s *Server) setupPolicies(w http.ResponseWriter, r *http.Request) {
	var req SetupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, err)
		return
	}
	setup := control.SetupRequest{Epoch: req.Epoch}
	for _, sub := range req.Requests {
		creq, err := convertActivateRequest(sub)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, err)
			return
		}
		setup.Requests = append(setup.Requests, creq)
	}
	res, err := s.Engine.SetupPolicies(r.Context(), setup)
	s.countSetup(res.Code, err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SetupResponse{Result: setupCodeString(res.Code)})
}

func (s *Server) setupMACFlows(w http.ResponseWriter, r *http.Request) {
	var req MACSetupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, err)
		return
	}
	setup := control.MACSetupRequest{Epoch: req.Epoch}
	for _, assoc := range req.Associations {
		setup.Associations = append(setup.Associations, control.MACAssociation{
			Subscriber:   assoc.Subscriber,
			MAC:          assoc.MAC,
			MSISDN:       assoc.MSISDN,
			APName:       assoc.APName,
			APMAC:        assoc.APMAC,
			PDPStartTime: assoc.PDPStartTime,
		})
	}
	res, err := s.Engine.SetupMACFlows(r.Context(), setup)
	s.countSetup(res.Code, err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SetupResponse{Result: setupCodeString(res.Code)})
}

func (s *Server) setupDefaults(w http.ResponseWriter, r *http.Request) {
	var req DefaultsSetupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.Engine.SetupDefaultFlows(r.Context(), req.Epoch)
	s.countSetup(res.Code, err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SetupResponse{Result: setupCodeString(res.Code)})
}

func (s *Server) createDPIFlow(w http.ResponseWriter, r *http.Request) {
	var req DPIFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, err)
		return
	}
	match, err := convertDPIFlowMatch(req.Match)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, err)
		return
	}
	state, err := parseDPIFlowState(req.State)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, err)
		return
	}
	err = s.Engine.CreateDPIFlow(r.Context(), control.DPIFlow{
		Match:       match,
		State:       state,
		AppName:     req.AppName,
		ServiceType: req.ServiceType,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) removeDPIFlow(w http.ResponseWriter, r *http.Request) {
	var req DPIFlowMatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, err)
		return
	}
	match, err := convertDPIFlowMatch(req.Match)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, err)
		return
	}
	if err := s.Engine.RemoveDPIFlow(r.Context(), match); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) updateDPIFlowStats(w http.ResponseWriter, r *http.Request) {
	var req DPIFlowStatsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, err)
		return
	}
	match, err := convertDPIFlowMatch(req.Match)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, err)
		return
	}
	err = s.Engine.UpdateDPIFlowStats(r.Context(), control.DPIFlowStats{
		Match:   match,
		BytesTx: req.BytesTx,
		BytesRx: req.BytesRx,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) updateIPFIXFlow(w http.ResponseWriter, r *http.Request) {
	var req IPFIXFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, err)
		return
	}
	err := s.Engine.UpdateIPFIXFlow(r.Context(), control.IPFIXSample{
		Subscriber:   req.Subscriber,
		MSISDN:       req.MSISDN,
		APMAC:        req.APMAC,
		APName:       req.APName,
		PDPStartTime: req.PDPStartTime,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) activate(w http.ResponseWriter, r *http.Request) {
	var req ActivateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, err)
		return
	}
	creq, err := convertActivateRequest(req)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, err)
		return
	}
	out, err := s.Engine.Activate(r.Context(), creq)
	s.countOriginResult(s.Metrics.Activations, creq.Origin, err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ActivationResponse{
		StaticResults:  convertResults(out.StaticResults),
		DynamicResults: convertResults(out.DynamicResults),
	})
}

func (s *Server) deactivate(w http.ResponseWriter, r *http.Request) {
	var req DeactivateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, err)
		return
	}
	origin, err := parseOrigin(req.Origin)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, err)
		return
	}
	ipv6, err := parseIPv6(req.IPv6)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, err)
		return
	}
	err = s.Engine.Deactivate(r.Context(), control.DeactivateRequest{
		Subscriber:        req.Subscriber,
		IPv4:              req.IPv4,
		IPv6:              ipv6,
		Origin:            origin,
		RuleIDs:           req.RuleIDs,
		RemoveDefaultFlow: req.RemoveDefaultFlow,
	})
	s.countOriginResult(s.Metrics.Deactivations, origin, err)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) addMACFlow(w http.ResponseWriter, r *http.Request) {
	var req MACFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, err)
		return
	}
	if err := s.Engine.AddMACFlow(r.Context(), req.Subscriber, req.MAC); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteMACFlow(w http.ResponseWriter, r *http.Request) {
	var req MACFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, err)
		return
	}
	if err := s.Engine.DeleteMACFlow(r.Context(), req.Subscriber, req.MAC); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) policyUsage(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.Engine.PolicyUsage(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	records := make([]UsageRecord, 0, len(snapshot))
	for _, rec := range snapshot {
		records = append(records, UsageRecord{
			Subscriber: rec.Subscriber,
			RuleID:     rec.RuleID,
			BytesTx:    rec.BytesTx,
			BytesRx:    rec.BytesRx,
		})
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) tableAssignments(w http.ResponseWriter, r *http.Request) {
	assignments := s.Engine.TableAssignments()
	tables := make([]TableAssignment, 0, len(assignments))
	for _, t := range assignments {
		tables = append(tables, TableAssignment{
			Name:          t.Name,
			MainTable:     t.MainTable,
			ScratchTables: t.ScratchTables,
		})
	}
	writeJSON(w, http.StatusOK, tables)
}

func (s *Server) countSetup(code control.SetupCode, err error) {
	result := prom.Success
	switch {
	case err != nil:
		result = errResult(err)
	case code == control.SetupOutdatedEpoch:
		result = prom.ErrStale
	case code == control.SetupFailure:
		result = prom.ErrInternal
	}
	metrics.CounterInc(metrics.CounterWith(s.Metrics.Setups, prom.LabelResult, result))
}

func (s *Server) countOriginResult(
	counter metrics.Counter,
	origin control.Origin,
	err error,
) {
	result := prom.Success
	if err != nil {
		result = errResult(err)
	}
	metrics.CounterInc(metrics.CounterWith(counter,
		"origin", origin.String(), prom.LabelResult, result))
}

func errResult(err error) string {
	switch {
	case errors.Is(err, control.ErrUnavailable):
		return prom.ErrUnavailable
	case errors.Is(err, control.ErrInvalidMAC),
		errors.Is(err, control.ErrNoAddress),
		errors.Is(err, control.ErrInvalidAddress):
		return prom.ErrInvalidReq
	default:
		return prom.ErrNotClassified
	}
}

func convertActivateRequest(req ActivateRequest) (control.ActivateRequest, error) {
	origin, err := parseOrigin(req.Origin)
	if err != nil {
		return control.ActivateRequest{}, err
	}
	ipv6, err := parseIPv6(req.IPv6)
	if err != nil {
		return control.ActivateRequest{}, err
	}
	creq := control.ActivateRequest{
		Subscriber:     req.Subscriber,
		MSISDN:         req.MSISDN,
		UplinkTunnel:   req.UplinkTunnel,
		DownlinkTunnel: req.DownlinkTunnel,
		IPv4:           req.IPv4,
		IPv6:           ipv6,
		Origin:         origin,
		StaticRules:    req.StaticRules,
		RateLimit:      convertRateLimit(req.RateLimit),
	}
	for _, rule := range req.DynamicRules {
		creq.DynamicRules = append(creq.DynamicRules, control.DynamicRule{
			ID:        rule.ID,
			Priority:  rule.Priority,
			Filter:    rule.Filter,
			RateLimit: convertRateLimit(rule.RateLimit),
		})
	}
	return creq, nil
}

func convertRateLimit(limit *RateLimit) *control.RateLimit {
	if limit == nil {
		return nil
	}
	return &control.RateLimit{
		UplinkKbps:   limit.UplinkKbps,
		DownlinkKbps: limit.DownlinkKbps,
	}
}

func convertResults(results []control.RuleModResult) []RuleModResult {
	converted := make([]RuleModResult, 0, len(results))
	for _, res := range results {
		converted = append(converted, RuleModResult{
			RuleID: res.RuleID,
			Result: res.Result.String(),
		})
	}
	return converted
}

func parseOrigin(origin string) (control.Origin, error) {
	switch origin {
	case "", "accounting":
		return control.OriginAccounting, nil
	case "billing":
		return control.OriginBilling, nil
	default:
		return 0, errors.New("unknown origin: " + origin)
	}
}

func convertDPIFlowMatch(match DPIFlowMatch) (control.DPIFlowMatch, error) {
	src, err := netip.ParseAddrPort(match.Src)
	if err != nil {
		return control.DPIFlowMatch{}, err
	}
	dst, err := netip.ParseAddrPort(match.Dst)
	if err != nil {
		return control.DPIFlowMatch{}, err
	}
	return control.DPIFlowMatch{
		IPProto: match.IPProto,
		Src:     src,
		Dst:     dst,
	}, nil
}

func parseDPIFlowState(state string) (control.DPIFlowState, error) {
	switch state {
	case "", "created":
		return control.FlowCreated, nil
	case "partial":
		return control.FlowPartialClassification, nil
	case "final":
		return control.FlowFinalClassification, nil
	case "expired":
		return control.FlowExpired, nil
	default:
		return 0, errors.New("unknown flow state: " + state)
	}
}

func parseIPv6(raw string) ([]byte, error) {
	if raw == "" {
		return nil, nil
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return nil, err
	}
	buf := addr.As16()
	return buf[:], nil
}

func setupCodeString(code control.SetupCode) string {
	switch code {
	case control.SetupSuccess:
		return "success"
	case control.SetupFailure:
		return "failure"
	case control.SetupOutdatedEpoch:
		return "outdated_epoch"
	default:
		return "unknown"
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, control.ErrInvalidMAC),
		errors.Is(err, control.ErrNoAddress),
		errors.Is(err, control.ErrInvalidAddress):
		writeProblem(w, http.StatusBadRequest, err)
	case errors.Is(err, control.ErrUnavailable),
		errors.Is(err, control.ErrExecutorClosed):
		writeProblem(w, http.StatusServiceUnavailable, err)
	default:
		log.FromCtx(r.Context()).Error("API request failed", "err", err)
		writeProblem(w, http.StatusInternalServerError, err)
	}
}

func writeProblem(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, Problem{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
