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

// Package control implements the control plane of the dataplane policy
// pipeline. It translates policy lifecycle requests (setup, activate,
// deactivate, usage query) for subscriber sessions into ordered, fenced
// mutations against the independent flow-rule controllers, and aggregates
// their per-rule results into one coherent outcome.
package control

import (
	"errors"
	"net/netip"

	"github.com/openepc/flowd/pkg/private/serrors"
)

// Errors returned by engine operations. All of them reject a request before
// any dataplane state is touched.
var (
	// ErrUnavailable is returned when the capability targeted by an
	// operation is not enabled in this deployment.
	ErrUnavailable = errors.New("capability not enabled")
	// ErrInvalidMAC is returned for a malformed MAC address.
	ErrInvalidMAC = errors.New("invalid MAC address")
	// ErrNoAddress is returned when an activation carries no address and the
	// deployment is not address-less.
	ErrNoAddress = errors.New("no address provided")
	// ErrInvalidAddress is returned for addresses that cannot be parsed.
	ErrInvalidAddress = errors.New("invalid address")
)

// Origin classifies the billing impact of a request. Accounting-only
// requests route to the enforcement controller, billing-metered requests to
// the billing controller.
type Origin int

const (
	// OriginAccounting marks requests with no billing impact.
	OriginAccounting Origin = iota
	// OriginBilling marks billing-metered requests.
	OriginBilling
)

func (o Origin) String() string {
	switch o {
	case OriginAccounting:
		return "accounting"
	case OriginBilling:
		return "billing"
	default:
		return "unknown"
	}
}

// RuleResult is the outcome of a single rule mutation.
type RuleResult int

const (
	// ResultSuccess indicates the controller applied the rule.
	ResultSuccess RuleResult = iota
	// ResultFailure indicates the controller could not apply the rule.
	ResultFailure
)

func (r RuleResult) String() string {
	if r == ResultSuccess {
		return "success"
	}
	return "failure"
}

// RuleModResult is the per-rule result reported by a controller.
type RuleModResult struct {
	RuleID string
	Result RuleResult
}

// ActivationOutcome aggregates per-rule results of an activation. Static and
// dynamic rules are tracked in separate ordered sequences. A rule identifier
// appears at most once per sequence per controller stage.
type ActivationOutcome struct {
	StaticResults  []RuleModResult
	DynamicResults []RuleModResult
}

// extend appends the results of other, preserving order.
func (o *ActivationOutcome) extend(other ActivationOutcome) {
	o.StaticResults = append(o.StaticResults, other.StaticResults...)
	o.DynamicResults = append(o.DynamicResults, other.DynamicResults...)
}

// RateLimit describes an aggregate bitrate limit for a session or rule.
type RateLimit struct {
	UplinkKbps   uint64
	DownlinkKbps uint64
}

// DynamicRule is a rule whose full content is carried inline in the request,
// in contrast to static rules, which are referenced by identifier and
// resolved by the controllers.
type DynamicRule struct {
	// ID identifies the rule within the session.
	ID string
	// Priority orders the rule relative to other rules of the session.
	Priority uint32
	// Filter is the traffic match expression, interpreted by the
	// controllers.
	Filter string
	// RateLimit is the optional per-rule bitrate limit.
	RateLimit *RateLimit
}

// ActivateRequest activates rules for a subscriber session. IPv4 and IPv6
// may be set independently; each address family present is processed as an
// independent sub-operation. At least one address is required unless the
// deployment is address-less.
type ActivateRequest struct {
	Subscriber     string
	MSISDN         string
	UplinkTunnel   uint32
	DownlinkTunnel uint32
	// IPv4 is the dotted-quad session address, empty if absent.
	IPv4 string
	// IPv6 is the raw 16-byte session address, nil if absent.
	IPv6   []byte
	Origin Origin
	// StaticRules are identifiers of rules resolved by the controllers.
	StaticRules  []string
	DynamicRules []DynamicRule
	// RateLimit is the session aggregate maximum bitrate.
	RateLimit *RateLimit
}

// DeactivateRequest deactivates rules for a subscriber session. An empty
// RuleIDs list deactivates all rules of the session.
type DeactivateRequest struct {
	Subscriber string
	IPv4       string
	IPv6       []byte
	Origin     Origin
	RuleIDs    []string
	// RemoveDefaultFlow additionally removes the session's default flow from
	// the stats controller. Ignored for billing-metered requests.
	RemoveDefaultFlow bool
}

// SetupCode is the aggregate outcome of a setup request.
type SetupCode int

const (
	// SetupSuccess indicates the snapshot was replayed.
	SetupSuccess SetupCode = iota
	// SetupFailure indicates at least one controller failed the replay.
	SetupFailure
	// SetupOutdatedEpoch indicates the request was fenced by the epoch
	// guard and no prior result was recorded.
	SetupOutdatedEpoch
)

// SetupResult is the outcome of a setup request.
type SetupResult struct {
	Code SetupCode
}

// SetupRequest replaces the desired policy state after a restart. The epoch
// must be strictly greater than the last accepted one per controller group.
type SetupRequest struct {
	Epoch    uint64
	Requests []ActivateRequest
}

// MACAssociation associates a subscriber with a device MAC address, used by
// address-less deployments.
type MACAssociation struct {
	Subscriber string
	MAC        string
	MSISDN     string
	// APName is the access point the device attached through.
	APName string
	// APMAC is the MAC address of that access point.
	APMAC string
	// PDPStartTime is the session start time in seconds since the epoch.
	PDPStartTime uint64
}

// MACSetupRequest replaces the desired MAC association state after a
// restart.
type MACSetupRequest struct {
	Epoch        uint64
	Associations []MACAssociation
}

// DPIFlowState is the classification state of an application flow.
type DPIFlowState int

const (
	// FlowCreated marks a flow that was seen but not yet classified.
	FlowCreated DPIFlowState = iota
	// FlowPartialClassification marks a flow with a preliminary verdict.
	FlowPartialClassification
	// FlowFinalClassification marks a fully classified flow.
	FlowFinalClassification
	// FlowExpired marks a flow whose classification is no longer valid.
	FlowExpired
)

func (s DPIFlowState) String() string {
	switch s {
	case FlowCreated:
		return "created"
	case FlowPartialClassification:
		return "partial"
	case FlowFinalClassification:
		return "final"
	case FlowExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// DPIFlowMatch identifies one application flow by its five-tuple.
type DPIFlowMatch struct {
	IPProto uint8
	Src     netip.AddrPort
	Dst     netip.AddrPort
}

// DPIFlow is a classified application flow.
type DPIFlow struct {
	Match DPIFlowMatch
	State DPIFlowState
	// AppName is the classified application.
	AppName string
	// ServiceType refines the application classification.
	ServiceType string
}

// DPIFlowStats carries observed traffic counters of an application flow.
type DPIFlowStats struct {
	Match   DPIFlowMatch
	BytesTx uint64
	BytesRx uint64
}

// IPFIXSample describes the sampling record of one attached device.
type IPFIXSample struct {
	Subscriber string
	MSISDN     string
	// APMAC is the MAC address of the access point the device attached
	// through.
	APMAC  string
	APName string
	// PDPStartTime is the session start time in seconds since the epoch.
	PDPStartTime uint64
}

// TableAssignment describes the flow tables assigned to one controller.
type TableAssignment struct {
	Name          string
	MainTable     int
	ScratchTables []int
}

// UsageRecord is the accounting state of one rule of one subscriber.
type UsageRecord struct {
	Subscriber string
	RuleID     string
	BytesTx    uint64
	BytesRx    uint64
}

// UsageSnapshot is the current accounting state reported by the stats
// controller.
type UsageSnapshot []UsageRecord

// macAddressLen is the expected length of a MAC address string:
// 12 hex digits plus 5 separators.
const macAddressLen = 17

func validateMAC(mac string) error {
	if len(mac) != macAddressLen {
		return serrors.Join(ErrInvalidMAC, nil, "mac", mac, "len", len(mac))
	}
	return nil
}

// requestAddrs resolves the address families present on a request, in
// processing order (IPv4 first). In address-less mode a request without any
// address yields the zero address, targeting the subscriber only.
func requestAddrs(ipv4 string, ipv6 []byte, addressless bool) ([]netip.Addr, error) {
	var addrs []netip.Addr
	switch {
	case ipv4 != "":
		addr, err := netip.ParseAddr(ipv4)
		if err != nil || !addr.Is4() {
			return nil, serrors.Join(ErrInvalidAddress, err, "ipv4", ipv4)
		}
		addrs = append(addrs, addr)
	case addressless:
		addrs = append(addrs, netip.Addr{})
	}
	if len(ipv6) > 0 {
		addr, ok := netip.AddrFromSlice(ipv6)
		if !ok || !addr.Is6() || addr.Is4In6() {
			return nil, serrors.Join(ErrInvalidAddress, nil, "ipv6_len", len(ipv6))
		}
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, serrors.Join(ErrNoAddress, nil)
	}
	return addrs, nil
}
