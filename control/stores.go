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
	"encoding/binary"
	"net/netip"
	"strconv"

	cache "github.com/patrickmn/go-cache"
)

// TunnelMapper records the uplink/downlink tunnel pair of a session. Entries
// never expire; removal is an external concern.
type TunnelMapper struct {
	c *cache.Cache
}

// NewTunnelMapper creates an empty tunnel mapper.
func NewTunnelMapper() *TunnelMapper {
	return &TunnelMapper{c: cache.New(cache.NoExpiration, 0)}
}

// SaveTunnels records the downlink tunnel under the uplink tunnel id.
func (m *TunnelMapper) SaveTunnels(uplink, downlink uint32) {
	m.c.Set(tunnelKey(uplink), downlink, cache.NoExpiration)
}

// DownlinkTunnel returns the downlink tunnel recorded for the uplink tunnel
// id.
func (m *TunnelMapper) DownlinkTunnel(uplink uint32) (uint32, bool) {
	v, ok := m.c.Get(tunnelKey(uplink))
	if !ok {
		return 0, false
	}
	return v.(uint32), true
}

func tunnelKey(uplink uint32) string {
	return strconv.FormatUint(uint64(uplink), 10)
}

// PrefixMapper records the interface-identifier to prefix mapping derived
// from assigned IPv6 addresses. It is populated as a side effect of IPv6
// activation and consumed by the dataplane when attributing downlink
// traffic. Entries never expire.
type PrefixMapper struct {
	c *cache.Cache
}

// NewPrefixMapper creates an empty prefix mapper.
func NewPrefixMapper() *PrefixMapper {
	return &PrefixMapper{c: cache.New(cache.NoExpiration, 0)}
}

// SavePrefix derives the interface identifier and /64 prefix of the given
// IPv6 address and records the mapping.
func (m *PrefixMapper) SavePrefix(addr netip.Addr) {
	m.c.Set(interfaceKey(InterfaceID(addr)), PrefixOf(addr), cache.NoExpiration)
}

// Prefix returns the prefix recorded for the interface identifier.
func (m *PrefixMapper) Prefix(interfaceID uint64) (netip.Prefix, bool) {
	v, ok := m.c.Get(interfaceKey(interfaceID))
	if !ok {
		return netip.Prefix{}, false
	}
	return v.(netip.Prefix), true
}

func interfaceKey(interfaceID uint64) string {
	return strconv.FormatUint(interfaceID, 16)
}

// InterfaceID returns the interface identifier of an IPv6 address: its low
// 64 bits.
func InterfaceID(addr netip.Addr) uint64 {
	raw := addr.As16()
	return binary.BigEndian.Uint64(raw[8:])
}

// PrefixOf returns the /64 prefix an IPv6 address was assigned from.
func PrefixOf(addr netip.Addr) netip.Prefix {
	return netip.PrefixFrom(addr, 64).Masked()
}
