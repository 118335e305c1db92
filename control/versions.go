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
	"net/netip"
	"sync"
)

// WildcardRule is the session-level sentinel rule identifier bumped by
// BumpAll. Controllers treat a bumped sentinel as invalidating every rule of
// the session.
const WildcardRule = "*"

type versionKey struct {
	subscriber string
	addr       netip.Addr
	ruleID     string
}

// VersionLedger tracks a monotonic version per (subscriber, address, rule).
// Versions are bumped on every activation and deactivation and are used by
// the controllers to fence in-flight dataplane writes against concurrent
// teardown. Versions are never decremented or reused; entries are created
// lazily and never removed (garbage collection is an external concern).
//
// A VersionLedger is safe for concurrent use. Mutations are expected to be
// serialized by the engine's executor; the internal lock only makes
// read-only introspection off the executor safe.
type VersionLedger struct {
	mu       sync.Mutex
	versions map[versionKey]uint64
}

// NewVersionLedger creates an empty ledger.
func NewVersionLedger() *VersionLedger {
	return &VersionLedger{versions: make(map[versionKey]uint64)}
}

// Bump increments the version of the given rule for the session.
// It returns the new version.
func (l *VersionLedger) Bump(subscriber string, addr netip.Addr, ruleID string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := versionKey{subscriber: subscriber, addr: addr, ruleID: ruleID}
	l.versions[key]++
	return l.versions[key]
}

// BumpAll increments the session's wildcard sentinel, invalidating all rules
// of the session at once. It returns the new sentinel version.
func (l *VersionLedger) BumpAll(subscriber string, addr netip.Addr) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := versionKey{subscriber: subscriber, addr: addr, ruleID: WildcardRule}
	l.versions[key]++
	return l.versions[key]
}

// Version returns the current version of the given rule for the session, or
// zero if it was never bumped.
func (l *VersionLedger) Version(subscriber string, addr netip.Addr, ruleID string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.versions[versionKey{subscriber: subscriber, addr: addr, ruleID: ruleID}]
}
