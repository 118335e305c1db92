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
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openepc/flowd/control"
)

func TestVersionLedgerMonotonic(t *testing.T) {
	l := control.NewVersionLedger()
	addr := netip.MustParseAddr("192.0.2.1")

	assert.Equal(t, uint64(0), l.Version("sub1", addr, "ruleA"))
	last := uint64(0)
	for i := 0; i < 5; i++ {
		v := l.Bump("sub1", addr, "ruleA")
		assert.Greater(t, v, last)
		last = v
	}
	assert.Equal(t, last, l.Version("sub1", addr, "ruleA"))
}

func TestVersionLedgerKeyIsolation(t *testing.T) {
	l := control.NewVersionLedger()
	v4 := netip.MustParseAddr("192.0.2.1")
	v6 := netip.MustParseAddr("2001:db8::1")

	l.Bump("sub1", v4, "ruleA")
	l.Bump("sub1", v4, "ruleA")
	l.Bump("sub1", v6, "ruleA")
	l.Bump("sub2", v4, "ruleA")

	assert.Equal(t, uint64(2), l.Version("sub1", v4, "ruleA"))
	assert.Equal(t, uint64(1), l.Version("sub1", v6, "ruleA"))
	assert.Equal(t, uint64(1), l.Version("sub2", v4, "ruleA"))
	assert.Equal(t, uint64(0), l.Version("sub1", v4, "ruleB"))
}

func TestVersionLedgerWildcard(t *testing.T) {
	l := control.NewVersionLedger()
	addr := netip.MustParseAddr("192.0.2.1")

	l.Bump("sub1", addr, "ruleA")
	v := l.BumpAll("sub1", addr)
	assert.Equal(t, uint64(1), v)
	assert.Equal(t, v, l.Version("sub1", addr, control.WildcardRule))
	// The sentinel does not touch per-rule versions.
	assert.Equal(t, uint64(1), l.Version("sub1", addr, "ruleA"))
}
