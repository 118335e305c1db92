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

package metrics

import (
	"sort"
	"strings"
	"sync"
)

// TestCounter implements a counter for use in tests. Each unique combination
// of label values is tracked separately. The zero value is ready for use and
// all counters derived from it via With share the same underlying state.
type TestCounter struct {
	mu     sync.Mutex
	values map[string]float64

	root *TestCounter
	lvs  labelValuesSlice
}

func (c *TestCounter) rootCounter() *TestCounter {
	if c.root != nil {
		return c.root
	}
	return c
}

// With implements Counter.
func (c *TestCounter) With(labelValues ...string) Counter {
	return &TestCounter{
		root: c.rootCounter(),
		lvs:  c.lvs.with(labelValues...),
	}
}

// Add implements Counter.
func (c *TestCounter) Add(delta float64) {
	root := c.rootCounter()
	root.mu.Lock()
	defer root.mu.Unlock()
	if root.values == nil {
		root.values = make(map[string]float64)
	}
	root.values[labelsKey(c.lvs)] += delta
}

func labelsKey(lvs labelValuesSlice) string {
	pairs := make([]string, 0, len(lvs)/2)
	for i := 0; i+1 < len(lvs); i += 2 {
		pairs = append(pairs, lvs[i]+"="+lvs[i+1])
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

// CounterValue extracts the value out of a TestCounter for the counter's
// current label values. The function panics if the argument is not a
// *TestCounter.
func CounterValue(c Counter) float64 {
	tc := c.(*TestCounter)
	root := tc.rootCounter()
	root.mu.Lock()
	defer root.mu.Unlock()
	return root.values[labelsKey(tc.lvs)]
}
