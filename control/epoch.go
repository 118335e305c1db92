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
	"sync"
)

// EpochGuard fences setup requests of one controller group against stale
// restart signals. A setup request must carry an epoch strictly greater than
// the last accepted one; otherwise it is a duplicate and is answered with
// the last known result without mutating anything.
//
// The zero value accepts any epoch as the first one.
type EpochGuard struct {
	mu          sync.Mutex
	initialized bool
	epoch       uint64
	lastResult  *SetupResult

	// State before the last accepted epoch, restored by Abandon.
	prevInitialized bool
	prevEpoch       uint64
	prevResult      *SetupResult
}

// CheckEpoch authorizes or fences a setup request. If epoch is strictly
// newer than the last accepted one, it is recorded and nil is returned,
// authorizing mutation. Otherwise the last recorded result is returned, or a
// result with SetupOutdatedEpoch if none was recorded yet.
func (g *EpochGuard) CheckEpoch(epoch uint64) *SetupResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.initialized && epoch <= g.epoch {
		if g.lastResult != nil {
			res := *g.lastResult
			return &res
		}
		return &SetupResult{Code: SetupOutdatedEpoch}
	}
	g.prevInitialized, g.prevEpoch, g.prevResult = g.initialized, g.epoch, g.lastResult
	g.initialized, g.epoch, g.lastResult = true, epoch, nil
	return nil
}

// Abandon reverts the advance made by CheckEpoch for the given epoch. It is
// called when the authorized mutation never ran, so that a retry with the
// same epoch is not fenced. A no-op once a result was recorded or a newer
// epoch was accepted.
func (g *EpochGuard) Abandon(epoch uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.initialized || g.epoch != epoch || g.lastResult != nil {
		return
	}
	g.initialized, g.epoch, g.lastResult = g.prevInitialized, g.prevEpoch, g.prevResult
}

// RecordResult stores the result of an accepted setup request. It is
// returned to fenced duplicates of the request.
func (g *EpochGuard) RecordResult(res SetupResult) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastResult = &res
}

// Epoch returns the last accepted epoch; ok is false if no epoch was
// accepted yet.
func (g *EpochGuard) Epoch() (epoch uint64, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.epoch, g.initialized
}
