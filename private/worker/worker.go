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

// Package worker contains helpers for working with long-running goroutines
// that need to be started and stopped.
package worker

import (
	"context"
	"sync"

	"github.com/openepc/flowd/pkg/private/serrors"
)

// Base provides basic operations for objects designed to run as goroutines.
// It implements common functionality for ensuring single run and clean
// shutdown. The zero value is a valid object.
//
// Users of Base should compose it into their worker type, and hook the Run
// and Close methods of the worker to RunWrapper and CloseWrapper.
type Base struct {
	mu sync.Mutex
	// running is set when the worker starts running.
	running bool
	// closed is set when the worker is closed.
	closed bool
	// done is closed when the worker is closed. It can be used to signal
	// internal goroutines that they should shut down.
	done chan struct{}
}

func (b *Base) initLocked() {
	if b.done == nil {
		b.done = make(chan struct{})
	}
}

// RunWrapper runs the worker. The setup function, unless nil, runs first; if
// it errors, the run function is skipped. The run function, unless nil, runs
// after. RunWrapper returns an error if called more than once, and returns
// nil without invoking anything if the worker was closed first.
func (b *Base) RunWrapper(
	ctx context.Context,
	setup func(ctx context.Context) error,
	run func(ctx context.Context) error,
) error {

	b.mu.Lock()
	b.initLocked()
	if b.running {
		b.mu.Unlock()
		return serrors.New("worker has already run")
	}
	b.running = true
	closed := b.closed
	b.mu.Unlock()

	if closed {
		return nil
	}
	if setup != nil {
		if err := setup(ctx); err != nil {
			return err
		}
	}
	if run == nil {
		return nil
	}
	return run(ctx)
}

// CloseWrapper closes the done channel (signaling internal goroutines to
// shut down) and runs the closer function, unless nil. Calls after the first
// are no-ops.
func (b *Base) CloseWrapper(
	ctx context.Context,
	closer func(ctx context.Context) error,
) error {

	b.mu.Lock()
	b.initLocked()
	alreadyClosed := b.closed
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	b.mu.Unlock()

	if alreadyClosed || closer == nil {
		return nil
	}
	return closer(ctx)
}

// GetDoneChan returns a channel that is closed once the worker is closed.
func (b *Base) GetDoneChan() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.initLocked()
	return b.done
}
