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
	"context"
	"errors"
	"sync"

	"github.com/openepc/flowd/pkg/log"
	"github.com/openepc/flowd/private/worker"
)

// ErrExecutorClosed is returned by Execute when the executor was closed
// before the posted unit of work completed.
var ErrExecutorClosed = errors.New("executor closed")

const defaultQueueSize = 64

// Executor serializes units of work onto a single dedicated goroutine. All
// dataplane-mutating operations go through one executor, so that two
// concurrent requests for the same subscriber or rule can never interleave
// their version bumps or controller calls: the single worker provides a
// total order over all posted work.
//
// Callers post a unit of work and block until the worker has run it, giving
// them synchronous semantics. The executor defines no timeouts: a caller
// waits until its work is drained. Deadline enforcement, if desired, belongs
// to the transport layer.
type Executor struct {
	// QueueSize bounds the number of queued units of work. Posting to a
	// full queue blocks (back-pressure). Defaults to 64.
	QueueSize int

	initOnce   sync.Once
	tasks      chan task
	workerBase worker.Base
}

type task struct {
	do   func()
	done chan struct{}
}

func (e *Executor) init() {
	e.initOnce.Do(func() {
		size := e.QueueSize
		if size <= 0 {
			size = defaultQueueSize
		}
		e.tasks = make(chan task, size)
	})
}

// Run starts the worker goroutine. It returns once the setup is done and
// must only be called once.
func (e *Executor) Run(ctx context.Context) error {
	return e.workerBase.RunWrapper(ctx, e.setup, e.run)
}

func (e *Executor) setup(ctx context.Context) error {
	e.init()
	return nil
}

func (e *Executor) run(ctx context.Context) error {
	logger := log.FromCtx(ctx)
	go func() {
		defer log.HandlePanic()
		logger.Debug("Executor started")
		defer logger.Debug("Executor stopped")
		for {
			select {
			case t := <-e.tasks:
				t.do()
				close(t.done)
			case <-e.workerBase.GetDoneChan():
				return
			}
		}
	}()
	return nil
}

// Execute posts fn to the execution context and blocks until the worker has
// run it. Work posted before Run is queued and runs once the worker starts.
// Execute returns ErrExecutorClosed if the executor is closed before fn
// completed.
func (e *Executor) Execute(fn func()) error {
	e.init()
	t := task{do: fn, done: make(chan struct{})}
	select {
	case e.tasks <- t:
	case <-e.workerBase.GetDoneChan():
		return ErrExecutorClosed
	}
	select {
	case <-t.done:
		return nil
	case <-e.workerBase.GetDoneChan():
		// The task may have completed concurrently with the close.
		select {
		case <-t.done:
			return nil
		default:
			return ErrExecutorClosed
		}
	}
}

// Close stops the worker goroutine. Pending units of work are abandoned and
// their callers receive ErrExecutorClosed.
func (e *Executor) Close(ctx context.Context) error {
	return e.workerBase.CloseWrapper(ctx, nil)
}
