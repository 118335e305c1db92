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
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/openepc/flowd/control"
)

func TestExecutorSerializes(t *testing.T) {
	defer goleak.VerifyNone(t)

	e := &control.Executor{}
	require.NoError(t, e.Run(context.Background()))

	// Concurrent posters never observe interleaved execution: the counter
	// is mutated without synchronization and must still end up exact.
	var counter int
	var g errgroup.Group
	for i := 0; i < 32; i++ {
		g.Go(func() error {
			for j := 0; j < 16; j++ {
				if err := e.Execute(func() { counter++ }); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 32*16, counter)

	require.NoError(t, e.Close(context.Background()))
}

func TestExecutorOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	e := &control.Executor{}
	require.NoError(t, e.Run(context.Background()))
	defer func() {
		require.NoError(t, e.Close(context.Background()))
	}()

	// A single poster observes FIFO order.
	var got []int
	for i := 0; i < 10; i++ {
		require.NoError(t, e.Execute(func() { got = append(got, i) }))
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestExecutorBlocksUntilRun(t *testing.T) {
	defer goleak.VerifyNone(t)

	e := &control.Executor{}

	var wg sync.WaitGroup
	started := make(chan struct{})
	ran := false
	wg.Add(1)
	go func() {
		defer wg.Done()
		close(started)
		assert.NoError(t, e.Execute(func() { ran = true }))
	}()
	<-started

	// Work posted before Run is queued and runs once the worker starts.
	require.NoError(t, e.Run(context.Background()))
	wg.Wait()
	assert.True(t, ran)
	require.NoError(t, e.Close(context.Background()))
}

func TestExecutorBackpressure(t *testing.T) {
	defer goleak.VerifyNone(t)

	e := &control.Executor{QueueSize: 1}
	require.NoError(t, e.Run(context.Background()))

	// Stall the worker so the queue cannot drain.
	release := make(chan struct{})
	stalled := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, e.Execute(func() {
			close(stalled)
			<-release
		}))
	}()
	<-stalled

	// The first post fills the single queue slot, the second blocks on the
	// full queue. Neither returns while the worker is stalled.
	completed := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, e.Execute(func() {}))
			completed <- struct{}{}
		}()
	}
	select {
	case <-completed:
		t.Fatal("post returned while the worker was stalled")
	case <-time.After(50 * time.Millisecond):
	}

	// Unstalling the worker drains both posts: a full queue delays work, it
	// never drops it.
	close(release)
	wg.Wait()
	assert.Len(t, completed, 2)
	require.NoError(t, e.Close(context.Background()))
}

func TestExecutorClosed(t *testing.T) {
	defer goleak.VerifyNone(t)

	e := &control.Executor{}
	require.NoError(t, e.Run(context.Background()))
	require.NoError(t, e.Close(context.Background()))

	err := e.Execute(func() {})
	assert.ErrorIs(t, err, control.ErrExecutorClosed)
}

func TestExecutorCloseUnblocksPending(t *testing.T) {
	defer goleak.VerifyNone(t)

	// Never run: posted work stays queued until Close abandons it.
	e := &control.Executor{QueueSize: 1}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := e.Execute(func() {})
		assert.ErrorIs(t, err, control.ErrExecutorClosed)
	}()

	require.NoError(t, e.Close(context.Background()))
	wg.Wait()
}
