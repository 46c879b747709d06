// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package queue provides the generic FIFO queue and the background propagator
// that drains it into a sink.
package queue

import (
	"context"
	"sync"

	monerrors "github.com/tombee/monitord/pkg/errors"
)

// State is the lifecycle state of a Queue.
type State int

const (
	// StateCreated is the initial state. Nothing is admitted until Open.
	StateCreated State = iota
	// StateOpen admits producers and consumers.
	StateOpen
	// StateClosed is terminal. Consumers drain what is left, producers are rejected.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Queue is a concurrent FIFO container with a CREATED→OPEN→CLOSED lifecycle.
// A capacity of zero means unbounded.
type Queue[T any] struct {
	mu       sync.Mutex
	state    State
	items    []T
	capacity int

	notEmpty chan struct{}
	notFull  chan struct{}
	closed   chan struct{}
}

// New creates a queue in the CREATED state.
func New[T any](capacity int) *Queue[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue[T]{
		capacity: capacity,
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
}

// Open transitions CREATED→OPEN. Opening an open queue is a no-op;
// opening a closed queue fails with ErrQueueClosed.
func (q *Queue[T]) Open() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch q.state {
	case StateCreated:
		q.items = make([]T, 0)
		q.state = StateOpen
		return nil
	case StateOpen:
		return nil
	default:
		return monerrors.ErrQueueClosed
	}
}

// Enqueue appends item. It fails with ErrQueueClosed unless the queue is OPEN.
// On a full bounded queue it blocks until space frees up, the queue closes,
// or ctx is done.
func (q *Queue[T]) Enqueue(ctx context.Context, item T) error {
	for {
		q.mu.Lock()
		if q.state != StateOpen {
			q.mu.Unlock()
			return monerrors.ErrQueueClosed
		}
		if q.capacity == 0 || len(q.items) < q.capacity {
			q.items = append(q.items, item)
			signal(q.notEmpty)
			if q.capacity > 0 && len(q.items) < q.capacity {
				signal(q.notFull)
			}
			q.mu.Unlock()
			return nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.closed:
		case <-q.notFull:
		}
	}
}

// Dequeue removes and returns the oldest item, blocking until one is
// available. After Close it keeps returning pending items and only then
// fails with ErrQueueClosed.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if q.state == StateCreated {
			q.mu.Unlock()
			return zero, monerrors.ErrQueueClosed
		}
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			// Chain the wake-up so other blocked callers see what is left.
			if len(q.items) > 0 {
				signal(q.notEmpty)
			}
			signal(q.notFull)
			q.mu.Unlock()
			return item, nil
		}
		if q.state == StateClosed {
			q.mu.Unlock()
			return zero, monerrors.ErrQueueClosed
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-q.closed:
		case <-q.notEmpty:
		}
	}
}

// Close transitions to CLOSED and wakes every blocked caller. It is idempotent.
func (q *Queue[T]) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state == StateClosed {
		return nil
	}
	q.state = StateClosed
	close(q.closed)
	return nil
}

// Len returns the number of pending items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// State returns the current lifecycle state.
func (q *Queue[T]) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Capacity returns the bound, or zero for an unbounded queue.
func (q *Queue[T]) Capacity() int {
	return q.capacity
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
