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

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/monitord/internal/log"
	monerrors "github.com/tombee/monitord/pkg/errors"
)

// Sink receives each dequeued item. A returned error is logged and the
// propagator moves on to the next item.
type Sink[T any] func(ctx context.Context, item T) error

// Observer is notified about propagation outcomes. internal/metrics implements it.
type Observer interface {
	Propagated(propagator string, d time.Duration)
	Failed(propagator string, err error)
	Depth(propagator string, depth int)
}

// Option configures a Propagator.
type Option func(*options)

type options struct {
	tracer   trace.Tracer
	observer Observer
}

// WithTracer sets the tracer used for per-item spans. Defaults to the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithObserver reports outcomes to obs.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// Propagator owns one Queue and forwards every item to a sink on a dedicated goroutine.
type Propagator[T any] struct {
	name   string
	queue  *Queue[T]
	sink   Sink[T]
	logger *slog.Logger
	opts   options

	mu      sync.Mutex
	started bool
	done    chan struct{}
}

// NewPropagator creates a propagator draining q into sink. The propagator takes
// ownership of q.
func NewPropagator[T any](name string, q *Queue[T], sink Sink[T], logger *slog.Logger, opts ...Option) *Propagator[T] {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer("monitord/queue")
	}
	return &Propagator[T]{
		name:   name,
		queue:  q,
		sink:   sink,
		logger: log.WithComponent(logger, "propagator").With(slog.String("propagator", name)),
		opts:   o,
		done:   make(chan struct{}),
	}
}

// Name returns the propagator name.
func (p *Propagator[T]) Name() string { return p.name }

// Queue returns the owned queue.
func (p *Propagator[T]) Queue() *Queue[T] { return p.queue }

// Enqueue submits item for propagation.
func (p *Propagator[T]) Enqueue(ctx context.Context, item T) error {
	if err := p.queue.Enqueue(ctx, item); err != nil {
		return err
	}
	if p.opts.observer != nil {
		p.opts.observer.Depth(p.name, p.queue.Len())
	}
	return nil
}

// Start opens the queue and launches the worker. Starting a running
// propagator is a no-op; a stopped one cannot be restarted.
func (p *Propagator[T]) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started && p.queue.State() == StateOpen {
		return nil
	}
	if err := p.queue.Open(); err != nil {
		return fmt.Errorf("propagator %s: failed to open queue: %w", p.name, err)
	}
	p.started = true
	go p.run()
	p.logger.Debug("propagator started")
	return nil
}

// Stop closes the queue and blocks until the worker has drained it and exited.
// No sink call happens after Stop returns.
func (p *Propagator[T]) Stop() {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()

	_ = p.queue.Close()
	if !started {
		return
	}
	<-p.done
	p.logger.Debug("propagator stopped")
}

func (p *Propagator[T]) run() {
	defer close(p.done)

	ctx := context.Background()
	for {
		item, err := p.queue.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, monerrors.ErrQueueClosed) {
				p.logger.Error("dequeue failed", log.Error(err))
			}
			return
		}
		p.forward(ctx, item)
	}
}

func (p *Propagator[T]) forward(ctx context.Context, item T) {
	ctx, span := p.opts.tracer.Start(ctx, "propagate",
		trace.WithAttributes(attribute.String("monitord.propagator", p.name)))
	defer span.End()

	start := time.Now()
	err := p.callSink(ctx, item)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		// Transient transport failures are expected while a broker reconnects.
		retryable := monerrors.IsRetryable(err)
		level := slog.LevelError
		if retryable {
			level = slog.LevelWarn
		}
		p.logger.Log(ctx, level, "propagation failed, skipping item", log.Error(err), slog.Bool("retryable", retryable))
		if p.opts.observer != nil {
			p.opts.observer.Failed(p.name, err)
		}
	} else if p.opts.observer != nil {
		p.opts.observer.Propagated(p.name, time.Since(start))
	}
	if p.opts.observer != nil {
		p.opts.observer.Depth(p.name, p.queue.Len())
	}
}

// callSink converts a sink panic into an error so the loop survives it.
func (p *Propagator[T]) callSink(ctx context.Context, item T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	return p.sink(ctx, item)
}
