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

// Package aggregator correlates records with the tracked entities, reduces
// their values per entity and attribute, and propagates a result whenever the
// configured trigger fires.
package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/tombee/monitord/internal/log"
	"github.com/tombee/monitord/internal/model"
	"github.com/tombee/monitord/internal/queue"
	"github.com/tombee/monitord/internal/receiver"
	"github.com/tombee/monitord/internal/transport"
)

// ObserverID is the callback ID the aggregator registers under.
const ObserverID = "aggregator"

// Source is where the aggregator registers itself as an observer.
// *receiver.Receiver satisfies it.
type Source interface {
	AddCallback(id string, cb receiver.Callback)
}

// ResultSink receives every emitted result after it is published.
type ResultSink interface {
	Record(ctx context.Context, result model.AggregationResult) error
}

// Publish configures where results are published.
type Publish struct {
	Client  transport.Client
	Channel string
	QoS     transport.QoS
}

// Config configures an Aggregator.
type Config struct {
	// Tracked is the externally owned set of entities. The aggregator only reads it.
	Tracked *model.TrackedSet

	// Trigger decides when windows are emitted. Default: EveryRecord.
	Trigger Trigger

	Publish *Publish
	Sinks   []ResultSink

	// QueueCapacity bounds the outbound queue. Zero means unbounded.
	QueueCapacity int
	QueueObserver queue.Observer

	// MeterProvider defaults to the global provider.
	MeterProvider metric.MeterProvider
	Logger        *slog.Logger
}

// entityState holds the windows of one entity. Its mutex serialises updates
// to the same entity; different entities never contend.
type entityState struct {
	mu      sync.Mutex
	windows map[string]*window
}

// Aggregator reduces observed records into results.
type Aggregator struct {
	logger   *slog.Logger
	trigger  Trigger
	publish  *Publish
	sinks    []ResultSink
	metrics  *metricsCollector
	programs *programCache

	tracked atomic.Pointer[model.TrackedSet]
	states  sync.Map // entity ID -> *entityState

	propagator *queue.Propagator[model.AggregationResult]
}

// New creates an aggregator. Call Start before records are observed.
func New(cfg Config) (*Aggregator, error) {
	provider := cfg.MeterProvider
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	mc, err := newMetricsCollector(provider)
	if err != nil {
		return nil, fmt.Errorf("failed to create aggregator metrics: %w", err)
	}

	a := &Aggregator{
		logger:   log.WithComponent(cfg.Logger, "aggregator"),
		trigger:  cfg.Trigger,
		publish:  cfg.Publish,
		sinks:    cfg.Sinks,
		metrics:  mc,
		programs: newProgramCache(),
	}
	if a.trigger == nil {
		a.trigger = EveryRecord()
	}
	a.tracked.Store(cfg.Tracked)

	var opts []queue.Option
	if cfg.QueueObserver != nil {
		opts = append(opts, queue.WithObserver(cfg.QueueObserver))
	}
	a.propagator = queue.NewPropagator("aggregator",
		queue.New[model.AggregationResult](cfg.QueueCapacity), a.forward, cfg.Logger, opts...)
	return a, nil
}

// Attach registers the aggregator as an observer of src.
func (a *Aggregator) Attach(src Source) {
	src.AddCallback(ObserverID, a.Observe)
}

// Start opens the outbound queue and starts propagation.
func (a *Aggregator) Start() error {
	if err := a.propagator.Start(); err != nil {
		return fmt.Errorf("failed to start aggregator: %w", err)
	}
	a.logger.Info("aggregator started", slog.Int("tracked", a.tracked.Load().Len()))
	return nil
}

// Stop closes the outbound queue and waits for queued results to propagate.
func (a *Aggregator) Stop() {
	a.propagator.Stop()
	a.logger.Info("aggregator stopped")
}

// SetTracked swaps the tracked set. State of entities absent from the new
// set is dropped on their next record.
func (a *Aggregator) SetTracked(set *model.TrackedSet) {
	a.tracked.Store(set)
}

// Tracked returns the current tracked set.
func (a *Aggregator) Tracked() *model.TrackedSet {
	return a.tracked.Load()
}

// Observe folds one record into its entity's window and enqueues a result
// when the trigger fires. Records of unknown entities are discarded.
func (a *Aggregator) Observe(ctx context.Context, rec model.MonitoringRecord) error {
	tracked := a.tracked.Load()
	if !tracked.Known(rec.EntityID) {
		a.metrics.record(ctx, outcomeUnknown)
		if _, ok := a.states.LoadAndDelete(rec.EntityID); ok {
			a.metrics.activeEntities.Add(-1)
		}
		a.logger.Debug("discarding record for unknown entity", log.Entity(rec.EntityID))
		return nil
	}
	te, ok := tracked.Lookup(rec.EntityID, rec.Name)
	if !ok {
		a.metrics.record(ctx, outcomeIgnored)
		log.Trace(a.logger, "attribute not tracked", log.Entity(rec.EntityID), slog.String("attribute", rec.Name))
		return nil
	}

	st := a.state(rec.EntityID)
	st.mu.Lock()
	defer st.mu.Unlock()

	w := st.windows[rec.Name]
	if w == nil || w.fn != te.Function {
		nw, err := newWindow(te.Function, a.programs)
		if err != nil {
			a.metrics.record(ctx, outcomeRejected)
			return fmt.Errorf("entity %s attribute %s: %w", rec.EntityID, rec.Name, err)
		}
		w = nw
		st.windows[rec.Name] = w
	}

	if err := w.add(rec); err != nil {
		a.metrics.record(ctx, outcomeRejected)
		return fmt.Errorf("entity %s attribute %s: %w", rec.EntityID, rec.Name, err)
	}
	a.metrics.record(ctx, outcomeAccepted)

	state, err := w.state(rec.EntityID, rec.Name)
	if err != nil {
		return fmt.Errorf("entity %s attribute %s: %w", rec.EntityID, rec.Name, err)
	}
	fire, err := a.trigger.Fire(state)
	if err != nil {
		return fmt.Errorf("entity %s attribute %s: %w", rec.EntityID, rec.Name, err)
	}
	if !fire {
		return nil
	}
	if a.trigger.Resets() {
		w.reset()
	}
	// Enqueued under the entity lock so results of one entity stay in order.
	return a.emit(ctx, state)
}

// Flush emits every non-empty window regardless of the trigger and resets it.
func (a *Aggregator) Flush(ctx context.Context) error {
	var errs []error
	a.states.Range(func(key, value any) bool {
		st := value.(*entityState)
		st.mu.Lock()
		defer st.mu.Unlock()
		for attr, w := range st.windows {
			if w.count == 0 {
				continue
			}
			state, err := w.state(key.(string), attr)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			w.reset()
			if err := a.emit(ctx, state); err != nil {
				errs = append(errs, err)
			}
		}
		return true
	})
	return errors.Join(errs...)
}

func (a *Aggregator) state(entityID string) *entityState {
	if st, ok := a.states.Load(entityID); ok {
		return st.(*entityState)
	}
	st, loaded := a.states.LoadOrStore(entityID, &entityState{windows: make(map[string]*window)})
	if !loaded {
		a.metrics.activeEntities.Add(1)
	}
	return st.(*entityState)
}

func (a *Aggregator) emit(ctx context.Context, s WindowState) error {
	result := model.AggregationResult{
		EntityID:    s.EntityID,
		Attribute:   s.Attribute,
		Function:    s.Function,
		Value:       s.Value,
		Count:       s.Count,
		WindowStart: s.Start,
		WindowEnd:   s.End,
	}
	fn := string(s.Function)
	if s.Function.IsCustom() {
		fn = "custom"
	}
	a.metrics.result(ctx, fn, s.Count)

	if err := a.propagator.Enqueue(ctx, result); err != nil {
		return fmt.Errorf("failed to enqueue result for %s: %w", s.EntityID, err)
	}
	return nil
}

// forward is the outbound propagator's sink.
func (a *Aggregator) forward(ctx context.Context, result model.AggregationResult) error {
	var errs []error
	if a.publish != nil {
		payload, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		if err := a.publish.Client.Publish(ctx, a.publish.Channel, payload, a.publish.QoS); err != nil {
			errs = append(errs, err)
		}
	}
	for _, sink := range a.sinks {
		if err := sink.Record(ctx, result); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
