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

// Package receiver implements the monitoring-data receiver: it owns the
// inbound subscriptions, parses payloads into records and fans each record
// out to the registered observers in registration order.
package receiver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/monitord/internal/log"
	"github.com/tombee/monitord/internal/model"
	"github.com/tombee/monitord/internal/queue"
	"github.com/tombee/monitord/internal/transport"
)

// ErrStopped is returned by operations on a stopped receiver.
var ErrStopped = errors.New("receiver is stopped")

// Callback observes one record. A returned error or a panic is logged and
// does not stop delivery to later observers.
type Callback func(ctx context.Context, record model.MonitoringRecord) error

// Router is an inbound endpoint that routes pushed payloads by channel,
// such as the HTTP server.
type Router interface {
	Handle(channel string, h transport.Handler)
	Remove(channel string)
}

// Observable is one inbound source. Exactly one of Client and Router is set.
type Observable struct {
	ID      string
	Channel string
	QoS     transport.QoS
	Client  transport.Client
	Router  Router

	// Parser decodes payloads. Nil means JSONParser{}.
	Parser Parser

	// Owned hands the client to the receiver, which closes it when the
	// observable is removed or replaced and on Stop.
	Owned bool
}

func (o Observable) validate() error {
	if o.ID == "" {
		return fmt.Errorf("observable id is required")
	}
	if o.Channel == "" {
		return fmt.Errorf("observable %s: channel is required", o.ID)
	}
	if (o.Client == nil) == (o.Router == nil) {
		return fmt.Errorf("observable %s: exactly one of client and router must be set", o.ID)
	}
	if !o.QoS.Valid() {
		return fmt.Errorf("observable %s: invalid qos %d", o.ID, o.QoS)
	}
	return nil
}

// Republish configures re-publication of every record on an outbound channel.
type Republish struct {
	Client  transport.Client
	Channel string
	QoS     transport.QoS
}

// Metrics receives receiver events. internal/metrics implements it.
type Metrics interface {
	Received(source string)
	ParseFailed(source string)
	Delivered(observer string)
	ObserverFailed(observer string)
}

// Config configures a Receiver.
type Config struct {
	// InboundCapacity is the buffer between transports and the dispatch goroutine.
	// Default: 1024
	InboundCapacity int

	// Republish enables the outbound propagator when set.
	Republish *Republish

	// QueueCapacity bounds the republish queue. Zero means unbounded.
	QueueCapacity int

	Metrics       Metrics
	QueueObserver queue.Observer
	Logger        *slog.Logger
}

type lifecycle int

const (
	created lifecycle = iota
	started
	stopped
)

type observableEntry struct {
	obs    Observable
	gen    uint64
	parser Parser
}

type callbackEntry struct {
	id      string
	pattern string
	cb      Callback
}

type inbound struct {
	source  string
	gen     uint64
	channel string
	payload []byte
}

// Receiver multiplexes inbound monitoring data to observers. Construct one
// per pipeline and pass it explicitly to its dependents.
type Receiver struct {
	logger  *slog.Logger
	metrics Metrics
	tracer  trace.Tracer

	republish  *Republish
	propagator *queue.Propagator[model.MonitoringRecord]

	// opMu serialises observable changes, which involve network calls.
	opMu sync.Mutex

	// mu guards the registration maps and is never held across callbacks or network calls.
	mu          sync.RWMutex
	state       lifecycle
	observables map[string]*observableEntry
	callbacks   []callbackEntry
	nextGen     uint64

	inbound  chan inbound
	stopping chan struct{}
	done     chan struct{}
}

// New creates a receiver in the created state.
func New(cfg Config) *Receiver {
	capacity := cfg.InboundCapacity
	if capacity <= 0 {
		capacity = 1024
	}
	r := &Receiver{
		logger:      log.WithComponent(cfg.Logger, "receiver"),
		metrics:     cfg.Metrics,
		tracer:      otel.Tracer("monitord/receiver"),
		republish:   cfg.Republish,
		observables: make(map[string]*observableEntry),
		inbound:     make(chan inbound, capacity),
		stopping:    make(chan struct{}),
		done:        make(chan struct{}),
	}
	if r.metrics == nil {
		r.metrics = noopMetrics{}
	}
	if cfg.Republish != nil {
		var opts []queue.Option
		if cfg.QueueObserver != nil {
			opts = append(opts, queue.WithObserver(cfg.QueueObserver))
		}
		r.propagator = queue.NewPropagator("receiver-republish",
			queue.New[model.MonitoringRecord](cfg.QueueCapacity), r.publish, cfg.Logger, opts...)
	}
	return r
}

// Start launches the dispatch goroutine and the republish propagator.
// Starting a started receiver is a no-op; a stopped one cannot be restarted.
func (r *Receiver) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case started:
		return nil
	case stopped:
		return ErrStopped
	}
	if r.propagator != nil {
		if err := r.propagator.Start(); err != nil {
			return err
		}
	}
	r.state = started
	go r.dispatchLoop()
	r.logger.Info("receiver started", slog.Int("observables", len(r.observables)))
	return nil
}

// Stop closes intake, dispatches what is already buffered, then drains and
// joins the republish propagator. Owned clients are closed last.
func (r *Receiver) Stop(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	if r.state == stopped {
		r.mu.Unlock()
		return nil
	}
	wasStarted := r.state == started
	r.state = stopped
	entries := make([]*observableEntry, 0, len(r.observables))
	for _, e := range r.observables {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	var errs []error
	for _, e := range entries {
		if err := r.unsubscribe(ctx, e.obs); err != nil {
			errs = append(errs, err)
		}
	}

	// Buffered messages still resolve their source while the loop drains.
	close(r.stopping)
	if wasStarted {
		<-r.done
	}
	r.mu.Lock()
	r.observables = make(map[string]*observableEntry)
	r.mu.Unlock()

	if r.propagator != nil {
		r.propagator.Stop()
	}

	for _, e := range entries {
		if e.obs.Owned && e.obs.Client != nil {
			if err := e.obs.Client.Close(); err != nil {
				r.logger.Warn("failed to close client", log.Source(e.obs.ID), log.Error(err))
			}
		}
	}
	r.logger.Info("receiver stopped")
	return errors.Join(errs...)
}

// AddObservable subscribes to a source. A source with the same ID is removed
// first, so its channel receives no further deliveries.
func (r *Receiver) AddObservable(ctx context.Context, obs Observable) error {
	if err := obs.validate(); err != nil {
		return err
	}
	parser := obs.Parser
	if parser == nil {
		parser = JSONParser{}
	}

	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	if r.state == stopped {
		r.mu.Unlock()
		return ErrStopped
	}
	old := r.observables[obs.ID]
	r.nextGen++
	entry := &observableEntry{obs: obs, gen: r.nextGen, parser: parser}
	r.observables[obs.ID] = entry
	r.mu.Unlock()

	if old != nil {
		if old.obs.Client != nil && old.obs.Client == obs.Client {
			if err := r.unsubscribe(ctx, old.obs); err != nil {
				r.logger.Warn("failed to unsubscribe", log.Source(obs.ID), log.Error(err))
			}
		} else {
			r.release(ctx, old.obs)
		}
		r.logger.Info("replacing observable", log.Source(obs.ID))
	}

	handler := r.handler(obs.ID, entry.gen)
	var err error
	if obs.Client != nil {
		if err = obs.Client.Connect(ctx); err == nil {
			err = obs.Client.Subscribe(ctx, obs.Channel, obs.QoS, handler)
		}
	} else {
		obs.Router.Handle(obs.Channel, handler)
	}
	if err != nil {
		r.mu.Lock()
		if cur, ok := r.observables[obs.ID]; ok && cur.gen == entry.gen {
			delete(r.observables, obs.ID)
		}
		r.mu.Unlock()
		return err
	}

	r.logger.Info("observable added", log.Source(obs.ID), log.Channel(obs.Channel))
	return nil
}

// RemoveObservable unsubscribes a source. Unknown IDs are ignored.
func (r *Receiver) RemoveObservable(ctx context.Context, id string) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	entry, ok := r.observables[id]
	delete(r.observables, id)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	r.release(ctx, entry.obs)
	r.logger.Info("observable removed", log.Source(id))
	return nil
}

// Observables returns the IDs of the registered sources.
func (r *Receiver) Observables() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.observables))
	for id := range r.observables {
		ids = append(ids, id)
	}
	return ids
}

// AddCallback registers an observer for every record. Re-registering an ID
// replaces its callback in place.
func (r *Receiver) AddCallback(id string, cb Callback) {
	r.setCallback(callbackEntry{id: id, cb: cb})
}

// AddCallbackFor registers an observer for records arriving on channels that
// match pattern, a doublestar glob such as "plant/**".
func (r *Receiver) AddCallbackFor(id, pattern string, cb Callback) error {
	if !doublestar.ValidatePattern(pattern) {
		return fmt.Errorf("invalid channel pattern %q", pattern)
	}
	r.setCallback(callbackEntry{id: id, pattern: pattern, cb: cb})
	return nil
}

func (r *Receiver) setCallback(e callbackEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.callbacks {
		if r.callbacks[i].id == e.id {
			r.callbacks[i] = e
			return
		}
	}
	r.callbacks = append(r.callbacks, e)
}

// RemoveCallback unregisters an observer. Unknown IDs are ignored.
func (r *Receiver) RemoveCallback(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.callbacks {
		if r.callbacks[i].id == id {
			r.callbacks = append(r.callbacks[:i], r.callbacks[i+1:]...)
			return
		}
	}
}

// Deliver posts a payload as if it arrived from source on channel. It blocks
// while the inbound buffer is full.
func (r *Receiver) Deliver(source, channel string, payload []byte) error {
	r.mu.RLock()
	var gen uint64
	if e, ok := r.observables[source]; ok {
		gen = e.gen
	}
	r.mu.RUnlock()
	return r.post(inbound{source: source, gen: gen, channel: channel, payload: payload})
}

func (r *Receiver) handler(source string, gen uint64) transport.Handler {
	return func(channel string, payload []byte) {
		if err := r.post(inbound{source: source, gen: gen, channel: channel, payload: payload}); err != nil {
			r.logger.Debug("dropping message after stop", log.Source(source), log.Channel(channel))
		}
	}
}

func (r *Receiver) post(msg inbound) error {
	select {
	case <-r.stopping:
		return ErrStopped
	default:
	}
	select {
	case r.inbound <- msg:
		r.metrics.Received(msg.source)
		return nil
	case <-r.stopping:
		return ErrStopped
	}
}

func (r *Receiver) dispatchLoop() {
	defer close(r.done)
	for {
		select {
		case msg := <-r.inbound:
			r.dispatch(msg)
		case <-r.stopping:
			for {
				select {
				case msg := <-r.inbound:
					r.dispatch(msg)
				default:
					return
				}
			}
		}
	}
}

// dispatch parses one message and fans each record out. It only ever runs on
// the dispatch goroutine, so fan-out is never concurrent.
func (r *Receiver) dispatch(msg inbound) {
	ctx, span := r.tracer.Start(context.Background(), "receive", trace.WithAttributes(
		attribute.String("monitord.source", msg.source),
		attribute.String("monitord.channel", msg.channel),
	))
	defer span.End()

	r.mu.RLock()
	entry, known := r.observables[msg.source]
	callbacks := append([]callbackEntry(nil), r.callbacks...)
	r.mu.RUnlock()

	// Messages from a replaced or removed subscription.
	if msg.gen != 0 && (!known || entry.gen != msg.gen) {
		r.logger.Debug("discarding message from stale subscription", log.Source(msg.source))
		return
	}

	var parser Parser = JSONParser{}
	if known {
		parser = entry.parser
	}
	records, err := parser.Parse(ctx, msg.source, msg.channel, msg.payload)
	if err != nil {
		r.metrics.ParseFailed(msg.source)
		span.RecordError(err)
		r.logger.Warn("discarding unparseable message", log.Source(msg.source), log.Channel(msg.channel), log.Error(err))
		return
	}

	for _, rec := range records {
		r.fanOut(ctx, msg.channel, rec, callbacks)
		if r.propagator != nil {
			if err := r.propagator.Enqueue(ctx, rec); err != nil {
				r.logger.Warn("republish enqueue failed", log.Entity(rec.EntityID), log.Error(err))
			}
		}
	}
}

func (r *Receiver) fanOut(ctx context.Context, channel string, rec model.MonitoringRecord, callbacks []callbackEntry) {
	for _, c := range callbacks {
		if c.pattern != "" {
			if ok, _ := doublestar.Match(c.pattern, channel); !ok {
				continue
			}
		}
		if err := invoke(ctx, c.cb, rec); err != nil {
			r.metrics.ObserverFailed(c.id)
			r.logger.Warn("observer failed", log.Observer(c.id), log.Entity(rec.EntityID), log.Error(err))
			continue
		}
		r.metrics.Delivered(c.id)
	}
}

func invoke(ctx context.Context, cb Callback, rec model.MonitoringRecord) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("observer panic: %v", p)
		}
	}()
	return cb(ctx, rec)
}

// publish is the republish propagator's sink.
func (r *Receiver) publish(ctx context.Context, rec model.MonitoringRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	return r.republish.Client.Publish(ctx, r.republish.Channel, payload, r.republish.QoS)
}

// release closes an observable's subscription and, when owned, its client.
func (r *Receiver) release(ctx context.Context, obs Observable) {
	if err := r.unsubscribe(ctx, obs); err != nil {
		r.logger.Warn("failed to unsubscribe", log.Source(obs.ID), log.Error(err))
	}
	if obs.Owned && obs.Client != nil {
		if err := obs.Client.Close(); err != nil {
			r.logger.Warn("failed to close client", log.Source(obs.ID), log.Error(err))
		}
	}
}

func (r *Receiver) unsubscribe(ctx context.Context, obs Observable) error {
	if obs.Router != nil {
		obs.Router.Remove(obs.Channel)
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return obs.Client.Unsubscribe(ctx, obs.Channel)
}

type noopMetrics struct{}

func (noopMetrics) Received(string)       {}
func (noopMetrics) ParseFailed(string)    {}
func (noopMetrics) Delivered(string)      {}
func (noopMetrics) ObserverFailed(string) {}
