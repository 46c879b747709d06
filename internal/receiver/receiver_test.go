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

package receiver

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/monitord/internal/model"
	"github.com/tombee/monitord/internal/transport"
	"github.com/tombee/monitord/internal/transport/transporttest"
)

type countingMetrics struct {
	mu             sync.Mutex
	received       int
	parseFailed    int
	delivered      map[string]int
	observerFailed map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{delivered: map[string]int{}, observerFailed: map[string]int{}}
}

func (m *countingMetrics) Received(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received++
}

func (m *countingMetrics) ParseFailed(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parseFailed++
}

func (m *countingMetrics) Delivered(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delivered[id]++
}

func (m *countingMetrics) ObserverFailed(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observerFailed[id]++
}

// captureRouter records the handler registered per channel.
type captureRouter struct {
	mu       sync.Mutex
	handlers map[string]transport.Handler
	removed  []string
}

func newCaptureRouter() *captureRouter {
	return &captureRouter{handlers: map[string]transport.Handler{}}
}

func (c *captureRouter) Handle(channel string, h transport.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[channel] = h
}

func (c *captureRouter) Remove(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, channel)
	c.removed = append(c.removed, channel)
}

func (c *captureRouter) handler(channel string) transport.Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers[channel]
}

// recorder collects the entity IDs seen by one observer.
type recorder struct {
	mu   sync.Mutex
	seen []model.MonitoringRecord
}

func (r *recorder) callback(context.Context, model.MonitoringRecord) error { return nil }

func (r *recorder) observe(_ context.Context, rec model.MonitoringRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, rec)
	return nil
}

func (r *recorder) entities() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.seen))
	for _, rec := range r.seen {
		out = append(out, rec.EntityID)
	}
	return out
}

func startReceiver(t *testing.T, cfg Config) *Receiver {
	t.Helper()
	r := New(cfg)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Stop(context.Background()) })
	return r
}

func TestReceiver_FanOutInRegistrationOrder(t *testing.T) {
	metrics := newCountingMetrics()
	r := startReceiver(t, Config{Metrics: metrics})

	var mu sync.Mutex
	var order []string
	record := func(id string, err error) Callback {
		return func(context.Context, model.MonitoringRecord) error {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return err
		}
	}

	r.AddCallback("o1", record("o1", nil))
	r.AddCallback("o2", record("o2", errors.New("observer broke")))
	r.AddCallback("o3", record("o3", nil))

	require.NoError(t, r.Deliver("plant", "plant/temp", []byte(`{"entity": "pump-1", "value": 1}`)))
	require.NoError(t, r.Deliver("plant", "plant/temp", []byte(`{"entity": "pump-1", "value": 2}`)))
	require.NoError(t, r.Stop(context.Background()))

	assert.Equal(t, []string{"o1", "o2", "o3", "o1", "o2", "o3"}, order)
	assert.Equal(t, 2, metrics.delivered["o1"])
	assert.Equal(t, 2, metrics.delivered["o3"])
	assert.Equal(t, 2, metrics.observerFailed["o2"])
	assert.Equal(t, 2, metrics.received)
}

func TestReceiver_ObserverPanicDoesNotStopFanOut(t *testing.T) {
	r := startReceiver(t, Config{})

	after := &recorder{}
	r.AddCallback("panics", func(context.Context, model.MonitoringRecord) error {
		panic("boom")
	})
	r.AddCallback("after", after.observe)

	require.NoError(t, r.Deliver("s", "c", []byte(`{"entity": "e1", "value": true}`)))
	require.NoError(t, r.Stop(context.Background()))

	assert.Equal(t, []string{"e1"}, after.entities())
}

func TestReceiver_ReplaceCallbackKeepsPosition(t *testing.T) {
	r := startReceiver(t, Config{})

	var mu sync.Mutex
	var order []string
	mark := func(label string) Callback {
		return func(context.Context, model.MonitoringRecord) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, label)
			return nil
		}
	}

	r.AddCallback("a", mark("a"))
	r.AddCallback("b", mark("b"))
	r.AddCallback("a", mark("a2"))
	r.AddCallback("c", mark("c"))
	r.RemoveCallback("b")
	r.RemoveCallback("unknown")

	require.NoError(t, r.Deliver("s", "ch", []byte(`{"entity": "e", "value": 1}`)))
	require.NoError(t, r.Stop(context.Background()))

	assert.Equal(t, []string{"a2", "c"}, order)
}

func TestReceiver_CallbackForFiltersByChannel(t *testing.T) {
	r := startReceiver(t, Config{})

	plant := &recorder{}
	all := &recorder{}
	require.NoError(t, r.AddCallbackFor("plant", "plant/**", plant.observe))
	r.AddCallback("all", all.observe)
	assert.Error(t, r.AddCallbackFor("bad", "plant/[", plant.callback))

	require.NoError(t, r.Deliver("s", "plant/a/temp", []byte(`{"entity": "p", "value": 1}`)))
	require.NoError(t, r.Deliver("s", "office/temp", []byte(`{"entity": "o", "value": 1}`)))
	require.NoError(t, r.Stop(context.Background()))

	assert.Equal(t, []string{"p"}, plant.entities())
	assert.Equal(t, []string{"p", "o"}, all.entities())
}

func TestReceiver_ParseFailureIsIsolated(t *testing.T) {
	metrics := newCountingMetrics()
	r := startReceiver(t, Config{Metrics: metrics})

	rec := &recorder{}
	r.AddCallback("rec", rec.observe)

	require.NoError(t, r.Deliver("s", "c", []byte(`{{{`)))
	require.NoError(t, r.Deliver("s", "c", []byte(`{"value": 1}`)))
	require.NoError(t, r.Deliver("s", "c", []byte(`{"entity": "ok", "value": 1}`)))
	require.NoError(t, r.Stop(context.Background()))

	assert.Equal(t, []string{"ok"}, rec.entities())
	assert.Equal(t, 2, metrics.parseFailed)
}

func TestReceiver_ClientObservable(t *testing.T) {
	client := transporttest.New("mqtt-plant")
	r := startReceiver(t, Config{})

	rec := &recorder{}
	r.AddCallback("rec", rec.observe)

	err := r.AddObservable(context.Background(), Observable{
		ID:      "plant",
		Channel: "plant/temp",
		QoS:     transport.AtLeastOnce,
		Client:  client,
		Parser:  JSONParser{Entity: "pump-1"},
		Owned:   true,
	})
	require.NoError(t, err)
	assert.True(t, client.Connected())
	assert.True(t, client.Subscribed("plant/temp"))
	assert.Equal(t, []string{"plant"}, r.Observables())

	require.True(t, client.Deliver("plant/temp", []byte(`{"value": 20}`)))
	client.Wait()

	require.NoError(t, r.Stop(context.Background()))
	assert.Equal(t, []string{"pump-1"}, rec.entities())
	assert.Equal(t, 1, client.Closed())
	assert.Empty(t, r.Observables())
}

func TestReceiver_AddObservableFailure(t *testing.T) {
	client := transporttest.New("broken")
	client.FailConnect(errors.New("connection refused"))
	r := startReceiver(t, Config{})

	err := r.AddObservable(context.Background(), Observable{ID: "x", Channel: "c", Client: client})
	require.Error(t, err)
	assert.Empty(t, r.Observables())

	ok := transporttest.New("subscribe-fails")
	ok.FailSubscribe(errors.New("not authorised"))
	err = r.AddObservable(context.Background(), Observable{ID: "y", Channel: "c", Client: ok})
	require.Error(t, err)
	assert.Empty(t, r.Observables())
}

func TestReceiver_AddObservableValidation(t *testing.T) {
	r := startReceiver(t, Config{})
	client := transporttest.New("c")
	router := newCaptureRouter()

	tests := []struct {
		name string
		obs  Observable
	}{
		{name: "no id", obs: Observable{Channel: "c", Client: client}},
		{name: "no channel", obs: Observable{ID: "a", Client: client}},
		{name: "neither", obs: Observable{ID: "a", Channel: "c"}},
		{name: "both", obs: Observable{ID: "a", Channel: "c", Client: client, Router: router}},
		{name: "bad qos", obs: Observable{ID: "a", Channel: "c", Client: client, QoS: 7}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, r.AddObservable(context.Background(), tt.obs))
		})
	}
}

func TestReceiver_ReplaceObservableStopsOldDeliveries(t *testing.T) {
	router := newCaptureRouter()
	r := startReceiver(t, Config{})

	rec := &recorder{}
	r.AddCallback("rec", rec.observe)

	ctx := context.Background()
	require.NoError(t, r.AddObservable(ctx, Observable{ID: "push", Channel: "old", Router: router}))
	stale := router.handler("old")
	require.NotNil(t, stale)

	require.NoError(t, r.AddObservable(ctx, Observable{ID: "push", Channel: "new", Router: router}))
	assert.Equal(t, []string{"old"}, router.removed)
	current := router.handler("new")
	require.NotNil(t, current)

	// A handler captured before the replacement must not reach observers.
	stale("old", []byte(`{"entity": "stale", "value": 1}`))
	current("new", []byte(`{"entity": "fresh", "value": 1}`))
	require.NoError(t, r.Stop(ctx))

	assert.Equal(t, []string{"fresh"}, rec.entities())
	assert.Equal(t, []string{"old", "new"}, router.removed)
}

func TestReceiver_ReplaceObservableClients(t *testing.T) {
	ctx := context.Background()
	r := startReceiver(t, Config{})

	first := transporttest.New("first")
	second := transporttest.New("second")

	require.NoError(t, r.AddObservable(ctx, Observable{ID: "a", Channel: "t1", Client: first, Owned: true}))

	// Same client: only the subscription changes.
	require.NoError(t, r.AddObservable(ctx, Observable{ID: "a", Channel: "t2", Client: first, Owned: true}))
	assert.False(t, first.Subscribed("t1"))
	assert.True(t, first.Subscribed("t2"))
	assert.Equal(t, 0, first.Closed())

	// Different client: the owned predecessor is closed.
	require.NoError(t, r.AddObservable(ctx, Observable{ID: "a", Channel: "t3", Client: second, Owned: true}))
	assert.Equal(t, 1, first.Closed())
	assert.False(t, first.Deliver("t2", []byte(`{}`)))
	assert.True(t, second.Subscribed("t3"))
	assert.Equal(t, []string{"a"}, r.Observables())
}

func TestReceiver_RemoveObservable(t *testing.T) {
	ctx := context.Background()
	r := startReceiver(t, Config{})

	shared := transporttest.New("shared")
	require.NoError(t, r.AddObservable(ctx, Observable{ID: "a", Channel: "t", Client: shared}))
	require.NoError(t, r.RemoveObservable(ctx, "a"))
	require.NoError(t, r.RemoveObservable(ctx, "a"))

	assert.False(t, shared.Subscribed("t"))
	assert.Equal(t, 0, shared.Closed(), "clients not owned by the receiver stay open")
	assert.Empty(t, r.Observables())
}

func TestReceiver_RepublishesRecords(t *testing.T) {
	out := transporttest.New("out")
	require.NoError(t, out.Connect(context.Background()))

	r := startReceiver(t, Config{
		Republish: &Republish{Client: out, Channel: "monitord/records", QoS: transport.AtLeastOnce},
	})
	rec := &recorder{}
	r.AddCallback("rec", rec.observe)

	require.NoError(t, r.Deliver("s", "c", []byte(`{"entity": "e1", "name": "temp", "value": 21.5, "scope": "plant"}`)))
	require.NoError(t, r.Deliver("s", "c", []byte(`{"entity": "e2", "value": [1, 2]}`)))
	require.NoError(t, r.Stop(context.Background()))

	published := out.Published()
	require.Len(t, published, 2)
	require.Len(t, rec.seen, 2)
	for i, msg := range published {
		assert.Equal(t, "monitord/records", msg.Channel)
		assert.Equal(t, transport.AtLeastOnce, msg.QoS)

		want, err := json.Marshal(rec.seen[i])
		require.NoError(t, err)
		assert.JSONEq(t, string(want), string(msg.Payload))
	}
}

func TestReceiver_RepublishFailureDoesNotBlockObservers(t *testing.T) {
	out := transporttest.New("out")
	require.NoError(t, out.Connect(context.Background()))
	out.FailPublish(errors.New("broker gone"))

	r := startReceiver(t, Config{Republish: &Republish{Client: out, Channel: "x"}})
	rec := &recorder{}
	r.AddCallback("rec", rec.observe)

	require.NoError(t, r.Deliver("s", "c", []byte(`{"entity": "e1", "value": 1}`)))
	require.NoError(t, r.Deliver("s", "c", []byte(`{"entity": "e2", "value": 2}`)))
	require.NoError(t, r.Stop(context.Background()))

	assert.Equal(t, []string{"e1", "e2"}, rec.entities())
	assert.Empty(t, out.Published())
}

func TestReceiver_Lifecycle(t *testing.T) {
	ctx := context.Background()
	r := New(Config{})

	require.NoError(t, r.Stop(ctx), "stop before start")
	assert.ErrorIs(t, r.Start(ctx), ErrStopped)
	assert.ErrorIs(t, r.Deliver("s", "c", []byte(`{}`)), ErrStopped)
	assert.ErrorIs(t, r.AddObservable(ctx, Observable{ID: "a", Channel: "c", Router: newCaptureRouter()}), ErrStopped)

	r2 := New(Config{})
	require.NoError(t, r2.Start(ctx))
	require.NoError(t, r2.Start(ctx))
	require.NoError(t, r2.Stop(ctx))
	require.NoError(t, r2.Stop(ctx))
}

func TestReceiver_StopDrainsBufferedMessages(t *testing.T) {
	r := New(Config{InboundCapacity: 64})
	rec := &recorder{}
	r.AddCallback("rec", rec.observe)

	// Buffered before the dispatch goroutine exists.
	for i := 0; i < 10; i++ {
		require.NoError(t, r.Deliver("s", "c", []byte(`{"entity": "e", "value": 1}`)))
	}
	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Stop(context.Background()))

	assert.Len(t, rec.entities(), 10)
}
