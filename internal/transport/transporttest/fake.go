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

// Package transporttest provides an in-memory transport.Client for tests.
package transporttest

import (
	"context"
	"sync"

	"github.com/tombee/monitord/internal/transport"
	monerrors "github.com/tombee/monitord/pkg/errors"
)

// Message is a recorded publish.
type Message struct {
	Channel string
	Payload []byte
	QoS     transport.QoS
}

// Client is an in-memory transport.Client. Deliver simulates an inbound
// message on a separate goroutine, like a real transport would.
type Client struct {
	id string

	mu           sync.Mutex
	connected    bool
	closed       int
	published    []Message
	handlers     map[string]transport.Handler
	publishErr   error
	connectErr   error
	subscribeErr error
	wg           sync.WaitGroup
}

// New creates a disconnected fake client.
func New(id string) *Client {
	return &Client{id: id, handlers: make(map[string]transport.Handler)}
}

var _ transport.Client = (*Client)(nil)

func (c *Client) ID() string { return c.id }

// FailConnect makes the next Connect calls fail with err.
func (c *Client) FailConnect(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectErr = err
}

// FailPublish makes Publish fail with err until reset with nil.
func (c *Client) FailPublish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishErr = err
}

// FailSubscribe makes Subscribe fail with err until reset with nil.
func (c *Client) FailSubscribe(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribeErr = err
}

func (c *Client) Connect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr != nil {
		return monerrors.NewNetworkError(monerrors.ConnectFailed, "fake", "", c.connectErr)
	}
	c.connected = true
	return nil
}

func (c *Client) Publish(_ context.Context, channel string, payload []byte, qos transport.QoS) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return monerrors.NewNetworkError(monerrors.NotConnected, "fake", channel, nil)
	}
	if c.publishErr != nil {
		return monerrors.NewNetworkError(monerrors.PublishFailed, "fake", channel, c.publishErr)
	}
	c.published = append(c.published, Message{Channel: channel, Payload: append([]byte(nil), payload...), QoS: qos})
	return nil
}

func (c *Client) Subscribe(_ context.Context, channel string, _ transport.QoS, handler transport.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return monerrors.NewNetworkError(monerrors.NotConnected, "fake", channel, nil)
	}
	if c.subscribeErr != nil {
		return monerrors.NewNetworkError(monerrors.SubscribeFailed, "fake", channel, c.subscribeErr)
	}
	c.handlers[channel] = handler
	return nil
}

func (c *Client) Unsubscribe(_ context.Context, channel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, channel)
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	c.connected = false
	c.closed++
	c.handlers = make(map[string]transport.Handler)
	c.mu.Unlock()
	c.wg.Wait()
	return nil
}

// Deliver invokes the handler subscribed on channel from a new goroutine and
// reports whether one was subscribed. Use Wait to join outstanding deliveries.
func (c *Client) Deliver(channel string, payload []byte) bool {
	c.mu.Lock()
	h, ok := c.handlers[channel]
	if ok {
		c.wg.Add(1)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	go func() {
		defer c.wg.Done()
		h(channel, payload)
	}()
	return true
}

// Wait blocks until every Deliver goroutine has returned.
func (c *Client) Wait() { c.wg.Wait() }

// Published returns a copy of every successful publish.
func (c *Client) Published() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.published...)
}

// Subscribed reports whether a handler is registered on channel.
func (c *Client) Subscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.handlers[channel]
	return ok
}

// Connected reports whether Connect succeeded and Close has not been called since.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Closed returns the number of Close calls.
func (c *Client) Closed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
