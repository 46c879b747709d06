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

// Package mqtt implements transport.Client over an MQTT broker connection.
package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/tombee/monitord/internal/log"
	"github.com/tombee/monitord/internal/transport"
	monerrors "github.com/tombee/monitord/pkg/errors"
)

const transportName = "mqtt"

// disconnectQuiesce is how long paho may spend finishing in-flight work on Close.
const disconnectQuiesce = 250 // milliseconds

// Config holds the broker connection settings.
type Config struct {
	Endpoint transport.Endpoint

	// ClientID identifies the session at the broker. Generated when empty.
	ClientID string

	// ConnectTimeout bounds Connect and every token wait.
	// Default: 10s
	ConnectTimeout time.Duration

	// CleanSession discards broker-side session state on connect.
	CleanSession bool
}

// Validate checks the endpoint and timeout.
func (c Config) Validate() error {
	if err := c.Endpoint.Validate(); err != nil {
		return err
	}
	if c.ConnectTimeout < 0 {
		return &monerrors.ValidationError{Field: "connect_timeout", Message: "must not be negative"}
	}
	return nil
}

// BrokerURL returns the URL paho dials. URL hosts keep their scheme.
func (c Config) BrokerURL() string {
	if u, err := url.Parse(c.Endpoint.Host); err == nil && u.Scheme != "" && u.Host != "" {
		return fmt.Sprintf("%s://%s", u.Scheme, c.Endpoint.Address())
	}
	return "tcp://" + c.Endpoint.Address()
}

// factory builds the underlying paho client. Tests replace it.
type factory func(*paho.ClientOptions) paho.Client

type subscription struct {
	qos     transport.QoS
	handler transport.Handler
}

// Client is an MQTT transport.Client. Handlers run on paho's delivery goroutines.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	newPaho factory

	connMu sync.Mutex // serialises Connect

	mu     sync.Mutex
	client paho.Client
	subs   map[string]subscription
	closed bool
}

var _ transport.Client = (*Client)(nil)

// New validates cfg and returns a disconnected client.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "monitord-" + uuid.NewString()
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &Client{
		cfg:     cfg,
		logger:  transport.Logger(logger, transportName, cfg.ClientID),
		newPaho: paho.NewClient,
		subs:    make(map[string]subscription),
	}, nil
}

// ID returns the MQTT client id.
func (c *Client) ID() string { return c.cfg.ClientID }

// Connect opens the broker session. It is a no-op while connected or
// reconnecting; a dead session is disconnected before a new one is opened.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return monerrors.NewNetworkError(monerrors.ConnectFailed, transportName, "", fmt.Errorf("client is closed"))
	}
	// IsConnected stays true while paho is reconnecting on its own.
	if c.client != nil && c.client.IsConnected() {
		c.mu.Unlock()
		return nil
	}
	stale := c.client
	c.client = nil
	c.mu.Unlock()

	if stale != nil {
		stale.Disconnect(disconnectQuiesce)
	}

	opts := paho.NewClientOptions().
		AddBroker(c.cfg.BrokerURL()).
		SetClientID(c.cfg.ClientID).
		SetCleanSession(c.cfg.CleanSession).
		SetConnectTimeout(c.cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetConnectionLostHandler(c.onConnectionLost).
		SetOnConnectHandler(c.onConnect)
	if c.cfg.Endpoint.Username != "" {
		opts.SetUsername(c.cfg.Endpoint.Username)
		opts.SetPassword(c.cfg.Endpoint.Password)
	}

	cli := c.newPaho(opts)
	c.logger.Debug("connecting", slog.Any("endpoint", c.cfg.Endpoint))
	if err := c.wait(ctx, cli.Connect()); err != nil {
		cli.Disconnect(0)
		return monerrors.NewNetworkError(monerrors.ConnectFailed, transportName, "", err)
	}

	c.mu.Lock()
	c.client = cli
	c.mu.Unlock()
	c.logger.Info("connected", slog.String("broker", c.cfg.BrokerURL()))
	return nil
}

// Publish sends payload on the topic channel.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte, qos transport.QoS) error {
	cli, err := c.connected(channel)
	if err != nil {
		return err
	}
	if !qos.Valid() {
		return monerrors.NewNetworkError(monerrors.PublishFailed, transportName, channel, fmt.Errorf("invalid qos %d", qos))
	}
	if err := c.wait(ctx, cli.Publish(channel, byte(qos), false, payload)); err != nil {
		return monerrors.NewNetworkError(monerrors.PublishFailed, transportName, channel, err)
	}
	log.Trace(c.logger, "published", log.Channel(channel), slog.Int("bytes", len(payload)))
	return nil
}

// Subscribe registers handler on the topic filter channel. The subscription is
// restored automatically after a reconnect.
func (c *Client) Subscribe(ctx context.Context, channel string, qos transport.QoS, handler transport.Handler) error {
	cli, err := c.connected(channel)
	if err != nil {
		return err
	}
	if !qos.Valid() {
		return monerrors.NewNetworkError(monerrors.SubscribeFailed, transportName, channel, fmt.Errorf("invalid qos %d", qos))
	}
	if err := c.wait(ctx, cli.Subscribe(channel, byte(qos), deliver(handler))); err != nil {
		return monerrors.NewNetworkError(monerrors.SubscribeFailed, transportName, channel, err)
	}

	c.mu.Lock()
	c.subs[channel] = subscription{qos: qos, handler: handler}
	c.mu.Unlock()
	c.logger.Info("subscribed", log.Channel(channel), slog.String("qos", qos.String()))
	return nil
}

// Unsubscribe drops the subscription on channel.
func (c *Client) Unsubscribe(ctx context.Context, channel string) error {
	c.mu.Lock()
	_, ok := c.subs[channel]
	delete(c.subs, channel)
	cli := c.client
	c.mu.Unlock()

	if !ok || cli == nil || !cli.IsConnectionOpen() {
		return nil
	}
	if err := c.wait(ctx, cli.Unsubscribe(channel)); err != nil {
		return monerrors.NewNetworkError(monerrors.SubscribeFailed, transportName, channel, err)
	}
	c.logger.Info("unsubscribed", log.Channel(channel))
	return nil
}

// Close unsubscribes every topic and disconnects. Failures are logged, never returned.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cli := c.client
	c.client = nil
	topics := make([]string, 0, len(c.subs))
	for topic := range c.subs {
		topics = append(topics, topic)
	}
	c.subs = make(map[string]subscription)
	c.mu.Unlock()

	if cli == nil {
		return nil
	}
	if len(topics) > 0 && cli.IsConnectionOpen() {
		sort.Strings(topics)
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
		if err := c.wait(ctx, cli.Unsubscribe(topics...)); err != nil {
			c.logger.Warn("unsubscribe on close failed",
				log.Error(monerrors.NewNetworkError(monerrors.CloseFailed, transportName, "", err)))
		}
		cancel()
	}
	cli.Disconnect(disconnectQuiesce)
	c.logger.Info("disconnected")
	return nil
}

func (c *Client) connected(channel string) (paho.Client, error) {
	c.mu.Lock()
	cli := c.client
	c.mu.Unlock()
	if cli == nil || !cli.IsConnectionOpen() {
		return nil, monerrors.NewNetworkError(monerrors.NotConnected, transportName, channel, nil)
	}
	return cli, nil
}

// onConnect restores subscriptions after paho reconnects. paho runs it on its own goroutine.
func (c *Client) onConnect(cli paho.Client) {
	c.mu.Lock()
	subs := make(map[string]subscription, len(c.subs))
	for topic, s := range c.subs {
		subs[topic] = s
	}
	c.mu.Unlock()

	for topic, s := range subs {
		tok := cli.Subscribe(topic, byte(s.qos), deliver(s.handler))
		if !tok.WaitTimeout(c.cfg.ConnectTimeout) || tok.Error() != nil {
			c.logger.Warn("resubscribe failed", log.Channel(topic), log.Error(tok.Error()))
		}
	}
}

func (c *Client) onConnectionLost(_ paho.Client, err error) {
	c.logger.Warn("connection lost", log.Error(err))
}

// wait blocks until tok completes, ctx is done, or the connect timeout elapses.
func (c *Client) wait(ctx context.Context, tok paho.Token) error {
	timer := time.NewTimer(c.cfg.ConnectTimeout)
	defer timer.Stop()

	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", c.cfg.ConnectTimeout)
	}
}

func deliver(handler transport.Handler) paho.MessageHandler {
	return func(_ paho.Client, m paho.Message) {
		handler(m.Topic(), m.Payload())
	}
}
