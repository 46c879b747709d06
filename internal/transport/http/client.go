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

// Package http implements the HTTP transport: a transport.Client that publishes
// with POST and subscribes by polling, and a Server that accepts pushed payloads.
package http

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"github.com/tombee/monitord/internal/log"
	"github.com/tombee/monitord/internal/transport"
	monerrors "github.com/tombee/monitord/pkg/errors"
)

const transportName = "http"

// QoSHeader carries the requested quality level on publishes. HTTP itself is
// at-most-once per request; the header lets the peer apply its own policy.
const QoSHeader = "X-Monitord-QoS"

// maxPollBody bounds a single polled payload.
const maxPollBody = 4 << 20

// ClientConfig holds the peer and request settings.
type ClientConfig struct {
	Endpoint transport.Endpoint

	// ID names the client in logs. Generated when empty.
	ID string

	// BasePath is prefixed to every channel. Default: "/"
	BasePath string

	// Timeout bounds every request. Default: 30s
	Timeout time.Duration

	// RetryAttempts applies to polls only. Default: 0
	RetryAttempts int

	// RetryBackoff is the first retry delay. Default: 100ms
	RetryBackoff time.Duration

	// MaxBackoff caps the retry delay. Default: 30s
	MaxBackoff time.Duration

	// PollInterval is the period of subscribe poll loops. Default: 5s
	PollInterval time.Duration

	// OAuth2 enables client-credentials bearer tokens when set.
	OAuth2 *clientcredentials.Config

	// UserAgent defaults to "monitord-http-client/1.0".
	UserAgent string
}

func (c *ClientConfig) setDefaults() {
	if c.ID == "" {
		c.ID = "http-" + uuid.NewString()
	}
	if c.BasePath == "" {
		c.BasePath = "/"
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "monitord-http-client/1.0"
	}
}

// Validate checks the configuration.
func (c ClientConfig) Validate() error {
	if err := c.Endpoint.Validate(); err != nil {
		return err
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must be >= 0, got %v", c.Timeout)
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts must be >= 0, got %d", c.RetryAttempts)
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("poll interval must be >= 0, got %v", c.PollInterval)
	}
	if c.MaxBackoff > 0 && c.RetryBackoff > c.MaxBackoff {
		return fmt.Errorf("max_backoff (%v) must be >= retry_backoff (%v)", c.MaxBackoff, c.RetryBackoff)
	}
	if c.OAuth2 != nil && c.OAuth2.TokenURL == "" {
		return fmt.Errorf("token_url is required for oauth2 client credentials")
	}
	return nil
}

// BaseURL is the URL channels are resolved against. A URL host keeps its
// scheme; other hosts use plain http.
func (c ClientConfig) BaseURL() string {
	scheme := "http"
	if u, err := url.Parse(c.Endpoint.Host); err == nil && u.Scheme != "" && u.Host != "" {
		scheme = u.Scheme
	}
	base := c.BasePath
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return fmt.Sprintf("%s://%s%s", scheme, c.Endpoint.Address(), strings.TrimSuffix(base, "/"))
}

// Client is the HTTP transport.Client.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger

	connMu sync.Mutex // serialises Connect

	mu      sync.Mutex
	http    *http.Client
	pollers map[string]*poller
	closed  bool
}

type poller struct {
	cancel context.CancelFunc
	done   chan struct{}
}

var _ transport.Client = (*Client)(nil)

// NewClient validates cfg and returns a disconnected client.
func NewClient(cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.setDefaults()
	return &Client{
		cfg:     cfg,
		logger:  transport.Logger(logger, transportName, cfg.ID),
		pollers: make(map[string]*poller),
	}, nil
}

// ID returns the client id.
func (c *Client) ID() string { return c.cfg.ID }

// Connect checks the peer is reachable, fetches an OAuth2 token when
// configured, and builds the pooled HTTP client. It is a no-op while connected.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.mu.Lock()
	closed, connected := c.closed, c.http != nil
	c.mu.Unlock()
	if closed {
		return monerrors.NewNetworkError(monerrors.ConnectFailed, transportName, "", fmt.Errorf("client is closed"))
	}
	if connected {
		return nil
	}

	dialer := &net.Dialer{Timeout: c.cfg.Timeout, KeepAlive: 30 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Endpoint.Address())
	if err != nil {
		return monerrors.NewNetworkError(monerrors.ConnectFailed, transportName, "", err)
	}
	conn.Close()

	base := &http.Transport{
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		DialContext:           dialer.DialContext,
		MaxIdleConns:          16,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: c.cfg.Timeout,
	}
	var rt http.RoundTripper = &loggingTransport{base: base, userAgent: c.cfg.UserAgent, logger: c.logger}
	if c.cfg.RetryAttempts > 0 {
		rt = newRetryTransport(rt, c.cfg.RetryAttempts, c.cfg.RetryBackoff, c.cfg.MaxBackoff)
	}

	if c.cfg.OAuth2 != nil {
		tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Transport: rt, Timeout: c.cfg.Timeout})
		ts := c.cfg.OAuth2.TokenSource(tokenCtx)
		if _, err := ts.Token(); err != nil {
			return monerrors.NewNetworkError(monerrors.ConnectFailed, transportName, "", fmt.Errorf("oauth2 token: %w", err))
		}
		rt = &oauth2.Transport{Source: ts, Base: rt}
	}

	hc := &http.Client{Transport: rt, Timeout: c.cfg.Timeout}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		hc.CloseIdleConnections()
		return monerrors.NewNetworkError(monerrors.ConnectFailed, transportName, "", fmt.Errorf("client closed while connecting"))
	}
	c.http = hc
	c.mu.Unlock()
	c.logger.Info("connected", slog.String("base_url", c.cfg.BaseURL()))
	return nil
}

// Publish POSTs payload to BaseURL/channel. Any non-2xx response is a publish failure.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte, qos transport.QoS) error {
	hc, err := c.client(channel)
	if err != nil {
		return err
	}
	if !qos.Valid() {
		return monerrors.NewNetworkError(monerrors.PublishFailed, transportName, channel, fmt.Errorf("invalid qos %d", qos))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.channelURL(channel), bytes.NewReader(payload))
	if err != nil {
		return monerrors.NewNetworkError(monerrors.PublishFailed, transportName, channel, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(QoSHeader, fmt.Sprint(int(qos)))
	c.authorize(req)

	resp, err := hc.Do(req)
	if err != nil {
		return monerrors.NewNetworkError(monerrors.PublishFailed, transportName, channel, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return monerrors.NewNetworkError(monerrors.PublishFailed, transportName, channel,
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	return nil
}

// Subscribe starts a poll loop on channel that GETs BaseURL/channel every
// PollInterval and hands each non-empty body to handler. A 204 means no data.
// Subscribing again on the same channel replaces the previous loop.
func (c *Client) Subscribe(_ context.Context, channel string, qos transport.QoS, handler transport.Handler) error {
	if _, err := c.client(channel); err != nil {
		return err
	}
	if !qos.Valid() {
		return monerrors.NewNetworkError(monerrors.SubscribeFailed, transportName, channel, fmt.Errorf("invalid qos %d", qos))
	}
	if handler == nil {
		return monerrors.NewNetworkError(monerrors.SubscribeFailed, transportName, channel, fmt.Errorf("handler is nil"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &poller{cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return monerrors.NewNetworkError(monerrors.NotConnected, transportName, channel, nil)
	}
	old := c.pollers[channel]
	c.pollers[channel] = p
	c.mu.Unlock()

	if old != nil {
		old.cancel()
		<-old.done
	}
	limiter := rate.NewLimiter(rate.Every(c.cfg.PollInterval), 1)
	go c.poll(ctx, p, channel, limiter, handler)
	c.logger.Info("polling", log.Channel(channel), slog.Duration("interval", c.cfg.PollInterval))
	return nil
}

// Unsubscribe stops the poll loop on channel and waits for it to exit.
func (c *Client) Unsubscribe(_ context.Context, channel string) error {
	c.stopPoller(channel)
	return nil
}

// Close stops every poll loop and drops idle connections. It is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pollers := c.pollers
	c.pollers = make(map[string]*poller)
	hc := c.http
	c.http = nil
	c.mu.Unlock()

	for _, p := range pollers {
		p.cancel()
	}
	for _, p := range pollers {
		<-p.done
	}
	if hc != nil {
		hc.CloseIdleConnections()
	}
	c.logger.Info("closed")
	return nil
}

func (c *Client) stopPoller(channel string) {
	c.mu.Lock()
	p, ok := c.pollers[channel]
	delete(c.pollers, channel)
	c.mu.Unlock()
	if ok {
		p.cancel()
		<-p.done
	}
}

func (c *Client) poll(ctx context.Context, p *poller, channel string, limiter *rate.Limiter, handler transport.Handler) {
	defer close(p.done)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		body, err := c.fetch(ctx, channel)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("poll failed", log.Channel(channel), log.Error(err))
			continue
		}
		if len(body) > 0 {
			handler(channel, body)
		}
	}
}

func (c *Client) fetch(ctx context.Context, channel string) ([]byte, error) {
	hc, err := c.client(channel)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.channelURL(channel), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil, nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxPollBody))
}

func (c *Client) client(channel string) (*http.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.http == nil {
		return nil, monerrors.NewNetworkError(monerrors.NotConnected, transportName, channel, nil)
	}
	return c.http, nil
}

func (c *Client) channelURL(channel string) string {
	return c.cfg.BaseURL() + "/" + strings.TrimPrefix(channel, "/")
}

func (c *Client) authorize(req *http.Request) {
	if c.cfg.Endpoint.Username != "" {
		req.SetBasicAuth(c.cfg.Endpoint.Username, c.cfg.Endpoint.Password)
	}
}
