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

// Package pipeline builds the monitoring pipeline from configuration and runs
// it: transports feed the receiver, the receiver feeds the aggregator, and the
// aggregator publishes results and records them in the store.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/tombee/monitord/internal/aggregator"
	"github.com/tombee/monitord/internal/config"
	"github.com/tombee/monitord/internal/log"
	"github.com/tombee/monitord/internal/metrics"
	"github.com/tombee/monitord/internal/model"
	"github.com/tombee/monitord/internal/queue"
	"github.com/tombee/monitord/internal/receiver"
	"github.com/tombee/monitord/internal/secrets"
	"github.com/tombee/monitord/internal/store"
	"github.com/tombee/monitord/internal/telemetry"
	"github.com/tombee/monitord/internal/transport"
	httptransport "github.com/tombee/monitord/internal/transport/http"
	"github.com/tombee/monitord/internal/transport/mqtt"
	monerrors "github.com/tombee/monitord/pkg/errors"
)

// Transport kinds accepted by source.<name>.transport and the outbound
// transport keys.
const (
	TransportMQTT   = "mqtt"
	TransportHTTP   = "http"
	TransportServer = "server"
)

const mappingTimeout = time.Second

// Options carries the collaborators that do not come from configuration.
type Options struct {
	Logger  *slog.Logger
	Version string

	// Validator turns entity descriptions into identities. Default: model.DefaultValidator
	Validator model.Validator

	// Secrets resolves credential references. Default: environment and OS keychain.
	Secrets *secrets.Resolver

	// Dial overrides construction of transport clients by kind. Used by tests.
	Dial func(kind string, pollInterval time.Duration) (transport.Client, error)
}

// Pipeline owns every component built from one configuration.
type Pipeline struct {
	values config.Values
	opts   Options
	logger *slog.Logger

	metrics    *metrics.Metrics
	telemetry  *telemetry.Provider
	server     *httptransport.Server
	receiver   *receiver.Receiver
	aggregator *aggregator.Aggregator
	store      *store.Store
	tracked    *model.TrackedSet

	// clients are shared by every component using a transport kind.
	clients    map[string]transport.Client
	publishers []transport.Client
	sources    []receiver.Observable
	added      int

	mu       sync.Mutex
	started  bool
	stopped  bool
	watcher  *model.EntityWatcher
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// New builds the pipeline described by values. Nothing connects or listens
// until Start.
func New(ctx context.Context, values config.Values, opts Options) (*Pipeline, error) {
	if opts.Validator == nil {
		opts.Validator = model.DefaultValidator
	}
	if opts.Secrets == nil {
		opts.Secrets = secrets.NewResolver(secrets.NewKeychainBackend())
	}

	p := &Pipeline{
		values:  values,
		opts:    opts,
		logger:  log.WithComponent(opts.Logger, "pipeline"),
		clients: make(map[string]transport.Client),
	}
	steps := []func(context.Context) error{
		p.buildObservability,
		p.buildServer,
		p.buildStore,
		p.buildReceiver,
		p.buildAggregator,
		p.buildSources,
	}
	for _, build := range steps {
		if err := build(ctx); err != nil {
			if rerr := p.release(context.Background()); rerr != nil {
				p.logger.Warn("failed to release partially built pipeline", log.Error(rerr))
			}
			return nil, err
		}
	}
	return p, nil
}

func (p *Pipeline) buildObservability(ctx context.Context) error {
	enabled, err := p.values.Bool("metrics.enabled", true)
	if err != nil {
		return err
	}
	if enabled {
		p.metrics = metrics.New()
	}

	insecure, err := p.values.Bool("telemetry.insecure", false)
	if err != nil {
		return err
	}
	cfg := telemetry.Config{
		ServiceName:    p.values.String("telemetry.service_name", "monitord"),
		ServiceVersion: p.opts.Version,
		Exporter:       p.values.String("telemetry.exporter", telemetry.ExporterNone),
		Endpoint:       p.values.String("telemetry.endpoint", ""),
		Insecure:       insecure,
	}
	if p.metrics != nil {
		cfg.Registerer = p.metrics.Registry()
	}
	provider, err := telemetry.New(ctx, cfg)
	if err != nil {
		return &monerrors.ConfigError{Key: "telemetry.exporter", Reason: "failed to initialise telemetry", Cause: err}
	}
	p.telemetry = provider
	return nil
}

func (p *Pipeline) buildServer(ctx context.Context) error {
	enabled, err := p.values.Bool("server.enabled", true)
	if err != nil || !enabled {
		return err
	}
	port, err := p.values.Int("server.port", 8080)
	if err != nil {
		return err
	}
	shutdown, err := p.values.Duration("server.shutdown_timeout", 5*time.Second)
	if err != nil {
		return err
	}
	jwtSecret, err := p.secret(ctx, "server.jwt_secret")
	if err != nil {
		return err
	}
	hmacSecret, err := p.secret(ctx, "server.hmac_secret")
	if err != nil {
		return err
	}

	cfg := httptransport.ServerConfig{
		ID:              "server",
		Host:            p.values.String("server.host", "localhost"),
		Port:            port,
		Route:           p.values.String("server.route", "/monitoring"),
		ShutdownTimeout: shutdown,
		HMACSecret:      hmacSecret,
	}
	if jwtSecret != "" {
		cfg.JWTSecret = []byte(jwtSecret)
	}
	srv, err := httptransport.NewServer(cfg, p.opts.Logger)
	if err != nil {
		return &monerrors.ConfigError{Key: "server", Reason: "invalid server configuration", Cause: err}
	}
	if p.metrics != nil {
		m := p.metrics
		m.ServerState(srv.State().String())
		srv.OnStateChange(func(_, to httptransport.ServerState) { m.ServerState(to.String()) })
		srv.Mount("GET /metrics", m.Handler())
	}
	p.server = srv
	return nil
}

func (p *Pipeline) buildStore(context.Context) error {
	path := p.values.String("store.path", "")
	if path == "" {
		return nil
	}
	s, err := store.Open(path)
	if err != nil {
		return &monerrors.ConfigError{Key: "store.path", Reason: "failed to open result store", Cause: err}
	}
	p.store = s
	if p.server != nil {
		p.server.Mount("GET /results/{entity}", resultsHandler(s, p.logger))
	}
	return nil
}

func (p *Pipeline) buildReceiver(ctx context.Context) error {
	inbound, err := p.values.Int("receiver.inbound_capacity", 1024)
	if err != nil {
		return err
	}
	capacity, err := p.values.Int("queue.capacity", 0)
	if err != nil {
		return err
	}

	cfg := receiver.Config{
		InboundCapacity: inbound,
		QueueCapacity:   capacity,
		Logger:          p.opts.Logger,
	}
	if p.metrics != nil {
		cfg.Metrics = p.metrics
		cfg.QueueObserver = p.metrics
	}

	if channel, ok := p.values.Lookup("receiver.republish.channel"); ok {
		qos, err := p.qos("receiver.republish.qos", "0")
		if err != nil {
			return err
		}
		client, err := p.sharedClient(ctx, p.values.String("receiver.republish.transport", TransportMQTT))
		if err != nil {
			return err
		}
		p.publishers = append(p.publishers, client)
		cfg.Republish = &receiver.Republish{Client: client, Channel: channel, QoS: qos}
	}

	p.receiver = receiver.New(cfg)
	return nil
}

func (p *Pipeline) buildAggregator(ctx context.Context) error {
	p.tracked = model.NewTrackedSet()
	if path, ok := p.values.Lookup("aggregator.entities_file"); ok {
		entities, err := model.LoadEntities(path, p.opts.Validator)
		if err != nil {
			return &monerrors.ConfigError{Key: "aggregator.entities_file", Reason: "failed to load entities", Cause: err}
		}
		p.tracked.Replace(entities)
	}
	if p.metrics != nil {
		p.metrics.TrackedEntities(p.tracked.Len())
	}

	enabled, err := p.values.Bool("aggregator.enabled", true)
	if err != nil || !enabled {
		return err
	}

	trigger, err := aggregator.ParseTrigger(p.values.String("aggregator.trigger", "every"))
	if err != nil {
		return &monerrors.ConfigError{Key: "aggregator.trigger", Reason: "invalid trigger policy", Cause: err}
	}
	capacity, err := p.values.Int("queue.capacity", 0)
	if err != nil {
		return err
	}

	cfg := aggregator.Config{
		Tracked:       p.tracked,
		Trigger:       trigger,
		QueueCapacity: capacity,
		MeterProvider: p.telemetry.MeterProvider(),
		Logger:        p.opts.Logger,
	}
	if p.metrics != nil {
		cfg.QueueObserver = p.metrics
	}
	if p.store != nil {
		cfg.Sinks = append(cfg.Sinks, p.store)
	}

	channel, err := p.values.Require("aggregator.channel")
	if err != nil {
		return err
	}
	qos, err := p.qos("aggregator.qos", "1")
	if err != nil {
		return err
	}
	client, err := p.sharedClient(ctx, p.values.String("aggregator.transport", TransportMQTT))
	if err != nil {
		return err
	}
	p.publishers = append(p.publishers, client)
	cfg.Publish = &aggregator.Publish{Client: client, Channel: channel, QoS: qos}

	agg, err := aggregator.New(cfg)
	if err != nil {
		return err
	}
	agg.Attach(p.receiver)
	p.aggregator = agg
	return nil
}

func (p *Pipeline) buildSources(ctx context.Context) error {
	for _, name := range p.values.Strings("receiver.sources") {
		obs, err := p.buildSource(ctx, name)
		if err != nil {
			return err
		}
		p.sources = append(p.sources, obs)
	}
	return nil
}

func (p *Pipeline) buildSource(ctx context.Context, name string) (receiver.Observable, error) {
	prefix := "source." + name
	sub := p.values.Sub(prefix)

	kind, err := p.values.Require(prefix + ".transport")
	if err != nil {
		return receiver.Observable{}, err
	}
	channel, err := p.values.Require(prefix + ".channel")
	if err != nil {
		return receiver.Observable{}, err
	}
	qos, err := p.qos(prefix+".qos", "0")
	if err != nil {
		return receiver.Observable{}, err
	}

	base := receiver.JSONParser{Entity: sub.String("entity", ""), Scope: sub.String("scope", "")}
	var parser receiver.Parser = base
	if mapping, ok := sub.Lookup("mapping"); ok {
		jq, err := receiver.NewJQParser(mapping, mappingTimeout, base)
		if err != nil {
			return receiver.Observable{}, &monerrors.ConfigError{Key: prefix + ".mapping", Reason: "invalid mapping", Cause: err}
		}
		parser = jq
	}

	obs := receiver.Observable{ID: name, Channel: channel, QoS: qos, Parser: parser}
	switch kind {
	case TransportMQTT:
		obs.Client, err = p.sharedClient(ctx, TransportMQTT)
	case TransportHTTP:
		// Each polled source gets its own client so intervals stay independent.
		interval, ierr := p.values.Duration(prefix+".interval", 5*time.Second)
		if ierr != nil {
			return receiver.Observable{}, ierr
		}
		obs.Client, err = p.dial(ctx, TransportHTTP, interval)
		obs.Owned = true
	case TransportServer:
		if p.server == nil {
			return receiver.Observable{}, &monerrors.ConfigError{Key: prefix + ".transport", Reason: "server transport requires server.enabled"}
		}
		obs.Router = p.server
	default:
		return receiver.Observable{}, &monerrors.ConfigError{Key: prefix + ".transport", Reason: fmt.Sprintf("unknown transport %q", kind)}
	}
	if err != nil {
		return receiver.Observable{}, err
	}
	return obs, nil
}

// Start brings the pipeline up in dependency order: server, publishers,
// aggregator, receiver, then sources. A failure leaves already started
// components for Stop to tear down.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	if p.stopped {
		return errors.New("pipeline is stopped")
	}
	p.started = true

	bgCtx, cancel := context.WithCancel(context.Background())
	p.bgCancel = cancel

	if p.server != nil {
		if err := p.server.Start(ctx); err != nil {
			return err
		}
	}
	for _, c := range p.publishers {
		if err := c.Connect(ctx); err != nil {
			return monerrors.Wrapf(err, "failed to connect publisher %s", c.ID())
		}
	}
	if p.aggregator != nil {
		if err := p.aggregator.Start(); err != nil {
			return err
		}
	}
	if err := p.receiver.Start(ctx); err != nil {
		return err
	}
	for _, obs := range p.sources {
		if err := p.receiver.AddObservable(ctx, obs); err != nil {
			return monerrors.Wrapf(err, "failed to add source %s", obs.ID)
		}
		p.added++
	}
	if err := p.startWatcher(bgCtx); err != nil {
		return err
	}
	if err := p.startPruning(bgCtx); err != nil {
		return err
	}

	p.logger.Info("pipeline started",
		slog.Int("sources", len(p.sources)),
		slog.Int("tracked", p.tracked.Len()),
		slog.Bool("aggregator", p.aggregator != nil),
		slog.Bool("store", p.store != nil),
	)
	return nil
}

func (p *Pipeline) startWatcher(ctx context.Context) error {
	watch, err := p.values.Bool("aggregator.watch", false)
	if err != nil || !watch {
		return err
	}
	path, ok := p.values.Lookup("aggregator.entities_file")
	if !ok {
		return &monerrors.ConfigError{Key: "aggregator.entities_file", Reason: "required when aggregator.watch is set"}
	}
	w, err := model.WatchEntities(ctx, path, p.tracked, p.opts.Validator, p.opts.Logger)
	if err != nil {
		return err
	}
	if p.metrics != nil {
		w.OnReload(p.metrics.EntitiesReloaded)
	}
	p.watcher = w
	return nil
}

func (p *Pipeline) startPruning(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	retention, err := p.values.Duration("store.retention", 0)
	if err != nil || retention == 0 {
		return err
	}
	interval := retention / 10
	if interval < time.Second {
		interval = time.Second
	}

	p.bg.Add(1)
	go func() {
		defer p.bg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := p.store.Prune(ctx, time.Now().Add(-retention))
				if err != nil {
					p.logger.Warn("failed to prune results", log.Error(err))
					continue
				}
				if n > 0 {
					p.logger.Debug("pruned results", slog.Int64("removed", n))
				}
			}
		}
	}()
	return nil
}

// Stop tears the pipeline down: receiver intake and its propagator, the
// aggregator's propagator, transport clients, the HTTP server, the store and
// finally telemetry. It is safe to call more than once.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil
	}
	p.stopped = true

	err := p.release(ctx)
	p.logger.Info("pipeline stopped")
	return err
}

func (p *Pipeline) release(ctx context.Context) error {
	var errs []error

	if p.bgCancel != nil {
		p.bgCancel()
	}
	if p.receiver != nil {
		if err := p.receiver.Stop(ctx); err != nil {
			errs = append(errs, monerrors.Wrap(err, "receiver"))
		}
	}
	if p.aggregator != nil {
		flush, _ := p.values.Bool("aggregator.flush_on_stop", false)
		if flush && p.started {
			if err := p.aggregator.Flush(ctx); err != nil {
				errs = append(errs, monerrors.Wrap(err, "aggregator flush"))
			}
		}
		p.aggregator.Stop()
	}
	if p.watcher != nil {
		if err := p.watcher.Stop(); err != nil {
			errs = append(errs, monerrors.Wrap(err, "entity watcher"))
		}
	}
	// Sources the receiver never took ownership of.
	for _, obs := range p.sources[p.added:] {
		if obs.Owned && obs.Client != nil {
			if err := obs.Client.Close(); err != nil {
				errs = append(errs, monerrors.Wrapf(err, "source %s", obs.ID))
			}
		}
	}
	for kind, c := range p.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, monerrors.Wrapf(err, "%s client", kind))
		}
	}
	if p.server != nil {
		if err := p.server.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.bg.Wait()
	if p.store != nil {
		if err := p.store.Close(); err != nil {
			errs = append(errs, monerrors.Wrap(err, "store"))
		}
	}
	if p.telemetry != nil {
		if err := p.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, monerrors.Wrap(err, "telemetry"))
		}
	}
	return monerrors.Join(errs...)
}

// Receiver returns the pipeline's receiver, for registering extra observers.
func (p *Pipeline) Receiver() *receiver.Receiver { return p.receiver }

// Server returns the HTTP server, or nil when disabled.
func (p *Pipeline) Server() *httptransport.Server { return p.server }

// Sources returns the configured source names in configuration order.
func (p *Pipeline) Sources() []string {
	names := make([]string, len(p.sources))
	for i, obs := range p.sources {
		names[i] = obs.ID
	}
	return names
}

// Tracked returns the tracked entity set.
func (p *Pipeline) Tracked() *model.TrackedSet { return p.tracked }

func (p *Pipeline) qos(key, def string) (transport.QoS, error) {
	q, err := transport.ParseQoS(p.values.String(key, def))
	if err != nil {
		return 0, &monerrors.ConfigError{Key: key, Reason: "invalid quality level", Cause: err}
	}
	return q, nil
}

func (p *Pipeline) secret(ctx context.Context, key string) (string, error) {
	ref, ok := p.values.Lookup(key)
	if !ok {
		return "", nil
	}
	value, err := p.opts.Secrets.Resolve(ctx, ref)
	if err != nil {
		return "", &monerrors.ConfigError{Key: key, Reason: "failed to resolve secret", Cause: err}
	}
	return value, nil
}

func (p *Pipeline) sharedClient(ctx context.Context, kind string) (transport.Client, error) {
	if c, ok := p.clients[kind]; ok {
		return c, nil
	}
	c, err := p.dial(ctx, kind, 0)
	if err != nil {
		return nil, err
	}
	p.clients[kind] = c
	return c, nil
}

func (p *Pipeline) dial(ctx context.Context, kind string, interval time.Duration) (transport.Client, error) {
	if p.opts.Dial != nil {
		return p.opts.Dial(kind, interval)
	}
	switch kind {
	case TransportMQTT:
		return p.newMQTTClient(ctx)
	case TransportHTTP:
		return p.newHTTPClient(ctx, interval)
	default:
		return nil, &monerrors.ConfigError{Key: "transport", Reason: fmt.Sprintf("unknown transport %q", kind)}
	}
}

func (p *Pipeline) endpoint(ctx context.Context, prefix string, defPort int) (transport.Endpoint, error) {
	host, err := p.values.Require(prefix + ".host")
	if err != nil {
		return transport.Endpoint{}, err
	}
	port, err := p.values.Int(prefix+".port", defPort)
	if err != nil {
		return transport.Endpoint{}, err
	}
	password, err := p.secret(ctx, prefix+".password")
	if err != nil {
		return transport.Endpoint{}, err
	}
	return transport.Endpoint{
		Host:     host,
		Port:     port,
		Username: p.values.String(prefix+".username", ""),
		Password: password,
	}, nil
}

func (p *Pipeline) newMQTTClient(ctx context.Context) (transport.Client, error) {
	ep, err := p.endpoint(ctx, "mqtt", 1883)
	if err != nil {
		return nil, err
	}
	timeout, err := p.values.Duration("mqtt.connect_timeout", 10*time.Second)
	if err != nil {
		return nil, err
	}
	clean, err := p.values.Bool("mqtt.clean_session", true)
	if err != nil {
		return nil, err
	}
	c, err := mqtt.New(mqtt.Config{
		Endpoint:       ep,
		ClientID:       p.values.String("mqtt.client_id", ""),
		ConnectTimeout: timeout,
		CleanSession:   clean,
	}, p.opts.Logger)
	if err != nil {
		return nil, &monerrors.ConfigError{Key: "mqtt", Reason: "invalid mqtt configuration", Cause: err}
	}
	return c, nil
}

func (p *Pipeline) newHTTPClient(ctx context.Context, interval time.Duration) (transport.Client, error) {
	ep, err := p.endpoint(ctx, "http", 80)
	if err != nil {
		return nil, err
	}
	timeout, err := p.values.Duration("http.timeout", 30*time.Second)
	if err != nil {
		return nil, err
	}
	attempts, err := p.values.Int("http.retry_attempts", 3)
	if err != nil {
		return nil, err
	}

	cfg := httptransport.ClientConfig{
		Endpoint:      ep,
		BasePath:      p.values.String("http.base_path", "/"),
		Timeout:       timeout,
		RetryAttempts: attempts,
		PollInterval:  interval,
		UserAgent:     "monitord/" + p.opts.Version,
	}
	if tokenURL, ok := p.values.Lookup("http.token_url"); ok {
		secret, err := p.secret(ctx, "http.client_secret")
		if err != nil {
			return nil, err
		}
		clientID, err := p.values.Require("http.client_id")
		if err != nil {
			return nil, err
		}
		cfg.OAuth2 = &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: secret,
			TokenURL:     tokenURL,
			Scopes:       p.values.Strings("http.scopes"),
		}
	}
	c, err := httptransport.NewClient(cfg, p.opts.Logger)
	if err != nil {
		return nil, &monerrors.ConfigError{Key: "http", Reason: "invalid http configuration", Cause: err}
	}
	return c, nil
}

// Compile-time checks for the observers wired above.
var (
	_ receiver.Metrics      = (*metrics.Metrics)(nil)
	_ queue.Observer        = (*metrics.Metrics)(nil)
	_ aggregator.ResultSink = (*store.Store)(nil)
)
