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

package http

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tombee/monitord/internal/log"
	"github.com/tombee/monitord/internal/model"
	"github.com/tombee/monitord/internal/transport"
)

// SignatureHeader carries "sha256=<hex>" of the request body when HMAC verification is on.
const SignatureHeader = "X-Monitord-Signature"

// ServerState is the lifecycle state of a Server.
type ServerState int32

const (
	StateStopped ServerState = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s ServerState) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	default:
		return "UNKNOWN"
	}
}

// ServerConfig holds the listener and verification settings.
type ServerConfig struct {
	ID   string
	Host string
	Port int

	// Route prefixes pushed channels: POST <Route>/<channel>. Default: /monitoring
	Route string

	// ShutdownTimeout bounds Stop. Default: 5s
	ShutdownTimeout time.Duration

	// JWTSecret enables HS256 bearer-token verification when set.
	JWTSecret []byte

	// HMACSecret enables body signature verification when set.
	HMACSecret string

	// MaxBodyBytes bounds a pushed payload. Default: 1 MiB
	MaxBodyBytes int64
}

// Validate checks host, port and route. Port 0 is allowed and picks a free port.
func (c ServerConfig) Validate() error {
	if err := model.ValidateHost(c.Host); err != nil {
		return err
	}
	if c.Port != 0 {
		if err := model.ValidatePort(c.Port); err != nil {
			return err
		}
	}
	if c.Route != "" && !strings.HasPrefix(c.Route, "/") {
		return fmt.Errorf("route must start with /, got %q", c.Route)
	}
	return nil
}

// Server receives pushed monitoring payloads. It is a transport.Element but
// not a Client: it only receives.
type Server struct {
	cfg    ServerConfig
	logger *slog.Logger

	transition sync.Mutex // held for the whole of Start and Stop
	state      atomic.Int32
	onState    func(from, to ServerState)
	srv        *http.Server
	addr       string

	hmu      sync.RWMutex
	handlers map[string]transport.Handler
	mounts   map[string]http.Handler
}

var _ transport.Element = (*Server)(nil)

// NewServer validates cfg and returns a STOPPED server.
func NewServer(cfg ServerConfig, logger *slog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ID == "" {
		cfg.ID = "http-server"
	}
	if cfg.Route == "" {
		cfg.Route = "/monitoring"
	}
	cfg.Route = strings.TrimSuffix(cfg.Route, "/")
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{
		cfg:      cfg,
		logger:   transport.Logger(logger, "http-server", cfg.ID),
		handlers: make(map[string]transport.Handler),
		mounts:   make(map[string]http.Handler),
	}, nil
}

// ID returns the server id.
func (s *Server) ID() string { return s.cfg.ID }

// State returns the current lifecycle state.
func (s *Server) State() ServerState { return ServerState(s.state.Load()) }

// Addr returns the bound address while running.
func (s *Server) Addr() string {
	s.transition.Lock()
	defer s.transition.Unlock()
	return s.addr
}

// OnStateChange registers fn to observe every transition. Set it before Start.
func (s *Server) OnStateChange(fn func(from, to ServerState)) {
	s.transition.Lock()
	defer s.transition.Unlock()
	s.onState = fn
}

// Handle routes pushes on channel to h, replacing any previous handler.
func (s *Server) Handle(channel string, h transport.Handler) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.handlers[strings.Trim(channel, "/")] = h
}

// Remove drops the handler for channel.
func (s *Server) Remove(channel string) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	delete(s.handlers, strings.Trim(channel, "/"))
}

// Mount serves h on a mux pattern such as "GET /metrics". Mounts made after Start
// take effect on the next Start.
func (s *Server) Mount(path string, h http.Handler) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.mounts[path] = h
}

// Start binds the listener and serves. It is a no-op while RUNNING. A bind
// failure is returned and leaves the server STOPPED.
func (s *Server) Start(ctx context.Context) error {
	s.transition.Lock()
	defer s.transition.Unlock()

	if s.State() != StateStopped {
		return nil
	}
	s.setState(StateStarting)

	addr := net.JoinHostPort(model.DialHost(s.cfg.Host), strconv.Itoa(s.cfg.Port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		s.setState(StateStopped)
		return fmt.Errorf("http server: failed to listen on %s: %w", addr, err)
	}

	s.srv = &http.Server{
		Handler:           log.HTTPMiddleware(s.logger)(s.routes()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.addr = ln.Addr().String()

	srv := s.srv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped unexpectedly", log.Error(err))
		}
	}()

	s.setState(StateRunning)
	s.logger.Info("http server listening", slog.String("addr", s.addr), slog.String("route", s.cfg.Route))
	return nil
}

// Stop shuts the server down gracefully. It is a no-op while STOPPED.
func (s *Server) Stop(ctx context.Context) error {
	s.transition.Lock()
	defer s.transition.Unlock()

	if s.State() != StateRunning {
		return nil
	}
	s.setState(StateStopping)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	err := s.srv.Shutdown(ctx)

	s.srv = nil
	s.addr = ""
	s.setState(StateStopped)
	s.logger.Info("http server stopped")
	if err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}

func (s *Server) setState(to ServerState) {
	from := ServerState(s.state.Swap(int32(to)))
	if s.onState != nil {
		s.onState(from, to)
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+s.cfg.Route+"/{channel...}", s.handlePush)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "ok\n")
	})

	s.hmu.RLock()
	defer s.hmu.RUnlock()
	for path, h := range s.mounts {
		mux.Handle(path, h)
	}
	return mux
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	channel := strings.Trim(r.PathValue("channel"), "/")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		http.Error(w, "payload too large or unreadable", http.StatusRequestEntityTooLarge)
		return
	}
	if err := s.verify(r, body); err != nil {
		s.logger.Warn("rejected push", log.Channel(channel), log.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	s.hmu.RLock()
	h, ok := s.handlers[channel]
	s.hmu.RUnlock()
	if !ok {
		http.Error(w, "unknown channel", http.StatusNotFound)
		return
	}

	h(channel, body)
	w.WriteHeader(http.StatusAccepted)
}

// verify applies whichever of JWT and HMAC verification is configured.
func (s *Server) verify(r *http.Request, body []byte) error {
	if len(s.cfg.JWTSecret) > 0 {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			return fmt.Errorf("missing bearer token")
		}
		if err := validateToken(strings.TrimPrefix(auth, "Bearer "), s.cfg.JWTSecret); err != nil {
			return err
		}
	}
	if s.cfg.HMACSecret != "" {
		if err := verifySignature(r.Header.Get(SignatureHeader), body, s.cfg.HMACSecret); err != nil {
			return err
		}
	}
	return nil
}

func validateToken(token string, secret []byte) error {
	parsed, err := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(30*time.Second),
	).Parse(token, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	})
	if err != nil {
		return fmt.Errorf("failed to parse token: %w", err)
	}
	if !parsed.Valid {
		return fmt.Errorf("token is invalid")
	}
	return nil
}

func verifySignature(header string, body []byte, secret string) error {
	if header == "" {
		return fmt.Errorf("no signature header found")
	}
	algo, sig, ok := strings.Cut(header, "=")
	if !ok {
		algo, sig = "sha256", header
	}
	if algo != "sha256" {
		return fmt.Errorf("unsupported algorithm: %s", algo)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// Sign returns the SignatureHeader value for body. Pushing peers and tests use it.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
