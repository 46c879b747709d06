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

// Package transport defines the protocol-agnostic contract shared by the
// network-facing components of the pipeline. Concrete transports live in the
// mqtt and http subpackages; callers depend only on the interfaces here.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/tombee/monitord/internal/log"
	"github.com/tombee/monitord/internal/model"
	monerrors "github.com/tombee/monitord/pkg/errors"
)

// Element is anything network-facing: it has an identity and a scoped logger.
type Element interface {
	ID() string
}

// Handler receives one inbound message. It runs on a transport-managed
// goroutine, never on the goroutine that called Subscribe.
type Handler func(channel string, payload []byte)

// Client is the connect/publish/subscribe/close contract every transport implements.
type Client interface {
	Element

	// Connect establishes the session. Calling it while connected is a no-op.
	Connect(ctx context.Context) error

	// Publish sends payload on channel. It fails with NotConnected before Connect.
	Publish(ctx context.Context, channel string, payload []byte, qos QoS) error

	// Subscribe registers handler for inbound messages on channel.
	Subscribe(ctx context.Context, channel string, qos QoS, handler Handler) error

	// Unsubscribe drops the subscription on channel. Unknown channels are ignored.
	Unsubscribe(ctx context.Context, channel string) error

	// Close releases the session and every subscription. It is idempotent and
	// keeps going after partial failures.
	Close() error
}

// QoS is the delivery guarantee requested for a publish or subscribe.
type QoS byte

const (
	AtMostOnce  QoS = 0
	AtLeastOnce QoS = 1
	ExactlyOnce QoS = 2
)

func (q QoS) String() string {
	switch q {
	case AtMostOnce:
		return "at-most-once"
	case AtLeastOnce:
		return "at-least-once"
	case ExactlyOnce:
		return "exactly-once"
	default:
		return "qos(" + strconv.Itoa(int(q)) + ")"
	}
}

// Valid reports whether q is one of the three defined levels.
func (q QoS) Valid() bool {
	return q <= ExactlyOnce
}

// ParseQoS accepts 0/1/2 or the level names. Empty input means AtMostOnce.
func ParseQoS(s string) (QoS, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "0", "at-most-once":
		return AtMostOnce, nil
	case "1", "at-least-once":
		return AtLeastOnce, nil
	case "2", "exactly-once":
		return ExactlyOnce, nil
	}
	return 0, fmt.Errorf("invalid qos %q: must be 0, 1 or 2", s)
}

// Endpoint is the peer a client talks to.
type Endpoint struct {
	Host     string
	Port     int
	Username string
	Password string
}

// Validate applies the host and port rules of entity identities and requires
// username and password to be set together.
func (e Endpoint) Validate() error {
	if err := model.ValidateHost(e.Host); err != nil {
		return err
	}
	if err := model.ValidatePort(e.Port); err != nil {
		return err
	}
	if (e.Username == "") != (e.Password == "") {
		return &monerrors.ValidationError{
			Field:   "credentials",
			Message: "username and password must be set together",
		}
	}
	return nil
}

// Address returns host:port suitable for dialing.
func (e Endpoint) Address() string {
	return fmt.Sprintf("%s:%d", formatHost(model.DialHost(e.Host)), e.Port)
}

func formatHost(h string) string {
	if strings.Contains(h, ":") {
		return "[" + h + "]"
	}
	return h
}

// LogValue keeps credentials out of log entries.
func (e Endpoint) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("host", e.Host),
		slog.Int("port", e.Port),
		slog.String("username", e.Username),
		slog.String("password", log.SanitizeSecret(e.Password)),
	)
}

// Logger scopes logger for a transport element.
func Logger(logger *slog.Logger, kind, id string) *slog.Logger {
	return log.WithComponent(logger, kind).With(
		slog.String(log.TransportKey, kind),
		slog.String("client_id", id),
	)
}
