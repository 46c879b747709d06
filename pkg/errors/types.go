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

package errors

import (
	"fmt"
)

// ValidationError represents an entity description or endpoint that failed validation.
// The pipeline treats it as opaque; it is produced by the model layer and by
// transport endpoint checks.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ConfigError represents configuration problems.
// Use this for missing required keys or values that cannot be converted.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "mqtt.host")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// NetworkErrorKind classifies transport failures.
type NetworkErrorKind string

const (
	ConnectFailed   NetworkErrorKind = "connect_failed"
	NotConnected    NetworkErrorKind = "not_connected"
	PublishFailed   NetworkErrorKind = "publish_failed"
	SubscribeFailed NetworkErrorKind = "subscribe_failed"
	CloseFailed     NetworkErrorKind = "close_failed"
)

// Sentinels for errors.Is matching on the kind of a NetworkError.
var (
	ErrConnectFailed   = &NetworkError{Kind: ConnectFailed}
	ErrNotConnected    = &NetworkError{Kind: NotConnected}
	ErrPublishFailed   = &NetworkError{Kind: PublishFailed}
	ErrSubscribeFailed = &NetworkError{Kind: SubscribeFailed}
	ErrCloseFailed     = &NetworkError{Kind: CloseFailed}
)

// NetworkError represents a transport-level failure surfaced by a network client.
type NetworkError struct {
	// Kind is the failure category.
	Kind NetworkErrorKind

	// Transport names the client that failed (e.g., "mqtt", "http").
	Transport string

	// Channel is the topic or route involved, if any.
	Channel string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *NetworkError) Error() string {
	msg := string(e.Kind)
	if e.Transport != "" {
		msg = fmt.Sprintf("%s %s", e.Transport, msg)
	}
	if e.Channel != "" {
		msg = fmt.Sprintf("%s on %q", msg, e.Channel)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *NetworkError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a NetworkError of the same kind.
func (e *NetworkError) Is(target error) bool {
	t, ok := target.(*NetworkError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// ErrorType implements ErrorClassifier.
func (e *NetworkError) ErrorType() string {
	return "network"
}

// IsRetryable implements ErrorClassifier.
// Send failures may succeed on a later attempt; the other kinds need a lifecycle call first.
func (e *NetworkError) IsRetryable() bool {
	return e.Kind == PublishFailed || e.Kind == ConnectFailed
}

// NewNetworkError creates a NetworkError of the given kind.
func NewNetworkError(kind NetworkErrorKind, transport, channel string, cause error) *NetworkError {
	return &NetworkError{Kind: kind, Transport: transport, Channel: channel, Cause: cause}
}

// ErrQueueClosed is returned when operations are performed on a closed queue.
var ErrQueueClosed = &QueueError{State: "closed"}

// QueueError represents a queue admission failure.
type QueueError struct {
	// State is the queue state that rejected the operation.
	State string
}

// Error implements the error interface.
func (e *QueueError) Error() string {
	return fmt.Sprintf("queue is %s", e.State)
}

// Is reports whether target is a QueueError for the same state.
func (e *QueueError) Is(target error) bool {
	t, ok := target.(*QueueError)
	if !ok {
		return false
	}
	return t.State == e.State
}

// ParseError represents a malformed inbound payload.
type ParseError struct {
	// Source names the inbound source the payload arrived on.
	Source string

	// Reason explains what could not be parsed
	Reason string

	// Cause is the underlying decoding error
	Cause error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	msg := "parse error"
	if e.Source != "" {
		msg = fmt.Sprintf("parse error from %s", e.Source)
	}
	msg = fmt.Sprintf("%s: %s", msg, e.Reason)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ParseError) Unwrap() error {
	return e.Cause
}
