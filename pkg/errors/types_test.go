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

package errors_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	monerrors "github.com/tombee/monitord/pkg/errors"
)

func TestValidationError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *monerrors.ValidationError
		wantMsg string
	}{
		{
			name:    "with field",
			err:     &monerrors.ValidationError{Field: "port", Message: "must be in [1, 65535]"},
			wantMsg: "validation failed on port: must be in [1, 65535]",
		},
		{
			name:    "without field",
			err:     &monerrors.ValidationError{Message: "invalid descriptor"},
			wantMsg: "validation failed: invalid descriptor",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantMsg, tt.err.Error())
		})
	}
}

func TestNetworkError_IsMatchesKind(t *testing.T) {
	cause := errors.New("connection refused")
	err := monerrors.NewNetworkError(monerrors.ConnectFailed, "mqtt", "", cause)
	wrapped := fmt.Errorf("starting source: %w", err)

	assert.True(t, errors.Is(wrapped, monerrors.ErrConnectFailed))
	assert.False(t, errors.Is(wrapped, monerrors.ErrNotConnected))
	assert.True(t, errors.Is(wrapped, cause))
	assert.Equal(t, "mqtt connect_failed: connection refused", err.Error())
}

func TestNetworkError_Message(t *testing.T) {
	err := monerrors.NewNetworkError(monerrors.PublishFailed, "http", "results", nil)
	assert.Equal(t, `http publish_failed on "results"`, err.Error())
}

func TestNetworkError_Retryable(t *testing.T) {
	tests := []struct {
		kind monerrors.NetworkErrorKind
		want bool
	}{
		{monerrors.PublishFailed, true},
		{monerrors.ConnectFailed, true},
		{monerrors.NotConnected, false},
		{monerrors.SubscribeFailed, false},
		{monerrors.CloseFailed, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			err := fmt.Errorf("wrapped: %w", monerrors.NewNetworkError(tt.kind, "mqtt", "", nil))
			assert.Equal(t, tt.want, monerrors.IsRetryable(err))
		})
	}
	assert.False(t, monerrors.IsRetryable(errors.New("plain")))
}

func TestQueueError_Is(t *testing.T) {
	err := fmt.Errorf("enqueue: %w", &monerrors.QueueError{State: "closed"})
	assert.ErrorIs(t, err, monerrors.ErrQueueClosed)
	assert.NotErrorIs(t, &monerrors.QueueError{State: "created"}, monerrors.ErrQueueClosed)
}

func TestParseError_Error(t *testing.T) {
	cause := errors.New("unexpected end of JSON input")
	err := &monerrors.ParseError{Source: "plant-a", Reason: "invalid JSON", Cause: cause}
	assert.Equal(t, "parse error from plant-a: invalid JSON: unexpected end of JSON input", err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestConfigError_Unwrap(t *testing.T) {
	cause := errors.New("strconv.Atoi: parsing \"x\": invalid syntax")
	err := &monerrors.ConfigError{Key: "mqtt.port", Reason: "not an integer", Cause: cause}
	assert.Equal(t, "config error at mqtt.port: not an integer", err.Error())
	assert.ErrorIs(t, err, cause)

	var cfgErr *monerrors.ConfigError
	assert.ErrorAs(t, monerrors.Wrap(err, "load"), &cfgErr)
	assert.Equal(t, "mqtt.port", cfgErr.Key)
}

func TestWrap(t *testing.T) {
	assert.Nil(t, monerrors.Wrap(nil, "ignored"))
	assert.Nil(t, monerrors.Wrapf(nil, "source %s", "a"))
	base := errors.New("boom")
	err := monerrors.Wrapf(base, "source %s", "a")
	assert.Equal(t, "source a: boom", err.Error())
	assert.ErrorIs(t, err, base)
}

func TestJoin(t *testing.T) {
	assert.Nil(t, monerrors.Join(nil, nil))
	a, b := errors.New("a"), errors.New("b")
	err := monerrors.Join(a, nil, b)
	assert.ErrorIs(t, err, a)
	assert.ErrorIs(t, err, b)
}
