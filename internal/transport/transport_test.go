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

package transport

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQoS(t *testing.T) {
	tests := []struct {
		in      string
		want    QoS
		wantErr bool
	}{
		{in: "", want: AtMostOnce},
		{in: "0", want: AtMostOnce},
		{in: "1", want: AtLeastOnce},
		{in: " 2 ", want: ExactlyOnce},
		{in: "exactly-once", want: ExactlyOnce},
		{in: "3", wantErr: true},
		{in: "high", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseQoS(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
	assert.False(t, QoS(3).Valid())
}

func TestEndpoint_Validate(t *testing.T) {
	assert.NoError(t, Endpoint{Host: "localhost", Port: 1883}.Validate())
	assert.NoError(t, Endpoint{Host: "192.168.1.10", Port: 1883, Username: "u", Password: "p"}.Validate())
	assert.Error(t, Endpoint{Host: "localhost", Port: 0}.Validate())
	assert.Error(t, Endpoint{Host: "broker", Port: 1883}.Validate())
	assert.Error(t, Endpoint{Host: "localhost", Port: 1883, Username: "u"}.Validate())
}

func TestEndpoint_Address(t *testing.T) {
	assert.Equal(t, "localhost:1883", Endpoint{Host: "localhost", Port: 1883}.Address())
	assert.Equal(t, "[::1]:8080", Endpoint{Host: "::1", Port: 8080}.Address())
	assert.Equal(t, "broker.example.com:1883", Endpoint{Host: "tcp://broker.example.com", Port: 1883}.Address())
}

func TestEndpoint_LogValueRedactsPassword(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	logger.Info("connecting", "endpoint", Endpoint{Host: "localhost", Port: 1883, Username: "u", Password: "hunter2"})

	assert.NotContains(t, buf.String(), "hunter2")
	assert.Contains(t, buf.String(), "[REDACTED]")
}
