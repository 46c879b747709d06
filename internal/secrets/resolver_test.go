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

package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func TestResolver_Resolve(t *testing.T) {
	keyring.MockInit()
	require.NoError(t, keyring.Set(keychainService, "mqtt-password", "from-keychain"))
	t.Setenv("BROKER_PASSWORD", "from-env")

	r := NewResolver(NewKeychainBackend())
	ctx := context.Background()

	tests := []struct {
		ref  string
		want string
	}{
		{"", ""},
		{"literal", "literal"},
		{"${BROKER_PASSWORD}", "from-env"},
		{"env:BROKER_PASSWORD", "from-env"},
		{"keychain:mqtt-password", "from-keychain"},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, err := r.Resolve(ctx, tt.ref)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolver_Missing(t *testing.T) {
	keyring.MockInit()
	r := NewResolver(NewKeychainBackend())
	ctx := context.Background()

	_, err := r.Resolve(ctx, "${MONITORD_TEST_UNSET_VARIABLE}")
	assert.True(t, errors.Is(err, ErrSecretNotFound))

	_, err = r.Resolve(ctx, "keychain:absent")
	assert.True(t, errors.Is(err, ErrSecretNotFound))

	_, err = r.Resolve(ctx, "env:")
	assert.True(t, errors.Is(err, ErrSecretNotFound))
}

func TestResolver_NoKeychain(t *testing.T) {
	_, err := NewResolver(nil).Resolve(context.Background(), "keychain:x")
	assert.True(t, errors.Is(err, ErrBackendUnavailable))
}

func TestIsReference(t *testing.T) {
	assert.True(t, IsReference("${X}"))
	assert.True(t, IsReference("env:X"))
	assert.True(t, IsReference("keychain:x"))
	assert.False(t, IsReference("plain"))
	assert.False(t, IsReference("${unterminated"))
}
