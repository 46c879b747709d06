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
	"fmt"
	"os"
	"strings"
)

var (
	// ErrSecretNotFound is returned when a reference points at nothing.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrBackendUnavailable is returned when the keychain cannot be reached.
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// Backend looks up a secret by key.
type Backend interface {
	Get(ctx context.Context, key string) (string, error)
}

// Resolver turns credential references into values.
type Resolver struct {
	env      func(string) (string, bool)
	keychain Backend
}

// NewResolver creates a resolver reading the process environment and the given
// keychain backend. A nil keychain disables keychain references.
func NewResolver(keychain Backend) *Resolver {
	return &Resolver{
		env:      os.LookupEnv,
		keychain: keychain,
	}
}

// Resolve returns the value a reference points at. Literals are returned unchanged.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	switch {
	case ref == "":
		return "", nil
	case strings.HasPrefix(ref, "${") && strings.HasSuffix(ref, "}"):
		return r.fromEnv(strings.TrimSuffix(strings.TrimPrefix(ref, "${"), "}"))
	case strings.HasPrefix(ref, "env:"):
		return r.fromEnv(strings.TrimPrefix(ref, "env:"))
	case strings.HasPrefix(ref, "keychain:"):
		if r.keychain == nil {
			return "", fmt.Errorf("%w: keychain not configured", ErrBackendUnavailable)
		}
		return r.keychain.Get(ctx, strings.TrimPrefix(ref, "keychain:"))
	default:
		return ref, nil
	}
}

// IsReference reports whether value uses one of the reference syntaxes.
func IsReference(value string) bool {
	return (strings.HasPrefix(value, "${") && strings.HasSuffix(value, "}")) ||
		strings.HasPrefix(value, "env:") ||
		strings.HasPrefix(value, "keychain:")
}

func (r *Resolver) fromEnv(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty environment variable name", ErrSecretNotFound)
	}
	value, ok := r.env(name)
	if !ok || value == "" {
		return "", fmt.Errorf("%w: environment variable %s not set", ErrSecretNotFound, name)
	}
	return value, nil
}
