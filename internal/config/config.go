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

// Package config provides the flat key/value configuration consumed by the
// pipeline. Keys are dotted paths ("mqtt.host", "source.plant.channel").
// Missing optional keys fall back to defaults; missing required keys fail
// fast with a *errors.ConfigError naming the key.
package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	monerrors "github.com/tombee/monitord/pkg/errors"
)

// Values is an immutable flat key/value mapping.
type Values struct {
	entries map[string]string
}

// FromMap creates Values from a flat map. Keys are normalised to lower case.
func FromMap(m map[string]string) Values {
	entries := make(map[string]string, len(m))
	for k, v := range m {
		entries[normalizeKey(k)] = v
	}
	return Values{entries: entries}
}

// With returns a copy of v with key set to value.
func (v Values) With(key, value string) Values {
	entries := make(map[string]string, len(v.entries)+1)
	for k, val := range v.entries {
		entries[k] = val
	}
	entries[normalizeKey(key)] = value
	return Values{entries: entries}
}

// Lookup returns the raw value for key and whether it is set to a non-empty value.
func (v Values) Lookup(key string) (string, bool) {
	val, ok := v.entries[normalizeKey(key)]
	if !ok || strings.TrimSpace(val) == "" {
		return "", false
	}
	return strings.TrimSpace(val), true
}

// Has reports whether key is set.
func (v Values) Has(key string) bool {
	_, ok := v.Lookup(key)
	return ok
}

// String returns the value for key, or def when unset.
func (v Values) String(key, def string) string {
	if val, ok := v.Lookup(key); ok {
		return val
	}
	return def
}

// Require returns the value for key or a ConfigError when it is missing.
func (v Values) Require(key string) (string, error) {
	val, ok := v.Lookup(key)
	if !ok {
		return "", &monerrors.ConfigError{Key: key, Reason: "required key is missing"}
	}
	return val, nil
}

// Int returns the integer value for key, or def when unset.
func (v Values) Int(key string, def int) (int, error) {
	val, ok := v.Lookup(key)
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, &monerrors.ConfigError{Key: key, Reason: fmt.Sprintf("%q is not an integer", val), Cause: err}
	}
	return n, nil
}

// Bool returns the boolean value for key, or def when unset.
func (v Values) Bool(key string, def bool) (bool, error) {
	val, ok := v.Lookup(key)
	if !ok {
		return def, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, &monerrors.ConfigError{Key: key, Reason: fmt.Sprintf("%q is not a boolean", val), Cause: err}
	}
	return b, nil
}

// Duration returns the duration value for key, or def when unset.
// Plain integers are read as seconds.
func (v Values) Duration(key string, def time.Duration) (time.Duration, error) {
	val, ok := v.Lookup(key)
	if !ok {
		return def, nil
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, &monerrors.ConfigError{Key: key, Reason: fmt.Sprintf("%q is not a duration", val), Cause: err}
	}
	if d < 0 {
		return 0, &monerrors.ConfigError{Key: key, Reason: "duration must not be negative"}
	}
	return d, nil
}

// Strings returns a comma-separated list for key with blanks dropped.
func (v Values) Strings(key string) []string {
	val, ok := v.Lookup(key)
	if !ok {
		return nil
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Sub returns the keys under prefix with the prefix stripped.
//
//	v.Sub("source.plant").String("channel", "")
func (v Values) Sub(prefix string) Values {
	prefix = normalizeKey(prefix) + "."
	entries := make(map[string]string)
	for k, val := range v.entries {
		if strings.HasPrefix(k, prefix) {
			entries[strings.TrimPrefix(k, prefix)] = val
		}
	}
	return Values{entries: entries}
}

// Keys returns every key in sorted order.
func (v Values) Keys() []string {
	keys := make([]string, 0, len(v.entries))
	for k := range v.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of keys.
func (v Values) Len() int {
	return len(v.entries)
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
