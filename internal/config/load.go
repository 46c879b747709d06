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

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	monerrors "github.com/tombee/monitord/pkg/errors"
)

// EnvPrefix is the prefix of environment variables that override file values.
// A double underscore separates key segments: MONITORD_MQTT__CLIENT_ID sets mqtt.client_id.
const EnvPrefix = "MONITORD_"

// Default returns the values used when neither the file nor the environment sets a key.
func Default() Values {
	return FromMap(map[string]string{
		"log.level":                 "info",
		"log.format":                "json",
		"mqtt.port":                 "1883",
		"mqtt.connect_timeout":      "10s",
		"mqtt.clean_session":        "true",
		"http.base_path":            "/",
		"http.timeout":              "30s",
		"http.retry_attempts":       "3",
		"server.host":               "localhost",
		"server.port":               "8080",
		"server.route":              "/monitoring",
		"server.shutdown_timeout":   "5s",
		"server.enabled":            "true",
		"aggregator.enabled":        "true",
		"aggregator.flush_on_stop":  "false",
		"aggregator.transport":      "mqtt",
		"aggregator.qos":            "1",
		"aggregator.trigger":        "every",
		"queue.capacity":            "0",
		"store.retention":           "0",
		"telemetry.service_name":    "monitord",
		"telemetry.exporter":        "none",
		"telemetry.insecure":        "false",
		"metrics.enabled":           "true",
		"receiver.republish.qos":    "0",
		"receiver.inbound_capacity": "1024",
	})
}

// Load reads configuration from a YAML file and environment variables.
// Environment variables take precedence over the file; the file takes
// precedence over Default. If path is empty only defaults and environment are used.
func Load(path string) (Values, error) {
	merged := Default().entries

	if path != "" {
		fileValues, err := loadFile(path)
		if err != nil {
			return Values{}, &monerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", path),
				Cause:  err,
			}
		}
		for k, v := range fileValues {
			merged[k] = v
		}
	}

	for k, v := range fromEnviron(os.Environ()) {
		merged[k] = v
	}

	values := Values{entries: merged}
	if err := Validate(values); err != nil {
		return Values{}, &monerrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}
	return values, nil
}

// Parse flattens a YAML document into Values without defaults or environment.
func Parse(data []byte) (Values, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Values{}, fmt.Errorf("failed to parse YAML: %w", err)
	}
	entries := make(map[string]string)
	flatten("", doc, entries)
	return Values{entries: entries}, nil
}

// Validate checks the keys whose values are constrained regardless of which
// components are enabled.
func Validate(v Values) error {
	var errs []string

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if level := v.String("log.level", "info"); !validLevels[strings.ToLower(level)] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [trace, debug, info, warn, error], got %q", level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if format := v.String("log.format", "json"); !validFormats[strings.ToLower(format)] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", format))
	}
	validExporters := map[string]bool{"none": true, "stdout": true, "otlp-http": true, "otlp-grpc": true}
	if exp := v.String("telemetry.exporter", "none"); !validExporters[exp] {
		errs = append(errs, fmt.Sprintf("telemetry.exporter must be one of [none, stdout, otlp-http, otlp-grpc], got %q", exp))
	}
	if n, err := v.Int("queue.capacity", 0); err != nil {
		errs = append(errs, err.Error())
	} else if n < 0 {
		errs = append(errs, fmt.Sprintf("queue.capacity must be >= 0, got %d", n))
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func loadFile(path string) (map[string]string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	values, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return values.entries, nil
}

// flatten walks a decoded YAML tree writing dotted keys into out.
// Lists of scalars become comma-separated values.
func flatten(prefix string, node any, out map[string]string) {
	join := func(k string) string {
		k = normalizeKey(k)
		if prefix == "" {
			return k
		}
		return prefix + "." + k
	}

	switch n := node.(type) {
	case map[string]any:
		for k, v := range n {
			flatten(join(k), v, out)
		}
	case []any:
		parts := make([]string, 0, len(n))
		for _, item := range n {
			parts = append(parts, fmt.Sprint(item))
		}
		out[prefix] = strings.Join(parts, ",")
	case nil:
		if prefix != "" {
			out[prefix] = ""
		}
	default:
		out[prefix] = fmt.Sprint(n)
	}
}

func fromEnviron(environ []string) map[string]string {
	out := make(map[string]string)
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, EnvPrefix) {
			continue
		}
		key := strings.TrimPrefix(name, EnvPrefix)
		// Consumed by the log package directly.
		if key == "DEBUG" || key == "LOG_LEVEL" {
			continue
		}
		key = strings.ToLower(strings.ReplaceAll(key, "__", "."))
		out[key] = value
	}
	return out
}
