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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	monerrors "github.com/tombee/monitord/pkg/errors"
)

func TestValues_Accessors(t *testing.T) {
	v := FromMap(map[string]string{
		"MQTT.Host":          "broker.local",
		"mqtt.port":          "1884",
		"mqtt.clean_session": "false",
		"http.timeout":       "250ms",
		"source.a.interval":  "7",
		"receiver.sources":   "a, b,,c ",
		"blank":              "  ",
	})

	assert.Equal(t, "broker.local", v.String("mqtt.host", "x"))
	assert.Equal(t, "fallback", v.String("blank", "fallback"))
	assert.False(t, v.Has("blank"))

	port, err := v.Int("mqtt.port", 1883)
	require.NoError(t, err)
	assert.Equal(t, 1884, port)

	clean, err := v.Bool("mqtt.clean_session", true)
	require.NoError(t, err)
	assert.False(t, clean)

	timeout, err := v.Duration("http.timeout", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, timeout)

	interval, err := v.Duration("source.a.interval", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 7*time.Second, interval)

	assert.Equal(t, []string{"a", "b", "c"}, v.Strings("receiver.sources"))
	assert.Nil(t, v.Strings("missing"))
}

func TestValues_RequireMissing(t *testing.T) {
	_, err := FromMap(nil).Require("aggregator.channel")

	var cfgErr *monerrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "aggregator.channel", cfgErr.Key)
}

func TestValues_InvalidValues(t *testing.T) {
	v := FromMap(map[string]string{"n": "ten", "b": "maybe", "d": "soon", "neg": "-1s"})

	_, err := v.Int("n", 0)
	assert.Error(t, err)
	_, err = v.Bool("b", false)
	assert.Error(t, err)
	_, err = v.Duration("d", 0)
	assert.Error(t, err)
	_, err = v.Duration("neg", 0)
	assert.Error(t, err)

	var cfgErr *monerrors.ConfigError
	_, err = v.Int("n", 0)
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "n", cfgErr.Key)
}

func TestValues_SubAndWith(t *testing.T) {
	v := FromMap(map[string]string{
		"source.plant.channel":  "plant/+/temp",
		"source.plant.qos":      "1",
		"source.plantb.channel": "other",
		"sources":               "plant",
	})

	sub := v.Sub("source.plant")
	assert.Equal(t, []string{"channel", "qos"}, sub.Keys())
	assert.Equal(t, "plant/+/temp", sub.String("channel", ""))

	w := v.With("source.plant.qos", "2")
	assert.Equal(t, "2", w.String("source.plant.qos", ""))
	assert.Equal(t, "1", v.String("source.plant.qos", ""), "With must not mutate the receiver")
	assert.Equal(t, 4, v.Len())
}

func TestParse_FlattensNestedYAML(t *testing.T) {
	doc := []byte(`
mqtt:
  host: broker.local
  port: 1883
receiver:
  sources: [plant, office]
source:
  plant:
    transport: mqtt
    channel: plant/temp
    qos: 1
`)
	v, err := Parse(doc)
	require.NoError(t, err)

	assert.Equal(t, "broker.local", v.String("mqtt.host", ""))
	assert.Equal(t, "1883", v.String("mqtt.port", ""))
	assert.Equal(t, []string{"plant", "office"}, v.Strings("receiver.sources"))
	assert.Equal(t, "plant/temp", v.String("source.plant.channel", ""))
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("mqtt: [unterminated"))
	assert.Error(t, err)
}

func TestLoad_FileEnvAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "monitord.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mqtt:\n  host: file-host\n  client_id: from-file\n"), 0o600))

	t.Setenv("MONITORD_MQTT__CLIENT_ID", "from-env")

	v, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "file-host", v.String("mqtt.host", ""))
	assert.Equal(t, "from-env", v.String("mqtt.client_id", ""))
	assert.Equal(t, "1883", v.String("mqtt.port", ""), "default applies when unset")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))

	var cfgErr *monerrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "config_file", cfgErr.Key)
}

func TestLoad_ValidationFailure(t *testing.T) {
	t.Setenv("MONITORD_LOG__FORMAT", "xml")

	_, err := Load("")

	var cfgErr *monerrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "validation", cfgErr.Key)
	assert.Contains(t, cfgErr.Cause.Error(), "log.format")
}

func TestFromEnviron_SkipsLogVariables(t *testing.T) {
	got := fromEnviron([]string{
		"MONITORD_DEBUG=1",
		"MONITORD_LOG_LEVEL=debug",
		"MONITORD_SERVER__PORT=9090",
		"HOME=/root",
		"MALFORMED",
	})
	assert.Equal(t, map[string]string{"server.port": "9090"}, got)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(Default()))
	assert.Error(t, Validate(Default().With("queue.capacity", "-2")))
	assert.Error(t, Validate(Default().With("telemetry.exporter", "zipkin")))
	assert.Error(t, Validate(Default().With("log.level", "loud")))
}
