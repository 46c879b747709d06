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

package model

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	monerrors "github.com/tombee/monitord/pkg/errors"
)

func TestNewEntityIdentity(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		host    string
		port    int
		wantErr string
	}{
		{name: "localhost", id: "pump-1", host: "localhost", port: 1883},
		{name: "ipv4", id: "pump-1", host: "10.0.0.5", port: 502},
		{name: "ipv6", id: "pump-1", host: "::1", port: 1},
		{name: "bracketed ipv6", id: "pump-1", host: "[fe80::1]", port: 65535},
		{name: "url", id: "pump-1", host: "tcp://broker.example.com", port: 1883},
		{name: "bare dns name", id: "pump-1", host: "broker.example.com", port: 1883, wantErr: "host"},
		{name: "empty host", id: "pump-1", host: "", port: 1883, wantErr: "host"},
		{name: "empty id", id: " ", host: "localhost", port: 1883, wantErr: "id"},
		{name: "port zero", id: "pump-1", host: "localhost", port: 0, wantErr: "port"},
		{name: "port too large", id: "pump-1", host: "localhost", port: 65536, wantErr: "port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewEntityIdentity(tt.id, tt.host, tt.port)
			if tt.wantErr != "" {
				var vErr *monerrors.ValidationError
				require.ErrorAs(t, err, &vErr)
				assert.Equal(t, tt.wantErr, vErr.Field)
				assert.True(t, got.IsZero())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.id, got.ID())
			assert.Equal(t, tt.host, got.Host())
			assert.Equal(t, tt.port, got.Port())
		})
	}
}

func TestDialHost(t *testing.T) {
	assert.Equal(t, "broker.example.com", DialHost("tcp://broker.example.com:1883"))
	assert.Equal(t, "fe80::1", DialHost("[fe80::1]"))
	assert.Equal(t, "localhost", DialHost("localhost"))
}

func TestValue_Decoding(t *testing.T) {
	var v Value
	require.NoError(t, json.Unmarshal([]byte(`{"temp": 21.5, "ok": true, "count": 3, "tags": ["a", "b"], "note": null}`), &v))

	assert.Equal(t, KindComposite, v.Kind())
	temp, ok := v.Field("temp")
	require.True(t, ok)
	assert.Equal(t, KindReal, temp.Kind())
	count, _ := v.Field("count")
	assert.Equal(t, KindInt, count.Kind())
	tags, _ := v.Field("tags")
	assert.Equal(t, KindSequence, tags.Kind())
	assert.Len(t, tags.Items(), 2)
	note, _ := v.Field("note")
	assert.True(t, note.IsNull())
}

func TestValue_Float64(t *testing.T) {
	f, ok := Bool(true).Float64()
	assert.True(t, ok)
	assert.Equal(t, 1.0, f)

	f, ok = Int(7).Float64()
	assert.True(t, ok)
	assert.Equal(t, 7.0, f)

	_, ok = String("7").Float64()
	assert.False(t, ok)
	_, ok = Sequence(Int(1)).Float64()
	assert.False(t, ok)
}

func TestValue_SetDropsDuplicates(t *testing.T) {
	s := Set(Int(1), Int(2), Int(1), String("1"))
	assert.Equal(t, KindSet, s.Kind())
	assert.Len(t, s.Items(), 3)

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `[1, 2, "1"]`, string(data))
}

func TestValue_Equal(t *testing.T) {
	a := Composite(map[string]Value{"x": Int(1), "y": Sequence(Real(2.5))})
	b := Composite(map[string]Value{"x": Int(1), "y": Sequence(Real(2.5))})
	assert.True(t, a.Equal(b))
	assert.False(t, Int(1).Equal(Real(1)))
	assert.False(t, Sequence(Int(1)).Equal(Set(Int(1))))
}

func TestRecord_ScopeFixedAtCreation(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewRecord("pump-1", "temperature", ts, Real(20), "plant-a")
	assert.NotEmpty(t, r.ID)

	updated := r.WithValue(Real(22))
	assert.Equal(t, "plant-a", updated.Scope())
	assert.Equal(t, r.ID, updated.ID)
	assert.True(t, Real(22).Equal(updated.Value))
	assert.True(t, Real(20).Equal(r.Value), "original record is unchanged")
}

func TestRecord_JSONCarriesScope(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewRecord("pump-1", "temperature", ts, Real(20.5), "plant-a")

	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"scope":"plant-a"`)

	var decoded MonitoringRecord
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "plant-a", decoded.Scope())
	assert.Equal(t, r.ID, decoded.ID)
	assert.True(t, r.Value.Equal(decoded.Value))
	assert.True(t, ts.Equal(decoded.Timestamp))
}

func TestNewRecord_DefaultsTimestamp(t *testing.T) {
	r := NewRecord("pump-1", "temperature", time.Time{}, Int(1), "")
	assert.False(t, r.Timestamp.IsZero())
}

func TestAggregationFunc_Validate(t *testing.T) {
	for _, fn := range []AggregationFunc{AggMin, AggMax, AggAvg, AggSum, AggLast, AggCount, Custom("acc + value")} {
		assert.NoError(t, fn.Validate(), fn)
	}
	assert.Error(t, AggregationFunc("median").Validate())
	assert.Error(t, Custom("  ").Validate())
	assert.Equal(t, "acc + value", Custom("acc + value").Expression())
}

func mustIdentity(t *testing.T, id string) EntityIdentity {
	t.Helper()
	identity, err := NewEntityIdentity(id, "localhost", 1883)
	require.NoError(t, err)
	return identity
}

func TestTrackedSet_LookupAndReplace(t *testing.T) {
	set := NewTrackedSet(
		TrackedEntity{Identity: mustIdentity(t, "pump-1"), Attribute: "temperature", Function: AggMax},
		TrackedEntity{Identity: mustIdentity(t, "pump-2"), Function: AggLast},
	)

	e, ok := set.Lookup("pump-1", "temperature")
	require.True(t, ok)
	assert.Equal(t, AggMax, e.Function)

	_, ok = set.Lookup("pump-1", "pressure")
	assert.False(t, ok)

	e, ok = set.Lookup("pump-2", "anything")
	require.True(t, ok, "wildcard attribute matches")
	assert.Equal(t, AggLast, e.Function)

	assert.False(t, set.Known("pump-3"))
	assert.Equal(t, 2, set.Len())

	set.Replace([]TrackedEntity{{Identity: mustIdentity(t, "pump-3"), Function: AggSum}})
	assert.True(t, set.Known("pump-3"))
	assert.False(t, set.Known("pump-1"))
	assert.Len(t, set.Entities(), 1)
}

func TestTrackedSet_NilIsEmpty(t *testing.T) {
	var set *TrackedSet
	assert.False(t, set.Known("pump-1"))
	assert.Equal(t, 0, set.Len())
}

func TestDefaultValidator(t *testing.T) {
	identity, err := DefaultValidator(Descriptor{"id": "pump-1", "host": "127.0.0.1", "port": "502"})
	require.NoError(t, err)
	assert.Equal(t, 502, identity.Port())

	_, err = DefaultValidator(Descriptor{"id": "pump-1", "host": "127.0.0.1"})
	var vErr *monerrors.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "port", vErr.Field)
}

const entitiesDoc = `
entities:
  - id: pump-1
    host: 10.0.0.5
    port: 502
    attributes:
      temperature: avg
      pressure: max
  - id: pump-2
    host: localhost
    port: 1883
`

func TestParseEntities(t *testing.T) {
	entities, err := ParseEntities([]byte(entitiesDoc), nil)
	require.NoError(t, err)
	require.Len(t, entities, 3)

	assert.Equal(t, "pressure", entities[0].Attribute)
	assert.Equal(t, AggMax, entities[0].Function)
	assert.Equal(t, "temperature", entities[1].Attribute)
	assert.Equal(t, "pump-2", entities[2].Identity.ID())
	assert.Equal(t, AggLast, entities[2].Function)
}

func TestParseEntities_Invalid(t *testing.T) {
	_, err := ParseEntities([]byte("entities:\n  - id: x\n    host: not a host\n    port: 1\n"), nil)
	assert.Error(t, err)

	_, err = ParseEntities([]byte("entities:\n  - id: x\n    host: localhost\n    port: 1\n    attributes: {t: median}\n"), nil)
	assert.Error(t, err)
}

func TestParseEntities_CustomValidator(t *testing.T) {
	calls := 0
	validate := func(d Descriptor) (EntityIdentity, error) {
		calls++
		return DefaultValidator(d)
	}
	_, err := ParseEntities([]byte(entitiesDoc), validate)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestWatchEntities_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "entities.yaml")
	require.NoError(t, os.WriteFile(path, []byte(entitiesDoc), 0o600))

	initial, err := LoadEntities(path, nil)
	require.NoError(t, err)
	set := NewTrackedSet(initial...)

	w, err := WatchEntities(context.Background(), path, set, nil, nil)
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("entities:\n  - id: pump-9\n    host: localhost\n    port: 80\n"), 0o600))

	assert.Eventually(t, func() bool {
		return set.Known("pump-9") && !set.Known("pump-1")
	}, 5*time.Second, 20*time.Millisecond)

	// A broken file keeps the previous set.
	require.NoError(t, os.WriteFile(path, []byte("entities: [broken"), 0o600))
	time.Sleep(3 * reloadDelay)
	assert.True(t, set.Known("pump-9"))
}

func TestEntityWatcher_StopIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entities.yaml")
	require.NoError(t, os.WriteFile(path, []byte(entitiesDoc), 0o600))

	w, err := WatchEntities(context.Background(), path, NewTrackedSet(), nil, nil)
	require.NoError(t, err)
	assert.NoError(t, w.Stop())
	assert.NoError(t, w.Stop())
}
