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
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MonitoringRecord is one observation of a named attribute of an entity.
// The scope tag is fixed when the record is created; only the value may change,
// and only by deriving a new record with WithValue.
type MonitoringRecord struct {
	ID        string
	EntityID  string
	Name      string
	Timestamp time.Time
	Value     Value
	scope     string
}

// NewRecord creates a record with a fresh ID. A zero timestamp is replaced by the current time.
func NewRecord(entityID, name string, ts time.Time, value Value, scope string) MonitoringRecord {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return MonitoringRecord{
		ID:        uuid.NewString(),
		EntityID:  entityID,
		Name:      name,
		Timestamp: ts,
		Value:     value,
		scope:     scope,
	}
}

// Scope returns the monitoring-scope tag set at creation.
func (r MonitoringRecord) Scope() string { return r.scope }

// WithValue returns a copy of r carrying v. ID and scope are preserved.
func (r MonitoringRecord) WithValue(v Value) MonitoringRecord {
	r.Value = v
	return r
}

type recordWire struct {
	ID        string    `json:"id,omitempty"`
	EntityID  string    `json:"entity"`
	Name      string    `json:"name,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Value     Value     `json:"value"`
	Scope     string    `json:"scope,omitempty"`
}

// MarshalJSON encodes the record including its scope.
func (r MonitoringRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordWire{
		ID:        r.ID,
		EntityID:  r.EntityID,
		Name:      r.Name,
		Timestamp: r.Timestamp,
		Value:     r.Value,
		Scope:     r.scope,
	})
}

// UnmarshalJSON decodes a record. It is the only other place a scope is assigned.
func (r *MonitoringRecord) UnmarshalJSON(data []byte) error {
	var w recordWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = MonitoringRecord{
		ID:        w.ID,
		EntityID:  w.EntityID,
		Name:      w.Name,
		Timestamp: w.Timestamp,
		Value:     w.Value,
		scope:     w.Scope,
	}
	return nil
}
