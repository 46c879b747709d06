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

package receiver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/itchyny/gojq"

	"github.com/tombee/monitord/internal/model"
	monerrors "github.com/tombee/monitord/pkg/errors"
)

// Parser turns one inbound payload into zero or more records.
// Failures are *errors.ParseError.
type Parser interface {
	Parse(ctx context.Context, source, channel string, payload []byte) ([]model.MonitoringRecord, error)
}

// JSONParser decodes a record object or an array of record objects:
//
//	{"entity": "pump-1", "name": "temperature", "value": 21.5,
//	 "timestamp": "2025-03-01T12:00:00Z", "scope": "plant-a"}
//
// Entity falls back to the parser's Entity, name to the channel, and a missing
// timestamp to the time of receipt.
type JSONParser struct {
	Entity string
	Scope  string
}

type wireRecord struct {
	ID        string          `json:"id"`
	Entity    string          `json:"entity"`
	Name      string          `json:"name"`
	Timestamp *time.Time      `json:"timestamp"`
	Value     json.RawMessage `json:"value"`
	Scope     string          `json:"scope"`
}

// Parse implements Parser.
func (p JSONParser) Parse(_ context.Context, source, channel string, payload []byte) ([]model.MonitoringRecord, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, &monerrors.ParseError{Source: source, Reason: "empty payload"}
	}

	var wires []wireRecord
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &wires); err != nil {
			return nil, &monerrors.ParseError{Source: source, Reason: "invalid JSON array", Cause: err}
		}
	} else {
		var w wireRecord
		if err := json.Unmarshal(trimmed, &w); err != nil {
			return nil, &monerrors.ParseError{Source: source, Reason: "invalid JSON object", Cause: err}
		}
		wires = []wireRecord{w}
	}

	records := make([]model.MonitoringRecord, 0, len(wires))
	for i, w := range wires {
		r, err := p.record(source, channel, w)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		records = append(records, r)
	}
	return records, nil
}

func (p JSONParser) record(source, channel string, w wireRecord) (model.MonitoringRecord, error) {
	entity := w.Entity
	if entity == "" {
		entity = p.Entity
	}
	if entity == "" {
		return model.MonitoringRecord{}, &monerrors.ParseError{Source: source, Reason: "missing entity"}
	}
	if len(w.Value) == 0 {
		return model.MonitoringRecord{}, &monerrors.ParseError{Source: source, Reason: "missing value"}
	}
	var value model.Value
	if err := json.Unmarshal(w.Value, &value); err != nil {
		return model.MonitoringRecord{}, &monerrors.ParseError{Source: source, Reason: "invalid value", Cause: err}
	}

	name := w.Name
	if name == "" {
		name = channel
	}
	scope := w.Scope
	if scope == "" {
		scope = p.Scope
	}
	var ts time.Time
	if w.Timestamp != nil {
		ts = *w.Timestamp
	}

	r := model.NewRecord(entity, name, ts, value, scope)
	if w.ID != "" {
		r.ID = w.ID
	}
	return r, nil
}

// JQParser reshapes a payload with a jq program before decoding it as JSON
// records. Each value the program emits is one record object (or array of them).
type JQParser struct {
	code    *gojq.Code
	timeout time.Duration
	next    JSONParser
}

// NewJQParser compiles expression. Evaluation of one payload is bounded by timeout.
func NewJQParser(expression string, timeout time.Duration, next JSONParser) (*JQParser, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid jq expression: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("jq compilation failed: %w", err)
	}
	if timeout == 0 {
		timeout = time.Second
	}
	return &JQParser{code: code, timeout: timeout, next: next}, nil
}

// Parse implements Parser.
func (p *JQParser) Parse(ctx context.Context, source, channel string, payload []byte) ([]model.MonitoringRecord, error) {
	var input any
	if err := json.Unmarshal(payload, &input); err != nil {
		return nil, &monerrors.ParseError{Source: source, Reason: "invalid JSON", Cause: err}
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var records []model.MonitoringRecord
	iter := p.code.RunWithContext(ctx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, &monerrors.ParseError{Source: source, Reason: "mapping failed", Cause: err}
		}
		if v == nil {
			continue
		}
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, &monerrors.ParseError{Source: source, Reason: "mapping produced unencodable output", Cause: err}
		}
		out, err := p.next.Parse(ctx, source, channel, encoded)
		if err != nil {
			return nil, err
		}
		records = append(records, out...)
	}
	return records, nil
}
