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
	"fmt"
	"strings"
	"time"
)

// AggregationFunc names the reduction applied to an attribute's values.
// Custom reductions carry an expression: "custom:<expr>".
type AggregationFunc string

const (
	AggMin   AggregationFunc = "min"
	AggMax   AggregationFunc = "max"
	AggAvg   AggregationFunc = "avg"
	AggSum   AggregationFunc = "sum"
	AggLast  AggregationFunc = "last"
	AggCount AggregationFunc = "count"
)

const customPrefix = "custom:"

// Custom returns a custom aggregation function for expression.
func Custom(expression string) AggregationFunc {
	return AggregationFunc(customPrefix + expression)
}

// IsCustom reports whether f carries an expression.
func (f AggregationFunc) IsCustom() bool {
	return strings.HasPrefix(string(f), customPrefix)
}

// Expression returns the expression of a custom function.
func (f AggregationFunc) Expression() string {
	return strings.TrimPrefix(string(f), customPrefix)
}

// Validate checks that f is a known builtin or a non-empty custom expression.
func (f AggregationFunc) Validate() error {
	switch f {
	case AggMin, AggMax, AggAvg, AggSum, AggLast, AggCount:
		return nil
	}
	if f.IsCustom() && strings.TrimSpace(f.Expression()) != "" {
		return nil
	}
	return fmt.Errorf("unknown aggregation function %q", string(f))
}

// AggregationResult is the reduced value of one aggregation window.
type AggregationResult struct {
	EntityID    string          `json:"entity"`
	Attribute   string          `json:"attribute"`
	Function    AggregationFunc `json:"function"`
	Value       Value           `json:"value"`
	Count       int             `json:"count"`
	WindowStart time.Time       `json:"window_start"`
	WindowEnd   time.Time       `json:"window_end"`
}
