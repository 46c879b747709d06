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

package aggregator

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tombee/monitord/internal/model"
	monerrors "github.com/tombee/monitord/pkg/errors"
)

// WindowState describes an open aggregation window when its trigger is consulted.
type WindowState struct {
	EntityID  string
	Attribute string
	Function  model.AggregationFunc
	Count     int
	Value     model.Value
	Start     time.Time
	End       time.Time
}

// Trigger decides when a window is emitted.
type Trigger interface {
	// Fire reports whether the window should be emitted now.
	Fire(state WindowState) (bool, error)

	// Resets reports whether an emitted window starts over. Triggers that
	// do not reset emit running aggregates.
	Resets() bool
}

type everyRecord struct{}

// EveryRecord emits the running aggregate after every record.
func EveryRecord() Trigger { return everyRecord{} }

func (everyRecord) Fire(WindowState) (bool, error) { return true, nil }
func (everyRecord) Resets() bool                   { return false }
func (everyRecord) String() string                 { return "every" }

type everyN struct {
	n int
}

// EveryN emits a tumbling window of n records.
func EveryN(n int) (Trigger, error) {
	if n < 1 {
		return nil, &monerrors.ValidationError{
			Field:      "aggregator.trigger",
			Message:    fmt.Sprintf("window size must be at least 1, got %d", n),
			Suggestion: "use count:N with N >= 1",
		}
	}
	return everyN{n: n}, nil
}

func (t everyN) Fire(s WindowState) (bool, error) { return s.Count >= t.n, nil }
func (t everyN) Resets() bool                     { return true }
func (t everyN) String() string                   { return "count:" + strconv.Itoa(t.n) }

// triggerEnv is the environment of trigger expressions.
type triggerEnv struct {
	Count     int     `expr:"count"`
	Value     any     `expr:"value"`
	Entity    string  `expr:"entity"`
	Attribute string  `expr:"attribute"`
	Function  string  `expr:"function"`
	Elapsed   float64 `expr:"elapsed"`
}

type exprTrigger struct {
	source  string
	program *vm.Program
}

// ExprTrigger emits a tumbling window whenever expression evaluates to true.
// The expression sees count, value (the current reduced value), entity,
// attribute, function and elapsed (window span in seconds):
//
//	count >= 10 || elapsed > 60
func ExprTrigger(expression string) (Trigger, error) {
	program, err := expr.Compile(expression, expr.Env(triggerEnv{}), expr.AsBool())
	if err != nil {
		return nil, &monerrors.ValidationError{
			Field:      "aggregator.trigger",
			Message:    fmt.Sprintf("failed to compile trigger expression: %s", err.Error()),
			Suggestion: "reference only count, value, entity, attribute, function and elapsed",
		}
	}
	return &exprTrigger{source: expression, program: program}, nil
}

func (t *exprTrigger) Fire(s WindowState) (bool, error) {
	out, err := expr.Run(t.program, triggerEnv{
		Count:     s.Count,
		Value:     s.Value.Interface(),
		Entity:    s.EntityID,
		Attribute: s.Attribute,
		Function:  string(s.Function),
		Elapsed:   s.End.Sub(s.Start).Seconds(),
	})
	if err != nil {
		return false, fmt.Errorf("trigger expression failed: %w", err)
	}
	fire, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("trigger expression returned %T, not bool", out)
	}
	return fire, nil
}

func (t *exprTrigger) Resets() bool   { return true }
func (t *exprTrigger) String() string { return "expr:" + t.source }

// ParseTrigger reads a trigger policy: "every", "count:N" or "expr:<expression>".
// An empty policy is "every".
func ParseTrigger(policy string) (Trigger, error) {
	policy = strings.TrimSpace(policy)
	switch {
	case policy == "" || policy == "every":
		return EveryRecord(), nil
	case strings.HasPrefix(policy, "count:"):
		n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(policy, "count:")))
		if err != nil {
			return nil, &monerrors.ValidationError{
				Field:      "aggregator.trigger",
				Message:    fmt.Sprintf("invalid window size in %q", policy),
				Suggestion: "use count:N, for example count:10",
			}
		}
		return EveryN(n)
	case strings.HasPrefix(policy, "expr:"):
		return ExprTrigger(strings.TrimSpace(strings.TrimPrefix(policy, "expr:")))
	default:
		return nil, &monerrors.ValidationError{
			Field:      "aggregator.trigger",
			Message:    fmt.Sprintf("unknown trigger policy %q", policy),
			Suggestion: "use every, count:N or expr:<expression>",
		}
	}
}
