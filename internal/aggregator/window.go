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
	"math"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tombee/monitord/internal/model"
)

// reduceEnv is the environment of custom reducer expressions. acc holds the
// previous result and is nil for the first record of a window.
type reduceEnv struct {
	Acc   any `expr:"acc"`
	Value any `expr:"value"`
	Count int `expr:"count"`
}

// programCache compiles custom reducer expressions once.
type programCache struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

func newProgramCache() *programCache {
	return &programCache{programs: make(map[string]*vm.Program)}
}

func (c *programCache) compile(expression string) (*vm.Program, error) {
	c.mu.RLock()
	if prog, ok := c.programs[expression]; ok {
		c.mu.RUnlock()
		return prog, nil
	}
	c.mu.RUnlock()

	prog, err := expr.Compile(expression, expr.Env(reduceEnv{}))
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.programs[expression] = prog
	c.mu.Unlock()
	return prog, nil
}

// window accumulates the values of one attribute of one entity.
type window struct {
	fn      model.AggregationFunc
	program *vm.Program

	count int
	sum   float64
	min   float64
	max   float64
	last  model.Value
	acc   any

	// Exact integer accumulators, valid while allInt holds.
	allInt   bool
	sumExact bool
	isum     int64
	imin     int64
	imax     int64

	start time.Time
	end   time.Time
}

func newWindow(fn model.AggregationFunc, programs *programCache) (*window, error) {
	w := &window{fn: fn}
	if fn.IsCustom() {
		prog, err := programs.compile(fn.Expression())
		if err != nil {
			return nil, fmt.Errorf("invalid custom aggregation %q: %w", fn.Expression(), err)
		}
		w.program = prog
	} else if err := fn.Validate(); err != nil {
		return nil, err
	}
	w.reset()
	return w, nil
}

func (w *window) reset() {
	w.count = 0
	w.sum = 0
	w.min = math.Inf(1)
	w.max = math.Inf(-1)
	w.allInt = true
	w.sumExact = true
	w.isum, w.imin, w.imax = 0, 0, 0
	w.last = model.Value{}
	w.acc = nil
	w.start = time.Time{}
	w.end = time.Time{}
}

// add folds one record into the window. A rejected record leaves the window unchanged.
func (w *window) add(rec model.MonitoringRecord) error {
	switch {
	case w.program != nil:
		out, err := expr.Run(w.program, reduceEnv{Acc: w.acc, Value: rec.Value.Interface(), Count: w.count + 1})
		if err != nil {
			return fmt.Errorf("custom aggregation failed: %w", err)
		}
		w.acc = out
	case w.fn == model.AggMin || w.fn == model.AggMax || w.fn == model.AggAvg || w.fn == model.AggSum:
		f, ok := rec.Value.Float64()
		if !ok {
			return fmt.Errorf("%s needs a numeric value, got %s", w.fn, rec.Value.Kind())
		}
		w.sum += f
		w.min = math.Min(w.min, f)
		w.max = math.Max(w.max, f)
		w.addInt(rec.Value)
	}

	w.count++
	w.last = rec.Value
	if w.start.IsZero() || rec.Timestamp.Before(w.start) {
		w.start = rec.Timestamp
	}
	if rec.Timestamp.After(w.end) {
		w.end = rec.Timestamp
	}
	return nil
}

// value returns the reduced value of the window.
func (w *window) value() (model.Value, error) {
	if w.count == 0 {
		return model.Value{}, nil
	}
	if w.program != nil {
		return model.FromInterface(w.acc)
	}
	switch w.fn {
	case model.AggMin:
		if w.allInt {
			return model.Int(w.imin), nil
		}
		return model.Real(w.min), nil
	case model.AggMax:
		if w.allInt {
			return model.Int(w.imax), nil
		}
		return model.Real(w.max), nil
	case model.AggSum:
		if w.allInt && w.sumExact {
			return model.Int(w.isum), nil
		}
		return model.Real(w.sum), nil
	case model.AggAvg:
		return model.Real(w.sum / float64(w.count)), nil
	case model.AggCount:
		return model.Int(int64(w.count)), nil
	default:
		return w.last, nil
	}
}

// addInt folds v into the integer accumulators. Must run before count is
// incremented.
func (w *window) addInt(v model.Value) {
	i, ok := v.Int64()
	if !ok {
		w.allInt = false
	}
	if !w.allInt {
		return
	}
	if w.count == 0 || i < w.imin {
		w.imin = i
	}
	if w.count == 0 || i > w.imax {
		w.imax = i
	}
	if !w.sumExact {
		return
	}
	s := w.isum + i
	if (i > 0 && s < w.isum) || (i < 0 && s > w.isum) {
		w.sumExact = false
		return
	}
	w.isum = s
}

func (w *window) state(entityID, attribute string) (WindowState, error) {
	v, err := w.value()
	if err != nil {
		return WindowState{}, err
	}
	return WindowState{
		EntityID:  entityID,
		Attribute: attribute,
		Function:  w.fn,
		Count:     w.count,
		Value:     v,
		Start:     w.start,
		End:       w.end,
	}, nil
}
