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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/monitord/internal/model"
	monerrors "github.com/tombee/monitord/pkg/errors"
)

func TestParseTrigger(t *testing.T) {
	tests := []struct {
		policy  string
		want    string
		resets  bool
		wantErr bool
	}{
		{policy: "", want: "every"},
		{policy: "every", want: "every"},
		{policy: "count:5", want: "count:5", resets: true},
		{policy: " count: 2 ", want: "count:2", resets: true},
		{policy: "expr:count >= 3", want: "expr:count >= 3", resets: true},
		{policy: "count:0", wantErr: true},
		{policy: "count:many", wantErr: true},
		{policy: "expr:nonsense >", wantErr: true},
		{policy: "expr:undefined_name > 1", wantErr: true},
		{policy: "sometimes", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.policy, func(t *testing.T) {
			trigger, err := ParseTrigger(tt.policy)
			if tt.wantErr {
				var valErr *monerrors.ValidationError
				require.ErrorAs(t, err, &valErr)
				assert.Equal(t, "aggregator.trigger", valErr.Field)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, fmt.Sprint(trigger))
			assert.Equal(t, tt.resets, trigger.Resets())
		})
	}
}

func TestEveryN_Fire(t *testing.T) {
	trigger, err := EveryN(2)
	require.NoError(t, err)

	fire, err := trigger.Fire(WindowState{Count: 1})
	require.NoError(t, err)
	assert.False(t, fire)

	fire, err = trigger.Fire(WindowState{Count: 2})
	require.NoError(t, err)
	assert.True(t, fire)
}

func TestExprTrigger_Environment(t *testing.T) {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	state := WindowState{
		EntityID:  "pump-1",
		Attribute: "temp",
		Function:  model.AggAvg,
		Count:     4,
		Value:     model.Real(71.5),
		Start:     start,
		End:       start.Add(90 * time.Second),
	}

	tests := []struct {
		expression string
		want       bool
	}{
		{"count >= 4", true},
		{"value > 80", false},
		{"elapsed >= 60", true},
		{`entity == "pump-1" && attribute == "temp"`, true},
		{`function == "max"`, false},
	}
	for _, tt := range tests {
		t.Run(tt.expression, func(t *testing.T) {
			trigger, err := ExprTrigger(tt.expression)
			require.NoError(t, err)
			fire, err := trigger.Fire(state)
			require.NoError(t, err)
			assert.Equal(t, tt.want, fire)
		})
	}
}

func TestExprTrigger_RuntimeError(t *testing.T) {
	trigger, err := ExprTrigger(`value > 10`)
	require.NoError(t, err)

	_, err = trigger.Fire(WindowState{Value: model.String("hot")})
	assert.Error(t, err)
}
