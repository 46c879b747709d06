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
	"strconv"

	monerrors "github.com/tombee/monitord/pkg/errors"
)

// Descriptor is an entity description produced by the modelling layer.
// The pipeline never inspects it beyond passing it to a Validator.
type Descriptor map[string]any

// Validator turns a descriptor into a validated identity.
// Failures are *errors.ValidationError.
type Validator func(Descriptor) (EntityIdentity, error)

// DefaultValidator reads the "id", "host" and "port" keys.
func DefaultValidator(d Descriptor) (EntityIdentity, error) {
	id, _ := d["id"].(string)
	host, _ := d["host"].(string)
	port, err := portOf(d["port"])
	if err != nil {
		return EntityIdentity{}, &monerrors.ValidationError{Field: "port", Message: err.Error()}
	}
	return NewEntityIdentity(id, host, port)
}

func portOf(raw any) (int, error) {
	switch p := raw.(type) {
	case int:
		return p, nil
	case int64:
		return int(p), nil
	case uint64:
		return int(p), nil
	case float64:
		if p != float64(int(p)) {
			return 0, fmt.Errorf("port %v is not an integer", p)
		}
		return int(p), nil
	case string:
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, fmt.Errorf("port %q is not an integer", p)
		}
		return n, nil
	case nil:
		return 0, fmt.Errorf("port is missing")
	default:
		return 0, fmt.Errorf("unsupported port type %T", raw)
	}
}
