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

package errors

import "errors"

// ErrorClassifier defines methods for programmatic error handling.
// Propagators use it to decide whether a failed item is worth logging as
// transient or as a persistent sink problem.
type ErrorClassifier interface {
	error

	// ErrorType returns a string identifying the error category.
	// Examples: "network", "queue", "parse"
	ErrorType() string

	// IsRetryable returns true if the operation may succeed when repeated.
	IsRetryable() bool
}

// IsRetryable reports whether err, or any error it wraps, classifies itself as retryable.
func IsRetryable(err error) bool {
	var c ErrorClassifier
	if errors.As(err, &c) {
		return c.IsRetryable()
	}
	return false
}
