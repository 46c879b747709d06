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

// Package secrets resolves credential references used in transport configuration.
//
// A configured credential may be a literal or a reference:
//
//	${BROKER_PASSWORD}       environment variable
//	env:BROKER_PASSWORD      environment variable
//	keychain:mqtt-password   system keychain entry under the "monitord" service
//
// Resolved values are never logged.
package secrets
