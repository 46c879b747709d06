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

/*
Package cli provides the monitord command tree.

	monitord
	├── run               Run the pipeline until SIGINT or SIGTERM
	├── validate-config   Build every component without connecting
	└── version           Show version

All commands inherit these flags:

	--config, -c     Path to config file
	--verbose, -v    Enable debug logging
	--json           Output in JSON format

Errors returned from commands carry an exit code; main passes them to
HandleExitError. A configuration problem exits with ExitInvalidConfig.
*/
package cli
