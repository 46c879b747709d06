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

package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	monerrors "github.com/tombee/monitord/pkg/errors"
)

const validConfig = `
mqtt:
  host: 127.0.0.1
server:
  enabled: false
aggregator:
  channel: results
  trigger: count:5
store:
  path: results.db
receiver:
  sources: [plant, office]
source:
  plant:
    transport: mqtt
    channel: plant/+/temp
  office:
    transport: mqtt
    channel: office/temp
    entity: office-1
`

func writeConfig(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "monitord.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(args ...string) (string, error) {
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestNewRootCommand(t *testing.T) {
	cmd := NewRootCommand()

	if cmd.Use != "monitord" {
		t.Errorf("expected use 'monitord', got %q", cmd.Use)
	}
	if cmd.Short == "" || cmd.Long == "" {
		t.Error("expected descriptions to be set")
	}

	for _, name := range []string{"run", "validate-config", "version"} {
		if sub, _, err := cmd.Find([]string{name}); err != nil || sub.Name() != name {
			t.Errorf("subcommand %q not registered", name)
		}
	}
	for _, flag := range []string{"config", "verbose", "json"} {
		if cmd.PersistentFlags().Lookup(flag) == nil {
			t.Errorf("%s flag not registered", flag)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	SetVersion("1.2.3", "abc123", "2025-12-22")
	defer SetVersion("dev", "unknown", "unknown")

	out, err := execute("version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out, "monitord version 1.2.3") || !strings.Contains(out, "abc123") {
		t.Errorf("unexpected output: %q", out)
	}

	out, err = execute("version", "--json")
	if err != nil {
		t.Fatalf("version --json failed: %v", err)
	}
	var info VersionInfo
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if info.BuildDate != "2025-12-22" {
		t.Errorf("expected build date '2025-12-22', got %q", info.BuildDate)
	}
}

func TestValidateConfig(t *testing.T) {
	path := writeConfig(t, validConfig)

	out, err := execute("validate-config", "--config", path)
	if err != nil {
		t.Fatalf("validate-config failed: %v", err)
	}
	if !strings.Contains(out, "configuration is valid") || !strings.Contains(out, "plant, office") {
		t.Errorf("unexpected output: %q", out)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(path), "results.db")); err == nil {
		t.Error("validate-config must not create the store file")
	}
}

func TestValidateConfig_JSON(t *testing.T) {
	out, err := execute("validate-config", "--json", "--config", writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("validate-config failed: %v", err)
	}
	var report ValidationReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if !report.Valid || len(report.Sources) != 2 {
		t.Errorf("unexpected report: %+v", report)
	}
}

func TestValidateConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"missing aggregator channel", strings.Replace(validConfig, "channel: results", "", 1)},
		{"bad trigger", strings.Replace(validConfig, "count:5", "whenever", 1)},
		{"bad log format", validConfig + "log:\n  format: xml\n"},
		{"unknown transport", strings.Replace(validConfig, "transport: mqtt\n    channel: office", "transport: pigeon\n    channel: office", 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute("validate-config", "--config", writeConfig(t, tt.doc))

			var exitErr *ExitError
			if !errors.As(err, &exitErr) {
				t.Fatalf("expected ExitError, got %v", err)
			}
			if exitErr.Code != ExitInvalidConfig {
				t.Errorf("expected exit code %d, got %d", ExitInvalidConfig, exitErr.Code)
			}
		})
	}
}

func TestValidateConfig_MissingFile(t *testing.T) {
	out, err := execute("validate-config", "--json", "--config", filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
	var report ValidationReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if report.Valid || report.Error == "" {
		t.Errorf("unexpected report: %+v", report)
	}
}

func TestPrintSuggestion(t *testing.T) {
	var buf bytes.Buffer
	printSuggestion(&buf, invalidConfig(errors.New("plain")))
	if buf.Len() != 0 {
		t.Errorf("expected no suggestion, got %q", buf.String())
	}

	valErr := &monerrors.ValidationError{Field: "host", Message: "bad", Suggestion: "use localhost"}
	printSuggestion(&buf, invalidConfig(fmt.Errorf("entity 0: %w", valErr)))
	if !strings.Contains(buf.String(), "Suggestion: use localhost") {
		t.Errorf("expected suggestion, got %q", buf.String())
	}
}
