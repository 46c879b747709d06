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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/monitord/internal/pipeline"
	"github.com/tombee/monitord/internal/store"
)

// ValidationReport is the result of validate-config.
type ValidationReport struct {
	Valid   bool     `json:"valid"`
	Sources []string `json:"sources"`
	Tracked int      `json:"tracked"`
	Error   string   `json:"error,omitempty"`
}

func newValidateCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Check a configuration without connecting",
		Long: `validate-config loads the configuration, resolves secrets and builds every
component the way run does, without connecting to brokers or listening.
A configured store is opened in memory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return validateConfig(cmd.Context(), flags, cmd.OutOrStdout())
		},
	}
}

func validateConfig(ctx context.Context, flags *globalFlags, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	report, err := buildReport(ctx, flags)
	if flags.json {
		if err != nil {
			report.Error = err.Error()
		}
		data, merr := json.MarshalIndent(report, "", "  ")
		if merr != nil {
			return fmt.Errorf("failed to marshal report: %w", merr)
		}
		fmt.Fprintln(out, string(data))
		return err
	}
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "configuration is valid")
	fmt.Fprintf(out, "  sources: %s\n", strings.Join(report.Sources, ", "))
	fmt.Fprintf(out, "  tracked: %d\n", report.Tracked)
	return nil
}

func buildReport(ctx context.Context, flags *globalFlags) (ValidationReport, error) {
	report := ValidationReport{Sources: []string{}}

	values, _, err := loadConfig(flags, io.Discard)
	if err != nil {
		return report, err
	}
	if values.Has("store.path") {
		values = values.With("store.path", store.Memory)
	}

	p, err := pipeline.New(ctx, values, pipeline.Options{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Version: version,
	})
	if err != nil {
		return report, invalidConfig(err)
	}
	report.Valid = true
	report.Sources = append(report.Sources, p.Sources()...)
	report.Tracked = p.Tracked().Len()
	return report, p.Stop(ctx)
}
