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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tombee/monitord/internal/config"
	"github.com/tombee/monitord/internal/log"
	monerrors "github.com/tombee/monitord/pkg/errors"
)

// Exit codes
const (
	ExitSuccess       = 0
	ExitRunFailed     = 1
	ExitInvalidConfig = 2
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	version, commit, buildDate = v, c, b
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return version, commit, buildDate
}

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

func invalidConfig(cause error) *ExitError {
	return &ExitError{Code: ExitInvalidConfig, Message: "invalid configuration", Cause: cause}
}

type globalFlags struct {
	config  string
	verbose bool
	json    bool
}

// NewRootCommand creates the root command with every subcommand attached.
func NewRootCommand() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:   "monitord",
		Short: "monitord - monitoring data pipeline",
		Long: `monitord receives monitoring records over MQTT and HTTP, aggregates
the attributes of tracked entities and publishes the results.

Run 'monitord validate-config --config monitord.yaml' to check a configuration.
Run 'monitord run --config monitord.yaml' to start the pipeline.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.config, "config", "c", "", "Path to config file (environment variables prefixed MONITORD_ override it)")
	cmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")
	cmd.PersistentFlags().BoolVar(&flags.json, "json", false, "Output in JSON format")

	cmd.AddCommand(
		newRunCommand(flags),
		newValidateCommand(flags),
		newVersionCommand(flags),
	)
	return cmd
}

// HandleExitError prints err and exits with its code. It returns when err is nil.
func HandleExitError(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, "Error:", err.Error())
	printSuggestion(os.Stderr, err)

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.Code)
	}
	os.Exit(ExitRunFailed)
}

func printSuggestion(w io.Writer, err error) {
	var valErr *monerrors.ValidationError
	if errors.As(err, &valErr) && valErr.Suggestion != "" {
		fmt.Fprintf(w, "\nSuggestion: %s\n", valErr.Suggestion)
	}
}

// loadConfig loads values and builds the process logger from them. The
// MONITORD_DEBUG and MONITORD_LOG_LEVEL variables still win over the file.
func loadConfig(flags *globalFlags, out io.Writer) (config.Values, *slog.Logger, error) {
	values, err := config.Load(flags.config)
	if err != nil {
		return config.Values{}, nil, invalidConfig(err)
	}

	logCfg := &log.Config{
		Level:  values.String("log.level", "info"),
		Format: log.Format(values.String("log.format", "json")),
		Output: out,
	}
	env := log.FromEnv()
	if os.Getenv("MONITORD_DEBUG") != "" || os.Getenv("MONITORD_LOG_LEVEL") != "" {
		logCfg.Level = env.Level
		logCfg.AddSource = env.AddSource
	}
	if flags.verbose {
		logCfg.Level = "debug"
	}
	return values, log.New(logCfg), nil
}
