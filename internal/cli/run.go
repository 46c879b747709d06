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
	"errors"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/monitord/internal/log"
	"github.com/tombee/monitord/internal/pipeline"
	monerrors "github.com/tombee/monitord/pkg/errors"
)

// shutdownTimeout bounds the whole of Stop after a signal.
const shutdownTimeout = 30 * time.Second

func newRunCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the monitoring pipeline",
		Long: `Run builds the pipeline from the configuration, connects to the
configured transports and processes records until SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPipeline(cmd.Context(), flags, cmd.ErrOrStderr())
		},
	}
}

func runPipeline(ctx context.Context, flags *globalFlags, logOut io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	values, logger, err := loadConfig(flags, logOut)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := pipeline.New(ctx, values, pipeline.Options{Logger: logger, Version: version})
	if err != nil {
		var cfgErr *monerrors.ConfigError
		if errors.As(err, &cfgErr) {
			return invalidConfig(err)
		}
		return &ExitError{Code: ExitRunFailed, Message: "failed to build pipeline", Cause: err}
	}

	startErr := p.Start(ctx)
	if startErr == nil {
		<-ctx.Done()
		logger.Info("shutdown requested")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := p.Stop(shutdownCtx); err != nil {
		logger.Error("error during shutdown", log.Error(err))
		if startErr == nil {
			return &ExitError{Code: ExitRunFailed, Message: "shutdown failed", Cause: err}
		}
	}
	if startErr != nil {
		return &ExitError{Code: ExitRunFailed, Message: "failed to start pipeline", Cause: startErr}
	}
	return nil
}
