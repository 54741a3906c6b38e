package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/idlogsync/internal/observability"
	"github.com/3leaps/idlogsync/pkg/job"
	"github.com/3leaps/idlogsync/pkg/sources"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one collection job end to end",
	Long: `Run one collection job in this process: submit the search, poll it with
exponential backoff, fetch and normalize the results, dispatch events,
archive the raw results and cancel the backend job.

The execution result is printed as one JSONL record. The exit code is zero
only when the job succeeded.

Example:
  idlogsync run --source ping
  idlogsync run --source okta --query 'search index=okta earliest=-1h'`,
	RunE: runRun,
}

var (
	runSource string
	runQuery  string
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runSource, "source", "s", "", "Source name from the sources manifest (required)")
	runCmd.Flags().StringVarP(&runQuery, "query", "q", "", "Override the rendered search query")
	_ = runCmd.MarkFlagRequired("source")
}

func runRun(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx, appConfig, appOptions{events: true, archive: true})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to initialize", err)
	}
	defer a.Close()

	src, err := a.resolver.ResolveTrigger(sources.Trigger{SourceName: runSource, Query: runQuery}, time.Now())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid source", err)
	}

	observability.CLILogger.Info("Starting job",
		zap.String("source", src.Name),
		zap.Time("earliest", src.Earliest),
		zap.Time("latest", src.Latest))

	res := a.orch.Run(ctx, src)
	a.pushMetrics(ctx)

	w := resultWriter(cmd)
	defer func() { _ = w.Close() }()
	// The result is reported even after an interrupt.
	if err := w.WriteResult(context.WithoutCancel(ctx), res); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write result", err)
	}

	if res.Status != job.ResultSuccess {
		return exitError(exitJobFailed, "Job failed", fmt.Errorf("%s: %s", res.Error.Kind, res.Error.Message))
	}
	return nil
}
