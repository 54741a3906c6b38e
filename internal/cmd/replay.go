package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/idlogsync/internal/observability"
	"github.com/3leaps/idlogsync/pkg/job"
	"github.com/3leaps/idlogsync/pkg/orchestrator"
	"github.com/3leaps/idlogsync/pkg/output"
	"github.com/3leaps/idlogsync/pkg/provider"
	"github.com/3leaps/idlogsync/pkg/sink"
	"github.com/3leaps/idlogsync/pkg/sources"
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Re-dispatch events from archived raw results",
	Long: `Re-parse archived raw results and send their events again.

Events keep their original dedup keys (job id and sequence number), so
consumers drop records they already received. Use --dry-run to check that an
archive still parses without sending anything.

Example:
  idlogsync replay --key ping/2026-01-19/12-00-00/1768824000.42.json.gz
  idlogsync replay --match 'ping/2026-01-19/**' --dry-run`,
	RunE: runReplay,
}

var (
	replayKey    string
	replayMatch  string
	replayDryRun bool
)

func init() {
	rootCmd.AddCommand(replayCmd)

	replayCmd.Flags().StringVar(&replayKey, "key", "", "Archive object key")
	replayCmd.Flags().StringVar(&replayMatch, "match", "", "Replay every archive key matching this glob")
	replayCmd.Flags().BoolVar(&replayDryRun, "dry-run", false, "Parse only; do not send events")
	replayCmd.MarkFlagsMutuallyExclusive("key", "match")
	replayCmd.MarkFlagsOneRequired("key", "match")
}

func runReplay(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx, appConfig, appOptions{events: !replayDryRun, archive: true})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to initialize", err)
	}
	defer a.Close()
	if a.archive == nil {
		return exitError(foundry.ExitInvalidArgument, "Replay needs an archive", errors.New("archive.kind is none"))
	}

	keys := []string{replayKey}
	if replayMatch != "" {
		if keys, err = matchArchiveKeys(ctx, a.archive, replayMatch); err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to list archive", err)
		}
		observability.CLILogger.Info("Matched archive objects", zap.String("pattern", replayMatch), zap.Int("count", len(keys)))
	}

	w := resultWriter(cmd)
	defer func() { _ = w.Close() }()
	defer a.pushMetrics(ctx)

	opts := orchestrator.ReplayOptions{
		ParserID: replayParserID(a.resolver),
		DryRun:   replayDryRun,
	}

	failed := 0
	for _, key := range keys {
		res, err := a.orch.Replay(ctx, a.archive, key, opts)
		if err != nil {
			if ctx.Err() != nil {
				return exitError(foundry.ExitSignalInt, "Replay interrupted", err)
			}
			failed++
			observability.CLILogger.Error("Replay failed", zap.String("key", key), zap.Error(err))
			_ = w.WriteError(ctx, &output.ErrorRecord{Code: string(job.KindOf(err)), Message: job.SanitizeMessage(err.Error()), Key: key})
			continue
		}
		if err := w.WriteReplay(ctx, &output.ReplayRecord{
			Key:               res.Key,
			Chunks:            res.Chunks,
			Records:           res.Records,
			RecordsDispatched: res.Dispatched,
			DryRun:            replayDryRun,
		}); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write replay record", err)
		}
	}

	if failed > 0 {
		return exitError(exitJobFailed, "Replay incomplete", fmt.Errorf("%d of %d archive objects failed", failed, len(keys)))
	}
	return nil
}

// replayParserID maps an archived source name to its parser. Sources no
// longer in the manifest fall back to a parser registered under their name.
func replayParserID(r *sources.Resolver) func(string) (string, error) {
	return func(source string) (string, error) {
		if cfg, ok := r.Config(source); ok {
			return sources.ParserID(source, cfg), nil
		}
		return source, nil
	}
}

// matchArchiveKeys lists archive objects under the pattern's literal prefix
// and keeps the keys that match.
func matchArchiveKeys(ctx context.Context, p provider.Provider, pattern string) ([]string, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid pattern %q", pattern)
	}
	prefix := literalPrefix(pattern)

	var keys []string
	err := provider.Walk(ctx, p, prefix, func(obj provider.ObjectSummary) error {
		if !strings.HasSuffix(obj.Key, sink.ArchiveSuffix) {
			return nil
		}
		if ok, _ := doublestar.Match(pattern, obj.Key); ok {
			keys = append(keys, obj.Key)
		}
		return nil
	})
	return keys, err
}

// literalPrefix returns the part of pattern before the first segment that
// contains a glob metacharacter.
func literalPrefix(pattern string) string {
	i := strings.IndexAny(pattern, "*?[{\\")
	if i < 0 {
		return pattern
	}
	return pattern[:strings.LastIndex(pattern[:i], "/")+1]
}
