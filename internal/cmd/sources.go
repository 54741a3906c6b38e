package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/idlogsync/internal/observability"
	"github.com/3leaps/idlogsync/pkg/output"
	"github.com/3leaps/idlogsync/pkg/parser"
	"github.com/3leaps/idlogsync/pkg/sources"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Inspect the sources manifest",
}

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured sources with their resolved settings",
	Long: `List configured sources with their effective limits and the query as it
would be rendered now.

Example:
  idlogsync sources list
  idlogsync sources list --match 'ping*'`,
	RunE: runSourcesList,
}

var sourcesValidateCmd = &cobra.Command{
	Use:   "validate [manifest]",
	Short: "Validate a sources manifest",
	Long: `Validate a sources manifest against the embedded schema, check every
duration and query template, and check that every parser is registered.

Without an argument the configured sources.manifest is validated.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSourcesValidate,
}

var sourcesMatch string

func init() {
	rootCmd.AddCommand(sourcesCmd)
	sourcesCmd.AddCommand(sourcesListCmd, sourcesValidateCmd)

	sourcesListCmd.Flags().StringVar(&sourcesMatch, "match", "", "Only list sources matching this glob")
}

func runSourcesList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	resolver, err := loadResolver(appConfig)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid sources manifest", err)
	}

	names := resolver.Names()
	if sourcesMatch != "" {
		if names, err = resolver.Match(sourcesMatch); err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --match pattern", err)
		}
	}

	w := resultWriter(cmd)
	defer func() { _ = w.Close() }()

	now := time.Now()
	for _, name := range names {
		rec, err := sourceRecord(resolver, name, now)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Failed to resolve source "+name, err)
		}
		if err := w.WriteSource(ctx, rec); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write source", err)
		}
	}
	return nil
}

func sourceRecord(r *sources.Resolver, name string, now time.Time) (*output.SourceRecord, error) {
	cfg, _ := r.Config(name)
	if cfg.Disabled {
		return &output.SourceRecord{
			Name:      name,
			Parser:    sources.ParserID(name, cfg),
			SecretRef: cfg.SecretRef,
			Query:     cfg.Query,
			Disabled:  true,
		}, nil
	}

	src, err := r.Resolve(name, now)
	if err != nil {
		return nil, err
	}
	return &output.SourceRecord{
		Name:           src.Name,
		Parser:         src.ParserID,
		SecretRef:      src.SecretRef,
		ChunkSize:      src.ChunkSize,
		InitialWait:    src.InitialWait.String(),
		MaxWait:        src.MaxWait.String(),
		MaxJobDuration: src.MaxJobDuration.String(),
		Query:          src.Query,
	}, nil
}

func runSourcesValidate(cmd *cobra.Command, args []string) error {
	path := appConfig.Sources.Manifest
	if len(args) == 1 {
		path = args[0]
	}

	m, err := sources.Load(path)
	if err != nil {
		var verrs sources.ValidationErrors
		if errors.As(err, &verrs) {
			for _, ve := range verrs {
				observability.CLILogger.Error("Schema violation", zap.String("path", ve.Path), zap.String("message", ve.Message))
			}
		}
		return exitError(foundry.ExitInvalidArgument, "Invalid sources manifest", err)
	}

	resolver, err := sources.NewResolver(m)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid query template", err)
	}
	if err := resolver.RegisterParsers(parser.Default()); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid parser configuration", err)
	}

	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d sources OK\n", path, len(m.Sources))
	return err
}
