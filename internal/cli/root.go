package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-cds/internal/app"
	"github.com/drfirst/go-cds/internal/config"
	"github.com/drfirst/go-cds/internal/knowledge"
	"github.com/drfirst/go-cds/internal/knowledge/ingest"
	"github.com/drfirst/go-cds/internal/observability/logging"
	"github.com/drfirst/go-cds/pkg/workerpool"
)

type rootOptions struct {
	envFile  string
	logLevel string
}

// NewRootCommand builds the cds command tree
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "cds",
		Short:         "Clinical decision support assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file to load before the environment")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level for diagnostics on stderr")

	root.AddCommand(newChatCommand(opts), newIngestCommand(opts))
	return root
}

func (o *rootOptions) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(o.envFile)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logging.NewConsole(o.logLevel), nil
}

func newChatCommand(opts *rootOptions) *cobra.Command {
	var (
		sessionKey string
		quiet      bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the assistant about a patient",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			a, err := app.Build(cmd.Context(), cfg, nil, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if sessionKey == "" {
				sessionKey = uuid.New().String()
			}
			chat := NewChat(a.Manager, sessionKey, cmd.InOrStdin(), cmd.OutOrStdout())
			chat.ShowTrace = !quiet
			return chat.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&sessionKey, "session", "", "session key to resume (default: a new session)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "hide node progress")
	return cmd
}

func newIngestCommand(opts *rootOptions) *cobra.Command {
	var (
		condition string
		workers   int
	)
	cmd := &cobra.Command{
		Use:   "ingest --condition <Hypertension|Diabetes|COPD> <file.md>...",
		Short: "Chunk, embed and index markdown guidelines",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			condition = knowledge.NormalizeCondition(condition)
			if condition == "" {
				return fmt.Errorf("--condition must be one of %s", strings.Join(knowledge.Conditions, ", "))
			}
			docs, err := ReadDocuments(args, condition)
			if err != nil {
				return err
			}

			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			a, err := app.BuildIngestion(cfg, nil, logger)
			if err != nil {
				return err
			}
			if err := a.Index.EnsureSchema(cmd.Context()); err != nil {
				return fmt.Errorf("ensure index schema: %w", err)
			}

			poolCfg := workerpool.DefaultConfig()
			poolCfg.Workers = workers
			runner, err := ingest.NewRunner(a.Ingester(), poolCfg, nil, logger)
			if err != nil {
				return err
			}
			runner.Start()
			defer runner.Stop()

			rep, err := runner.IngestAll(cmd.Context(), docs)
			PrintReport(cmd.OutOrStdout(), rep)
			if err != nil {
				return err
			}
			if len(rep.Failed) > 0 {
				return fmt.Errorf("%d of %d documents failed", len(rep.Failed), len(docs))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&condition, "condition", "c", "", "condition tag applied to every file")
	cmd.Flags().IntVarP(&workers, "workers", "w", 4, "documents embedded concurrently")
	cmd.MarkFlagRequired("condition")
	return cmd
}

// ReadDocuments loads files as documents sourced by their base name
func ReadDocuments(paths []string, condition string) ([]ingest.Document, error) {
	docs := make([]ingest.Document, 0, len(paths))
	for _, p := range paths {
		body, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		docs = append(docs, ingest.Document{
			Source:    filepath.Base(p),
			Condition: condition,
			Content:   string(body),
		})
	}
	return docs, nil
}

// PrintReport writes an ingestion summary
func PrintReport(w io.Writer, rep ingest.Report) {
	fmt.Fprintf(w, "indexed %d documents (%d chunks)\n", rep.Documents, rep.Chunks)
	sources := make([]string, 0, len(rep.Failed))
	for s := range rep.Failed {
		sources = append(sources, s)
	}
	sort.Strings(sources)
	for _, s := range sources {
		fmt.Fprintf(w, "  failed %s: %v\n", s, rep.Failed[s])
	}
}

// Execute runs the command tree with ctx
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}
