// Package main provides triagectl, the operator CLI for the triage control
// plane: offline routing decisions, audit-log mining and learning cycles.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/agentoven/triage/internal/config"
	"github.com/agentoven/triage/internal/embeddings"
	"github.com/agentoven/triage/internal/feedback"
	"github.com/agentoven/triage/internal/router"
	"github.com/agentoven/triage/internal/store"
	"github.com/agentoven/triage/pkg/models"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Version information (set at build time)
var version = "dev"

func main() {
	var verbose bool

	rootCmd := &cobra.Command{
		Use:     "triagectl",
		Short:   "Operator tooling for the triage control plane",
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := zerolog.WarnLevel
			if verbose {
				level = zerolog.DebugLevel
			}
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).Level(level)
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	rootCmd.AddCommand(decideCmd(), mineCmd(), learnCmd(), rulesCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadEngine builds a routing engine from the configured rules and corpus.
func loadEngine(ctx context.Context, cfg *config.Config) (*router.Engine, store.CorpusStore, error) {
	emb, err := embeddings.New(cfg.Embedding)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	e := router.NewEngine(emb,
		router.WithThreshold(cfg.Routing.Threshold),
		router.WithTopK(cfg.Routing.TopK),
		router.WithStore(st),
	)
	if err := e.Load(ctx); err != nil {
		st.Close()
		return nil, nil, err
	}
	return e, st, nil
}

// ── decide ───────────────────────────────────────────────────

func decideCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "decide <query>",
		Short: "Print the routing decision for a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, st, err := loadEngine(ctx, config.Load())
			if err != nil {
				return err
			}
			defer st.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(e.Decide(ctx, args[0], role))
		},
	}
	cmd.Flags().StringVar(&role, "role", "security", "role recorded on the decision")
	return cmd
}

// ── mine ─────────────────────────────────────────────────────

func mineCmd() *cobra.Command {
	var (
		maxExamples int
		ingest      bool
	)
	cmd := &cobra.Command{
		Use:   "mine <audit.log>",
		Short: "Extract routing examples from a JSONL audit log",
		Long: `Reads routing_decision events decided by an override rule or a similarity
match and prints them as routing examples (YAML). With --ingest the examples
are merged into the configured corpus store instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			examples, rep, err := feedback.MineAuditLog(f, maxExamples)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "lines=%d decisions=%d mined=%d skipped=%d malformed=%d\n",
				rep.Lines, rep.Decisions, rep.Mined, rep.Skipped, rep.Malformed)

			if !ingest {
				return writeYAML(cmd.OutOrStdout(), map[string]any{"examples": examples})
			}
			ctx := cmd.Context()
			e, st, err := loadEngine(ctx, config.Load())
			if err != nil {
				return err
			}
			defer st.Close()
			res, err := e.Ingest(ctx, examples)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added=%d replaced=%d total=%d\n", res.Added, res.Replaced, res.Total)
			return nil
		},
	}
	cmd.Flags().IntVar(&maxExamples, "max", 500, "maximum examples to mine (0 = no limit)")
	cmd.Flags().BoolVar(&ingest, "ingest", false, "merge mined examples into the corpus store")
	return cmd
}

// ── learn ────────────────────────────────────────────────────

func learnCmd() *cobra.Command {
	var (
		opts   feedback.CycleOptions
		ingest bool
		db     string
	)
	cmd := &cobra.Command{
		Use:   "learn",
		Short: "Run a feedback analysis cycle",
		Long: `Analyzes routing feedback in the SQLite feedback database and prints the
generated examples. With --ingest, approved examples are merged into the
corpus store and their feedback records marked processed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := config.Load()
			if db == "" {
				db = cfg.Feedback.DBPath
			}
			fb, err := feedback.NewSQLiteStore(db)
			if err != nil {
				return err
			}
			defer fb.Close()

			loop := feedback.NewLoop(fb, feedback.FromConfig(cfg.Feedback)...)
			report, err := loop.RunCycle(ctx, opts)
			if err != nil {
				return err
			}
			if err := writeYAML(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if !ingest {
				return nil
			}

			e, st, err := loadEngine(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			res, err := loop.Ingest(ctx, report.Generated, e)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ingested=%d skipped=%d processed_records=%d corpus_total=%d\n",
				res.Ingested, res.Skipped, res.Processed, res.Corpus.Total)
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.WindowDays, "days", 0, "analysis window in days (default from config)")
	cmd.Flags().IntVar(&opts.MinOccurrences, "min-occurrences", 0, "minimum distinct submitters per pattern")
	cmd.Flags().IntVar(&opts.AutoApproveThreshold, "auto-approve", 0, "occurrences needed for auto-approval")
	cmd.Flags().BoolVar(&ingest, "ingest", false, "ingest approved examples into the corpus store")
	cmd.Flags().StringVar(&db, "db", "", "feedback database path (default TRIAGE_FEEDBACK_DB)")
	return cmd
}

// ── rules ────────────────────────────────────────────────────

func rulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "List the compiled override rules in evaluation order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, st, err := loadEngine(cmd.Context(), config.Load())
			if err != nil {
				return err
			}
			defer st.Close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PRIORITY\tNAME\tTYPE\tROUTE\tCATEGORY")
			for _, r := range e.Rules().Specs() {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", r.Priority, r.Name, r.Type, r.Route.Key(), categoryOf(r))
			}
			return w.Flush()
		},
	}
}

func categoryOf(r models.OverrideRule) string {
	if r.Category != "" {
		return r.Category
	}
	return r.Route.Category()
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
