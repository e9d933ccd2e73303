package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"litingest/internal/activities"
	"litingest/internal/app"
	"litingest/internal/config"
	"litingest/internal/ingest"
	"litingest/internal/models"
	"litingest/internal/storage"
	"litingest/internal/util"
)

func main() {
	var envFile string
	rootCmd := &cobra.Command{
		Use:           "litingest",
		Short:         "Ingest scientific literature and its citation closure into a knowledge base",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			_ = godotenv.Load(envFile)
		},
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading configuration")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply the knowledge-base schema",
		RunE:  runMigrate,
	})

	ingestCmd := &cobra.Command{
		Use:   "ingest [refs...]",
		Short: "Ingest root references and their citation closure in-process",
		Long: `Ingest resolves each root reference (pubmed:ID, arxiv:ID, openalex:W..., doi:..., pmcid:...),
stores the paper with its figures, tables, text chunks and embeddings, then follows
citation edges up to --depth hops.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runIngest,
	}
	ingestCmd.Flags().String("project", "", "project name (required)")
	ingestCmd.Flags().String("description", "", "project description used for relevance scoring")
	ingestCmd.Flags().Int("depth", -1, "citation hops to follow (default from LITINGEST_CLOSURE_MAX_DEPTH)")
	ingestCmd.Flags().Int("max-papers", -1, "cap on papers admitted to the run (default from LITINGEST_CLOSURE_MAX_PAPERS)")
	ingestCmd.Flags().Int("workers", 0, "concurrent papers (default from LITINGEST_WORKERS)")
	_ = ingestCmd.MarkFlagRequired("project")
	rootCmd.AddCommand(ingestCmd)

	searchCmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search PubMed or arXiv for references",
		Args:  cobra.ExactArgs(1),
		RunE:  runSearch,
	}
	searchCmd.Flags().String("db", "pubmed", "registry to search (pubmed|arxiv)")
	searchCmd.Flags().String("sort", "", "registry sort order")
	searchCmd.Flags().Int("max", 20, "maximum results")
	rootCmd.AddCommand(searchCmd)

	scoreCmd := &cobra.Command{
		Use:   "score",
		Short: "Score abstracts against a project description",
		RunE:  runScore,
	}
	scoreCmd.Flags().String("description", "", "project description (required)")
	scoreCmd.Flags().StringArray("abstract", nil, "abstract to score; repeatable")
	_ = scoreCmd.MarkFlagRequired("description")
	rootCmd.AddCommand(scoreCmd)

	backfillCmd := &cobra.Command{
		Use:   "backfill",
		Short: "Embed text stored while embedding providers were unavailable",
		RunE:  runBackfill,
	}
	backfillCmd.Flags().String("project", "", "project name (required)")
	backfillCmd.Flags().Int("batch", 50, "papers per pass")
	_ = backfillCmd.MarkFlagRequired("project")
	rootCmd.AddCommand(backfillCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func openDB(ctx context.Context, cfg config.Config) (*storage.DB, error) {
	db, err := storage.NewDB(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()
	cfg := config.Load()
	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	db.Close()
	fmt.Println("schema up to date")
	return nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	project, _ := cmd.Flags().GetString("project")
	description, _ := cmd.Flags().GetString("description")
	depth, _ := cmd.Flags().GetInt("depth")
	maxPapers, _ := cmd.Flags().GetInt("max-papers")
	workers, _ := cmd.Flags().GetInt("workers")

	cfg := config.Load()
	if depth < 0 {
		depth = cfg.ClosureMaxDepth
	}
	if maxPapers < 0 {
		maxPapers = cfg.ClosureMaxPapers
	}
	if workers <= 0 {
		workers = cfg.IngestWorkers
	}
	roots := make([]models.ExternalRef, 0, len(args))
	for _, raw := range args {
		ref, err := models.ParseRef(raw)
		if err != nil {
			return err
		}
		roots = append(roots, ref)
	}

	ctx, cancel := signalContext()
	defer cancel()
	logger := util.NewLogger(cfg.LogLevel)
	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	p, err := storage.NewProjectRepo(db).GetOrCreateProject(ctx, project, description)
	if err != nil {
		return err
	}
	if description != "" {
		p.Description = description
	}
	comps, err := app.Build(ctx, cfg, storage.NewKnowledgeBase(db), storage.NewModelCallRepo(db), logger)
	if err != nil {
		return err
	}
	runner := ingest.NewRunner(comps.Pipeline, ingest.RunnerOptions{
		Workers:   workers,
		MaxDepth:  depth,
		MaxPapers: maxPapers,
		Logger:    logger,
	})
	summary, runErr := runner.Run(ctx, p, roots)

	path := filepath.Join(cfg.DataOutRoot, util.SafeName(p.Name), "runs", summary.RunID, "summary.json")
	if err := util.WriteJSONAtomic(path, summary); err != nil {
		logger.Error("run summary not written", "path", path, "err", err)
	} else {
		logger.Info("run summary written", "path", path)
	}
	fmt.Printf("run %s: %d succeeded, %d skipped, %d failed\n", summary.RunID, len(summary.Succeeded), len(summary.Skipped), len(summary.Failed))
	return runErr
}

func runSearch(cmd *cobra.Command, args []string) error {
	database, _ := cmd.Flags().GetString("db")
	sort, _ := cmd.Flags().GetString("sort")
	limit, _ := cmd.Flags().GetInt("max")

	ctx, cancel := signalContext()
	defer cancel()
	cfg := config.Load()
	comps, err := app.Build(ctx, cfg, nil, nil, quietLogger(cfg))
	if err != nil {
		return err
	}
	refs, err := comps.Registry.Search(ctx, database, args[0], sort, limit)
	if err != nil {
		return err
	}
	for _, r := range refs {
		fmt.Println(r.Key())
	}
	return nil
}

func runScore(cmd *cobra.Command, args []string) error {
	description, _ := cmd.Flags().GetString("description")
	abstracts, _ := cmd.Flags().GetStringArray("abstract")
	if len(abstracts) == 0 {
		return fmt.Errorf("at least one --abstract is required")
	}

	ctx, cancel := signalContext()
	defer cancel()
	cfg := config.Load()
	comps, err := app.Build(ctx, cfg, nil, nil, quietLogger(cfg))
	if err != nil {
		return err
	}
	scores, err := comps.Engine.Relevance(ctx, description, abstracts)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"scores": scores})
}

// runBackfill drives the backfill activities directly, without a Temporal worker.
func runBackfill(cmd *cobra.Command, args []string) error {
	project, _ := cmd.Flags().GetString("project")
	batch, _ := cmd.Flags().GetInt("batch")

	ctx, cancel := signalContext()
	defer cancel()
	cfg := config.Load()
	logger := util.NewLogger(cfg.LogLevel)
	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	a, err := activities.New(ctx, cfg, db, logger)
	if err != nil {
		return err
	}

	p, err := a.ResolveProjectActivity(ctx, activities.ResolveProjectInput{Name: project})
	if err != nil {
		return err
	}
	var total activities.BackfillPaperOutput
	cleared := 0
	for {
		pending, err := a.ListNeedsEmbeddingActivity(ctx, activities.ListNeedsEmbeddingInput{ProjectID: p.ProjectID, Limit: batch})
		if err != nil {
			return err
		}
		if len(pending.Papers) == 0 {
			break
		}
		pass := 0
		for _, pp := range pending.Papers {
			out, err := a.BackfillPaperActivity(ctx, activities.BackfillPaperInput{Paper: pp})
			if err != nil {
				return err
			}
			total.Embedded += out.Embedded
			total.Failed += out.Failed
			if out.Cleared {
				pass++
			}
		}
		cleared += pass
		if pass == 0 {
			break
		}
	}
	return printJSON(map[string]any{"project": p.Name, "embedded": total.Embedded, "failed": total.Failed, "cleared": cleared})
}

func quietLogger(cfg config.Config) *slog.Logger {
	if cfg.LogLevel == "debug" {
		return util.NewLogger(cfg.LogLevel)
	}
	return util.NewLogger("warn")
}
