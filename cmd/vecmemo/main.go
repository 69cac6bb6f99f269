package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/abdul-hamid-achik/vecmemo/internal/config"
	"github.com/abdul-hamid-achik/vecmemo/internal/mcp"
	"github.com/abdul-hamid-achik/vecmemo/internal/service"
	"github.com/abdul-hamid-achik/vecmemo/internal/source"
	"github.com/abdul-hamid-achik/vecmemo/internal/version"
	"github.com/abdul-hamid-achik/vecmemo/internal/web"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "vecmemo",
	Short:   "Embeddable semantic search over local databases",
	Version: version.Full(),
	Long: `vecmemo indexes application documents into a local content-addressed
database and answers nearest-neighbor queries ranked by cosine similarity,
with substring, full-text and raw-SQL filtering.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("vecmemo %s\n", version.Version)
		fmt.Printf("  commit:  %s\n", version.Commit)
		fmt.Printf("  built:   %s\n", version.Date)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize vecmemo in the current directory",
	Long: `Create a .vecmemo directory with a default configuration. Edit the
config to pick an embedding service, then index documents.`,
	RunE: runInit,
}

var indexCmd = &cobra.Command{
	Use:   "index <source-type> <source-id> [text]",
	Short: "Index a single document",
	Long: `Index one document under (source-type, source-id). The text is read
from the argument, or from stdin when omitted.`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runIndex,
}

var indexDirCmd = &cobra.Command{
	Use:   "index-dir [path]",
	Short: "Index a directory tree of text files",
	Long: `Walk a directory (default: current), enqueue every text file as a
document keyed by its relative path, and process the queue.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIndexDir,
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search indexed documents semantically",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <source-id>",
	Short: "Delete an indexed document",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

var reindexCmd = &cobra.Command{
	Use:   "reindex <source-type>",
	Short: "Re-enqueue and re-process everything under a source type",
	Args:  cobra.ExactArgs(1),
	RunE:  runReindex,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show index statistics",
	RunE:  runStats,
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and drive the ingestion queue",
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue counts",
	RunE:  runQueueStatus,
}

var queueProcessCmd = &cobra.Command{
	Use:   "process",
	Short: "Process pending queue items until the queue drains",
	RunE:  runQueueProcess,
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove pending queue items",
	RunE:  runQueueClear,
}

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "List registered embedding services",
	RunE:  runServices,
}

var servicesDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a registered embedding service",
	Args:  cobra.ExactArgs(1),
	RunE:  runServicesDelete,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the JSON HTTP API, or the MCP server over stdio with --mcp",
	RunE:  runServe,
}

var watchCmd = &cobra.Command{
	Use:   "watch [path]",
	Short: "Watch a directory and keep its index fresh",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runWatch,
}

var (
	flagSourceType string
	flagSourceID   int64
	flagPairID     int64
	flagParentID   int64
	flagLimit      int
	flagMinScore   float64
	flagLike       []string
	flagMatch      string
	flagSQLWhere   string
	flagText       bool
	flagJSON       bool
	flagForce      bool
	flagAll        bool
	flagAsync      bool
	flagMCP        bool
	flagHTTP       bool
	flagVerbose    bool
)

func init() {
	rootCmd.AddCommand(versionCmd, initCmd, indexCmd, indexDirCmd, searchCmd,
		deleteCmd, reindexCmd, statsCmd, queueCmd, servicesCmd, serveCmd, watchCmd)
	queueCmd.AddCommand(queueStatusCmd, queueProcessCmd, queueClearCmd)
	servicesCmd.AddCommand(servicesDeleteCmd)

	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "verbose logging")

	indexCmd.Flags().Int64Var(&flagPairID, "pair-id", 0, "related document id")
	indexCmd.Flags().Int64Var(&flagParentID, "parent-id", 0, "parent document id")
	indexCmd.Flags().BoolVar(&flagAsync, "async", false, "enqueue, then drain the whole pending queue (failures are recorded in the queue, not returned)")

	indexDirCmd.Flags().StringVar(&flagSourceType, "source-type", "file", "source type tag for files")

	searchCmd.Flags().IntVarP(&flagLimit, "limit", "n", 10, "maximum results")
	searchCmd.Flags().Float64Var(&flagMinScore, "min-score", 0.7, "minimum cosine similarity")
	searchCmd.Flags().StringVar(&flagSourceType, "source-type", "", "filter by source type")
	searchCmd.Flags().Int64Var(&flagSourceID, "source-id", 0, "filter by source id")
	searchCmd.Flags().Int64Var(&flagPairID, "pair-id", 0, "filter by pair id")
	searchCmd.Flags().Int64Var(&flagParentID, "parent-id", 0, "filter by parent id")
	searchCmd.Flags().StringSliceVar(&flagLike, "like", nil, "substring filters (AND-joined LIKE patterns)")
	searchCmd.Flags().StringVar(&flagMatch, "match", "", "full-text query filter")
	searchCmd.Flags().StringVar(&flagSQLWhere, "sql-where", "", "trusted raw SQL predicate")
	searchCmd.Flags().BoolVar(&flagText, "text", false, "include chunk text in results")
	searchCmd.Flags().BoolVar(&flagJSON, "json", false, "JSON output")

	deleteCmd.Flags().StringVar(&flagSourceType, "source-type", "", "restrict deletion to one source type")

	queueClearCmd.Flags().BoolVar(&flagAll, "all", false, "remove every item, not just pending")

	servicesDeleteCmd.Flags().BoolVar(&flagForce, "force", false, "cascade delete the service's data")

	serveCmd.Flags().BoolVar(&flagMCP, "mcp", false, "serve MCP over stdio")
	serveCmd.Flags().BoolVar(&flagHTTP, "http", true, "serve the JSON HTTP API")
}

// openService binds a Service from the config resolved at the current
// directory.
func openService() (*service.Service, *config.Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(cwd)
	if err != nil {
		return nil, nil, err
	}

	svcCfg := cfg.ServiceConfig()
	svcCfg.Logger = newLogger()
	svc, err := service.New(svcCfg)
	if err != nil {
		return nil, nil, err
	}
	return svc, cfg, nil
}

func newLogger() *zap.Logger {
	if !flagVerbose {
		return zap.NewNop()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func optionalID(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg := config.DefaultConfig()
	if _, err := os.Stat(cfg.DataDir); err == nil {
		return fmt.Errorf("%s already exists", cfg.DataDir)
	}
	if err := cfg.Write(); err != nil {
		return err
	}
	fmt.Printf("Initialized vecmemo in %s\n", cfg.DataDir)
	fmt.Println("Edit config.yaml to configure the embedding service, then run: vecmemo index")
	return nil
}

func runIndex(cmd *cobra.Command, args []string) error {
	sourceID, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid source id %q: %w", args[1], err)
	}

	var text string
	if len(args) == 3 {
		text = args[2]
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		text = string(data)
	}

	svc, _, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx := cmd.Context()
	if flagAsync {
		if err := svc.Enqueue(ctx, args[0], sourceID, text, optionalID(flagPairID), optionalID(flagParentID)); err != nil {
			return err
		}
		return svc.ProcessQueue(ctx)
	}
	if err := svc.Index(ctx, args[0], sourceID, text, optionalID(flagPairID), optionalID(flagParentID)); err != nil {
		return err
	}
	fmt.Printf("Indexed %s/%d\n", args[0], sourceID)
	return nil
}

func runIndexDir(cmd *cobra.Command, args []string) error {
	root := "."
	if len(args) == 1 {
		root = args[0]
	}

	svc, _, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	scanCfg := source.DefaultScannerConfig()
	scanCfg.SourceType = flagSourceType
	scanner, err := source.NewScanner(root, scanCfg)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	docs, err := scanner.Scan(ctx)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if err := svc.Enqueue(ctx, scanner.SourceType(), doc.SourceID, doc.Text, nil, nil); err != nil {
			return err
		}
	}
	if err := svc.ProcessQueue(ctx); err != nil {
		return err
	}

	stats, err := svc.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Enqueued %d documents; %d chunks indexed, %d queue failures\n",
		len(docs), stats.Chunks, stats.Queue.Failed)
	return nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")

	svc, _, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	opts := service.DefaultSearchOptions()
	opts.Limit = flagLimit
	opts.MinScore = flagMinScore
	opts.SourceType = flagSourceType
	opts.SourceID = optionalID(flagSourceID)
	opts.PairID = optionalID(flagPairID)
	opts.ParentID = optionalID(flagParentID)
	opts.Like = flagLike
	opts.Match = flagMatch
	opts.SQLWhere = flagSQLWhere
	opts.IncludeText = flagText

	results, err := svc.Search(cmd.Context(), query, opts)
	if err != nil {
		return err
	}

	if flagJSON {
		return json.NewEncoder(os.Stdout).Encode(results)
	}
	if len(results) == 0 {
		fmt.Println("No results found.")
		return nil
	}
	for i, r := range results {
		fmt.Printf("=== Result %d (score: %.3f) ===\n", i+1, r.Score)
		fmt.Printf("Source: %s/%d", r.SourceType, r.SourceID)
		if r.Offset != nil {
			fmt.Printf(" @%d", *r.Offset)
		}
		fmt.Printf(" | chunk %d\n", r.ChunkID)
		if r.Text != "" {
			for _, line := range strings.Split(r.Text, "\n") {
				fmt.Printf("  %s\n", line)
			}
		}
		fmt.Println()
	}
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	sourceID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid source id %q: %w", args[0], err)
	}

	svc, _, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	deleted, err := svc.Delete(cmd.Context(), sourceID, flagSourceType)
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %d chunks\n", deleted)
	return nil
}

func runReindex(cmd *cobra.Command, args []string) error {
	svc, _, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx := cmd.Context()
	n, err := svc.Reindex(ctx, args[0], nil)
	if err != nil {
		return err
	}
	if err := svc.ProcessQueue(ctx); err != nil {
		return err
	}
	fmt.Printf("Reindexed %d documents\n", n)
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	svc, _, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	stats, err := svc.Stats(cmd.Context())
	if err != nil {
		return err
	}
	rec := svc.Service()
	fmt.Printf("Service:    %s (%s/%s, %d dims)\n", rec.Name, rec.Format, rec.Model, rec.Dimensions)
	fmt.Printf("Embeddings: %d\n", stats.Embeddings)
	fmt.Printf("Chunks:     %d\n", stats.Chunks)
	fmt.Printf("Sources:    %d\n", stats.Sources)
	fmt.Printf("Queue:      %d pending, %d succeeded, %d failed\n",
		stats.Queue.Pending, stats.Queue.Succeeded, stats.Queue.Failed)
	return nil
}

func runQueueStatus(cmd *cobra.Command, args []string) error {
	svc, _, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	stats, err := svc.QueueStats(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("pending: %d\nsucceeded: %d\nfailed: %d\n", stats.Pending, stats.Succeeded, stats.Failed)
	return nil
}

func runQueueProcess(cmd *cobra.Command, args []string) error {
	svc, _, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()
	return svc.ProcessQueue(cmd.Context())
}

func runQueueClear(cmd *cobra.Command, args []string) error {
	svc, _, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	removed, err := svc.ClearQueue(cmd.Context(), flagAll)
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d queue items\n", removed)
	return nil
}

func runServices(cmd *cobra.Command, args []string) error {
	svc, _, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	services, err := svc.Services(cmd.Context())
	if err != nil {
		return err
	}
	for _, s := range services {
		fmt.Printf("%-30s %s/%s dims=%d max_tokens=%d\n", s.Name, s.Format, s.Model, s.Dimensions, s.MaxTokens)
	}
	return nil
}

func runServicesDelete(cmd *cobra.Command, args []string) error {
	svc, _, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()
	if err := svc.DeleteService(cmd.Context(), args[0], flagForce); err != nil {
		return err
	}
	fmt.Printf("Deleted service %s\n", args[0])
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	svc, cfg, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if flagMCP {
		server := mcp.NewServer(svc)
		return server.Run(ctx)
	}
	if !flagHTTP {
		return fmt.Errorf("nothing to serve: enable --http or --mcp")
	}

	server := web.NewServer(web.ServerConfig{
		Host:    cfg.Server.Host,
		Port:    cfg.Server.Port,
		Service: svc,
	})
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()
	fmt.Printf("Serving API on http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func runWatch(cmd *cobra.Command, args []string) error {
	root := "."
	if len(args) == 1 {
		root = args[0]
	}

	svc, _, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	scanner, err := source.NewScanner(root, source.DefaultScannerConfig())
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	watcher, err := source.NewWatcher(scanner, svc, source.DefaultWatcherConfig(), newLogger())
	if err != nil {
		return err
	}
	if err := watcher.Start(ctx); err != nil {
		return err
	}
	fmt.Printf("Watching %s\n", scanner.Root())
	<-ctx.Done()
	return watcher.Stop()
}
