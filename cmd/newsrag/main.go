package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/renderinc/newsrag/internal/config"
	"github.com/renderinc/newsrag/internal/embeddings"
	"github.com/renderinc/newsrag/internal/filter"
	"github.com/renderinc/newsrag/internal/ingest"
	"github.com/renderinc/newsrag/internal/llm"
	"github.com/renderinc/newsrag/internal/logger"
	"github.com/renderinc/newsrag/internal/rag"
	"github.com/renderinc/newsrag/internal/search"
	"github.com/renderinc/newsrag/internal/storage"
	"github.com/renderinc/newsrag/internal/sync"
	"github.com/renderinc/newsrag/internal/web"
)

const dateLayout = "2006-01-02"

var (
	cfg *config.Config
	log *logger.Logger
)

func main() {
	// Parse global flags
	globalFlags := flag.NewFlagSet("global", flag.ExitOnError)
	dataDirFlag := globalFlags.String("data-dir", "", "Directory for dumps, database and index (default: $DATA_DIR or ./data)")

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	commandIdx := commandIndex(os.Args, globalFlags)
	if commandIdx >= len(os.Args) {
		printUsage()
		os.Exit(1)
	}
	if commandIdx > 1 {
		globalFlags.Parse(os.Args[1:commandIdx])
	}

	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	if *dataDirFlag != "" {
		cfg.SetDataDir(*dataDirFlag)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err = logger.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	command := os.Args[commandIdx]
	args := os.Args[commandIdx+1:]

	switch command {
	case "ingest":
		ingestFlags := flag.NewFlagSet("ingest", flag.ExitOnError)
		full := ingestFlags.Bool("full", false, "Ingest every dump instead of the newest one per channel")
		ingestFlags.Parse(args)
		err = runIngest(ctx, *full)
	case "watch":
		watchFlags := flag.NewFlagSet("watch", flag.ExitOnError)
		interval := watchFlags.Duration("interval", cfg.PollInterval(), "Time between ingestion runs")
		full := watchFlags.Bool("full", false, "Ingest every dump on each run")
		watchFlags.Parse(args)
		err = runWatch(ctx, *interval, *full)
	case "reindex":
		err = runReindex(ctx)
	case "serve":
		serveFlags := flag.NewFlagSet("serve", flag.ExitOnError)
		addr := serveFlags.String("addr", cfg.HTTP.Addr, "Address to listen on")
		serveFlags.Parse(args)
		err = runServe(ctx, *addr)
	case "ask":
		askFlags := flag.NewFlagSet("ask", flag.ExitOnError)
		from := askFlags.String("from", "", "Start date (YYYY-MM-DD)")
		to := askFlags.String("to", "", "End date (YYYY-MM-DD), inclusive")
		askFlags.Parse(args)
		if askFlags.NArg() < 1 {
			fmt.Println("Error: question required")
			fmt.Println("Usage: newsrag [--data-dir=<dir>] ask [-from=YYYY-MM-DD] [-to=YYYY-MM-DD] <question>")
			os.Exit(1)
		}
		err = runAsk(ctx, strings.Join(askFlags.Args(), " "), *from, *to)
	case "search":
		searchFlags := flag.NewFlagSet("search", flag.ExitOnError)
		from := searchFlags.String("from", "", "Start date (YYYY-MM-DD)")
		to := searchFlags.String("to", "", "End date (YYYY-MM-DD), inclusive")
		keyword := searchFlags.Bool("keyword", false, "Use keyword search only")
		hybrid := searchFlags.Float64("hybrid", 0, "Use hybrid search (0.0-1.0, keyword weight)")
		limit := searchFlags.Int("limit", cfg.Index.TopK, "Number of results")
		searchFlags.Parse(args)
		if searchFlags.NArg() < 1 {
			fmt.Println("Error: search query required")
			fmt.Println("Usage: newsrag [--data-dir=<dir>] search [flags] <query>")
			os.Exit(1)
		}
		err = runSearch(ctx, strings.Join(searchFlags.Args(), " "), *from, *to, *keyword, *hybrid, *limit)
	case "latest":
		latestFlags := flag.NewFlagSet("latest", flag.ExitOnError)
		limit := latestFlags.Int("limit", 10, "Number of records")
		latestFlags.Parse(args)
		err = runLatest(ctx, *limit)
	case "stats":
		err = runStats(ctx)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Command failed", "command", command, "error", err)
		log.Sync()
		os.Exit(1)
	}
}

// commandIndex returns the position of the command in args, skipping
// global flags and the value of a global flag given as "-flag value".
// It returns len(args) when there is no command.
func commandIndex(args []string, globals *flag.FlagSet) int {
	for i := 1; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") {
			return i
		}
		name, _, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if hasValue {
			continue
		}
		if f := globals.Lookup(name); f != nil {
			if bf, ok := f.Value.(interface{ IsBoolFlag() bool }); !ok || !bf.IsBoolFlag() {
				i++ // skip the flag's value
			}
		}
	}
	return len(args)
}

func printUsage() {
	fmt.Println("newsrag - Telegram news ingestion and question answering")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  newsrag [global-flags] <command> [flags]")
	fmt.Println()
	fmt.Println("Global Flags:")
	fmt.Println("  --data-dir <dir>  Directory for dumps, database and index (default: ./data)")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  ingest [-full]           Parse dumps, keep keyword matches, store new messages")
	fmt.Println("  watch [-interval] [-full]  Run ingest repeatedly")
	fmt.Println("  reindex                  Load every stored message into the vector index")
	fmt.Println("  serve [-addr]            Start the HTTP API")
	fmt.Println("  ask [flags] <question>   Answer a question from news in a date range")
	fmt.Println("  search [flags] <query>   Search indexed news")
	fmt.Println("  latest [-limit=10]       Show the newest stored messages")
	fmt.Println("  stats                    Show database and index statistics")
	fmt.Println()
	fmt.Println("Ask/Search Flags:")
	fmt.Println("  -from=YYYY-MM-DD  Start of the window (default: DEFAULT_WINDOW_DAYS ago)")
	fmt.Println("  -to=YYYY-MM-DD    End of the window, whole day included (default: now)")
	fmt.Println()
	fmt.Println("Search Flags:")
	fmt.Println("  -keyword          Keyword search only")
	fmt.Println("  -hybrid=<weight>  Hybrid search (0.0-1.0 keyword weight, default semantic only)")
	fmt.Println("  -limit=<n>        Number of results")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  newsrag ingest")
	fmt.Println("  newsrag ingest -full                                  # Reload every dump")
	fmt.Println("  newsrag ask -from=2024-03-01 -to=2024-03-07 \"Что нового в кикшеринге?\"")
	fmt.Println("  newsrag search -keyword 'электросамокат~'")
	fmt.Println("  newsrag serve -addr=0.0.0.0:8000")
	fmt.Println()
	fmt.Println("Configuration is read from the environment and ./.env (see .env.example).")
}

func openStore(ctx context.Context) (*storage.DB, error) {
	db, err := storage.Open(ctx, cfg.Storage.Driver, cfg.Storage.DBPath, log)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

func openIndex(ctx context.Context) (*search.Index, error) {
	embedder, err := embeddings.NewEmbedder(cfg.Embed.Provider, cfg.Embed.BaseURL, cfg.Embed.Model, cfg.Embed.APIKey)
	if err != nil {
		return nil, err
	}
	if err := embedder.Health(ctx); err != nil {
		// Keyword search and stats still work; semantic calls will report the error
		log.Warn("Embedding service not available", "provider", cfg.Embed.Provider, "model", cfg.Embed.Model, "error", err)
	}

	idx, err := search.Open(cfg.Index.Dir, cfg.Index.Collection, embedder, log)
	if err != nil {
		return nil, fmt.Errorf("open vector index: %w", err)
	}
	return idx, nil
}

func newBridge(db *storage.DB, idx *search.Index) *sync.Bridge {
	return sync.NewBridge(db, idx, sync.Options{
		Interval: cfg.SyncInterval(),
		Consumer: cfg.Sync.Consumer,
		Cursors:  db,
	}, log)
}

func newRunner(db *storage.DB) *ingest.Runner {
	return ingest.NewRunner(db, filter.NewKeywords(cfg.Keywords), ingest.Options{
		DataDir:     cfg.Storage.DataDir,
		Channels:    cfg.Telegram.Channels,
		Concurrency: cfg.Telegram.Concurrency,
	}, log)
}

func runIngest(ctx context.Context, full bool) error {
	db, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	mode := ingest.ModeLatest
	if full {
		mode = ingest.ModeFull
	}

	stats, err := newRunner(db).Run(ctx, mode)
	if err != nil {
		return err
	}
	printIngestStats(stats)
	return nil
}

func runWatch(ctx context.Context, interval time.Duration, full bool) error {
	db, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	mode := ingest.ModeLatest
	if full {
		mode = ingest.ModeFull
	}

	log.Info("Watching for new dumps", "data_dir", cfg.Storage.DataDir, "interval", interval, "mode", mode)
	return newRunner(db).Watch(ctx, interval, mode, nil)
}

func printIngestStats(stats *ingest.Stats) {
	fmt.Println()
	fmt.Println("=== Ingestion Complete ===")
	fmt.Printf("Files:         %d (%d failed)\n", len(stats.Files), stats.FailedFiles)
	fmt.Printf("Parsed:        %d\n", stats.Parsed)
	fmt.Printf("Filtered out:  %d\n", stats.FilteredOut)
	fmt.Printf("Inserted:      %d\n", stats.Inserted)
	fmt.Printf("Duplicates:    %d\n", stats.Duplicates)
	fmt.Printf("Errors:        %d\n", stats.Errors)
	fmt.Printf("Duration:      %v\n", stats.Duration.Round(time.Millisecond))
}

func runReindex(ctx context.Context) error {
	db, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	idx, err := openIndex(ctx)
	if err != nil {
		return err
	}
	defer idx.Close()

	progressFn := func(current, total int) {
		percent := float64(current) / float64(total) * 100
		fmt.Printf("\rIndexing: %d/%d (%.1f%%)  ", current, total, percent)
	}

	stats, err := newBridge(db, idx).Reindex(ctx, progressFn)
	if err != nil {
		return err
	}

	fmt.Println() // New line after progress
	indexCount, _ := idx.Count()
	fmt.Printf("Records:           %d (%d skipped)\n", stats.Records, stats.Invalid)
	fmt.Printf("Documents indexed: %d\n", indexCount)
	fmt.Printf("Duration:          %v\n", stats.Duration.Round(time.Second))
	return nil
}

func runServe(ctx context.Context, addr string) error {
	if err := cfg.ValidateLLM(); err != nil {
		return err
	}

	db, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	idx, err := openIndex(ctx)
	if err != nil {
		return err
	}
	defer idx.Close()

	bridge := newBridge(db, idx)
	answerer := rag.NewAnswerer(bridge, idx, llm.NewClient(cfg.LLM), cfg.Prompts, cfg.Index.TopK, log)

	server := web.NewServer(web.Options{
		Answerer:      answerer,
		Index:         idx,
		News:          db,
		Syncer:        bridge,
		DefaultWindow: time.Duration(cfg.HTTP.DefaultWindowDays) * 24 * time.Hour,
		AllowOrigins:  cfg.HTTP.AllowOrigins,
	}, log)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", "addr", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func runAsk(ctx context.Context, question, from, to string) error {
	if err := cfg.ValidateLLM(); err != nil {
		return err
	}
	start, end, err := parseWindow(from, to)
	if err != nil {
		return err
	}

	db, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	idx, err := openIndex(ctx)
	if err != nil {
		return err
	}
	defer idx.Close()

	answerer := rag.NewAnswerer(newBridge(db, idx), idx, llm.NewClient(cfg.LLM), cfg.Prompts, cfg.Index.TopK, log)

	fmt.Printf("Period: %s to %s\n\n", start.Format(dateLayout), end.Format(dateLayout))
	fmt.Println(answerer.Answer(ctx, question, start, end))
	return nil
}

func runSearch(ctx context.Context, query, from, to string, keywordOnly bool, hybridWeight float64, limit int) error {
	start, end, err := parseWindow(from, to)
	if err != nil {
		return err
	}

	db, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	idx, err := openIndex(ctx)
	if err != nil {
		return err
	}
	defer idx.Close()

	if _, err := newBridge(db, idx).SyncIfDue(ctx); err != nil {
		log.Warn("Sync before search failed", "error", err)
	}

	var results []*search.Result
	switch {
	case keywordOnly:
		fmt.Println("Using keyword search...")
		results, err = idx.KeywordSearch(ctx, query, start, end, limit)
	case hybridWeight > 0:
		fmt.Printf("Using hybrid search (%.0f%% keyword, %.0f%% semantic)...\n", hybridWeight*100, (1-hybridWeight)*100)
		results, err = idx.HybridSearch(ctx, query, start, end, limit, hybridWeight)
	default:
		fmt.Println("Using semantic search...")
		results, err = idx.Search(ctx, query, start, end, limit)
	}
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}

	if len(results) == 0 {
		fmt.Println("No results found")
		return nil
	}

	fmt.Printf("\nFound %d results:\n\n", len(results))
	for i, result := range results {
		fmt.Printf("%d. [%s] %s\n", i+1, result.Time().Local().Format("2006-01-02 15:04"), result.ChannelID)
		fmt.Printf("   Score: %.3f\n", result.Score)
		fmt.Printf("   %s\n\n", preview(result.Body, 200))
	}
	return nil
}

func runLatest(ctx context.Context, limit int) error {
	db, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	records, err := db.FetchLatest(ctx, limit)
	if err != nil {
		return err
	}
	for _, r := range records {
		fmt.Printf("[%s] %s\n", r.Timestamp.Local().Format("2006-01-02 15:04"), r.Channel)
		if r.MessageLink != "" {
			fmt.Printf("   %s\n", r.MessageLink)
		}
		fmt.Printf("   %s\n\n", preview(r.Text, 200))
	}
	return nil
}

func runStats(ctx context.Context) error {
	db, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	dbCount, err := db.Count(ctx)
	if err != nil {
		return err
	}

	idx, err := openIndex(ctx)
	if err != nil {
		return err
	}
	defer idx.Close()

	stats, err := idx.Stats(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Records in database:   %d\n", dbCount)
	fmt.Printf("Documents in index:    %d\n", stats.TotalDocuments)
	fmt.Printf("Collection:            %s\n", stats.CollectionName)
	if cfg.Sync.Consumer != "" {
		if at, ok, err := db.LoadCursor(ctx, cfg.Sync.Consumer); err == nil && ok {
			fmt.Printf("Last sync (%s): %s\n", cfg.Sync.Consumer, at.Local().Format(time.RFC3339))
		}
	}
	return nil
}

// parseWindow resolves -from/-to like the HTTP API: the end date covers
// its whole day, missing dates fall back to the default window
func parseWindow(from, to string) (time.Time, time.Time, error) {
	var start, end time.Time
	if to != "" {
		day, err := time.ParseInLocation(dateLayout, to, time.Local)
		if err != nil {
			return start, end, fmt.Errorf("invalid -to date %q (want YYYY-MM-DD)", to)
		}
		end = day.AddDate(0, 0, 1).Add(-time.Second)
	} else {
		end = time.Now()
	}
	if from != "" {
		day, err := time.ParseInLocation(dateLayout, from, time.Local)
		if err != nil {
			return start, end, fmt.Errorf("invalid -from date %q (want YYYY-MM-DD)", from)
		}
		start = day
	} else {
		start = end.AddDate(0, 0, -cfg.HTTP.DefaultWindowDays)
	}
	if end.Before(start) {
		return start, end, errors.New("start date is after end date")
	}
	return start, end, nil
}

func preview(text string, limit int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}
