package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/renderinc/newsrag/internal/filter"
	"github.com/renderinc/newsrag/internal/logger"
	"github.com/renderinc/newsrag/internal/parser"
	"github.com/renderinc/newsrag/internal/storage"
	"golang.org/x/sync/errgroup"
)

// Mode selects which dumps a run ingests
type Mode int

const (
	// ModeLatest ingests the newest dump of every channel
	ModeLatest Mode = iota
	// ModeFull ingests every dump found (full reload)
	ModeFull
)

func (m Mode) String() string {
	if m == ModeFull {
		return "full"
	}
	return "latest"
}

// Store is the write side of the relational store
type Store interface {
	Insert(ctx context.Context, r *storage.Record) (bool, error)
}

// Options configures a Runner
type Options struct {
	DataDir     string
	Channels    []string // Empty ingests every channel found in DataDir
	Concurrency int      // Channels processed in parallel
}

// Runner moves dump files into the relational store: parse, keep the
// messages matching the keywords, insert with deduplication
type Runner struct {
	store       Store
	keywords    *filter.Keywords
	dataDir     string
	channels    []string
	concurrency int
	log         *logger.Logger
}

// FileStats holds statistics for one dump file
type FileStats struct {
	Channel     string
	Path        string
	Parsed      int
	Discarded   int // Messages without a timestamp
	FilteredOut int
	Inserted    int
	Duplicates  int
	Errors      int   // Rejected messages and storage faults
	Err         error // Set when the file could not be read
}

// Stats holds statistics of one run
type Stats struct {
	Files       []FileStats
	Parsed      int
	FilteredOut int
	Inserted    int
	Duplicates  int
	Errors      int
	FailedFiles int
	Duration    time.Duration
}

func (s *Stats) add(fs FileStats) {
	s.Files = append(s.Files, fs)
	s.Parsed += fs.Parsed
	s.FilteredOut += fs.FilteredOut
	s.Inserted += fs.Inserted
	s.Duplicates += fs.Duplicates
	s.Errors += fs.Errors
	if fs.Err != nil {
		s.FailedFiles++
	}
}

// NewRunner creates a new ingestion runner
func NewRunner(store Store, keywords *filter.Keywords, opts Options, log *logger.Logger) *Runner {
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 4
	}
	return &Runner{
		store:       store,
		keywords:    keywords,
		dataDir:     opts.DataDir,
		channels:    opts.Channels,
		concurrency: concurrency,
		log:         log.With("component", "ingest"),
	}
}

// Run ingests the dumps selected by mode. A file that cannot be read is
// logged and skipped; the run continues with the next one. A storage
// fault stops the run and is returned.
func (r *Runner) Run(ctx context.Context, mode Mode) (*Stats, error) {
	startTime := time.Now()

	dumps, err := FindDumps(r.dataDir, r.channels)
	if err != nil {
		return nil, err
	}
	if mode == ModeLatest {
		dumps = LatestPerChannel(dumps)
	}
	r.log.Info("Starting ingestion", "mode", mode, "dumps", len(dumps))

	// Dumps of one channel are processed in order by a single goroutine
	byChannel := make(map[string][]Dump)
	var order []string
	for _, d := range dumps {
		if _, ok := byChannel[d.Channel]; !ok {
			order = append(order, d.Channel)
		}
		byChannel[d.Channel] = append(byChannel[d.Channel], d)
	}

	stats := &Stats{}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for _, channel := range order {
		channelDumps := byChannel[channel]
		g.Go(func() error {
			for _, d := range channelDumps {
				if err := gctx.Err(); err != nil {
					return err
				}
				fs, err := r.IngestFile(gctx, d.Channel, d.Path)
				mu.Lock()
				stats.add(fs)
				mu.Unlock()
				if err != nil {
					return fmt.Errorf("ingest %s: %w", d.Path, err)
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return stats, err
	}

	stats.Duration = time.Since(startTime)
	r.log.Info("Ingestion complete",
		"files", len(stats.Files), "parsed", stats.Parsed, "filtered_out", stats.FilteredOut,
		"inserted", stats.Inserted, "duplicates", stats.Duplicates, "errors", stats.Errors,
		"failed_files", stats.FailedFiles, "duration", stats.Duration)
	return stats, nil
}

// IngestFile ingests a single dump file. Read failures are reported in
// FileStats.Err; the returned error is a storage fault or cancellation,
// after which the rest of the file is not processed.
func (r *Runner) IngestFile(ctx context.Context, channel, path string) (FileStats, error) {
	fs := FileStats{Channel: channel, Path: path}

	f, err := os.Open(path)
	if err != nil {
		r.log.Error("Skipping unreadable dump", "path", path, "error", err)
		fs.Err = fmt.Errorf("open dump: %w", err)
		return fs, nil
	}
	defer f.Close()

	sc := parser.NewScanner(f)
	for sc.Scan() {
		msg := sc.Message()
		fs.Parsed++

		if !r.keywords.Contains(msg.Text) {
			fs.FilteredOut++
			continue
		}

		rec := &storage.Record{
			Channel:     channel,
			Timestamp:   msg.Timestamp,
			Text:        msg.Text,
			MessageLink: msg.Link,
			MessageID:   storage.MessageIDFromLink(msg.Link),
		}
		inserted, err := r.store.Insert(ctx, rec)
		switch {
		case errors.Is(err, storage.ErrInvalidRecord):
			fs.Errors++
			r.log.Warn("Skipping invalid message", "path", path, "error", err)
		case err != nil:
			fs.Errors++
			fs.Discarded = sc.Discarded()
			if ctx.Err() == nil {
				r.log.Error("Storage fault, stopping dump", "path", path, "parsed", fs.Parsed, "error", err)
			}
			return fs, fmt.Errorf("insert record: %w", err)
		case inserted:
			fs.Inserted++
		default:
			fs.Duplicates++
		}
	}
	fs.Discarded = sc.Discarded()

	if err := sc.Err(); err != nil {
		r.log.Error("Dump read failed", "path", path, "error", err)
		fs.Err = fmt.Errorf("read dump: %w", err)
	}
	if fs.Discarded > 0 {
		r.log.Debug("Discarded messages without timestamp", "path", path, "count", fs.Discarded)
	}
	r.log.Debug("Ingested dump", "path", path, "parsed", fs.Parsed, "inserted", fs.Inserted, "duplicates", fs.Duplicates)
	return fs, nil
}

// Watch runs Run every interval until ctx is cancelled. onRun, when set,
// receives the stats of each run.
func (r *Runner) Watch(ctx context.Context, interval time.Duration, mode Mode, onRun func(*Stats)) error {
	if interval <= 0 {
		return fmt.Errorf("watch interval must be positive")
	}

	run := func() {
		stats, err := r.Run(ctx, mode)
		if err != nil {
			if ctx.Err() == nil {
				r.log.Error("Ingestion run failed", "error", err)
			}
			return
		}
		if onRun != nil {
			onRun(stats)
		}
	}

	run()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("Watcher stopped")
			return ctx.Err()
		case <-ticker.C:
			run()
		}
	}
}
