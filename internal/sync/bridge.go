package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/renderinc/newsrag/internal/logger"
	"github.com/renderinc/newsrag/internal/search"
	"github.com/renderinc/newsrag/internal/storage"
)

const reindexBatchSize = 256

// Source is the read side of the relational store
type Source interface {
	FetchAfter(ctx context.Context, cursor time.Time) ([]*storage.Record, error)
	FetchLatest(ctx context.Context, limit int) ([]*storage.Record, error)
}

// Indexer is the write side of the vector index
type Indexer interface {
	UpsertDocuments(ctx context.Context, docs []search.Document) (int, error)
}

// CursorStore persists the sync cursor between restarts
type CursorStore interface {
	LoadCursor(ctx context.Context, consumer string) (time.Time, bool, error)
	SaveCursor(ctx context.Context, consumer string, at time.Time) error
}

// Options configures a Bridge
type Options struct {
	Interval time.Duration // Minimum time between passes; 0 syncs on every call
	Consumer string        // Durable cursor name; empty keeps the cursor in memory
	Cursors  CursorStore   // Required when Consumer is set
	Now      func() time.Time
}

// Bridge copies new records from the relational store into the vector index
type Bridge struct {
	source   Source
	index    Indexer
	cursors  CursorStore
	consumer string
	interval time.Duration
	now      func() time.Time
	log      *logger.Logger

	mu       sync.Mutex
	lastSync time.Time
	loaded   bool
}

// Stats holds statistics of one sync pass
type Stats struct {
	Skipped  bool // Interval not yet elapsed
	Records  int
	Indexed  int
	Invalid  int
	Cursor   time.Time
	Duration time.Duration
}

// NewBridge creates a new sync bridge
func NewBridge(source Source, index Indexer, opts Options, log *logger.Logger) *Bridge {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Bridge{
		source:   source,
		index:    index,
		cursors:  opts.Cursors,
		consumer: opts.Consumer,
		interval: opts.Interval,
		now:      now,
		log:      log.With("component", "sync"),
	}
}

// LastSync returns the current cursor
func (b *Bridge) LastSync() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSync
}

// SyncIfDue runs a pass when the interval has elapsed since the last
// successful one. The cursor only moves forward after the index accepted
// every document of the pass, so a failed pass is retried in full.
func (b *Bridge) SyncIfDue(ctx context.Context) (*Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.loadCursor(ctx); err != nil {
		return nil, err
	}

	startTime := b.now()
	if !b.lastSync.IsZero() && startTime.Sub(b.lastSync) < b.interval {
		return &Stats{Skipped: true, Cursor: b.lastSync}, nil
	}

	records, err := b.source.FetchAfter(ctx, b.lastSync)
	if err != nil {
		return nil, fmt.Errorf("fetch records after %s: %w", b.lastSync.Format(time.RFC3339), err)
	}

	stats := &Stats{Records: len(records)}
	docs := b.toDocuments(records, stats)

	if len(docs) > 0 {
		n, err := b.index.UpsertDocuments(ctx, docs)
		if err != nil {
			b.log.Error("Sync pass failed, cursor unchanged", "cursor", b.lastSync, "records", len(records), "error", err)
			return nil, fmt.Errorf("upsert documents: %w", err)
		}
		stats.Indexed = n
	}

	if err := b.advance(ctx, startTime); err != nil {
		return nil, err
	}

	stats.Cursor = b.lastSync
	stats.Duration = b.now().Sub(startTime)
	if stats.Records > 0 {
		b.log.Info("Sync complete", "records", stats.Records, "indexed", stats.Indexed, "invalid", stats.Invalid, "duration", stats.Duration)
	}
	return stats, nil
}

// Reindex loads every stored record into the index, oldest first. Used to
// initialise a fresh index or recover after an index loss. progress, when
// set, is called after each batch.
func (b *Bridge) Reindex(ctx context.Context, progress func(current, total int)) (*Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	startTime := b.now()
	records, err := b.source.FetchLatest(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("fetch records: %w", err)
	}
	// FetchLatest is newest first
	for l, r := 0, len(records)-1; l < r; l, r = l+1, r-1 {
		records[l], records[r] = records[r], records[l]
	}

	stats := &Stats{Records: len(records)}
	total := len(records)
	for start := 0; start < total; start += reindexBatchSize {
		end := min(start+reindexBatchSize, total)
		docs := b.toDocuments(records[start:end], stats)
		if len(docs) > 0 {
			n, err := b.index.UpsertDocuments(ctx, docs)
			if err != nil {
				return nil, fmt.Errorf("upsert records %d-%d: %w", start, end, err)
			}
			stats.Indexed += n
		}
		if progress != nil {
			progress(end, total)
		}
	}

	if err := b.advance(ctx, startTime); err != nil {
		return nil, err
	}

	stats.Cursor = b.lastSync
	stats.Duration = b.now().Sub(startTime)
	b.log.Info("Reindex complete", "records", stats.Records, "indexed", stats.Indexed, "invalid", stats.Invalid, "duration", stats.Duration)
	return stats, nil
}

func (b *Bridge) toDocuments(records []*storage.Record, stats *Stats) []search.Document {
	docs := make([]search.Document, 0, len(records))
	for _, r := range records {
		doc := ToDocument(r)
		if err := doc.Validate(); err != nil {
			b.log.Warn("Skipping record that cannot be indexed", "id", r.ID, "channel", r.Channel, "error", err)
			stats.Invalid++
			continue
		}
		docs = append(docs, doc)
	}
	return docs
}

// loadCursor reads the durable cursor once per process
func (b *Bridge) loadCursor(ctx context.Context) error {
	if b.loaded || b.consumer == "" || b.cursors == nil {
		return nil
	}
	at, ok, err := b.cursors.LoadCursor(ctx, b.consumer)
	if err != nil {
		return fmt.Errorf("load sync cursor: %w", err)
	}
	if ok {
		b.lastSync = at
		b.log.Info("Loaded sync cursor", "consumer", b.consumer, "cursor", at)
	}
	b.loaded = true
	return nil
}

func (b *Bridge) advance(ctx context.Context, at time.Time) error {
	if b.consumer != "" && b.cursors != nil {
		if err := b.cursors.SaveCursor(ctx, b.consumer, at); err != nil {
			return fmt.Errorf("save sync cursor: %w", err)
		}
	}
	b.lastSync = at
	b.loaded = true
	return nil
}

// ToDocument converts a stored record into an index document
func ToDocument(r *storage.Record) search.Document {
	return search.Document{
		Body:      r.Text,
		Date:      float64(r.Timestamp.Unix()),
		ChannelID: r.Channel,
		MessageID: r.DocumentID(),
	}
}
