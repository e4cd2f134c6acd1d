package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	moderncsqlite "modernc.org/sqlite"

	"github.com/renderinc/newsrag/internal/logger"
)

const (
	// DriverCGO is the mattn/go-sqlite3 driver (default)
	DriverCGO = "sqlite3"
	// DriverPure is the modernc.org/sqlite driver, usable with CGO_ENABLED=0
	DriverPure = "sqlite"

	uniqueIndexName = "idx_news_timestamp_text"

	// extended result code SQLITE_CONSTRAINT_UNIQUE
	sqliteConstraintUnique = 2067
)

// DB wraps SQLite database operations on the news log
type DB struct {
	db  *sql.DB
	log *logger.Logger
}

// Open opens or creates a SQLite database and ensures the schema.
// driver is DriverCGO or DriverPure; an empty driver means DriverCGO.
func Open(ctx context.Context, driver, path string, log *logger.Logger) (*DB, error) {
	if driver == "" {
		driver = DriverCGO
	}
	if log == nil {
		log = logger.Nop()
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open(driver, dsn(driver, path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	storage := &DB{db: db, log: log.With("component", "storage")}

	if err := storage.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return storage, nil
}

// dsn enables WAL mode and a busy timeout so that ingestion and answering
// processes can write concurrently.
func dsn(driver, path string) string {
	switch driver {
	case DriverPure:
		return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	default:
		return "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL"
	}
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// EnsureSchema creates tables if they don't exist and migrates older
// databases. Safe to call on every start.
func (d *DB) EnsureSchema(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS news (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tg_ch_name TEXT,
		timestamp DATETIME,
		text TEXT,
		message_link TEXT,
		message_id TEXT
	)`)
	if err != nil {
		return fmt.Errorf("create news table: %w", err)
	}

	// Databases created before permalinks were captured lack these columns
	for _, column := range []string{"message_link", "message_id"} {
		exists, err := d.hasColumn(ctx, "news", column)
		if err != nil {
			return err
		}
		if !exists {
			if _, err := d.db.ExecContext(ctx, "ALTER TABLE news ADD COLUMN "+column+" TEXT"); err != nil {
				return fmt.Errorf("add column %s: %w", column, err)
			}
			d.log.Info("Added column", "table", "news", "column", column)
		}
	}

	if err := d.backfillMessageIDs(ctx); err != nil {
		return err
	}

	if err := d.ensureUniqueIndex(ctx); err != nil {
		return err
	}

	schema := `
	CREATE INDEX IF NOT EXISTS idx_news_timestamp ON news(timestamp);

	CREATE TABLE IF NOT EXISTS sync_cursors (
		consumer TEXT PRIMARY KEY,
		last_sync_at TEXT NOT NULL
	);
	`
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create indexes: %w", err)
	}
	return nil
}

// ensureUniqueIndex removes duplicate (timestamp, text) rows, keeping the
// lowest id, and creates the unique index. Runs only while the index is
// missing.
func (d *DB) ensureUniqueIndex(ctx context.Context) error {
	var n int
	err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?", uniqueIndexName,
	).Scan(&n)
	if err != nil {
		return fmt.Errorf("check unique index: %w", err)
	}
	if n > 0 {
		return nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
	DELETE FROM news
	WHERE id NOT IN (
		SELECT MIN(id) FROM news GROUP BY timestamp, text
	)`)
	if err != nil {
		return fmt.Errorf("remove duplicates: %w", err)
	}
	removed, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx, "CREATE UNIQUE INDEX "+uniqueIndexName+" ON news(timestamp, text)"); err != nil {
		return fmt.Errorf("create unique index: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}

	if removed > 0 {
		d.log.Info("Removed duplicate news rows before creating unique index", "removed", removed)
	}
	return nil
}

func (d *DB) backfillMessageIDs(ctx context.Context) error {
	rows, err := d.db.QueryContext(ctx,
		"SELECT id, message_link FROM news WHERE message_id IS NULL AND message_link IS NOT NULL AND message_link != ''")
	if err != nil {
		return fmt.Errorf("select rows to backfill: %w", err)
	}
	type pending struct {
		id        int64
		messageID string
	}
	var todo []pending
	for rows.Next() {
		var id int64
		var link string
		if err := rows.Scan(&id, &link); err != nil {
			rows.Close()
			return fmt.Errorf("scan row to backfill: %w", err)
		}
		todo = append(todo, pending{id: id, messageID: MessageIDFromLink(link)})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, p := range todo {
		if _, err := d.db.ExecContext(ctx, "UPDATE news SET message_id = ? WHERE id = ?", p.messageID, p.id); err != nil {
			return fmt.Errorf("backfill message_id for %d: %w", p.id, err)
		}
	}
	if len(todo) > 0 {
		d.log.Info("Backfilled message ids", "rows", len(todo))
	}
	return nil
}

func (d *DB) hasColumn(ctx context.Context, table, column string) (bool, error) {
	rows, err := d.db.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return false, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return false, err
		}
		if strings.EqualFold(name, column) {
			return true, nil
		}
	}
	return false, rows.Err()
}

// Insert stores a record unless a row with the same (timestamp, text)
// already exists. It returns false without error for duplicates.
func (d *DB) Insert(ctx context.Context, r *Record) (bool, error) {
	if r.Timestamp.IsZero() || strings.TrimSpace(r.Text) == "" {
		return false, fmt.Errorf("%w: timestamp and text are required", ErrInvalidRecord)
	}
	if r.MessageID == "" {
		r.MessageID = MessageIDFromLink(r.MessageLink)
	}
	ts := FormatTimestamp(r.Timestamp)

	var exists int
	err := d.db.QueryRowContext(ctx,
		"SELECT 1 FROM news WHERE timestamp = ? AND text = ? LIMIT 1", ts, r.Text,
	).Scan(&exists)
	if err == nil {
		d.log.Debug("Skipping duplicate record", "channel", r.Channel, "timestamp", ts)
		return false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		d.log.Error("Duplicate check failed", "channel", r.Channel, "error", err)
		return false, fmt.Errorf("check duplicate: %w", err)
	}

	res, err := d.db.ExecContext(ctx, `
	INSERT INTO news (tg_ch_name, timestamp, text, message_link, message_id)
	VALUES (?, ?, ?, ?, ?)
	`, r.Channel, ts, r.Text, nullString(r.MessageLink), nullString(r.MessageID))
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the race against a concurrent writer
			d.log.Debug("Skipping duplicate record (unique index)", "channel", r.Channel, "timestamp", ts)
			return false, nil
		}
		d.log.Error("Insert failed", "channel", r.Channel, "error", err)
		return false, fmt.Errorf("insert record: %w", err)
	}

	if id, err := res.LastInsertId(); err == nil {
		r.ID = id
	}
	return true, nil
}

const selectColumns = `
	SELECT id, COALESCE(tg_ch_name, ''), CAST(timestamp AS TEXT), COALESCE(text, ''),
	       COALESCE(message_link, ''), COALESCE(message_id, '')
	FROM news
`

// FetchLatest returns records newest first. limit <= 0 means no limit.
func (d *DB) FetchLatest(ctx context.Context, limit int) ([]*Record, error) {
	query := selectColumns + " ORDER BY timestamp DESC, id DESC"
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return d.query(ctx, query, args...)
}

// FetchAfter returns records published strictly after cursor, oldest first
func (d *DB) FetchAfter(ctx context.Context, cursor time.Time) ([]*Record, error) {
	query := selectColumns + " WHERE timestamp > ? ORDER BY timestamp ASC, id ASC"
	return d.query(ctx, query, FormatTimestamp(cursor))
}

func (d *DB) query(ctx context.Context, query string, args ...any) ([]*Record, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query news: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		r := &Record{}
		var ts string
		if err := rows.Scan(&r.ID, &r.Channel, &ts, &r.Text, &r.MessageLink, &r.MessageID); err != nil {
			return nil, fmt.Errorf("scan news row: %w", err)
		}
		r.Timestamp, err = ParseStoredTimestamp(ts)
		if err != nil {
			d.log.Warn("Skipping row with unparseable timestamp", "id", r.ID, "timestamp", ts)
			continue
		}
		if r.MessageID == "" {
			r.MessageID = MessageIDFromLink(r.MessageLink)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Count returns the total number of records
func (d *DB) Count(ctx context.Context) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM news").Scan(&count)
	return count, err
}

// LoadCursor returns the persisted sync cursor of a consumer
func (d *DB) LoadCursor(ctx context.Context, consumer string) (time.Time, bool, error) {
	var value string
	err := d.db.QueryRowContext(ctx, "SELECT last_sync_at FROM sync_cursors WHERE consumer = ?", consumer).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("load cursor: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse cursor %q: %w", value, err)
	}
	return t, true, nil
}

// SaveCursor persists the sync cursor of a consumer
func (d *DB) SaveCursor(ctx context.Context, consumer string, at time.Time) error {
	_, err := d.db.ExecContext(ctx, `
	INSERT INTO sync_cursors (consumer, last_sync_at) VALUES (?, ?)
	ON CONFLICT(consumer) DO UPDATE SET last_sync_at = excluded.last_sync_at
	`, consumer, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var cgoErr sqlite3.Error
	if errors.As(err, &cgoErr) {
		return cgoErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	var pureErr *moderncsqlite.Error
	if errors.As(err, &pureErr) {
		return pureErr.Code() == sqliteConstraintUnique
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
