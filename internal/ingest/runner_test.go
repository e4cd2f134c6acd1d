package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/renderinc/newsrag/internal/filter"
	"github.com/renderinc/newsrag/internal/logger"
	"github.com/renderinc/newsrag/internal/storage"
)

func writeDump(t *testing.T, dataDir, channel string, at time.Time, content string) string {
	t.Helper()
	dir := filepath.Join(dataDir, DumpDirName(channel, at))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, dumpMessagesFile)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func openStore(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(context.Background(), storage.DriverCGO, filepath.Join(t.TempDir(), "news.db"), logger.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

const firstDump = `[2024-01-01 10:00:00+03:00] Новый электросамокат в городе
[MESSAGE_LINK:https://t.me/mobility/1]
[2024-01-01 11:00:00+03:00] Погода на выходные
[MESSAGE_LINK:https://t.me/mobility/2]
`

const secondDump = `[2024-01-01 10:00:00+03:00] Новый электросамокат в городе
[MESSAGE_LINK:https://t.me/mobility/1]
[2024-01-02 09:30:00+03:00] Кикшеринг расширяет зону
[MESSAGE_LINK:https://t.me/mobility/3]
`

func TestRun_LatestAndFull(t *testing.T) {
	dataDir := t.TempDir()
	day := time.Date(2024, 1, 2, 8, 0, 0, 0, time.Local)
	writeDump(t, dataDir, "mobility", day, firstDump)
	writeDump(t, dataDir, "mobility", day.Add(time.Hour), secondDump)

	db := openStore(t)
	r := NewRunner(db, filter.NewKeywords([]string{"электросамокат", "кикшеринг"}), Options{DataDir: dataDir}, logger.Nop())
	ctx := context.Background()

	stats, err := r.Run(ctx, ModeLatest)
	if err != nil {
		t.Fatalf("Run latest: %v", err)
	}
	if len(stats.Files) != 1 || stats.Inserted != 2 {
		t.Fatalf("latest: unexpected stats %+v", stats)
	}

	stats, err = r.Run(ctx, ModeFull)
	if err != nil {
		t.Fatalf("Run full: %v", err)
	}
	if len(stats.Files) != 2 {
		t.Fatalf("full: expected 2 files, got %d", len(stats.Files))
	}
	if stats.Inserted != 0 || stats.Duplicates != 3 || stats.FilteredOut != 1 {
		t.Errorf("full: unexpected stats %+v", stats)
	}

	count, err := db.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("expected 2 stored records, got %d", count)
	}

	latest, err := db.FetchLatest(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if latest[0].MessageID != "3" || latest[0].Channel != "mobility" {
		t.Errorf("unexpected latest record: %+v", latest[0])
	}
}

func TestRun_ChannelFilterAndUnreadableFile(t *testing.T) {
	dataDir := t.TempDir()
	at := time.Date(2024, 1, 2, 8, 0, 0, 0, time.Local)
	writeDump(t, dataDir, "wanted_channel", at, firstDump)
	writeDump(t, dataDir, "other", at, secondDump)

	db := openStore(t)
	r := NewRunner(db, filter.NewKeywords([]string{"электросамокат"}), Options{
		DataDir:  dataDir,
		Channels: []string{"@wanted_channel"},
	}, logger.Nop())

	stats, err := r.Run(context.Background(), ModeFull)
	if err != nil {
		t.Fatal(err)
	}
	if len(stats.Files) != 1 || stats.Files[0].Channel != "wanted_channel" {
		t.Fatalf("unexpected files: %+v", stats.Files)
	}

	fs, err := r.IngestFile(context.Background(), "ghost", filepath.Join(dataDir, "missing.txt"))
	if err != nil {
		t.Fatalf("unreadable file should be skipped, got %v", err)
	}
	if fs.Err == nil {
		t.Error("expected error for missing file")
	}
}

// faultStore fails every insert the way a broken disk would
type faultStore struct {
	calls int
	err   error
}

func (f *faultStore) Insert(context.Context, *storage.Record) (bool, error) {
	f.calls++
	return false, f.err
}

func TestRun_StorageFaultFailsRun(t *testing.T) {
	dataDir := t.TempDir()
	at := time.Date(2024, 1, 2, 8, 0, 0, 0, time.Local)
	writeDump(t, dataDir, "mobility", at, secondDump)

	diskErr := errors.New("disk I/O error")
	store := &faultStore{err: diskErr}
	r := NewRunner(store, filter.NewKeywords([]string{"электросамокат", "кикшеринг"}), Options{DataDir: dataDir}, logger.Nop())

	stats, err := r.Run(context.Background(), ModeLatest)
	if !errors.Is(err, diskErr) {
		t.Fatalf("expected storage fault from Run, got %v", err)
	}
	if store.calls != 1 {
		t.Errorf("expected the dump to stop at the first fault, got %d inserts", store.calls)
	}
	if stats == nil || stats.Errors != 1 || stats.Inserted != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

// invalidStore rejects records without touching storage
type invalidStore struct{ calls int }

func (s *invalidStore) Insert(context.Context, *storage.Record) (bool, error) {
	s.calls++
	return false, storage.ErrInvalidRecord
}

func TestRun_InvalidRecordsAreSkipped(t *testing.T) {
	dataDir := t.TempDir()
	at := time.Date(2024, 1, 2, 8, 0, 0, 0, time.Local)
	writeDump(t, dataDir, "mobility", at, secondDump)

	store := &invalidStore{}
	r := NewRunner(store, filter.NewKeywords([]string{"электросамокат", "кикшеринг"}), Options{DataDir: dataDir}, logger.Nop())

	stats, err := r.Run(context.Background(), ModeLatest)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if store.calls != 2 || stats.Errors != 2 {
		t.Errorf("expected both messages rejected, calls=%d stats=%+v", store.calls, stats)
	}
}

func TestFindDumps(t *testing.T) {
	dataDir := t.TempDir()
	older := time.Date(2024, 5, 1, 12, 0, 0, 0, time.Local)
	newer := older.Add(24 * time.Hour)
	writeDump(t, dataDir, "a_b", newer, "x")
	writeDump(t, dataDir, "a_b", older, "x")
	writeDump(t, dataDir, "c", older, "x")
	os.MkdirAll(filepath.Join(dataDir, "telegram_downloads_bad"), 0o755)
	os.MkdirAll(filepath.Join(dataDir, DumpDirName("empty", older)), 0o755)

	dumps, err := FindDumps(dataDir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(dumps) != 3 {
		t.Fatalf("expected 3 dumps, got %+v", dumps)
	}
	if dumps[2].Channel != "a_b" || !dumps[2].CreatedAt.Equal(newer) {
		t.Errorf("expected newest dump last, got %+v", dumps[2])
	}

	latest := LatestPerChannel(dumps)
	if len(latest) != 2 || latest[0].Channel != "a_b" || !latest[0].CreatedAt.Equal(newer) {
		t.Errorf("unexpected latest dumps: %+v", latest)
	}
}

func TestWatch_StopsOnCancel(t *testing.T) {
	dataDir := t.TempDir()
	writeDump(t, dataDir, "mobility", time.Now(), firstDump)

	db := openStore(t)
	r := NewRunner(db, filter.NewKeywords([]string{"электросамокат"}), Options{DataDir: dataDir}, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	runs := 0
	err := r.Watch(ctx, time.Hour, ModeLatest, func(*Stats) {
		runs++
		cancel()
	})
	if err != context.Canceled {
		t.Errorf("Watch returned %v", err)
	}
	if runs != 1 {
		t.Errorf("expected 1 run before cancel, got %d", runs)
	}

	if err := r.Watch(context.Background(), 0, ModeLatest, nil); err == nil {
		t.Error("expected error for zero interval")
	}
}
