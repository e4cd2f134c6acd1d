package search

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/renderinc/newsrag/internal/logger"
)

// fakeEmbedder maps each text onto three topic axes so similarity is
// predictable in tests
type fakeEmbedder struct {
	calls int
	err   error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for n, text := range texts {
		lower := strings.ToLower(text)
		out[n] = []float32{
			float32(strings.Count(lower, "scooter")) + 0.01,
			float32(strings.Count(lower, "bike")) + 0.01,
			float32(strings.Count(lower, "car")) + 0.01,
		}
	}
	return out, nil
}

func (f *fakeEmbedder) Health(context.Context) error { return nil }

func day(d int) time.Time {
	return time.Date(2024, 1, d, 12, 0, 0, 0, time.UTC)
}

func doc(d int, id, body string) Document {
	return Document{Body: body, Date: float64(day(d).Unix()), ChannelID: "news", MessageID: id}
}

func openTestIndex(t *testing.T, emb *fakeEmbedder) *Index {
	t.Helper()
	idx, err := Open(t.TempDir(), "test_collection", emb, logger.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestSearch_DateWindowFiltersBeforeRanking(t *testing.T) {
	idx := openTestIndex(t, &fakeEmbedder{})
	ctx := context.Background()

	docs := []Document{
		doc(1, "1", "scooter rental opens"),
		doc(5, "5", "scooter lane on main street"),
		doc(10, "10", "scooter scooter scooter everywhere"),
	}
	if _, err := idx.UpsertDocuments(ctx, docs); err != nil {
		t.Fatalf("UpsertDocuments: %v", err)
	}

	results, err := idx.Search(ctx, "scooter", day(3), day(7), 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result in window, got %d", len(results))
	}
	if results[0].Key != "news_5" || results[0].Body != "scooter lane on main street" {
		t.Errorf("unexpected result: %+v", results[0])
	}
	if !results[0].Time().Equal(day(5)) {
		t.Errorf("Time = %v, want %v", results[0].Time(), day(5))
	}
}

func TestSearch_RanksBySimilarity(t *testing.T) {
	idx := openTestIndex(t, &fakeEmbedder{})
	ctx := context.Background()

	docs := []Document{
		doc(2, "a", "car dealership news"),
		doc(3, "b", "new scooter sharing"),
		doc(4, "c", "bike and scooter paths"),
	}
	if _, err := idx.UpsertDocuments(ctx, docs); err != nil {
		t.Fatal(err)
	}

	results, err := idx.Search(ctx, "scooter", day(1), day(5), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected top 2, got %d", len(results))
	}
	if results[0].Key != "news_b" || results[1].Key != "news_c" {
		t.Errorf("unexpected order: %s, %s", results[0].Key, results[1].Key)
	}
	if results[0].Score < results[1].Score {
		t.Errorf("scores not descending: %v < %v", results[0].Score, results[1].Score)
	}
}

func TestSearch_WindowBoundsAreInclusive(t *testing.T) {
	idx := openTestIndex(t, &fakeEmbedder{})
	ctx := context.Background()

	if _, err := idx.UpsertDocuments(ctx, []Document{doc(3, "x", "scooter"), doc(7, "y", "scooter")}); err != nil {
		t.Fatal(err)
	}
	results, err := idx.Search(ctx, "scooter", day(3), day(7), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected both boundary documents, got %d", len(results))
	}
}

func TestSearch_EmptyWindow(t *testing.T) {
	idx := openTestIndex(t, &fakeEmbedder{})
	ctx := context.Background()

	if _, err := idx.UpsertDocuments(ctx, []Document{doc(1, "1", "scooter")}); err != nil {
		t.Fatal(err)
	}

	results, err := idx.Search(ctx, "scooter", day(20), day(25), 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no results, got %d", len(results))
	}

	results, err = idx.Search(ctx, "scooter", day(5), day(1), 5)
	if err != nil {
		t.Fatalf("Search with inverted window: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no results for inverted window, got %d", len(results))
	}
}

func TestUpsertDocuments_ReplacesExistingKey(t *testing.T) {
	idx := openTestIndex(t, &fakeEmbedder{})
	ctx := context.Background()

	if _, err := idx.UpsertDocuments(ctx, []Document{doc(2, "42", "old scooter text")}); err != nil {
		t.Fatal(err)
	}
	if _, err := idx.UpsertDocuments(ctx, []Document{doc(2, "42", "new scooter text")}); err != nil {
		t.Fatal(err)
	}

	count, err := idx.Count()
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected 1 document after upsert, got %d", count)
	}

	results, err := idx.Search(ctx, "scooter", day(1), day(3), 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Body != "new scooter text" {
		t.Errorf("expected replaced body, got %+v", results)
	}
}

func TestUpsertDocuments_RejectsInvalid(t *testing.T) {
	emb := &fakeEmbedder{}
	idx := openTestIndex(t, emb)

	bad := doc(1, "", "scooter")
	_, err := idx.UpsertDocuments(context.Background(), []Document{doc(1, "1", "ok"), bad})
	if !errors.Is(err, ErrInvalidDocument) {
		t.Fatalf("expected ErrInvalidDocument, got %v", err)
	}
	if emb.calls != 0 {
		t.Errorf("embedder called %d times for an invalid batch", emb.calls)
	}
	if count, _ := idx.Count(); count != 0 {
		t.Errorf("expected nothing indexed, got %d", count)
	}
}

func TestUpsertDocuments_EmbedFailure(t *testing.T) {
	idx := openTestIndex(t, &fakeEmbedder{err: errors.New("embedding service down")})

	_, err := idx.UpsertDocuments(context.Background(), []Document{doc(1, "1", "scooter")})
	if err == nil || !strings.Contains(err.Error(), "embedding service down") {
		t.Fatalf("expected embed error, got %v", err)
	}
}

func TestUpsertDocuments_BatchesEmbedding(t *testing.T) {
	emb := &fakeEmbedder{}
	idx := openTestIndex(t, emb)

	var docs []Document
	for n := 0; n < embedBatchSize+5; n++ {
		docs = append(docs, doc(1, strings.Repeat("9", n+1), "scooter"))
	}
	written, err := idx.UpsertDocuments(context.Background(), docs)
	if err != nil {
		t.Fatal(err)
	}
	if written != len(docs) {
		t.Errorf("written = %d, want %d", written, len(docs))
	}
	if emb.calls != 2 {
		t.Errorf("expected 2 embed batches, got %d", emb.calls)
	}
}

func TestKeywordAndHybridSearch(t *testing.T) {
	idx := openTestIndex(t, &fakeEmbedder{})
	ctx := context.Background()

	docs := []Document{
		doc(2, "1", "city council approves scooter parking"),
		doc(3, "2", "bike festival this weekend"),
		doc(9, "3", "scooter parking outside window"),
	}
	if _, err := idx.UpsertDocuments(ctx, docs); err != nil {
		t.Fatal(err)
	}

	kw, err := idx.KeywordSearch(ctx, "parking", day(1), day(5), 10)
	if err != nil {
		t.Fatalf("KeywordSearch: %v", err)
	}
	if len(kw) != 1 || kw[0].Key != "news_1" {
		t.Fatalf("unexpected keyword results: %+v", kw)
	}

	hybrid, err := idx.HybridSearch(ctx, "scooter", day(1), day(5), 5, 0.5)
	if err != nil {
		t.Fatalf("HybridSearch: %v", err)
	}
	if len(hybrid) == 0 || hybrid[0].Key != "news_1" {
		t.Fatalf("unexpected hybrid results: %+v", hybrid)
	}
	for _, r := range hybrid {
		if r.Key == "news_3" {
			t.Errorf("hybrid search returned a document outside the window")
		}
	}

	if _, err := idx.HybridSearch(ctx, "scooter", day(1), day(5), 5, 1.5); err == nil {
		t.Error("expected error for invalid weight")
	}
}

func TestBlend_RescalesEachRanking(t *testing.T) {
	hit := func(key string, score float64) *Result {
		return &Result{Key: key, Score: score}
	}
	acc := map[string]*Result{}
	blend(acc, []*Result{hit("a", 12), hit("b", 4)}, 0.25)
	blend(acc, []*Result{hit("b", 0.9), hit("c", 0.1)}, 0.75)
	blend(acc, nil, 1)

	want := map[string]float64{"a": 0.25, "b": 0.75, "c": 0}
	if len(acc) != len(want) {
		t.Fatalf("unexpected keys: %v", acc)
	}
	for key, score := range want {
		if got := acc[key].Score; got != score {
			t.Errorf("%s: score = %v, want %v", key, got, score)
		}
	}

	flat := map[string]*Result{}
	blend(flat, []*Result{hit("x", 3), hit("y", 3)}, 0.5)
	if flat["x"].Score != 0.5 || flat["y"].Score != 0.5 {
		t.Errorf("equal scores should count fully: %v %v", flat["x"].Score, flat["y"].Score)
	}
}

func TestStatsAndReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	idx, err := Open(dir, "news", &fakeEmbedder{}, logger.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := idx.UpsertDocuments(ctx, []Document{doc(1, "1", "scooter"), doc(2, "2", "bike")}); err != nil {
		t.Fatal(err)
	}
	if err := idx.Close(); err != nil {
		t.Fatal(err)
	}

	idx, err = Open(dir, "news", &fakeEmbedder{}, logger.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer idx.Close()

	stats, err := idx.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalDocuments != 2 || stats.CollectionName != "news" {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestDocumentValidate(t *testing.T) {
	valid := doc(1, "1", "body")
	if err := valid.Validate(); err != nil {
		t.Errorf("valid document rejected: %v", err)
	}
	for name, d := range map[string]Document{
		"body":    {Date: 1, ChannelID: "c", MessageID: "1", Body: "  "},
		"date":    {Body: "b", ChannelID: "c", MessageID: "1"},
		"channel": {Body: "b", Date: 1, MessageID: "1"},
		"message": {Body: "b", Date: 1, ChannelID: "c"},
	} {
		if err := d.Validate(); !errors.Is(err, ErrInvalidDocument) {
			t.Errorf("missing %s: expected ErrInvalidDocument, got %v", name, err)
		}
	}
}
