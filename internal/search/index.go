package search

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/renderinc/newsrag/internal/embeddings"
	"github.com/renderinc/newsrag/internal/logger"
)

const (
	// DefaultTopK is used when a search asks for k <= 0
	DefaultTopK = 5

	embedBatchSize = 32
	pageSize       = 500
)

// ErrInvalidDocument is returned by UpsertDocuments for a document with a
// missing body, date, channel or message id
var ErrInvalidDocument = errors.New("invalid document")

var storedFields = []string{"Body", "Date", "ChannelID", "MessageID", "Embedding"}

// Index is a persistent vector index backed by a Bleve directory.
// Bleve stores the documents, their embeddings and a numeric Date field
// used to narrow candidates to a time window before similarity scoring.
type Index struct {
	index      bleve.Index
	embedder   embeddings.Embedder
	collection string
	log        *logger.Logger

	mu sync.Mutex // serialises upserts
}

// Document is the unit stored in the index
type Document struct {
	Body      string
	Date      float64 // Epoch seconds
	ChannelID string
	MessageID string
}

// Key is the identity of the document inside the index
func (d Document) Key() string {
	return d.ChannelID + "_" + d.MessageID
}

// Validate reports whether every field required for indexing is set
func (d Document) Validate() error {
	switch {
	case strings.TrimSpace(d.Body) == "":
		return fmt.Errorf("%w: empty body", ErrInvalidDocument)
	case d.Date == 0:
		return fmt.Errorf("%w: missing date", ErrInvalidDocument)
	case d.ChannelID == "":
		return fmt.Errorf("%w: missing channel id", ErrInvalidDocument)
	case d.MessageID == "":
		return fmt.Errorf("%w: missing message id", ErrInvalidDocument)
	}
	return nil
}

// Time returns the document date as a time.Time
func (d Document) Time() time.Time {
	return time.Unix(int64(d.Date), 0).UTC()
}

// indexedDocument is what Bleve sees. Embedding holds the base64 encoded
// little-endian float32 vector and is stored but never analysed.
type indexedDocument struct {
	Body      string
	Date      float64
	ChannelID string
	MessageID string
	Embedding string
}

// Result is a document returned by a search together with its score
type Result struct {
	Key string
	Document
	Score float64
}

// Stats describes the index
type Stats struct {
	TotalDocuments uint64 `json:"total_documents"`
	CollectionName string `json:"collection_name"`
}

// Open opens or creates the index at <dir>/<collection>
func Open(dir, collection string, embedder embeddings.Embedder, log *logger.Logger) (*Index, error) {
	if collection == "" {
		return nil, fmt.Errorf("collection name is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}
	path := filepath.Join(dir, collection)

	// Try to open existing index
	idx, err := bleve.Open(path)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		idx, err = bleve.New(path, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("create index: %w", err)
		}
		log.Info("Created vector index", "path", path)
	} else if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}

	return &Index{
		index:      idx,
		embedder:   embedder,
		collection: collection,
		log:        log,
	}, nil
}

// buildIndexMapping creates the explicit mapping; unknown fields are ignored
func buildIndexMapping() mapping.IndexMapping {
	bodyFieldMapping := bleve.NewTextFieldMapping()

	dateFieldMapping := bleve.NewNumericFieldMapping()

	embeddingFieldMapping := bleve.NewTextFieldMapping()
	embeddingFieldMapping.Index = false
	embeddingFieldMapping.IncludeInAll = false
	embeddingFieldMapping.IncludeTermVectors = false
	embeddingFieldMapping.DocValues = false

	docMapping := bleve.NewDocumentStaticMapping()
	docMapping.AddFieldMappingsAt("Body", bodyFieldMapping)
	docMapping.AddFieldMappingsAt("Date", dateFieldMapping)
	docMapping.AddFieldMappingsAt("ChannelID", bleve.NewKeywordFieldMapping())
	docMapping.AddFieldMappingsAt("MessageID", bleve.NewKeywordFieldMapping())
	docMapping.AddFieldMappingsAt("Embedding", embeddingFieldMapping)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = docMapping
	indexMapping.DefaultField = "Body"

	return indexMapping
}

// Close closes the index
func (i *Index) Close() error {
	return i.index.Close()
}

// UpsertDocuments embeds and indexes docs. A document whose key already
// exists replaces the stored one. Nothing is written if any document is
// invalid or embedding fails.
func (i *Index) UpsertDocuments(ctx context.Context, docs []Document) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}
	for n, doc := range docs {
		if err := doc.Validate(); err != nil {
			return 0, fmt.Errorf("document %d (%s): %w", n, doc.Key(), err)
		}
	}

	vectors := make([][]float32, 0, len(docs))
	for start := 0; start < len(docs); start += embedBatchSize {
		end := min(start+embedBatchSize, len(docs))
		texts := make([]string, 0, end-start)
		for _, doc := range docs[start:end] {
			texts = append(texts, doc.Body)
		}
		vecs, err := i.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return 0, fmt.Errorf("embed documents %d-%d: %w", start, end, err)
		}
		vectors = append(vectors, vecs...)
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	batch := i.index.NewBatch()
	for n, doc := range docs {
		stored := &indexedDocument{
			Body:      doc.Body,
			Date:      doc.Date,
			ChannelID: doc.ChannelID,
			MessageID: doc.MessageID,
			Embedding: base64.StdEncoding.EncodeToString(embeddings.SerializeEmbedding(vectors[n])),
		}
		if err := batch.Index(doc.Key(), stored); err != nil {
			return 0, fmt.Errorf("batch index %s: %w", doc.Key(), err)
		}
	}

	if err := i.index.Batch(batch); err != nil {
		return 0, fmt.Errorf("commit batch: %w", err)
	}

	i.log.Debug("Upserted documents", "collection", i.collection, "count", len(docs))
	return len(docs), nil
}

// KeywordSearch runs a Bleve query string (quotes, +/-, fuzzy ~) against
// document bodies published within [start, end]
func (i *Index) KeywordSearch(ctx context.Context, queryStr string, start, end time.Time, k int) ([]*Result, error) {
	if strings.TrimSpace(queryStr) == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}
	if k <= 0 {
		k = DefaultTopK
	}
	if end.Before(start) {
		return []*Result{}, nil
	}

	q := bleve.NewConjunctionQuery(bleve.NewQueryStringQuery(queryStr), dateRange(start, end))
	req := bleve.NewSearchRequestOptions(q, k, 0, false)
	req.Fields = storedFields

	res, err := i.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	results := make([]*Result, 0, len(res.Hits))
	for _, hit := range res.Hits {
		doc, _ := documentFromFields(hit.Fields)
		results = append(results, &Result{Key: hit.ID, Document: doc, Score: hit.Score})
	}
	return results, nil
}

// Stats returns document count and collection name
func (i *Index) Stats(ctx context.Context) (*Stats, error) {
	count, err := i.Count()
	if err != nil {
		return nil, err
	}
	return &Stats{TotalDocuments: count, CollectionName: i.collection}, nil
}

// Count returns the number of documents in the index
func (i *Index) Count() (uint64, error) {
	count, err := i.index.DocCount()
	if err != nil {
		return 0, fmt.Errorf("doc count: %w", err)
	}
	return count, nil
}

// dateRange matches documents whose Date lies in [start, end], inclusive
// on both ends
func dateRange(start, end time.Time) *query.NumericRangeQuery {
	minDate := float64(start.Unix())
	maxDate := float64(end.Unix())
	inclusive := true
	q := bleve.NewNumericRangeInclusiveQuery(&minDate, &maxDate, &inclusive, &inclusive)
	q.SetField("Date")
	return q
}

// documentFromFields rebuilds a document and its embedding from stored fields
func documentFromFields(fields map[string]interface{}) (Document, []float32) {
	var doc Document
	doc.Body, _ = fields["Body"].(string)
	doc.Date, _ = fields["Date"].(float64)
	doc.ChannelID, _ = fields["ChannelID"].(string)
	doc.MessageID, _ = fields["MessageID"].(string)

	encoded, _ := fields["Embedding"].(string)
	if encoded == "" {
		return doc, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return doc, nil
	}
	return doc, embeddings.DeserializeEmbedding(raw)
}
