package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/renderinc/newsrag/internal/embeddings"
)

// Search embeds queryText and returns the k documents published within
// [start, end] most similar to it, best first. Candidates are narrowed by
// the Date range at the index level before any similarity is computed.
func (i *Index) Search(ctx context.Context, queryText string, start, end time.Time, k int) ([]*Result, error) {
	if strings.TrimSpace(queryText) == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}
	if k <= 0 {
		k = DefaultTopK
	}

	queryEmbedding, err := i.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	return i.SemanticSearch(ctx, queryEmbedding, start, end, k)
}

// SemanticSearch ranks documents within [start, end] by cosine similarity
// to queryEmbedding
func (i *Index) SemanticSearch(ctx context.Context, queryEmbedding []float32, start, end time.Time, k int) ([]*Result, error) {
	if end.Before(start) {
		return []*Result{}, nil
	}

	// 1. Collect every candidate in the window, page by page
	var scores []*Result
	for from := 0; ; from += pageSize {
		req := bleve.NewSearchRequestOptions(dateRange(start, end), pageSize, from, false)
		req.Fields = storedFields
		req.SortBy([]string{"_id"})

		res, err := i.index.SearchInContext(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("search window: %w", err)
		}

		// 2. Compute cosine similarity for each candidate
		for _, hit := range res.Hits {
			doc, vec := documentFromFields(hit.Fields)
			if vec == nil {
				i.log.Warn("Skipping document without embedding", "key", hit.ID)
				continue
			}
			score := embeddings.CosineSimilarity(queryEmbedding, vec)
			scores = append(scores, &Result{Key: hit.ID, Document: doc, Score: float64(score)})
		}

		if len(res.Hits) < pageSize {
			break
		}
	}

	// 3. Best first
	rank(scores)

	// 4. Return top k
	if len(scores) > k {
		scores = scores[:k]
	}
	if scores == nil {
		scores = []*Result{}
	}
	return scores, nil
}

// HybridSearch blends the keyword and semantic rankings of the same
// window. Each ranking is rescaled to [0, 1] before weighting, since BM25
// and cosine scores live on different scales. keywordWeight is the share
// of the keyword ranking (0.7 = 70% keyword, 30% semantic).
func (i *Index) HybridSearch(ctx context.Context, queryText string, start, end time.Time, k int, keywordWeight float64) ([]*Result, error) {
	if keywordWeight < 0 || keywordWeight > 1 {
		return nil, fmt.Errorf("keyword weight must be between 0 and 1")
	}
	if k <= 0 {
		k = DefaultTopK
	}
	pool := k * 3

	byKeyword, err := i.KeywordSearch(ctx, queryText, start, end, pool)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	bySimilarity, err := i.Search(ctx, queryText, start, end, pool)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}

	blended := make(map[string]*Result, len(byKeyword)+len(bySimilarity))
	blend(blended, byKeyword, keywordWeight)
	blend(blended, bySimilarity, 1-keywordWeight)

	results := make([]*Result, 0, len(blended))
	for _, r := range blended {
		results = append(results, r)
	}
	rank(results)

	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// blend adds weight times each result's rescaled score to acc. ranked
// must be best first, so its bounds are its first and last scores. A
// ranking whose scores are all equal counts as 1 for every document.
func blend(acc map[string]*Result, ranked []*Result, weight float64) {
	if len(ranked) == 0 {
		return
	}
	hi, lo := ranked[0].Score, ranked[len(ranked)-1].Score

	for _, r := range ranked {
		scaled := 1.0
		if hi > lo {
			scaled = (r.Score - lo) / (hi - lo)
		}
		hit, ok := acc[r.Key]
		if !ok {
			hit = &Result{Key: r.Key, Document: r.Document}
			acc[r.Key] = hit
		}
		hit.Score += scaled * weight
	}
}

// rank orders results best first; ties go to the newer document, then
// to the key so the order is stable across calls
func rank(results []*Result) {
	sort.Slice(results, func(a, b int) bool {
		ra, rb := results[a], results[b]
		if ra.Score != rb.Score {
			return ra.Score > rb.Score
		}
		if ra.Date != rb.Date {
			return ra.Date > rb.Date
		}
		return ra.Key < rb.Key
	})
}
