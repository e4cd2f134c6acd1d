package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/renderinc/newsrag/internal/config"
	"github.com/renderinc/newsrag/internal/logger"
	"github.com/renderinc/newsrag/internal/search"
	"github.com/renderinc/newsrag/internal/sync"
)

const dateLayout = "2006-01-02"

// Syncer brings the vector index up to date before a search
type Syncer interface {
	SyncIfDue(ctx context.Context) (*sync.Stats, error)
}

// Retriever finds documents similar to a query within a time window
type Retriever interface {
	Search(ctx context.Context, query string, start, end time.Time, k int) ([]*search.Result, error)
}

// Generator produces a completion for a system and a user message
type Generator interface {
	Complete(ctx context.Context, systemPrompt, userMessage string) (string, error)
}

// Answerer answers questions from news retrieved within a date range
type Answerer struct {
	syncer    Syncer
	retriever Retriever
	generator Generator
	prompts   config.Prompts
	topK      int
	log       *logger.Logger
}

// Answer is a successful answer and the documents it was grounded on
type Answer struct {
	Text    string
	Sources []*search.Result
}

// NewAnswerer creates an answerer. syncer may be nil.
func NewAnswerer(syncer Syncer, retriever Retriever, generator Generator, prompts *config.Prompts, topK int, log *logger.Logger) *Answerer {
	p := config.DefaultPrompts
	if prompts != nil {
		p = *prompts
	}
	if topK <= 0 {
		topK = search.DefaultTopK
	}
	return &Answerer{
		syncer:    syncer,
		retriever: retriever,
		generator: generator,
		prompts:   p,
		topK:      topK,
		log:       log.With("component", "rag"),
	}
}

// Answer returns the model's answer, or a user-facing error message when
// any step fails. It never returns an error.
func (a *Answerer) Answer(ctx context.Context, question string, start, end time.Time) string {
	ans, err := a.Ask(ctx, question, start, end)
	if err != nil {
		return a.FailureMessage(err)
	}
	return ans.Text
}

// Ask runs sync, retrieval and generation. A failed sync is logged and the
// question is answered against the current index.
func (a *Answerer) Ask(ctx context.Context, question string, start, end time.Time) (*Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, errors.New("question cannot be empty")
	}

	if a.syncer != nil {
		if _, err := a.syncer.SyncIfDue(ctx); err != nil {
			a.log.Warn("Sync before answering failed", "error", err)
		}
	}

	results, err := a.retriever.Search(ctx, question, start, end, a.topK)
	if err != nil {
		a.log.Error("Retrieval failed", "question", question, "error", err)
		return nil, fmt.Errorf("search news: %w", err)
	}
	a.log.Info("Retrieved documents", "count", len(results), "start", start.Format(dateLayout), "end", end.Format(dateLayout))

	system, user := BuildPrompt(a.prompts, question, start, end, results)

	text, err := a.generator.Complete(ctx, system, user)
	if err != nil {
		a.log.Error("Generation failed", "error", err)
		return nil, fmt.Errorf("generate answer: %w", err)
	}

	return &Answer{Text: text, Sources: results}, nil
}

// FailureMessage renders err with the configured error template
func (a *Answerer) FailureMessage(err error) string {
	if strings.Contains(a.prompts.ErrorMessage, "%v") {
		return fmt.Sprintf(a.prompts.ErrorMessage, err)
	}
	return a.prompts.ErrorMessage + ": " + err.Error()
}

// BuildPrompt returns the system and user messages for a question.
// With no results the context is the explicit no-results placeholder.
func BuildPrompt(prompts config.Prompts, question string, start, end time.Time, results []*search.Result) (string, string) {
	contextBlock := prompts.NoResults
	if len(results) > 0 {
		contextBlock = FormatContext(results)
	}

	user := strings.NewReplacer(
		"{start_date}", start.Format(dateLayout),
		"{end_date}", end.Format(dateLayout),
		"{context}", contextBlock,
		"{question}", question,
	).Replace(prompts.UserTemplate)

	return prompts.System, user
}

// FormatContext joins result bodies annotated with their similarity score
func FormatContext(results []*search.Result) string {
	var sb strings.Builder
	for n, r := range results {
		if n > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "[score %.3f] %s", r.Score, r.Body)
	}
	return sb.String()
}
