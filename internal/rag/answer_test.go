package rag

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/renderinc/newsrag/internal/config"
	"github.com/renderinc/newsrag/internal/logger"
	"github.com/renderinc/newsrag/internal/search"
	"github.com/renderinc/newsrag/internal/sync"
)

type fakeSyncer struct {
	calls int
	err   error
}

func (f *fakeSyncer) SyncIfDue(context.Context) (*sync.Stats, error) {
	f.calls++
	return &sync.Stats{}, f.err
}

type fakeRetriever struct {
	results []*search.Result
	err     error
	k       int
}

func (f *fakeRetriever) Search(_ context.Context, _ string, _, _ time.Time, k int) ([]*search.Result, error) {
	f.k = k
	return f.results, f.err
}

type fakeGenerator struct {
	system, user string
	reply        string
	err          error
}

func (f *fakeGenerator) Complete(_ context.Context, system, user string) (string, error) {
	f.system, f.user = system, user
	return f.reply, f.err
}

var (
	start = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end   = time.Date(2024, 3, 7, 23, 59, 59, 0, time.UTC)
)

func TestAnswer_EmptyWindowUsesPlaceholder(t *testing.T) {
	gen := &fakeGenerator{reply: "nothing happened"}
	a := NewAnswerer(&fakeSyncer{}, &fakeRetriever{}, gen, nil, 5, logger.Nop())

	got := a.Answer(context.Background(), "What happened?", start, end)
	if got != "nothing happened" {
		t.Errorf("Answer = %q", got)
	}
	if !strings.Contains(gen.user, config.DefaultPrompts.NoResults) {
		t.Errorf("prompt missing no-results placeholder:\n%s", gen.user)
	}
	if strings.Contains(gen.user, "{context}") {
		t.Error("context placeholder not substituted")
	}
}

func TestAnswer_BuildsContextFromResults(t *testing.T) {
	ret := &fakeRetriever{results: []*search.Result{
		{Document: search.Document{Body: "first news"}, Score: 0.8734},
		{Document: search.Document{Body: "second news"}, Score: 0.5},
	}}
	gen := &fakeGenerator{reply: "answer"}
	syncer := &fakeSyncer{}
	a := NewAnswerer(syncer, ret, gen, nil, 0, logger.Nop())

	a.Answer(context.Background(), "  scooters?  ", start, end)

	if syncer.calls != 1 {
		t.Errorf("expected one sync check, got %d", syncer.calls)
	}
	if ret.k != search.DefaultTopK {
		t.Errorf("k = %d, want %d", ret.k, search.DefaultTopK)
	}
	for _, want := range []string{"[score 0.873] first news\n\n[score 0.500] second news", "2024-03-01", "2024-03-07", "Question: scooters?"} {
		if !strings.Contains(gen.user, want) {
			t.Errorf("prompt missing %q:\n%s", want, gen.user)
		}
	}
	if gen.system != config.DefaultPrompts.System {
		t.Error("unexpected system prompt")
	}
}

func TestAnswer_FailuresBecomeMessages(t *testing.T) {
	ctx := context.Background()

	a := NewAnswerer(nil, &fakeRetriever{err: errors.New("embedding service down")}, &fakeGenerator{}, nil, 5, logger.Nop())
	got := a.Answer(ctx, "q", start, end)
	if !strings.HasPrefix(got, "Sorry") || !strings.Contains(got, "embedding service down") {
		t.Errorf("retrieval failure: %q", got)
	}

	a = NewAnswerer(nil, &fakeRetriever{}, &fakeGenerator{err: errors.New("rate limited")}, nil, 5, logger.Nop())
	got = a.Answer(ctx, "q", start, end)
	if !strings.Contains(got, "rate limited") {
		t.Errorf("model failure: %q", got)
	}

	if got := a.Answer(ctx, "   ", start, end); !strings.Contains(got, "question cannot be empty") {
		t.Errorf("empty question: %q", got)
	}
}

func TestAnswer_SyncFailureStillAnswers(t *testing.T) {
	gen := &fakeGenerator{reply: "ok"}
	a := NewAnswerer(&fakeSyncer{err: errors.New("index locked")}, &fakeRetriever{}, gen, nil, 5, logger.Nop())

	if got := a.Answer(context.Background(), "q", start, end); got != "ok" {
		t.Errorf("Answer = %q", got)
	}
}

func TestFailureMessage_TemplateWithoutVerb(t *testing.T) {
	prompts := config.DefaultPrompts
	prompts.ErrorMessage = "Service unavailable"
	a := NewAnswerer(nil, &fakeRetriever{}, &fakeGenerator{}, &prompts, 5, logger.Nop())

	if got := a.FailureMessage(errors.New("boom")); got != "Service unavailable: boom" {
		t.Errorf("FailureMessage = %q", got)
	}
}

func TestBuildPrompt_CustomTemplate(t *testing.T) {
	prompts := config.Prompts{System: "sys", UserTemplate: "{question}|{context}", NoResults: "none"}
	system, user := BuildPrompt(prompts, "q", start, end, nil)
	if system != "sys" || user != "q|none" {
		t.Errorf("got %q, %q", system, user)
	}
}
