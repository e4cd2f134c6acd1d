package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Prompts holds the answering prompt templates.
//
// UserTemplate may reference {question}, {context}, {start_date} and
// {end_date}.
type Prompts struct {
	System       string `yaml:"system"`
	UserTemplate string `yaml:"user_template"`
	NoResults    string `yaml:"no_results"`
	ErrorMessage string `yaml:"error_message"`
}

// DefaultPrompts is used when no prompts file is configured
var DefaultPrompts = Prompts{
	System: `You are an analyst of Telegram news about micromobility and e-scooter sharing.
Answer strictly on the basis of the news excerpts provided in the context.
Do not invent facts, figures, dates or sources that are not present in the context.
If the context does not contain the answer, say so explicitly.
Answer in the language of the question.`,
	UserTemplate: `Period: {start_date} to {end_date}

Context:
{context}

Question: {question}`,
	NoResults:    "No relevant news found for the specified period.",
	ErrorMessage: "Sorry, the answer could not be produced: %v",
}

// LoadPrompts loads prompt templates from a YAML file. An empty path
// returns the defaults; fields missing in the file keep their defaults.
func LoadPrompts(path string) (*Prompts, error) {
	p := DefaultPrompts
	if path == "" {
		return &p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompts file: %w", err)
	}
	var fromFile Prompts
	if err := yaml.Unmarshal(data, &fromFile); err != nil {
		return nil, fmt.Errorf("parse prompts file: %w", err)
	}
	if strings.TrimSpace(fromFile.System) != "" {
		p.System = fromFile.System
	}
	if strings.TrimSpace(fromFile.UserTemplate) != "" {
		if !strings.Contains(fromFile.UserTemplate, "{context}") {
			return nil, fmt.Errorf("user_template: %w", errMissingContext)
		}
		p.UserTemplate = fromFile.UserTemplate
	}
	if strings.TrimSpace(fromFile.NoResults) != "" {
		p.NoResults = fromFile.NoResults
	}
	if strings.TrimSpace(fromFile.ErrorMessage) != "" {
		p.ErrorMessage = fromFile.ErrorMessage
	}
	return &p, nil
}
