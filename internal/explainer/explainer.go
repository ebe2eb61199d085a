// Package explainer summarizes an executed query's results in plain English.
package explainer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/costnav/queryengine/internal/executor"
	"github.com/costnav/queryengine/internal/llm"
)

const fallbackMessage = "Query executed successfully."

// Generator is the subset of *Explainer the pipeline orchestrator depends
// on, satisfied by *Explainer and by fakes in its tests.
type Generator interface {
	Explain(ctx context.Context, question, sql string, rows []executor.Row) string
}

// Explainer turns (question, sql, rows) into a short natural-language answer.
type Explainer struct {
	Chat  llm.ChatClient
	Model string
}

func New(chat llm.ChatClient, model string) *Explainer {
	return &Explainer{Chat: chat, Model: model}
}

// Explain calls the configured model with the question, executed SQL, and a
// sample of up to 3 rows. Any upstream failure yields fallbackMessage rather
// than propagating an error, since a missing explanation must never fail an
// otherwise-successful request.
func (e *Explainer) Explain(ctx context.Context, question, sql string, rows []executor.Row) string {
	sample := rows
	if len(sample) > 3 {
		sample = sample[:3]
	}
	sampleJSON, err := json.Marshal(sample)
	if err != nil {
		return fallbackMessage
	}

	prompt := fmt.Sprintf(
		"Question: %s\nSQL executed: %s\nRow count: %d\nSample rows: %s\n\nWrite a short, plain-English answer to the question using these results.",
		question, sql, len(rows), sampleJSON,
	)

	resp, err := e.Chat.Complete(ctx, llm.ChatRequest{
		Model:       e.Model,
		Temperature: 0.3,
		MaxTokens:   300,
		Messages: []llm.Message{
			{Role: "system", Content: "You explain healthcare cost query results concisely and factually."},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return fallbackMessage
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return fallbackMessage
	}
	return text
}
