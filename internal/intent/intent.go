// Package intent extracts a typed Intent from a natural-language question
// using a function-calling LLM.
package intent

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/costnav/queryengine/internal/llm"
)

// QueryKind enumerates the shapes of question the engine answers.
type QueryKind string

const (
	Cheapest            QueryKind = "cheapest"
	MostExpensive       QueryKind = "most_expensive"
	HighestRated        QueryKind = "highest_rated"
	CostComparison      QueryKind = "cost_comparison"
	VolumeLeaders       QueryKind = "volume_leaders"
	MultiProcedureStats QueryKind = "multi_procedure_stats"
)

// Intent is the structured record the rest of the pipeline binds against.
type Intent struct {
	QueryKind     QueryKind
	ProcedureText string
	DRGCode       string
	State         string
	City          string
	ZipCode       string
	MinRating     float64
	MaxCost       float64
	Limit         int

	// Degraded is true when extraction fell back to a default Intent because
	// the upstream LLM call failed or returned invalid JSON.
	Degraded bool
}

// Extractor turns a question into an Intent.
type Extractor interface {
	Extract(ctx context.Context, question string) (Intent, error)
}

// BindableFieldCount returns how many of in's fields carry a value a
// template placeholder could bind to. Used to break retrieval ties between
// equally-confident templates: the one whose placeholder count matches this
// number is the better structural fit.
func (in Intent) BindableFieldCount() int {
	n := 0
	if in.ProcedureText != "" {
		n++
	}
	if in.DRGCode != "" {
		n++
	}
	if in.State != "" {
		n++
	}
	if in.City != "" {
		n++
	}
	if in.ZipCode != "" {
		n++
	}
	if in.MinRating != 0 {
		n++
	}
	if in.MaxCost != 0 {
		n++
	}
	if in.Limit != 0 {
		n++
	}
	return n
}

// LLMExtractor is the default Extractor, backed by a tool-calling chat model.
type LLMExtractor struct {
	Chat  llm.ChatClient
	Model string
}

func NewLLMExtractor(chat llm.ChatClient, model string) *LLMExtractor {
	return &LLMExtractor{Chat: chat, Model: model}
}

var extractSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "query_kind": {"type": "string", "enum": ["cheapest","most_expensive","highest_rated","cost_comparison","volume_leaders","multi_procedure_stats"]},
    "procedure_text": {"type": "string"},
    "drg_code": {"type": "string"},
    "state": {"type": "string"},
    "city": {"type": "string"},
    "zip_code": {"type": "string"},
    "min_rating": {"type": "number"},
    "max_cost": {"type": "number"},
    "limit": {"type": "integer"}
  },
  "required": ["query_kind"]
}`)

type wireIntent struct {
	QueryKind     string  `json:"query_kind"`
	ProcedureText string  `json:"procedure_text"`
	DRGCode       string  `json:"drg_code"`
	State         string  `json:"state"`
	City          string  `json:"city"`
	ZipCode       string  `json:"zip_code"`
	MinRating     float64 `json:"min_rating"`
	MaxCost       float64 `json:"max_cost"`
	Limit         int     `json:"limit"`
}

// Extract calls the chat model with a forced function call and decodes the
// result. Any failure — transport, JSON, or an unrecognized query_kind —
// yields a default Intent marked Degraded rather than an error, since a
// degraded Intent can still be attempted against the template catalog.
func (e *LLMExtractor) Extract(ctx context.Context, question string) (Intent, error) {
	resp, err := e.Chat.Complete(ctx, llm.ChatRequest{
		Model:       e.Model,
		Temperature: 0.1,
		Messages: []llm.Message{
			{Role: "system", Content: "Extract structured healthcare cost query parameters from the user's question."},
			{Role: "user", Content: question},
		},
		Tool: &llm.ToolSchema{
			Name:        "extract_healthcare_query_parameters",
			Description: "Extract query parameters for a healthcare cost lookup",
			Parameters:  extractSchema,
		},
	})
	if err != nil || resp.ToolCallJSON == nil {
		return defaultIntent(), nil
	}

	var wire wireIntent
	if err := json.Unmarshal(resp.ToolCallJSON, &wire); err != nil {
		return defaultIntent(), nil
	}

	kind := QueryKind(wire.QueryKind)
	switch kind {
	case Cheapest, MostExpensive, HighestRated, CostComparison, VolumeLeaders, MultiProcedureStats:
	default:
		return defaultIntent(), nil
	}

	in := Intent{
		QueryKind:     kind,
		ProcedureText: strings.TrimSpace(wire.ProcedureText),
		DRGCode:       strings.TrimSpace(wire.DRGCode),
		State:         NormalizeState(wire.State),
		City:          strings.TrimSpace(wire.City),
		ZipCode:       strings.TrimSpace(wire.ZipCode),
		MinRating:     wire.MinRating,
		MaxCost:       wire.MaxCost,
		Limit:         wire.Limit,
	}
	if in.Limit <= 0 {
		in.Limit = 10
	}
	return in, nil
}

func defaultIntent() Intent {
	return Intent{QueryKind: Cheapest, Limit: 10, Degraded: true}
}

var stateNames = map[string]string{
	"new york":    "NY",
	"california":  "CA",
	"florida":     "FL",
	"texas":       "TX",
	"illinois":    "IL",
	"pennsylvania": "PA",
	"ohio":        "OH",
	"georgia":     "GA",
	"michigan":    "MI",
	"north carolina": "NC",
}

// NormalizeState maps a full state name to its two-letter code, uppercases an
// existing two-letter code, and otherwise returns the input unchanged so
// downstream binding simply fails to match rather than fabricating a code.
func NormalizeState(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if code, ok := stateNames[strings.ToLower(s)]; ok {
		return code
	}
	if len(s) == 2 {
		return strings.ToUpper(s)
	}
	return s
}
