package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/costnav/queryengine/internal/config"
	"github.com/costnav/queryengine/internal/embedding"
	"github.com/costnav/queryengine/internal/engineerr"
	"github.com/costnav/queryengine/internal/executor"
	"github.com/costnav/queryengine/internal/intent"
	"github.com/costnav/queryengine/internal/llm"
	"github.com/costnav/queryengine/internal/template"
)

func testConfig() *config.Config {
	return &config.Config{
		ChatModel:              "gpt-4o-mini",
		EmbedModel:             "text-embedding-3-small",
		ConfidenceThreshold:    0.7,
		SimilarityFloor:        0.5,
		DRGSimilarityFloor:     0.5,
		MaxRows:                100,
		DefaultLimit:           20,
		RequestTimeout:         time.Second,
		MaxJoins:               4,
		MaxSubqueries:          2,
		MaxWhereConds:          6,
		EnableTemplateLearning: true,
	}
}

// fakeExtractor returns a fixed Intent, or an error when err is set.
type fakeExtractor struct {
	in  intent.Intent
	err error
}

func (f fakeExtractor) Extract(ctx context.Context, question string) (intent.Intent, error) {
	return f.in, f.err
}

// fakeEmbedder hands back a fixed unit vector regardless of input text, so
// every Embed call in a test lands on the same point in similarity space.
type fakeEmbedder struct {
	vec embedding.Vector
	err error
}

func (f fakeEmbedder) Embed(ctx context.Context, text string) (embedding.Vector, error) {
	return f.vec, f.err
}

func (f fakeEmbedder) Dimension() int { return len(f.vec) }

// fakeChat scripts one response per call, keyed by how many times it has
// been called; parse() calls it once (hint draft) and fallbackRAG calls it
// up to maxRAGAttempts times (generation).
type fakeChat struct {
	responses []llm.ChatResponse
	errs      []error
	calls     int
}

func (f *fakeChat) Complete(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	i := f.calls
	f.calls++
	var resp llm.ChatResponse
	var err error
	if i < len(f.responses) {
		resp = f.responses[i]
	}
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return resp, err
}

// fakeDRG satisfies binder.DRGResolver without a live database.
type fakeDRG struct {
	code string
	err  error
}

func (f fakeDRG) Resolve(ctx context.Context, phrase string, floor float64) (string, error) {
	return f.code, f.err
}

// fakeExecutor satisfies executor.Runner with canned rows.
type fakeExecutor struct {
	rows []executor.Row
	err  error
}

func (f fakeExecutor) Execute(ctx context.Context, query string, maxRows int) ([]executor.Row, error) {
	return f.rows, f.err
}

// fakeExplainer satisfies explainer.Generator with a fixed answer.
type fakeExplainer struct {
	answer string
}

func (f fakeExplainer) Explain(ctx context.Context, question, sql string, rows []executor.Row) string {
	return f.answer
}

func unitVec(i, dim int) embedding.Vector {
	v := make(embedding.Vector, dim)
	v[i%dim] = 1
	return v
}

func TestAskHitsTemplateWhenMatchClearsConfidence(t *testing.T) {
	store := template.NewInMemoryStore()
	vec := unitVec(0, 4)
	templateID, err := store.Insert(context.Background(), template.Template{
		CanonicalSQL: "select * from providers where provider_state = $1 limit $2",
		RawSQL:       "select * from providers where provider_state = $1 limit $2",
		Embedding:    vec,
		Comment:      "state lookup",
	})
	if err != nil {
		t.Fatalf("seeding template store: %v", err)
	}

	e := &Engine{
		Config:    testConfig(),
		Extractor: fakeExtractor{in: intent.Intent{State: "NY", Limit: 10}},
		Embedder:  fakeEmbedder{vec: vec},
		Templates: store,
		DRG:       fakeDRG{},
		Chat:      &fakeChat{responses: []llm.ChatResponse{{Content: "select * from providers where provider_state = $1 limit $2"}}},
		Executor:  fakeExecutor{rows: []executor.Row{{"provider_name": "Acme Hospital"}}},
		Explainer: fakeExplainer{answer: "Acme Hospital is in NY."},
	}

	res := e.Ask(context.Background(), "providers in NY")

	if !res.Success {
		t.Fatalf("expected success, got failure answer %q", res.Answer)
	}
	if res.TemplateID != templateID {
		t.Errorf("TemplateID = %d, want %d", res.TemplateID, templateID)
	}
	if res.Confidence <= 0 {
		t.Errorf("expected positive Confidence, got %v", res.Confidence)
	}
	if res.Answer != "Acme Hospital is in NY." {
		t.Errorf("Answer = %q, want explainer output", res.Answer)
	}
}

func TestAskFallsBackToRAGWhenNoTemplateMatches(t *testing.T) {
	store := template.NewInMemoryStore() // empty: nothing can match

	e := &Engine{
		Config:    testConfig(),
		Extractor: fakeExtractor{in: intent.Intent{State: "NY", Limit: 10}},
		Embedder:  fakeEmbedder{vec: unitVec(0, 4)},
		Templates: store,
		DRG:       fakeDRG{},
		Chat: &fakeChat{responses: []llm.ChatResponse{
			{Content: "draft sql ignored by validator"},                                    // hint draft, in parse()
			{Content: "select provider_name from providers where provider_state = 'NY' limit 10"}, // RAG attempt 1
		}},
		Executor:  fakeExecutor{rows: []executor.Row{{"provider_name": "Acme Hospital"}}},
		Explainer: fakeExplainer{answer: "Found Acme Hospital."},
	}

	res := e.Ask(context.Background(), "providers in NY")

	if !res.Success {
		t.Fatalf("expected success via RAG fallback, got failure answer %q", res.Answer)
	}
	if res.TemplateID != 0 {
		t.Errorf("TemplateID = %d, want 0 for a RAG-generated answer", res.TemplateID)
	}
	if !strings.Contains(res.SQL, "provider_state = 'NY'") {
		t.Errorf("SQL = %q, want the RAG-generated query", res.SQL)
	}
}

func TestAskLearnsFromSuccessfulRAGQuery(t *testing.T) {
	store := template.NewInMemoryStore()

	e := &Engine{
		Config:    testConfig(),
		Extractor: fakeExtractor{in: intent.Intent{State: "NY", Limit: 10}},
		Embedder:  fakeEmbedder{vec: unitVec(0, 4)},
		Templates: store,
		DRG:       fakeDRG{},
		Chat: &fakeChat{responses: []llm.ChatResponse{
			{Content: ""},
			{Content: "select provider_name from providers where provider_state = 'NY' limit 10"},
		}},
		Executor:  fakeExecutor{rows: nil},
		Explainer: fakeExplainer{answer: "No results."},
	}

	res := e.Ask(context.Background(), "providers in NY")
	if !res.Success {
		t.Fatalf("expected success, got failure answer %q", res.Answer)
	}
	if store.Len() != 1 {
		t.Errorf("expected the RAG-generated query to be learned as a template, store has %d entries", store.Len())
	}
}

func TestAskExhaustsRAGRetriesAndFails(t *testing.T) {
	store := template.NewInMemoryStore()

	unsafe := llm.ChatResponse{Content: "delete from providers"}
	e := &Engine{
		Config:    testConfig(),
		Extractor: fakeExtractor{in: intent.Intent{State: "NY", Limit: 10}},
		Embedder:  fakeEmbedder{vec: unitVec(0, 4)},
		Templates: store,
		DRG:       fakeDRG{},
		Chat: &fakeChat{responses: []llm.ChatResponse{
			{Content: ""},
			unsafe,
			unsafe,
			unsafe,
		}},
		Executor:  fakeExecutor{},
		Explainer: fakeExplainer{},
	}

	res := e.Ask(context.Background(), "delete all providers")

	if res.Success {
		t.Fatalf("expected failure after exhausting RAG retries, got success")
	}
	if res.SQL != "" {
		t.Errorf("SQL leaked into a failed AskResult: %q", res.SQL)
	}
	if strings.Contains(res.Answer, "delete") {
		t.Errorf("Answer leaked SQL: %q", res.Answer)
	}
	want := safeFailureMessages[engineerr.RetrievalMiss]
	if res.Answer != want {
		t.Errorf("Answer = %q, want safe message %q", res.Answer, want)
	}
}

func TestAskFailureNeverLeaksSQLOnExecutionError(t *testing.T) {
	store := template.NewInMemoryStore()
	vec := unitVec(0, 4)
	_, err := store.Insert(context.Background(), template.Template{
		CanonicalSQL: "select * from providers where provider_state = $1 limit $2",
		RawSQL:       "select * from providers where provider_state = $1 limit $2",
		Embedding:    vec,
	})
	if err != nil {
		t.Fatalf("seeding template store: %v", err)
	}

	e := &Engine{
		Config:    testConfig(),
		Extractor: fakeExtractor{in: intent.Intent{State: "NY", Limit: 10}},
		Embedder:  fakeEmbedder{vec: vec},
		Templates: store,
		DRG:       fakeDRG{},
		Chat:      &fakeChat{responses: []llm.ChatResponse{{Content: "select * from providers where provider_state = $1 limit $2"}}},
		Executor:  fakeExecutor{err: engineerr.New(engineerr.ExecutionError, "executor.Execute", context.DeadlineExceeded)},
		Explainer: fakeExplainer{answer: "unused"},
	}

	res := e.Ask(context.Background(), "providers in NY")

	if res.Success {
		t.Fatalf("expected failure when execution errors")
	}
	if strings.Contains(res.Answer, "select") || strings.Contains(res.Answer, "provider_state") {
		t.Errorf("Answer leaked SQL on execution failure: %q", res.Answer)
	}
	want := safeFailureMessages[engineerr.ExecutionError]
	if res.Answer != want {
		t.Errorf("Answer = %q, want safe message %q", res.Answer, want)
	}
}
