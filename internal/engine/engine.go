// Package engine implements the pipeline orchestrator: the state machine
// that drives intent extraction, template retrieval, parameter binding,
// validation, execution, RAG fallback, and explanation for one question.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/costnav/queryengine/internal/binder"
	"github.com/costnav/queryengine/internal/config"
	"github.com/costnav/queryengine/internal/embedding"
	"github.com/costnav/queryengine/internal/engineerr"
	"github.com/costnav/queryengine/internal/executor"
	"github.com/costnav/queryengine/internal/explainer"
	"github.com/costnav/queryengine/internal/intent"
	"github.com/costnav/queryengine/internal/llm"
	"github.com/costnav/queryengine/internal/normalizer"
	"github.com/costnav/queryengine/internal/template"
	"github.com/costnav/queryengine/internal/validator"
	"github.com/costnav/queryengine/internal/xutil"
)

const maxRAGAttempts = 3

// safeFailureMessages are the only strings ever returned to a caller on
// failure; the SQL body is never included.
var safeFailureMessages = map[engineerr.Kind]string{
	engineerr.InputInvalid:          "I couldn't understand the question.",
	engineerr.RetrievalMiss:         "No matching data found for that question.",
	engineerr.TemplateNotApplicable: "No matching data found for that question.",
	engineerr.UnsafeSQL:             "That question couldn't be answered safely.",
	engineerr.ExecutionError:        "The service hit an error answering that question.",
	engineerr.Busy:                  "The service is busy, please retry.",
	engineerr.UpstreamUnavailable:   "The service is temporarily unavailable, please retry.",
	engineerr.Internal:              "Something went wrong answering that question.",
}

// AskResult is the public response of a single Ask call.
type AskResult struct {
	Success    bool
	Answer     string
	SQL        string
	Rows       []executor.Row
	TemplateID int64
	Confidence float64
	ElapsedMs  int64
}

// Engine wires every pipeline stage together.
type Engine struct {
	Config    *config.Config
	Extractor intent.Extractor
	Embedder  embedding.Embedder
	Templates *template.Store
	DRG       binder.DRGResolver
	Chat      llm.ChatClient
	Executor  executor.Runner
	Explainer explainer.Generator
}

// Ask runs the full pipeline for question.
func (e *Engine) Ask(ctx context.Context, question string) AskResult {
	start := time.Now()
	requestID := uuid.NewString()
	log := slog.With("request_id", requestID)

	ctx, cancel := context.WithTimeout(ctx, e.Config.RequestTimeout)
	defer cancel()

	log.Debug("pipeline start", "question", question)

	in, hintSQL := e.parse(ctx, question, log)

	limits := validator.Limits{
		MaxJoins:      e.Config.MaxJoins,
		MaxSubqueries: e.Config.MaxSubqueries,
		MaxWhereConds: e.Config.MaxWhereConds,
		MaxRows:       e.Config.MaxRows,
	}

	if sql, templateID, confidence, ok := e.tryTemplate(ctx, question, hintSQL, in, limits, log); ok {
		return e.finish(ctx, start, question, sql, templateID, confidence, limits, log)
	}

	sql, ok := e.fallbackRAG(ctx, question, in, limits, log)
	if !ok {
		return e.fail(engineerr.RetrievalMiss, start)
	}
	return e.finish(ctx, start, question, sql, 0, 0, limits, log)
}

// parse runs the Intent Extractor and a hint-SQL draft concurrently and
// returns whatever completed; a failure in either leg degrades rather than
// aborting the request.
func (e *Engine) parse(ctx context.Context, question string, log *slog.Logger) (intent.Intent, string) {
	var in intent.Intent
	var hintSQL string

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		extracted, err := e.Extractor.Extract(gctx, question)
		if err != nil {
			log.Warn("intent extraction failed", "err", err)
			return nil
		}
		in = extracted
		return nil
	})
	g.Go(func() error {
		resp, err := e.Chat.Complete(gctx, llm.ChatRequest{
			Model:       e.Config.ChatModel,
			Temperature: 0.1,
			MaxTokens:   200,
			Messages: []llm.Message{
				{Role: "system", Content: "Draft a single read-only PostgreSQL SELECT statement for the user's question. Respond with SQL only."},
				{Role: "user", Content: question},
			},
		})
		if err != nil {
			log.Warn("hint SQL draft failed", "err", err)
			return nil
		}
		hintSQL = resp.Content
		return nil
	})
	_ = g.Wait() // both goroutines recover their own errors; never propagate

	log.Debug("parsing complete", "query_kind", in.QueryKind, "degraded", in.Degraded)
	return in, hintSQL
}

// tryTemplate drives Templating -> Binding -> Executing. It returns ok=false
// whenever the orchestrator should move to Fallback.
func (e *Engine) tryTemplate(ctx context.Context, question, hintSQL string, in intent.Intent, limits validator.Limits, log *slog.Logger) (string, int64, float64, bool) {
	retrievalText := question
	if hintSQL != "" {
		retrievalText = hintSQL
	}
	vec, err := e.Embedder.Embed(ctx, retrievalText)
	if err != nil {
		log.Warn("embedding failed, skipping template retrieval", "err", err)
		return "", 0, 0, false
	}

	canonicalHint := retrievalText
	if norm, err := normalizer.Normalize(hintSQL); err == nil {
		canonicalHint = norm.CanonicalSQL
	}

	match, ok := e.Templates.BestMatch(vec, canonicalHint, in, e.Config.SimilarityFloor, e.Config.ConfidenceThreshold)
	if !ok {
		log.Debug("no template cleared confidence threshold")
		return "", 0, 0, false
	}

	bindings, err := binder.Bind(ctx, match.Template.RawSQL, in, e.DRG, e.Config.DRGSimilarityFloor)
	if err != nil {
		log.Debug("binding failed", "template_id", match.Template.ID, "err", err)
		return "", 0, 0, false
	}

	sql := binder.Emit(match.Template.RawSQL, bindings)
	report := validator.Validate(sql, limits)
	if !report.IsSafe {
		log.Warn("matched template produced unsafe SQL", "template_id", match.Template.ID, "issues", report.Issues)
		return "", 0, 0, false
	}

	return sql, match.Template.ID, match.Confidence, true
}

// fallbackRAG generates novel SQL using retrieved templates as exemplars,
// retrying up to maxRAGAttempts times.
func (e *Engine) fallbackRAG(ctx context.Context, question string, in intent.Intent, limits validator.Limits, log *slog.Logger) (string, bool) {
	exemplars := e.exemplars(ctx, question)

	for attempt := 1; attempt <= maxRAGAttempts; attempt++ {
		prompt := buildRAGPrompt(question, in, exemplars)
		resp, err := e.Chat.Complete(ctx, llm.ChatRequest{
			Model:       e.Config.ChatModel,
			Temperature: 0.1,
			MaxTokens:   400,
			Messages: []llm.Message{
				{Role: "system", Content: "Generate a single read-only PostgreSQL SELECT statement. Respond with SQL only, no commentary."},
				{Role: "user", Content: prompt},
			},
		})
		if err != nil {
			log.Warn("RAG generation failed", "attempt", attempt, "err", err)
			continue
		}

		report := validator.Validate(resp.Content, limits)
		if !report.IsSafe {
			log.Debug("RAG candidate rejected by validator", "attempt", attempt, "issues", report.Issues)
			continue
		}
		return resp.Content, true
	}
	return "", false
}

func (e *Engine) exemplars(ctx context.Context, question string) []template.Match {
	vec, err := e.Embedder.Embed(ctx, question)
	if err != nil {
		return nil
	}
	return e.Templates.Search(vec, 3, e.Config.SimilarityFloor)
}

func buildRAGPrompt(question string, in intent.Intent, exemplars []template.Match) string {
	prompt := fmt.Sprintf(
		"Schema: providers(provider_id, provider_name, provider_city, provider_state, provider_zip_code), "+
			"drg_procedures(drg_code, drg_description), "+
			"provider_procedures(provider_id, drg_code, total_discharges, average_covered_charges, average_total_payments, average_medicare_payments, provider_state), "+
			"provider_ratings(provider_id, overall_rating, quality_rating, safety_rating, patient_experience_rating).\n\n"+
			"Question: %s\nQuery kind: %s\n", question, in.QueryKind)
	if len(exemplars) > 0 {
		lines := xutil.TransformSlice(exemplars, func(ex template.Match) string {
			return fmt.Sprintf("-- %s\n%s", ex.Template.Comment, ex.Template.CanonicalSQL)
		})
		prompt += "\nSimilar past queries:\n" + strings.Join(lines, "\n") + "\n"
	}
	return prompt
}

// finish executes sql, explains it, learns it if eligible, and packages the
// AskResult.
func (e *Engine) finish(ctx context.Context, start time.Time, question, sql string, templateID int64, confidence float64, limits validator.Limits, log *slog.Logger) AskResult {
	rows, err := e.Executor.Execute(ctx, sql, e.Config.MaxRows)
	if err != nil {
		log.Warn("execution failed", "err", err)
		return e.fail(engineerr.ExecutionError, start)
	}

	answer := e.Explainer.Explain(ctx, question, sql, rows)

	if templateID == 0 && e.Config.EnableTemplateLearning {
		e.learn(ctx, question, sql, log)
	}

	return AskResult{
		Success:    true,
		Answer:     answer,
		SQL:        sql,
		Rows:       rows,
		TemplateID: templateID,
		Confidence: confidence,
		ElapsedMs:  time.Since(start).Milliseconds(),
	}
}

func (e *Engine) learn(ctx context.Context, question, sql string, log *slog.Logger) {
	norm, err := normalizer.Normalize(sql)
	if err != nil {
		return
	}
	vec, err := e.Embedder.Embed(ctx, question)
	if err != nil {
		return
	}
	if _, inserted, err := e.Templates.LearnFromQuery(ctx, norm.CanonicalSQL, sql, question, vec); err != nil {
		log.Warn("template learning failed", "err", err)
	} else if inserted {
		log.Info("learned new template")
	}
}

func (e *Engine) fail(kind engineerr.Kind, start time.Time) AskResult {
	msg, ok := safeFailureMessages[kind]
	if !ok {
		msg = safeFailureMessages[engineerr.Internal]
	}
	return AskResult{
		Success:   false,
		Answer:    msg,
		ElapsedMs: time.Since(start).Milliseconds(),
	}
}
