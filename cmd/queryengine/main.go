// Command queryengine is a thin driver that wires the natural-language query
// engine's pipeline against a real Postgres instance and LLM/embedding
// provider, and answers one question per invocation.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jessevdk/go-flags"

	"github.com/costnav/queryengine/internal/config"
	"github.com/costnav/queryengine/internal/drg"
	"github.com/costnav/queryengine/internal/embedding"
	"github.com/costnav/queryengine/internal/engine"
	"github.com/costnav/queryengine/internal/executor"
	"github.com/costnav/queryengine/internal/explainer"
	"github.com/costnav/queryengine/internal/intent"
	"github.com/costnav/queryengine/internal/llm"
	"github.com/costnav/queryengine/internal/seed"
	"github.com/costnav/queryengine/internal/template"
	"github.com/costnav/queryengine/internal/xutil"
)

var version string

type options struct {
	Question   string `short:"q" long:"question" description:"Natural-language question to answer" required:"true"`
	LLMBaseURL string `long:"llm-base-url" description:"Base URL of the OpenAI-compatible chat/embeddings API" default:"https://api.openai.com/v1"`
	SeedFile   string `long:"seed-file" description:"YAML file of starter templates to load into the catalog before answering"`
	Help       bool   `long:"help" description:"Show this help"`
	Version    bool   `long:"version" description:"Show this version"`
}

func parseOptions(args []string) *options {
	var opts options
	parser := flags.NewParser(&opts, flags.None)
	parser.Usage = "[option...]"
	_, err := parser.ParseArgs(args)
	if err != nil {
		log.Fatal(err)
	}

	if opts.Help {
		parser.WriteHelp(os.Stdout)
		os.Exit(0)
	}
	if opts.Version {
		fmt.Println(version)
		os.Exit(0)
	}
	return &opts
}

func main() {
	opts := parseOptions(os.Args[1:])
	xutil.InitSlog()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	embedder, err := embedding.NewClient(opts.LLMBaseURL, cfg.LLMAPIKey, cfg.EmbedModel, 1536, 4096)
	if err != nil {
		log.Fatalf("embedder: %v", err)
	}
	chat := llm.NewClient(opts.LLMBaseURL, cfg.LLMAPIKey)

	templates, err := template.NewStore(ctx, pool)
	if err != nil {
		log.Fatalf("template store: %v", err)
	}

	if opts.SeedFile != "" {
		if err := loadSeedFile(ctx, opts.SeedFile, templates, embedder); err != nil {
			log.Fatalf("seed: %v", err)
		}
	}

	exec, err := executor.Open(cfg.DatabaseURL, 5*time.Second)
	if err != nil {
		log.Fatalf("executor: %v", err)
	}
	defer exec.Close()

	e := &engine.Engine{
		Config:    cfg,
		Extractor: intent.NewLLMExtractor(chat, cfg.ChatModel),
		Embedder:  embedder,
		Templates: templates,
		DRG:       drg.NewResolver(pool, embedder),
		Chat:      chat,
		Executor:  exec,
		Explainer: explainer.New(chat, cfg.ChatModel),
	}
	result := e.Ask(ctx, strings.TrimSpace(opts.Question))

	out := map[string]any{
		"success":    result.Success,
		"answer":     result.Answer,
		"elapsed_ms": result.ElapsedMs,
	}
	if result.Success {
		out["sql"] = result.SQL
		out["rows"] = result.Rows
		out["template_id"] = result.TemplateID
		out["confidence"] = result.Confidence
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		slog.Error("failed to encode result", "err", err)
		os.Exit(1)
	}
	if !result.Success {
		os.Exit(1)
	}
}

// loadSeedFile populates the template catalog with the starter set a fresh
// deployment ships with, embedding each one before insertion.
func loadSeedFile(ctx context.Context, path string, store *template.Store, embedder embedding.Embedder) error {
	doc, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	catalog, err := seed.Parse(doc)
	if err != nil {
		return fmt.Errorf("parse seed file: %w", err)
	}
	for _, t := range catalog.Templates {
		vec, err := embedder.Embed(ctx, t.CanonicalSQL)
		if err != nil {
			return fmt.Errorf("embed seed template: %w", err)
		}
		if _, err := store.Insert(ctx, template.Template{
			CanonicalSQL: t.CanonicalSQL,
			RawSQL:       t.RawSQL,
			Embedding:    vec,
			Comment:      t.Comment,
		}); err != nil {
			return fmt.Errorf("insert seed template: %w", err)
		}
	}
	slog.Info("loaded seed templates", "count", len(catalog.Templates), "file", path)
	return nil
}
