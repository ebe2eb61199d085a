// Package drg maps free-text procedure phrases to DRG codes, preferring
// vector similarity over the stored descriptions and falling back to
// trigram similarity when embedding is unavailable.
package drg

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/costnav/queryengine/internal/embedding"
	"github.com/costnav/queryengine/internal/engineerr"
)

// Candidate is a scored DRG match.
type Candidate struct {
	Code        string
	Description string
	Score       float64
}

// Resolver looks up DRG codes by procedure phrase.
type Resolver struct {
	pool     *pgxpool.Pool
	embedder embedding.Embedder
}

func NewResolver(pool *pgxpool.Pool, embedder embedding.Embedder) *Resolver {
	return &Resolver{pool: pool, embedder: embedder}
}

// Resolve returns the best DRG code for phrase, accepting only matches at or
// above similarityFloor (default 0.5). On embedding failure it falls back to
// a trigram ILIKE search with a looser floor (0.3).
func (r *Resolver) Resolve(ctx context.Context, phrase string, similarityFloor float64) (string, error) {
	if vec, err := r.embedder.Embed(ctx, phrase); err == nil {
		row := r.pool.QueryRow(ctx, `
			SELECT drg_code, drg_description, 1 - (embedding <=> $1) AS sim
			FROM drg_procedures
			ORDER BY embedding <=> $1
			LIMIT 1`, pgvector.NewVector(vec))
		var code, desc string
		var sim float64
		if err := row.Scan(&code, &desc, &sim); err == nil && sim >= similarityFloor {
			return code, nil
		}
	}

	row := r.pool.QueryRow(ctx, `
		SELECT drg_code, similarity(drg_description, $1) AS sim
		FROM drg_procedures
		WHERE drg_description ILIKE '%' || $1 || '%' OR similarity(drg_description, $1) > 0.3
		ORDER BY sim DESC
		LIMIT 1`, phrase)
	var code string
	var sim float64
	if err := row.Scan(&code, &sim); err != nil {
		return "", engineerr.New(engineerr.RetrievalMiss, "drg.Resolve", err)
	}
	if sim < 0.3 {
		return "", engineerr.New(engineerr.RetrievalMiss, "drg.Resolve", nil)
	}
	return code, nil
}

// Similar returns up to k DRG candidates for a debug/UX listing, using a
// looser floor (0.4) than Resolve's accept threshold. When embedding fails
// it lists ILIKE matches ordered by trigram similarity, with no floor.
func (r *Resolver) Similar(ctx context.Context, phrase string, k int) ([]Candidate, error) {
	vec, err := r.embedder.Embed(ctx, phrase)
	if err != nil {
		return r.similarTrigram(ctx, phrase, k)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT drg_code, drg_description, 1 - (embedding <=> $1) AS sim
		FROM drg_procedures
		ORDER BY embedding <=> $1
		LIMIT $2`, pgvector.NewVector(vec), k)
	if err != nil {
		return nil, engineerr.New(engineerr.Internal, "drg.Similar", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.Code, &c.Description, &c.Score); err != nil {
			return nil, engineerr.New(engineerr.Internal, "drg.Similar", err)
		}
		if c.Score >= 0.4 {
			out = append(out, c)
		}
	}
	return out, rows.Err()
}

func (r *Resolver) similarTrigram(ctx context.Context, phrase string, k int) ([]Candidate, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT drg_code, drg_description, similarity(drg_description, $1) AS sim
		FROM drg_procedures
		WHERE drg_description ILIKE '%' || $1 || '%'
		ORDER BY sim DESC
		LIMIT $2`, phrase, k)
	if err != nil {
		return nil, engineerr.New(engineerr.Internal, "drg.similarTrigram", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.Code, &c.Description, &c.Score); err != nil {
			return nil, engineerr.New(engineerr.Internal, "drg.similarTrigram", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LooksLikeDRGCode reports whether s is a bare numeric DRG code (<=4 digits)
// rather than a free-text procedure description.
func LooksLikeDRGCode(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > 4 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
