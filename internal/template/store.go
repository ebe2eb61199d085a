// Package template persists the SQL template catalog and serves nearest-
// neighbour retrieval over it, reranked by edit distance against the
// candidate query's own canonical form.
package template

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/costnav/queryengine/internal/embedding"
	"github.com/costnav/queryengine/internal/engineerr"
	"github.com/costnav/queryengine/internal/intent"
)

var placeholderRe = regexp.MustCompile(`\$\d+`)

// Template is one catalog row.
type Template struct {
	ID           int64
	CanonicalSQL string
	RawSQL       string
	Embedding    embedding.Vector
	Comment      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Match pairs a Template with its retrieval scores.
type Match struct {
	Template     Template
	Similarity   float64
	EditDistance int
	Confidence   float64
}

// Store is the catalog's read/write surface, safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
	mu   sync.RWMutex
	// cache mirrors the catalog in process memory for the in-memory ANN
	// fallback used by tests and by the pure-Go linear-scan search path.
	cache  []Template
	nextID int64
}

// NewStore connects to the catalog database and hydrates the in-process
// mirror used for retrieval.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// NewInMemoryStore builds a Store with no database backing, for tests.
func NewInMemoryStore() *Store {
	return &Store{nextID: 1}
}

func (s *Store) reload(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, `SELECT template_id, canonical_sql, raw_sql, embedding, comment, created_at, updated_at FROM template_catalog`)
	if err != nil {
		return engineerr.New(engineerr.Internal, "template.reload", err)
	}
	defer rows.Close()

	var loaded []Template
	var maxID int64
	for rows.Next() {
		var t Template
		var vec pgvector.Vector
		if err := rows.Scan(&t.ID, &t.CanonicalSQL, &t.RawSQL, &vec, &t.Comment, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return engineerr.New(engineerr.Internal, "template.reload", err)
		}
		t.Embedding = vec.Slice()
		loaded = append(loaded, t)
		if t.ID > maxID {
			maxID = t.ID
		}
	}
	if err := rows.Err(); err != nil {
		return engineerr.New(engineerr.Internal, "template.reload", err)
	}

	s.mu.Lock()
	s.cache = loaded
	s.nextID = maxID + 1
	s.mu.Unlock()
	return nil
}

// Search returns the k nearest templates to queryVec by cosine similarity,
// each at or above cosineFloor, sorted by descending similarity.
func (s *Store) Search(queryVec embedding.Vector, k int, cosineFloor float64) []Match {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]Match, 0, len(s.cache))
	for _, t := range s.cache {
		sim := embedding.CosineSimilarity(queryVec, t.Embedding)
		if sim < cosineFloor {
			continue
		}
		matches = append(matches, Match{Template: t, Similarity: sim})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

// BestMatch reranks Search's top candidates by blending cosine similarity
// (weight 0.7) with normalized edit distance against querySQL (weight 0.3),
// returning the top result only if its confidence clears confidenceFloor.
// Ties in confidence are broken first by which candidate's placeholder
// count matches the number of fields in's intent can actually bind, then by
// preferring the older (lower id) template.
func (s *Store) BestMatch(queryVec embedding.Vector, querySQL string, in intent.Intent, cosineFloor, confidenceFloor float64) (Match, bool) {
	candidates := s.Search(queryVec, 10, cosineFloor)
	if len(candidates) == 0 {
		return Match{}, false
	}

	bindable := in.BindableFieldCount()
	best := Match{}
	bestConfidence := -1.0
	bestDiff := -1
	for _, c := range candidates {
		dist := levenshtein.ComputeDistance(querySQL, c.Template.CanonicalSQL)
		maxLen := len(querySQL)
		if len(c.Template.CanonicalSQL) > maxLen {
			maxLen = len(c.Template.CanonicalSQL)
		}
		editSim := 1.0
		if maxLen > 0 {
			editSim = 1.0 - float64(dist)/float64(maxLen)
		}
		confidence := 0.7*c.Similarity + 0.3*editSim
		c.EditDistance = dist
		c.Confidence = confidence
		diff := abs(placeholderCount(c.Template.RawSQL) - bindable)

		switch {
		case confidence > bestConfidence:
			best, bestConfidence, bestDiff = c, confidence, diff
		case confidence == bestConfidence:
			if diff < bestDiff || (diff == bestDiff && c.Template.ID < best.Template.ID) {
				best, bestDiff = c, diff
			}
		}
	}
	if bestConfidence < confidenceFloor {
		return Match{}, false
	}
	return best, true
}

// placeholderCount returns the number of distinct "$n" placeholders in sql.
func placeholderCount(sql string) int {
	seen := map[string]bool{}
	for _, m := range placeholderRe.FindAllString(sql, -1) {
		seen[m] = true
	}
	return len(seen)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// Insert appends a new template to the catalog (database-backed stores only
// persist; in-memory stores just extend the mirror) and returns its ID.
func (s *Store) Insert(ctx context.Context, t Template) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	t.ID = id
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt

	if s.pool != nil {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO template_catalog (template_id, canonical_sql, raw_sql, embedding, comment, created_at, updated_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			t.ID, t.CanonicalSQL, t.RawSQL, pgvector.NewVector(t.Embedding), t.Comment, t.CreatedAt, t.UpdatedAt)
		if err != nil {
			s.nextID--
			return 0, engineerr.New(engineerr.Internal, "template.Insert", err)
		}
	}
	s.cache = append(s.cache, t)
	return id, nil
}

// LearnFromQuery inserts a novel normalized query as a template unless an
// existing entry already matches it at cosine similarity >= 0.95.
func (s *Store) LearnFromQuery(ctx context.Context, canonicalSQL, rawSQL, question string, vec embedding.Vector) (int64, bool, error) {
	s.mu.RLock()
	for _, t := range s.cache {
		if embedding.CosineSimilarity(vec, t.Embedding) >= 0.95 {
			s.mu.RUnlock()
			return t.ID, false, nil
		}
	}
	s.mu.RUnlock()

	comment := fmt.Sprintf("auto-generated from query: %s", truncate(question, 100))
	id, err := s.Insert(ctx, Template{
		CanonicalSQL: canonicalSQL,
		RawSQL:       rawSQL,
		Embedding:    vec,
		Comment:      comment,
	})
	return id, err == nil, err
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Len reports the number of templates currently mirrored in process memory.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}
