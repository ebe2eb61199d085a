package template

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/costnav/queryengine/internal/embedding"
	"github.com/costnav/queryengine/internal/intent"
)

func unit(i int, dim int) embedding.Vector {
	v := make(embedding.Vector, dim)
	v[i%dim] = 1
	return v
}

func TestInsertThenSearchRoundTrip(t *testing.T) {
	s := NewInMemoryStore()
	vec := unit(0, 4)
	id, err := s.Insert(context.Background(), Template{
		CanonicalSQL: "select * from providers where provider_state = $1 limit $2",
		RawSQL:       "select * from providers where provider_state = $1 limit $2",
		Embedding:    vec,
		Comment:      "state lookup",
	})
	require.NoError(t, err)

	matches := s.Search(vec, 5, 0.5)
	require.Len(t, matches, 1)
	assert.Equal(t, id, matches[0].Template.ID)
	assert.InDelta(t, 1.0, matches[0].Similarity, 1e-9)
}

func TestBestMatchGatesOnConfidence(t *testing.T) {
	s := NewInMemoryStore()
	vec := unit(0, 4)
	_, err := s.Insert(context.Background(), Template{
		CanonicalSQL: "select * from providers where provider_state = $1 limit $2",
		RawSQL:       "select * from providers where provider_state = $1 limit $2",
		Embedding:    vec,
	})
	require.NoError(t, err)

	_, ok := s.BestMatch(vec, "select * from providers where provider_state = $1 limit $2", intent.Intent{}, 0.5, 0.99)
	assert.True(t, ok)

	_, ok = s.BestMatch(unit(2, 4), "completely different text entirely", intent.Intent{}, 0.5, 0.99)
	assert.False(t, ok)
}

func TestBestMatchBreaksTiesByOlderIDWhenPlaceholderCountsMatch(t *testing.T) {
	s := NewInMemoryStore()
	vec := unit(0, 4)
	ctx := context.Background()

	// Two templates with identical embeddings and SQL text (so identical
	// cosine similarity and edit distance, hence identical confidence, and
	// the same placeholder count), differing only in insertion order.
	olderID, err := s.Insert(ctx, Template{
		CanonicalSQL: "select * from providers where provider_state = $1 and provider_city = $2 limit $3",
		RawSQL:       "select * from providers where provider_state = $1 and provider_city = $2 limit $3",
		Embedding:    vec,
	})
	require.NoError(t, err)

	newerID, err := s.Insert(ctx, Template{
		CanonicalSQL: "select * from providers where provider_state = $1 and provider_city = $2 limit $3",
		RawSQL:       "select * from providers where provider_state = $1 and provider_city = $2 limit $3",
		Embedding:    vec,
	})
	require.NoError(t, err)
	assert.Greater(t, newerID, olderID)

	in := intent.Intent{State: "NY", City: "Buffalo", Limit: 10}
	match, ok := s.BestMatch(vec, "select * from providers where provider_state = $1 and provider_city = $2 limit $3", in, 0.5, 0.5)
	require.True(t, ok)
	assert.Equal(t, olderID, match.Template.ID)
}

func TestPlaceholderCountCountsDistinctPositions(t *testing.T) {
	assert.Equal(t, 3, placeholderCount("select * from t where a = $1 and b = $2 limit $3"))
	assert.Equal(t, 1, placeholderCount("select * from t where a = $1 or a = $1"))
	assert.Equal(t, 0, placeholderCount("select * from t"))
}

func TestLearnFromQueryDedupesAtHighSimilarity(t *testing.T) {
	s := NewInMemoryStore()
	vec := unit(0, 4)
	ctx := context.Background()

	id1, inserted1, err := s.LearnFromQuery(ctx, "select 1", "select 1", "q1", vec)
	require.NoError(t, err)
	assert.True(t, inserted1)

	id2, inserted2, err := s.LearnFromQuery(ctx, "select 1", "select 1", "q1 again", vec)
	require.NoError(t, err)
	assert.False(t, inserted2)
	assert.Equal(t, id1, id2)
	assert.Equal(t, 1, s.Len())
}
