package seed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFillsCanonicalSQLFromRawWhenAbsent(t *testing.T) {
	doc := []byte(`
templates:
  - raw_sql: "SELECT * FROM providers WHERE provider_state = $1 LIMIT $2"
    comment: "state lookup"
`)
	c, err := Parse(doc)
	require.NoError(t, err)
	require.Len(t, c.Templates, 1)
	assert.Equal(t, c.Templates[0].RawSQL, c.Templates[0].CanonicalSQL)
}

func TestParseRejectsTemplateMissingRawSQL(t *testing.T) {
	doc := []byte(`
templates:
  - comment: "missing sql"
`)
	_, err := Parse(doc)
	require.Error(t, err)
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("not: [valid: yaml"))
	require.Error(t, err)
}
