// Package seed loads the bootstrap template catalog from a YAML fixture,
// the form the catalog ships in before any query has been answered and
// before the retrieval-learning loop has added anything of its own.
package seed

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/costnav/queryengine/internal/engineerr"
)

// TemplateSeed is one catalog row as it appears in the YAML fixture, before
// its embedding has been computed.
type TemplateSeed struct {
	CanonicalSQL string `yaml:"canonical_sql"`
	RawSQL       string `yaml:"raw_sql"`
	Comment      string `yaml:"comment"`
}

// Catalog is the top-level shape of a seed file: a named list of starter
// templates, one per supported query kind.
type Catalog struct {
	Templates []TemplateSeed `yaml:"templates"`
}

// Parse decodes a YAML seed document into a Catalog, rejecting any template
// missing the SQL it exists to provide.
func Parse(doc []byte) (Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(doc, &c); err != nil {
		return Catalog{}, engineerr.New(engineerr.InputInvalid, "seed.Parse", err)
	}
	for i, t := range c.Templates {
		if t.RawSQL == "" {
			return Catalog{}, engineerr.New(engineerr.InputInvalid, "seed.Parse",
				fmt.Errorf("template %d missing raw_sql", i))
		}
		if t.CanonicalSQL == "" {
			c.Templates[i].CanonicalSQL = t.RawSQL
		}
	}
	return c, nil
}
