// Package binder maps an extracted Intent to the exact ordered constants a
// matched template's "$n" placeholders require, by inspecting each
// placeholder's syntactic context rather than assuming a fixed position.
package binder

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/costnav/queryengine/internal/drg"
	"github.com/costnav/queryengine/internal/engineerr"
	"github.com/costnav/queryengine/internal/intent"
)

// DRGResolver is the subset of drg.Resolver the Binder needs, so it can be
// mocked in tests without a live database.
type DRGResolver interface {
	Resolve(ctx context.Context, phrase string, similarityFloor float64) (string, error)
}

// Binding is one resolved placeholder: its position, the value to emit, and
// whether it should be ILIKE/LIKE-wrapped at emission time.
type Binding struct {
	Position int
	Value    string
	Wrap     bool // wrap as '%value%' when emitting
	Numeric  bool // emit unquoted
}

var placeholderRe = regexp.MustCompile(`\$(\d+)`)

// contextRule matches a short window of source text immediately preceding a
// placeholder to decide which Intent field supplies its value.
type contextRule struct {
	pattern *regexp.Regexp
	wrap    bool
	numeric bool
}

var rules = []struct {
	name string
	rule contextRule
}{
	{"drg_code_eq", contextRule{regexp.MustCompile(`(?i)drg_code\s*=\s*$`), false, false}},
	{"drg_description_ilike", contextRule{regexp.MustCompile(`(?i)drg_description\s+ilike\s*$`), true, false}},
	{"provider_state_eq", contextRule{regexp.MustCompile(`(?i)provider_state\s*=\s*$`), false, false}},
	{"provider_city_ilike", contextRule{regexp.MustCompile(`(?i)provider_city\s+ilike\s*$`), true, false}},
	{"provider_zip_like", contextRule{regexp.MustCompile(`(?i)provider_zip_code\s+like\s*$`), true, false}},
	{"min_rating_ge", contextRule{regexp.MustCompile(`(?i)overall_rating\s*>=\s*$`), false, true}},
	{"max_cost_le", contextRule{regexp.MustCompile(`(?i)average_covered_charges\s*<=\s*$`), false, true}},
	{"limit", contextRule{regexp.MustCompile(`(?i)limit\s*$`), false, true}},
}

// Bind scans rawSQL's "$n" placeholders in order, classifies each by the
// token context preceding it, and resolves a value from in. It returns
// TemplateNotApplicable if any placeholder cannot be resolved, or if the
// number of resolved bindings does not equal the placeholder count.
func Bind(ctx context.Context, rawSQL string, in intent.Intent, resolver DRGResolver, drgFloor float64) ([]Binding, error) {
	positions := placeholderRe.FindAllStringSubmatchIndex(rawSQL, -1)
	if len(positions) == 0 {
		return nil, nil
	}

	seen := map[int]bool{}
	bindings := make([]Binding, 0, len(positions))

	for _, loc := range positions {
		numStr := rawSQL[loc[2]:loc[3]]
		n, err := strconv.Atoi(numStr)
		if err != nil {
			return nil, engineerr.New(engineerr.TemplateNotApplicable, "binder.Bind", fmt.Errorf("malformed placeholder: %s", numStr))
		}
		if seen[n] {
			continue
		}
		seen[n] = true

		before := rawSQL[:loc[0]]
		b, err := resolveOne(ctx, before, in, resolver, drgFloor)
		if err != nil {
			return nil, err
		}
		b.Position = n
		bindings = append(bindings, b)
	}

	if len(bindings) != len(seen) {
		return nil, engineerr.New(engineerr.TemplateNotApplicable, "binder.Bind", fmt.Errorf("resolved %d bindings for %d placeholders", len(bindings), len(seen)))
	}

	sortByPosition(bindings)
	return bindings, nil
}

func resolveOne(ctx context.Context, contextBefore string, in intent.Intent, resolver DRGResolver, drgFloor float64) (Binding, error) {
	for _, r := range rules {
		if !r.rule.pattern.MatchString(contextBefore) {
			continue
		}
		switch r.name {
		case "drg_code_eq":
			code := in.DRGCode
			if code == "" && in.ProcedureText != "" && resolver != nil {
				resolved, err := resolver.Resolve(ctx, in.ProcedureText, drgFloor)
				if err != nil {
					return Binding{}, engineerr.New(engineerr.TemplateNotApplicable, "binder.resolveOne", err)
				}
				code = resolved
			}
			if code == "" {
				return Binding{}, engineerr.New(engineerr.TemplateNotApplicable, "binder.resolveOne", fmt.Errorf("no drg_code available"))
			}
			return Binding{Value: code}, nil
		case "drg_description_ilike":
			if in.ProcedureText == "" {
				return Binding{}, engineerr.New(engineerr.TemplateNotApplicable, "binder.resolveOne", fmt.Errorf("no procedure_text available"))
			}
			return Binding{Value: in.ProcedureText, Wrap: true}, nil
		case "provider_state_eq":
			if in.State == "" {
				return Binding{}, engineerr.New(engineerr.TemplateNotApplicable, "binder.resolveOne", fmt.Errorf("no state available"))
			}
			return Binding{Value: in.State}, nil
		case "provider_city_ilike":
			if in.City == "" {
				return Binding{}, engineerr.New(engineerr.TemplateNotApplicable, "binder.resolveOne", fmt.Errorf("no city available"))
			}
			return Binding{Value: in.City, Wrap: true}, nil
		case "provider_zip_like":
			if in.ZipCode == "" {
				return Binding{}, engineerr.New(engineerr.TemplateNotApplicable, "binder.resolveOne", fmt.Errorf("no zip_code available"))
			}
			return Binding{Value: in.ZipCode, Wrap: true}, nil
		case "min_rating_ge":
			if in.MinRating <= 0 {
				return Binding{}, engineerr.New(engineerr.TemplateNotApplicable, "binder.resolveOne", fmt.Errorf("no min_rating available"))
			}
			return Binding{Value: strconv.FormatFloat(in.MinRating, 'f', -1, 64), Numeric: true}, nil
		case "max_cost_le":
			if in.MaxCost <= 0 {
				return Binding{}, engineerr.New(engineerr.TemplateNotApplicable, "binder.resolveOne", fmt.Errorf("no max_cost available"))
			}
			return Binding{Value: strconv.FormatFloat(in.MaxCost, 'f', -1, 64), Numeric: true}, nil
		case "limit":
			limit := in.Limit
			if limit <= 0 {
				limit = 10
			}
			return Binding{Value: strconv.Itoa(limit), Numeric: true}, nil
		}
	}
	return Binding{}, engineerr.New(engineerr.TemplateNotApplicable, "binder.resolveOne", fmt.Errorf("unrecognized placeholder context: %q", lastTokens(contextBefore, 3)))
}

func lastTokens(s string, n int) string {
	fields := strings.Fields(s)
	if len(fields) <= n {
		return strings.Join(fields, " ")
	}
	return strings.Join(fields[len(fields)-n:], " ")
}

func sortByPosition(b []Binding) {
	for i := 1; i < len(b); i++ {
		for j := i; j > 0 && b[j].Position < b[j-1].Position; j-- {
			b[j], b[j-1] = b[j-1], b[j]
		}
	}
}

// Emit replaces each "$n" placeholder in rawSQL with its bound literal,
// quoting strings, wrapping ILIKE/LIKE arguments in '%...%', and leaving
// numeric values unquoted.
func Emit(rawSQL string, bindings []Binding) string {
	byPos := make(map[int]Binding, len(bindings))
	for _, b := range bindings {
		byPos[b.Position] = b
	}
	return placeholderRe.ReplaceAllStringFunc(rawSQL, func(m string) string {
		n, _ := strconv.Atoi(m[1:])
		b, ok := byPos[n]
		if !ok {
			return m
		}
		if b.Numeric {
			return b.Value
		}
		val := b.Value
		if b.Wrap {
			val = "%" + val + "%"
		}
		return "'" + strings.ReplaceAll(val, "'", "''") + "'"
	})
}
