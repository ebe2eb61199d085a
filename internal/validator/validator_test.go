package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func defaultLimits() Limits {
	return Limits{MaxJoins: 5, MaxSubqueries: 3, MaxWhereConds: 10, MaxRows: 1000}
}

func TestValidateAcceptsSimpleSelect(t *testing.T) {
	report := Validate(`SELECT provider_name FROM providers WHERE provider_state = 'NY' LIMIT 10`, defaultLimits())
	assert.True(t, report.IsSafe)
	assert.Contains(t, report.ReferencedTables, "providers")
}

func TestValidateRejectsNonSelect(t *testing.T) {
	report := Validate(`DROP TABLE providers`, defaultLimits())
	assert.False(t, report.IsSafe)
}

func TestValidateRejectsMultiStatement(t *testing.T) {
	report := Validate(`SELECT 1 FROM providers; DROP TABLE providers;`, defaultLimits())
	assert.False(t, report.IsSafe)
}

func TestValidateRejectsDisallowedTable(t *testing.T) {
	report := Validate(`SELECT * FROM pg_shadow LIMIT 10`, defaultLimits())
	assert.False(t, report.IsSafe)
}

func TestValidateWarnsOnMissingLimit(t *testing.T) {
	report := Validate(`SELECT provider_name FROM providers WHERE provider_state = 'NY'`, defaultLimits())
	found := false
	for _, i := range report.Issues {
		if i.Severity == Warning {
			found = true
		}
	}
	assert.True(t, found)
}

func TestValidateScoreDropsWithComplexity(t *testing.T) {
	sql := `SELECT p.provider_name, pp.average_covered_charges
FROM provider_procedures pp
JOIN providers p ON p.provider_id = pp.provider_id
JOIN drg_procedures d ON d.drg_code = pp.drg_code
JOIN provider_ratings r ON r.provider_id = p.provider_id
WHERE pp.drg_code = '470' AND p.provider_state = 'NY' AND r.overall_rating >= 4 LIMIT 10`
	report := Validate(sql, Limits{MaxJoins: 1, MaxSubqueries: 3, MaxWhereConds: 10, MaxRows: 1000})
	assert.Less(t, report.Score, 1.0)
}
