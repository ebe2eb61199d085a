package binder

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/costnav/queryengine/internal/intent"
)

type stubResolver struct {
	code string
	err  error
}

func (s stubResolver) Resolve(ctx context.Context, phrase string, floor float64) (string, error) {
	return s.code, s.err
}

func TestBindCheapestByDRGAndState(t *testing.T) {
	sql := `SELECT p.provider_name, pp.average_covered_charges
FROM provider_procedures pp JOIN providers p ON p.provider_id = pp.provider_id
JOIN drg_procedures d ON d.drg_code = pp.drg_code
WHERE d.drg_code = $1 AND pp.provider_state = $2
ORDER BY pp.average_covered_charges ASC
LIMIT $3`

	in := intent.Intent{DRGCode: "470", State: "NY", Limit: 5}
	bindings, err := Bind(context.Background(), sql, in, stubResolver{}, 0.5)
	require.NoError(t, err)
	require.Len(t, bindings, 3)

	emitted := Emit(sql, bindings)
	assert.Contains(t, emitted, "d.drg_code = '470'")
	assert.Contains(t, emitted, "pp.provider_state = 'NY'")
	assert.Contains(t, emitted, "LIMIT 5")
	assert.False(t, strings.Contains(emitted, "$"))
}

func TestBindResolvesDRGFromProcedureText(t *testing.T) {
	sql := `SELECT * FROM drg_procedures d WHERE d.drg_code = $1 LIMIT $2`
	in := intent.Intent{ProcedureText: "hip replacement", Limit: 10}
	bindings, err := Bind(context.Background(), sql, in, stubResolver{code: "470"}, 0.5)
	require.NoError(t, err)
	emitted := Emit(sql, bindings)
	assert.Contains(t, emitted, "d.drg_code = '470'")
}

func TestBindILIKEWrapsValue(t *testing.T) {
	sql := `SELECT * FROM providers WHERE provider_city ilike $1 LIMIT $2`
	in := intent.Intent{City: "Miami", Limit: 10}
	bindings, err := Bind(context.Background(), sql, in, stubResolver{}, 0.5)
	require.NoError(t, err)
	emitted := Emit(sql, bindings)
	assert.Contains(t, emitted, "ilike '%Miami%'")
}

func TestBindFailsWhenRequiredFieldMissing(t *testing.T) {
	sql := `SELECT * FROM providers WHERE provider_state = $1 LIMIT $2`
	in := intent.Intent{Limit: 10}
	_, err := Bind(context.Background(), sql, in, stubResolver{}, 0.5)
	require.Error(t, err)
}

func TestBindTotalityMatchesPlaceholderCount(t *testing.T) {
	sql := `SELECT * FROM providers WHERE provider_state = $1 AND provider_city ilike $2 LIMIT $3`
	in := intent.Intent{State: "NY", City: "Buffalo", Limit: 20}
	bindings, err := Bind(context.Background(), sql, in, stubResolver{}, 0.5)
	require.NoError(t, err)
	assert.Len(t, bindings, 3)
}
