package sqlparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/impact-engine/pkg/models"
)

func TestParse_SimpleSelect(t *testing.T) {
	res := Parse("SELECT region, amount FROM orders WHERE status = 'paid'")

	assert.Equal(t, models.ParseStatusParsed, res.Status)
	require.Len(t, res.Tables, 1)
	assert.Equal(t, "orders", res.Tables[0].Table)

	require.Len(t, res.Select, 2)
	assert.Equal(t, "region", res.Select[0].Expr)
	require.Len(t, res.Select[0].Columns, 1)
	assert.Equal(t, "region", res.Select[0].Columns[0].Column)

	require.Len(t, res.Predicates, 1)
	assert.Equal(t, "status", res.Predicates[0].Column.Column)
	assert.Equal(t, "=", res.Predicates[0].Operator)
}

func TestParse_SchemaQualifiedTable(t *testing.T) {
	res := Parse("SELECT id FROM sales.orders")

	require.Len(t, res.Tables, 1)
	assert.Equal(t, "sales", res.Tables[0].Schema)
	assert.Equal(t, "orders", res.Tables[0].Table)
}

func TestParse_SelectAliases(t *testing.T) {
	res := Parse("SELECT sum(amount) AS revenue FROM orders")

	require.Len(t, res.Select, 1)
	assert.Equal(t, "sum(amount)", res.Select[0].Expr)
	assert.Equal(t, "revenue", res.Select[0].Alias)
}

func TestParse_FunctionArgsSplitCorrectly(t *testing.T) {
	// The comma inside round(...) must not split the select list.
	res := Parse("SELECT round(sum(amount), 2), region FROM orders")

	require.Len(t, res.Select, 2)
	assert.Equal(t, "round(sum(amount), 2)", res.Select[0].Expr)
	assert.Equal(t, "region", res.Select[1].Expr)
}

func TestParse_JoinWithAliases(t *testing.T) {
	res := Parse(`SELECT o.amount, u.plan
		FROM orders o
		JOIN users u ON o.user_id = u.id`)

	require.Len(t, res.Tables, 2)
	assert.Equal(t, "orders", res.Tables[0].Table)
	assert.Equal(t, "users", res.Tables[1].Table)

	require.Len(t, res.Joins, 1)
	j := res.Joins[0]
	assert.Equal(t, "orders", j.LeftColumn.Table, "alias o resolves to orders")
	assert.Equal(t, "user_id", j.LeftColumn.Column)
	assert.Equal(t, "users", j.RightColumn.Table, "alias u resolves to users")
	assert.Equal(t, "id", j.RightColumn.Column)

	// Qualified select columns resolve through the same aliases.
	require.Len(t, res.Select, 2)
	require.Len(t, res.Select[0].Columns, 1)
	assert.Equal(t, "orders", res.Select[0].Columns[0].Table)
	assert.Equal(t, "amount", res.Select[0].Columns[0].Column)
}

func TestParse_GroupBy(t *testing.T) {
	res := Parse("SELECT region, sum(amount) FROM orders GROUP BY region ORDER BY region")

	require.Len(t, res.GroupBy, 1)
	assert.Equal(t, "region", res.GroupBy[0].Column)
}

func TestParse_WhereStopsAtGroupBy(t *testing.T) {
	res := Parse("SELECT * FROM orders WHERE status = 'paid' GROUP BY region")

	require.Len(t, res.Predicates, 1)
	assert.Equal(t, "status", res.Predicates[0].Column.Column)
}

func TestParse_MultiplePredicates(t *testing.T) {
	res := Parse("SELECT id FROM orders WHERE status = 'paid' AND amount > 100")

	require.Len(t, res.Predicates, 2)
	assert.Equal(t, "status", res.Predicates[0].Column.Column)
	assert.Equal(t, "amount", res.Predicates[1].Column.Column)
	assert.Equal(t, ">", res.Predicates[1].Operator)
}

func TestParse_NoTablesIsFailed(t *testing.T) {
	res := Parse("SELECT 1 + 1")
	assert.Equal(t, models.ParseStatusFailed, res.Status)
	assert.Empty(t, res.Tables)
}

func TestParse_NonSelectWithTableIsFallback(t *testing.T) {
	res := Parse("DELETE FROM sessions WHERE expires_at < now()")

	assert.Equal(t, models.ParseStatusFallback, res.Status)
	require.Len(t, res.Tables, 1)
	assert.Equal(t, "sessions", res.Tables[0].Table)
}

func TestParse_StarSelectProducesNoColumns(t *testing.T) {
	res := Parse("SELECT * FROM orders")
	assert.Empty(t, res.Select)
	assert.Equal(t, models.ParseStatusParsed, res.Status)
}

func TestParse_DuplicateTablesDeduped(t *testing.T) {
	res := Parse("SELECT a.id FROM orders a JOIN orders b ON a.parent_id = b.id")

	require.Len(t, res.Tables, 1)
	assert.Equal(t, "orders", res.Tables[0].Table)
}
