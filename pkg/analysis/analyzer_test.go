package analysis

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/impact-engine/pkg/models"
)

// revenueRow is a parsed "sum(amount) by region" query over orders.
func revenueRow() *models.QueryLogEntry {
	return &models.QueryLogEntry{
		NormalizedSQL: "select region, sum(amount) from orders where status = ? group by region",
		ParseStatus:   models.ParseStatusParsed,
		ParsedSelect: []models.SelectExpr{
			{Expr: "region", Columns: []models.ColumnRef{{Column: "region"}}},
			{Expr: "sum(amount)", Alias: "revenue", Columns: []models.ColumnRef{{Column: "amount"}}},
		},
		ParsedTables: []models.TableRef{{Table: "orders"}},
		ParsedPredicates: []models.Predicate{
			{Column: models.ColumnRef{Column: "status"}, Operator: "="},
		},
		ParsedGroupBy: []models.ColumnRef{{Column: "region"}},
	}
}

func TestAnalyze_Counters(t *testing.T) {
	rows := []*models.QueryLogEntry{revenueRow(), revenueRow()}

	res := Analyze(rows, "revenue", nil, AnalyzerConfig{})

	require.Contains(t, res.Stats, "orders.amount")
	amount := res.Stats["orders.amount"]
	assert.Equal(t, 2, amount.Appear)
	assert.Equal(t, 2, amount.InSelect)
	assert.Equal(t, 0, amount.InFilter)
	assert.Equal(t, 2, amount.DistinctQueries)
	assert.Equal(t, 1, amount.DistinctTables)

	require.Contains(t, res.Stats, "orders.status")
	assert.Equal(t, 2, res.Stats["orders.status"].InFilter)

	require.Contains(t, res.Stats, "orders.region")
	assert.Equal(t, 2, res.Stats["orders.region"].InGroupBy)

	assert.Equal(t, 2, res.TotalQueries)
	assert.Equal(t, 2, res.UsedQueries)
	assert.Equal(t, 2, res.TableFreq["orders"])
}

func TestAnalyze_KPICooccurOncePerRow(t *testing.T) {
	// The alias "revenue" matches the fingerprint by substring; each
	// column in a matching row gains exactly one cooccur count per row.
	rows := []*models.QueryLogEntry{revenueRow()}

	res := Analyze(rows, "revenue", nil, AnalyzerConfig{})

	assert.Equal(t, "substring", res.Mode)
	assert.Equal(t, 1, res.KPIMatches)
	assert.Equal(t, 1, res.Stats["orders.amount"].CooccurWithKPI)
	assert.Equal(t, 1, res.Stats["orders.region"].CooccurWithKPI)
}

func TestAnalyze_MapperMode(t *testing.T) {
	mapper := NewKPIMapper([]models.KPIDefinition{
		{Fingerprint: "fp-revenue", Name: "revenue", Expressions: []string{"sum(amount)"}},
	})
	rows := []*models.QueryLogEntry{revenueRow()}

	res := Analyze(rows, "fp-revenue", mapper, AnalyzerConfig{})

	assert.Equal(t, "mapper", res.Mode)
	assert.Equal(t, 1, res.KPIMatches)
}

func TestAnalyze_MapperMismatchMeansNoKPI(t *testing.T) {
	mapper := NewKPIMapper([]models.KPIDefinition{
		{Fingerprint: "fp-other", Name: "other", Expressions: []string{"count(users.id)"}},
	})
	rows := []*models.QueryLogEntry{revenueRow()}

	res := Analyze(rows, "fp-revenue", mapper, AnalyzerConfig{})

	assert.Equal(t, 0, res.KPIMatches)
	assert.Equal(t, 0, res.Stats["orders.amount"].CooccurWithKPI)
}

func TestAnalyze_ExcludedColumns(t *testing.T) {
	row := revenueRow()
	row.ParsedSelect = append(row.ParsedSelect, models.SelectExpr{
		Expr: "id", Columns: []models.ColumnRef{{Column: "id"}},
	})

	res := Analyze([]*models.QueryLogEntry{row}, "revenue", nil, AnalyzerConfig{
		ExcludedColumns: []string{"id", "created_at"},
	})

	assert.NotContains(t, res.Stats, "orders.id")
	assert.Contains(t, res.Stats, "orders.amount")
}

func TestAnalyze_EmptyWindow(t *testing.T) {
	res := Analyze(nil, "revenue", nil, AnalyzerConfig{})

	assert.Empty(t, res.Stats)
	assert.Equal(t, 0, res.TotalQueries)
	assert.Equal(t, 0, res.KPIMatches)
}

func TestAnalyze_FallbackFlag(t *testing.T) {
	row := revenueRow()
	row.ParseStatus = models.ParseStatusFallback

	res := Analyze([]*models.QueryLogEntry{row}, "revenue", nil, AnalyzerConfig{})
	assert.True(t, res.FallbackUsed)
}

func TestAnalyze_MaxQueriesCap(t *testing.T) {
	rows := make([]*models.QueryLogEntry, 10)
	for i := range rows {
		rows[i] = revenueRow()
	}

	res := Analyze(rows, "revenue", nil, AnalyzerConfig{MaxQueries: 4})

	assert.Equal(t, 10, res.TotalQueries)
	assert.Equal(t, 4, res.UsedQueries)
	assert.Equal(t, 4, res.Stats["orders.amount"].Appear)
}

func TestAnalyze_SamplingDeterministic(t *testing.T) {
	rows := make([]*models.QueryLogEntry, 100)
	for i := range rows {
		rows[i] = revenueRow()
	}

	a := Analyze(rows, "revenue", nil, AnalyzerConfig{SampleRate: 0.5})
	b := Analyze(rows, "revenue", nil, AnalyzerConfig{SampleRate: 0.5})

	assert.Equal(t, 50, a.UsedQueries)
	assert.Equal(t, a.Stats["orders.amount"].Appear, b.Stats["orders.amount"].Appear)
}

func TestAnalyze_CandidateCap(t *testing.T) {
	// One row referencing many distinct columns; the KPI-matching column
	// must survive the cap.
	row := revenueRow()
	for i := 0; i < 20; i++ {
		row.ParsedSelect = append(row.ParsedSelect, models.SelectExpr{
			Expr:    fmt.Sprintf("col_%02d", i),
			Columns: []models.ColumnRef{{Column: fmt.Sprintf("col_%02d", i)}},
		})
	}

	res := Analyze([]*models.QueryLogEntry{row}, "revenue", nil, AnalyzerConfig{MaxCandidateColumns: 5})

	assert.Len(t, res.Stats, 5)
	// All columns tie on cooccur; the tie-break keeps the smallest keys.
	assert.Contains(t, res.Stats, "orders.amount")
}

func TestAnalyze_JoinEdges(t *testing.T) {
	row := revenueRow()
	row.ParsedTables = append(row.ParsedTables, models.TableRef{Table: "users"})
	row.ParsedJoins = []models.JoinDesc{
		{
			Left:        models.TableRef{Table: "orders"},
			Right:       models.TableRef{Table: "users"},
			LeftColumn:  models.ColumnRef{Table: "orders", Column: "user_id"},
			RightColumn: models.ColumnRef{Table: "users", Column: "id"},
		},
	}

	res := Analyze([]*models.QueryLogEntry{row, row}, "revenue", nil, AnalyzerConfig{})

	assert.Equal(t, 2, res.JoinEdges["orders|users"])
	assert.Equal(t, 2, res.Stats["orders.user_id"].JoinDegree)
}

func TestAnalyze_SelfJoinExcluded(t *testing.T) {
	row := revenueRow()
	row.ParsedJoins = []models.JoinDesc{
		{
			Left:  models.TableRef{Table: "orders"},
			Right: models.TableRef{Table: "Orders"},
		},
	}

	res := Analyze([]*models.QueryLogEntry{row}, "revenue", nil, AnalyzerConfig{})
	assert.Empty(t, res.JoinEdges)
}

func TestAnalyze_EvidenceCapped(t *testing.T) {
	rows := make([]*models.QueryLogEntry, maxEvidencePerColumn+5)
	for i := range rows {
		rows[i] = revenueRow()
	}

	res := Analyze(rows, "revenue", nil, AnalyzerConfig{})
	assert.Len(t, res.Evidence["orders.amount"], maxEvidencePerColumn)
}

func TestAnalyze_DefaultTableResolution(t *testing.T) {
	// Unqualified columns attach to the row's first parsed table.
	row := revenueRow()
	res := Analyze([]*models.QueryLogEntry{row}, "revenue", nil, AnalyzerConfig{})

	assert.Contains(t, res.Stats, "orders.amount")
	assert.NotContains(t, res.Stats, ".amount")
}

func TestAnalyze_CooccurMatrixPopulated(t *testing.T) {
	res := Analyze([]*models.QueryLogEntry{revenueRow()}, "revenue", nil, AnalyzerConfig{})

	assert.Equal(t, 1, res.Cooccur.Strength("orders.amount", "orders.region"))
	assert.Equal(t, 1, res.Cooccur.Strength("orders.amount", "orders.status"))
}
