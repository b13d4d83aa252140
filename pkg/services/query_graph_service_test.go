package services

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/impact-engine/pkg/apperrors"
	"github.com/ekaya-inc/impact-engine/pkg/models"
)

func TestBuildQueryGraph(t *testing.T) {
	svc := NewQueryGraphService(DefaultParser{}, zap.NewNop())

	graph, err := svc.BuildQueryGraph("SELECT region, amount FROM orders WHERE status = 'paid'", "warehouse")
	require.NoError(t, err)

	byID := make(map[string]models.GraphNode)
	for _, n := range graph.Nodes {
		byID[n.ID] = n
	}

	table, ok := byID["tbl:public.orders"]
	require.True(t, ok)
	assert.Equal(t, models.NodeTypeTable, table.Type)
	assert.Equal(t, "warehouse", table.Properties["datasource"])

	_, ok = byID["col:public.orders.region"]
	assert.True(t, ok)
	_, ok = byID["col:public.orders.status"]
	assert.True(t, ok, "filtered columns become nodes too")

	var contains, filters int
	for _, e := range graph.Edges {
		switch e.Type {
		case models.EdgeTypeContains:
			contains++
		case models.EdgeTypeFilters:
			filters++
		}
	}
	assert.Equal(t, 3, contains, "one CONTAINS edge per column")
	assert.Equal(t, 1, filters)
	assert.Equal(t, "single-query", graph.Meta.Explain.Mode)
}

func TestBuildQueryGraph_EmptySQL(t *testing.T) {
	svc := NewQueryGraphService(DefaultParser{}, zap.NewNop())

	_, err := svc.BuildQueryGraph("   ", "warehouse")
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestBuildQueryGraph_NoTables(t *testing.T) {
	svc := NewQueryGraphService(DefaultParser{}, zap.NewNop())

	_, err := svc.BuildQueryGraph("SELECT 1 + 1", "warehouse")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrNoTablesParsed))
}

func TestBuildQueryGraph_JoinColumnsIncluded(t *testing.T) {
	svc := NewQueryGraphService(DefaultParser{}, zap.NewNop())

	graph, err := svc.BuildQueryGraph(
		"SELECT o.amount FROM orders o JOIN users u ON o.user_id = u.id", "warehouse")
	require.NoError(t, err)

	ids := make(map[string]struct{})
	for _, n := range graph.Nodes {
		ids[n.ID] = struct{}{}
	}
	assert.Contains(t, ids, "tbl:public.orders")
	assert.Contains(t, ids, "tbl:public.users")
	assert.Contains(t, ids, "col:public.orders.user_id")
	assert.Contains(t, ids, "col:public.users.id")
}
