package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strahe/assessor-sync/models"
)

func tableMapping(name string, refs ...string) *models.TableMapping {
	m := &models.TableMapping{
		Name:        name,
		DataType:    "assessor",
		SourceTable: name,
		PrimaryKeys: []string{"id"},
		Fields:      []models.FieldMapping{{SourceName: "id", TargetName: "id", DeclaredType: "integer"}},
	}
	for _, ref := range refs {
		col := ref + "_id"
		m.Fields = append(m.Fields, models.FieldMapping{
			SourceName: col, TargetName: col, DeclaredType: "integer", Nullable: true, References: ref + ".id",
		})
	}
	return m
}

func levelNames(levels [][]group) [][]string {
	out := make([][]string, len(levels))
	for i, l := range levels {
		for _, g := range l {
			out[i] = append(out[i], g.names()...)
		}
	}
	return out
}

func TestPlanLevelsParentsFirst(t *testing.T) {
	ms := []*models.TableMapping{
		tableMapping("sales", "parcels", "owners"),
		tableMapping("parcels", "owners"),
		tableMapping("owners"),
		tableMapping("districts"),
	}
	levels := planLevels(ms)
	assert.Equal(t, [][]string{{"districts", "owners"}, {"parcels"}, {"sales"}}, levelNames(levels))
	for _, l := range levels {
		for _, g := range l {
			assert.False(t, g.cyclic)
			assert.Empty(t, g.deferred)
		}
	}
}

func TestPlanLevelsDependsOnTargetName(t *testing.T) {
	child := tableMapping("improvements")
	child.DependsOn = []string{"tbl_parcels"}
	parent := tableMapping("parcels")
	parent.TargetTable = "tbl_parcels"

	levels := planLevels([]*models.TableMapping{child, parent})
	assert.Equal(t, [][]string{{"parcels"}, {"improvements"}}, levelNames(levels))
}

func TestPlanLevelsCycleDefersReferences(t *testing.T) {
	ms := []*models.TableMapping{
		tableMapping("parcels", "owners"),
		tableMapping("owners", "parcels"),
		tableMapping("sales", "parcels"),
	}
	levels := planLevels(ms)
	require.Len(t, levels, 2)
	require.Len(t, levels[0], 1)

	g := levels[0][0]
	assert.True(t, g.cyclic)
	assert.Equal(t, []string{"owners", "parcels"}, g.names())
	assert.Equal(t, []string{"parcels_id"}, g.deferred["owners"])
	assert.Equal(t, []string{"owners_id"}, g.deferred["parcels"])

	assert.Equal(t, []string{"sales"}, levels[1][0].names())
	assert.False(t, levels[1][0].cyclic)
}

func TestPlanLevelsSelfReference(t *testing.T) {
	m := tableMapping("parcels", "parcels")
	levels := planLevels([]*models.TableMapping{m})
	require.Len(t, levels, 1)
	g := levels[0][0]
	assert.True(t, g.cyclic)
	assert.Equal(t, []string{"parcels_id"}, g.deferred["parcels"])
}

func TestPlanLevelsIgnoresUnknownParents(t *testing.T) {
	levels := planLevels([]*models.TableMapping{tableMapping("parcels", "zoning")})
	assert.Equal(t, [][]string{{"parcels"}}, levelNames(levels))
}

func TestTarjan(t *testing.T) {
	// 0 -> 1 -> 2 -> 0, 2 -> 3
	comps, compOf := tarjan(4, [][]int{{1}, {2}, {0, 3}, nil})
	require.Len(t, comps, 2)
	assert.Equal(t, compOf[0], compOf[1])
	assert.Equal(t, compOf[1], compOf[2])
	assert.NotEqual(t, compOf[0], compOf[3])
}
