package processor_test

import (
	"testing"

	"github.com/strahe/assessor-sync/models"
	"github.com/strahe/assessor-sync/processor"
	"github.com/strahe/assessor-sync/processor/filter"
	"github.com/strahe/assessor-sync/processor/transformer"
	"github.com/strahe/assessor-sync/sanitize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mapping() *models.TableMapping {
	return &models.TableMapping{
		Name:        "parcels",
		SourceTable: "parcels",
		TargetTable: "parcel_copy",
		PrimaryKeys: []string{"parcel_id"},
		Fields: []models.FieldMapping{
			{SourceName: "parcel_id", TargetName: "id", DeclaredType: "integer"},
			{SourceName: "owner_name", TargetName: "owner", DeclaredType: "string", SanitizationHint: "mask_text", Required: true},
		},
	}
}

func chain() *processor.ProcessorChain {
	pc := processor.NewProcessorChain()
	pc.AddFilter(filter.NewRequiredFields())
	pc.AddFilter(filter.NewDebugFilter())
	pc.AddTransformer(transformer.NewSanitize(sanitize.New(sanitize.NewRegistry())))
	pc.AddTransformer(transformer.NewRename())
	pc.AddTransformer(transformer.NewDebugTransformer())
	return pc
}

func TestChainSanitizesThenRenames(t *testing.T) {
	m := mapping()
	rc := processor.NewRowContext("job-1", "job-1", m, models.Row{
		"parcel_id":  int64(7),
		"owner_name": "Alice Smith",
		"ignored":    "dropped",
	})
	require.NoError(t, chain().Process(rc))

	assert.True(t, rc.Renamed)
	assert.Equal(t, models.Row{"id": int64(7), "owner": "AXXXXXXXXXh"}, rc.Row)
	assert.Equal(t, models.Row{"parcel_id": int64(7)}, rc.Key)
	require.Len(t, rc.Sanitized, 1)
	assert.Equal(t, "owner", rc.Sanitized[0].Field)
	assert.True(t, rc.Sanitized[0].Modified)
}

func TestRequiredFieldIsDataError(t *testing.T) {
	rc := processor.NewRowContext("job-1", "job-1", mapping(), models.Row{"parcel_id": int64(7), "owner_name": nil})
	err := chain().Process(rc)
	require.Error(t, err)
	assert.Equal(t, models.KindData, models.KindOf(err))
	assert.False(t, rc.Renamed)
}

type skipAll struct{}

func (skipAll) Process(rc *processor.RowContext) error {
	rc.Skip = true
	return nil
}

func TestSkipStopsChain(t *testing.T) {
	pc := processor.NewProcessorChain()
	pc.AddFilter(skipAll{})
	pc.AddTransformer(transformer.NewRename())
	rc := processor.NewRowContext("j", "j", mapping(), models.Row{"parcel_id": int64(1)})
	require.NoError(t, pc.Process(rc))
	assert.True(t, rc.Skip)
	assert.False(t, rc.Renamed)
}
