package schema

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/strahe/assessor-sync/connector"
	"github.com/strahe/assessor-sync/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parcelMapping() *models.TableMapping {
	return &models.TableMapping{
		Name:        "parcels",
		DataType:    "property",
		SourceTable: "parcels",
		PrimaryKeys: []string{"parcel_id"},
		Watermark:   "updated_at",
		Fields: []models.FieldMapping{
			{SourceName: "parcel_id", TargetName: "parcel_id", DeclaredType: "integer"},
			{SourceName: "owner_name", TargetName: "owner_name", DeclaredType: "string", Nullable: true},
			{SourceName: "updated_at", TargetName: "updated_at", DeclaredType: "timestamp"},
			{SourceName: "parcel_area", TargetName: "parcel_area", DeclaredType: "float", Nullable: true},
		},
	}
}

func TestCompatibilityMatrix(t *testing.T) {
	cases := []struct {
		src, dst  string
		hasFormat bool
		ok        bool
	}{
		{"text", "varchar(40)", false, true},
		{"integer", "double precision", false, true},
		{"bigint", "text", false, true},
		{"real", "integer", false, false},
		{"date", "text", false, false},
		{"date", "text", true, true},
		{"text", "timestamp", true, true},
		{"boolean", "integer", false, true},
		{"text", "integer", false, false},
		{"bytea", "text", false, false},
	}
	for _, tc := range cases {
		got := Compatible(Classify(tc.src), Classify(tc.dst), tc.hasFormat)
		assert.Equal(t, tc.ok, got, "%s -> %s", tc.src, tc.dst)
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, FamilyTimestamp, Classify("timestamp with time zone"))
	assert.Equal(t, FamilyString, Classify("character varying"))
	assert.Equal(t, FamilyDecimal, Classify("NUMERIC(10,2)"))
	assert.Equal(t, FamilyInteger, Classify("UNSIGNED BIG INT"))
	assert.Equal(t, FamilyUnknown, Classify(""))
}

func TestCompareMissingColumn(t *testing.T) {
	m := parcelMapping()
	src := &connector.TableSchema{Name: "parcels", PrimaryKeys: []string{"parcel_id"}, Columns: []connector.Column{
		{Name: "parcel_id", Type: "integer", PrimaryKey: true},
		{Name: "owner_name", Type: "text", Nullable: true},
		{Name: "updated_at", Type: "timestamp", Nullable: true},
		{Name: "parcel_area", Type: "real", Nullable: true},
	}}
	dst := &connector.TableSchema{Name: "parcels", PrimaryKeys: []string{"parcel_id"}, Columns: src.Columns[:3]}

	r := Compare(m, src, dst)
	assert.Equal(t, []string{"parcel_area"}, r.MissingColumns)
	assert.True(t, r.Additive())
	assert.False(t, r.Blocking())
	assert.Equal(t, []string{`ALTER TABLE "parcels" ADD COLUMN "parcel_area" REAL`}, MigrationDDL(r, m, connector.SQLite))
}

func TestCompareBlockingDrift(t *testing.T) {
	m := parcelMapping()
	m.Fields = append(m.Fields, models.FieldMapping{SourceName: "zoning", TargetName: "zoning", DeclaredType: "string"})
	src := &connector.TableSchema{Columns: []connector.Column{
		{Name: "parcel_id", Type: "real"},
		{Name: "owner_name", Type: "text"},
		{Name: "updated_at", Type: "timestamp"},
		{Name: "parcel_area", Type: "real"},
	}}
	dst := &connector.TableSchema{PrimaryKeys: []string{"owner_name"}, Columns: []connector.Column{
		{Name: "parcel_id", Type: "integer"},
		{Name: "owner_name", Type: "text", PrimaryKey: true},
		{Name: "updated_at", Type: "timestamp"},
		{Name: "parcel_area", Type: "real"},
	}}
	r := Compare(m, src, dst)
	assert.Equal(t, []string{"zoning"}, r.SourceMissingColumns)
	require.Len(t, r.TypeIncompatibilities, 1)
	assert.Equal(t, "parcel_id", r.TypeIncompatibilities[0].Column)
	assert.Equal(t, []string{"parcel_area"}, r.NullabilityViolations)
	require.NotNil(t, r.PrimaryKeyMismatch)
	assert.True(t, r.Blocking())
}

func TestCreateTableDDL(t *testing.T) {
	m := parcelMapping()
	r := Compare(m, nil, nil)
	assert.True(t, r.SourceMissingTable)
	stmts := MigrationDDL(&Report{MissingTables: []string{"parcels"}}, m, connector.Postgres)
	require.Len(t, stmts, 1)
	assert.Contains(t, stmts[0], `CREATE TABLE IF NOT EXISTS "parcels"`)
	assert.Contains(t, stmts[0], `"parcel_id" BIGINT NOT NULL`)
	assert.Contains(t, stmts[0], `"updated_at" TIMESTAMPTZ`)
	assert.Contains(t, stmts[0], `PRIMARY KEY ("parcel_id")`)
}

func openSQLite(t *testing.T, name string) *connector.SQLConnector {
	t.Helper()
	c, err := connector.Open(context.Background(), name, "sqlite://"+filepath.Join(t.TempDir(), name+".db"), connector.DefaultPoolConfig())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestValidatorCheck(t *testing.T) {
	ctx := context.Background()
	src := openSQLite(t, "src")
	dst := openSQLite(t, "dst")
	require.NoError(t, src.Exec(ctx, `CREATE TABLE parcels (parcel_id INTEGER PRIMARY KEY, owner_name TEXT, updated_at TIMESTAMP, parcel_area REAL)`))
	require.NoError(t, dst.Exec(ctx, `CREATE TABLE parcels (parcel_id INTEGER PRIMARY KEY, owner_name TEXT, updated_at TIMESTAMP)`))

	v := NewValidator()
	m := parcelMapping()

	res, err := v.Check(ctx, m, src, dst, Options{})
	require.Error(t, err)
	assert.Equal(t, models.KindSchemaDrift, models.KindOf(err))
	assert.Equal(t, []string{"parcel_area"}, res.Report.MissingColumns)

	res, err = v.Check(ctx, m, src, dst, Options{AllowDrift: true})
	require.NoError(t, err)
	assert.Empty(t, res.Applied)

	res, err = v.Check(ctx, m, src, dst, Options{AutoMigration: true})
	require.NoError(t, err)
	assert.Len(t, res.Applied, 1)

	res, err = v.Check(ctx, m, src, dst, Options{})
	require.NoError(t, err)
	assert.True(t, res.Report.Empty())
}
