package conflict

import (
	"testing"
	"time"

	"github.com/strahe/assessor-sync/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0 = time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	t1 = time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
)

func parcels() *models.TableMapping {
	return &models.TableMapping{
		Name:        "parcels",
		SourceTable: "parcels",
		PrimaryKeys: []string{"parcel_id"},
		Fields: []models.FieldMapping{
			{SourceName: "parcel_id", TargetName: "parcel_id", DeclaredType: "integer"},
			{SourceName: "owner_name", TargetName: "owner_name", DeclaredType: "string", Merge: "concat"},
			{SourceName: "assessed_value", TargetName: "assessed_value", DeclaredType: "float", Merge: "max"},
			{SourceName: "zoning", TargetName: "zoning", DeclaredType: "string", Merge: "target"},
			{SourceName: "updated_at", TargetName: "updated_at", DeclaredType: "timestamp"},
		},
	}
}

func TestEqual(t *testing.T) {
	cases := []struct {
		a, b  any
		equal bool
	}{
		{nil, nil, true},
		{nil, "", false},
		{int64(5), 5.0, true},
		{int64(5), "5.00", true},
		{1.0000000001, 1.0, true},
		{1.1, 1.0, false},
		{"  Alice ", "Alice", true},
		{"Alice", "alice", false},
		{t0, t0.In(time.FixedZone("PST", -8*3600)), true},
		{t0, "2025-01-15T00:00:00Z", true},
		{"2025-01-15 00:00:00+00:00", t0, true},
		{true, int64(1), true},
		{false, int64(1), false},
		{[]byte("abc"), "abc", true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.equal, Equal(tc.a, tc.b, defaultTolerance), "%#v vs %#v", tc.a, tc.b)
	}
}

func TestDetectorDiff(t *testing.T) {
	d := NewDetector(0)
	src := models.Row{"parcel_id": int64(1), "owner_name": "Alice Jones", "updated_at": t1}
	dst := models.Row{"parcel_id": int64(1), "owner_name": "Alice Smith", "updated_at": t0}
	diffs := d.Diff(src, dst, []string{"parcel_id", "owner_name", "updated_at"})
	require.Len(t, diffs, 2)
	assert.Equal(t, "Alice Jones", diffs["owner_name"].SourceValue)
	assert.Equal(t, t0, diffs["updated_at"].TargetValue)

	assert.Empty(t, d.Diff(src, src.Clone(), []string{"parcel_id", "owner_name", "updated_at"}))

	loose := NewDetector(0.5)
	assert.Empty(t, loose.Diff(models.Row{"v": 10.2}, models.Row{"v": 10.0}, []string{"v"}))
}

func TestResolvePolicies(t *testing.T) {
	r := NewResolver()
	m := parcels()
	src := models.Row{"parcel_id": int64(1), "owner_name": "X", "updated_at": t1}
	dst := models.Row{"parcel_id": int64(1), "owner_name": "Y", "updated_at": t0}
	diffs := NewDetector(0).Diff(src, dst, m.TargetColumns())

	out := r.Resolve(models.PolicySourceWins, m, "", src, dst, diffs)
	assert.Equal(t, models.ResolutionSourceWins, out.Resolution)
	assert.Equal(t, src, out.Write)

	out = r.Resolve(models.PolicyTargetWins, m, "", src, dst, diffs)
	assert.Equal(t, models.ResolutionTargetWins, out.Resolution)
	assert.Nil(t, out.Write)

	out = r.Resolve(models.PolicyManual, m, "", src, dst, diffs)
	assert.Equal(t, models.ResolutionManualPending, out.Resolution)
	assert.Nil(t, out.Write)
}

func TestNewerWins(t *testing.T) {
	r := NewResolver()
	m := parcels()
	src := models.Row{"parcel_id": int64(1), "owner_name": "Alice Jones", "updated_at": t1}
	dst := models.Row{"parcel_id": int64(1), "owner_name": "Alice Smith", "updated_at": t0}

	out := r.Resolve(models.PolicyNewerWins, m, "updated_at", src, dst, nil)
	assert.Equal(t, models.ResolutionSourceWins, out.Resolution)
	assert.Equal(t, src, out.Write)

	out = r.Resolve(models.PolicyNewerWins, m, "updated_at", dst, src, nil)
	assert.Equal(t, models.ResolutionTargetWins, out.Resolution)
	assert.Nil(t, out.Write)

	// ties go to the source
	tie := dst.Clone()
	tie["owner_name"] = "Tie"
	out = r.Resolve(models.PolicyNewerWins, m, "updated_at", tie, dst, nil)
	assert.Equal(t, models.ResolutionSourceWins, out.Resolution)

	// absent column falls back to source_wins
	out = r.Resolve(models.PolicyNewerWins, m, "modified_on", dst, src, nil)
	assert.Equal(t, models.ResolutionSourceWins, out.Resolution)
	assert.NotNil(t, out.Write)
}

func TestMerged(t *testing.T) {
	r := NewResolver()
	m := parcels()
	src := models.Row{"parcel_id": int64(1), "owner_name": "Jones", "assessed_value": 100.0, "zoning": "R1", "updated_at": t1}
	dst := models.Row{"parcel_id": int64(1), "owner_name": "Smith", "assessed_value": 250.0, "zoning": "C2", "updated_at": t0}
	diffs := NewDetector(0).Diff(src, dst, m.TargetColumns())

	out := r.Resolve(models.PolicyMerged, m, "", src, dst, diffs)
	assert.Equal(t, models.ResolutionMerged, out.Resolution)
	assert.Equal(t, "Smith; Jones", out.Write["owner_name"])
	assert.Equal(t, 250.0, out.Write["assessed_value"])
	assert.Equal(t, "C2", out.Write["zoning"])
	assert.Equal(t, t1, out.Write["updated_at"])
	assert.Equal(t, "Jones", src["owner_name"])

	assert.Equal(t, 1.0, mergeValue(MergeMin, 1.0, 2.0))
	assert.Equal(t, 3.0, mergeValue(MergeMin, nil, 3.0))
}
