package mapping

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/strahe/assessor-sync/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const parcelsYAML = `name: parcels
data_type: property
source_table: parcels
primary_keys: [parcel_id]
watermark: updated_at
fields:
  - source_name: parcel_id
    target_name: parcel_id
    declared_type: integer
  - source_name: owner_name
    target_name: owner_name
    declared_type: string
    nullable: true
    sanitization_hint: mask_text
  - source_name: updated_at
    target_name: updated_at
    declared_type: timestamp
`

func newMapping(name string) *models.TableMapping {
	return &models.TableMapping{
		Name:        name,
		DataType:    "property",
		SourceTable: name,
		PrimaryKeys: []string{"id"},
		Fields: []models.FieldMapping{
			{SourceName: "id", TargetName: "id", DeclaredType: "integer"},
			{SourceName: "value", TargetName: "value", DeclaredType: "string", Nullable: true},
		},
	}
}

func TestLoadFromDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "property__parcels.yaml"), []byte(parcelsYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644))

	l, err := NewLoader(dir)
	require.NoError(t, err)
	all, err := l.List("")
	require.NoError(t, err)
	require.Len(t, all, 1)

	m := all[0]
	assert.Equal(t, "parcels", m.Target())
	assert.Equal(t, []string{"parcel_id"}, m.PrimaryKeys)
	assert.Equal(t, "mask_text", m.Fields[1].SanitizationHint)

	found, err := l.Find("parcels", "")
	require.NoError(t, err)
	assert.Equal(t, m.Key(), found.Key())

	// returned mappings are copies
	m.Fields[0].TargetName = "changed"
	again, err := l.Get(m.Key())
	require.NoError(t, err)
	assert.Equal(t, "parcel_id", again.Fields[0].TargetName)
}

func TestDuplicateDocumentsRejected(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "property__parcels.yaml"), []byte(parcelsYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "property__parcels_copy.yml"), []byte(parcelsYAML), 0o644))

	l, err := NewLoader(dir)
	require.NoError(t, err)
	_, err = l.List("")
	require.Error(t, err)
	assert.Equal(t, models.KindConfig, models.KindOf(err))
}

func TestValidateMapping(t *testing.T) {
	m := newMapping("ok")
	require.NoError(t, Validate(m))

	bad := newMapping("bad")
	bad.Fields = nil
	assert.Error(t, Validate(bad))

	bad = newMapping("bad")
	bad.PrimaryKeys = []string{"missing"}
	assert.ErrorContains(t, Validate(bad), "primary key missing")

	bad = newMapping("bad")
	bad.Fields[1].DeclaredType = ""
	assert.Error(t, Validate(bad))

	bad = newMapping("bad")
	bad.ConflictPolicy = "coin_flip"
	assert.Error(t, Validate(bad))

	bad = newMapping("bad")
	bad.Fields[1].TargetName = "id"
	assert.ErrorContains(t, Validate(bad), "duplicate target field")
}

func TestCreateUpdateDelete(t *testing.T) {
	l, err := NewLoader(t.TempDir())
	require.NoError(t, err)

	m := newMapping("owners")
	require.NoError(t, l.Create(m))
	assert.Error(t, l.Create(m))
	assert.FileExists(t, filepath.Join(l.Dir(), "property__owners.yaml"))

	got, err := l.Get(m.Key())
	require.NoError(t, err)
	created := got.CreatedAt
	assert.False(t, created.IsZero())

	got.TargetTable = "owners_v2"
	require.NoError(t, l.Update(got))
	got, err = l.Get(m.Key())
	require.NoError(t, err)
	assert.Equal(t, "owners_v2", got.Target())
	assert.True(t, created.Equal(got.CreatedAt))

	require.NoError(t, l.Delete(m.Key()))
	_, err = l.Get(m.Key())
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.ErrorIs(t, l.Update(m), models.ErrNotFound)
}

func TestConcurrentCreateKeepsFirst(t *testing.T) {
	l, err := NewLoader(t.TempDir())
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		created atomic.Int32
		dupes   atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Create(newMapping("owners"))
			switch {
			case err == nil:
				created.Add(1)
			case models.KindOf(err) == models.KindConfig:
				dupes.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, created.Load())
	assert.EqualValues(t, 7, dupes.Load())

	// a second process sharing the directory sees the file even with a stale cache
	dir := t.TempDir()
	a, err := NewLoader(dir)
	require.NoError(t, err)
	b, err := NewLoader(dir)
	require.NoError(t, err)
	_, err = a.List("")
	require.NoError(t, err)
	require.NoError(t, b.Create(newMapping("owners")))
	err = a.Create(newMapping("owners"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), models.ErrDuplicateMapping.Error())
}

func TestWatcherInvalidatesOnExternalEdit(t *testing.T) {
	l, err := NewLoader(t.TempDir())
	require.NoError(t, err)
	all, err := l.List("")
	require.NoError(t, err)
	require.Empty(t, all)

	changed := make(chan struct{}, 1)
	w, err := NewWatcher(l, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)
	w.debounce = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)
	defer w.Close()

	require.NoError(t, os.WriteFile(filepath.Join(l.Dir(), "property__parcels.yaml"), []byte(parcelsYAML), 0o644))
	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not fire")
	}

	all, err = l.List("")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "anything.yaml")
	require.NoError(t, os.WriteFile(path, []byte(parcelsYAML), 0o644))

	m, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, models.MappingKey{DataType: "property", Name: "parcels"}, m.Key())
	assert.Len(t, m.Fields, 3)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("name: parcels\n"), 0o644))
	_, err = ReadFile(bad)
	assert.Equal(t, models.KindConfig, models.KindOf(err))

	_, err = ReadFile(filepath.Join(dir, "missing.yaml"))
	assert.Equal(t, models.KindConfig, models.KindOf(err))
}
