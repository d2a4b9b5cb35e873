package connector_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/strahe/assessor-sync/connector"
	"github.com/strahe/assessor-sync/models"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

func TestSQLiteConnectorSuite(t *testing.T) {
	suite.Run(t, new(sqliteSuite))
}

type sqliteSuite struct {
	suite.Suite
	ctx context.Context
	c   *connector.SQLConnector
}

func (s *sqliteSuite) R() *require.Assertions {
	return s.Require()
}

func (s *sqliteSuite) SetupTest() {
	s.ctx = context.Background()
	path := filepath.Join(s.T().TempDir(), "conn.db")
	c, err := connector.Open(s.ctx, "test", "sqlite://"+path, connector.DefaultPoolConfig())
	s.R().NoError(err)
	s.c = c

	s.R().NoError(c.Exec(s.ctx, `CREATE TABLE parcels (
		parcel_id INTEGER PRIMARY KEY,
		owner_name TEXT NOT NULL,
		updated_at TIMESTAMP
	)`))
	s.R().NoError(c.Exec(s.ctx, `CREATE TABLE owners (
		county TEXT NOT NULL,
		owner_id INTEGER NOT NULL,
		name TEXT,
		PRIMARY KEY (county, owner_id)
	)`))
}

func (s *sqliteSuite) TearDownTest() {
	s.R().NoError(s.c.Close())
}

func (s *sqliteSuite) seedParcels(n int) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tx, err := s.c.Begin(s.ctx)
	s.R().NoError(err)
	rows := make([]models.Row, 0, n)
	for i := 1; i <= n; i++ {
		rows = append(rows, models.Row{
			"parcel_id":  int64(i),
			"owner_name": "owner",
			"updated_at": base.Add(time.Duration(i) * time.Hour),
		})
	}
	ins, upd, err := tx.UpsertBatch(s.ctx, "parcels", []string{"parcel_id"}, rows)
	s.R().NoError(err)
	s.R().NoError(tx.Commit())
	s.R().EqualValues(n, ins)
	s.R().Zero(upd)
}

func (s *sqliteSuite) TestDescribeTable() {
	ts, err := s.c.DescribeTable(s.ctx, "owners")
	s.R().NoError(err)
	s.R().Equal([]string{"county", "owner_id"}, ts.PrimaryKeys)
	col, ok := ts.Column("name")
	s.R().True(ok)
	s.R().True(col.Nullable)
	s.R().Equal("text", col.Type)

	_, err = s.c.DescribeTable(s.ctx, "missing")
	s.R().ErrorIs(err, models.ErrTableNotFound)

	tables, err := s.c.ListTables(s.ctx)
	s.R().NoError(err)
	s.R().Equal([]string{"owners", "parcels"}, tables)
}

func (s *sqliteSuite) TestStreamRowsKeyset() {
	s.seedParcels(5)

	q := connector.Query{
		Table:      "parcels",
		Columns:    []string{"parcel_id", "owner_name", "updated_at"},
		KeyColumns: []string{"parcel_id"},
		Watermark:  "updated_at",
	}
	n, err := s.c.CountRows(s.ctx, q)
	s.R().NoError(err)
	s.R().EqualValues(5, n)

	stream := s.c.StreamRows(q, func() int { return 2 })
	var sizes []int
	var ids []int64
	for {
		batch, err := stream.Next(s.ctx)
		s.R().NoError(err)
		if len(batch) == 0 {
			break
		}
		sizes = append(sizes, len(batch))
		for _, r := range batch {
			ids = append(ids, r["parcel_id"].(int64))
		}
	}
	s.R().Equal([]int{2, 2, 1}, sizes)
	s.R().Equal([]int64{1, 2, 3, 4, 5}, ids)

	last, ok := stream.Cursor().Watermark.(time.Time)
	s.R().True(ok)
	s.R().True(last.Equal(time.Date(2025, 1, 1, 5, 0, 0, 0, time.UTC)))

	// resume from the third row
	q.After = &models.Checkpoint{Watermark: time.Date(2025, 1, 1, 3, 0, 0, 0, time.UTC), Key: []any{int64(3)}}
	batch, err := s.c.StreamRows(q, nil).Next(s.ctx)
	s.R().NoError(err)
	s.R().Len(batch, 2)
	s.R().EqualValues(4, batch[0]["parcel_id"])
}

func (s *sqliteSuite) TestStreamRowsISOTextWatermark() {
	// written by another tool: ISO-8601 with a T separator, one space separated row
	s.R().NoError(s.c.Exec(s.ctx, `INSERT INTO parcels (parcel_id, owner_name, updated_at) VALUES
		(1, 'a', '2025-01-02T00:00:00Z'),
		(2, 'b', '2025-01-02T00:00:00Z'),
		(3, 'c', '2025-01-01 12:00:00'),
		(4, 'd', '2025-01-03T08:30:00.250Z')`))

	q := connector.Query{
		Table:      "parcels",
		Columns:    []string{"parcel_id", "updated_at"},
		KeyColumns: []string{"parcel_id"},
		Watermark:  "updated_at",
	}
	stream := s.c.StreamRows(q, func() int { return 1 })
	var ids []int64
	for i := 0; i < 10; i++ {
		batch, err := stream.Next(s.ctx)
		s.R().NoError(err)
		if len(batch) == 0 {
			break
		}
		ids = append(ids, batch[0]["parcel_id"].(int64))
	}
	s.R().Equal([]int64{3, 1, 2, 4}, ids)

	// a checkpoint restored from the ledger resumes after the tie
	q.After = &models.Checkpoint{Watermark: time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), Key: []any{int64(1)}}
	batch, err := s.c.StreamRows(q, nil).Next(s.ctx)
	s.R().NoError(err)
	s.R().Len(batch, 2)
	s.R().EqualValues(2, batch[0]["parcel_id"])
	s.R().EqualValues(4, batch[1]["parcel_id"])
}

func (s *sqliteSuite) TestNullWatermarksExcluded() {
	s.seedParcels(2)
	s.R().NoError(s.c.Exec(s.ctx, `INSERT INTO parcels (parcel_id, owner_name, updated_at) VALUES (10, 'x', NULL)`))

	q := connector.Query{Table: "parcels", Columns: []string{"parcel_id"}, KeyColumns: []string{"parcel_id"}, Watermark: "updated_at"}
	n, err := s.c.CountRows(s.ctx, q)
	s.R().NoError(err)
	s.R().EqualValues(2, n)

	nulls, err := s.c.CountNullWatermarks(s.ctx, q)
	s.R().NoError(err)
	s.R().EqualValues(1, nulls)
}

func (s *sqliteSuite) TestUpsertAndDeleteCompositeKeys() {
	keys := []string{"county", "owner_id"}
	tx, err := s.c.Begin(s.ctx)
	s.R().NoError(err)
	ins, upd, err := tx.UpsertBatch(s.ctx, "owners", keys, []models.Row{
		{"county": "benton", "owner_id": int64(1), "name": "a"},
		{"county": "benton", "owner_id": int64(2), "name": "b"},
	})
	s.R().NoError(err)
	s.R().NoError(tx.Commit())
	s.R().EqualValues(2, ins)
	s.R().Zero(upd)

	tx, err = s.c.Begin(s.ctx)
	s.R().NoError(err)
	ins, upd, err = tx.UpsertBatch(s.ctx, "owners", keys, []models.Row{
		{"county": "benton", "owner_id": int64(2), "name": "b2"},
		{"county": "franklin", "owner_id": int64(2), "name": "c"},
	})
	s.R().NoError(err)
	s.R().NoError(tx.Commit())
	s.R().EqualValues(1, ins)
	s.R().EqualValues(1, upd)

	rows, err := s.c.FetchByKeys(s.ctx, "owners", keys, []string{"county", "owner_id", "name"},
		[][]any{{"benton", int64(2)}, {"franklin", int64(2)}, {"nowhere", int64(9)}})
	s.R().NoError(err)
	s.R().Len(rows, 2)
	byKey := map[string]models.Row{}
	for _, r := range rows {
		byKey[models.KeyOf(r, keys)] = r
	}
	s.R().Equal("b2", byKey[models.KeyString([]any{"benton", 2})]["name"])

	scanned, err := s.c.ScanKeys(s.ctx, "owners", keys, nil, 2)
	s.R().NoError(err)
	s.R().Len(scanned, 2)
	next, err := s.c.ScanKeys(s.ctx, "owners", keys, scanned[1], 2)
	s.R().NoError(err)
	s.R().Len(next, 1)
	s.R().Equal("franklin", next[0][0])

	tx, err = s.c.Begin(s.ctx)
	s.R().NoError(err)
	n, err := tx.DeleteBatch(s.ctx, "owners", keys, [][]any{{"benton", int64(1)}, {"benton", int64(2)}})
	s.R().NoError(err)
	s.R().NoError(tx.Commit())
	s.R().EqualValues(2, n)
}

func (s *sqliteSuite) TestRollbackDiscardsWrites() {
	tx, err := s.c.Begin(s.ctx)
	s.R().NoError(err)
	_, _, err = tx.UpsertBatch(s.ctx, "parcels", []string{"parcel_id"}, []models.Row{
		{"parcel_id": int64(1), "owner_name": "a", "updated_at": time.Now()},
	})
	s.R().NoError(err)
	s.R().NoError(tx.Rollback())

	n, err := s.c.CountRows(s.ctx, connector.Query{Table: "parcels"})
	s.R().NoError(err)
	s.R().Zero(n)
}

func (s *sqliteSuite) TestConstraintViolationIsDataError() {
	tx, err := s.c.Begin(s.ctx)
	s.R().NoError(err)
	defer tx.Rollback()
	_, _, err = tx.UpsertBatch(s.ctx, "parcels", []string{"parcel_id"}, []models.Row{
		{"parcel_id": int64(1), "owner_name": nil},
	})
	s.R().Error(err)
	s.R().Equal(models.KindData, models.KindOf(err))
}
