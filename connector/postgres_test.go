package connector_test

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/strahe/assessor-sync/connector"
	"github.com/strahe/assessor-sync/models"
)

// TestPostgresRoundTrip runs against a live Postgres or YugabyteDB when
// ASSESSOR_SYNC_TEST_PG_URI is set.
func TestPostgresRoundTrip(t *testing.T) {
	uri := os.Getenv("ASSESSOR_SYNC_TEST_PG_URI")
	if uri == "" {
		t.Skip("ASSESSOR_SYNC_TEST_PG_URI not set")
	}
	ctx := context.Background()
	c, err := connector.Open(ctx, "pg", uri, connector.DefaultPoolConfig())
	require.NoError(t, err)
	defer func() { require.NoError(t, c.Close()) }()
	require.Equal(t, connector.Postgres, c.Dialect())

	table := "sync_it_" + strings.ReplaceAll(uuid.NewString()[:8], "-", "")
	require.NoError(t, c.Exec(ctx, `CREATE TABLE `+table+` (
		parcel_id BIGINT PRIMARY KEY,
		owner_name TEXT NOT NULL,
		updated_at TIMESTAMPTZ
	)`))
	defer func() { require.NoError(t, c.Exec(ctx, `DROP TABLE `+table)) }()

	ts, err := c.DescribeTable(ctx, table)
	require.NoError(t, err)
	require.Equal(t, []string{"parcel_id"}, ts.PrimaryKeys)

	tx, err := c.Begin(ctx)
	require.NoError(t, err)
	ins, _, err := tx.UpsertBatch(ctx, table, []string{"parcel_id"}, []models.Row{
		{"parcel_id": int64(1), "owner_name": "a", "updated_at": nil},
		{"parcel_id": int64(2), "owner_name": "b", "updated_at": nil},
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.EqualValues(t, 2, ins)

	// NOT NULL violations are classified as row-level data errors
	tx, err = c.Begin(ctx)
	require.NoError(t, err)
	_, _, err = tx.UpsertBatch(ctx, table, []string{"parcel_id"}, []models.Row{
		{"parcel_id": int64(3), "owner_name": nil, "updated_at": nil},
	})
	require.Error(t, err)
	require.Equal(t, models.KindData, models.KindOf(err))
	require.NoError(t, tx.Rollback())

	n, err := c.CountRows(ctx, connector.Query{Table: table})
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}
