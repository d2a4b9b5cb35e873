package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"

	"github.com/strahe/assessor-sync/connector"
	"github.com/strahe/assessor-sync/models"
	"github.com/strahe/assessor-sync/store"
)

const parcelsYAML = `name: parcels
data_type: assessor
source_table: parcels
primary_keys: [parcel_id]
watermark: updated_at
fields:
  - {source_name: parcel_id, target_name: parcel_id, declared_type: integer}
  - {source_name: owner_name, target_name: owner_name, declared_type: text}
  - {source_name: updated_at, target_name: updated_at, declared_type: text, nullable: true}
`

type cliEnv struct {
	t      *testing.T
	ctx    context.Context
	dir    string
	config string
}

func newCLIEnv(t *testing.T) *cliEnv {
	dir := t.TempDir()
	env := &cliEnv{t: t, ctx: context.Background(), dir: dir, config: filepath.Join(dir, "sync.toml")}
	cfg := fmt.Sprintf(`log_level = "warn"

[endpoints]
source = "sqlite://%[1]s/source.db"
target = "sqlite://%[1]s/target.db"

[ledger]
uri = "sqlite://%[1]s/control.db"

[mappings]
dir = "%[1]s/mappings"

[[notify.sinks]]
type = "debug"
`, dir)
	require.NoError(t, os.WriteFile(env.config, []byte(cfg), 0o600))
	return env
}

func (env *cliEnv) run(args ...string) error {
	return newApp().Run(env.ctx, append([]string{"assessor-sync", "--config", env.config}, args...))
}

func (env *cliEnv) withEndpoints(fn func(src, dst connector.Connector)) {
	reg := connector.NewRegistry(map[string]string{
		"source": "sqlite://" + filepath.Join(env.dir, "source.db"),
		"target": "sqlite://" + filepath.Join(env.dir, "target.db"),
	}, connector.DefaultPoolConfig())
	defer func() { require.NoError(env.t, reg.Close()) }()
	src, err := reg.Get(env.ctx, "source")
	require.NoError(env.t, err)
	dst, err := reg.Get(env.ctx, "target")
	require.NoError(env.t, err)
	fn(src, dst)
}

func (env *cliEnv) owner(id int64) string {
	var owner string
	env.withEndpoints(func(_, dst connector.Connector) {
		rows, err := dst.FetchByKeys(env.ctx, "parcels", []string{"parcel_id"}, []string{"owner_name"}, [][]any{{id}})
		require.NoError(env.t, err)
		require.Len(env.t, rows, 1)
		owner = rows[0]["owner_name"].(string)
	})
	return owner
}

func (env *cliEnv) pendingConflicts() []*models.ConflictRecord {
	l, err := store.OpenSQLLedger(env.ctx, "sqlite://"+filepath.Join(env.dir, "control.db"), connector.DefaultPoolConfig())
	require.NoError(env.t, err)
	defer func() { require.NoError(env.t, l.Close()) }()
	cs, err := l.ListConflicts(env.ctx, models.ConflictFilter{Resolution: models.ResolutionManualPending})
	require.NoError(env.t, err)
	return cs
}

func TestCLIWorkflow(t *testing.T) {
	env := newCLIEnv(t)
	env.withEndpoints(func(src, dst connector.Connector) {
		for _, c := range []connector.Connector{src, dst} {
			require.NoError(t, c.Exec(env.ctx, `CREATE TABLE parcels (
				parcel_id INTEGER PRIMARY KEY,
				owner_name TEXT NOT NULL,
				updated_at TEXT
			)`))
		}
		require.NoError(t, src.Exec(env.ctx, `INSERT INTO parcels VALUES (1, 'Alice Smith', '2025-01-02T00:00:00Z'), (2, 'Bob Ash', '2025-01-03T00:00:00Z')`))
	})

	doc := filepath.Join(env.dir, "parcels.yaml")
	require.NoError(t, os.WriteFile(doc, []byte(parcelsYAML), 0o600))
	require.NoError(t, env.run("mappings", "add", doc))
	require.NoError(t, env.run("mappings", "list"))
	require.NoError(t, env.run("mappings", "validate"))

	require.NoError(t, env.run("run", "--mode", "full", "--table", "parcels"))
	require.Equal(t, "Alice Smith", env.owner(1))
	require.NoError(t, env.run("jobs", "list"))

	// an edit on the target side is held for review under the manual policy
	env.withEndpoints(func(_, dst connector.Connector) {
		require.NoError(t, dst.Exec(env.ctx, `UPDATE parcels SET owner_name = 'A. Smith' WHERE parcel_id = 1`))
	})
	err := env.run("run", "--mode", "full", "--policy", "manual")
	require.Error(t, err)
	require.Equal(t, exitManualPending, exitCode(err))
	require.Equal(t, "A. Smith", env.owner(1))

	pending := env.pendingConflicts()
	require.Len(t, pending, 1)
	require.NoError(t, env.run("conflicts", "list", "--pending"))
	require.NoError(t, env.run("conflicts", "show", pending[0].ID))
	require.NoError(t, env.run("conflicts", "resolve", pending[0].ID, "--decision", "source_wins", "--note", "deed on file"))
	require.Equal(t, "Alice Smith", env.owner(1))
	require.Empty(t, env.pendingConflicts())

	require.NoError(t, env.run("jobs", "events", pending[0].JobID))
	require.NoError(t, env.run("jobs", "show", pending[0].JobID))
	require.NoError(t, env.run("retention", "--older-than", "24h"))

	err = env.run("jobs", "show", "no-such-job")
	require.Equal(t, exitValidation, exitCode(err))

	err = env.run("jobs", "pause", pending[0].JobID)
	require.ErrorIs(t, err, models.ErrJobNotActive)
}

func TestCLIRejectsBadConfig(t *testing.T) {
	env := newCLIEnv(t)
	require.NoError(t, os.WriteFile(env.config, []byte("[engine]\nconcurrency = 0\n"), 0o600))
	err := env.run("jobs", "list")
	require.Equal(t, exitValidation, exitCode(err))
}

func TestRunRestartFlagExplainsRecheck(t *testing.T) {
	for _, f := range runCmd.Flags {
		if bf, ok := f.(*cli.BoolFlag); ok && bf.Name == "restart" {
			require.Contains(t, bf.Usage, "re-read every row")
			return
		}
	}
	t.Fatal("run has no --restart flag")
}
