package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/strahe/assessor-sync/connector"
	"github.com/strahe/assessor-sync/models"
	"github.com/strahe/assessor-sync/store"
)

func TestSQLLedgerSuite(t *testing.T) {
	suite.Run(t, new(ledgerSuite))
}

type ledgerSuite struct {
	suite.Suite
	ctx context.Context
	l   *store.SQLLedger
}

func (s *ledgerSuite) R() *require.Assertions {
	return s.Require()
}

func (s *ledgerSuite) SetupTest() {
	s.ctx = context.Background()
	path := filepath.Join(s.T().TempDir(), "ledger.db")
	l, err := store.OpenSQLLedger(s.ctx, "sqlite://"+path, connector.DefaultPoolConfig())
	s.R().NoError(err)
	s.R().NoError(l.Migrate(s.ctx))
	// second run is a no-op
	s.R().NoError(l.Migrate(s.ctx))
	s.l = l
}

func (s *ledgerSuite) TearDownTest() {
	s.R().NoError(s.l.Close())
}

func (s *ledgerSuite) newJob(id string, status models.JobStatus, started time.Time) *models.SyncJob {
	j := &models.SyncJob{
		ID:             id,
		Mode:           models.ModeIncremental,
		SourceRef:      "src",
		TargetRef:      "dst",
		ConflictPolicy: models.PolicySourceWins,
		Tables:         []string{"parcels"},
		Status:         status,
		Options:        models.JobOptions{EnableRollback: true, BatchSize: 100},
		StartedAt:      started,
	}
	s.R().NoError(s.l.CreateJob(s.ctx, j))
	return j
}

func (s *ledgerSuite) TestJobRoundTrip() {
	started := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	j := s.newJob("job-1", models.JobPending, started)

	got, err := s.l.GetJob(s.ctx, "job-1")
	s.R().NoError(err)
	s.Equal(models.ModeIncremental, got.Mode)
	s.Equal([]string{"parcels"}, got.Tables)
	s.True(got.Options.EnableRollback)
	s.Equal(100, got.Options.BatchSize)
	s.True(started.Equal(got.StartedAt))
	s.Nil(got.EndedAt)

	ended := started.Add(time.Minute)
	j.Status = models.JobCompleted
	j.EndedAt = &ended
	j.Totals = models.JobTotals{Planned: 10, Processed: 10, Written: 9, Conflicted: 1}
	j.Summary.CountError(models.KindData, 2)
	s.R().NoError(s.l.UpdateJob(s.ctx, j))

	got, err = s.l.GetJob(s.ctx, "job-1")
	s.R().NoError(err)
	s.Equal(models.JobCompleted, got.Status)
	s.R().NotNil(got.EndedAt)
	s.True(ended.Equal(*got.EndedAt))
	s.Equal(j.Totals, got.Totals)
	s.Equal(int64(2), got.Summary.ErrorCounts[models.KindData])

	_, err = s.l.GetJob(s.ctx, "missing")
	s.ErrorIs(err, models.ErrNotFound)
	s.ErrorIs(s.l.UpdateJob(s.ctx, &models.SyncJob{ID: "missing"}), models.ErrNotFound)
}

func (s *ledgerSuite) TestListJobsFilter() {
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	s.newJob("a", models.JobCompleted, base)
	s.newJob("b", models.JobFailed, base.Add(time.Hour))
	s.newJob("c", models.JobCompleted, base.Add(2*time.Hour))

	all, err := s.l.ListJobs(s.ctx, models.JobFilter{})
	s.R().NoError(err)
	s.R().Len(all, 3)
	s.Equal("c", all[0].ID, "newest first")

	done, err := s.l.ListJobs(s.ctx, models.JobFilter{Statuses: []models.JobStatus{models.JobCompleted}})
	s.R().NoError(err)
	s.Len(done, 2)

	window, err := s.l.ListJobs(s.ctx, models.JobFilter{Since: base.Add(30 * time.Minute), Until: base.Add(90 * time.Minute)})
	s.R().NoError(err)
	s.R().Len(window, 1)
	s.Equal("b", window[0].ID)

	page, err := s.l.ListJobs(s.ctx, models.JobFilter{Limit: 1, Offset: 1})
	s.R().NoError(err)
	s.R().Len(page, 1)
	s.Equal("b", page[0].ID)

	skipped, err := s.l.ListJobs(s.ctx, models.JobFilter{Offset: 2})
	s.R().NoError(err)
	s.R().Len(skipped, 1)
	s.Equal("a", skipped[0].ID)
}

func (s *ledgerSuite) TestSliceUpsertAndCheckpoint() {
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	s.newJob("old", models.JobCancelled, base)
	wm := time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)
	sl := &models.TableSlice{
		JobID:       "old",
		Table:       "parcels",
		TargetTable: "parcels",
		PrimaryKeys: []string{"parcel_id"},
		Status:      models.SliceRunning,
		StartedAt:   base,
	}
	s.R().NoError(s.l.SaveSlice(s.ctx, sl))
	sl.Checkpoint = &models.Checkpoint{Watermark: wm, Key: []any{int64(42)}}
	sl.RowsSeen = 42
	sl.Status = models.SliceCancelled
	s.R().NoError(s.l.SaveSlice(s.ctx, sl))

	slices, err := s.l.ListSlices(s.ctx, "old")
	s.R().NoError(err)
	s.R().Len(slices, 1)
	s.Equal(int64(42), slices[0].RowsSeen)
	s.R().NotNil(slices[0].Checkpoint)
	s.Equal([]any{int64(42)}, slices[0].Checkpoint.Key)

	cp, err := s.l.LatestCheckpoint(s.ctx, "src", "dst", "parcels", "new")
	s.R().NoError(err)
	s.R().NotNil(cp)
	s.True(wm.Equal(cp.Watermark.(time.Time)))

	// the job asking never resumes from itself
	cp, err = s.l.LatestCheckpoint(s.ctx, "src", "dst", "parcels", "old")
	s.R().NoError(err)
	s.Nil(cp)

	// rolled back jobs do not count
	j, err := s.l.GetJob(s.ctx, "old")
	s.R().NoError(err)
	j.Status = models.JobRolledBack
	s.R().NoError(s.l.UpdateJob(s.ctx, j))
	cp, err = s.l.LatestCheckpoint(s.ctx, "src", "dst", "parcels", "new")
	s.R().NoError(err)
	s.Nil(cp)
}

func (s *ledgerSuite) TestConflictLifecycle() {
	s.newJob("job", models.JobCompleted, time.Now())
	c := &models.ConflictRecord{
		ID:             "c1",
		JobID:          "job",
		Table:          "parcels",
		PrimaryKey:     models.Row{"parcel_id": int64(7)},
		DetectedAt:     time.Now().UTC(),
		SourceSnapshot: models.Row{"parcel_id": int64(7), "value": 100.5},
		TargetSnapshot: models.Row{"parcel_id": int64(7), "value": 90.0},
		DifferingFields: map[string]models.FieldDiff{
			"value": {SourceValue: 100.5, TargetValue: 90.0},
		},
		PolicyApplied: models.PolicyManual,
		Resolution:    models.ResolutionManualPending,
	}
	s.R().NoError(s.l.SaveConflict(s.ctx, c))

	pending, err := s.l.ListConflicts(s.ctx, models.ConflictFilter{JobID: "job", Resolution: models.ResolutionManualPending})
	s.R().NoError(err)
	s.R().Len(pending, 1)
	s.Equal(100.5, pending[0].DifferingFields["value"].SourceValue)
	s.Equal(int64(7), pending[0].PrimaryKey["parcel_id"])

	at := time.Now()
	got, err := s.l.ResolveConflict(s.ctx, "c1", models.ResolutionTargetWins, "alice", "checked deed", at)
	s.R().NoError(err)
	s.Equal(models.ResolutionTargetWins, got.Resolution)
	s.Equal("alice", got.Resolver)
	s.Equal([]string{"checked deed"}, got.Notes)

	_, err = s.l.ResolveConflict(s.ctx, "c1", models.ResolutionSourceWins, "bob", "", at)
	s.ErrorIs(err, models.ErrConflictResolved)

	// notes stay appendable after resolution
	s.R().NoError(s.l.AnnotateConflict(s.ctx, "c1", "audited"))
	got, err = s.l.GetConflict(s.ctx, "c1")
	s.R().NoError(err)
	s.Equal([]string{"checked deed", "audited"}, got.Notes)
	s.Equal(models.ResolutionTargetWins, got.Resolution)

	_, err = s.l.GetConflict(s.ctx, "nope")
	s.ErrorIs(err, models.ErrNotFound)
}

func (s *ledgerSuite) TestReopenConflict() {
	at := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	s.R().NoError(s.l.SaveConflict(s.ctx, &models.ConflictRecord{
		ID:             "c2",
		JobID:          "job",
		Table:          "parcels",
		PrimaryKey:     models.Row{"parcel_id": int64(1)},
		DetectedAt:     at,
		SourceSnapshot: models.Row{"parcel_id": int64(1), "owner_name": "Alice Smith"},
		TargetSnapshot: models.Row{"parcel_id": int64(1), "owner_name": "Bob"},
		PolicyApplied:  models.PolicySourceWins,
		Resolution:     models.ResolutionSourceWins,
		ResolvedAt:     &at,
		Resolver:       models.ResolverSystem,
	}))

	s.R().NoError(s.l.ReopenConflict(s.ctx, "c2", "write rejected"))
	got, err := s.l.GetConflict(s.ctx, "c2")
	s.R().NoError(err)
	s.True(got.Pending())
	s.Nil(got.ResolvedAt)
	s.Empty(got.Resolver)
	s.Equal([]string{"write rejected"}, got.Notes)

	// a reopened conflict can be settled again
	_, err = s.l.ResolveConflict(s.ctx, "c2", models.ResolutionTargetWins, "clerk", "", at)
	s.R().NoError(err)

	s.ErrorIs(s.l.ReopenConflict(s.ctx, "nope", "x"), models.ErrNotFound)
}

func (s *ledgerSuite) TestEventsAreSequencedPerJob() {
	for i := 0; i < 3; i++ {
		ev := models.NewEvent("job-a", models.EventCheckpoint, "parcels", map[string]any{"n": i})
		s.R().NoError(s.l.AppendEvent(s.ctx, &ev))
		s.Equal(int64(i+1), ev.Seq)
	}
	ev := models.NewEvent("job-b", models.EventPlan, "", nil)
	s.R().NoError(s.l.AppendEvent(s.ctx, &ev))
	s.Equal(int64(1), ev.Seq)

	events, err := s.l.ListEvents(s.ctx, "job-a", 1, 0)
	s.R().NoError(err)
	s.R().Len(events, 2)
	s.Equal(int64(2), events[0].Seq)
	s.Equal(models.EventCheckpoint, events[0].Type)
	s.EqualValues(1, events[0].Payload["n"])

	limited, err := s.l.ListEvents(s.ctx, "job-a", 0, 1)
	s.R().NoError(err)
	s.Len(limited, 1)
}

func (s *ledgerSuite) TestRollbackUnits() {
	for i := 0; i < 2; i++ {
		u := &models.RollbackUnit{
			ID:         "u" + string(rune('1'+i)),
			JobID:      "job",
			Table:      "parcels",
			KeyColumns: []string{"parcel_id"},
			Entries: []models.RollbackEntry{
				{Key: models.Row{"parcel_id": int64(i)}, Existed: i == 0, Prior: models.Row{"parcel_id": int64(i), "owner": "x"}},
			},
		}
		s.R().NoError(s.l.SaveRollbackUnit(s.ctx, u))
		s.Equal(int64(i+1), u.Seq)
	}
	s.R().NoError(s.l.MarkRollbackApplied(s.ctx, "u1"))
	s.R().NoError(s.l.MarkRollbackReverted(s.ctx, "u1"))
	s.ErrorIs(s.l.MarkRollbackApplied(s.ctx, "zz"), models.ErrNotFound)

	units, err := s.l.ListRollbackUnits(s.ctx, "job")
	s.R().NoError(err)
	s.R().Len(units, 2)
	s.True(units[0].Applied)
	s.True(units[0].Reverted)
	s.False(units[1].Applied)
	s.True(units[0].Entries[0].Existed)
	s.Equal("x", units[0].Entries[0].Prior["owner"])
}

func (s *ledgerSuite) TestPairLock() {
	s.newJob("j1", models.JobRunning, time.Now())
	s.newJob("j2", models.JobPending, time.Now())

	s.R().NoError(s.l.AcquirePairLock(s.ctx, "src->dst", "j1"))
	s.R().NoError(s.l.AcquirePairLock(s.ctx, "src->dst", "j1"), "re-entrant for the holder")
	s.ErrorIs(s.l.AcquirePairLock(s.ctx, "src->dst", "j2"), models.ErrPairBusy)

	s.R().NoError(s.l.ReleasePairLock(s.ctx, "src->dst", "j1"))
	s.R().NoError(s.l.AcquirePairLock(s.ctx, "src->dst", "j2"))

	// a lock left by a dead job is taken over
	j2, err := s.l.GetJob(s.ctx, "j2")
	s.R().NoError(err)
	j2.Status = models.JobFailed
	s.R().NoError(s.l.UpdateJob(s.ctx, j2))
	s.R().NoError(s.l.AcquirePairLock(s.ctx, "src->dst", "j1"))
}

func (s *ledgerSuite) TestPurgeTerminalJobsOnly() {
	old := time.Now().Add(-72 * time.Hour)
	done := s.newJob("done", models.JobCompleted, old)
	ended := old.Add(time.Minute)
	done.EndedAt = &ended
	s.R().NoError(s.l.UpdateJob(s.ctx, done))
	s.newJob("running", models.JobRunning, old)

	ev := models.NewEvent("done", models.EventComplete, "", nil)
	s.R().NoError(s.l.AppendEvent(s.ctx, &ev))

	n, err := s.l.PurgeJobs(s.ctx, time.Now().Add(-24*time.Hour))
	s.R().NoError(err)
	s.Equal(int64(1), n)

	_, err = s.l.GetJob(s.ctx, "done")
	s.ErrorIs(err, models.ErrNotFound)
	_, err = s.l.GetJob(s.ctx, "running")
	s.NoError(err)
	events, err := s.l.ListEvents(s.ctx, "done", 0, 0)
	s.R().NoError(err)
	s.Empty(events)
}
