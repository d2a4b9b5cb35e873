package store

import (
	"context"
	"time"

	"github.com/strahe/assessor-sync/models"
)

// Ledger 定义作业台账接口: the persistent record of jobs, slices, conflicts, rollback
// units and the append-only audit stream.
type Ledger interface {
	// Migrate 创建台账表 (idempotent)
	Migrate(ctx context.Context) error

	CreateJob(ctx context.Context, job *models.SyncJob) error
	UpdateJob(ctx context.Context, job *models.SyncJob) error
	GetJob(ctx context.Context, id string) (*models.SyncJob, error)
	ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.SyncJob, error)

	SaveSlice(ctx context.Context, slice *models.TableSlice) error
	ListSlices(ctx context.Context, jobID string) ([]*models.TableSlice, error)
	// LatestCheckpoint 返回同一 (source, target, table) 上一个未回滚作业的检查点
	LatestCheckpoint(ctx context.Context, sourceRef, targetRef, table, excludeJob string) (*models.Checkpoint, error)

	SaveConflict(ctx context.Context, c *models.ConflictRecord) error
	GetConflict(ctx context.Context, id string) (*models.ConflictRecord, error)
	ResolveConflict(ctx context.Context, id string, resolution models.Resolution, resolver, note string, at time.Time) (*models.ConflictRecord, error)
	AnnotateConflict(ctx context.Context, id, note string) error
	// ReopenConflict 将系统已解决但未写入目标的冲突退回 manual_pending
	ReopenConflict(ctx context.Context, id, note string) error
	ListConflicts(ctx context.Context, filter models.ConflictFilter) ([]*models.ConflictRecord, error)

	// AppendEvent 追加审计事件并分配 Seq
	AppendEvent(ctx context.Context, ev *models.AuditEvent) error
	ListEvents(ctx context.Context, jobID string, after int64, limit int) ([]models.AuditEvent, error)

	SaveRollbackUnit(ctx context.Context, u *models.RollbackUnit) error
	MarkRollbackApplied(ctx context.Context, id string) error
	MarkRollbackReverted(ctx context.Context, id string) error
	ListRollbackUnits(ctx context.Context, jobID string) ([]*models.RollbackUnit, error)

	AcquirePairLock(ctx context.Context, pairKey, jobID string) error
	ReleasePairLock(ctx context.Context, pairKey, jobID string) error

	// PurgeJobs 删除早于 olderThan 的终态作业及其附属记录
	PurgeJobs(ctx context.Context, olderThan time.Time) (int64, error)

	Close() error
}
