package xpg

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/omeyang/xcoord/pkg/distributed/xjob"
)

var _ xjob.ExecutionStore = (*ExecutionStore)(nil)

const executionColumns = `id, job_name, status, started_at, ended_at, fencing_token, leader_token, holder, reason, stats`

// ExecutionStore 基于 xcoord_executions 表的执行记录存储。Stats 以 JSONB 存储。
type ExecutionStore struct {
	db DB
}

// NewExecutionStore 创建执行记录存储。db 为 nil 时 panic。
func NewExecutionStore(db DB) *ExecutionStore {
	if db == nil {
		panic("xpg: db cannot be nil")
	}
	return &ExecutionStore{db: db}
}

// Create 实现 xjob.ExecutionStore。
func (s *ExecutionStore) Create(ctx context.Context, e xjob.Execution) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO xcoord_executions (`+executionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.JobName, string(e.Status), e.StartedAt, nullTime(e.EndedAt),
		e.FencingToken, e.LeaderToken, e.Holder, e.Reason, e.Stats,
	)
	if isDuplicateKey(err) {
		return fmt.Errorf("%w: %s", xjob.ErrExecutionExists, e.ID)
	}
	if err != nil {
		return fmt.Errorf("xpg: create execution %s: %w", e.ID, err)
	}
	return nil
}

// Get 实现 xjob.ExecutionStore。
func (s *ExecutionStore) Get(ctx context.Context, id string) (xjob.Execution, error) {
	rows, err := s.db.Query(ctx, `SELECT `+executionColumns+` FROM xcoord_executions WHERE id = $1`, id)
	if err != nil {
		return xjob.Execution{}, fmt.Errorf("xpg: get execution %s: %w", id, err)
	}
	e, err := pgx.CollectExactlyOneRow(rows, scanExecution)
	switch {
	case isNoRows(err):
		return xjob.Execution{}, fmt.Errorf("%w: %s", xjob.ErrExecutionNotFound, id)
	case err != nil:
		return xjob.Execution{}, fmt.Errorf("xpg: get execution %s: %w", id, err)
	}
	return e, nil
}

// Finish 实现 xjob.ExecutionStore。
func (s *ExecutionStore) Finish(ctx context.Context, id string, token int64, c xjob.Completion) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE xcoord_executions
		SET status = $3, reason = $4, stats = $5, ended_at = $6
		WHERE id = $1 AND fencing_token = $2 AND status IN ('RUNNING', 'UNKNOWN')`,
		id, token, string(c.Status), c.Reason, c.Stats, nullTime(c.EndedAt),
	)
	if err != nil {
		return false, fmt.Errorf("xpg: finish execution %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// List 实现 xjob.ExecutionStore。
func (s *ExecutionStore) List(ctx context.Context, f xjob.ExecutionFilter) ([]xjob.Execution, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = xjob.DefaultListLimit
	}
	statuses := make([]string, 0, len(f.Statuses))
	for _, st := range f.Statuses {
		statuses = append(statuses, string(st))
	}

	rows, err := s.db.Query(ctx, `
		SELECT `+executionColumns+` FROM xcoord_executions
		WHERE ($1::text = '' OR job_name = $1)
		  AND (cardinality($2::text[]) = 0 OR status = ANY($2::text[]))
		ORDER BY started_at DESC, id ASC
		LIMIT $3`,
		f.JobName, statuses, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("xpg: list executions: %w", err)
	}
	execs, err := pgx.CollectRows(rows, scanExecution)
	if err != nil {
		return nil, fmt.Errorf("xpg: list executions: %w", err)
	}
	return execs, nil
}

func scanExecution(row pgx.CollectableRow) (xjob.Execution, error) {
	var (
		e     xjob.Execution
		ended *time.Time
	)
	err := row.Scan(&e.ID, &e.JobName, &e.Status, &e.StartedAt, &ended,
		&e.FencingToken, &e.LeaderToken, &e.Holder, &e.Reason, &e.Stats)
	e.StartedAt = e.StartedAt.UTC()
	e.EndedAt = fromNull(ended)
	return e, err
}
