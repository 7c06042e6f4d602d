package xmongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/omeyang/xcoord/pkg/distributed/xjob"
)

var _ xjob.ExecutionStore = (*ExecutionStore)(nil)

// ExecutionStore 执行记录存储。
type ExecutionStore struct {
	coll *mongo.Collection
}

// NewExecutionStore 在 db 的 ExecutionsCollection 上创建存储。db 为 nil 时 panic。
func NewExecutionStore(db *mongo.Database) *ExecutionStore {
	if db == nil {
		panic(ErrNilDatabase.Error())
	}
	return &ExecutionStore{coll: db.Collection(ExecutionsCollection)}
}

// Create 实现 xjob.ExecutionStore。
func (s *ExecutionStore) Create(ctx context.Context, e xjob.Execution) error {
	_, err := s.coll.InsertOne(ctx, e)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %s", xjob.ErrExecutionExists, e.ID)
	}
	if err != nil {
		return fmt.Errorf("xmongo: create execution %s: %w", e.ID, err)
	}
	return nil
}

// Get 实现 xjob.ExecutionStore。
func (s *ExecutionStore) Get(ctx context.Context, id string) (xjob.Execution, error) {
	var e xjob.Execution
	err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&e)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return xjob.Execution{}, fmt.Errorf("%w: %s", xjob.ErrExecutionNotFound, id)
	case err != nil:
		return xjob.Execution{}, fmt.Errorf("xmongo: get execution %s: %w", id, err)
	}
	return e, nil
}

// Finish 实现 xjob.ExecutionStore。
func (s *ExecutionStore) Finish(ctx context.Context, id string, token int64, c xjob.Completion) (bool, error) {
	filter := bson.D{
		{Key: "_id", Value: id},
		{Key: "fencing_token", Value: token},
		{Key: "status", Value: bson.D{{Key: "$in", Value: bson.A{string(xjob.StatusRunning), string(xjob.StatusUnknown)}}}},
	}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "status", Value: string(c.Status)},
		{Key: "reason", Value: c.Reason},
		{Key: "stats", Value: c.Stats},
		{Key: "ended_at", Value: c.EndedAt},
	}}}
	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("xmongo: finish execution %s: %w", id, err)
	}
	return res.MatchedCount == 1, nil
}

// executionListFilter 执行记录查询条件。
func executionListFilter(f xjob.ExecutionFilter) bson.D {
	filter := bson.D{}
	if f.JobName != "" {
		filter = append(filter, bson.E{Key: "job_name", Value: f.JobName})
	}
	if len(f.Statuses) > 0 {
		in := make(bson.A, 0, len(f.Statuses))
		for _, st := range f.Statuses {
			in = append(in, string(st))
		}
		filter = append(filter, bson.E{Key: "status", Value: bson.D{{Key: "$in", Value: in}}})
	}
	return filter
}

// List 实现 xjob.ExecutionStore。
func (s *ExecutionStore) List(ctx context.Context, f xjob.ExecutionFilter) ([]xjob.Execution, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = xjob.DefaultListLimit
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "started_at", Value: -1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(limit))
	cur, err := s.coll.Find(ctx, executionListFilter(f), opts)
	if err != nil {
		return nil, fmt.Errorf("xmongo: list executions: %w", err)
	}
	out := make([]xjob.Execution, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("xmongo: list executions: %w", err)
	}
	return out, nil
}
