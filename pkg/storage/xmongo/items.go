package xmongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/omeyang/xcoord/pkg/distributed/xclaim"
)

var _ xclaim.Store = (*ItemStore)(nil)

// claimOrder 认领顺序：created_at、_id 升序。
var claimOrder = bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}

var claimedStatuses = bson.A{string(xclaim.StatusClaimed), string(xclaim.StatusProcessing)}

// ItemStore 工作项存储。
type ItemStore struct {
	coll *mongo.Collection
}

// NewItemStore 在 db 的 ItemsCollection 上创建存储。db 为 nil 时 panic。
func NewItemStore(db *mongo.Database) *ItemStore {
	if db == nil {
		panic(ErrNilDatabase.Error())
	}
	return &ItemStore{coll: db.Collection(ItemsCollection)}
}

// claimFilter 可认领谓词。
func claimFilter(staleBefore time.Time) bson.D {
	return bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "status", Value: string(xclaim.StatusPending)}},
		bson.D{
			{Key: "status", Value: bson.D{{Key: "$in", Value: claimedStatuses}}},
			{Key: "claimed_at", Value: bson.D{{Key: "$lt", Value: staleBefore}}},
		},
	}}}
}

// ownedFilter 条件写入的所有权谓词。
func ownedFilter(id, owner string) bson.D {
	return bson.D{
		{Key: "_id", Value: id},
		{Key: "claim_owner", Value: owner},
		{Key: "status", Value: bson.D{{Key: "$in", Value: claimedStatuses}}},
	}
}

// ClaimBatch 实现 xclaim.Store。
func (s *ItemStore) ClaimBatch(ctx context.Context, owner string, limit int, staleBefore, now time.Time) ([]xclaim.WorkItem, error) {
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "status", Value: string(xclaim.StatusClaimed)},
		{Key: "claim_owner", Value: owner},
		{Key: "claimed_at", Value: now},
		{Key: "last_updated_at", Value: now},
	}}}
	opts := options.FindOneAndUpdate().
		SetSort(claimOrder).
		SetReturnDocument(options.Before)

	out := make([]xclaim.WorkItem, 0, limit)
	for len(out) < limit {
		var before xclaim.WorkItem
		err := s.coll.FindOneAndUpdate(ctx, claimFilter(staleBefore), update, opts).Decode(&before)
		if errors.Is(err, mongo.ErrNoDocuments) {
			break
		}
		if err != nil {
			// out 中的项已写入 owner，连同错误一起交给调用方处理。
			return out, fmt.Errorf("xmongo: claim batch after %d items: %w", len(out), err)
		}

		it := before
		if before.Status.Claimed() {
			it.ReclaimedFrom = before.ClaimOwner
		}
		it.Status = xclaim.StatusClaimed
		it.ClaimOwner = owner
		it.ClaimedAt = now
		it.LastUpdatedAt = now
		out = append(out, it)
	}
	return out, nil
}

// MarkProcessing 实现 xclaim.Store。
func (s *ItemStore) MarkProcessing(ctx context.Context, id, owner string, now time.Time) (bool, error) {
	return s.transition(ctx, "mark processing", id, owner, bson.D{{Key: "$set", Value: bson.D{
		{Key: "status", Value: string(xclaim.StatusProcessing)},
		{Key: "claimed_at", Value: now},
		{Key: "last_updated_at", Value: now},
	}}})
}

// Touch 实现 xclaim.Store。
func (s *ItemStore) Touch(ctx context.Context, id, owner string, now time.Time) (bool, error) {
	return s.transition(ctx, "touch", id, owner, bson.D{{Key: "$set", Value: bson.D{
		{Key: "claimed_at", Value: now},
		{Key: "last_updated_at", Value: now},
	}}})
}

// MarkCompleted 实现 xclaim.Store。
func (s *ItemStore) MarkCompleted(ctx context.Context, id, owner string, now time.Time) (bool, error) {
	return s.transition(ctx, "mark completed", id, owner, settleUpdate(xclaim.StatusCompleted, 0, now))
}

// MarkFailed 实现 xclaim.Store。
func (s *ItemStore) MarkFailed(ctx context.Context, id, owner string, retryIncrement int, now time.Time) (bool, error) {
	return s.transition(ctx, "mark failed", id, owner, settleUpdate(xclaim.StatusFailed, retryIncrement, now))
}

// Release 实现 xclaim.Store。
func (s *ItemStore) Release(ctx context.Context, id, owner string, retryIncrement int, now time.Time) (bool, error) {
	return s.transition(ctx, "release", id, owner, settleUpdate(xclaim.StatusPending, retryIncrement, now))
}

// settleUpdate 离开认领状态：清除 claim_owner、claimed_at，累加重试次数。
func settleUpdate(st xclaim.Status, inc int, now time.Time) bson.D {
	return bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "status", Value: string(st)},
			{Key: "last_updated_at", Value: now},
		}},
		{Key: "$unset", Value: bson.D{
			{Key: "claim_owner", Value: ""},
			{Key: "claimed_at", Value: ""},
		}},
		{Key: "$inc", Value: bson.D{{Key: "retry_count", Value: inc}}},
	}
}

func (s *ItemStore) transition(ctx context.Context, op, id, owner string, update bson.D) (bool, error) {
	res, err := s.coll.UpdateOne(ctx, ownedFilter(id, owner), update)
	if err != nil {
		return false, fmt.Errorf("xmongo: %s: %w", op, err)
	}
	return res.MatchedCount == 1, nil
}

// Enqueue 实现 xclaim.Store。
func (s *ItemStore) Enqueue(ctx context.Context, payloadRef string, now time.Time) (xclaim.WorkItem, error) {
	now = now.UTC().Truncate(time.Millisecond)
	it := xclaim.WorkItem{
		ID:            uuid.NewString(),
		PayloadRef:    payloadRef,
		Status:        xclaim.StatusPending,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
	if _, err := s.coll.InsertOne(ctx, it); err != nil {
		return xclaim.WorkItem{}, fmt.Errorf("xmongo: enqueue: %w", err)
	}
	return it, nil
}

// Rearm 实现 xclaim.Store。
func (s *ItemStore) Rearm(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}, {Key: "status", Value: string(xclaim.StatusFailed)}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "status", Value: string(xclaim.StatusPending)},
			{Key: "retry_count", Value: 0},
			{Key: "last_updated_at", Value: now},
		}}},
	)
	if err != nil {
		return false, fmt.Errorf("xmongo: rearm %s: %w", id, err)
	}
	if res.MatchedCount == 1 {
		return true, nil
	}

	n, err := s.coll.CountDocuments(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return false, fmt.Errorf("xmongo: rearm %s: %w", id, err)
	}
	if n == 0 {
		return false, fmt.Errorf("%w: %s", xclaim.ErrNotFound, id)
	}
	return false, nil
}

// itemListFilter 管理查询条件。
func itemListFilter(f xclaim.Filter) bson.D {
	filter := bson.D{}
	if f.Status != "" {
		filter = append(filter, bson.E{Key: "status", Value: string(f.Status)})
	}
	if f.Owner != "" {
		filter = append(filter, bson.E{Key: "claim_owner", Value: f.Owner})
	}
	return filter
}

// List 实现 xclaim.Store。
func (s *ItemStore) List(ctx context.Context, f xclaim.Filter) ([]xclaim.WorkItem, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = xclaim.DefaultListLimit
	}
	cur, err := s.coll.Find(ctx, itemListFilter(f), options.Find().SetSort(claimOrder).SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("xmongo: list items: %w", err)
	}
	out := make([]xclaim.WorkItem, 0)
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("xmongo: list items: %w", err)
	}
	return out, nil
}
