package xmongo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/omeyang/xcoord/pkg/distributed/xclaim"
	"github.com/omeyang/xcoord/pkg/distributed/xjob"
)

func TestClaimFilter(t *testing.T) {
	stale := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := claimFilter(stale)
	require.Len(t, f, 1)
	assert.Equal(t, "$or", f[0].Key)

	branches, ok := f[0].Value.(bson.A)
	require.True(t, ok)
	require.Len(t, branches, 2)
	assert.Equal(t, bson.D{{Key: "status", Value: "PENDING"}}, branches[0])
	assert.Equal(t, bson.D{
		{Key: "status", Value: bson.D{{Key: "$in", Value: bson.A{"CLAIMED", "PROCESSING"}}}},
		{Key: "claimed_at", Value: bson.D{{Key: "$lt", Value: stale}}},
	}, branches[1])
}

func TestOwnedFilter(t *testing.T) {
	assert.Equal(t, bson.D{
		{Key: "_id", Value: "item-1"},
		{Key: "claim_owner", Value: "exec-1/0"},
		{Key: "status", Value: bson.D{{Key: "$in", Value: bson.A{"CLAIMED", "PROCESSING"}}}},
	}, ownedFilter("item-1", "exec-1/0"))
}

func TestSettleUpdate(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	u := settleUpdate(xclaim.StatusFailed, 1, now)
	require.Len(t, u, 3)
	assert.Equal(t, "$set", u[0].Key)
	assert.Equal(t, bson.D{{Key: "status", Value: "FAILED"}, {Key: "last_updated_at", Value: now}}, u[0].Value)
	assert.Equal(t, "$unset", u[1].Key)
	assert.Equal(t, bson.D{{Key: "retry_count", Value: 1}}, u[2].Value)
}

func TestListFilters(t *testing.T) {
	assert.Empty(t, itemListFilter(xclaim.Filter{}))
	assert.Equal(t, bson.D{
		{Key: "status", Value: "FAILED"},
		{Key: "claim_owner", Value: "w"},
	}, itemListFilter(xclaim.Filter{Status: xclaim.StatusFailed, Owner: "w", Limit: 5}))

	assert.Empty(t, executionListFilter(xjob.ExecutionFilter{}))
	assert.Equal(t, bson.D{
		{Key: "job_name", Value: "billing"},
		{Key: "status", Value: bson.D{{Key: "$in", Value: bson.A{"RUNNING", "UNKNOWN"}}}},
	}, executionListFilter(xjob.ExecutionFilter{
		JobName:  "billing",
		Statuses: []xjob.Status{xjob.StatusRunning, xjob.StatusUnknown},
	}))
}

func TestNilDatabasePanics(t *testing.T) {
	assert.Panics(t, func() { NewItemStore(nil) })
	assert.Panics(t, func() { NewExecutionStore(nil) })
}
