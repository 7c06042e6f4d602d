package xclaim_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/omeyang/xcoord/pkg/distributed/xclaim"
	"github.com/omeyang/xcoord/pkg/distributed/xclaim/xclaimtest"
	"github.com/omeyang/xcoord/pkg/observability/xlog"
	"github.com/omeyang/xcoord/pkg/observability/xmetrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryStore_Contract(t *testing.T) {
	xclaimtest.RunStoreContract(t, func(*testing.T) xclaim.Store {
		return xclaim.NewMemoryStore()
	})
}

func TestStatus(t *testing.T) {
	assert.True(t, xclaim.StatusCompleted.Terminal())
	assert.True(t, xclaim.StatusFailed.Terminal())
	assert.False(t, xclaim.StatusPending.Terminal())
	assert.True(t, xclaim.StatusProcessing.Claimed())
	assert.False(t, xclaim.StatusPending.Claimed())
	assert.False(t, xclaim.Status("DONE").Valid())
}

func TestQueue_Validation(t *testing.T) {
	q := xclaim.NewQueue(xclaim.NewMemoryStore())

	_, err := q.ClaimBatch(context.Background(), xclaim.Worker{}, 1)
	require.ErrorIs(t, err, xclaim.ErrEmptyWorker)

	_, err = q.ClaimBatch(context.Background(), xclaim.Worker{ID: "w"}, 0)
	require.ErrorIs(t, err, xclaim.ErrInvalidBatchSize)

	assert.Panics(t, func() { xclaim.NewQueue(nil) })
}

func TestQueue_StaleReclaim(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	rec := xmetrics.NewRecorder(16)
	q := xclaim.NewQueue(xclaim.NewMemoryStore(),
		xclaim.WithClock(clock.Now),
		xclaim.WithStaleAfter(time.Minute),
		xclaim.WithEmitter(rec),
	)
	ctx := context.Background()

	item, err := q.Enqueue(ctx, "order-1")
	require.NoError(t, err)

	a := xclaim.Worker{ID: "exec-1/0", JobName: "billing", ExecutionID: "exec-1", FencingToken: 1}
	b := xclaim.Worker{ID: "exec-2/0", JobName: "billing", ExecutionID: "exec-2", FencingToken: 2}

	got, err := q.ClaimBatch(ctx, a, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NoError(t, q.MarkProcessing(ctx, a, item.ID))

	clock.Advance(30 * time.Second)
	got, err = q.ClaimBatch(ctx, b, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Zero(t, rec.Count(xmetrics.KindStaleReclaimed))

	clock.Advance(31 * time.Second)
	got, err = q.ClaimBatch(ctx, b, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, a.ID, got[0].ReclaimedFrom)

	evs := rec.Filter(xmetrics.KindStaleReclaimed)
	require.Len(t, evs, 1)
	assert.Equal(t, "exec-2", evs[0].ExecutionID)
	assert.Equal(t, int64(2), evs[0].FencingToken)

	// 原认领者的写入全部被拒绝。
	require.ErrorIs(t, q.MarkCompleted(ctx, a, item.ID), xclaim.ErrClaimLost)
	require.ErrorIs(t, q.Touch(ctx, a, item.ID), xclaim.ErrClaimLost)
	require.ErrorIs(t, q.Release(ctx, a, item.ID, 1), xclaim.ErrClaimLost)

	require.NoError(t, q.MarkCompleted(ctx, b, item.ID))
	done, err := q.List(ctx, xclaim.Filter{Status: xclaim.StatusCompleted})
	require.NoError(t, err)
	require.Len(t, done, 1)
}

func TestQueue_TouchPreventsReclaim(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	q := xclaim.NewQueue(xclaim.NewMemoryStore(),
		xclaim.WithClock(clock.Now),
		xclaim.WithStaleAfter(time.Minute),
	)
	ctx := context.Background()
	item, err := q.Enqueue(ctx, "p")
	require.NoError(t, err)

	a := xclaim.Worker{ID: "a"}
	_, err = q.ClaimBatch(ctx, a, 1)
	require.NoError(t, err)

	for range 3 {
		clock.Advance(40 * time.Second)
		require.NoError(t, q.Touch(ctx, a, item.ID))
	}

	got, err := q.ClaimBatch(ctx, xclaim.Worker{ID: "b"}, 1)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestQueue_StoreErrorWrapped(t *testing.T) {
	q := xclaim.NewQueue(xclaim.NewMemoryStore())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.ClaimBatch(ctx, xclaim.Worker{ID: "w"}, 1)
	require.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "claim batch for w")
}

// flakyStore 只认领一条后报错，模拟逐条认领的后端中途失败。
type flakyStore struct {
	*xclaim.MemoryStore
}

func (s flakyStore) ClaimBatch(ctx context.Context, owner string, _ int, staleBefore, now time.Time) ([]xclaim.WorkItem, error) {
	items, err := s.MemoryStore.ClaimBatch(ctx, owner, 1, staleBefore, now)
	if err != nil {
		return nil, err
	}
	return items, errors.New("connection reset")
}

func tracedContext() context.Context {
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x4b, 0xf9, 0x2f, 0x35},
		SpanID:     trace.SpanID{0x00, 0xf0, 0x67},
		TraceFlags: trace.FlagsSampled,
	})
	return trace.ContextWithSpanContext(context.Background(), sc)
}

func TestQueue_PartialBatchKept(t *testing.T) {
	var buf bytes.Buffer
	logger, err := xlog.NewWriter(&buf, "json", "debug")
	require.NoError(t, err)

	store := flakyStore{MemoryStore: xclaim.NewMemoryStore()}
	q := xclaim.NewQueue(store, xclaim.WithLogger(logger.Logger))
	ctx := tracedContext()
	for _, ref := range []string{"a", "b"} {
		_, err := q.Enqueue(ctx, ref)
		require.NoError(t, err)
	}

	w := xclaim.Worker{ID: "w"}
	got, err := q.ClaimBatch(ctx, w, 2)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NoError(t, q.MarkCompleted(ctx, w, got[0].ID))

	assert.Contains(t, buf.String(), "claim batch ended early")
	assert.Contains(t, buf.String(), "connection reset")
	assert.Contains(t, buf.String(), `"trace_id":"4bf92f35`)

	// 一条都没认领到时仍返回错误
	claimed, err := store.MemoryStore.ClaimBatch(ctx, "other", 10, time.Now(), time.Now())
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	_, err = q.ClaimBatch(ctx, w, 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "claim batch for w")
}

func TestQueue_ReclaimLogCarriesTrace(t *testing.T) {
	var buf bytes.Buffer
	logger, err := xlog.NewWriter(&buf, "json", "debug")
	require.NoError(t, err)

	clock := &fakeClock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	q := xclaim.NewQueue(xclaim.NewMemoryStore(),
		xclaim.WithClock(clock.Now),
		xclaim.WithStaleAfter(time.Minute),
		xclaim.WithLogger(logger.Logger),
	)
	ctx := tracedContext()
	_, err = q.Enqueue(ctx, "p")
	require.NoError(t, err)

	_, err = q.ClaimBatch(ctx, xclaim.Worker{ID: "a"}, 1)
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)
	got, err := q.ClaimBatch(ctx, xclaim.Worker{ID: "b"}, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.Contains(t, buf.String(), "stale claim reclaimed")
	assert.Contains(t, buf.String(), `"trace_id":"4bf92f35`)
}

func TestMemoryStore_Get(t *testing.T) {
	s := xclaim.NewMemoryStore()
	it, err := s.Enqueue(context.Background(), "p", time.Now())
	require.NoError(t, err)

	got, ok := s.Get(it.ID)
	require.True(t, ok)
	assert.Equal(t, "p", got.PayloadRef)

	_, ok = s.Get("nope")
	assert.False(t, ok)
}
