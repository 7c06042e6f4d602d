package xleader

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/omeyang/xcoord/pkg/distributed/xlease"
	"github.com/omeyang/xcoord/pkg/observability/xmetrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.UnixMilli(1_700_000_000_000)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// flakyStore 可注入续期失败的租约存储。
type flakyStore struct {
	xlease.Store
	mu       sync.Mutex
	renewErr error
	rejected bool
}

func (s *flakyStore) Renew(ctx context.Context, key, holder string, token int64, ttl time.Duration) (xlease.Lease, bool, error) {
	s.mu.Lock()
	renewErr, rejected := s.renewErr, s.rejected
	s.mu.Unlock()
	if renewErr != nil {
		return xlease.Lease{}, false, renewErr
	}
	if rejected {
		return xlease.Lease{}, false, nil
	}
	return s.Store.Renew(ctx, key, holder, token, ttl)
}

func (s *flakyStore) failRenew(err error, rejected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renewErr, s.rejected = err, rejected
}

func newElector(t *testing.T, store xlease.Store, holder string, clock *fakeClock, rec *xmetrics.Recorder) *Elector {
	t.Helper()
	e, err := New(store, "leader:test", holder,
		WithTTL(10*time.Second),
		WithRenewInterval(3*time.Second),
		WithClock(clock.Now),
		WithEmitter(rec),
	)
	require.NoError(t, err)
	return e
}

func TestNew_Validation(t *testing.T) {
	store := xlease.NewMemoryStore()

	_, err := New(nil, "k", "h")
	assert.ErrorIs(t, err, ErrNilStore)

	_, err = New(store, "", "h")
	assert.ErrorIs(t, err, ErrEmptyIdentity)

	_, err = New(store, "k", "h", WithTTL(0))
	assert.ErrorIs(t, err, ErrInvalidTTL)

	_, err = New(store, "k", "h", WithTTL(10*time.Second), WithRenewInterval(5*time.Second))
	assert.ErrorIs(t, err, ErrInvalidInterval, "interval equal to ttl/2 is rejected")

	e, err := New(store, "k", "h", WithTTL(9*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, e.interval)
}

func TestElector_AcquireAndContention(t *testing.T) {
	clock := newFakeClock()
	store := xlease.NewMemoryStore(xlease.WithClock(clock.Now))
	rec := xmetrics.NewRecorder(0)
	a := newElector(t, store, "a", clock, rec)
	b := newElector(t, store, "b", clock, rec)
	ctx := context.Background()

	ok, token, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), token)
	assert.True(t, a.IsLeader())

	ok, _, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "contention is not an error")
	assert.False(t, b.IsLeader())

	assert.Equal(t, 1, rec.Count(xmetrics.KindLeadershipGained))
}

func TestElector_RenewFailureFlipsBeforeReturn(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		rejected bool
	}{
		{name: "network error", err: errors.New("connection reset")},
		{name: "explicit rejection", rejected: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clock := newFakeClock()
			store := &flakyStore{Store: xlease.NewMemoryStore(xlease.WithClock(clock.Now))}
			rec := xmetrics.NewRecorder(0)

			var sawLeaderInEvent bool
			var e *Elector
			emitter := xmetrics.EmitterFunc(func(ctx context.Context, ev xmetrics.Event) {
				rec.Emit(ctx, ev)
				if ev.Kind == xmetrics.KindLeadershipLost && e.IsLeader() {
					sawLeaderInEvent = true
				}
			})
			var err error
			e, err = New(store, "leader:test", "a",
				WithTTL(10*time.Second), WithClock(clock.Now), WithEmitter(emitter))
			require.NoError(t, err)

			ok, _, err := e.TryAcquire(context.Background())
			require.NoError(t, err)
			require.True(t, ok)

			store.failRenew(tc.err, tc.rejected)
			ok, err = e.Renew(context.Background())
			assert.False(t, ok)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
			} else {
				assert.NoError(t, err)
			}
			assert.False(t, e.IsLeader())
			assert.False(t, sawLeaderInEvent, "loss event must observe the flipped state")
			assert.Equal(t, 1, rec.Count(xmetrics.KindLeadershipLost))
		})
	}
}

func TestElector_NoSplitBrain(t *testing.T) {
	clock := newFakeClock()
	store := &flakyStore{Store: xlease.NewMemoryStore(xlease.WithClock(clock.Now))}
	rec := xmetrics.NewRecorder(0)
	a := newElector(t, store, "a", clock, rec)
	b := newElector(t, store, "b", clock, rec)
	ctx := context.Background()

	_, tokenA, err := a.TryAcquire(ctx)
	require.NoError(t, err)

	// a 的续期持续失败，b 在租约过期前不能成为领导者
	store.failRenew(errors.New("partition"), false)
	for range 4 {
		clock.Advance(3 * time.Second)
		_, _ = a.Renew(ctx)
		_, _, err := b.TryAcquire(ctx)
		require.NoError(t, err)
		assert.False(t, a.IsLeader() && b.IsLeader(), "at most one leader at any instant")
	}

	tokenB, ok := b.Token()
	require.True(t, ok, "b takes over after the lease expires")
	assert.Greater(t, tokenB, tokenA)
	assert.False(t, a.IsLeader())

	// 分区恢复后 a 以旧 token 续期会被拒绝
	store.failRenew(nil, false)
	_, ok, err = store.Renew(ctx, "leader:test", "a", tokenA, 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

// blockingStore 的 Renew 会一直阻塞直到 ctx 取消。
type blockingStore struct {
	xlease.Store
}

func (s blockingStore) Renew(ctx context.Context, _, _ string, _ int64, _ time.Duration) (xlease.Lease, bool, error) {
	<-ctx.Done()
	return xlease.Lease{}, false, ctx.Err()
}

func TestElector_LocalDeadlineWhileRenewStalls(t *testing.T) {
	clock := newFakeClock()
	store := blockingStore{Store: xlease.NewMemoryStore(xlease.WithClock(clock.Now))}
	e := newElector(t, store, "a", clock, xmetrics.NewRecorder(0))

	ok, _, err := e.TryAcquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = e.Renew(ctx)
	}()

	clock.Advance(9 * time.Second)
	assert.True(t, e.IsLeader())
	clock.Advance(time.Second)
	assert.False(t, e.IsLeader(), "leadership ends at the local deadline even while renew is stuck")

	cancel()
	<-done
}

func TestElector_Release(t *testing.T) {
	clock := newFakeClock()
	store := xlease.NewMemoryStore(xlease.WithClock(clock.Now))
	rec := xmetrics.NewRecorder(0)
	a := newElector(t, store, "a", clock, rec)
	b := newElector(t, store, "b", clock, rec)
	ctx := context.Background()

	_, _, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.NoError(t, a.Release(ctx))
	assert.False(t, a.IsLeader())
	require.NoError(t, a.Release(ctx), "release while follower is a no-op")

	ok, token, err := b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "released lease is free immediately")
	assert.Equal(t, int64(2), token)
}

func TestElector_Run(t *testing.T) {
	store := xlease.NewMemoryStore()
	rec := xmetrics.NewRecorder(0)
	e, err := New(store, "leader:run", "a",
		WithTTL(300*time.Millisecond),
		WithRenewInterval(50*time.Millisecond),
		WithEmitter(rec),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(ctx) }()

	require.Eventually(t, e.IsLeader, time.Second, 10*time.Millisecond)
	time.Sleep(400 * time.Millisecond)
	assert.True(t, e.IsLeader(), "renew loop keeps leadership beyond one ttl")

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.False(t, e.IsLeader())

	lease, found, err := store.Get(context.Background(), "leader:run")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, lease.Expired(time.Now()), "run releases the lease on exit")
}
