package xjob

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omeyang/xcoord/pkg/distributed/xclaim"
	"github.com/omeyang/xcoord/pkg/distributed/xdlock"
	"github.com/omeyang/xcoord/pkg/distributed/xlease"
	"github.com/omeyang/xcoord/pkg/observability/xmetrics"
)

func TestStallMonitor_TerminatesOverdueExecution(t *testing.T) {
	h := newHarness(t, nil)
	ids := h.enqueueN(t, 1)
	g := newGate()
	defer g.open()
	require.NoError(t, h.coord.Register(Job{Name: "billing", Processor: g.processor(), Workers: 1, BatchSize: 1, MaxDuration: time.Minute}))

	ctx := context.Background()
	id, err := h.coord.Trigger(ctx, "billing")
	require.NoError(t, err)
	g.waitStarted(t)

	mon := NewStallMonitor(h.execs, h.leases,
		WithMaxDuration(h.coord.MaxDuration),
		WithCanceler(h.coord),
		WithMonitorClock(h.clock.Now),
		WithMonitorEmitter(h.rec),
	)

	n, err := mon.Scan(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "within max duration")

	h.clock.Advance(2 * time.Minute)
	n, err = mon.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	exec, err := h.execs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, exec.Status)
	assert.Contains(t, exec.Reason, "exceeded max duration")

	lease, ok, err := h.leases.Get(ctx, SingleFlightKey("billing"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Greater(t, lease.Token, exec.FencingToken, "old token invalidated")

	// 工作项不被触碰
	it := h.item(t, ids[0])
	assert.Equal(t, xclaim.StatusProcessing, it.Status)

	stalled := h.rec.Filter(xmetrics.KindStallTerminated)
	require.Len(t, stalled, 1)
	assert.Equal(t, id, stalled[0].ExecutionID)

	// 在途调用自然结束，执行记录保持 FAILED
	g.open()
	require.NoError(t, h.coord.Wait(ctx, id))
	exec, err = h.execs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, exec.Status)
	assert.Contains(t, exec.Reason, "exceeded max duration")
	assert.Zero(t, h.rec.Count(xmetrics.KindExecutionCompleted))

	n, err = mon.Scan(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// 槽位立即可用
	next, err := h.coord.Trigger(ctx, "billing")
	require.NoError(t, err)
	require.NoError(t, h.coord.Wait(ctx, next))
}

func TestStallMonitor_DefaultMaxDurationForUnknownJob(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)}
	execs := NewMemoryExecutionStore()
	require.NoError(t, execs.Create(context.Background(), Execution{
		ID: "legacy-1", JobName: "retired", Status: StatusRunning, StartedAt: clock.Now(), FencingToken: 1,
	}))

	mon := NewStallMonitor(execs, xlease.NewMemoryStore(xlease.WithClock(clock.Now)),
		WithDefaultMaxDuration(10*time.Minute),
		WithMonitorClock(clock.Now),
	)
	clock.Advance(9 * time.Minute)
	n, err := mon.Scan(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(2 * time.Minute)
	n, err = mon.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// seedOrphan 模拟崩溃的副本：持有租约、写入 RUNNING 执行、认领并开始处理工作项后消失。
func seedOrphan(t *testing.T, h *harness, job, id string, ttl time.Duration, items int) ([]string, xclaim.Worker) {
	t.Helper()
	ctx := context.Background()
	ids := h.enqueueN(t, items)

	lease, ok, err := h.leases.Acquire(ctx, SingleFlightKey(job), "replica-dead", ttl)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, h.execs.Create(ctx, Execution{
		ID: id, JobName: job, Status: StatusRunning, StartedAt: h.clock.Now(),
		FencingToken: lease.Token, LeaderToken: 3, Holder: "replica-dead",
	}))

	w := xclaim.Worker{ID: id + "/0", JobName: job, ExecutionID: id, FencingToken: lease.Token}
	claimed, err := h.queue.ClaimBatch(ctx, w, items)
	require.NoError(t, err)
	require.Len(t, claimed, items)
	for _, it := range claimed {
		require.NoError(t, h.queue.MarkProcessing(ctx, w, it.ID))
	}
	return ids, w
}

func TestReconciler_CrashRecovery(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	ids, dead := seedOrphan(t, h, "billing", "exec-dead", time.Minute, 2)

	rec := NewReconciler(h.execs, h.leases,
		WithMonitorClock(h.clock.Now),
		WithMonitorEmitter(h.rec),
	)

	n, err := rec.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "lease still live")

	h.clock.Advance(2 * time.Minute)
	n, err = rec.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = rec.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "corrected exactly once")

	exec, err := h.execs.Get(ctx, "exec-dead")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, exec.Status)
	assert.Contains(t, exec.Reason, "expired")
	assert.Equal(t, 1, h.rec.Count(xmetrics.KindReconciled))

	// 孤儿工作项在 staleAfter 之后可被回收
	w := xclaim.Worker{ID: "exec-new/0", JobName: "billing"}
	got, err := h.queue.ClaimBatch(ctx, w, 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	h.clock.Advance(xclaim.DefaultStaleAfter)
	got, err = h.queue.ClaimBatch(ctx, w, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, it := range got {
		assert.Contains(t, ids, it.ID)
		assert.Equal(t, dead.ID, it.ReclaimedFrom)
	}
	require.ErrorIs(t, h.queue.MarkCompleted(ctx, dead, ids[0]), xclaim.ErrClaimLost)
}

func TestReconciler_Cases(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	now := h.clock.Now()

	live, ok, err := h.leases.Acquire(ctx, SingleFlightKey("live"), "r1", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
	replaced, ok, err := h.leases.Acquire(ctx, SingleFlightKey("replaced"), "r1", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	for _, e := range []Execution{
		{ID: "live", JobName: "live", Status: StatusRunning, StartedAt: now, FencingToken: live.Token},
		{ID: "superseded", JobName: "replaced", Status: StatusRunning, StartedAt: now, FencingToken: replaced.Token - 1},
		{ID: "missing", JobName: "gone", Status: StatusUnknown, StartedAt: now, FencingToken: 4},
		{ID: "done", JobName: "gone", Status: StatusCompleted, StartedAt: now, EndedAt: now, FencingToken: 2},
		{ID: "failed", JobName: "gone", Status: StatusFailed, StartedAt: now, EndedAt: now, FencingToken: 3, Reason: "boom"},
	} {
		require.NoError(t, h.execs.Create(ctx, e))
	}

	rec := NewReconciler(h.execs, h.leases, WithMonitorClock(h.clock.Now))
	n, err := rec.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	status := func(id string) Execution {
		e, err := h.execs.Get(ctx, id)
		require.NoError(t, err)
		return e
	}
	assert.Equal(t, StatusRunning, status("live").Status)
	assert.Equal(t, StatusFailed, status("superseded").Status)
	assert.Contains(t, status("superseded").Reason, "superseded")
	assert.Equal(t, StatusFailed, status("missing").Status)
	assert.Contains(t, status("missing").Reason, "missing")
	assert.Equal(t, StatusCompleted, status("done").Status)
	assert.Equal(t, "boom", status("failed").Reason)
}

func TestReconciler_RunGuardedAndImmediate(t *testing.T) {
	h := newHarness(t, nil)
	seedOrphan(t, h, "billing", "exec-dead", time.Minute, 1)
	h.clock.Advance(2 * time.Minute)

	locker := xdlock.NewLocalLocker()
	rec := NewReconciler(h.execs, h.leases,
		WithMonitorClock(h.clock.Now),
		WithGuard(locker),
		WithInterval(time.Hour),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	require.Eventually(t, func() bool {
		e, err := h.execs.Get(context.Background(), "exec-dead")
		return err == nil && e.Status == StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestStallMonitor_GuardHeldElsewhereSkipsPass(t *testing.T) {
	h := newHarness(t, nil)
	seedOrphan(t, h, "billing", "exec-old", time.Hour, 1)
	h.clock.Advance(2 * time.Hour)

	locker := xdlock.NewLocalLocker()
	handle, err := locker.TryLock(context.Background(), "xjob:stall-monitor", time.Hour)
	require.NoError(t, err)
	require.NotNil(t, handle)

	mon := NewStallMonitor(h.execs, h.leases,
		WithMonitorClock(h.clock.Now),
		WithDefaultMaxDuration(time.Hour),
		WithGuard(locker),
		WithInterval(20*time.Millisecond),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, mon.Run(ctx), context.DeadlineExceeded)

	e, err := h.execs.Get(context.Background(), "exec-old")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, e.Status)

	require.NoError(t, handle.Unlock(context.Background()))
	n, err := mon.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryExecutionStore(t *testing.T) {
	s := NewMemoryExecutionStore()
	ctx := context.Background()
	t0 := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.Create(ctx, Execution{ID: "a", JobName: "billing", Status: StatusRunning, StartedAt: t0, FencingToken: 1}))
	require.NoError(t, s.Create(ctx, Execution{ID: "b", JobName: "billing", Status: StatusRunning, StartedAt: t0.Add(time.Minute), FencingToken: 2}))
	require.NoError(t, s.Create(ctx, Execution{ID: "c", JobName: "reports", Status: StatusCompleted, StartedAt: t0.Add(2 * time.Minute), FencingToken: 1}))
	require.ErrorIs(t, s.Create(ctx, Execution{ID: "a"}), ErrExecutionExists)

	_, err := s.Get(ctx, "zzz")
	require.ErrorIs(t, err, ErrExecutionNotFound)

	ok, err := s.Finish(ctx, "a", 99, Completion{Status: StatusCompleted, EndedAt: t0})
	require.NoError(t, err)
	assert.False(t, ok, "token mismatch")

	ok, err = s.Finish(ctx, "a", 1, Completion{Status: StatusCompleted, EndedAt: t0.Add(time.Hour), Stats: Stats{Completed: 4}})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Finish(ctx, "a", 1, Completion{Status: StatusFailed})
	require.NoError(t, err)
	assert.False(t, ok, "terminal records are not rewritten")

	a, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, a.Status)
	assert.Equal(t, 4, a.Stats.Completed)

	all, err := s.List(ctx, ExecutionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{all[0].ID, all[1].ID, all[2].ID})

	running, err := s.List(ctx, ExecutionFilter{Statuses: []Status{StatusRunning}})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "b", running[0].ID)

	billing, err := s.List(ctx, ExecutionFilter{JobName: "billing", Limit: 1})
	require.NoError(t, err)
	require.Len(t, billing, 1)
	assert.Equal(t, "b", billing[0].ID)

	assert.True(t, StatusUnknown.Active())
	assert.False(t, StatusFailed.Active())
	assert.False(t, Status("PAUSED").Valid())
}
