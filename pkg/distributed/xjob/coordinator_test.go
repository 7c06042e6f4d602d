package xjob

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/mock/gomock"

	"github.com/omeyang/xcoord/pkg/distributed/xclaim"
	"github.com/omeyang/xcoord/pkg/observability/xmetrics"
	"github.com/omeyang/xcoord/pkg/resilience/xretry"
)

func TestCoordinator_ProcessesAllItems(t *testing.T) {
	h := newHarness(t, nil)
	ids := h.enqueueN(t, 25)

	var calls atomic.Int32
	require.NoError(t, h.coord.Register(Job{
		Name: "billing",
		Processor: ProcessorFunc(func(context.Context, xclaim.WorkItem) error {
			calls.Add(1)
			return nil
		}),
		Workers:   3,
		BatchSize: 4,
	}))

	exec := h.runOnce(t, "billing")

	assert.Equal(t, StatusCompleted, exec.Status)
	assert.Empty(t, exec.Reason)
	assert.False(t, exec.EndedAt.IsZero())
	assert.Equal(t, int64(7), exec.LeaderToken)
	assert.Equal(t, "replica-a", exec.Holder)
	assert.Equal(t, 25, exec.Stats.Claimed)
	assert.Equal(t, 25, exec.Stats.Completed)
	assert.Equal(t, int32(25), calls.Load())
	for _, id := range ids {
		assert.Equal(t, xclaim.StatusCompleted, h.item(t, id).Status)
	}

	lease, ok, err := h.leases.Get(context.Background(), SingleFlightKey("billing"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, exec.FencingToken, lease.Token)
	assert.True(t, lease.Expired(h.clock.Now()), "single-flight lease released")

	assert.Equal(t, 1, h.rec.Count(xmetrics.KindExecutionAccepted))
	assert.Equal(t, 1, h.rec.Count(xmetrics.KindExecutionCompleted))
	assert.Empty(t, h.coord.Running())
}

func TestCoordinator_TriggerRejections(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.coord.Register(Job{Name: "billing", Processor: ProcessorFunc(func(context.Context, xclaim.WorkItem) error { return nil })}))
	ctx := context.Background()

	_, err := h.coord.Trigger(ctx, "reports")
	require.ErrorIs(t, err, ErrUnknownJob)

	h.leader.Set(0)
	_, err = h.coord.Trigger(ctx, "billing")
	require.ErrorIs(t, err, ErrNotLeader)

	rejected := h.rec.Filter(xmetrics.KindExecutionRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, "NOT_LEADER", rejected[0].Code)
	assert.Equal(t, "billing", rejected[0].JobName)

	execs, err := h.execs.List(ctx, ExecutionFilter{})
	require.NoError(t, err)
	assert.Empty(t, execs)
}

func TestCoordinator_ConcurrentTriggersSingleFlight(t *testing.T) {
	h := newHarness(t, nil)
	h.enqueueN(t, 1)
	g := newGate()
	defer g.open()
	require.NoError(t, h.coord.Register(Job{Name: "billing", Processor: g.processor(), Workers: 1}))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted []string
		rejected []error
	)
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := h.coord.Trigger(context.Background(), "billing")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rejected = append(rejected, err)
				return
			}
			accepted = append(accepted, id)
		}()
	}
	wg.Wait()

	require.Len(t, accepted, 1)
	require.Len(t, rejected, 1)
	require.ErrorIs(t, rejected[0], ErrAlreadyRunning)

	g.waitStarted(t)
	_, err := h.coord.Trigger(context.Background(), "billing")
	require.ErrorIs(t, err, ErrAlreadyRunning)

	g.open()
	require.NoError(t, h.coord.Wait(context.Background(), accepted[0]))

	// 上一次执行结束后槽位释放
	exec := h.runOnce(t, "billing")
	assert.Equal(t, StatusCompleted, exec.Status)
	first, err := h.execs.Get(context.Background(), accepted[0])
	require.NoError(t, err)
	assert.Greater(t, exec.FencingToken, first.FencingToken)
}

func TestCoordinator_ItemOutcomes(t *testing.T) {
	h := newHarness(t, nil)
	ids := h.enqueue(t, "ok", "bad", "flaky")

	ctrl := gomock.NewController(t)
	proc := NewMockProcessor(ctrl)
	proc.EXPECT().Process(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, it xclaim.WorkItem) error {
			switch it.PayloadRef {
			case "ok":
				return nil
			case "bad":
				return xretry.Permanent(errBad)
			default:
				return errDown
			}
		}).Times(5)

	require.NoError(t, h.coord.Register(Job{Name: "billing", Processor: proc, Workers: 2, BatchSize: 2, MaxItemRetries: 3}))

	exec := h.runOnce(t, "billing")
	assert.Equal(t, StatusCompleted, exec.Status)
	assert.Equal(t, 1, exec.Stats.Completed)
	assert.Equal(t, 1, exec.Stats.Failed)
	assert.Equal(t, 1, exec.Stats.Released)

	assert.Equal(t, xclaim.StatusCompleted, h.item(t, ids[0]).Status)
	bad := h.item(t, ids[1])
	assert.Equal(t, xclaim.StatusFailed, bad.Status)
	assert.Equal(t, 1, bad.RetryCount)
	flaky := h.item(t, ids[2])
	assert.Equal(t, xclaim.StatusPending, flaky.Status)
	assert.Equal(t, 1, flaky.RetryCount)
	assert.Empty(t, flaky.ClaimOwner)

	h.runOnce(t, "billing")
	assert.Equal(t, 2, h.item(t, ids[2]).RetryCount)
	assert.Equal(t, xclaim.StatusPending, h.item(t, ids[2]).Status)

	exec = h.runOnce(t, "billing")
	flaky = h.item(t, ids[2])
	assert.Equal(t, xclaim.StatusFailed, flaky.Status)
	assert.Equal(t, 3, flaky.RetryCount)
	assert.Equal(t, 1, exec.Stats.Failed)

	ok, err := h.queue.Rearm(context.Background(), ids[2])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, xclaim.StatusPending, h.item(t, ids[2]).Status)
	assert.Zero(t, h.item(t, ids[2]).RetryCount)
}

func TestCoordinator_ProcessorPanicFailsItem(t *testing.T) {
	h := newHarness(t, nil)
	ids := h.enqueue(t, "boom", "fine")
	require.NoError(t, h.coord.Register(Job{
		Name:    "billing",
		Workers: 1,
		Processor: ProcessorFunc(func(_ context.Context, it xclaim.WorkItem) error {
			if it.PayloadRef == "boom" {
				panic("nil map write")
			}
			return nil
		}),
	}))

	exec := h.runOnce(t, "billing")
	assert.Equal(t, StatusCompleted, exec.Status)
	assert.Equal(t, xclaim.StatusFailed, h.item(t, ids[0]).Status)
	assert.Equal(t, xclaim.StatusCompleted, h.item(t, ids[1]).Status)
}

func TestCoordinator_CircuitOpenDefersRest(t *testing.T) {
	h := newHarness(t, func(hc *harnessConfig) {
		hc.retry.Circuit.WindowSize = 2
		hc.retry.Circuit.OpenWait = time.Hour
	})
	ids := h.enqueueN(t, 5)

	var calls atomic.Int32
	require.NoError(t, h.coord.Register(Job{
		Name:      "billing",
		Workers:   1,
		BatchSize: 5,
		Processor: ProcessorFunc(func(context.Context, xclaim.WorkItem) error {
			calls.Add(1)
			return errDown
		}),
	}))

	exec := h.runOnce(t, "billing")
	assert.Equal(t, StatusCompleted, exec.Status)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 2, exec.Stats.Released)
	assert.Equal(t, 3, exec.Stats.Deferred)

	for i, id := range ids {
		it := h.item(t, id)
		assert.Equal(t, xclaim.StatusPending, it.Status)
		if i < 2 {
			assert.Equal(t, 1, it.RetryCount)
		} else {
			assert.Zero(t, it.RetryCount, "deferred items keep their retry count")
		}
	}
	assert.Equal(t, 1, h.rec.Count(xmetrics.KindCircuitChanged))
}

func TestCoordinator_LeadershipLostAbortsExecution(t *testing.T) {
	h := newHarness(t, nil)
	ids := h.enqueueN(t, 3)
	require.NoError(t, h.coord.Register(Job{
		Name:      "billing",
		Workers:   1,
		BatchSize: 10,
		Processor: ProcessorFunc(func(_ context.Context, it xclaim.WorkItem) error {
			if it.PayloadRef == "item-0" {
				h.leader.Set(0)
			}
			return nil
		}),
	}))

	exec := h.runOnce(t, "billing")
	assert.Equal(t, StatusFailed, exec.Status)
	assert.Contains(t, exec.Reason, "leadership lost")
	assert.Equal(t, 1, exec.Stats.Completed)
	assert.Equal(t, 2, exec.Stats.Released)

	assert.Equal(t, xclaim.StatusCompleted, h.item(t, ids[0]).Status)
	assert.Equal(t, xclaim.StatusPending, h.item(t, ids[1]).Status)
	assert.Equal(t, xclaim.StatusPending, h.item(t, ids[2]).Status)

	failed := h.rec.Filter(xmetrics.KindExecutionFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "LEADERSHIP_LOST", failed[0].Code)
}

func TestCoordinator_LeaseLostAbortsAtBatchBoundary(t *testing.T) {
	h := newHarness(t, nil)
	ids := h.enqueueN(t, 2)
	require.NoError(t, h.coord.Register(Job{
		Name:        "billing",
		Workers:     1,
		BatchSize:   1,
		MaxDuration: time.Minute,
		Processor: ProcessorFunc(func(context.Context, xclaim.WorkItem) error {
			h.clock.Advance(2 * time.Minute)
			return nil
		}),
	}))

	exec := h.runOnce(t, "billing")
	assert.Equal(t, StatusFailed, exec.Status)
	assert.Contains(t, exec.Reason, "single-flight lease lost")
	assert.Equal(t, xclaim.StatusCompleted, h.item(t, ids[0]).Status)
	assert.Equal(t, xclaim.StatusPending, h.item(t, ids[1]).Status)
}

func TestCoordinator_CloseCancelsRunning(t *testing.T) {
	h := newHarness(t, nil)
	ids := h.enqueueN(t, 2)
	g := newGate()
	defer g.open()
	require.NoError(t, h.coord.Register(Job{Name: "billing", Processor: g.processor(), Workers: 1, BatchSize: 1}))

	id, err := h.coord.Trigger(context.Background(), "billing")
	require.NoError(t, err)
	g.waitStarted(t)

	closed := make(chan error, 1)
	go func() { closed <- h.coord.Close(context.Background()) }()

	// 正在进行的调用自然结束后才退出
	select {
	case <-closed:
		t.Fatal("close returned while a call was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	g.open()
	require.NoError(t, <-closed)

	exec, err := h.execs.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, exec.Status)
	assert.Contains(t, exec.Reason, "shut down")
	assert.Equal(t, xclaim.StatusCompleted, h.item(t, ids[0]).Status)
	assert.Equal(t, xclaim.StatusPending, h.item(t, ids[1]).Status)

	_, err = h.coord.Trigger(context.Background(), "billing")
	require.ErrorIs(t, err, ErrShutdown)
}

func TestCoordinator_ExecutionSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	h := newHarness(t, func(hc *harnessConfig) {
		hc.opts = append(hc.opts, WithTracerProvider(tp))
	})
	h.enqueueN(t, 1)
	require.NoError(t, h.coord.Register(Job{Name: "billing", Processor: ProcessorFunc(func(context.Context, xclaim.WorkItem) error { return nil })}))

	exec := h.runOnce(t, "billing")

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "xjob.execution", spans[0].Name())
	var found bool
	for _, kv := range spans[0].Attributes() {
		if string(kv.Key) == "xjob.execution_id" {
			found = true
			assert.Equal(t, exec.ID, kv.Value.AsString())
		}
	}
	assert.True(t, found)
}

func TestCoordinator_Register(t *testing.T) {
	h := newHarness(t, nil)

	require.ErrorIs(t, h.coord.Register(Job{}), ErrInvalidJob)
	require.ErrorIs(t, h.coord.Register(Job{Name: "x"}), ErrInvalidJob)

	require.NoError(t, h.coord.Register(Job{Name: "b", Processor: ProcessorFunc(func(context.Context, xclaim.WorkItem) error { return nil })}))
	require.NoError(t, h.coord.Register(Job{Name: "a", Processor: ProcessorFunc(func(context.Context, xclaim.WorkItem) error { return nil })}))
	assert.Equal(t, []string{"a", "b"}, h.coord.Jobs())

	j, ok := h.coord.Job("a")
	require.True(t, ok)
	assert.Equal(t, DefaultMaxDuration, j.MaxDuration)
	assert.Equal(t, DefaultBatchSize, j.BatchSize)
	assert.Equal(t, DefaultWorkers, j.Workers)
	assert.Equal(t, DefaultMaxItemRetries, j.MaxItemRetries)
	assert.Equal(t, "a", j.Site)

	d, ok := h.coord.MaxDuration("a")
	assert.True(t, ok)
	assert.Equal(t, DefaultMaxDuration, d)
	_, ok = h.coord.MaxDuration("missing")
	assert.False(t, ok)
}

func TestNew_NilDependencies(t *testing.T) {
	_, err := New(nil, nil, nil, nil, nil)
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "xjob: nil"))
}

func TestErrors(t *testing.T) {
	lost := &LeadershipLostError{ExecutionID: "e1", Expected: 3}
	assert.ErrorIs(t, lost, ErrLeadershipLost)
	assert.Contains(t, lost.Error(), "leadership lost")
	changed := &LeadershipLostError{ExecutionID: "e1", Expected: 3, Observed: 4}
	assert.Contains(t, changed.Error(), "3 -> 4")

	timeout := &ExecutionTimeoutError{ExecutionID: "e1", JobName: "billing", MaxDuration: time.Minute, Elapsed: 90 * time.Second}
	assert.ErrorIs(t, timeout, ErrExecutionTimeout)
	assert.False(t, errors.Is(timeout, ErrLeadershipLost))

	assert.Equal(t, "LEASE_LOST", failureCode(ErrLeaseLost))
	assert.Equal(t, "TIMEOUT", failureCode(timeout))
	assert.Equal(t, "", failureCode(nil))
}
