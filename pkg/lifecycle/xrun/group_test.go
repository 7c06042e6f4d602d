package xrun

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func blockUntilDone(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestGroup_FailureCancelsOthers(t *testing.T) {
	g, _ := NewGroup(context.Background())
	boom := errors.New("boom")
	var stopped atomic.Bool

	g.Go("worker", func(ctx context.Context) error {
		<-ctx.Done()
		stopped.Store(true)
		return ctx.Err()
	})
	g.Go("broken", func(context.Context) error { return boom })

	err := g.Wait()
	require.ErrorIs(t, err, boom)
	var se *ServiceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "broken", se.Service)
	assert.True(t, stopped.Load())
}

func TestGroup_CancelWithCause(t *testing.T) {
	g, _ := NewGroup(context.Background())
	g.Go("worker", blockUntilDone)

	cause := errors.New("leadership lost")
	g.Cancel(cause)
	assert.ErrorIs(t, g.Wait(), cause)
}

func TestGroup_CancelWithoutCause(t *testing.T) {
	g, _ := NewGroup(context.Background())
	g.Go("worker", blockUntilDone)
	g.Cancel(nil)
	assert.NoError(t, g.Wait())
}

func TestGroup_ParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	g, _ := NewGroup(ctx)
	g.Go("worker", blockUntilDone)
	cancel()
	assert.NoError(t, g.Wait())
}

func TestGroup_NilService(t *testing.T) {
	g, _ := NewGroup(context.Background())
	g.Go("nothing", nil)
	assert.ErrorIs(t, g.Wait(), ErrNilService)
}

func TestRun_SignalStopsServices(t *testing.T) {
	sigs := make(chan os.Signal, 1)
	ctx := WithSignalSource(context.Background(), sigs)

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, nil, Named("a", blockUntilDone), Named("b", blockUntilDone))
	}()
	sigs <- syscall.SIGTERM

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrSignal)
		var se *SignalError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, syscall.SIGTERM, se.Signal)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after signal")
	}
}

func TestRun_WithoutSignalHandler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Run(ctx, []Option{WithoutSignalHandler()}, Named("a", blockUntilDone))
	assert.NoError(t, err)
}

type fakeServer struct {
	listenErr error
	stop      chan struct{}
	shutdowns atomic.Int32
}

func newFakeServer() *fakeServer { return &fakeServer{stop: make(chan struct{})} }

func (s *fakeServer) ListenAndServe() error {
	if s.listenErr != nil {
		return s.listenErr
	}
	<-s.stop
	return http.ErrServerClosed
}

func (s *fakeServer) Shutdown(context.Context) error {
	if s.shutdowns.Add(1) == 1 {
		close(s.stop)
	}
	return nil
}

func TestHTTPServer_ShutdownOnCancel(t *testing.T) {
	srv := newFakeServer()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- HTTPServer(srv, time.Second)(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
		assert.Equal(t, int32(1), srv.shutdowns.Load())
	case <-time.After(5 * time.Second):
		t.Fatal("HTTPServer did not stop")
	}
}

func TestHTTPServer_ListenError(t *testing.T) {
	srv := newFakeServer()
	srv.listenErr = errors.New("address in use")
	err := HTTPServer(srv, time.Second)(context.Background())
	assert.EqualError(t, err, "address in use")
}

func TestHTTPServer_NilServer(t *testing.T) {
	assert.ErrorIs(t, HTTPServer(nil, 0)(context.Background()), ErrNilServer)
}

func TestSignalError(t *testing.T) {
	err := error(&SignalError{Signal: syscall.SIGINT})
	assert.ErrorIs(t, err, ErrSignal)
	assert.Equal(t, "received signal interrupt", err.Error())
	assert.Equal(t, "received signal <nil>", (&SignalError{}).Error())
}
