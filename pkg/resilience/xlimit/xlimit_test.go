package xlimit

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRule_Validate(t *testing.T) {
	tests := []struct {
		name    string
		rule    Rule
		wantErr bool
	}{
		{"disabled", Rule{}, false},
		{"ok", Rule{Limit: 5, Window: time.Second}, false},
		{"missing window", Rule{Limit: 5}, true},
		{"negative limit", Rule{Limit: -1, Window: time.Second}, true},
		{"negative burst", Rule{Limit: 1, Burst: -1, Window: time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRule)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLocal_AllowAndRefill(t *testing.T) {
	l, err := NewLocal(Rule{Limit: 2, Window: time.Second})
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for range 2 {
		res, err := l.Allow(ctx, "k")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
	res, err := l.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 500*time.Millisecond, res.RetryAfter)

	// 其他键互不影响
	res, err = l.Allow(ctx, "other")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	now = now.Add(500 * time.Millisecond)
	res, err = l.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	l.Reset("k")
	res, err = l.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.Remaining)
}

func TestLocal_Disabled(t *testing.T) {
	l, err := NewLocal(Rule{})
	require.NoError(t, err)
	for range 100 {
		res, err := l.Allow(context.Background(), "k")
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
}

func TestLocal_InvalidInput(t *testing.T) {
	l, err := NewLocal(Rule{Limit: 1, Window: time.Second})
	require.NoError(t, err)

	_, err = l.Allow(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidKey)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Allow(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)

	_, err = NewLocal(Rule{Limit: 1})
	assert.ErrorIs(t, err, ErrInvalidRule)
}

func newRedis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRedis_Allow(t *testing.T) {
	_, rdb := newRedis(t)
	l, err := NewRedis(rdb, Rule{Limit: 2, Window: time.Minute}, WithKeyPrefix("test:"))
	require.NoError(t, err)
	ctx := context.Background()

	for range 2 {
		res, err := l.Allow(ctx, "job")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
	res, err := l.Allow(ctx, "job")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Positive(t, res.RetryAfter)

	require.NoError(t, l.Reset(ctx, "job"))
	res, err = l.Allow(ctx, "job")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestRedis_FallbackToLocal(t *testing.T) {
	mr, rdb := newRedis(t)
	l, err := NewRedis(rdb, Rule{Limit: 1, Window: time.Minute})
	require.NoError(t, err)
	mr.Close()

	res, err := l.Allow(context.Background(), "job")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = l.Allow(context.Background(), "job")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestNewRedis_Invalid(t *testing.T) {
	_, err := NewRedis(nil, Rule{})
	require.Error(t, err)

	_, rdb := newRedis(t)
	_, err = NewRedis(rdb, Rule{Limit: 1})
	assert.ErrorIs(t, err, ErrInvalidRule)
}

func TestResult_Rejected(t *testing.T) {
	r := &Result{Key: "trigger:sync", Limit: 10, Remaining: 0, ResetAt: time.Unix(100, 0), RetryAfter: 1200 * time.Millisecond}
	assert.Equal(t, 2, r.RetryAfterSeconds())
	require.ErrorIs(t, r.Err(), ErrExhausted)
	assert.Contains(t, r.Err().Error(), `"trigger:sync"`)

	h := http.Header{}
	r.Annotate(h)
	assert.Equal(t, "2", h.Get("Retry-After"))
	assert.Equal(t, "10", h.Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", h.Get("X-RateLimit-Remaining"))
	assert.Equal(t, "100", h.Get("X-RateLimit-Reset"))

	// 亚秒等待至少建议 1 秒
	r.RetryAfter = 200 * time.Millisecond
	assert.Equal(t, 1, r.RetryAfterSeconds())
}

func TestResult_Allowed(t *testing.T) {
	r := &Result{Key: "trigger:sync", Allowed: true, Limit: 10, Remaining: 9}
	assert.Zero(t, r.RetryAfterSeconds())
	assert.NoError(t, r.Err())

	h := http.Header{}
	r.Annotate(h)
	assert.Empty(t, h)

	// 规则未启用时即使拒绝也不写头
	(&Result{}).Annotate(h)
	assert.Empty(t, h)
}

func TestNop(t *testing.T) {
	res, err := Nop{}.Allow(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}
