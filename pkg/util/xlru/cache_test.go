package xlru

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New[string, int](Config{})
	assert.ErrorIs(t, err, ErrInvalidSize)

	_, err = New[string, int](Config{Size: maxSize + 1})
	assert.ErrorIs(t, err, ErrSizeExceedsMax)

	_, err = New[string, int](Config{Size: 1, TTL: -time.Second})
	assert.ErrorIs(t, err, ErrInvalidTTL)
}

func TestCache_Basic(t *testing.T) {
	c, err := New[string, int](Config{Size: 2})
	require.NoError(t, err)
	defer c.Close()

	assert.False(t, c.Set("a", 1))
	assert.False(t, c.Set("b", 2))
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	// b 最久未访问，被淘汰
	assert.True(t, c.Set("c", 3))
	_, ok = c.Get("b")
	assert.False(t, ok)
	assert.Equal(t, 2, c.Len())

	assert.True(t, c.Delete("a"))
	assert.False(t, c.Delete("a"))
}

func TestCache_TTL(t *testing.T) {
	c, err := New[string, int](Config{Size: 4, TTL: 20 * time.Millisecond})
	require.NoError(t, err)
	defer c.Close()

	c.Set("a", 1)
	assert.Eventually(t, func() bool {
		_, ok := c.Get("a")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestCache_Close(t *testing.T) {
	c, err := New[string, int](Config{Size: 4, TTL: time.Minute})
	require.NoError(t, err)
	c.Set("a", 1)

	c.Close()
	c.Close()

	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.False(t, c.Set("b", 2))
	assert.Zero(t, c.Len())
}

func TestStopCleanupGoroutine(t *testing.T) {
	assert.False(t, stopCleanupGoroutine(nil))
	assert.False(t, stopCleanupGoroutine(struct{}{}))
}
