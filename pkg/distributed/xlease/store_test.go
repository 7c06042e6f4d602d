package xlease_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"github.com/omeyang/xcoord/pkg/distributed/xlease"
	"github.com/omeyang/xcoord/pkg/distributed/xlease/xleasetest"
)

func storeFactories() map[string]xleasetest.Factory {
	return map[string]xleasetest.Factory{
		"memory": func(_ *testing.T, clock *xleasetest.Clock) xlease.Store {
			return xlease.NewMemoryStore(xlease.WithClock(clock.Now))
		},
		"redis": func(t *testing.T, clock *xleasetest.Clock) xlease.Store {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return xlease.NewRedisStore(client, xlease.WithClock(clock.Now), xlease.WithKeyPrefix("test:"))
		},
		"k8s": k8sFactory,
	}
}

func TestStore_Contract(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			xleasetest.RunStoreContract(t, factory)
		})
	}
}

func TestStore_ConcurrentAcquireSingleWinner(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			xleasetest.RunConcurrentAcquire(t, factory)
		})
	}
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := xlease.NewMemoryStore().Acquire(ctx, "k", "a", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewRedisStore_NilClientPanics(t *testing.T) {
	assert.Panics(t, func() { xlease.NewRedisStore(nil) })
}
