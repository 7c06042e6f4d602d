package xpg

import (
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omeyang/xcoord/pkg/distributed/xlease"
)

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	data, err := fs.ReadFile(migrationsFS, "migrations/"+entries[0].Name())
	require.NoError(t, err)
	sql := string(data)
	assert.True(t, strings.HasPrefix(sql, "-- +goose Up"))
	assert.Contains(t, sql, "-- +goose Down")
	for _, table := range []string{"xcoord_leases", "xcoord_work_items", "xcoord_executions"} {
		assert.Contains(t, sql, "CREATE TABLE IF NOT EXISTS "+table)
	}
}

func TestNullTime(t *testing.T) {
	assert.Nil(t, nullTime(time.Time{}))
	assert.True(t, fromNull(nil).IsZero())

	local := time.Date(2026, 3, 1, 8, 0, 0, 0, time.FixedZone("CST", 8*3600))
	got := fromNull(nullTime(local))
	assert.True(t, got.Equal(local))
	assert.Equal(t, time.UTC, got.Location())
}

func TestValidateAcquire(t *testing.T) {
	assert.ErrorIs(t, validateAcquire("", "a", time.Second), xlease.ErrEmptyKey)
	assert.ErrorIs(t, validateAcquire("k", " ", time.Second), xlease.ErrEmptyHolder)
	assert.ErrorIs(t, validateAcquire("k", "a", 0), xlease.ErrInvalidTTL)
	assert.NoError(t, validateAcquire("k", "a", time.Second))
}

func TestNilDBPanics(t *testing.T) {
	assert.Panics(t, func() { NewLeaseStore(nil) })
	assert.Panics(t, func() { NewItemStore(nil) })
	assert.Panics(t, func() { NewExecutionStore(nil) })
}

func TestWithClock(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	o := applyOptions([]Option{WithClock(func() time.Time { return fixed }), WithClock(nil)})
	assert.Equal(t, fixed, o.now())
}
