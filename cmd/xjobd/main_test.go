package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"

	"github.com/omeyang/xcoord/internal/app"
	"github.com/omeyang/xcoord/pkg/distributed/xclaim"
)

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newCommand()
	cmd.Writer = &out
	cmd.ErrWriter = &out
	err := cmd.Run(context.Background(), append([]string{"xjobd"}, args...))
	return out.String(), err
}

func TestEnqueue_MemoryBackend(t *testing.T) {
	out, err := runCmd(t, "enqueue", "s3://a", "s3://b")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasSuffix(lines[0], "\ts3://a"))
	assert.True(t, strings.HasSuffix(lines[1], "\ts3://b"))
}

func TestRearm_UnknownItem(t *testing.T) {
	_, err := runCmd(t, "rearm", "missing")
	assert.ErrorIs(t, err, xclaim.ErrNotFound)
}

func TestMissingArguments(t *testing.T) {
	_, err := runCmd(t, "enqueue")
	assert.ErrorIs(t, err, errUsage)
	_, err = runCmd(t, "rearm")
	assert.ErrorIs(t, err, errUsage)
}

func TestMigrate_RequiresDSN(t *testing.T) {
	_, err := runCmd(t, "migrate")
	assert.ErrorIs(t, err, app.ErrInvalidConfig)
}

func TestConfigFileErrors(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "xjobd.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("leader:\n  ttl: 1s\n  renew_interval: 1s\n"), 0o600))
	_, err := runCmd(t, "-c", bad, "enqueue", "x")
	assert.ErrorIs(t, err, app.ErrInvalidConfig)

	assert.Equal(t, 2, run(context.Background(), []string{"xjobd", "-c", bad, "serve"}))
}

func TestRearmCommand_Outcomes(t *testing.T) {
	store := xclaim.NewMemoryStore()
	q := xclaim.NewQueue(store)
	ctx := context.Background()
	failed, err := q.Enqueue(ctx, "s3://f")
	require.NoError(t, err)
	pending, err := q.Enqueue(ctx, "s3://p")
	require.NoError(t, err)
	w := xclaim.Worker{ID: "w1"}
	claimed, err := q.ClaimBatch(ctx, w, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.NoError(t, q.MarkFailed(ctx, w, failed.ID, 1))
	require.NoError(t, q.Release(ctx, w, pending.ID, 0))

	orig := openQueue
	t.Cleanup(func() { openQueue = orig })
	openQueue = func(context.Context, *cli.Command) (queue, func(context.Context) error, error) {
		return q, func(context.Context) error { return nil }, nil
	}

	out, err := runCmd(t, "rearm", failed.ID, pending.ID)
	require.NoError(t, err)
	assert.Contains(t, out, failed.ID+"\trearmed")
	assert.Contains(t, out, pending.ID+"\tskipped (not FAILED)")
}
