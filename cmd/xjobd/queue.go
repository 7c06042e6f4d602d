package main

import (
	"context"
	"errors"

	"github.com/urfave/cli/v3"

	"github.com/omeyang/xcoord/internal/app"
	"github.com/omeyang/xcoord/pkg/distributed/xclaim"
)

// queue 是维护命令用到的队列操作。
type queue interface {
	Enqueue(ctx context.Context, payloadRef string) (xclaim.WorkItem, error)
	Rearm(ctx context.Context, id string) (bool, error)
}

// openQueue 可在测试中替换。
var openQueue = func(ctx context.Context, cmd *cli.Command) (queue, func(context.Context) error, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	logger, err := toolLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	q, closeFn, err := app.OpenQueue(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return q, closeFn, nil
}

func withQueue(ctx context.Context, cmd *cli.Command, fn func(queue) error) error {
	q, closeFn, err := openQueue(ctx, cmd)
	if err != nil {
		return err
	}
	return errors.Join(fn(q), closeFn(context.WithoutCancel(ctx)))
}
