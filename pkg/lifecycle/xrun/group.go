package xrun

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Group 运行一组具名服务，任一服务失败即取消全部。
type Group struct {
	eg       *errgroup.Group
	ctx      context.Context
	causeCtx context.Context
	cancel   context.CancelCauseFunc
	opts     *options
}

// NewGroup 创建 Group，返回的 context 在任一服务失败或 Cancel 时取消。
func NewGroup(ctx context.Context, opts ...Option) (*Group, context.Context) {
	causeCtx, cancel := context.WithCancelCause(ctx)
	eg, egCtx := errgroup.WithContext(causeCtx)
	return &Group{
		eg:       eg,
		ctx:      egCtx,
		causeCtx: causeCtx,
		cancel:   cancel,
		opts:     applyOptions(opts),
	}, egCtx
}

// Go 启动名为 name 的服务。非取消类错误会包装为 *ServiceError。
func (g *Group) Go(name string, fn func(ctx context.Context) error) {
	log := g.opts.logger.With(slog.String("group", g.opts.name), slog.String("service", name))
	g.eg.Go(func() error {
		if fn == nil {
			return &ServiceError{Service: name, Err: ErrNilService}
		}
		log.Debug("service starting")
		err := fn(g.ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("service exited with error", slog.Any("error", err))
			return &ServiceError{Service: name, Err: err}
		}
		log.Debug("service stopped")
		return err
	})
}

// Wait 等待全部服务结束。
//
// 服务内部产生的错误原样返回；由 Cancel 或父 context 引起的取消被过滤，
// 此时若 Cancel 带了非取消类原因（如 *SignalError）则返回该原因。
func (g *Group) Wait() error {
	defer g.cancel(nil)

	err := g.eg.Wait()
	g.opts.logger.Debug("all services stopped", slog.String("group", g.opts.name))

	if g.causeCtx.Err() != nil && (err == nil || errors.Is(err, context.Canceled)) {
		if cause := context.Cause(g.causeCtx); cause != nil && !errors.Is(cause, context.Canceled) {
			return cause
		}
		return nil
	}
	return err
}

// Cancel 以 cause 为原因取消全部服务。
func (g *Group) Cancel(cause error) {
	g.cancel(cause)
}

// Context 返回 Group 的 context。
func (g *Group) Context() context.Context {
	return g.ctx
}
