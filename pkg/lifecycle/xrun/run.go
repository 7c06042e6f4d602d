package xrun

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"
)

// Service 是一个具名的阻塞服务。
type Service struct {
	Name string
	Run  func(ctx context.Context) error
}

// Named 构造 Service。
func Named(name string, run func(ctx context.Context) error) Service {
	return Service{Name: name, Run: run}
}

// Run 运行全部服务并监听信号，直到某个服务失败、ctx 取消或收到信号。
// 信号触发的关闭返回 *SignalError。
func Run(ctx context.Context, opts []Option, services ...Service) error {
	g, _ := NewGroup(ctx, opts...)

	if !g.opts.noSignalHandler {
		signals := g.opts.signals
		if len(signals) == 0 {
			signals = DefaultSignals()
		}
		g.eg.Go(func() error {
			return g.watchSignals(signals)
		})
	}

	for _, svc := range services {
		g.Go(svc.Name, svc.Run)
	}
	return g.Wait()
}

func (g *Group) watchSignals(signals []os.Signal) error {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, signals...)
	defer signal.Stop(ch)

	var sig os.Signal
	select {
	case sig = <-ch:
	case sig = <-injectedSignals(g.ctx):
	case <-g.ctx.Done():
		return nil
	}
	g.opts.logger.Info("received signal",
		slog.String("group", g.opts.name),
		slog.String("signal", sig.String()),
	)
	g.cancel(&SignalError{Signal: sig})
	return nil
}

type signalsKey struct{}

// WithSignalSource 让 Run 额外从 c 读取信号，供测试注入。
func WithSignalSource(ctx context.Context, c <-chan os.Signal) context.Context {
	return context.WithValue(ctx, signalsKey{}, c)
}

func injectedSignals(ctx context.Context) <-chan os.Signal {
	c, _ := ctx.Value(signalsKey{}).(<-chan os.Signal)
	return c
}

// Server 是 HTTPServer 需要的最小接口，*http.Server 满足它。
type Server interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPServer 把 server 包装为服务：ctx 取消后在 shutdownTimeout 内优雅关闭。
// shutdownTimeout 不大于 0 时等待所有在途请求结束。
func HTTPServer(server Server, shutdownTimeout time.Duration) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if server == nil {
			return ErrNilServer
		}
		shutdownErr := make(chan error, 1)
		listenDone := make(chan struct{})

		go func() {
			select {
			case <-ctx.Done():
				sctx := context.Background()
				if shutdownTimeout > 0 {
					var cancel context.CancelFunc
					sctx, cancel = context.WithTimeout(sctx, shutdownTimeout)
					defer cancel()
				}
				shutdownErr <- server.Shutdown(sctx)
			case <-listenDone:
			}
		}()

		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			select {
			case e := <-shutdownErr:
				return e
			case <-ctx.Done():
				return <-shutdownErr
			default:
				// 外部直接 Shutdown，ctx 仍然有效
				close(listenDone)
				return nil
			}
		}
		close(listenDone)
		return err
	}
}
