package xleader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/omeyang/xcoord/pkg/distributed/xlease"
	"github.com/omeyang/xcoord/pkg/observability/xmetrics"
)

var (
	// ErrInvalidInterval 续期间隔不满足 0 < interval < ttl/2。
	ErrInvalidInterval = errors.New("xleader: renew interval must be positive and shorter than ttl/2")

	// ErrInvalidTTL ttl 不是正数。
	ErrInvalidTTL = errors.New("xleader: ttl must be positive")

	// ErrNilStore 未提供租约存储。
	ErrNilStore = errors.New("xleader: lease store is nil")

	// ErrEmptyIdentity key 或 holder 为空。
	ErrEmptyIdentity = errors.New("xleader: key and holder must not be empty")
)

// releaseTimeout Run 退出时释放租约使用的独立超时。
const releaseTimeout = 5 * time.Second

// state 一次领导任期的本地快照，整体原子替换。
type state struct {
	leader   bool
	token    int64
	deadline time.Time
}

var follower = &state{}

// Elector 领导者选举器。
//
// TryAcquire / Renew / Release 可被并发调用，但通常只由 Run 循环驱动。
type Elector struct {
	store    xlease.Store
	key      string
	holder   string
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
	emitter  xmetrics.Emitter

	state atomic.Pointer[state]
}

// New 创建选举器。默认 ttl 15s，续期间隔 ttl/3。
func New(store xlease.Store, key, holder string, opts ...Option) (*Elector, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	if strings.TrimSpace(key) == "" || strings.TrimSpace(holder) == "" {
		return nil, ErrEmptyIdentity
	}
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	if o.interval == 0 {
		o.interval = o.ttl / 3
	}
	if o.interval <= 0 || o.interval >= o.ttl/2 {
		return nil, fmt.Errorf("%w: interval=%s ttl=%s", ErrInvalidInterval, o.interval, o.ttl)
	}

	e := &Elector{
		store:    store,
		key:      key,
		holder:   holder,
		ttl:      o.ttl,
		interval: o.interval,
		now:      o.now,
		logger:   o.logger,
		emitter:  xmetrics.OrNop(o.emitter),
	}
	e.state.Store(follower)
	return e, nil
}

// Key 返回领导租约 key。
func (e *Elector) Key() string { return e.key }

// Holder 返回本副本的持有者标识。
func (e *Elector) Holder() string { return e.holder }

// IsLeader 本副本当前是否为领导者。
func (e *Elector) IsLeader() bool {
	_, ok := e.Token()
	return ok
}

// Token 返回当前任期的 fencing token；非领导者或本地截止时间已过时 ok=false。
func (e *Elector) Token() (int64, bool) {
	s := e.state.Load()
	if !s.leader || !e.now().Before(s.deadline) {
		return 0, false
	}
	return s.token, true
}

// TryAcquire 尝试成为领导者。被其他副本持有时返回 (false, 0, nil)。
func (e *Elector) TryAcquire(ctx context.Context) (bool, int64, error) {
	if token, ok := e.Token(); ok {
		return true, token, nil
	}
	start := e.now()
	lease, ok, err := e.store.Acquire(ctx, e.key, e.holder, e.ttl)
	if err != nil {
		return false, 0, err
	}
	if !ok {
		return false, 0, nil
	}
	e.state.Store(&state{leader: true, token: lease.Token, deadline: start.Add(e.ttl)})
	e.logger.InfoContext(ctx, "leadership acquired",
		slog.String("key", e.key),
		slog.String("holder", e.holder),
		slog.Int64("token", lease.Token),
	)
	e.emitter.Emit(ctx, xmetrics.Event{
		Kind:         xmetrics.KindLeadershipGained,
		FencingToken: lease.Token,
		Attrs:        []slog.Attr{slog.String("key", e.key), slog.String("holder", e.holder)},
	})
	return true, lease.Token, nil
}

// Renew 续期当前任期。
//
// 非领导者时返回 (false, nil)。任何失败都会先把本地状态翻转为非领导者再返回，
// 调用方应立即视为已失去领导权。
func (e *Elector) Renew(ctx context.Context) (bool, error) {
	s := e.state.Load()
	if !s.leader {
		return false, nil
	}
	if !e.now().Before(s.deadline) {
		e.lose(ctx, s, "local deadline passed")
		return false, nil
	}
	start := e.now()
	_, ok, err := e.store.Renew(ctx, e.key, e.holder, s.token, e.ttl)
	if err != nil {
		e.lose(ctx, s, "renew error: "+err.Error())
		return false, err
	}
	if !ok {
		e.lose(ctx, s, "renew rejected")
		return false, nil
	}
	e.state.CompareAndSwap(s, &state{leader: true, token: s.token, deadline: start.Add(e.ttl)})
	return true, nil
}

// Release 主动放弃领导权（尽力而为，未调用也安全，租约会自然过期）。
func (e *Elector) Release(ctx context.Context) error {
	s := e.state.Load()
	if !s.leader {
		return nil
	}
	e.lose(ctx, s, "released")
	err := e.store.Release(ctx, e.key, e.holder, s.token)
	if errors.Is(err, xlease.ErrNotHeld) {
		return nil
	}
	return err
}

// Run 运行选举循环直到 ctx 取消：非领导者时尝试获取，领导者时续期。
// 退出时释放租约。
func (e *Elector) Run(ctx context.Context) error {
	e.tick(ctx)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
			if err := e.Release(releaseCtx); err != nil {
				e.logger.WarnContext(releaseCtx, "leadership release failed",
					slog.String("key", e.key),
					slog.Any("error", err),
				)
			}
			cancel()
			return ctx.Err()
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick 执行一次选举步骤，错误只记录日志，下个周期继续。
func (e *Elector) tick(ctx context.Context) {
	if e.state.Load().leader {
		ok, err := e.Renew(ctx)
		if err != nil && ctx.Err() == nil {
			e.logger.WarnContext(ctx, "leadership renew failed",
				slog.String("key", e.key),
				slog.Any("error", err),
			)
		}
		if ok {
			return
		}
	}
	if ctx.Err() != nil {
		return
	}
	if _, _, err := e.TryAcquire(ctx); err != nil && ctx.Err() == nil {
		e.logger.WarnContext(ctx, "leadership acquire failed",
			slog.String("key", e.key),
			slog.Any("error", err),
		)
	}
}

// lose 把状态从 s 翻转为非领导者；仅第一个完成翻转的调用方发出事件。
func (e *Elector) lose(ctx context.Context, s *state, reason string) {
	if !e.state.CompareAndSwap(s, follower) {
		return
	}
	e.logger.WarnContext(ctx, "leadership lost",
		slog.String("key", e.key),
		slog.String("holder", e.holder),
		slog.Int64("token", s.token),
		slog.String("reason", reason),
	)
	e.emitter.Emit(ctx, xmetrics.Event{
		Kind:         xmetrics.KindLeadershipLost,
		FencingToken: s.token,
		Reason:       reason,
		Attrs:        []slog.Attr{slog.String("key", e.key), slog.String("holder", e.holder)},
	})
}
