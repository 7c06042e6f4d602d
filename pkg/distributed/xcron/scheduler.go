package xcron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/omeyang/xcoord/pkg/distributed/xjob"
)

var (
	// ErrEmptyJob 作业名为空。
	ErrEmptyJob = errors.New("xcron: job name must not be empty")

	// ErrDuplicateJob 同一作业重复注册。
	ErrDuplicateJob = errors.New("xcron: job already scheduled")
)

// Trigger 触发入口，*xjob.Coordinator 满足该接口。
type Trigger interface {
	Trigger(ctx context.Context, job string) (string, error)
}

// Entry 已注册的调度项。
type Entry struct {
	Job  string    `json:"job"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next,omitzero"`
	Prev time.Time `json:"prev,omitzero"`
}

// Scheduler 周期触发器。
type Scheduler struct {
	cron    *cron.Cron
	trigger Trigger
	opts    *options
	stats   *Stats

	mu      sync.Mutex
	entries map[string]scheduled
}

type scheduled struct {
	id   cron.EntryID
	spec string
}

// New 创建调度器。trigger 为 nil 时 panic。
func New(trigger Trigger, opts ...Option) *Scheduler {
	if trigger == nil {
		panic("xcron: trigger cannot be nil")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(o.location),
			cron.WithParser(o.parser),
			cron.WithChain(cron.Recover(cronLogger{o.logger})),
		),
		trigger: trigger,
		opts:    o,
		stats:   newStats(),
		entries: make(map[string]scheduled),
	}
}

// Add 为作业注册一个 cron 表达式。同一作业只能注册一次。
func (s *Scheduler) Add(spec, job string) error {
	if strings.TrimSpace(job) == "" {
		return ErrEmptyJob
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[job]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job)
	}
	id, err := s.cron.AddFunc(spec, func() { s.fire(job) })
	if err != nil {
		return fmt.Errorf("xcron: add %s %q: %w", job, spec, err)
	}
	s.entries[job] = scheduled{id: id, spec: spec}
	return nil
}

// Remove 取消作业的调度，已发出的触发不受影响。
func (s *Scheduler) Remove(job string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[job]
	if !ok {
		return false
	}
	s.cron.Remove(e.id)
	delete(s.entries, job)
	return true
}

// Entries 按作业名排序返回调度项。
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for job, e := range s.entries {
		ce := s.cron.Entry(e.id)
		out = append(out, Entry{Job: job, Spec: e.spec, Next: ce.Next, Prev: ce.Prev})
	}
	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(a.Job, b.Job) })
	return out
}

// Stats 返回触发统计。
func (s *Scheduler) Stats() *Stats {
	return s.stats
}

// Run 启动调度直到 ctx 结束，返回前等待进行中的触发返回。
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return ctx.Err()
}

// fire 触发一次作业。Trigger 不阻塞执行本身，超时只约束受理过程。
func (s *Scheduler) fire(job string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.timeout)
	defer cancel()

	id, err := s.trigger.Trigger(ctx, job)
	s.stats.record(job, err)
	log := s.opts.logger.With(slog.String("job", job))
	switch {
	case err == nil:
		log.InfoContext(ctx, "cron trigger accepted", slog.String("execution_id", id))
	case errors.Is(err, xjob.ErrNotLeader):
		log.DebugContext(ctx, "cron trigger skipped, not leader")
	case errors.Is(err, xjob.ErrAlreadyRunning):
		log.InfoContext(ctx, "cron trigger skipped, execution in flight")
	default:
		log.WarnContext(ctx, "cron trigger failed", slog.Any("error", err))
	}
}

// cronLogger 把 cron.Logger 接到 slog。
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
