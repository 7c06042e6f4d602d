package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/propagation"

	"github.com/omeyang/xcoord/pkg/distributed/xclaim"
	"github.com/omeyang/xcoord/pkg/distributed/xjob"
	"github.com/omeyang/xcoord/pkg/distributed/xlease"
	"github.com/omeyang/xcoord/pkg/resilience/xlimit"
	"github.com/omeyang/xcoord/pkg/util/xlru"
)

// Coordinator 是触发与运行态查询所需的能力，*xjob.Coordinator 满足该接口。
type Coordinator interface {
	Trigger(ctx context.Context, job string) (string, error)
	Jobs() []string
	Running() []xjob.Execution
}

// Leader 是本副本的选主状态，*xleader.Elector 满足该接口。
type Leader interface {
	Key() string
	Holder() string
	IsLeader() bool
}

// Deps 聚合 Handler 的依赖，全部必填。
type Deps struct {
	Coordinator Coordinator
	Executions  xjob.ExecutionStore
	Items       *xclaim.Queue
	Leader      Leader
	Leases      xlease.Store
}

func (d Deps) validate() error {
	switch {
	case d.Coordinator == nil:
		return errors.New("api: nil coordinator")
	case d.Executions == nil:
		return errors.New("api: nil execution store")
	case d.Items == nil:
		return errors.New("api: nil item queue")
	case d.Leader == nil:
		return errors.New("api: nil leader")
	case d.Leases == nil:
		return errors.New("api: nil lease store")
	}
	return nil
}

// DefaultRetryAfter 非领导者拒绝触发时建议的重试间隔。
const DefaultRetryAfter = 5 * time.Second

// Option 配置 Handler。
type Option func(*Handler)

// WithLogger 设置访问日志记录器。
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithRetryAfter 设置 503 响应的 Retry-After，通常取选主续约间隔。
func WithRetryAfter(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.retryAfter = d
		}
	}
}

// WithPropagator 设置从请求头提取追踪上下文的传播器，默认 W3C traceparent。
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(h *Handler) {
		if p != nil {
			h.propagator = p
		}
	}
}

// WithTriggerLimiter 对手动触发按作业名限流，超限返回 429。
func WithTriggerLimiter(l xlimit.Limiter) Option {
	return func(h *Handler) {
		if l != nil {
			h.limiter = l
		}
	}
}

// WithExecutionCache 缓存已终结的执行记录，终态不可变。
func WithExecutionCache(c *xlru.Cache[string, xjob.Execution]) Option {
	return func(h *Handler) {
		h.cache = c
	}
}

// Handler 实现 http.Handler。
type Handler struct {
	deps       Deps
	logger     *slog.Logger
	retryAfter time.Duration
	propagator propagation.TextMapPropagator
	limiter    xlimit.Limiter
	cache      *xlru.Cache[string, xjob.Execution]
	router     chi.Router
}

// New 创建 Handler。
func New(deps Deps, opts ...Option) (*Handler, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	h := &Handler{
		deps:       deps,
		logger:     slog.Default(),
		retryAfter: DefaultRetryAfter,
		propagator: propagation.TraceContext{},
		limiter:    xlimit.Nop{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.router = h.routes()
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, h.traceContext, h.accessLog, middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	r.Route("/v1", func(r chi.Router) {
		r.Get("/jobs", h.listJobs)
		r.Post("/jobs/{name}/trigger", h.trigger)
		r.Get("/executions", h.listExecutions)
		r.Get("/executions/{id}", h.getExecution)
		r.Get("/items", h.listItems)
		r.Post("/items/{id}/rearm", h.rearmItem)
		r.Get("/leader", h.leader)
	})
	return r
}

// trigger 先拒绝注定失败的请求再扣配额：非 leader 始终 503，
// 本副本已在执行的作业直接 409，二者都不消耗限流配额。
func (h *Handler) trigger(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !h.deps.Leader.IsLeader() {
		h.unavailable(w, xjob.ErrNotLeader)
		return
	}
	if h.runningHere(name) {
		writeError(w, http.StatusConflict, xjob.ErrAlreadyRunning)
		return
	}
	if !h.allowTrigger(w, r, name) {
		return
	}
	id, err := h.deps.Coordinator.Trigger(r.Context(), name)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, triggerResponse{ExecutionID: id, Job: name})
	case errors.Is(err, xjob.ErrNotLeader), errors.Is(err, xjob.ErrShutdown):
		h.unavailable(w, err)
	case errors.Is(err, xjob.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, xjob.ErrUnknownJob):
		writeError(w, http.StatusNotFound, err)
	default:
		h.logger.ErrorContext(r.Context(), "trigger failed", slog.String("job", name), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (h *Handler) unavailable(w http.ResponseWriter, err error) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(h.retryAfter)))
	writeError(w, http.StatusServiceUnavailable, err)
}

// runningHere 只看本副本的执行；其他副本持有的单飞租约仍由 Trigger 判定。
func (h *Handler) runningHere(name string) bool {
	for _, e := range h.deps.Coordinator.Running() {
		if e.JobName == name {
			return true
		}
	}
	return false
}

// allowTrigger 限流后端故障时放行。
func (h *Handler) allowTrigger(w http.ResponseWriter, r *http.Request, name string) bool {
	res, err := h.limiter.Allow(r.Context(), "trigger:"+name)
	if err != nil {
		h.logger.WarnContext(r.Context(), "trigger rate limit check failed", slog.String("job", name), slog.Any("error", err))
		return true
	}
	if res.Allowed {
		return true
	}
	res.Annotate(w.Header())
	writeError(w, http.StatusTooManyRequests, fmt.Errorf("api: trigger rate limited for job %q: %w", name, res.Err()))
	return false
}

func (h *Handler) listJobs(w http.ResponseWriter, _ *http.Request) {
	running := h.deps.Coordinator.Running()
	byJob := make(map[string]string, len(running))
	for _, e := range running {
		byJob[e.JobName] = e.ID
	}
	names := h.deps.Coordinator.Jobs()
	out := make([]jobView, 0, len(names))
	for _, n := range names {
		out = append(out, jobView{Name: n, RunningExecution: byJob[n]})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) listExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	f := xjob.ExecutionFilter{JobName: q.Get("job"), Limit: limit}
	for _, s := range q["status"] {
		st := xjob.Status(s)
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Errorf("api: unknown execution status %q", s))
			return
		}
		f.Statuses = append(f.Statuses, st)
	}
	list, err := h.deps.Executions.List(r.Context(), f)
	if err != nil {
		h.internal(w, r, "list executions", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(list))
}

func (h *Handler) getExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.cache != nil {
		if e, ok := h.cache.Get(id); ok {
			writeJSON(w, http.StatusOK, e)
			return
		}
	}
	e, err := h.deps.Executions.Get(r.Context(), id)
	switch {
	case err == nil:
		if h.cache != nil && !e.Status.Active() {
			h.cache.Set(id, e)
		}
		writeJSON(w, http.StatusOK, e)
	case errors.Is(err, xjob.ErrExecutionNotFound):
		writeError(w, http.StatusNotFound, err)
	default:
		h.internal(w, r, "get execution", err)
	}
}

func (h *Handler) listItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	f := xclaim.Filter{Owner: q.Get("owner"), Limit: limit}
	if s := q.Get("status"); s != "" {
		f.Status = xclaim.Status(s)
		if !f.Status.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Errorf("api: unknown item status %q", s))
			return
		}
	}
	items, err := h.deps.Items.List(r.Context(), f)
	if err != nil {
		h.internal(w, r, "list items", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(items))
}

func (h *Handler) rearmItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := h.deps.Items.Rearm(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, rearmResponse{ID: id, Rearmed: ok})
	case errors.Is(err, xclaim.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	default:
		h.internal(w, r, "rearm item", err)
	}
}

func (h *Handler) leader(w http.ResponseWriter, r *http.Request) {
	view := leaderView{
		Key:      h.deps.Leader.Key(),
		Self:     h.deps.Leader.Holder(),
		IsLeader: h.deps.Leader.IsLeader(),
	}
	lease, found, err := h.deps.Leases.Get(r.Context(), view.Key)
	if err != nil {
		h.internal(w, r, "get leader lease", err)
		return
	}
	if found {
		view.Holder = lease.Holder
		view.Token = lease.Token
		view.ExpiresAt = lease.ExpiresAt
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) internal(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.logger.ErrorContext(r.Context(), op+" failed", slog.Any("error", err))
	writeError(w, http.StatusInternalServerError, err)
}

// MaxListLimit 列表接口 limit 的上限。
const MaxListLimit = 1000

func parseLimit(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("api: invalid limit %q", s)
	}
	return min(n, MaxListLimit), nil
}

func retryAfterSeconds(d time.Duration) int {
	return max(1, int((d+time.Second-1)/time.Second))
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
