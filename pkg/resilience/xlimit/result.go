package xlimit

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrExhausted 表示键在当前窗口内的配额已用完。
var ErrExhausted = errors.New("xlimit: quota exhausted")

// Result 是一次 Allow 的判定。
// Limit 为 0 表示规则未启用，此时只有 Allowed 有意义。
type Result struct {
	Key        string
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// RetryAfterSeconds 返回被拒绝时建议的等待秒数，向上取整且至少为 1。放行时为 0。
func (r *Result) RetryAfterSeconds() int {
	if r.Allowed {
		return 0
	}
	return max(int((r.RetryAfter+time.Second-1)/time.Second), 1)
}

// Err 被拒绝时返回包装 ErrExhausted 的错误，放行时返回 nil。
func (r *Result) Err() error {
	if r.Allowed {
		return nil
	}
	return fmt.Errorf("%w: key %q, retry in %ds", ErrExhausted, r.Key, r.RetryAfterSeconds())
}

// Annotate 为被拒绝的请求写入 Retry-After 与 X-RateLimit-* 响应头。
// 放行或规则未启用时不写。
func (r *Result) Annotate(h http.Header) {
	if r.Allowed || r.Limit <= 0 {
		return
	}
	h.Set("Retry-After", strconv.Itoa(r.RetryAfterSeconds()))
	h.Set("X-RateLimit-Limit", strconv.Itoa(r.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(r.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(r.ResetAt.Unix(), 10))
}
