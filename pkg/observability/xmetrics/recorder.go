package xmetrics

import (
	"context"
	"sync"
	"time"
)

// DefaultRecorderCapacity Recorder 默认容量。
const DefaultRecorderCapacity = 256

// Recorder 保存最近的事件（环形缓冲，超出容量覆盖最旧的）。
type Recorder struct {
	mu     sync.Mutex
	buf    []Event
	next   int
	filled bool
}

// NewRecorder 创建 Recorder，capacity <= 0 时使用 DefaultRecorderCapacity。
func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = DefaultRecorderCapacity
	}
	return &Recorder{buf: make([]Event, capacity)}
}

// Emit 实现 Emitter。
func (r *Recorder) Emit(_ context.Context, e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.filled = true
	}
}

// Events 按发生顺序返回事件副本。
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.filled {
		out := make([]Event, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]Event, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

// Filter 返回指定类型的事件。
func (r *Recorder) Filter(kind Kind) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Count 返回指定类型事件的数量。
func (r *Recorder) Count(kind Kind) int {
	return len(r.Filter(kind))
}
