package xbreaker

import "sync"

// window 按调用次数计的环形结果窗口。
type window struct {
	mu       sync.Mutex
	slots    []bool // true 表示失败
	next     int
	filled   int
	failures int
}

func newWindow(size int) *window {
	return &window{slots: make([]bool, size)}
}

func (w *window) record(failed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.filled == len(w.slots) {
		if w.slots[w.next] {
			w.failures--
		}
	} else {
		w.filled++
	}
	w.slots[w.next] = failed
	if failed {
		w.failures++
	}
	w.next = (w.next + 1) % len(w.slots)
}

// tripped 窗口写满且失败率达到阈值。
func (w *window) tripped(threshold float64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.filled < len(w.slots) {
		return false
	}
	return float64(w.failures)/float64(len(w.slots)) >= threshold
}

func (w *window) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	clear(w.slots)
	w.next, w.filled, w.failures = 0, 0, 0
}

func (w *window) snapshot() (filled, failures int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.filled, w.failures
}
