package xcron

import (
	"errors"
	"sync"

	"github.com/omeyang/xcoord/pkg/distributed/xjob"
)

// JobStats 单个作业的触发计数。
type JobStats struct {
	Fired    int64 `json:"fired"`
	Accepted int64 `json:"accepted"`
	// Skipped 因非 leader 或已在执行而被拒绝的次数。
	Skipped int64  `json:"skipped"`
	Failed  int64  `json:"failed"`
	LastErr string `json:"last_error,omitempty"`
}

// Stats 触发统计，并发安全。
type Stats struct {
	mu   sync.Mutex
	jobs map[string]*JobStats
}

func newStats() *Stats {
	return &Stats{jobs: make(map[string]*JobStats)}
}

func (s *Stats) record(job string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	js, ok := s.jobs[job]
	if !ok {
		js = &JobStats{}
		s.jobs[job] = js
	}
	js.Fired++
	switch {
	case err == nil:
		js.Accepted++
	case errors.Is(err, xjob.ErrNotLeader), errors.Is(err, xjob.ErrAlreadyRunning):
		js.Skipped++
	default:
		js.Failed++
		js.LastErr = err.Error()
	}
}

// Job 返回作业的计数快照。
func (s *Stats) Job(job string) JobStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if js, ok := s.jobs[job]; ok {
		return *js
	}
	return JobStats{}
}

// Snapshot 返回全部作业的计数快照。
func (s *Stats) Snapshot() map[string]JobStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]JobStats, len(s.jobs))
	for name, js := range s.jobs {
		out[name] = *js
	}
	return out
}
