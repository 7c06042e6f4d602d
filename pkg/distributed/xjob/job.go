package xjob

import (
	"fmt"
	"time"
)

// 作业默认参数。
const (
	DefaultMaxDuration    = 30 * time.Minute
	DefaultBatchSize      = 10
	DefaultWorkers        = 4
	DefaultMaxItemRetries = 3
)

// SingleFlightKey 作业单飞租约的键。
func SingleFlightKey(job string) string {
	return "job:" + job
}

// Job 作业定义。
type Job struct {
	Name      string
	Processor Processor

	// MaxDuration 单次执行的时间上限，同时是单飞租约的 ttl。
	MaxDuration time.Duration
	// BatchSize 每次认领的工作项数。
	BatchSize int
	// Workers 并发 worker 数。
	Workers int
	// MaxItemRetries 工作项因重试耗尽被放回的次数上限，达到后标记 FAILED。
	MaxItemRetries int
	// Site 熔断器调用点名字，默认使用 Name。
	Site string
}

func (j Job) withDefaults() Job {
	if j.MaxDuration <= 0 {
		j.MaxDuration = DefaultMaxDuration
	}
	if j.BatchSize <= 0 {
		j.BatchSize = DefaultBatchSize
	}
	if j.Workers <= 0 {
		j.Workers = DefaultWorkers
	}
	if j.MaxItemRetries <= 0 {
		j.MaxItemRetries = DefaultMaxItemRetries
	}
	if j.Site == "" {
		j.Site = j.Name
	}
	return j
}

func (j Job) validate() error {
	if j.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidJob)
	}
	if j.Processor == nil {
		return fmt.Errorf("%w: job %s has no processor", ErrInvalidJob, j.Name)
	}
	return nil
}
