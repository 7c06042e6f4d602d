package xjob

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownJob 作业未注册。
	ErrUnknownJob = errors.New("xjob: unknown job")

	// ErrNotLeader 本副本不是 leader。
	ErrNotLeader = errors.New("xjob: not leader")

	// ErrAlreadyRunning 同名作业正在执行。
	ErrAlreadyRunning = errors.New("xjob: already running")

	// ErrLeadershipLost LeadershipLostError 的哨兵。
	ErrLeadershipLost = errors.New("xjob: leadership lost")

	// ErrLeaseLost 单飞租约已过期或被替换。
	ErrLeaseLost = errors.New("xjob: single-flight lease lost")

	// ErrExecutionTimeout ExecutionTimeoutError 的哨兵。
	ErrExecutionTimeout = errors.New("xjob: execution timed out")

	// ErrExecutionNotFound 执行记录不存在。
	ErrExecutionNotFound = errors.New("xjob: execution not found")

	// ErrExecutionExists 执行 ID 重复。
	ErrExecutionExists = errors.New("xjob: execution already exists")

	// ErrShutdown 协调器已关闭。
	ErrShutdown = errors.New("xjob: coordinator shut down")

	// ErrInvalidJob 作业定义非法。
	ErrInvalidJob = errors.New("xjob: invalid job")
)

// LeadershipLostError 执行过程中观察到领导权丢失或 leader token 变化。
type LeadershipLostError struct {
	ExecutionID string
	Expected    int64
	Observed    int64 // 0 表示当前不是 leader
}

func (e *LeadershipLostError) Error() string {
	if e.Observed == 0 {
		return fmt.Sprintf("xjob: leadership lost during execution %s (token %d)", e.ExecutionID, e.Expected)
	}
	return fmt.Sprintf("xjob: leadership changed during execution %s (token %d -> %d)", e.ExecutionID, e.Expected, e.Observed)
}

// Is 使 errors.Is(err, ErrLeadershipLost) 成立。
func (e *LeadershipLostError) Is(target error) bool { return target == ErrLeadershipLost }

// ExecutionTimeoutError 执行超过 MaxDuration 被强制终止。
type ExecutionTimeoutError struct {
	ExecutionID string
	JobName     string
	MaxDuration time.Duration
	Elapsed     time.Duration
}

func (e *ExecutionTimeoutError) Error() string {
	return fmt.Sprintf("xjob: execution %s of job %s exceeded max duration %s (elapsed %s)",
		e.ExecutionID, e.JobName, e.MaxDuration, e.Elapsed.Truncate(time.Millisecond))
}

// Is 使 errors.Is(err, ErrExecutionTimeout) 成立。
func (e *ExecutionTimeoutError) Is(target error) bool { return target == ErrExecutionTimeout }
