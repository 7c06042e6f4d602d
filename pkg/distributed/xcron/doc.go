// Package xcron 按 cron 表达式周期触发 xjob 作业。
//
// 基于 [robfig/cron/v3]。每个副本都运行同一份调度表，每次到点只调用
// Trigger，是否真正执行由协调器决定：非 leader 副本得到 ErrNotLeader，
// 已有执行在跑时得到 ErrAlreadyRunning，这两类拒绝只记录低级别日志。
//
//	s := xcron.New(coordinator, xcron.WithLogger(logger))
//	if _, err := s.Add("*/5 * * * *", "billing"); err != nil { ... }
//	go s.Run(ctx)
//
// 调度器不提供日历语义（补跑、时区切换修正），错过的时刻不会补触发。
//
// [robfig/cron/v3]: https://github.com/robfig/cron
package xcron
