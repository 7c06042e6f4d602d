// Package xlimit 提供按键的令牌桶限流。
//
// 两种后端：
//   - [NewLocal]：进程内令牌桶，适用于单副本或降级场景
//   - [NewRedis]：基于 redis_rate 的 GCRA 实现，多副本共享配额
//
// [NewRedis] 在 Redis 出错时降级到本地令牌桶（fail-open 到本地配额），
// 并记录一条 Warn 日志。
//
//	limiter, err := xlimit.NewRedis(rdb, xlimit.Rule{Limit: 10, Window: time.Minute})
//	res, err := limiter.Allow(ctx, "trigger:"+job)
//	if !res.Allowed {
//	    res.Annotate(w.Header())
//	    http.Error(w, res.Err().Error(), http.StatusTooManyRequests)
//	}
package xlimit
