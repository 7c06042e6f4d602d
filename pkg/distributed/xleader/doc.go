// Package xleader 在 xlease 之上为每个副本提供持续续期的"我是否为领导者"信号。
//
// 核心约束：续期失败（网络错误、token 不匹配、被显式拒绝）时，本地状态先翻转为
// "非领导者"，之后才会返回或发出事件，依赖方不会观察到过期的领导者状态。
// 另外 IsLeader 会检查本地截止时间（最近一次成功获取/续期的起点 + ttl），
// 即便续期循环被阻塞，截止时间一过也不再认为自己是领导者。
//
// 用法：
//
//	elector, err := xleader.New(store, "leader:billing", holderID,
//	    xleader.WithTTL(15*time.Second),
//	    xleader.WithRenewInterval(5*time.Second),
//	)
//	g.GoWithName("elector", elector.Run)
//
//	if token, ok := elector.Token(); ok {
//	    // 以 token 作为写入条件
//	}
package xleader
