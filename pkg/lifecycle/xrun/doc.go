// Package xrun 管理 xjobd 守护进程内长期运行的服务。
//
// 守护进程由若干服务组成：选主循环、调度器、卡死监视器、孤儿对账器和管理 HTTP 接口。
// Group 基于 errgroup 运行它们，任一服务返回错误即取消其余服务；
// Run 在此基础上监听系统信号，收到信号后以 *SignalError 作为退出原因。
//
//	err := xrun.Run(ctx, []xrun.Option{xrun.WithLogger(logger)},
//	    xrun.Named("elector", elector.Run),
//	    xrun.Named("http", xrun.HTTPServer(srv, 10*time.Second)),
//	)
//	if errors.Is(err, xrun.ErrSignal) {
//	    // 正常关闭
//	}
package xrun
