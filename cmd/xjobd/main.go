// xjobd 是分布式作业协调守护进程。
//
// 用法:
//
//	xjobd [-c config.yaml] <命令>
//
// 命令:
//
//	serve               运行守护进程（选主、调度、卡死监视、对账、管理接口）
//	migrate             对 Postgres 执行内嵌的 schema 迁移
//	enqueue <ref>...    新建工作项
//	rearm <id>...       把 FAILED 工作项重新置为 PENDING
//
// 配置文件之外的所有字段都可以用 XJOBD_ 前缀的环境变量覆盖，
// 例如 XJOBD_LEADER_TTL=30s、XJOBD_POSTGRES_DSN=postgres://...。
//
// 退出码: 0 成功，1 运行失败，2 配置错误。
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/omeyang/xcoord/internal/app"
)

// 版本信息，通过 -ldflags "-X main.Version=..." 注入。
var (
	Version   = "0.1.0-dev"
	GitCommit = "unknown"
)

func main() {
	os.Exit(run(context.Background(), os.Args))
}

func run(ctx context.Context, args []string) int {
	err := newCommand().Run(ctx, args)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, app.ErrInvalidConfig):
		fmt.Fprintln(os.Stderr, err)
		return 2
	default:
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:    "xjobd",
		Usage:   "分布式作业协调守护进程",
		Version: fmt.Sprintf("%s (commit: %s)", Version, GitCommit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "配置文件路径（.yaml/.yml/.json）",
				Sources: cli.EnvVars("XJOBD_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			migrateCommand(),
			enqueueCommand(),
			rearmCommand(),
		},
		ExitErrHandler: func(context.Context, *cli.Command, error) {},
	}
}
