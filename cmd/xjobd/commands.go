package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/urfave/cli/v3"

	"github.com/omeyang/xcoord/internal/app"
	"github.com/omeyang/xcoord/pkg/config/xconf"
	"github.com/omeyang/xcoord/pkg/observability/xlog"
	"github.com/omeyang/xcoord/pkg/storage/xpg"
)

var errUsage = errors.New("xjobd: missing arguments")

// loadConfig 在默认值之上叠加配置文件与环境变量。
func loadConfig(cmd *cli.Command) (app.Config, error) {
	cfg := app.DefaultConfig()
	if err := xconf.Load(cmd.String("config"), &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %w", app.ErrInvalidConfig, err)
	}
	return cfg, cfg.Validate()
}

// toolLogger 维护命令使用的 stderr 文本日志。
func toolLogger(cfg app.Config) (*slog.Logger, error) {
	l, err := xlog.New(xlog.Config{Level: cfg.Log.Level, Format: "text", Output: xlog.OutputStderr})
	if err != nil {
		return nil, err
	}
	return l.Logger, nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "运行守护进程",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			opts := []app.Option{}
			if path := cmd.String("config"); path != "" {
				opts = append(opts, app.WithConfigFile(path))
			}
			a, err := app.New(ctx, cfg, opts...)
			if err != nil {
				return err
			}
			return errors.Join(a.Run(ctx), a.Close(context.WithoutCancel(ctx)))
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "对 Postgres 执行 schema 迁移",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Postgres.DSN == "" {
				return fmt.Errorf("%w: postgres.dsn is required", app.ErrInvalidConfig)
			}
			logger, err := toolLogger(cfg)
			if err != nil {
				return err
			}
			pool, err := xpg.Connect(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := xpg.Migrate(ctx, pool, logger); err != nil {
				return err
			}
			version, err := xpg.SchemaVersion(ctx, pool)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.Root().Writer, "schema version %d\n", version)
			return nil
		},
	}
}

func enqueueCommand() *cli.Command {
	return &cli.Command{
		Name:      "enqueue",
		Usage:     "新建工作项",
		ArgsUsage: "<payload_ref>...",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() == 0 {
				return errUsage
			}
			return withQueue(ctx, cmd, func(q queue) error {
				for _, ref := range cmd.Args().Slice() {
					it, err := q.Enqueue(ctx, ref)
					if err != nil {
						return err
					}
					_, _ = fmt.Fprintf(cmd.Root().Writer, "%s\t%s\n", it.ID, it.PayloadRef)
				}
				return nil
			})
		},
	}
}

func rearmCommand() *cli.Command {
	return &cli.Command{
		Name:      "rearm",
		Usage:     "把 FAILED 工作项重新置为 PENDING",
		ArgsUsage: "<item_id>...",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() == 0 {
				return errUsage
			}
			return withQueue(ctx, cmd, func(q queue) error {
				var errs []error
				for _, id := range cmd.Args().Slice() {
					ok, err := q.Rearm(ctx, id)
					switch {
					case err != nil:
						errs = append(errs, fmt.Errorf("%s: %w", id, err))
					case ok:
						_, _ = fmt.Fprintf(cmd.Root().Writer, "%s\trearmed\n", id)
					default:
						_, _ = fmt.Fprintf(cmd.Root().Writer, "%s\tskipped (not FAILED)\n", id)
					}
				}
				return errors.Join(errs...)
			})
		},
	}
}
