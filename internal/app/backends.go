package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/omeyang/xcoord/pkg/distributed/xclaim"
	"github.com/omeyang/xcoord/pkg/distributed/xdlock"
	"github.com/omeyang/xcoord/pkg/distributed/xjob"
	"github.com/omeyang/xcoord/pkg/distributed/xlease"
	"github.com/omeyang/xcoord/pkg/storage/xmongo"
	"github.com/omeyang/xcoord/pkg/storage/xpg"
)

// backends 持有按配置打开的客户端与存储，close 按打开的逆序释放。
type backends struct {
	leases xlease.Store
	items  xclaim.Store
	execs  xjob.ExecutionStore
	guard  xdlock.Locker

	redis   redis.UniversalClient
	etcd    *clientv3.Client
	pg      *pgxpool.Pool
	mongo   *mongo.Client
	closers []func(context.Context) error
}

func (b *backends) onClose(fn func(context.Context) error) {
	b.closers = append(b.closers, fn)
}

func (b *backends) close(ctx context.Context) error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i](ctx))
	}
	b.closers = nil
	return errors.Join(errs...)
}

func openBackends(ctx context.Context, cfg Config, logger *slog.Logger) (b *backends, err error) {
	b = &backends{}
	defer func() {
		if err != nil {
			err = errors.Join(err, b.close(context.WithoutCancel(ctx)))
		}
	}()

	if err := b.openLeases(ctx, cfg, logger); err != nil {
		return nil, err
	}
	if err := b.openStores(ctx, cfg, logger); err != nil {
		return nil, err
	}
	if err := b.openGuard(cfg); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *backends) redisClient(cfg RedisConfig) redis.UniversalClient {
	if b.redis == nil {
		b.redis = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Addrs,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		client := b.redis
		b.onClose(func(context.Context) error { return client.Close() })
	}
	return b.redis
}

func (b *backends) postgres(ctx context.Context, cfg PostgresConfig, logger *slog.Logger) (*pgxpool.Pool, error) {
	if b.pg != nil {
		return b.pg, nil
	}
	pool, err := xpg.Connect(ctx, cfg.DSN, cfg.MaxConns)
	if err != nil {
		return nil, err
	}
	b.pg = pool
	b.onClose(func(context.Context) error {
		pool.Close()
		return nil
	})
	if cfg.AutoMigrate {
		if err := xpg.Migrate(ctx, pool, logger); err != nil {
			return nil, err
		}
	}
	return pool, nil
}

func (b *backends) openLeases(ctx context.Context, cfg Config, logger *slog.Logger) error {
	prefix := xlease.WithKeyPrefix(cfg.Lease.KeyPrefix)
	switch cfg.Lease.Backend {
	case BackendMemory:
		b.leases = xlease.NewMemoryStore(prefix)
	case BackendRedis:
		b.leases = xlease.NewRedisStore(b.redisClient(cfg.Redis), prefix)
	case BackendEtcd:
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   cfg.Etcd.Endpoints,
			DialTimeout: cfg.Etcd.DialTimeout,
			Context:     ctx,
		})
		if err != nil {
			return fmt.Errorf("app: connect etcd: %w", err)
		}
		b.etcd = client
		b.onClose(func(context.Context) error { return client.Close() })
		b.leases = xlease.NewEtcdStore(client, prefix)
	case BackendK8s:
		client, err := k8sClient(cfg.K8s)
		if err != nil {
			return err
		}
		var opts []xlease.Option
		if cfg.Lease.KeyPrefix != "" {
			opts = append(opts, prefix)
		}
		b.leases = xlease.NewK8sStore(client, k8sNamespace(cfg.K8s), opts...)
	case BackendPostgres:
		pool, err := b.postgres(ctx, cfg.Postgres, logger)
		if err != nil {
			return err
		}
		b.leases = xpg.NewLeaseStore(pool)
	default:
		return fmt.Errorf("%w: unknown lease backend %q", ErrInvalidConfig, cfg.Lease.Backend)
	}
	return nil
}

func k8sClient(cfg K8sConfig) (kubernetes.Interface, error) {
	var (
		rc  *rest.Config
		err error
	)
	if cfg.Kubeconfig != "" {
		rc, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
	} else {
		rc, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("app: load k8s config: %w", err)
	}
	client, err := kubernetes.NewForConfig(rc)
	if err != nil {
		return nil, fmt.Errorf("app: create k8s client: %w", err)
	}
	return client, nil
}

func k8sNamespace(cfg K8sConfig) string {
	if cfg.Namespace != "" {
		return cfg.Namespace
	}
	if ns := os.Getenv("POD_NAMESPACE"); ns != "" {
		return ns
	}
	return "default"
}

func (b *backends) openStores(ctx context.Context, cfg Config, logger *slog.Logger) error {
	switch cfg.Store.Backend {
	case BackendMemory:
		b.items = xclaim.NewMemoryStore()
		b.execs = xjob.NewMemoryExecutionStore()
	case BackendPostgres:
		pool, err := b.postgres(ctx, cfg.Postgres, logger)
		if err != nil {
			return err
		}
		b.items = xpg.NewItemStore(pool)
		b.execs = xpg.NewExecutionStore(pool)
	case BackendMongo:
		client, err := xmongo.Connect(ctx, cfg.Mongo.URI)
		if err != nil {
			return err
		}
		b.mongo = client
		b.onClose(client.Disconnect)
		db := client.Database(cfg.Mongo.Database)
		if err := xmongo.EnsureIndexes(ctx, db); err != nil {
			return err
		}
		b.items = xmongo.NewItemStore(db)
		b.execs = xmongo.NewExecutionStore(db)
	default:
		return fmt.Errorf("%w: unknown store backend %q", ErrInvalidConfig, cfg.Store.Backend)
	}
	return nil
}

// openGuard 选择监视器互斥锁。auto 在配置了 Redis 时使用 redsync。
func (b *backends) openGuard(cfg Config) error {
	useRedis := cfg.Monitor.Guard == GuardRedis ||
		(cfg.Monitor.Guard == GuardAuto && len(cfg.Redis.Addrs) > 0)
	if !useRedis {
		b.guard = xdlock.NewLocalLocker()
		return nil
	}
	locker, err := xdlock.NewRedsyncLocker(cfg.Lease.KeyPrefix+"xjobd:guard:", b.redisClient(cfg.Redis))
	if err != nil {
		return err
	}
	b.guard = locker
	return nil
}

// OpenQueue 只打开工作项存储，供命令行维护操作使用。返回的 close 释放连接。
func OpenQueue(ctx context.Context, cfg Config, logger *slog.Logger) (*xclaim.Queue, func(context.Context) error, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	b := &backends{}
	if err := b.openStores(ctx, cfg, logger); err != nil {
		return nil, nil, errors.Join(err, b.close(context.WithoutCancel(ctx)))
	}
	q := xclaim.NewQueue(b.items, xclaim.WithStaleAfter(cfg.Store.StaleAfter), xclaim.WithLogger(logger))
	return q, b.close, nil
}
