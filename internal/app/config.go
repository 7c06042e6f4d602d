package app

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/omeyang/xcoord/pkg/distributed/xclaim"
	"github.com/omeyang/xcoord/pkg/distributed/xjob"
	"github.com/omeyang/xcoord/pkg/observability/xlog"
	"github.com/omeyang/xcoord/pkg/resilience/xlimit"
	"github.com/omeyang/xcoord/pkg/resilience/xretry"
	"github.com/omeyang/xcoord/pkg/util/xlru"
)

// ErrInvalidConfig 表示配置校验失败。
var ErrInvalidConfig = errors.New("app: invalid config")

// 后端名称。
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendEtcd     = "etcd"
	BackendK8s      = "k8s"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
)

// 监视器互斥锁来源。
const (
	GuardAuto  = "auto"
	GuardLocal = "local"
	GuardRedis = "redis"
)

// Config 是 xjobd 的完整配置。
type Config struct {
	Node     NodeConfig     `koanf:"node" envPrefix:"NODE_"`
	Leader   LeaderConfig   `koanf:"leader" envPrefix:"LEADER_"`
	Lease    LeaseConfig    `koanf:"lease" envPrefix:"LEASE_"`
	Store    StoreConfig    `koanf:"store" envPrefix:"STORE_"`
	Redis    RedisConfig    `koanf:"redis" envPrefix:"REDIS_"`
	Etcd     EtcdConfig     `koanf:"etcd" envPrefix:"ETCD_"`
	K8s      K8sConfig      `koanf:"k8s" envPrefix:"K8S_"`
	Postgres PostgresConfig `koanf:"postgres" envPrefix:"POSTGRES_"`
	Mongo    MongoConfig    `koanf:"mongo" envPrefix:"MONGO_"`
	Executor xretry.Config  `koanf:"executor"`
	Jobs     []JobConfig    `koanf:"jobs"`
	Monitor  MonitorConfig  `koanf:"monitor" envPrefix:"MONITOR_"`
	Cron     CronConfig     `koanf:"cron" envPrefix:"CRON_"`
	HTTP     HTTPConfig     `koanf:"http" envPrefix:"HTTP_"`
	Log      xlog.Config    `koanf:"log" envPrefix:"LOG_"`
	Metrics  MetricsConfig  `koanf:"metrics" envPrefix:"METRICS_"`
}

// NodeConfig 标识本副本。
type NodeConfig struct {
	// ID 作为租约 holder 和 claim_owner 前缀，为空时取主机名加随机后缀。
	ID string `koanf:"id" env:"ID"`
	// MachineID 执行 ID 生成器的机器号，负数表示自动推导。
	MachineID int `koanf:"machine_id" env:"MACHINE_ID"`
}

// LeaderConfig 选主参数。
type LeaderConfig struct {
	Key           string        `koanf:"key" env:"KEY"`
	TTL           time.Duration `koanf:"ttl" env:"TTL"`
	RenewInterval time.Duration `koanf:"renew_interval" env:"RENEW_INTERVAL"`
}

// LeaseConfig 选择租约后端。
type LeaseConfig struct {
	Backend   string `koanf:"backend" env:"BACKEND"`
	KeyPrefix string `koanf:"key_prefix" env:"KEY_PREFIX"`
}

// StoreConfig 选择工作项与执行记录后端。
type StoreConfig struct {
	Backend    string        `koanf:"backend" env:"BACKEND"`
	StaleAfter time.Duration `koanf:"stale_after" env:"STALE_AFTER"`
}

// RedisConfig 同时服务于 Redis 租约与 redsync 互斥锁。
type RedisConfig struct {
	Addrs    []string `koanf:"addrs" env:"ADDRS"`
	Password string   `koanf:"password" env:"PASSWORD"`
	DB       int      `koanf:"db" env:"DB"`
}

// EtcdConfig etcd 连接参数。
type EtcdConfig struct {
	Endpoints   []string      `koanf:"endpoints" env:"ENDPOINTS"`
	DialTimeout time.Duration `koanf:"dial_timeout" env:"DIAL_TIMEOUT"`
}

// K8sConfig Kubernetes Lease 租约后端参数。
type K8sConfig struct {
	// Namespace 为空时读取 POD_NAMESPACE，再为空取 "default"。
	Namespace string `koanf:"namespace" env:"NAMESPACE"`
	// Kubeconfig 为空时使用 in-cluster 配置。
	Kubeconfig string `koanf:"kubeconfig" env:"KUBECONFIG"`
}

// PostgresConfig Postgres 连接参数。
type PostgresConfig struct {
	DSN         string `koanf:"dsn" env:"DSN"`
	MaxConns    int32  `koanf:"max_conns" env:"MAX_CONNS"`
	AutoMigrate bool   `koanf:"auto_migrate" env:"AUTO_MIGRATE"`
}

// MongoConfig MongoDB 连接参数。
type MongoConfig struct {
	URI      string `koanf:"uri" env:"URI"`
	Database string `koanf:"database" env:"DATABASE"`
}

// JobConfig 描述一个作业。Endpoint 为空时必须通过 WithProcessor 提供处理器。
type JobConfig struct {
	Name           string        `koanf:"name"`
	Schedule       string        `koanf:"schedule"`
	Endpoint       string        `koanf:"endpoint"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	MaxDuration    time.Duration `koanf:"max_duration"`
	BatchSize      int           `koanf:"batch_size"`
	Workers        int           `koanf:"workers"`
	MaxItemRetries int           `koanf:"max_item_retries"`
}

// MonitorConfig 卡死监视与对账参数。
type MonitorConfig struct {
	StallInterval      time.Duration `koanf:"stall_interval" env:"STALL_INTERVAL"`
	ReconcileInterval  time.Duration `koanf:"reconcile_interval" env:"RECONCILE_INTERVAL"`
	DefaultMaxDuration time.Duration `koanf:"default_max_duration" env:"DEFAULT_MAX_DURATION"`
	ScanLimit          int           `koanf:"scan_limit" env:"SCAN_LIMIT"`
	Guard              string        `koanf:"guard" env:"GUARD"`
}

// CronConfig 定时触发参数。
type CronConfig struct {
	Location       string        `koanf:"location" env:"LOCATION"`
	Seconds        bool          `koanf:"seconds" env:"SECONDS"`
	TriggerTimeout time.Duration `koanf:"trigger_timeout" env:"TRIGGER_TIMEOUT"`
}

// HTTPConfig 管理接口参数。
type HTTPConfig struct {
	Addr            string        `koanf:"addr" env:"ADDR"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`

	// TriggerLimit 手动触发的按作业限流，配置了 redis.addrs 时多副本共享配额。
	TriggerLimit xlimit.Rule `koanf:"trigger_limit" envPrefix:"TRIGGER_LIMIT_"`

	// ExecutionCache 已终结执行记录的查询缓存，Size 为 0 时关闭。
	ExecutionCache xlru.Config `koanf:"execution_cache" envPrefix:"EXECUTION_CACHE_"`
}

// MetricsConfig 事件输出。
type MetricsConfig struct {
	// OTel 为 true 时事件同时写入全局 MeterProvider。
	OTel bool `koanf:"otel" env:"OTEL"`
}

// DefaultConfig 返回单机可运行的默认配置：内存后端，无作业。
func DefaultConfig() Config {
	return Config{
		Node: NodeConfig{MachineID: -1},
		Leader: LeaderConfig{
			Key:           "xjobd/leader",
			TTL:           15 * time.Second,
			RenewInterval: 5 * time.Second,
		},
		Lease:    LeaseConfig{Backend: BackendMemory},
		Store:    StoreConfig{Backend: BackendMemory, StaleAfter: xclaim.DefaultStaleAfter},
		Etcd:     EtcdConfig{DialTimeout: 5 * time.Second},
		Postgres: PostgresConfig{MaxConns: 10},
		Mongo:    MongoConfig{Database: "xjobd"},
		Executor: xretry.DefaultConfig(),
		Monitor: MonitorConfig{
			StallInterval:      xjob.DefaultScanInterval,
			ReconcileInterval:  xjob.DefaultScanInterval,
			DefaultMaxDuration: xjob.DefaultMaxDuration,
			ScanLimit:          500,
			Guard:              GuardAuto,
		},
		Cron: CronConfig{Location: "UTC"},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
			ExecutionCache:  xlru.Config{Size: 1024, TTL: 10 * time.Minute},
		},
		Log:  xlog.Config{Level: "info", Format: "json"},
	}
}

// Validate 校验配置的一致性。
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Leader.Key != "", "leader.key must not be empty")
	check(c.Leader.TTL > 0, "leader.ttl must be positive")
	check(c.Leader.RenewInterval > 0 && c.Leader.RenewInterval < c.Leader.TTL/2,
		"leader.renew_interval %s must be positive and shorter than ttl/2", c.Leader.RenewInterval)
	check(c.Node.MachineID < 1<<16, "node.machine_id must be below 65536")

	switch c.Lease.Backend {
	case BackendMemory:
	case BackendRedis:
		check(len(c.Redis.Addrs) > 0, "redis.addrs required for redis lease backend")
	case BackendEtcd:
		check(len(c.Etcd.Endpoints) > 0, "etcd.endpoints required for etcd lease backend")
	case BackendK8s:
	case BackendPostgres:
		check(c.Postgres.DSN != "", "postgres.dsn required for postgres lease backend")
	default:
		check(false, "unknown lease.backend %q", c.Lease.Backend)
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendPostgres:
		check(c.Postgres.DSN != "", "postgres.dsn required for postgres store backend")
	case BackendMongo:
		check(c.Mongo.URI != "" && c.Mongo.Database != "", "mongo.uri and mongo.database required for mongo store backend")
	default:
		check(false, "unknown store.backend %q", c.Store.Backend)
	}
	check(c.Store.StaleAfter > 0, "store.stale_after must be positive")

	switch c.Monitor.Guard {
	case GuardAuto, GuardLocal:
	case GuardRedis:
		check(len(c.Redis.Addrs) > 0, "redis.addrs required for redis monitor guard")
	default:
		check(false, "unknown monitor.guard %q", c.Monitor.Guard)
	}
	check(c.Monitor.StallInterval > 0 && c.Monitor.ReconcileInterval > 0, "monitor intervals must be positive")
	check(c.Monitor.ScanLimit > 0, "monitor.scan_limit must be positive")

	if err := c.Executor.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Cron.Location != "" {
		_, err := time.LoadLocation(c.Cron.Location)
		check(err == nil, "cron.location %q: %v", c.Cron.Location, err)
	}
	check(c.HTTP.Addr != "", "http.addr must not be empty")
	if err := c.HTTP.TriggerLimit.Validate(); err != nil {
		errs = append(errs, err)
	}
	check(c.HTTP.ExecutionCache.Size >= 0 && c.HTTP.ExecutionCache.TTL >= 0, "http.execution_cache must not be negative")

	seen := make(map[string]bool, len(c.Jobs))
	for i, j := range c.Jobs {
		check(j.Name != "", "jobs[%d].name must not be empty", i)
		check(!seen[j.Name], "duplicate job %q", j.Name)
		seen[j.Name] = true
		check(j.BatchSize >= 0 && j.Workers >= 0 && j.MaxItemRetries >= 0, "job %q: sizes must not be negative", j.Name)
		if j.Endpoint != "" {
			u, err := url.Parse(j.Endpoint)
			check(err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "",
				"job %q: endpoint must be an http(s) URL", j.Name)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func (j JobConfig) job(p xjob.Processor) xjob.Job {
	return xjob.Job{
		Name:           j.Name,
		Processor:      p,
		MaxDuration:    j.MaxDuration,
		BatchSize:      j.BatchSize,
		Workers:        j.Workers,
		MaxItemRetries: j.MaxItemRetries,
	}
}
