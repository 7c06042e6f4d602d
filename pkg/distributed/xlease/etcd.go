package xlease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// etcdKV etcd 读写接口，*clientv3.Client 实现此接口。
type etcdKV interface {
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Txn(ctx context.Context) clientv3.Txn
}

var _ etcdKV = (*clientv3.Client)(nil)

// etcdRecord etcd 中存储的租约值。
type etcdRecord struct {
	Holder    string `json:"holder"`
	Token     int64  `json:"token"`
	ExpiresAt int64  `json:"expires_at"` // Unix 毫秒
}

// casRetries 条件写入在并发修改下的最大重试次数。
const casRetries = 3

var _ Store = (*EtcdStore)(nil)

// EtcdStore 基于 etcd 的租约存储。
//
// 每次写入都以读到的 ModRevision（不存在时 CreateRevision=0）为 Txn 条件，
// 不使用 etcd 原生 lease，过期时间由调用方时钟决定，与其他后端一致。
type EtcdStore struct {
	kv     etcdKV
	prefix string
	now    func() time.Time
}

// NewEtcdStore 创建 etcd 租约存储。client 为 nil 时 panic。
func NewEtcdStore(client *clientv3.Client, opts ...Option) *EtcdStore {
	if client == nil {
		panic("xlease: etcd client cannot be nil")
	}
	return newEtcdStore(client, opts...)
}

func newEtcdStore(kv etcdKV, opts ...Option) *EtcdStore {
	o := applyOptions(opts)
	return &EtcdStore{kv: kv, prefix: o.prefix, now: o.now}
}

// Acquire 实现 Store。
func (s *EtcdStore) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (Lease, bool, error) {
	if err := validateAcquire(key, holder, ttl); err != nil {
		return Lease{}, false, err
	}
	now := s.now()
	cur, rev, err := s.read(ctx, key)
	if err != nil {
		return Lease{}, false, err
	}
	if rev != 0 && cur.ExpiresAt > now.UnixMilli() {
		return cur.lease(key), false, nil
	}
	next := etcdRecord{Holder: holder, Token: cur.Token + 1, ExpiresAt: now.Add(ttl).UnixMilli()}
	if err := s.write(ctx, key, rev, next); err != nil {
		if errors.Is(err, ErrContention) {
			// 另一个副本抢先完成了获取
			latest, _, rerr := s.read(ctx, key)
			if rerr != nil {
				return Lease{}, false, rerr
			}
			return latest.lease(key), false, nil
		}
		return Lease{}, false, err
	}
	return next.lease(key), true, nil
}

// Renew 实现 Store。
func (s *EtcdStore) Renew(ctx context.Context, key, holder string, token int64, ttl time.Duration) (Lease, bool, error) {
	if err := validateAcquire(key, holder, ttl); err != nil {
		return Lease{}, false, err
	}
	var out Lease
	ok, err := s.update(ctx, key, func(cur etcdRecord, now time.Time) (etcdRecord, bool) {
		if !cur.lease(key).HeldBy(holder, token, now) {
			return cur, false
		}
		cur.ExpiresAt = now.Add(ttl).UnixMilli()
		out = cur.lease(key)
		return cur, true
	})
	return out, ok, err
}

// Release 实现 Store。
func (s *EtcdStore) Release(ctx context.Context, key, holder string, token int64) error {
	if err := validateKey(key); err != nil {
		return err
	}
	ok, err := s.update(ctx, key, func(cur etcdRecord, now time.Time) (etcdRecord, bool) {
		if !cur.lease(key).HeldBy(holder, token, now) {
			return cur, false
		}
		cur.ExpiresAt = now.UnixMilli()
		return cur, true
	})
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotHeld
	}
	return nil
}

// Invalidate 实现 Store。
func (s *EtcdStore) Invalidate(ctx context.Context, key string, token int64) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	return s.update(ctx, key, func(cur etcdRecord, now time.Time) (etcdRecord, bool) {
		if cur.Token != token {
			return cur, false
		}
		return etcdRecord{Token: cur.Token + 1, ExpiresAt: now.UnixMilli()}, true
	})
}

// Get 实现 Store。
func (s *EtcdStore) Get(ctx context.Context, key string) (Lease, bool, error) {
	if err := validateKey(key); err != nil {
		return Lease{}, false, err
	}
	cur, rev, err := s.read(ctx, key)
	if err != nil {
		return Lease{}, false, err
	}
	return cur.lease(key), rev != 0, nil
}

// update 读取-修改-条件写入，并发修改时重新读取重试。
// 记录不存在时 fn 不会被调用。
func (s *EtcdStore) update(ctx context.Context, key string, fn func(cur etcdRecord, now time.Time) (etcdRecord, bool)) (bool, error) {
	for range casRetries {
		cur, rev, err := s.read(ctx, key)
		if err != nil {
			return false, err
		}
		if rev == 0 {
			return false, nil
		}
		next, ok := fn(cur, s.now())
		if !ok {
			return false, nil
		}
		err = s.write(ctx, key, rev, next)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, ErrContention) {
			return false, err
		}
	}
	return false, ErrContention
}

// read 返回记录与 ModRevision，不存在时 rev=0。
func (s *EtcdStore) read(ctx context.Context, key string) (etcdRecord, int64, error) {
	resp, err := s.kv.Get(ctx, s.prefix+key)
	if err != nil {
		return etcdRecord{}, 0, fmt.Errorf("xlease: etcd get failed: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return etcdRecord{}, 0, nil
	}
	kv := resp.Kvs[0]
	var rec etcdRecord
	if err := json.Unmarshal(kv.Value, &rec); err != nil {
		return etcdRecord{}, 0, fmt.Errorf("xlease: malformed lease %q: %w", key, err)
	}
	return rec, kv.ModRevision, nil
}

// write 以 rev 为条件写入，rev=0 表示要求 key 不存在。
func (s *EtcdStore) write(ctx context.Context, key string, rev int64, rec etcdRecord) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("xlease: encode lease: %w", err)
	}
	fullKey := s.prefix + key
	var cmp clientv3.Cmp
	if rev == 0 {
		cmp = clientv3.Compare(clientv3.CreateRevision(fullKey), "=", 0)
	} else {
		cmp = clientv3.Compare(clientv3.ModRevision(fullKey), "=", rev)
	}
	resp, err := s.kv.Txn(ctx).If(cmp).Then(clientv3.OpPut(fullKey, string(val))).Commit()
	if err != nil {
		return fmt.Errorf("xlease: etcd txn failed: %w", err)
	}
	if !resp.Succeeded {
		return ErrContention
	}
	return nil
}

func (r etcdRecord) lease(key string) Lease {
	return Lease{Key: key, Holder: r.Holder, Token: r.Token, ExpiresAt: time.UnixMilli(r.ExpiresAt)}
}
