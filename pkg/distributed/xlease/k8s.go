package xlease

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	coordinationv1 "k8s.io/api/coordination/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	coordclient "k8s.io/client-go/kubernetes/typed/coordination/v1"
)

// Lease 资源上的注解，记录精确到毫秒的过期时间与 fencing token。
const (
	AnnotationToken     = "xcoord.io/fencing-token"
	AnnotationExpiresAt = "xcoord.io/expires-at"
	AnnotationKey       = "xcoord.io/key"
)

// DefaultK8sPrefix Lease 资源名默认前缀。
const DefaultK8sPrefix = "xlease-"

var (
	k8sNameReplace  = regexp.MustCompile(`[^a-z0-9-]`)
	k8sNameCollapse = regexp.MustCompile(`-+`)
)

var _ Store = (*K8sStore)(nil)

// K8sStore 基于 coordination.k8s.io/v1 Lease 的租约存储。
//
// 每次更新都带上读到的 resourceVersion，API Server 在版本不一致时返回 Conflict，
// 等价于其他后端的条件写入。token 与过期时间记在注解里，
// Spec.HolderIdentity/RenewTime/LeaseDurationSeconds/LeaseTransitions 同步维护，
// 便于 kubectl 查看。
//
// ServiceAccount 需要 leases 资源的 get/create/update 权限。
type K8sStore struct {
	leases coordclient.LeaseInterface
	prefix string
	now    func() time.Time
}

// NewK8sStore 创建 Kubernetes 租约存储。client 为 nil 时 panic。
// WithKeyPrefix 未设置时使用 DefaultK8sPrefix。
func NewK8sStore(client kubernetes.Interface, namespace string, opts ...Option) *K8sStore {
	if client == nil {
		panic("xlease: kubernetes client cannot be nil")
	}
	if namespace == "" {
		namespace = "default"
	}
	o := defaultOptions()
	o.prefix = DefaultK8sPrefix
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return &K8sStore{
		leases: client.CoordinationV1().Leases(namespace),
		prefix: o.prefix,
		now:    o.now,
	}
}

// Acquire 实现 Store。
func (s *K8sStore) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (Lease, bool, error) {
	if err := validateAcquire(key, holder, ttl); err != nil {
		return Lease{}, false, err
	}
	name := s.name(key)
	now := s.now()

	obj, err := s.leases.Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		obj = &coordinationv1.Lease{ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Labels:      map[string]string{"app.kubernetes.io/managed-by": "xcoord"},
			Annotations: map[string]string{AnnotationKey: key},
		}}
		setRecord(obj, holder, 1, now, now.Add(ttl))
		if _, err := s.leases.Create(ctx, obj, metav1.CreateOptions{}); err != nil {
			if apierrors.IsAlreadyExists(err) {
				return s.current(ctx, key)
			}
			return Lease{}, false, fmt.Errorf("xlease: create k8s lease %s: %w", name, err)
		}
		return Lease{Key: key, Holder: holder, Token: 1, ExpiresAt: now.Add(ttl)}, true, nil
	}
	if err != nil {
		return Lease{}, false, fmt.Errorf("xlease: get k8s lease %s: %w", name, err)
	}

	cur := leaseOf(key, obj)
	if !cur.Expired(now) {
		return cur, false, nil
	}
	next := cur.Token + 1
	setRecord(obj, holder, next, now, now.Add(ttl))
	if _, err := s.leases.Update(ctx, obj, metav1.UpdateOptions{}); err != nil {
		if apierrors.IsConflict(err) {
			return s.current(ctx, key)
		}
		return Lease{}, false, fmt.Errorf("xlease: acquire k8s lease %s: %w", name, err)
	}
	return Lease{Key: key, Holder: holder, Token: next, ExpiresAt: now.Add(ttl)}, true, nil
}

// Renew 实现 Store。
func (s *K8sStore) Renew(ctx context.Context, key, holder string, token int64, ttl time.Duration) (Lease, bool, error) {
	if err := validateAcquire(key, holder, ttl); err != nil {
		return Lease{}, false, err
	}
	var out Lease
	ok, err := s.update(ctx, key, func(obj *coordinationv1.Lease, now time.Time) bool {
		cur := leaseOf(key, obj)
		if !cur.HeldBy(holder, token, now) {
			return false
		}
		setRecord(obj, holder, token, now, now.Add(ttl))
		out = Lease{Key: key, Holder: holder, Token: token, ExpiresAt: now.Add(ttl)}
		return true
	})
	return out, ok, err
}

// Release 实现 Store。
func (s *K8sStore) Release(ctx context.Context, key, holder string, token int64) error {
	if err := validateKey(key); err != nil {
		return err
	}
	ok, err := s.update(ctx, key, func(obj *coordinationv1.Lease, now time.Time) bool {
		if !leaseOf(key, obj).HeldBy(holder, token, now) {
			return false
		}
		setRecord(obj, "", token, now, now)
		return true
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
func (s *K8sStore) Invalidate(ctx context.Context, key string, token int64) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	return s.update(ctx, key, func(obj *coordinationv1.Lease, now time.Time) bool {
		if leaseOf(key, obj).Token != token {
			return false
		}
		setRecord(obj, "", token+1, now, now)
		return true
	})
}

// Get 实现 Store。
func (s *K8sStore) Get(ctx context.Context, key string) (Lease, bool, error) {
	if err := validateKey(key); err != nil {
		return Lease{}, false, err
	}
	obj, err := s.leases.Get(ctx, s.name(key), metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, fmt.Errorf("xlease: get k8s lease %s: %w", s.name(key), err)
	}
	return leaseOf(key, obj), true, nil
}

// current 竞争失败后读取胜出者的租约。
func (s *K8sStore) current(ctx context.Context, key string) (Lease, bool, error) {
	l, _, err := s.Get(ctx, key)
	return l, false, err
}

// update 读取-修改-带 resourceVersion 更新，Conflict 时重新读取重试。
// Lease 不存在时 fn 不会被调用。
func (s *K8sStore) update(ctx context.Context, key string, fn func(obj *coordinationv1.Lease, now time.Time) bool) (bool, error) {
	name := s.name(key)
	for range casRetries {
		obj, err := s.leases.Get(ctx, name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("xlease: get k8s lease %s: %w", name, err)
		}
		if !fn(obj, s.now()) {
			return false, nil
		}
		_, err = s.leases.Update(ctx, obj, metav1.UpdateOptions{})
		if err == nil {
			return true, nil
		}
		if !apierrors.IsConflict(err) {
			return false, fmt.Errorf("xlease: update k8s lease %s: %w", name, err)
		}
	}
	return false, ErrContention
}

// name 生成合法的 Lease 资源名。
func (s *K8sStore) name(key string) string {
	return sanitizeK8sName(s.prefix + key)
}

// setRecord 写入持有者、token 与过期时间。holder 变化时递增 LeaseTransitions。
func setRecord(obj *coordinationv1.Lease, holder string, token int64, now, expiresAt time.Time) {
	if obj.Annotations == nil {
		obj.Annotations = make(map[string]string, 3)
	}
	obj.Annotations[AnnotationToken] = strconv.FormatInt(token, 10)
	obj.Annotations[AnnotationExpiresAt] = strconv.FormatInt(expiresAt.UnixMilli(), 10)

	prev := ""
	if obj.Spec.HolderIdentity != nil {
		prev = *obj.Spec.HolderIdentity
	}
	if holder == "" {
		obj.Spec.HolderIdentity = nil
		obj.Spec.AcquireTime = nil
		obj.Spec.RenewTime = nil
		return
	}
	renew := metav1.NewMicroTime(now)
	seconds := int32(max((expiresAt.Sub(now)+time.Second-1)/time.Second, 1))
	obj.Spec.HolderIdentity = &holder
	obj.Spec.RenewTime = &renew
	obj.Spec.LeaseDurationSeconds = &seconds
	if prev != holder {
		obj.Spec.AcquireTime = &renew
		var transitions int32
		if obj.Spec.LeaseTransitions != nil {
			transitions = *obj.Spec.LeaseTransitions + 1
		}
		obj.Spec.LeaseTransitions = &transitions
	}
}

// leaseOf 从 Lease 资源还原租约。缺少注解时按 RenewTime+LeaseDurationSeconds 计算过期时间。
func leaseOf(key string, obj *coordinationv1.Lease) Lease {
	l := Lease{Key: key}
	if obj.Spec.HolderIdentity != nil {
		l.Holder = *obj.Spec.HolderIdentity
	}
	if v, err := strconv.ParseInt(obj.Annotations[AnnotationToken], 10, 64); err == nil {
		l.Token = v
	}
	if v, err := strconv.ParseInt(obj.Annotations[AnnotationExpiresAt], 10, 64); err == nil {
		l.ExpiresAt = time.UnixMilli(v)
	} else if obj.Spec.RenewTime != nil && obj.Spec.LeaseDurationSeconds != nil {
		l.ExpiresAt = obj.Spec.RenewTime.Add(time.Duration(*obj.Spec.LeaseDurationSeconds) * time.Second)
	}
	return l
}

// sanitizeK8sName 转为合法的 metadata.name：小写字母、数字、'-'，不超过 63 字符。
// 清理改变了名称或超长时追加原始名称的 hash 后缀，避免 "a.b" 与 "a/b" 碰撞。
func sanitizeK8sName(name string) string {
	const (
		maxLen  = 63
		hashLen = 8
	)
	lowered := strings.ToLower(name)
	out := k8sNameReplace.ReplaceAllString(lowered, "-")
	out = k8sNameCollapse.ReplaceAllString(out, "-")
	out = strings.Trim(out, "-")
	if out == lowered && len(out) <= maxLen {
		return out
	}

	sum := sha256.Sum256([]byte(name))
	suffix := hex.EncodeToString(sum[:])[:hashLen]
	if keep := maxLen - hashLen - 1; len(out) > keep {
		out = strings.TrimRight(out[:keep], "-")
	}
	if out == "" {
		return "x-" + suffix
	}
	return out + "-" + suffix
}
