package xbreaker

import "sync"

// Registry 按名字懒创建熔断器，同名调用点共享同一实例。
type Registry struct {
	cfg  Config
	opts []Option

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry 创建注册表，cfg 在此校验一次。
func NewRegistry(cfg Config, opts ...Option) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Registry{cfg: cfg, opts: opts, breakers: make(map[string]*Breaker)}, nil
}

// Get 返回 name 对应的熔断器，不存在时创建。
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	// cfg 已在 NewRegistry 中校验
	b, _ := New(name, r.cfg, r.opts...)
	r.breakers[name] = b
	return b
}

// States 返回所有已创建熔断器的当前状态。
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make(map[string]State, len(list))
	for _, b := range list {
		out[b.name] = b.State()
	}
	return out
}
