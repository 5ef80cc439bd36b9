package instance

import (
	"sync"

	"github.com/quantacodes/seomcp-proxy/internal/mcpserver/metrics"
)

// ConfigProducer yields the per-tenant spawn configuration (command, args,
// env, and the path to the tenant's config document) for a tenant id.
type ConfigProducer interface {
	InstanceConfig(tenantID string) (Config, error)
}

// Pool holds at most one live Instance per tenant, guarding construction so
// concurrent acquires for the same tenant never double-spawn.
type Pool struct {
	mu        sync.Mutex
	instances map[string]*Instance
	producer  ConfigProducer
}

// NewPool creates an empty pool. producer supplies the spawn configuration
// the first time a tenant's Instance is constructed.
func NewPool(producer ConfigProducer) *Pool {
	return &Pool{
		instances: make(map[string]*Instance),
		producer:  producer,
	}
}

// Acquire returns the tenant's live Instance, constructing one (without
// spawning it — that happens lazily on first ensureReady) if none exists.
// Concurrent acquires for the same tenant observe the same Instance.
// Acquires for all tenants share one map lock, and that lock is held while
// the producer builds a new tenant's Config, so a slow producer lookup
// delays concurrent acquires for other tenants too.
func (p *Pool) Acquire(tenantID string) (*Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if inst, ok := p.instances[tenantID]; ok {
		return inst, nil
	}

	cfg, err := p.producer.InstanceConfig(tenantID)
	if err != nil {
		return nil, err
	}
	cfg.TenantID = tenantID

	inst := New(cfg, func() {
		p.remove(tenantID)
	})
	p.instances[tenantID] = inst
	metrics.PoolSize.Set(float64(len(p.instances)))
	return inst, nil
}

func (p *Pool) remove(tenantID string) {
	p.mu.Lock()
	delete(p.instances, tenantID)
	metrics.PoolSize.Set(float64(len(p.instances)))
	p.mu.Unlock()
}

// Len reports the number of tenants with a live (or constructed-but-not-yet-
// spawned) Instance. Used by tests.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.instances)
}

// DrainAll kills every instance and clears the map. Invoked only during
// graceful shutdown. Each Instance drains concurrently, since Kill can take
// up to its own drain budget to let a child exit on its own before it is
// force-killed — draining sequentially would multiply that budget by the
// number of tenants with a live instance.
func (p *Pool) DrainAll() {
	p.mu.Lock()
	instances := make([]*Instance, 0, len(p.instances))
	for _, inst := range p.instances {
		instances = append(instances, inst)
	}
	p.instances = make(map[string]*Instance)
	p.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(len(instances))
	for _, inst := range instances {
		go func(inst *Instance) {
			defer wg.Done()
			inst.Kill()
		}(inst)
	}
	wg.Wait()
}
