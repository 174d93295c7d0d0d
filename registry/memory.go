package registry

import (
	"context"
	"slices"
	"time"

	"github.com/sasha-s/go-deadlock"

	"tiny-rpc/message"
)

// MemoryOptions configures a MemoryRegistry.
type MemoryOptions struct {
	LeaseTTL time.Duration    // defaults to DefaultLeaseTTL
	Now      func() time.Time // defaults to time.Now
}

// MemoryRegistry is the in-process service table. Each service name has its own bucket and
// lock, so traffic for one service never waits on another. A bucket left empty by Deregister or
// by expiry is removed.
type MemoryRegistry struct {
	leaseTTL time.Duration
	now      func() time.Time

	mu      deadlock.RWMutex // guards the buckets map, not the buckets
	buckets map[string]*bucket
}

type bucket struct {
	mu        deadlock.Mutex
	instances []message.ServiceInstance // in order of first registration
	removed   bool                      // unlinked from the map; Register must fetch a new bucket
}

func NewMemoryRegistry(opts MemoryOptions) *MemoryRegistry {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = DefaultLeaseTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &MemoryRegistry{
		leaseTTL: opts.LeaseTTL,
		now:      opts.Now,
		buckets:  make(map[string]*bucket),
	}
}

// LeaseTTL returns the configured lease duration.
func (r *MemoryRegistry) LeaseTTL() time.Duration {
	return r.leaseTTL
}

func (r *MemoryRegistry) lookup(serviceName string) *bucket {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.buckets[serviceName]
}

func (r *MemoryRegistry) lookupOrCreate(serviceName string) *bucket {
	if b := r.lookup(serviceName); b != nil {
		return b
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[serviceName]
	if !ok {
		b = &bucket{}
		r.buckets[serviceName] = b
	}
	return b
}

// dropIfEmpty unlinks the bucket of serviceName when it holds no instance. Lock order is
// r.mu then b.mu; callers must not hold b.mu.
func (r *MemoryRegistry) dropIfEmpty(serviceName string, b *bucket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.buckets[serviceName] != b {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.instances) == 0 {
		b.removed = true
		delete(r.buckets, serviceName)
	}
}

func (b *bucket) index(instanceID string) int {
	return slices.IndexFunc(b.instances, func(s message.ServiceInstance) bool {
		return s.InstanceID == instanceID
	})
}

func (r *MemoryRegistry) Register(ctx context.Context, serviceName, host string, port int, instanceID string) error {
	if err := checkKey(serviceName, instanceID); err != nil {
		return err
	}
	if err := checkAddress(serviceName, host, port); err != nil {
		return err
	}
	var b *bucket
	for {
		b = r.lookupOrCreate(serviceName)
		b.mu.Lock()
		if !b.removed {
			break
		}
		b.mu.Unlock()
	}
	defer b.mu.Unlock()

	now := r.now()
	if i := b.index(instanceID); i >= 0 {
		inst := &b.instances[i]
		inst.Host, inst.Port, inst.LastHeartbeatAt = host, port, now
		return nil
	}
	b.instances = append(b.instances, message.ServiceInstance{
		ServiceName:     serviceName,
		Host:            host,
		Port:            port,
		InstanceID:      instanceID,
		LastHeartbeatAt: now,
	})
	return nil
}

func (r *MemoryRegistry) Heartbeat(ctx context.Context, serviceName, instanceID string) (bool, error) {
	if err := checkKey(serviceName, instanceID); err != nil {
		return false, err
	}
	b := r.lookup(serviceName)
	if b == nil {
		return false, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.index(instanceID)
	if i < 0 {
		return false, nil
	}
	b.instances[i].LastHeartbeatAt = r.now()
	return true, nil
}

func (r *MemoryRegistry) Deregister(ctx context.Context, serviceName, instanceID string) error {
	if err := checkKey(serviceName, instanceID); err != nil {
		return err
	}
	b := r.lookup(serviceName)
	if b == nil {
		return nil
	}
	b.mu.Lock()
	if i := b.index(instanceID); i >= 0 {
		b.instances = slices.Delete(b.instances, i, i+1)
	}
	empty := len(b.instances) == 0
	b.mu.Unlock()
	if empty {
		r.dropIfEmpty(serviceName, b)
	}
	return nil
}

// Discover drops the expired instances of serviceName and returns a copy of the rest.
func (r *MemoryRegistry) Discover(ctx context.Context, serviceName string) ([]message.ServiceInstance, error) {
	b := r.lookup(serviceName)
	if b == nil {
		return []message.ServiceInstance{}, nil
	}
	b.mu.Lock()
	live := b.pruneLocked(r.now(), r.leaseTTL)
	b.mu.Unlock()
	if len(live) == 0 {
		r.dropIfEmpty(serviceName, b)
		return []message.ServiceInstance{}, nil
	}
	return live, nil
}

func (b *bucket) pruneLocked(now time.Time, ttl time.Duration) []message.ServiceInstance {
	b.instances = slices.DeleteFunc(b.instances, func(s message.ServiceInstance) bool {
		return expired(&s, now, ttl)
	})
	return slices.Clone(b.instances)
}

// Services returns a snapshot of every service with at least one live instance.
// Expired instances are dropped on the way, exactly as Discover would.
func (r *MemoryRegistry) Services() map[string][]message.ServiceInstance {
	r.mu.RLock()
	names := make([]string, 0, len(r.buckets))
	for name := range r.buckets {
		names = append(names, name)
	}
	r.mu.RUnlock()

	now := r.now()
	out := make(map[string][]message.ServiceInstance, len(names))
	for _, name := range names {
		b := r.lookup(name)
		if b == nil {
			continue
		}
		b.mu.Lock()
		live := b.pruneLocked(now, r.leaseTTL)
		b.mu.Unlock()
		if len(live) == 0 {
			r.dropIfEmpty(name, b)
			continue
		}
		out[name] = live
	}
	return out
}
