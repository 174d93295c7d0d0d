package registry

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"

	"tiny-rpc/message"
	"tiny-rpc/rpcerr"
)

const etcdPrefix = "/tiny-rpc/"

// EtcdOptions configures an EtcdRegistry.
type EtcdOptions struct {
	Endpoints   []string
	DialTimeout time.Duration // defaults to 5s
	LeaseTTL    time.Duration // defaults to DefaultLeaseTTL, rounded up to whole seconds
	Logger      *logrus.Entry
}

// EtcdRegistry keeps the service table in etcd, which provides strong consistency (Raft protocol).
// We use it as a "distributed phonebook" for services:
//
//	Key:   /tiny-rpc/{ServiceName}/{InstanceID}
//	Value: JSON-encoded message.ServiceInstance
//
// Every key is attached to a lease of the registry's TTL. A heartbeat renews the lease and
// rewrites the value with a fresh LastHeartbeatAt, so if the provider crashes the entry
// disappears on its own, preventing "ghost" instances. Discover filters on LastHeartbeatAt as
// well, so an entry whose lease etcd has not reaped yet is never returned.
type EtcdRegistry struct {
	client   *clientv3.Client // etcd client connection (thread-safe, shared across goroutines)
	leaseTTL time.Duration
	log      *logrus.Entry
	now      func() time.Time
}

// NewEtcdRegistry creates a new registry connected to the given etcd endpoints.
func NewEtcdRegistry(opts EtcdOptions) (*EtcdRegistry, error) {
	if len(opts.Endpoints) == 0 {
		return nil, rpcerr.New(rpcerr.KindConfiguration, "etcd registry: no endpoints")
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = DefaultLeaseTTL
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   opts.Endpoints,
		DialTimeout: opts.DialTimeout,
	})
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.KindConfiguration, err, "etcd registry: connect to %v", opts.Endpoints)
	}
	return &EtcdRegistry{
		client:   c,
		leaseTTL: opts.LeaseTTL,
		log:      log.WithField("component", "etcd-registry"),
		now:      time.Now,
	}, nil
}

// Close releases the etcd connection.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}

func etcdKey(serviceName, instanceID string) string {
	return etcdPrefix + serviceName + "/" + instanceID
}

func (r *EtcdRegistry) put(ctx context.Context, inst *message.ServiceInstance, lease clientv3.LeaseID) error {
	val, err := json.Marshal(inst)
	if err != nil {
		return rpcerr.Wrap(rpcerr.KindEncoding, err, "etcd registry: encode %s/%s", inst.ServiceName, inst.InstanceID)
	}
	_, err = r.client.Put(ctx, etcdKey(inst.ServiceName, inst.InstanceID), string(val), clientv3.WithLease(lease))
	return errors.Wrapf(err, "etcd registry: put %s/%s", inst.ServiceName, inst.InstanceID)
}

// get returns the stored instance and its lease, or nil when the key does not exist.
func (r *EtcdRegistry) get(ctx context.Context, serviceName, instanceID string) (*message.ServiceInstance, clientv3.LeaseID, error) {
	resp, err := r.client.Get(ctx, etcdKey(serviceName, instanceID))
	if err != nil {
		return nil, 0, errors.Wrapf(err, "etcd registry: get %s/%s", serviceName, instanceID)
	}
	if len(resp.Kvs) == 0 {
		return nil, 0, nil
	}
	kv := resp.Kvs[0]
	var inst message.ServiceInstance
	if err := json.Unmarshal(kv.Value, &inst); err != nil {
		return nil, 0, rpcerr.Wrap(rpcerr.KindDecoding, err, "etcd registry: decode %s", kv.Key)
	}
	return &inst, clientv3.LeaseID(kv.Lease), nil
}

// Register stores the instance under a fresh lease. When the pair already exists the old lease is
// revoked after the new value is in place, so the key never goes missing.
//
// Note: lease ids are never kept on the struct; they live on the etcd keys themselves,
// so several providers can share one EtcdRegistry.
func (r *EtcdRegistry) Register(ctx context.Context, serviceName, host string, port int, instanceID string) error {
	if err := checkKey(serviceName, instanceID); err != nil {
		return err
	}
	if err := checkAddress(serviceName, host, port); err != nil {
		return err
	}
	_, oldLease, err := r.get(ctx, serviceName, instanceID)
	if err != nil {
		return err
	}

	lease, err := r.client.Grant(ctx, int64(math.Ceil(r.leaseTTL.Seconds())))
	if err != nil {
		return errors.Wrap(err, "etcd registry: grant lease")
	}
	inst := &message.ServiceInstance{
		ServiceName:     serviceName,
		Host:            host,
		Port:            port,
		InstanceID:      instanceID,
		LastHeartbeatAt: r.now(),
	}
	if err := r.put(ctx, inst, lease.ID); err != nil {
		return err
	}
	if oldLease != 0 {
		if _, err := r.client.Revoke(ctx, oldLease); err != nil {
			r.log.Debugf("Revoke replaced lease %x: %v", oldLease, err)
		}
	}
	return nil
}

// Heartbeat renews the lease once and refreshes LastHeartbeatAt.
func (r *EtcdRegistry) Heartbeat(ctx context.Context, serviceName, instanceID string) (bool, error) {
	if err := checkKey(serviceName, instanceID); err != nil {
		return false, err
	}
	inst, lease, err := r.get(ctx, serviceName, instanceID)
	if err != nil || inst == nil {
		return false, err
	}
	if _, err := r.client.KeepAliveOnce(ctx, lease); err != nil {
		// The lease ran out between Get and KeepAliveOnce: the instance is gone.
		r.log.WithField("service", serviceName).Debugf("Keep lease %x alive: %v", lease, err)
		return false, nil
	}
	inst.LastHeartbeatAt = r.now()
	if err := r.put(ctx, inst, lease); err != nil {
		return false, err
	}
	return true, nil
}

// Deregister removes a service instance from etcd and revokes its lease.
// Called during graceful shutdown before closing the listener.
func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName, instanceID string) error {
	if err := checkKey(serviceName, instanceID); err != nil {
		return err
	}
	_, lease, err := r.get(ctx, serviceName, instanceID)
	if err != nil {
		return err
	}
	if _, err := r.client.Delete(ctx, etcdKey(serviceName, instanceID)); err != nil {
		return errors.Wrapf(err, "etcd registry: delete %s/%s", serviceName, instanceID)
	}
	if lease != 0 {
		if _, err := r.client.Revoke(ctx, lease); err != nil {
			r.log.Debugf("Revoke lease %x: %v", lease, err)
		}
	}
	return nil
}

// Discover returns all live instances of a service, oldest registration first.
// Queries etcd with a key prefix to find all instances under /tiny-rpc/{serviceName}/.
func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]message.ServiceInstance, error) {
	resp, err := r.client.Get(ctx, etcdPrefix+serviceName+"/",
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByCreateRevision, clientv3.SortAscend))
	if err != nil {
		return nil, errors.Wrapf(err, "etcd registry: list %s", serviceName)
	}

	now := r.now()
	instances := make([]message.ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst message.ServiceInstance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			r.log.Warnf("Skipping malformed entry %s: %v", kv.Key, err)
			continue
		}
		if expired(&inst, now, r.leaseTTL) {
			continue
		}
		instances = append(instances, inst)
	}
	return instances, nil
}
