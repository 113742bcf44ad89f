package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// DefaultPrefix is the etcd key prefix instances are stored under:
//
//	/duplex-rpc/{service}/{addr} → JSON Instance
const DefaultPrefix = "/duplex-rpc/"

const dialTimeout = 5 * time.Second

// EtcdRegistry keeps instances in etcd. Registrations are bound to a TTL lease
// renewed in the background, so a crashed host disappears when its lease
// expires.
type EtcdRegistry struct {
	client *clientv3.Client
	prefix string
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key → lease, to revoke on Deregister
}

// NewEtcdRegistry connects to the given endpoints. A nil logger disables logging.
func NewEtcdRegistry(endpoints []string, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("etcd connect: %w", err)
	}
	return &EtcdRegistry{
		client: c,
		prefix: DefaultPrefix,
		logger: logger,
		leases: make(map[string]clientv3.LeaseID),
	}, nil
}

func (r *EtcdRegistry) serviceKey(service string) string {
	return r.prefix + service + "/"
}

func (r *EtcdRegistry) Register(ctx context.Context, service string, inst Instance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("etcd grant: %w", err)
	}

	val, err := json.Marshal(inst)
	if err != nil {
		return err
	}

	key := r.serviceKey(service) + inst.Addr
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("etcd put %s: %w", key, err)
	}

	// KeepAlive must outlive the registration call, so it is not tied to ctx.
	ch, err := r.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return fmt.Errorf("etcd keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive stopped", zap.String("key", key))
	}()

	r.mu.Lock()
	r.leases[key] = lease.ID
	r.mu.Unlock()

	r.logger.Info("registered instance", zap.String("service", service), zap.String("addr", inst.Addr), zap.Int64("ttl", ttl))
	return nil
}

func (r *EtcdRegistry) Deregister(ctx context.Context, service string, addr string) error {
	key := r.serviceKey(service) + addr
	if _, err := r.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("etcd delete %s: %w", key, err)
	}

	r.mu.Lock()
	lease, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()
	if ok {
		// Revoking ends the keepalive goroutine.
		if _, err := r.client.Revoke(ctx, lease); err != nil {
			return fmt.Errorf("etcd revoke: %w", err)
		}
	}
	return nil
}

// Watch re-reads the whole service prefix on every change; the watch events
// themselves are only used as a trigger.
func (r *EtcdRegistry) Watch(ctx context.Context, service string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, r.serviceKey(service), clientv3.WithPrefix())
		for range watchChan {
			instances, err := r.Discover(ctx, service)
			if err != nil {
				r.logger.Warn("discover after watch event", zap.String("service", service), zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (r *EtcdRegistry) Discover(ctx context.Context, service string) ([]Instance, error) {
	resp, err := r.client.Get(ctx, r.serviceKey(service), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcd get: %w", err)
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst Instance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			r.logger.Warn("skipping malformed instance", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// Close releases the etcd client. Leases of instances still registered expire
// on their own.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
