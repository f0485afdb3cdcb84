package discovery

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// etcdPrefix namespaces every registration key:
//
//	Key:   /dcc-rpc/{category}/{host:port}
//	Value: JSON-encoded ServiceRecord
const etcdPrefix = "/dcc-rpc/"

// defaultEtcdTTL is the registration lease TTL in seconds. KeepAlive renews it
// in the background; if the registering process dies, the lease expires and
// etcd drops the entry on its own — staleness is native here, so Discover does
// no timestamp filtering.
const defaultEtcdTTL = 30

// EtcdStrategy registers records in an etcd cluster under TTL leases. It is
// the strategy to use when hosts and tooling span machines and a shared
// registry file or multicast domain is not available.
type EtcdStrategy struct {
	client *clientv3.Client
	ttl    int64
	log    *zap.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // registration key → lease, revoked on unregister
}

// EtcdOption configures an EtcdStrategy.
type EtcdOption func(*EtcdStrategy)

// WithEtcdTTL overrides the lease TTL in seconds (default 30).
func WithEtcdTTL(seconds int64) EtcdOption {
	return func(e *EtcdStrategy) { e.ttl = seconds }
}

// WithEtcdLogger sets the strategy's logger (default: no-op).
func WithEtcdLogger(l *zap.Logger) EtcdOption {
	return func(e *EtcdStrategy) { e.log = l }
}

// NewEtcdStrategy connects to the given etcd endpoints.
func NewEtcdStrategy(endpoints []string, opts ...EtcdOption) (*EtcdStrategy, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	e := &EtcdStrategy{
		client: c,
		ttl:    defaultEtcdTTL,
		log:    zap.NewNop(),
		leases: make(map[string]clientv3.LeaseID),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func recordKey(record *ServiceRecord) string {
	return etcdPrefix + record.Category + "/" + record.Addr()
}

// Register puts the record under a TTL lease and starts background renewal.
//
// Flow:
//  1. Grant a lease for the configured TTL
//  2. Put the key-value pair with the lease attached
//  3. Start KeepAlive so the entry survives as long as we do
//
// A prior lease for the same key is revoked first, so re-registration replaces
// the old entry instead of leaving two leases racing over one key.
func (e *EtcdStrategy) Register(record *ServiceRecord) bool {
	if record == nil || !record.Valid() {
		return false
	}
	ctx := context.TODO()
	key := recordKey(record)

	e.mu.Lock()
	if old, ok := e.leases[key]; ok {
		_, _ = e.client.Revoke(ctx, old)
		delete(e.leases, key)
	}
	e.mu.Unlock()

	lease, err := e.client.Grant(ctx, e.ttl)
	if err != nil {
		e.log.Warn("etcd lease grant failed", zap.Error(err))
		return false
	}

	val, err := json.Marshal(record)
	if err != nil {
		e.log.Warn("failed to serialize record", zap.Error(err))
		return false
	}

	if _, err := e.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		e.log.Warn("etcd put failed", zap.Error(err))
		return false
	}

	ch, err := e.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		e.log.Warn("etcd keepalive failed", zap.Error(err))
		return false
	}
	// Drain KeepAlive responses so the channel never fills up
	go func() {
		for range ch {
		}
	}()

	e.mu.Lock()
	e.leases[key] = lease.ID
	e.mu.Unlock()
	return true
}

// Unregister deletes the record's key and revokes its lease. Returns false
// when nothing was registered under that key.
func (e *EtcdStrategy) Unregister(record *ServiceRecord) bool {
	if record == nil {
		return false
	}
	ctx := context.TODO()
	key := recordKey(record)

	e.mu.Lock()
	if lease, ok := e.leases[key]; ok {
		_, _ = e.client.Revoke(ctx, lease)
		delete(e.leases, key)
	}
	e.mu.Unlock()

	resp, err := e.client.Delete(ctx, key)
	if err != nil {
		e.log.Warn("etcd delete failed", zap.Error(err))
		return false
	}
	return resp.Deleted > 0
}

// Discover returns all currently leased records for a category (all
// categories when empty) via a prefix Get.
func (e *EtcdStrategy) Discover(category string) []*ServiceRecord {
	ctx := context.TODO()
	prefix := etcdPrefix
	if category != "" {
		prefix += category + "/"
	}

	resp, err := e.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		e.log.Warn("etcd discover failed", zap.Error(err))
		return nil
	}

	records := make([]*ServiceRecord, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var record ServiceRecord
		if err := json.Unmarshal(kv.Value, &record); err != nil {
			continue // skip malformed entries
		}
		records = append(records, &record)
	}
	return records
}

// Close closes the etcd client; outstanding leases expire on their own TTL.
func (e *EtcdStrategy) Close() error {
	return e.client.Close()
}
