package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Etcd adapts an etcd v3 client to the Store contract. It also runs a
// small health-watcher goroutine that periodically checks connectivity
// and fires OnHealthyStatus callbacks on transitions, mirroring the
// "MetaStoreHealthyObserver" role the global scheduler actor subscribes
// to.
type Etcd struct {
	client *clientv3.Client
	log    zerolog.Logger

	healthy   atomic.Bool
	mu        sync.Mutex
	onHealthy []func(bool)

	checkInterval time.Duration
	stop          chan struct{}
}

// NewEtcd wraps an already-constructed etcd client. The caller owns the
// client's lifecycle (Close).
func NewEtcd(client *clientv3.Client, log zerolog.Logger) *Etcd {
	e := &Etcd{
		client:        client,
		log:           log.With().Str("component", "store.etcd").Logger(),
		checkInterval: 5 * time.Second,
		stop:          make(chan struct{}),
	}
	e.healthy.Store(true)
	go e.watchHealth()
	return e
}

func (e *Etcd) Close() { close(e.stop) }

func (e *Etcd) watchHealth() {
	ticker := time.NewTicker(e.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_, err := e.client.Status(ctx, e.client.Endpoints()[0])
			cancel()
			wasHealthy := e.healthy.Load()
			nowHealthy := err == nil
			if wasHealthy != nowHealthy {
				e.healthy.Store(nowHealthy)
				if nowHealthy {
					e.log.Info().Msg("store connectivity restored")
				} else {
					e.log.Warn().Err(err).Msg("store connectivity lost")
				}
				e.fireHealthy(nowHealthy)
			}
		case <-e.stop:
			return
		}
	}
}

func (e *Etcd) fireHealthy(healthy bool) {
	e.mu.Lock()
	cbs := append([]func(bool){}, e.onHealthy...)
	e.mu.Unlock()
	for _, cb := range cbs {
		cb(healthy)
	}
}

func (e *Etcd) OnHealthyStatus(cb func(bool)) {
	e.mu.Lock()
	e.onHealthy = append(e.onHealthy, cb)
	e.mu.Unlock()
}

func (e *Etcd) Healthy() bool { return e.healthy.Load() }

func (e *Etcd) Get(ctx context.Context, key string, opts GetOptions) ([]KV, error) {
	var etcdOpts []clientv3.OpOption
	if opts.Prefix {
		etcdOpts = append(etcdOpts, clientv3.WithPrefix())
	}
	resp, err := e.client.Get(ctx, key, etcdOpts...)
	if err != nil {
		return nil, err
	}
	out := make([]KV, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out = append(out, KV{Key: string(kv.Key), Value: kv.Value, ModRevision: kv.ModRevision})
	}
	return out, nil
}

func (e *Etcd) Put(ctx context.Context, key string, value []byte, opts PutOptions) (int64, error) {
	var etcdOpts []clientv3.OpOption
	if opts.LeaseID != 0 {
		etcdOpts = append(etcdOpts, clientv3.WithLease(clientv3.LeaseID(opts.LeaseID)))
	}
	if opts.PrevKV {
		etcdOpts = append(etcdOpts, clientv3.WithPrevKV())
	}
	resp, err := e.client.Put(ctx, key, string(value), etcdOpts...)
	if err != nil {
		return 0, err
	}
	return resp.Header.Revision, nil
}

func (e *Etcd) Delete(ctx context.Context, key string, opts DeleteOptions) error {
	var etcdOpts []clientv3.OpOption
	if opts.Prefix {
		etcdOpts = append(etcdOpts, clientv3.WithPrefix())
	}
	_, err := e.client.Delete(ctx, key, etcdOpts...)
	return err
}

func (e *Etcd) Watch(ctx context.Context, key string, opts WatchOptions) (<-chan Event, error) {
	var etcdOpts []clientv3.OpOption
	if opts.Prefix {
		etcdOpts = append(etcdOpts, clientv3.WithPrefix())
	}
	wch := e.client.Watch(ctx, key, etcdOpts...)
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		for resp := range wch {
			for _, ev := range resp.Events {
				var et EventType
				if ev.Type == clientv3.EventTypeDelete {
					et = EventDelete
				} else {
					et = EventPut
				}
				select {
				case out <- Event{Type: et, KV: KV{Key: string(ev.Kv.Key), Value: ev.Kv.Value, ModRevision: ev.Kv.ModRevision}}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (e *Etcd) Txn(ctx context.Context, compare []Compare, then, els []Op) (TxnResult, error) {
	cmps := make([]clientv3.Cmp, 0, len(compare))
	for _, c := range compare {
		cmps = append(cmps, clientv3.Compare(clientv3.ModRevision(c.Key), "=", c.ExpectedModRevision))
	}
	resp, err := e.client.Txn(ctx).If(cmps...).Then(toEtcdOps(then)...).Else(toEtcdOps(els)...).Commit()
	if err != nil {
		return TxnResult{}, err
	}
	return TxnResult{Succeeded: resp.Succeeded, ModRevision: resp.Header.Revision}, nil
}

func toEtcdOps(ops []Op) []clientv3.Op {
	out := make([]clientv3.Op, 0, len(ops))
	for _, op := range ops {
		switch op.Kind {
		case OpPut:
			out = append(out, clientv3.OpPut(op.Key, string(op.Value)))
		case OpDelete:
			out = append(out, clientv3.OpDelete(op.Key))
		}
	}
	return out
}
