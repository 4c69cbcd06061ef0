package store

import (
	"context"
	"strings"
	"sync"
)

// Memory is an in-process Store used by tests and by the single-node
// "embedded" deployment mode. It is not a fake in the sense of ignoring
// CAS semantics: mod-revisions are tracked per key and Txn compares are
// enforced exactly as the real store would.
type Memory struct {
	mu        sync.Mutex
	data      map[string]KV
	revision  int64
	watchers  map[chan Event]watchFilter
	healthy   bool
	onHealthy []func(bool)
}

type watchFilter struct {
	key    string
	prefix bool
}

// NewMemory constructs an empty, healthy in-memory store.
func NewMemory() *Memory {
	return &Memory{
		data:     map[string]KV{},
		watchers: map[chan Event]watchFilter{},
		healthy:  true,
	}
}

func (m *Memory) Get(_ context.Context, key string, opts GetOptions) ([]KV, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !opts.Prefix {
		if kv, ok := m.data[key]; ok {
			return []KV{kv}, nil
		}
		return nil, nil
	}
	var out []KV
	for k, kv := range m.data {
		if strings.HasPrefix(k, key) {
			out = append(out, kv)
		}
	}
	return out, nil
}

func (m *Memory) Put(_ context.Context, key string, value []byte, _ PutOptions) (int64, error) {
	m.mu.Lock()
	m.revision++
	kv := KV{Key: key, Value: append([]byte(nil), value...), ModRevision: m.revision}
	m.data[key] = kv
	m.mu.Unlock()
	m.broadcast(Event{Type: EventPut, KV: kv})
	return kv.ModRevision, nil
}

func (m *Memory) Delete(_ context.Context, key string, opts DeleteOptions) error {
	m.mu.Lock()
	var deleted []string
	if opts.Prefix {
		for k := range m.data {
			if strings.HasPrefix(k, key) {
				deleted = append(deleted, k)
			}
		}
	} else if _, ok := m.data[key]; ok {
		deleted = append(deleted, key)
	}
	for _, k := range deleted {
		delete(m.data, k)
	}
	m.mu.Unlock()
	for _, k := range deleted {
		m.broadcast(Event{Type: EventDelete, KV: KV{Key: k}})
	}
	return nil
}

func (m *Memory) Watch(ctx context.Context, key string, opts WatchOptions) (<-chan Event, error) {
	c := make(chan Event, 16)
	m.mu.Lock()
	m.watchers[c] = watchFilter{key: key, prefix: opts.Prefix}
	m.mu.Unlock()
	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.watchers, c)
		m.mu.Unlock()
		close(c)
	}()
	return c, nil
}

func (m *Memory) broadcast(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for c, f := range m.watchers {
		matches := ev.KV.Key == f.key
		if f.prefix {
			matches = strings.HasPrefix(ev.KV.Key, f.key)
		}
		if !matches {
			continue
		}
		select {
		case c <- ev:
		default:
		}
	}
}

// Txn applies compare-and-swap semantics against ModRevision: if every
// compare clause matches the stored revision (0 meaning "key absent"),
// the then-ops run; otherwise the else-ops run.
func (m *Memory) Txn(_ context.Context, compare []Compare, then, els []Op) (TxnResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ok := true
	for _, c := range compare {
		var rev int64
		if kv, found := m.data[c.Key]; found {
			rev = kv.ModRevision
		}
		if rev != c.ExpectedModRevision {
			ok = false
			break
		}
	}

	ops := then
	if !ok {
		ops = els
	}
	var lastRev int64
	for _, op := range ops {
		switch op.Kind {
		case OpPut:
			m.revision++
			m.data[op.Key] = KV{Key: op.Key, Value: append([]byte(nil), op.Value...), ModRevision: m.revision}
			lastRev = m.revision
		case OpDelete:
			delete(m.data, op.Key)
		}
	}
	result := TxnResult{Succeeded: ok, ModRevision: lastRev}

	// Broadcast outside the lock would require releasing it first; for
	// the in-memory fake we accept the minor ordering cost of notifying
	// under lock since watchers only ever enqueue into buffered channels.
	for _, op := range ops {
		switch op.Kind {
		case OpPut:
			m.broadcastLocked(Event{Type: EventPut, KV: m.data[op.Key]})
		case OpDelete:
			m.broadcastLocked(Event{Type: EventDelete, KV: KV{Key: op.Key}})
		}
	}
	return result, nil
}

func (m *Memory) broadcastLocked(ev Event) {
	for c, f := range m.watchers {
		matches := ev.KV.Key == f.key
		if f.prefix {
			matches = strings.HasPrefix(ev.KV.Key, f.key)
		}
		if !matches {
			continue
		}
		select {
		case c <- ev:
		default:
		}
	}
}

func (m *Memory) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}

// SetHealthy flips the store's simulated connectivity, for tests of the
// OnHealthyStatus re-sync path.
func (m *Memory) SetHealthy(healthy bool) {
	m.mu.Lock()
	m.healthy = healthy
	cbs := append([]func(bool){}, m.onHealthy...)
	m.mu.Unlock()
	for _, cb := range cbs {
		cb(healthy)
	}
}

func (m *Memory) OnHealthyStatus(cb func(bool)) {
	m.mu.Lock()
	m.onHealthy = append(m.onHealthy, cb)
	m.mu.Unlock()
}
