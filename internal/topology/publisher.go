package topology

import (
	"context"
	"sync"

	"github.com/fnmesh/globalscheduler/internal/store"
	"github.com/fnmesh/globalscheduler/internal/wire"
)

// Publisher serializes topology snapshots into the store with at most
// one in-flight Put and at most one queued Put; newer Puts coalesce
// older queued ones. On store outage the queued
// snapshot is retried once healthy-status restoration is observed.
type Publisher struct {
	st store.Store

	mu      sync.Mutex
	inFlight bool
	queued   []byte
	hasQueued bool
}

// NewPublisher constructs a Publisher over the given store and, if the
// store can report health transitions, wires a flush-on-restore hook.
func NewPublisher(st store.Store) *Publisher {
	p := &Publisher{st: st}
	if hw, ok := st.(store.HealthWatcher); ok {
		hw.OnHealthyStatus(func(healthy bool) {
			if healthy {
				p.flushQueued()
			}
		})
	}
	return p
}

// Publish submits a new snapshot. If a Put is already in flight, the
// snapshot replaces any previously queued one rather than stacking up.
func (p *Publisher) Publish(snapshot []byte) {
	p.mu.Lock()
	if p.inFlight {
		p.queued = snapshot
		p.hasQueued = true
		p.mu.Unlock()
		return
	}
	p.inFlight = true
	p.mu.Unlock()
	p.doPut(snapshot)
}

func (p *Publisher) doPut(snapshot []byte) {
	_, err := p.st.Put(context.Background(), wire.TopologyKey, snapshot, store.PutOptions{})

	p.mu.Lock()
	p.inFlight = false
	next := p.hasQueued
	var nextSnapshot []byte
	if next {
		nextSnapshot = p.queued
		p.queued = nil
		p.hasQueued = false
	}
	p.mu.Unlock()

	if err != nil && !next {
		// Nothing queued to supersede this attempt; leave it for the
		// health-restoration callback to retry once connectivity is
		// confirmed again, by re-queuing it.
		p.mu.Lock()
		p.queued = snapshot
		p.hasQueued = true
		p.mu.Unlock()
		return
	}
	if next {
		p.mu.Lock()
		p.inFlight = true
		p.mu.Unlock()
		p.doPut(nextSnapshot)
	}
}

func (p *Publisher) flushQueued() {
	p.mu.Lock()
	if p.inFlight || !p.hasQueued {
		p.mu.Unlock()
		return
	}
	snapshot := p.queued
	p.queued = nil
	p.hasQueued = false
	p.inFlight = true
	p.mu.Unlock()
	p.doPut(snapshot)
}
