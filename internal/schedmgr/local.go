package schedmgr

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/fnmesh/globalscheduler/internal/rpc"
	"github.com/fnmesh/globalscheduler/internal/wire"
)

type localRegistration struct {
	aid     string
	name    string
	address string
}

// AddLocalCallback is invoked by LocalSchedMgr on a new Local
// registration; it's wired to the Global Scheduler actor's AddLocal
// workflow and returns the Domain the new Local
// should heartbeat to.
type AddLocalCallback func(name, address string) (wire.NodeView, error)

// LocalSchedMgr tracks registered Local schedulers, pushes
// topology-view updates, and forwards eviction RPCs.
type LocalSchedMgr struct {
	mu       sync.Mutex
	byName   map[string]localRegistration
	dialer   rpc.Dialer
	addLocal AddLocalCallback
}

// NewLocalSchedMgr constructs a LocalSchedMgr. addLocal is called
// synchronously from RegisterLocal so its error can reject the
// registration. It may
// be nil at construction and set later via SetAddLocalCallback, since
// the Global Scheduler Actor that supplies it depends on this manager
// existing first.
func NewLocalSchedMgr(dialer rpc.Dialer, addLocal AddLocalCallback) *LocalSchedMgr {
	return &LocalSchedMgr{
		byName:   map[string]localRegistration{},
		dialer:   dialer,
		addLocal: addLocal,
	}
}

// SetAddLocalCallback wires the callback after construction, for the
// two-phase init needed because Actor.AddLocal closes over this manager.
func (m *LocalSchedMgr) SetAddLocalCallback(cb AddLocalCallback) {
	m.mu.Lock()
	m.addLocal = cb
	m.mu.Unlock()
}

// RegisterLocal caches the registration, invokes the add-local
// callback (C4), and returns the acknowledgment the caller should send
// back, containing the Domain the Local should heartbeat to.
func (m *LocalSchedMgr) RegisterLocal(aid, name, address string) (rpc.RegisterResponse, error) {
	m.mu.Lock()
	addLocal := m.addLocal
	m.mu.Unlock()

	domain, err := addLocal(name, address)
	if err != nil {
		return rpc.RegisterResponse{Accepted: false, ErrCode: wire.ErrInnerSystemError}, err
	}

	m.mu.Lock()
	m.byName[name] = localRegistration{aid: aid, name: name, address: address}
	m.mu.Unlock()

	log.Printf("schedmgr: local %s (%s) registered, heartbeat -> %s", name, address, domain.Name)
	return rpc.RegisterResponse{Accepted: true, HeartbeatTo: domain}, nil
}

// DeregisterLocal drops the cached registration.
func (m *LocalSchedMgr) DeregisterLocal(name string) {
	m.mu.Lock()
	delete(m.byName, name)
	m.mu.Unlock()
}

// Names returns every currently registered Local's name, for callers
// that need placement candidates rather
// than a specific name's address.
func (m *LocalSchedMgr) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.byName))
	for n := range m.byName {
		out = append(out, n)
	}
	return out
}

// Address resolves a single registered Local's address by name.
func (m *LocalSchedMgr) Address(name string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.byName[name]
	return reg.address, ok
}

// Addresses returns the addresses currently registered under names.
func (m *LocalSchedMgr) Addresses(names []string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(names))
	for _, n := range names {
		if reg, ok := m.byName[n]; ok {
			out = append(out, reg.address)
		}
	}
	return out
}

// PushTopology sends the new {leader, members} view to every Local in
// names. Failures are logged and otherwise ignored: a Local that
// missed a push will receive the next one, or resync via heartbeat ack.
func (m *LocalSchedMgr) PushTopology(names []string, topo rpc.ScheduleTopology) {
	m.mu.Lock()
	addrs := make([]string, 0, len(names))
	for _, n := range names {
		if reg, ok := m.byName[n]; ok {
			addrs = append(addrs, reg.address)
		}
	}
	m.mu.Unlock()

	for _, addr := range addrs {
		client, err := m.dialer.DialLocal(context.Background(), addr)
		if err != nil {
			log.Printf("schedmgr: push topology to %s: %v", addr, err)
			continue
		}
		if err := client.PushTopology(context.Background(), topo); err != nil {
			log.Printf("schedmgr: push topology to %s: %v", addr, err)
		}
	}
}

// EvictAgentOnLocal is a thin RPC forwarder to the named Local.
func (m *LocalSchedMgr) EvictAgentOnLocal(address string, req rpc.EvictAgentRequest) (rpc.EvictAgentResponse, error) {
	client, err := m.dialer.DialLocal(context.Background(), address)
	if err != nil {
		return rpc.EvictAgentResponse{}, fmt.Errorf("schedmgr: dial local %s: %w", address, err)
	}
	return client.EvictAgent(context.Background(), req)
}
