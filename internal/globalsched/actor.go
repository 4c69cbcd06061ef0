// Package globalsched implements the Global Scheduler Actor: the
// sole writer of topology to the store, orchestrating the
// Scheduler Tree (internal/topology), the Domain/Local-Scheduler
// Managers (internal/schedmgr), and the Master/Slave business policy
// (internal/leader). It is a single goroutine processing typed channel
// requests.
package globalsched

import (
	"context"
	"fmt"
	"log"

	"github.com/fnmesh/globalscheduler/internal/leader"
	"github.com/fnmesh/globalscheduler/internal/rpc"
	"github.com/fnmesh/globalscheduler/internal/schedmgr"
	"github.com/fnmesh/globalscheduler/internal/store"
	"github.com/fnmesh/globalscheduler/internal/topology"
	"github.com/fnmesh/globalscheduler/internal/wire"
)

// Launcher starts a co-resident root Domain scheduler when the tree
// has no Domain yet or the current root went BROKEN. Production code backs this with an in-process
// Domain actor; tests use a fake that always succeeds or always fails.
type Launcher interface {
	LaunchRootDomain(ctx context.Context) (wire.NodeView, error)
}

// Actor is the Global Scheduler Actor (C4).
type Actor struct {
	requests chan func()
	quit     chan chan struct{}

	tree      *topology.Tree
	publisher *topology.Publisher
	domainMgr *schedmgr.DomainSchedMgr
	localMgr  *schedmgr.LocalSchedMgr
	st        store.Store
	launcher  Launcher

	business       leader.Business
	selfAID        string
	masterAID      string
	masterHTTPAddr string

	abnormalCallbacks []func(name string)

	topoRecovered     chan struct{}
	topoRecoveredOnce bool
}

// Config bundles Actor construction dependencies.
type Config struct {
	MaxLocalPerDomain  int
	MaxDomainPerDomain int
	Store              store.Store
	Dialer             rpc.Dialer
	Launcher           Launcher
	SelfAID            string
}

// New constructs an Actor in SlaveBusiness until a leader.Watcher
// promotes it.
func New(cfg Config) *Actor {
	a := &Actor{
		requests:      make(chan func()),
		quit:          make(chan chan struct{}),
		tree:          topology.New(cfg.MaxLocalPerDomain, cfg.MaxDomainPerDomain),
		st:            cfg.Store,
		launcher:      cfg.Launcher,
		selfAID:       cfg.SelfAID,
		topoRecovered: make(chan struct{}),
		business:      leader.NewBusiness(leader.RoleSlave, func() string { return "" }),
	}
	a.publisher = topology.NewPublisher(cfg.Store)
	a.domainMgr = schedmgr.NewDomainSchedMgr(cfg.Dialer, a.onDomainBroken, a.onTaint)
	a.localMgr = schedmgr.NewLocalSchedMgr(cfg.Dialer, nil)
	a.localMgr.SetAddLocalCallback(a.addLocalCallback)
	go a.loop()
	return a
}

func (a *Actor) loop() {
	for {
		select {
		case req := <-a.requests:
			req()
		case q := <-a.quit:
			close(q)
			return
		}
	}
}

func (a *Actor) Stop() {
	q := make(chan struct{})
	a.quit <- q
	<-q
}

// do runs fn on the actor's goroutine and blocks for its completion.
func (a *Actor) do(fn func()) {
	done := make(chan struct{})
	a.requests <- func() { fn(); close(done) }
	<-done
}

// OnLeaderChange updates this actor's business policy on a role
// change and, on Master acquisition, re-runs topology recovery. It does
// not re-read resource-group snapshots or re-register callbacks.
func (a *Actor) OnLeaderChange(info leader.Info) {
	a.do(func() {
		wasMaster := a.business.Role() == leader.RoleMaster
		a.masterAID = info.MasterAID
		a.masterHTTPAddr = info.MasterHTTPAddr
		a.business = leader.NewBusiness(info.Role, func() string { return a.masterAID })
		if info.Role == leader.RoleMaster && !wasMaster {
			log.Printf("globalsched: acquired master role, recovering topology")
			a.recoverLocked()
		}
	})
}

// RegisterAbnormalCallback subscribes fn to DelLocal notifications.
func (a *Actor) RegisterAbnormalCallback(fn func(name string)) {
	a.do(func() { a.abnormalCallbacks = append(a.abnormalCallbacks, fn) })
}

// Recover fetches the topology snapshot, rebuilds
// the tree, resume heartbeat, or activate the launcher if the tree has
// no Domain. Safe to call multiple times; only the first call after a
// Master transition actually performs work productively, but repeats
// are idempotent.
func (a *Actor) Recover(ctx context.Context) error {
	errCh := make(chan error, 1)
	a.requests <- func() {
		errCh <- a.recoverLocked()
	}
	return <-errCh
}

func (a *Actor) recoverLocked() error {
	kvs, err := a.st.Get(context.Background(), wire.TopologyKey, store.GetOptions{})
	if err != nil {
		return fmt.Errorf("globalsched: recover: get snapshot: %w", err)
	}
	if len(kvs) == 0 {
		log.Printf("globalsched: recover: no topology snapshot, activating co-resident launcher")
		a.activateLauncherLocked()
		a.markRecoveredLocked()
		return nil
	}
	if err := a.tree.RecoverFromString(kvs[0].Value); err != nil {
		log.Printf("globalsched: recover: snapshot broken, keeping old topology: %v", err)
		a.markRecoveredLocked()
		return nil
	}
	if root := a.tree.RootNode(); root != nil {
		a.domainMgr.SetRootDomain(wire.NodeView{Name: root.Info.Name, Address: root.Info.Address, Level: root.Level})
	} else {
		a.activateLauncherLocked()
	}
	a.markRecoveredLocked()
	return nil
}

func (a *Actor) markRecoveredLocked() {
	if !a.topoRecoveredOnce {
		a.topoRecoveredOnce = true
		close(a.topoRecovered)
	}
}

// TopoRecovered returns a channel closed once recovery has completed.
// Callers that queue writes (deferred Puts during a store outage)
// should wait on it before flushing them.
func (a *Actor) TopoRecovered() <-chan struct{} { return a.topoRecovered }

func (a *Actor) activateLauncherLocked() {
	if a.launcher == nil {
		return
	}
	root, err := a.launcher.LaunchRootDomain(context.Background())
	if err != nil {
		log.Printf("globalsched: launch co-resident root domain failed: %v", err)
		return
	}
	node, err := a.tree.AddNonLeaf(topology.NodeInfo{Name: root.Name, Address: root.Address})
	if err != nil {
		log.Printf("globalsched: add launched root domain to tree: %v", err)
		return
	}
	a.domainMgr.SetRootDomain(wire.NodeView{Name: node.Info.Name, Address: node.Info.Address, Level: node.Level})
	a.publishLocked()
}

func (a *Actor) publishLocked() {
	a.publisher.Publish(a.tree.SerializeAsString())
}

// addLocalCallback is invoked by
// LocalSchedMgr.RegisterLocal.
func (a *Actor) addLocalCallback(name, address string) (wire.NodeView, error) {
	var result wire.NodeView
	var resultErr error
	a.do(func() {
		if err := a.business.Mutate(); err != nil {
			resultErr = err
			return
		}
		leaf, err := a.tree.AddLeaf(topology.NodeInfo{Name: name, Address: address})
		if err == topology.ErrNoSlot {
			if a.launcher == nil {
				resultErr = fmt.Errorf("globalsched: no domain capacity and no launcher configured")
				return
			}
			rootView, launchErr := a.launcher.LaunchRootDomain(context.Background())
			if launchErr != nil {
				resultErr = fmt.Errorf("globalsched: add local %s: launch co-resident domain: %w", name, launchErr)
				return
			}
			domainNode, addErr := a.tree.AddNonLeaf(topology.NodeInfo{Name: rootView.Name, Address: rootView.Address})
			if addErr != nil {
				resultErr = fmt.Errorf("globalsched: add local %s: add launched domain: %w", name, addErr)
				return
			}
			leaf, err = a.tree.AddLeaf(topology.NodeInfo{Name: name, Address: address})
			if err != nil {
				resultErr = fmt.Errorf("globalsched: add local %s after launching domain %s: %w", name, domainNode.Info.Name, err)
				return
			}
		} else if err != nil {
			resultErr = fmt.Errorf("globalsched: add local %s: %w", name, err)
			return
		}

		parent := leaf.Parent
		result = wire.NodeView{Name: parent.Info.Name, Address: parent.Info.Address, Level: parent.Level}
		a.publishLocked()
		a.pushTopologyToSiblingsLocked(parent)
	})
	return result, resultErr
}

func (a *Actor) pushTopologyToSiblingsLocked(domain *topology.Node) {
	members := nodeViews(domain.Children)
	names := make([]string, 0, len(domain.Children))
	for name := range domain.Children {
		names = append(names, name)
	}
	leaderView := wire.NodeView{Name: domain.Info.Name, Address: domain.Info.Address, Level: domain.Level}
	a.localMgr.PushTopology(names, rpc.ScheduleTopology{Leader: leaderView, Members: members})
}

func nodeViews(children map[string]*topology.Node) []wire.NodeView {
	out := make([]wire.NodeView, 0, len(children))
	for _, c := range children {
		out = append(out, wire.NodeView{Name: c.Info.Name, Address: c.Info.Address, Level: c.Level})
	}
	return out
}

// DelLocal removes a Local from the tree and deregisters it.
func (a *Actor) DelLocal(name string) error {
	var resultErr error
	a.do(func() {
		if err := a.business.Mutate(); err != nil {
			resultErr = err
			return
		}
		parent, err := a.tree.RemoveLeaf(name)
		if err != nil {
			resultErr = err
			return
		}
		a.localMgr.DeregisterLocal(name)
		a.publishLocked()
		a.pushTopologyToSiblingsLocked(parent)
		for _, cb := range a.abnormalCallbacks {
			cb(name)
		}
	})
	return resultErr
}

// AddDomain registers a new child Domain.
func (a *Actor) AddDomain(aid, name, address string) (rpc.RegisterResponse, error) {
	var resp rpc.RegisterResponse
	var resultErr error
	a.do(func() {
		if err := a.business.Mutate(); err != nil {
			resultErr = err
			return
		}
		wasRoot := a.tree.RootNode()
		node, err := a.tree.AddNonLeaf(topology.NodeInfo{Name: name, Address: address})
		if err != nil {
			resultErr = err
			return
		}
		if err := a.domainMgr.Register(aid, name, address); err != nil {
			resultErr = err
			return
		}
		newRoot := a.tree.RootNode()
		if wasRoot == nil || (newRoot != nil && newRoot != wasRoot) {
			a.domainMgr.SetRootDomain(wire.NodeView{Name: newRoot.Info.Name, Address: newRoot.Info.Address, Level: newRoot.Level})
		}
		a.publishLocked()

		view := a.topologyViewLocked(node)
		resp = rpc.RegisterResponse{Accepted: true, Topology: view}
	})
	return resp, resultErr
}

func (a *Actor) topologyViewLocked(node *topology.Node) rpc.TopologyView {
	self := wire.NodeView{Name: node.Info.Name, Address: node.Info.Address, Level: node.Level}
	var parent wire.NodeView
	var siblings []wire.NodeView
	if node.Parent != nil {
		parent = wire.NodeView{Name: node.Parent.Info.Name, Address: node.Parent.Info.Address, Level: node.Parent.Level}
		for name, sib := range node.Parent.Children {
			if name == node.Info.Name {
				continue
			}
			siblings = append(siblings, wire.NodeView{Name: sib.Info.Name, Address: sib.Info.Address, Level: sib.Level})
		}
	}
	return rpc.TopologyView{Self: self, Parent: parent, Siblings: siblings}
}

// DelDomain marks a Domain BROKEN and attempts repair.
func (a *Actor) DelDomain(name string) error {
	var resultErr error
	a.do(func() {
		if err := a.business.Mutate(); err != nil {
			resultErr = err
			return
		}
		node := a.tree.FindNonLeaf(name)
		if node == nil {
			resultErr = fmt.Errorf("globalsched: domain %q not found", name)
			return
		}
		a.tree.SetState(node, topology.StateBroken)
		a.publishLocked()
		a.activateLauncherLocked()
	})
	return resultErr
}

// onDomainBroken is DomainSchedMgr's callback for repeated heartbeat
// failure to the root Domain.
func (a *Actor) onDomainBroken(name string) {
	if err := a.DelDomain(name); err != nil {
		log.Printf("globalsched: mark domain %s broken: %v", name, err)
	}
}

// onTaint is DomainSchedMgr's callback for worker-status notifications
// forwarded upward; the Actor re-propagates it to affected
// workers via the abnormal-callback mechanism, since "affected workers"
// in this codebase are resolved by the Instance Controller, not C4.
func (a *Actor) onTaint(ip, key string, healthy bool) {
	log.Printf("globalsched: taint update ip=%s key=%s healthy=%t", ip, key, healthy)
	a.do(func() {
		for _, cb := range a.abnormalCallbacks {
			cb(fmt.Sprintf("%s:%s:%t", ip, key, healthy))
		}
	})
}

// ReplaceBrokenDomain implements the tree's edge-replacement policy
// item 4: "on next Domain registration, replace the BROKEN placeholder."
func (a *Actor) ReplaceBrokenDomain(oldName, newName, newAddress string) error {
	var resultErr error
	a.do(func() {
		if err := a.business.Mutate(); err != nil {
			resultErr = err
			return
		}
		_, err := a.tree.ReplaceNonLeaf(oldName, topology.NodeInfo{Name: newName, Address: newAddress})
		if err != nil {
			resultErr = err
			return
		}
		a.publishLocked()
	})
	return resultErr
}

// GetRootDomainInfo returns the current root Domain's view, if any.
func (a *Actor) GetRootDomainInfo() (wire.NodeView, bool) {
	var view wire.NodeView
	var ok bool
	a.do(func() {
		root := a.tree.RootNode()
		if root == nil {
			return
		}
		view = wire.NodeView{Name: root.Info.Name, Address: root.Info.Address, Level: root.Level}
		ok = true
	})
	return view, ok
}

// ForwardSchedule forwards req to the current root Domain, for the
// Instance Controller's forward-up-the-tree path (dispatch.Forwarder).
func (a *Actor) ForwardSchedule(ctx context.Context, req rpc.ScheduleRequest) (rpc.ScheduleResponse, error) {
	root, ok := a.GetRootDomainInfo()
	if !ok {
		return rpc.ScheduleResponse{}, wire.NewError(wire.ErrInnerCommunication, "no root domain known")
	}
	return a.domainMgr.ForwardSchedule(root, req)
}

// GetLocalAddress looks up a registered Local's address.
func (a *Actor) GetLocalAddress(name string) (string, bool) {
	var addr string
	var ok bool
	a.do(func() {
		n := a.tree.FindLeaf(name)
		if n == nil {
			return
		}
		addr = n.Info.Address
		ok = true
	})
	return addr, ok
}

// QueryNodes returns the name, address and level of every Local
// scheduler currently in the tree.
func (a *Actor) QueryNodes() []wire.NodeView {
	var out []wire.NodeView
	a.do(func() {
		for _, n := range a.tree.FindNodesAtLevel(0) {
			out = append(out, wire.NodeView{Name: n.Info.Name, Address: n.Info.Address, Level: n.Level})
		}
	})
	return out
}

// EvictAgent forwards an eviction request to the named Local.
func (a *Actor) EvictAgent(ctx context.Context, localName string, req rpc.EvictAgentRequest) (rpc.EvictAgentResponse, error) {
	addr, ok := a.GetLocalAddress(localName)
	if !ok {
		return rpc.EvictAgentResponse{}, fmt.Errorf("globalsched: local %q not found", localName)
	}
	return a.localMgr.EvictAgentOnLocal(addr, req)
}

// QueryAgentInfo answers GET /queryagents and /queryagentcount from
// this actor's own tree, listing each Local by name and address. It
// does not forward; the HTTP layer's forwardIfSlave proxies a Slave's
// requests to the master.
func (a *Actor) QueryAgentInfo(ctx context.Context) (rpc.QueryAgentInfoResponse, error) {
	var agents []rpc.AgentSummary
	a.do(func() {
		for _, n := range a.tree.FindNodesAtLevel(0) {
			agents = append(agents, rpc.AgentSummary{ID: n.Info.Name, Alias: n.Info.Address})
		}
	})
	return rpc.QueryAgentInfoResponse{Agents: agents}, nil
}

// IsMaster reports the actor's current business role.
func (a *Actor) IsMaster() bool {
	var master bool
	a.do(func() { master = a.business.Role() == leader.RoleMaster })
	return master
}

// MasterHTTPAddr returns the current master's HTTP address, for
// SlaveBusiness holders to forward read-through queries.
func (a *Actor) MasterHTTPAddr() (string, bool) {
	var addr string
	a.do(func() { addr = a.masterHTTPAddr })
	return addr, addr != ""
}

// QueryResourcesInfo answers GET /resources: the aggregate
// resource view across every Local in the tree. The Instance Controller
// and Local schedulers own the authoritative per-agent numbers; this
// actor only reports which agents exist, since resource accounting
// itself lives outside the scheduler tree.
func (a *Actor) QueryResourcesInfo(ctx context.Context) (rpc.QueryResourcesInfoResponse, error) {
	resources := map[string]wire.ResourceSpec{}
	a.do(func() {
		for _, n := range a.tree.FindNodesAtLevel(0) {
			resources[n.Info.Name] = wire.ResourceSpec{}
		}
	})
	return rpc.QueryResourcesInfoResponse{Resources: resources}, nil
}
