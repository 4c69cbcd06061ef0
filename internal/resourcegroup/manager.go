// Package resourcegroup implements the Resource Group Manager (C8):
// gang-scheduling bundles onto a set of Local schedulers via the root
// Domain's group controller,
// persisted and re-schedulable on agent failure. Built as a channel
// actor in the same idiom as internal/instance.ControlView.
package resourcegroup

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/fnmesh/globalscheduler/internal/leader"
	"github.com/fnmesh/globalscheduler/internal/metrics"
	"github.com/fnmesh/globalscheduler/internal/rpc"
	"github.com/fnmesh/globalscheduler/internal/store"
	"github.com/fnmesh/globalscheduler/internal/wire"
)

const (
	forwardTimeout             = 10 * time.Second
	defaultRescheduleInterval  = 5 * time.Second
)

// RootDomainClient is the subset of rpc.DomainClient the manager needs
// to reach the root Domain's group controller.
type RootDomainClient interface {
	ForwardGroupSchedule(ctx context.Context, req rpc.ForwardGroupScheduleRequest) (rpc.ForwardGroupScheduleResponse, error)
}

// RootDomainResolver resolves the current root Domain's client,
// re-dialing on topology change.
type RootDomainResolver func(ctx context.Context) (RootDomainClient, error)

// LocalResolver resolves a Local scheduler's client by functionProxyID
// for bundle removal.
type LocalResolver func(ctx context.Context, functionProxyID string) (rpc.LocalClient, error)

// Manager is the Resource Group Manager actor (C8).
type Manager struct {
	requests chan func()
	quit     chan chan struct{}

	st           store.Store
	resolveRoot  RootDomainResolver
	resolveLocal LocalResolver

	business leader.Business

	groups map[string]*groupState // key: tenant/name
	// pendingDeletes tracks names whose Delete arrived while a Create
	// gang-schedule was in flight.
	pendingDeletes map[string]bool
}

type groupState struct {
	rg       wire.ResourceGroup
	creating bool
}

func groupKey(tenant, name string) string { return tenant + "/" + name }

// New constructs a Manager. business starts Slave; wire leader.Watcher
// via OnLeaderChange.
func New(st store.Store, resolveRoot RootDomainResolver, resolveLocal LocalResolver) *Manager {
	m := &Manager{
		requests:       make(chan func()),
		quit:           make(chan chan struct{}),
		st:             st,
		resolveRoot:    resolveRoot,
		resolveLocal:   resolveLocal,
		business:       leader.NewBusiness(leader.RoleSlave, func() string { return "" }),
		groups:         map[string]*groupState{},
		pendingDeletes: map[string]bool{},
	}
	go m.loop()
	return m
}

func (m *Manager) loop() {
	for {
		select {
		case req := <-m.requests:
			req()
		case q := <-m.quit:
			close(q)
			return
		}
	}
}

func (m *Manager) Stop() {
	q := make(chan struct{})
	m.quit <- q
	<-q
}

func (m *Manager) do(fn func()) {
	done := make(chan struct{})
	m.requests <- func() { fn(); close(done) }
	<-done
}

// OnLeaderChange: on Master acquisition, Sync() re-reads
// resource-group snapshots from the store.
func (m *Manager) OnLeaderChange(info leader.Info) {
	m.do(func() {
		wasMaster := m.business.Role() == leader.RoleMaster
		m.business = leader.NewBusiness(info.Role, func() string { return info.MasterAID })
		if info.Role == leader.RoleMaster && !wasMaster {
			m.syncLocked()
		}
	})
}

func (m *Manager) syncLocked() {
	kvs, err := m.st.Get(context.Background(), "/yr/resourcegroup/", store.GetOptions{Prefix: true})
	if err != nil {
		log.Printf("resourcegroup: sync: %v", err)
		return
	}
	m.groups = map[string]*groupState{}
	for _, kv := range kvs {
		var rg wire.ResourceGroup
		if err := json.Unmarshal(kv.Value, &rg); err != nil {
			log.Printf("resourcegroup: sync: corrupt record at %s: %v", kv.Key, err)
			continue
		}
		m.groups[groupKey(rg.Tenant, rg.Name)] = &groupState{rg: rg}
	}
	log.Printf("resourcegroup: sync: recovered %d groups", len(m.groups))
}

// CreateRequest is the input to Create.
type CreateRequest struct {
	Name      string
	Tenant    string
	Owner     string
	Priority  int
	Policy    wire.GroupPolicy
	RequestID string
	Bundles   []wire.BundleSpec
}

// Create assembles a GroupInfo with one Bundle per spec element,
// derives inner-group affinity from Policy, persists it, and forwards
// a gang-schedule request to the root Domain.
func (m *Manager) Create(ctx context.Context, req CreateRequest) error {
	var resultErr error
	m.do(func() {
		if err := m.business.Mutate(); err != nil {
			resultErr = err
			return
		}
		owner := req.Owner
		if owner == "" {
			owner = "primary"
		}
		bundles := make([]wire.Bundle, len(req.Bundles))
		for i, spec := range req.Bundles {
			bundles[i] = wire.Bundle{
				BundleID: wire.BundleID(req.Name, req.RequestID, i),
				ParentRG: req.Name,
				Tenant:   req.Tenant,
				Index:    i,
				Spec:     spec,
				Status:   wire.BundlePending,
			}
		}
		rg := wire.ResourceGroup{
			Name:      req.Name,
			Tenant:    req.Tenant,
			Owner:     owner,
			Priority:  req.Priority,
			Policy:    req.Policy,
			RequestID: req.RequestID,
			Bundles:   bundles,
			Status:    wire.RGPending,
		}
		rg.Affinity = rg.AffinityRules()
		key := groupKey(req.Tenant, req.Name)
		if err := m.persistLocked(rg); err != nil {
			resultErr = err
			return
		}
		m.groups[key] = &groupState{rg: rg, creating: true}
	})
	if resultErr != nil {
		return resultErr
	}
	metrics.IncRgroupCreated(1)
	go m.driveGangSchedule(req.Tenant, req.Name)
	return nil
}

func (m *Manager) persistLocked(rg wire.ResourceGroup) error {
	data, err := json.Marshal(rg)
	if err != nil {
		return fmt.Errorf("resourcegroup: marshal %s: %w", rg.Name, err)
	}
	_, err = m.st.Put(context.Background(), wire.ResourceGroupKey(rg.Tenant, rg.Name), data, store.PutOptions{})
	if err != nil {
		return fmt.Errorf("resourcegroup: persist %s: %w", rg.Name, err)
	}
	return nil
}

// driveGangSchedule retries ForwardGroupSchedule indefinitely until the
// root Domain is reachable or a cancel (Delete) arrives.
func (m *Manager) driveGangSchedule(tenant, name string) {
	key := groupKey(tenant, name)
	for {
		var canceled bool
		var rg wire.ResourceGroup
		m.do(func() {
			state, ok := m.groups[key]
			if !ok || m.pendingDeletes[key] {
				canceled = true
				return
			}
			rg = state.rg
		})
		if canceled {
			m.finishCancelledCreate(tenant, name)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
		client, err := m.resolveRoot(ctx)
		if err == nil {
			var resp rpc.ForwardGroupScheduleResponse
			resp, err = client.ForwardGroupSchedule(ctx, rpc.ForwardGroupScheduleRequest{Group: rg})
			if err == nil {
				cancel()
				m.applyGangResponse(tenant, name, resp)
				return
			}
		}
		cancel()
		log.Printf("resourcegroup: forward group schedule for %s: %v, retrying", name, err)
		time.Sleep(forwardTimeout)
	}
}

func (m *Manager) finishCancelledCreate(tenant, name string) {
	m.do(func() {
		key := groupKey(tenant, name)
		delete(m.pendingDeletes, key)
		delete(m.groups, key)
	})
	if err := m.st.Delete(context.Background(), wire.ResourceGroupKey(tenant, name), store.DeleteOptions{}); err != nil {
		log.Printf("resourcegroup: %s cancelled-create cleanup: delete store key: %v", name, err)
	}
	metrics.IncRgroupCancelled(1)
	log.Printf("resourcegroup: %s creation cancelled mid-flight, torn down: %s", name, wire.NewError(wire.ErrScheduleCanceled, name))
}

// applyGangResponse implements the "Gang response" sub-operation:
// expects scheduleResults[bundleID] -> nodeID for every bundle, else
// failure; on success writes bundles.functionProxyID and transitions
// to CREATED. If Delete arrived while waiting, the group
// is torn down instead of transitioning to CREATED.
func (m *Manager) applyGangResponse(tenant, name string, resp rpc.ForwardGroupScheduleResponse) {
	key := groupKey(tenant, name)
	var cancelled bool
	var rg wire.ResourceGroup
	var ok bool
	m.do(func() {
		state, exists := m.groups[key]
		if !exists {
			return
		}
		if m.pendingDeletes[key] {
			cancelled = true
			return
		}
		if resp.ErrCode != wire.ErrNone || len(resp.ScheduleResults) < len(state.rg.Bundles) {
			log.Printf("resourcegroup: gang schedule for %s failed: %s", name, resp.ErrCode)
			return
		}
		for i := range state.rg.Bundles {
			nodeID, found := resp.ScheduleResults[state.rg.Bundles[i].BundleID]
			if !found {
				log.Printf("resourcegroup: gang schedule for %s missing bundle %s", name, state.rg.Bundles[i].BundleID)
				return
			}
			state.rg.Bundles[i].FunctionProxyID = nodeID
			state.rg.Bundles[i].Status = wire.BundleCreated
		}
		state.rg.Status = wire.RGCreated
		state.creating = false
		rg = state.rg
		ok = true
	})
	if cancelled {
		m.finishCancelledCreate(tenant, name)
		return
	}
	if ok {
		if err := m.persistLocked(rg); err != nil {
			log.Printf("resourcegroup: persist %s after gang schedule: %v", name, err)
		}
	}
}

// Delete sends, for each Local hosting a bundle,
// send RemoveBundle, then delete the store key. If called during
// PENDING (scheduling in flight), the deletion is queued for
// post-schedule execution.
func (m *Manager) Delete(ctx context.Context, tenant, name string) error {
	var rg wire.ResourceGroup
	var inFlight bool
	var found bool
	m.do(func() {
		key := groupKey(tenant, name)
		state, exists := m.groups[key]
		if !exists {
			return
		}
		found = true
		if state.creating {
			m.pendingDeletes[key] = true
			inFlight = true
			return
		}
		rg = state.rg
		delete(m.groups, key)
	})
	if !found {
		return fmt.Errorf("resourcegroup: %s not found", name)
	}
	if inFlight {
		return nil
	}
	metrics.IncRgroupDeleted(1)
	return m.teardown(ctx, rg)
}

func (m *Manager) teardown(ctx context.Context, rg wire.ResourceGroup) error {
	for _, b := range rg.Bundles {
		if b.FunctionProxyID == "" {
			continue
		}
		client, err := m.resolveLocal(ctx, b.FunctionProxyID)
		if err != nil {
			log.Printf("resourcegroup: resolve local for bundle %s: %v", b.BundleID, err)
			continue
		}
		if _, err := client.RemoveBundle(ctx, rpc.RemoveBundleRequest{BundleID: b.BundleID}); err != nil {
			log.Printf("resourcegroup: remove bundle %s: %v", b.BundleID, err)
		}
	}
	return m.st.Delete(ctx, wire.ResourceGroupKey(rg.Tenant, rg.Name), store.DeleteOptions{})
}

// HandleAgentAbnormal reacts to an agent going abnormal: for
// each bundle whose proxy was reported abnormal, clear proxy, set
// PENDING, persist, then ask the root Domain for a single-bundle gang
// re-schedule; retry at defaultRescheduleInterval until placed.
func (m *Manager) HandleAgentAbnormal(functionProxyID string) {
	var affected []string
	m.do(func() {
		for key, state := range m.groups {
			changed := false
			for i := range state.rg.Bundles {
				if state.rg.Bundles[i].FunctionProxyID == functionProxyID {
					state.rg.Bundles[i].FunctionProxyID = ""
					state.rg.Bundles[i].Status = wire.BundlePending
					changed = true
				}
			}
			if changed {
				if err := m.persistLocked(state.rg); err != nil {
					log.Printf("resourcegroup: persist after agent abnormal: %v", err)
				}
				affected = append(affected, key)
			}
		}
	})
	for _, key := range affected {
		go m.rescheduleUntilPlaced(key)
	}
}

func (m *Manager) rescheduleUntilPlaced(key string) {
	for {
		var rg wire.ResourceGroup
		var pendingBundles []wire.Bundle
		var done bool
		m.do(func() {
			state, ok := m.groups[key]
			if !ok {
				done = true
				return
			}
			rg = state.rg
			for _, b := range state.rg.Bundles {
				if b.Status == wire.BundlePending {
					pendingBundles = append(pendingBundles, b)
				}
			}
		})
		if done || len(pendingBundles) == 0 {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
		client, err := m.resolveRoot(ctx)
		var resp rpc.ForwardGroupScheduleResponse
		if err == nil {
			resp, err = client.ForwardGroupSchedule(ctx, rpc.ForwardGroupScheduleRequest{
				Group: wire.ResourceGroup{Name: rg.Name, Tenant: rg.Tenant, Bundles: pendingBundles, Policy: rg.Policy, Affinity: rg.Affinity},
			})
		}
		cancel()
		if err == nil && resp.ErrCode == wire.ErrNone {
			m.applyReschedule(key, resp)
			return
		}
		time.Sleep(defaultRescheduleInterval)
	}
}

func (m *Manager) applyReschedule(key string, resp rpc.ForwardGroupScheduleResponse) {
	var rg wire.ResourceGroup
	var ok bool
	m.do(func() {
		state, exists := m.groups[key]
		if !exists {
			return
		}
		allPlaced := true
		for i := range state.rg.Bundles {
			if state.rg.Bundles[i].Status != wire.BundlePending {
				continue
			}
			nodeID, found := resp.ScheduleResults[state.rg.Bundles[i].BundleID]
			if !found {
				allPlaced = false
				continue
			}
			state.rg.Bundles[i].FunctionProxyID = nodeID
			state.rg.Bundles[i].Status = wire.BundleCreated
		}
		if allPlaced {
			state.rg.Status = wire.RGCreated
		}
		rg = state.rg
		ok = true
	})
	if ok {
		if err := m.persistLocked(rg); err != nil {
			log.Printf("resourcegroup: persist after reschedule: %v", err)
		}
	}
}

// Get returns a copy of the named group's current record.
func (m *Manager) Get(tenant, name string) (wire.ResourceGroup, bool) {
	var rg wire.ResourceGroup
	var ok bool
	m.do(func() {
		state, exists := m.groups[groupKey(tenant, name)]
		if exists {
			rg = state.rg
			ok = true
		}
	})
	return rg, ok
}
