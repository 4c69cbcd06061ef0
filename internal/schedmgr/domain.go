// Package schedmgr implements the Domain- and Local-Scheduler Managers.
// Both are channel-and-loop actors: a single goroutine owns all
// mutable state, callers interact through typed request structs
// carrying a response channel.
package schedmgr

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/fnmesh/globalscheduler/internal/rpc"
	"github.com/fnmesh/globalscheduler/internal/wire"
)

const defaultRetryCycle = 10 * time.Second

// maxHeartbeatFailures is the number of consecutive heartbeat failures
// to the root Domain before the Domain is flipped BROKEN.
const maxHeartbeatFailures = 3

// domainRegistration is what DomainSchedMgr remembers about each
// registered Domain scheduler.
type domainRegistration struct {
	aid     string
	name    string
	address string
}

// DomainSchedMgr tracks registered Domain schedulers, maintains the
// single heartbeat link to the root Domain, and forwards RPCs downward.
type DomainSchedMgr struct {
	registerRequests chan registerDomainRequest
	forwardRequests   chan forwardRequest
	taintRequests     chan taintRequest
	setRootRequests   chan setRootRequest
	quit              chan chan struct{}

	dialer rpc.Dialer

	// onBroken is invoked when the heartbeat link to the root Domain
	// fails past maxHeartbeatFailures; the Global Scheduler actor wires
	// this to Tree.SetState(node, StateBroken).
	onBroken func(name string)
	// onTaint delivers worker-status taint updates upward.
	onTaint func(ip, key string, healthy bool)

	retryCycle time.Duration
}

// NewDomainSchedMgr constructs and starts a DomainSchedMgr.
func NewDomainSchedMgr(dialer rpc.Dialer, onBroken func(string), onTaint func(string, string, bool)) *DomainSchedMgr {
	m := &DomainSchedMgr{
		registerRequests: make(chan registerDomainRequest),
		forwardRequests:  make(chan forwardRequest),
		taintRequests:    make(chan taintRequest),
		setRootRequests:  make(chan setRootRequest),
		quit:             make(chan chan struct{}),
		dialer:           dialer,
		onBroken:         onBroken,
		onTaint:          onTaint,
		retryCycle:       defaultRetryCycle,
	}
	go m.loop()
	return m
}

func (m *DomainSchedMgr) Stop() {
	q := make(chan struct{})
	m.quit <- q
	<-q
}

type registerDomainRequest struct {
	reg  domainRegistration
	view rpc.TopologyView
	resp chan error
}

type forwardRequest struct {
	downstream wire.NodeView
	kind       forwardKind
	schedule   rpc.ScheduleRequest
	resp       chan forwardResult
}

type forwardKind int

const (
	forwardSchedule forwardKind = iota
	forwardQueryAgentInfo
	forwardQueryResourcesInfo
)

type forwardResult struct {
	schedule rpc.ScheduleResponse
	agents   rpc.QueryAgentInfoResponse
	res      rpc.QueryResourcesInfoResponse
	err      error
}

type taintRequest struct {
	ip      string
	key     string
	healthy bool
}

type setRootRequest struct {
	root wire.NodeView
}

func (m *DomainSchedMgr) loop() {
	registered := map[string]domainRegistration{}
	var heartbeatCancel chan struct{}
	var rootAddress string

	startHeartbeat := func(root wire.NodeView) {
		if heartbeatCancel != nil {
			close(heartbeatCancel)
		}
		rootAddress = root.Address
		heartbeatCancel = make(chan struct{})
		go m.heartbeatLoop(root, heartbeatCancel)
	}

	for {
		select {
		case req := <-m.registerRequests:
			registered[req.reg.name] = req.reg
			log.Printf("schedmgr: domain %s (%s) registered", req.reg.name, req.reg.address)
			req.resp <- nil

		case req := <-m.setRootRequests:
			if req.root.Address == rootAddress {
				continue
			}
			log.Printf("schedmgr: retargeting domain heartbeat to root %s", req.root.Name)
			startHeartbeat(req.root)

		case req := <-m.forwardRequests:
			m.doForward(req)

		case req := <-m.taintRequests:
			if m.onTaint != nil {
				m.onTaint(req.ip, req.key, req.healthy)
			}

		case q := <-m.quit:
			if heartbeatCancel != nil {
				close(heartbeatCancel)
			}
			close(q)
			return
		}
	}
}

func (m *DomainSchedMgr) doForward(req forwardRequest) {
	client, err := m.dialer.DialDomain(context.Background(), req.downstream.Address)
	if err != nil {
		req.resp <- forwardResult{err: fmt.Errorf("schedmgr: dial domain %s: %w", req.downstream.Name, err)}
		return
	}
	ctx := context.Background()
	switch req.kind {
	case forwardSchedule:
		resp, err := client.Schedule(ctx, req.schedule)
		req.resp <- forwardResult{schedule: resp, err: err}
	case forwardQueryAgentInfo:
		resp, err := client.QueryAgentInfo(ctx, rpc.QueryAgentInfoRequest{})
		req.resp <- forwardResult{agents: resp, err: err}
	case forwardQueryResourcesInfo:
		resp, err := client.QueryResourcesInfo(ctx, rpc.QueryResourcesInfoRequest{})
		req.resp <- forwardResult{res: resp, err: err}
	}
}

// heartbeatLoop sends a Heartbeat RPC to root every retryCycle. A
// single connection-loss triggers one immediate reconnect attempt; if
// that also fails, failures accumulate until maxHeartbeatFailures, at
// which point onBroken fires and the loop keeps trying (so a later
// ReplaceNonLeaf can bring the Domain back).
func (m *DomainSchedMgr) heartbeatLoop(root wire.NodeView, cancel chan struct{}) {
	failures := 0
	ticker := time.NewTicker(m.retryCycle)
	defer ticker.Stop()

	beat := func() {
		ctx, done := context.WithTimeout(context.Background(), m.retryCycle/2)
		defer done()
		client, err := m.dialer.DialDomain(ctx, root.Address)
		if err == nil {
			err = client.Heartbeat(ctx)
		}
		if err == nil {
			failures = 0
			return
		}
		failures++
		log.Printf("schedmgr: heartbeat to root domain %s failed (%d/%d): %v", root.Name, failures, maxHeartbeatFailures, err)
		if failures == 1 {
			// One immediate reconnect attempt before settling into the
			// regular retry cadence.
			if beatOnce(ctx, m.dialer, root) == nil {
				failures = 0
				return
			}
		}
		if failures >= maxHeartbeatFailures && m.onBroken != nil {
			m.onBroken(root.Name)
		}
	}

	for {
		select {
		case <-ticker.C:
			beat()
		case <-cancel:
			return
		}
	}
}

func beatOnce(ctx context.Context, dialer rpc.Dialer, root wire.NodeView) error {
	client, err := dialer.DialDomain(ctx, root.Address)
	if err != nil {
		return err
	}
	return client.Heartbeat(ctx)
}

// Register records a newly-registered Domain. It returns only an error;
// the topology view for the acknowledgment is built by the caller
// (globalsched.Actor), which owns the tree.
func (m *DomainSchedMgr) Register(aid, name, address string) error {
	resp := make(chan error)
	m.registerRequests <- registerDomainRequest{reg: domainRegistration{aid: aid, name: name, address: address}, resp: resp}
	return <-resp
}

// SetRootDomain retargets the heartbeat link.
func (m *DomainSchedMgr) SetRootDomain(root wire.NodeView) {
	m.setRootRequests <- setRootRequest{root: root}
}

// ForwardSchedule forwards a schedule request to downstream.
func (m *DomainSchedMgr) ForwardSchedule(downstream wire.NodeView, req rpc.ScheduleRequest) (rpc.ScheduleResponse, error) {
	resp := make(chan forwardResult)
	m.forwardRequests <- forwardRequest{downstream: downstream, kind: forwardSchedule, schedule: req, resp: resp}
	r := <-resp
	return r.schedule, r.err
}

// QueryAgentInfo forwards a /queryagents request downward.
func (m *DomainSchedMgr) QueryAgentInfo(downstream wire.NodeView) (rpc.QueryAgentInfoResponse, error) {
	resp := make(chan forwardResult)
	m.forwardRequests <- forwardRequest{downstream: downstream, kind: forwardQueryAgentInfo, resp: resp}
	r := <-resp
	return r.agents, r.err
}

// QueryResourcesInfo forwards a /resources request downward.
func (m *DomainSchedMgr) QueryResourcesInfo(downstream wire.NodeView) (rpc.QueryResourcesInfoResponse, error) {
	resp := make(chan forwardResult)
	m.forwardRequests <- forwardRequest{downstream: downstream, kind: forwardQueryResourcesInfo, resp: resp}
	r := <-resp
	return r.res, r.err
}

// UpdateNodeTaint delivers a worker-status notification upward as a
// taint update.
func (m *DomainSchedMgr) UpdateNodeTaint(ip, key string, healthy bool) {
	m.taintRequests <- taintRequest{ip: ip, key: key, healthy: healthy}
}
