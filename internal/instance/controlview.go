package instance

import (
	"context"
	"fmt"
	"log"

	"github.com/fnmesh/globalscheduler/internal/store"
	"github.com/fnmesh/globalscheduler/internal/wire"
)

// CASOutcome is one of the three results distinguished for a
// CAS write against the instance record.
type CASOutcome int

const (
	// CASApplied means the local version advanced and the store write
	// succeeded.
	CASApplied CASOutcome = iota
	// CASIdempotent means the store already reflected the desired
	// target state under the same owner; treated as success without a
	// local version bump.
	CASIdempotent
	// CASRelinquished means another owner won the race; the caller must
	// treat this instance as having moved and stop retrying locally.
	CASRelinquished
)

func (o CASOutcome) String() string {
	switch o {
	case CASApplied:
		return "applied"
	case CASIdempotent:
		return "idempotent"
	case CASRelinquished:
		return "relinquished"
	default:
		return "unknown"
	}
}

// ControlView is the instanceID -> stateMachine actor. All
// mutation happens on its single goroutine; callers interact only
// through channel requests.
type ControlView struct {
	createRequests     chan createRequest
	transitionRequests chan transitionRequest
	getRequests        chan getRequest
	subscribeRequests  chan subscribeRequest
	relinquishRequests chan relinquishRequest
	cancelRequests     chan cancelRequest
	deleteRequests     chan deleteRequest
	quit               chan chan struct{}

	st store.Store
}

// NewControlView constructs and starts a ControlView actor backed by st.
func NewControlView(st store.Store) *ControlView {
	cv := &ControlView{
		createRequests:     make(chan createRequest),
		transitionRequests: make(chan transitionRequest),
		getRequests:        make(chan getRequest),
		subscribeRequests:  make(chan subscribeRequest),
		relinquishRequests: make(chan relinquishRequest),
		cancelRequests:     make(chan cancelRequest),
		deleteRequests:     make(chan deleteRequest),
		quit:               make(chan chan struct{}),
		st:                 st,
	}
	go cv.loop()
	return cv
}

func (cv *ControlView) Stop() {
	q := make(chan struct{})
	cv.quit <- q
	<-q
}

type createRequest struct {
	info wire.InstanceInfo
	resp chan error
}

type transitionRequest struct {
	instanceID string
	to         wire.InstanceState
	mutate     func(*wire.InstanceInfo)
	resp       chan transitionResult
}

type transitionResult struct {
	outcome CASOutcome
	info    wire.InstanceInfo
	err     error
}

type getRequest struct {
	instanceID string
	resp       chan getResult
}

type getResult struct {
	info  wire.InstanceInfo
	found bool
}

type subscribeRequest struct {
	instanceID string
	states     []wire.InstanceState
	resp       chan (<-chan wire.InstanceInfo)
}

type relinquishRequest struct {
	instanceID string
	resp       chan struct{}
}

type cancelRequest struct {
	instanceID string
	resp       chan struct{}
}

type deleteRequest struct {
	instanceID string
	resp       chan struct{}
}

func (cv *ControlView) loop() {
	machines := map[string]*stateMachine{}

	for {
		select {
		case req := <-cv.createRequests:
			if _, exists := machines[req.info.InstanceID]; exists {
				req.resp <- fmt.Errorf("instance %s already has a control-view entry", req.info.InstanceID)
				continue
			}
			machines[req.info.InstanceID] = newStateMachine(req.info)
			req.resp <- nil

		case req := <-cv.transitionRequests:
			sm, exists := machines[req.instanceID]
			if !exists {
				req.resp <- transitionResult{err: fmt.Errorf("instance %s not found in control view", req.instanceID)}
				continue
			}
			outcome, err := cv.casTransition(sm, req.to, req.mutate)
			req.resp <- transitionResult{outcome: outcome, info: sm.info, err: err}

		case req := <-cv.getRequests:
			sm, exists := machines[req.instanceID]
			if !exists {
				req.resp <- getResult{found: false}
				continue
			}
			req.resp <- getResult{info: sm.info, found: true}

		case req := <-cv.subscribeRequests:
			sm, exists := machines[req.instanceID]
			if !exists {
				c := make(chan wire.InstanceInfo)
				close(c)
				req.resp <- c
				continue
			}
			req.resp <- sm.subscribe(req.states)

		case req := <-cv.relinquishRequests:
			if sm, exists := machines[req.instanceID]; exists {
				sm.owner = ""
				sm.info.Version = 0
			}
			close(req.resp)

		case req := <-cv.cancelRequests:
			if sm, exists := machines[req.instanceID]; exists {
				sm.doCancel()
			}
			close(req.resp)

		case req := <-cv.deleteRequests:
			delete(machines, req.instanceID)
			close(req.resp)

		case q := <-cv.quit:
			close(q)
			return
		}
	}
}

// casTransition performs the three-way CAS outcome: the
// actor attempts a Txn against the store keyed on the instance's
// current modRevision; on version mismatch it reloads and decides
// between idempotent-success and owner-changed relinquish.
func (cv *ControlView) casTransition(sm *stateMachine, to wire.InstanceState, mutate func(*wire.InstanceInfo)) (CASOutcome, error) {
	key := wire.InstanceKey(sm.info.Function, sm.info.InstanceID, sm.info.RequestID)

	candidate := sm.info
	if mutate != nil {
		mutate(&candidate)
	}
	if !wire.ValidTransition(candidate.Status.StateCode, to) {
		return CASApplied, fmt.Errorf("instance %s: invalid transition %s -> %s", sm.info.InstanceID, candidate.Status.StateCode, to)
	}
	candidate.Status.StateCode = to
	candidate.Version++

	payload := encodeInstanceInfo(candidate)
	result, err := cv.st.Txn(context.Background(),
		[]store.Compare{{Key: key, ExpectedModRevision: sm.info.ModRevision}},
		[]store.Op{store.PutOp(key, payload)},
		nil,
	)
	if err != nil {
		return CASApplied, fmt.Errorf("instance %s: store error: %w", sm.info.InstanceID, err)
	}

	if result.Succeeded {
		sm.info = candidate
		sm.info.ModRevision = result.ModRevision
		sm.fire(to)
		return CASApplied, nil
	}

	// Wrong version: reload and decide idempotence vs. relinquish.
	kvs, err := cv.st.Get(context.Background(), key, store.GetOptions{})
	if err != nil || len(kvs) == 0 {
		return CASRelinquished, fmt.Errorf("instance %s: reload after CAS miss failed: %w", sm.info.InstanceID, err)
	}
	stored, err := decodeInstanceInfo(kvs[0].Value)
	if err != nil {
		return CASRelinquished, fmt.Errorf("instance %s: corrupt stored record: %w", sm.info.InstanceID, err)
	}

	if stored.FunctionProxyID == sm.owner && stored.Status.StateCode == to {
		// Same owner, store already reflects the desired state: idempotent.
		sm.info = stored
		sm.info.ModRevision = kvs[0].ModRevision
		return CASIdempotent, nil
	}

	log.Printf("control view: instance %s: CAS lost to owner %q, relinquishing", sm.info.InstanceID, stored.FunctionProxyID)
	sm.owner = ""
	sm.info = stored
	sm.info.ModRevision = kvs[0].ModRevision
	return CASRelinquished, nil
}

// Create registers a new instance in NEW state.
func (cv *ControlView) Create(info wire.InstanceInfo) error {
	resp := make(chan error)
	cv.createRequests <- createRequest{info: info, resp: resp}
	return <-resp
}

// Transition attempts to move instanceID to the target state via CAS,
// applying mutate to the candidate record before writing (e.g. to set
// functionAgentID alongside a SCHEDULING->CREATING move).
func (cv *ControlView) Transition(instanceID string, to wire.InstanceState, mutate func(*wire.InstanceInfo)) (CASOutcome, wire.InstanceInfo, error) {
	resp := make(chan transitionResult)
	cv.transitionRequests <- transitionRequest{instanceID: instanceID, to: to, mutate: mutate, resp: resp}
	r := <-resp
	return r.outcome, r.info, r.err
}

// Get returns the current InstanceInfo, if tracked.
func (cv *ControlView) Get(instanceID string) (wire.InstanceInfo, bool) {
	resp := make(chan getResult)
	cv.getRequests <- getRequest{instanceID: instanceID, resp: resp}
	r := <-resp
	return r.info, r.found
}

// Subscribe returns a channel that fires once the instance reaches any
// of the given states.
func (cv *ControlView) Subscribe(instanceID string, states ...wire.InstanceState) <-chan wire.InstanceInfo {
	resp := make(chan (<-chan wire.InstanceInfo))
	cv.subscribeRequests <- subscribeRequest{instanceID: instanceID, states: states, resp: resp}
	return <-resp
}

// Relinquish clears ownership and resets the version
// outcome 3 ("instance has moved"); grounded in original_source's
// ReleaseOwner pattern (see DESIGN.md).
func (cv *ControlView) Relinquish(instanceID string) {
	resp := make(chan struct{})
	cv.relinquishRequests <- relinquishRequest{instanceID: instanceID, resp: resp}
	<-resp
}

// Cancel fires the instance's one-shot cancel future.
func (cv *ControlView) Cancel(instanceID string) {
	resp := make(chan struct{})
	cv.cancelRequests <- cancelRequest{instanceID: instanceID, resp: resp}
	<-resp
}

// Delete removes the instance from the control view (does not touch
// the store; callers delete the store record separately per the exit
// pipeline).
func (cv *ControlView) Delete(instanceID string) {
	resp := make(chan struct{})
	cv.deleteRequests <- deleteRequest{instanceID: instanceID, resp: resp}
	<-resp
}
