// Package dispatch implements the Instance Controller:
// an 11-stage create pipeline, the heartbeat loop that watches deployed
// instances, and the exit pipeline driven by SHUT_DOWN signals. Built
// as a single channel actor: one goroutine owns all mutable state and
// callers interact through typed requests.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/fnmesh/globalscheduler/internal/instance"
	"github.com/fnmesh/globalscheduler/internal/metrics"
	"github.com/fnmesh/globalscheduler/internal/rpc"
	"github.com/fnmesh/globalscheduler/internal/store"
	"github.com/fnmesh/globalscheduler/internal/wire"
)

// MetaSource resolves function-level defaults for the "Meta fetch"
// stage.
type MetaSource interface {
	FetchMeta(ctx context.Context, function string) (wire.FunctionMeta, error)
}

// Placer makes the schedule decision (stage 7): given an InstanceInfo
// augmented with affinity terms, pick a functionAgentID (and, if the
// instance had to be forwarded up the tree, the proxy that placed it).
type Placer interface {
	Place(ctx context.Context, info wire.InstanceInfo) (agentID string, proxyID string, err error)
}

// Driver is the per-function-type deploy/signal/readiness collaborator
// (the Function Agent, external to this repo). One Driver
// instance is resolved per FunctionMeta.Driver value.
type Driver interface {
	// Deploy asks the agent to materialize the instance; returns once
	// accepted, not once running (readiness is polled separately).
	Deploy(ctx context.Context, agentID string, info wire.InstanceInfo) error
	// Ready reports whether the instance has reached RUNNING on the agent.
	Ready(ctx context.Context, agentID, instanceID string) (bool, error)
	// InitCall performs the post-deploy init invocation (stage 10).
	InitCall(ctx context.Context, agentID, instanceID string) error
	// Kill delivers a shutdown signal to the agent for one instance.
	Kill(ctx context.Context, agentID, instanceID string, sig wire.Signal) error
	// KillAll delivers SHUT_DOWN_ALL for every instance belonging to jobID
	// on the agent.
	KillAll(ctx context.Context, agentID, jobID string) error
}

// DriverResolver picks the Driver for a function's meta record.
type DriverResolver func(driverName string) (Driver, error)

// Forwarder escalates a schedule request up to the root Domain when
// this Local has no local capacity for it (the stage 7 forward-up
// path): internal/globalsched.Actor implements this by dialing the
// current root Domain via internal/schedmgr.DomainSchedMgr.
type Forwarder interface {
	ForwardSchedule(ctx context.Context, req rpc.ScheduleRequest) (rpc.ScheduleResponse, error)
}

const (
	readinessPollInterval        = 500 * time.Millisecond
	readinessTimeout             = 30 * time.Second
	heartbeatInterval            = 3 * time.Second
	maxMissedHeartbeats          = 3
	maxForwardScheduleRetryTimes = 3
)

// Controller is the Instance Controller actor (C6).
type Controller struct {
	createRequests    chan createRequest
	killRequests      chan killRequest
	evictRequests     chan evictRequest
	heartbeatResults  chan heartbeatResult
	rescheduleResults chan rescheduleResult
	quit              chan chan struct{}

	cv            *instance.ControlView
	limiter       *instance.RateLimiter
	meta          MetaSource
	placer        Placer
	resolveDriver DriverResolver
	forwarder     Forwarder
	selfAID       string
	st            store.Store

	tracked             map[string]*trackedInstance
	reschedulesInFlight map[string]bool

	// instancesByAgent indexes every instance currently placed (or being
	// placed) on an agent, CREATING included, so EvictAgent can find a
	// target even before its heartbeat has started. Mutated only via
	// agentIndexOps so off-loop goroutines (runReschedulePipeline,
	// runEvictPipeline) can update it safely.
	instancesByAgent map[string]map[string]struct{}
	agentIndexOps    chan agentIndexOp
	trackedLookups   chan trackedLookupRequest
	evictCleanup     chan evictCleanupMsg
}

type trackedInstance struct {
	agentID     string
	driver      Driver
	cancel      context.CancelFunc
	missedBeats int
}

type createRequest struct {
	info wire.InstanceInfo
	resp chan createResult
}

type createResult struct {
	info wire.InstanceInfo
	err  error
}

type killRequest struct {
	instanceID string
	sig        wire.Signal
	resp       chan error
}

// New constructs a Controller. rateCapacity is the per-tenant token
// bucket capacity. forwarder may be nil, in which case a first-hop
// placement miss goes straight to SCHEDULE_FAILED instead of
// escalating up the tree.
func New(cv *instance.ControlView, st store.Store, meta MetaSource, placer Placer, resolveDriver DriverResolver, rateCapacity int, forwarder Forwarder, selfAID string) *Controller {
	c := &Controller{
		createRequests:    make(chan createRequest),
		killRequests:      make(chan killRequest),
		evictRequests:     make(chan evictRequest),
		heartbeatResults:  make(chan heartbeatResult),
		rescheduleResults: make(chan rescheduleResult),
		quit:              make(chan chan struct{}),
		cv:                cv,
		limiter:           instance.NewRateLimiter(rateCapacity),
		meta:              meta,
		placer:            placer,
		resolveDriver:     resolveDriver,
		forwarder:         forwarder,
		selfAID:           selfAID,
		st:                st,
		tracked:             map[string]*trackedInstance{},
		reschedulesInFlight: map[string]bool{},
		instancesByAgent:    map[string]map[string]struct{}{},
		agentIndexOps:       make(chan agentIndexOp),
		trackedLookups:      make(chan trackedLookupRequest),
		evictCleanup:        make(chan evictCleanupMsg),
	}
	go c.loop()
	return c
}

func (c *Controller) loop() {
	gcTicker := time.NewTicker(idleGCInterval)
	defer gcTicker.Stop()

	for {
		select {
		case req := <-c.createRequests:
			info, err := c.runCreatePipeline(req.info)
			req.resp <- createResult{info: info, err: err}

		case req := <-c.killRequests:
			req.resp <- c.runExitPipeline(req.instanceID, req.sig)

		case req := <-c.evictRequests:
			c.handleEvictRequest(req)

		case res := <-c.heartbeatResults:
			c.handleHeartbeatResult(res)

		case res := <-c.rescheduleResults:
			c.finishReschedule(res)

		case op := <-c.agentIndexOps:
			c.applyAgentIndexOp(op)

		case req := <-c.trackedLookups:
			c.lookupTracked(req)

		case msg := <-c.evictCleanup:
			c.applyEvictCleanup(msg)

		case now := <-gcTicker.C:
			if n := c.limiter.GC(now); n > 0 {
				log.Printf("dispatch: rate limiter GC removed %d idle tenants", n)
			}

		case q := <-c.quit:
			close(q)
			return
		}
	}
}

const idleGCInterval = time.Hour

func (c *Controller) Stop() {
	q := make(chan struct{})
	c.quit <- q
	<-q
}

// Create runs the full 11-stage create pipeline:
//  1. Admission: instance ID validation, duplicate rejection
//  2. Meta fetch: resolve function defaults
//  3. Validation: merge caller resources over defaults, check required fields
//  4. Rate limit: per-tenant token bucket
//  5. Affinity augmentation: resource-group policy adds affinity terms
//  6. Transition NEW -> SCHEDULING
//  7. Schedule decision: pick an agent
//  8. Deploy: ask the driver to materialize the instance
//  9. Readiness: poll until RUNNING or timeout
//  10. Init-call: post-deploy invocation
//  11. Post-create: CREATING -> RUNNING transition, start heartbeat
func (c *Controller) Create(ctx context.Context, info wire.InstanceInfo) (wire.InstanceInfo, error) {
	resp := make(chan createResult)
	select {
	case c.createRequests <- createRequest{info: info, resp: resp}:
	case <-ctx.Done():
		return wire.InstanceInfo{}, ctx.Err()
	}
	r := <-resp
	return r.info, r.err
}

func (c *Controller) runCreatePipeline(info wire.InstanceInfo) (wire.InstanceInfo, error) {
	ctx := context.Background()
	metrics.IncCreateRequests(1)

	// Stage 1: Admission.
	if err := wire.ValidInstanceID(info.InstanceID); err != nil {
		return info, err
	}
	if info.RequestID == "" {
		info.RequestID = uuid.NewString()
	}
	if info.TraceID == "" {
		info.TraceID = uuid.NewString()
	}
	if _, exists := c.cv.Get(info.InstanceID); exists {
		return info, wire.NewError(wire.ErrInstanceDuplicated, info.InstanceID)
	}

	// Stage 2: Meta fetch.
	meta, err := c.meta.FetchMeta(ctx, info.Function)
	if err != nil {
		return info, wire.NewError(wire.ErrFunctionMetaNotFound, info.Function)
	}

	// Stage 3: Validation (merge defaults, required fields).
	if info.Resources.Scalars == nil {
		info.Resources.Scalars = map[string]float64{}
	}
	for k, v := range meta.DefaultResources.Scalars {
		if _, set := info.Resources.Scalars[k]; !set {
			info.Resources.Scalars[k] = v
		}
	}
	if info.Labels == nil {
		info.Labels = map[string]string{}
	}
	for k, v := range meta.DefaultLabels {
		if _, set := info.Labels[k]; !set {
			info.Labels[k] = v
		}
	}
	if _, ok := info.Resources.Scalars["cpu"]; !ok {
		return info, wire.NewError(wire.ErrResourceConfigError, "missing cpu request")
	}

	// Stage 4: Rate limit.
	if !c.limiter.Allow(info.TenantID, info.ScheduleTimes > 0) {
		return info, wire.NewError(wire.ErrCreateRateLimited, info.TenantID)
	}

	// Stage 5: Affinity augmentation.
	if info.ScheduleOption.ResourceGroup != "" {
		info.ScheduleOption.Affinity = append(info.ScheduleOption.Affinity,
			fmt.Sprintf("resourceGroup(%s)", info.ScheduleOption.ResourceGroup))
	}

	if err := c.cv.Create(info); err != nil {
		return info, fmt.Errorf("dispatch: register %s: %w", info.InstanceID, err)
	}

	// Stage 6: NEW -> SCHEDULING.
	outcome, info, err := c.cv.Transition(info.InstanceID, wire.StateScheduling, nil)
	if err != nil {
		return info, fmt.Errorf("dispatch: %s: %w", info.InstanceID, err)
	}
	if outcome == instance.CASRelinquished {
		return info, wire.NewError(wire.ErrInstanceEvicted, info.InstanceID)
	}

	// Stage 7: Schedule decision.
	agentID, proxyID, err := c.placer.Place(ctx, info)
	if err != nil {
		return c.forwardUp(ctx, info, wire.NewError(wire.ErrResourceNotEnough, err.Error()))
	}

	driver, err := c.resolveDriver(meta.Driver)
	if err != nil {
		return info, c.failSchedule(info.InstanceID, wire.NewError(wire.ErrInnerSystemError, err.Error()))
	}

	// Stage 6b: SCHEDULING -> CREATING, stamping the chosen agent.
	outcome, info, err = c.cv.Transition(info.InstanceID, wire.StateCreating, func(i *wire.InstanceInfo) {
		i.FunctionAgentID = agentID
		i.FunctionProxyID = proxyID
		i.DeployTimes++
	})
	if err != nil || outcome == instance.CASRelinquished {
		return info, c.failSchedule(info.InstanceID, err)
	}
	// runCreatePipeline executes synchronously on the actor loop, so the
	// index is mutated directly rather than through the agentIndexOps
	// channel (a self-send there would deadlock the loop).
	c.applyAgentIndexOp(agentIndexOp{add: true, agentID: agentID, instanceID: info.InstanceID})

	if err := c.persistRoute(ctx, info); err != nil {
		log.Printf("dispatch: persist route for %s: %v", info.InstanceID, err)
	}

	// Stage 8: Deploy.
	if err := driver.Deploy(ctx, agentID, info); err != nil {
		c.markFailed(info.InstanceID, wire.ErrInnerCommunication, err.Error())
		return info, fmt.Errorf("dispatch: deploy %s: %w", info.InstanceID, err)
	}

	// Stage 9: Readiness.
	if err := c.pollReady(ctx, driver, agentID, info.InstanceID); err != nil {
		c.markFailed(info.InstanceID, wire.ErrInnerCommunication, err.Error())
		return info, err
	}

	// Stage 10: Init-call.
	if err := driver.InitCall(ctx, agentID, info.InstanceID); err != nil {
		c.markFailed(info.InstanceID, wire.ErrUserFunctionException, err.Error())
		return info, fmt.Errorf("dispatch: init call %s: %w", info.InstanceID, err)
	}

	// Stage 11: Post-create.
	outcome, info, err = c.cv.Transition(info.InstanceID, wire.StateRunning, nil)
	if err != nil || outcome == instance.CASRelinquished {
		return info, c.failSchedule(info.InstanceID, err)
	}
	c.startHeartbeat(info.InstanceID, agentID, driver)
	metrics.IncScheduleSuccess(1)
	log.Printf("dispatch: instance %s running on agent %s", info.InstanceID, agentID)
	return info, nil
}

// forwardUp implements the first-hop RESOURCE_NOT_ENOUGH escalation:
// retry ForwardSchedule up to maxForwardScheduleRetryTimes against the
// root Domain; a Placed response means the instance now belongs to
// whatever Local the root chose, so ownership here is relinquished.
// Exhausting retries (or having no forwarder configured) falls through
// to the plain SCHEDULE_FAILED path.
func (c *Controller) forwardUp(ctx context.Context, info wire.InstanceInfo, cause error) (wire.InstanceInfo, error) {
	if c.forwarder == nil || wire.CodeOf(cause) != wire.ErrResourceNotEnough {
		return info, c.failSchedule(info.InstanceID, cause)
	}

	req := rpc.ScheduleRequest{Info: info, OriginAID: c.selfAID, HopCount: 1}
	lastErr := cause
	for attempt := 1; attempt <= maxForwardScheduleRetryTimes; attempt++ {
		resp, err := c.forwarder.ForwardSchedule(ctx, req)
		if err != nil {
			lastErr = err
			log.Printf("dispatch: forward-schedule %s attempt %d/%d: %v", info.InstanceID, attempt, maxForwardScheduleRetryTimes, err)
			continue
		}
		if resp.Placed {
			c.cv.Relinquish(info.InstanceID)
			log.Printf("dispatch: instance %s scheduled elsewhere via root domain (local %s)", info.InstanceID, resp.LocalID)
			return info, nil
		}
		lastErr = wire.NewError(resp.ErrCode, resp.Message)
		log.Printf("dispatch: forward-schedule %s rejected (attempt %d/%d): %s", info.InstanceID, attempt, maxForwardScheduleRetryTimes, lastErr)
	}

	return info, c.failSchedule(info.InstanceID, lastErr)
}

func (c *Controller) failSchedule(instanceID string, cause error) error {
	_, _, _ = c.cv.Transition(instanceID, wire.StateScheduleFailed, func(i *wire.InstanceInfo) {
		i.Status.ErrCode = wire.CodeOf(cause)
		if cause != nil {
			i.Status.Message = cause.Error()
		}
	})
	metrics.IncScheduleFailed(1)
	if cause == nil {
		return wire.NewError(wire.ErrScheduleCanceled, instanceID)
	}
	return cause
}

// markFailed transitions instanceID to FAILED and kicks off the
// recovery loop. Only call from the actor goroutine: recoverOrFatal
// touches c.reschedulesInFlight without its own locking.
func (c *Controller) markFailed(instanceID string, code wire.ErrCode, message string) {
	if err := c.failCreatingLocked(instanceID, code, message); err != nil {
		log.Printf("dispatch: mark failed %s: %v", instanceID, err)
		return
	}
	c.recoverOrFatal(instanceID)
}

// failCreatingLocked performs the CREATING/CASRelinquished-safe
// CAS to FAILED. Safe to call from any goroutine: touches only the
// channel-synchronized control view.
func (c *Controller) failCreatingLocked(instanceID string, code wire.ErrCode, message string) error {
	_, _, err := c.cv.Transition(instanceID, wire.StateFailed, func(i *wire.InstanceInfo) {
		i.Status.ErrCode = code
		i.Status.Message = message
	})
	metrics.IncScheduleFailed(1)
	return err
}

func (c *Controller) pollReady(ctx context.Context, driver Driver, agentID, instanceID string) error {
	deadline := time.Now().Add(readinessTimeout)
	ticker := time.NewTicker(readinessPollInterval)
	defer ticker.Stop()
	for {
		ready, err := driver.Ready(ctx, agentID, instanceID)
		if err != nil {
			return fmt.Errorf("dispatch: readiness poll %s: %w", instanceID, err)
		}
		if ready {
			return nil
		}
		if time.Now().After(deadline) {
			return wire.NewError(wire.ErrInnerCommunication, "readiness timeout")
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Controller) persistRoute(ctx context.Context, info wire.InstanceInfo) error {
	route := wire.RouteInfo{InstanceID: info.InstanceID, FunctionProxyID: info.FunctionProxyID, JobID: info.JobID}
	data, err := encodeRoute(route)
	if err != nil {
		return err
	}
	_, err = c.st.Put(ctx, wire.RouteKey(info.InstanceID), data, store.PutOptions{})
	return err
}
