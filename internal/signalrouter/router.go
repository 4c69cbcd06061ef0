// Package signalrouter implements the Signal/Kill Router: resolves an instance's owning Local from its route record and
// forwards the signal, retrying a bounded number of times on transient
// communication failure.
package signalrouter

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/fnmesh/globalscheduler/internal/metrics"
	"github.com/fnmesh/globalscheduler/internal/rpc"
	"github.com/fnmesh/globalscheduler/internal/store"
	"github.com/fnmesh/globalscheduler/internal/wire"
)

const (
	maxForwardKillRetryTimes     = 3
	maxForwardKillRetryCycleMs   = 500
)

// AddressResolver maps a functionProxyID (the AID of the Local that
// owns an instance) to a dialable address.
type AddressResolver func(proxyID string) (address string, ok bool)

// Router is the Signal/Kill Router (C7). Stateless beyond its
// collaborators; every call resolves the route fresh from the store so
// a Local failover is picked up on the next signal.
type Router struct {
	st       store.Store
	dialer   rpc.Dialer
	resolver AddressResolver
}

// New constructs a Router.
func New(st store.Store, dialer rpc.Dialer, resolver AddressResolver) *Router {
	return &Router{st: st, dialer: dialer, resolver: resolver}
}

// Forward resolves instanceID's owning Local and delivers sig,
// retrying up to maxForwardKillRetryTimes on communication failure.
func (r *Router) Forward(ctx context.Context, instanceID string, sig wire.Signal, payload []byte) error {
	metrics.IncKillRequests(1)
	if !sig.Valid() {
		return wire.NewError(wire.ErrParamInvalid, fmt.Sprintf("signal %d", sig))
	}

	route, err := r.lookupRoute(ctx, instanceID)
	if err != nil {
		return err
	}

	address, ok := r.resolver(route.FunctionProxyID)
	if !ok {
		return wire.NewError(wire.ErrLocalSchedulerAbnormal, route.FunctionProxyID)
	}

	req := rpc.ForwardCustomSignalRequest{InstanceID: instanceID, Signal: sig, Payload: payload}

	var lastErr error
	for attempt := 0; attempt <= maxForwardKillRetryTimes; attempt++ {
		client, dialErr := r.dialer.DialLocal(ctx, address)
		if dialErr != nil {
			lastErr = dialErr
		} else {
			resp, callErr := client.ForwardCustomSignal(ctx, req)
			if callErr == nil {
				if resp.ErrCode != wire.ErrNone {
					return wire.NewError(resp.ErrCode, "")
				}
				return nil
			}
			lastErr = callErr
		}

		if attempt == maxForwardKillRetryTimes {
			break
		}
		log.Printf("signalrouter: forward %s to %s failed (attempt %d/%d): %v",
			instanceID, address, attempt+1, maxForwardKillRetryTimes, lastErr)
		select {
		case <-time.After(maxForwardKillRetryCycleMs * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("signalrouter: forward %s to %s exhausted retries: %w", instanceID, address, lastErr)
}

func (r *Router) lookupRoute(ctx context.Context, instanceID string) (wire.RouteInfo, error) {
	kvs, err := r.st.Get(ctx, wire.RouteKey(instanceID), store.GetOptions{})
	if err != nil {
		return wire.RouteInfo{}, fmt.Errorf("signalrouter: lookup route %s: %w", instanceID, err)
	}
	if len(kvs) == 0 {
		return wire.RouteInfo{}, wire.NewError(wire.ErrInstanceNotFound, instanceID)
	}
	return decodeRoute(kvs[0].Value)
}
