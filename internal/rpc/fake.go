package rpc

import (
	"context"
	"fmt"
	"sync"
)

// FakeDialer resolves addresses to in-process DomainClient/LocalClient
// values registered by tests, instead of dialing real gRPC connections:
// a trivial, in-memory stand-in for network discovery used throughout
// the test suite.
type FakeDialer struct {
	mu      sync.Mutex
	domains map[string]DomainClient
	locals  map[string]LocalClient
}

// NewFakeDialer constructs an empty FakeDialer.
func NewFakeDialer() *FakeDialer {
	return &FakeDialer{domains: map[string]DomainClient{}, locals: map[string]LocalClient{}}
}

// RegisterDomain makes address resolve to client for DialDomain.
func (f *FakeDialer) RegisterDomain(address string, client DomainClient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.domains[address] = client
}

// RegisterLocal makes address resolve to client for DialLocal.
func (f *FakeDialer) RegisterLocal(address string, client LocalClient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locals[address] = client
}

func (f *FakeDialer) DialDomain(_ context.Context, address string) (DomainClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.domains[address]
	if !ok {
		return nil, fmt.Errorf("rpc: fake dialer has no domain registered at %q", address)
	}
	return c, nil
}

func (f *FakeDialer) DialLocal(_ context.Context, address string) (LocalClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.locals[address]
	if !ok {
		return nil, fmt.Errorf("rpc: fake dialer has no local registered at %q", address)
	}
	return c, nil
}
