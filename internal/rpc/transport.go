package rpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// GRPCDialer dials plain-text gRPC connections and wraps them in the
// Domain/LocalClient interfaces, using the json codec registered in
// codec.go instead of generated protobuf stubs (see DESIGN.md).
type GRPCDialer struct{}

func (GRPCDialer) DialDomain(ctx context.Context, address string) (DomainClient, error) {
	conn, err := dial(ctx, address)
	if err != nil {
		return nil, err
	}
	return &grpcDomainClient{conn: conn}, nil
}

func (GRPCDialer) DialLocal(ctx context.Context, address string) (LocalClient, error) {
	conn, err := dial(ctx, address)
	if err != nil {
		return nil, err
	}
	return &grpcLocalClient{conn: conn}, nil
}

func dial(ctx context.Context, address string) (*grpc.ClientConn, error) {
	conn, err := grpc.DialContext(ctx, address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("rpc: dial %s: %w", address, err)
	}
	return conn, nil
}

// method path constants mirror the naming a .proto service definition
// would produce, kept stable so client and server agree without a
// shared generated descriptor.
const (
	methodDomainRegister             = "/globalscheduler.Domain/Register"
	methodDomainSchedule             = "/globalscheduler.Domain/Schedule"
	methodDomainQueryAgentInfo       = "/globalscheduler.Domain/QueryAgentInfo"
	methodDomainQueryResourcesInfo   = "/globalscheduler.Domain/QueryResourcesInfo"
	methodDomainForwardGroupSchedule = "/globalscheduler.Domain/ForwardGroupSchedule"
	methodDomainHeartbeat            = "/globalscheduler.Domain/Heartbeat"

	methodLocalPushTopology        = "/globalscheduler.Local/PushTopology"
	methodLocalEvictAgent          = "/globalscheduler.Local/EvictAgent"
	methodLocalForwardCustomSignal = "/globalscheduler.Local/ForwardCustomSignal"
	methodLocalForwardCallResult   = "/globalscheduler.Local/ForwardCallResult"
	methodLocalRemoveBundle        = "/globalscheduler.Local/RemoveBundle"
)

type grpcDomainClient struct{ conn *grpc.ClientConn }

func (c *grpcDomainClient) Register(ctx context.Context, req RegisterRequest) (RegisterResponse, error) {
	var resp RegisterResponse
	err := c.conn.Invoke(ctx, methodDomainRegister, &req, &resp)
	return resp, err
}

func (c *grpcDomainClient) Schedule(ctx context.Context, req ScheduleRequest) (ScheduleResponse, error) {
	var resp ScheduleResponse
	err := c.conn.Invoke(ctx, methodDomainSchedule, &req, &resp)
	return resp, err
}

func (c *grpcDomainClient) QueryAgentInfo(ctx context.Context, req QueryAgentInfoRequest) (QueryAgentInfoResponse, error) {
	var resp QueryAgentInfoResponse
	err := c.conn.Invoke(ctx, methodDomainQueryAgentInfo, &req, &resp)
	return resp, err
}

func (c *grpcDomainClient) QueryResourcesInfo(ctx context.Context, req QueryResourcesInfoRequest) (QueryResourcesInfoResponse, error) {
	var resp QueryResourcesInfoResponse
	err := c.conn.Invoke(ctx, methodDomainQueryResourcesInfo, &req, &resp)
	return resp, err
}

func (c *grpcDomainClient) ForwardGroupSchedule(ctx context.Context, req ForwardGroupScheduleRequest) (ForwardGroupScheduleResponse, error) {
	var resp ForwardGroupScheduleResponse
	err := c.conn.Invoke(ctx, methodDomainForwardGroupSchedule, &req, &resp)
	return resp, err
}

func (c *grpcDomainClient) Heartbeat(ctx context.Context) error {
	var req, resp struct{}
	return c.conn.Invoke(ctx, methodDomainHeartbeat, &req, &resp)
}

type grpcLocalClient struct{ conn *grpc.ClientConn }

func (c *grpcLocalClient) PushTopology(ctx context.Context, topo ScheduleTopology) error {
	var resp struct{}
	return c.conn.Invoke(ctx, methodLocalPushTopology, &topo, &resp)
}

func (c *grpcLocalClient) EvictAgent(ctx context.Context, req EvictAgentRequest) (EvictAgentResponse, error) {
	var resp EvictAgentResponse
	err := c.conn.Invoke(ctx, methodLocalEvictAgent, &req, &resp)
	return resp, err
}

func (c *grpcLocalClient) ForwardCustomSignal(ctx context.Context, req ForwardCustomSignalRequest) (ForwardCustomSignalResponse, error) {
	var resp ForwardCustomSignalResponse
	err := c.conn.Invoke(ctx, methodLocalForwardCustomSignal, &req, &resp)
	return resp, err
}

func (c *grpcLocalClient) ForwardCallResult(ctx context.Context, req ForwardCallResultRequest) error {
	var resp struct{}
	return c.conn.Invoke(ctx, methodLocalForwardCallResult, &req, &resp)
}

func (c *grpcLocalClient) RemoveBundle(ctx context.Context, req RemoveBundleRequest) (RemoveBundleResponse, error) {
	var resp RemoveBundleResponse
	err := c.conn.Invoke(ctx, methodLocalRemoveBundle, &req, &resp)
	return resp, err
}
