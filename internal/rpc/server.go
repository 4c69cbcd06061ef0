package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// DomainServer is the method set RegisterDomainServer mounts for Domain
// RPCs. No type in this module implements it; the module only calls
// these RPCs through DomainClient.
type DomainServer interface {
	Register(ctx context.Context, req RegisterRequest) (RegisterResponse, error)
	Schedule(ctx context.Context, req ScheduleRequest) (ScheduleResponse, error)
	QueryAgentInfo(ctx context.Context, req QueryAgentInfoRequest) (QueryAgentInfoResponse, error)
	QueryResourcesInfo(ctx context.Context, req QueryResourcesInfoRequest) (QueryResourcesInfoResponse, error)
	ForwardGroupSchedule(ctx context.Context, req ForwardGroupScheduleRequest) (ForwardGroupScheduleResponse, error)
	Heartbeat(ctx context.Context) error
}

// LocalServer is the method set RegisterLocalServer mounts for Local
// RPCs: topology pushes, eviction, forwarded signals, forwarded
// CallResults, and bundle removal. No type in this module implements
// it; the module only calls these RPCs through LocalClient.
type LocalServer interface {
	PushTopology(ctx context.Context, topo ScheduleTopology) error
	EvictAgent(ctx context.Context, req EvictAgentRequest) (EvictAgentResponse, error)
	ForwardCustomSignal(ctx context.Context, req ForwardCustomSignalRequest) (ForwardCustomSignalResponse, error)
	ForwardCallResult(ctx context.Context, req ForwardCallResultRequest) error
	RemoveBundle(ctx context.Context, req RemoveBundleRequest) (RemoveBundleResponse, error)
}

// RegisterDomainServer mounts srv's methods onto a grpc.Server under
// the method names grpcDomainClient expects.
func RegisterDomainServer(s *grpc.Server, srv DomainServer) {
	s.RegisterService(&domainServiceDesc, srv)
}

// RegisterLocalServer mounts srv's methods onto a grpc.Server under the
// method names grpcLocalClient expects.
func RegisterLocalServer(s *grpc.Server, srv LocalServer) {
	s.RegisterService(&localServiceDesc, srv)
}

func decodeAndCall[Req any, Resp any](
	ctx context.Context,
	dec func(interface{}) error,
	interceptor grpc.UnaryServerInterceptor,
	info *grpc.UnaryServerInfo,
	call func(context.Context, Req) (Resp, error),
) (interface{}, error) {
	var req Req
	if err := dec(&req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return call(ctx, req)
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return call(ctx, req.(Req))
	}
	return interceptor(ctx, req, info, handler)
}

var domainServiceDesc = grpc.ServiceDesc{
	ServiceName: "globalscheduler.Domain",
	HandlerType: (*DomainServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Register", Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			return decodeAndCall(ctx, dec, interceptor, &grpc.UnaryServerInfo{Server: srv, FullMethod: methodDomainRegister}, srv.(DomainServer).Register)
		}},
		{MethodName: "Schedule", Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			return decodeAndCall(ctx, dec, interceptor, &grpc.UnaryServerInfo{Server: srv, FullMethod: methodDomainSchedule}, srv.(DomainServer).Schedule)
		}},
		{MethodName: "QueryAgentInfo", Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			return decodeAndCall(ctx, dec, interceptor, &grpc.UnaryServerInfo{Server: srv, FullMethod: methodDomainQueryAgentInfo}, srv.(DomainServer).QueryAgentInfo)
		}},
		{MethodName: "QueryResourcesInfo", Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			return decodeAndCall(ctx, dec, interceptor, &grpc.UnaryServerInfo{Server: srv, FullMethod: methodDomainQueryResourcesInfo}, srv.(DomainServer).QueryResourcesInfo)
		}},
		{MethodName: "ForwardGroupSchedule", Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			return decodeAndCall(ctx, dec, interceptor, &grpc.UnaryServerInfo{Server: srv, FullMethod: methodDomainForwardGroupSchedule}, srv.(DomainServer).ForwardGroupSchedule)
		}},
		{MethodName: "Heartbeat", Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			type empty struct{}
			return decodeAndCall(ctx, dec, interceptor, &grpc.UnaryServerInfo{Server: srv, FullMethod: methodDomainHeartbeat}, func(ctx context.Context, _ empty) (empty, error) {
				return empty{}, srv.(DomainServer).Heartbeat(ctx)
			})
		}},
	},
	Metadata: "globalscheduler_domain.proto",
}

var localServiceDesc = grpc.ServiceDesc{
	ServiceName: "globalscheduler.Local",
	HandlerType: (*LocalServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "PushTopology", Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			type empty struct{}
			return decodeAndCall(ctx, dec, interceptor, &grpc.UnaryServerInfo{Server: srv, FullMethod: methodLocalPushTopology}, func(ctx context.Context, req ScheduleTopology) (empty, error) {
				return empty{}, srv.(LocalServer).PushTopology(ctx, req)
			})
		}},
		{MethodName: "EvictAgent", Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			return decodeAndCall(ctx, dec, interceptor, &grpc.UnaryServerInfo{Server: srv, FullMethod: methodLocalEvictAgent}, srv.(LocalServer).EvictAgent)
		}},
		{MethodName: "ForwardCustomSignal", Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			return decodeAndCall(ctx, dec, interceptor, &grpc.UnaryServerInfo{Server: srv, FullMethod: methodLocalForwardCustomSignal}, srv.(LocalServer).ForwardCustomSignal)
		}},
		{MethodName: "ForwardCallResult", Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			type empty struct{}
			return decodeAndCall(ctx, dec, interceptor, &grpc.UnaryServerInfo{Server: srv, FullMethod: methodLocalForwardCallResult}, func(ctx context.Context, req ForwardCallResultRequest) (empty, error) {
				return empty{}, srv.(LocalServer).ForwardCallResult(ctx, req)
			})
		}},
		{MethodName: "RemoveBundle", Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			return decodeAndCall(ctx, dec, interceptor, &grpc.UnaryServerInfo{Server: srv, FullMethod: methodLocalRemoveBundle}, srv.(LocalServer).RemoveBundle)
		}},
	},
	Metadata: "globalscheduler_local.proto",
}
