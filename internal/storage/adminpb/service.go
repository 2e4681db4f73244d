package adminpb

import (
	"context"

	"google.golang.org/grpc"
)

// AdminServer is the storagectl admin surface a running Engine implements.
type AdminServer interface {
	ListTables(context.Context, *ListTablesRequest) (*ListTablesResponse, error)
	GetPage(context.Context, *GetPageRequest) (*GetPageResponse, error)
	Stats(context.Context, *StatsRequest) (*StatsResponse, error)
	TriggerCheckpoint(context.Context, *TriggerCheckpointRequest) (*TriggerCheckpointResponse, error)
}

// AdminClient is the storagectl CLI's view of the admin surface.
type AdminClient interface {
	ListTables(ctx context.Context, in *ListTablesRequest, opts ...grpc.CallOption) (*ListTablesResponse, error)
	GetPage(ctx context.Context, in *GetPageRequest, opts ...grpc.CallOption) (*GetPageResponse, error)
	Stats(ctx context.Context, in *StatsRequest, opts ...grpc.CallOption) (*StatsResponse, error)
	TriggerCheckpoint(ctx context.Context, in *TriggerCheckpointRequest, opts ...grpc.CallOption) (*TriggerCheckpointResponse, error)
}

type adminClient struct {
	cc grpc.ClientConnInterface
}

// NewAdminClient wraps an established grpc connection as an AdminClient.
func NewAdminClient(cc grpc.ClientConnInterface) AdminClient {
	return &adminClient{cc: cc}
}

func (c *adminClient) ListTables(ctx context.Context, in *ListTablesRequest, opts ...grpc.CallOption) (*ListTablesResponse, error) {
	out := new(ListTablesResponse)
	if err := c.cc.Invoke(ctx, "/storageengine.admin.Admin/ListTables", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *adminClient) GetPage(ctx context.Context, in *GetPageRequest, opts ...grpc.CallOption) (*GetPageResponse, error) {
	out := new(GetPageResponse)
	if err := c.cc.Invoke(ctx, "/storageengine.admin.Admin/GetPage", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *adminClient) Stats(ctx context.Context, in *StatsRequest, opts ...grpc.CallOption) (*StatsResponse, error) {
	out := new(StatsResponse)
	if err := c.cc.Invoke(ctx, "/storageengine.admin.Admin/Stats", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *adminClient) TriggerCheckpoint(ctx context.Context, in *TriggerCheckpointRequest, opts ...grpc.CallOption) (*TriggerCheckpointResponse, error) {
	out := new(TriggerCheckpointResponse)
	if err := c.cc.Invoke(ctx, "/storageengine.admin.Admin/TriggerCheckpoint", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// RegisterAdminServer registers srv's four RPCs on s.
func RegisterAdminServer(s grpc.ServiceRegistrar, srv AdminServer) {
	s.RegisterService(&adminServiceDesc, srv)
}

func listTablesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ListTablesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).ListTables(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/storageengine.admin.Admin/ListTables"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).ListTables(ctx, req.(*ListTablesRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getPageHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetPageRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).GetPage(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/storageengine.admin.Admin/GetPage"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).GetPage(ctx, req.(*GetPageRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func statsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(StatsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).Stats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/storageengine.admin.Admin/Stats"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).Stats(ctx, req.(*StatsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func triggerCheckpointHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(TriggerCheckpointRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).TriggerCheckpoint(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/storageengine.admin.Admin/TriggerCheckpoint"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).TriggerCheckpoint(ctx, req.(*TriggerCheckpointRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: "storageengine.admin.Admin",
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListTables", Handler: listTablesHandler},
		{MethodName: "GetPage", Handler: getPageHandler},
		{MethodName: "Stats", Handler: statsHandler},
		{MethodName: "TriggerCheckpoint", Handler: triggerCheckpointHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "storageengine/admin.proto",
}
