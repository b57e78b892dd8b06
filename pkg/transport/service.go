package transport

import (
	"context"

	"github.com/WuKongIM/kvraft/pkg/raftnode"
	"go.etcd.io/raft/v3/raftpb"
	"google.golang.org/grpc"
)

const (
	serviceName  = "kvraft.v1.Raft"
	methodSend   = "/" + serviceName + "/Send"
	methodGossip = "/" + serviceName + "/Gossip"
)

// raftServer is the server side of the raft service.
type raftServer interface {
	Send(ctx context.Context, m *raftpb.Message) (*ack, error)
	Gossip(ctx context.Context, t *raftnode.AddressTable) (*ack, error)
}

var raftServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*raftServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Send", Handler: sendHandler},
		{MethodName: "Gossip", Handler: gossipHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "kvraft/raft.proto",
}

func sendHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(raftpb.Message)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(raftServer).Send(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodSend}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(raftServer).Send(ctx, req.(*raftpb.Message))
	}
	return interceptor(ctx, in, info, handler)
}

func gossipHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(raftnode.AddressTable)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(raftServer).Gossip(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGossip}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(raftServer).Gossip(ctx, req.(*raftnode.AddressTable))
	}
	return interceptor(ctx, in, info, handler)
}
