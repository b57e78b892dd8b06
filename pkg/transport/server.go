package transport

import (
	"context"
	"net"
	"time"

	"github.com/WuKongIM/kvraft/pkg/raftnode"
	"github.com/WuKongIM/kvraft/pkg/wklog"
	"github.com/pkg/errors"
	"go.etcd.io/raft/v3/raftpb"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

// Handler receives what peers send. *raftnode.Node implements it.
type Handler interface {
	Step(ctx context.Context, m raftpb.Message) error
	RecvAddresses(ctx context.Context, table raftnode.AddressTable) error
}

// Server serves the raft service for one node.
type Server struct {
	opts    *Options
	addr    string
	handler Handler
	srv     *grpc.Server
	lis     net.Listener
	wklog.Log
}

func NewServer(addr string, handler Handler, opt ...Option) *Server {
	return &Server{
		opts:    newOptions(opt),
		addr:    addr,
		handler: handler,
		Log:     wklog.NewWKLog("RaftServer"),
	}
}

// Start 开启raft rpc服务
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", s.addr)
	}
	s.lis = lis
	s.srv = grpc.NewServer(
		grpc.MaxRecvMsgSize(s.opts.MaxMsgSize),
		grpc.MaxSendMsgSize(s.opts.MaxMsgSize),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
	)
	s.srv.RegisterService(&raftServiceDesc, &raftService{s: s})

	go func() {
		if err := s.srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.Error("raft rpc server stopped", zap.Error(err))
		}
	}()
	s.Info("raft rpc server started", zap.String("addr", lis.Addr().String()))
	return nil
}

// Addr is the address the server listens on, resolved after Start.
func (s *Server) Addr() string {
	if s.lis == nil {
		return s.addr
	}
	return s.lis.Addr().String()
}

func (s *Server) Stop() {
	if s.srv == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		s.srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		s.srv.Stop()
	}
}

type raftService struct {
	s *Server
}

func (r *raftService) Send(ctx context.Context, m *raftpb.Message) (*ack, error) {
	if err := r.s.handler.Step(ctx, *m); err != nil {
		return nil, toStatus(err)
	}
	return &ack{}, nil
}

func (r *raftService) Gossip(ctx context.Context, t *raftnode.AddressTable) (*ack, error) {
	if err := r.s.handler.RecvAddresses(ctx, *t); err != nil {
		return nil, toStatus(err)
	}
	return &ack{}, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, raftnode.ErrStopped):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
