package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/WuKongIM/kvraft/pkg/raftnode"
	"github.com/WuKongIM/kvraft/pkg/wklog"
	"go.etcd.io/raft/v3/raftpb"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// Transport dials peers over grpc. Connections are lazy: Connect never
// touches the network and the first send establishes the channel.
type Transport struct {
	opts   *Options
	nodeID uint64
	wklog.Log
}

func New(nodeID uint64, opt ...Option) *Transport {
	return &Transport{
		opts:   newOptions(opt),
		nodeID: nodeID,
		Log:    wklog.NewWKLog(fmt.Sprintf("Transport[%d]", nodeID)),
	}
}

func (t *Transport) Connect(nodeID uint64, addr string) (raftnode.Conn, error) {
	cc, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second, // 无活动时每10秒ping一次
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(CodecName),
			grpc.MaxCallSendMsgSize(t.opts.MaxMsgSize),
			grpc.MaxCallRecvMsgSize(t.opts.MaxMsgSize),
		),
	)
	if err != nil {
		return nil, err
	}
	t.Debug("peer channel created", zap.Uint64("nodeID", nodeID), zap.String("addr", addr))
	return &conn{nodeID: nodeID, addr: addr, cc: cc}, nil
}

type conn struct {
	nodeID uint64
	addr   string
	cc     *grpc.ClientConn
}

func (c *conn) SendMessage(ctx context.Context, m raftpb.Message) error {
	return c.cc.Invoke(ctx, methodSend, &m, &ack{})
}

func (c *conn) SendAddresses(ctx context.Context, table raftnode.AddressTable) error {
	return c.cc.Invoke(ctx, methodGossip, &table, &ack{})
}

func (c *conn) Close() error {
	return c.cc.Close()
}
