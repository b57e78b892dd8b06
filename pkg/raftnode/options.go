package raftnode

import (
	"time"

	"github.com/WuKongIM/kvraft/pkg/raftstore"
)

type Options struct {
	NodeID uint64 // 节点ID
	Addr   string // 本节点raft通讯地址 ip:port
	// Peers 初始成员 nodeID -> addr（包含自己），为空时以单节点启动
	Peers map[uint64]string
	// Join 为true时不引导集群，等待被leader通过配置变更加入
	Join bool

	Storage   raftstore.Storage
	Transport Transport
	// ApplyC 已提交的操作按提交顺序投递到此通道
	ApplyC chan<- Apply
	// Decode 反序列化日志中的操作
	Decode DecodeFunc
	// Applied 已应用的日志下标，重启时从此之后重放
	Applied uint64

	TickInterval    time.Duration // 时钟间隔
	ElectionTick    int
	HeartbeatTick   int
	MaxSizePerMsg   uint64
	MaxInflightMsgs int
	PreVote         bool
	CheckQuorum     bool
	// MaxUncommittedEntriesSize 未提交日志的总大小上限，超过后新提案被丢弃
	MaxUncommittedEntriesSize uint64
	// MaxEntrySize 单个提案编码后的大小上限，0表示不限制
	MaxEntrySize uint64

	EventQueueSize   int           // 事件队列大小
	SendQueueSize    int           // 每个节点的发送队列大小
	DispatchPoolSize int           // 发送协程池大小
	SendTimeout      time.Duration // 单次发送超时
}

func NewOptions() *Options {
	return &Options{
		TickInterval:    100 * time.Millisecond,
		ElectionTick:    10,
		HeartbeatTick:   3,
		MaxSizePerMsg:   1024 * 1024,
		MaxInflightMsgs: 256,
		PreVote:         true,

		MaxUncommittedEntriesSize: 1 << 30,
		MaxEntrySize:              2 * 1024 * 1024,

		EventQueueSize:   1024,
		SendQueueSize:    1024,
		DispatchPoolSize: 64,
		SendTimeout:      2 * time.Second,
		Decode:           DecodeRaw,
	}
}

type Option func(opts *Options)

func WithNodeID(nodeID uint64) Option {
	return func(opts *Options) {
		opts.NodeID = nodeID
	}
}

func WithAddr(addr string) Option {
	return func(opts *Options) {
		opts.Addr = addr
	}
}

func WithPeers(peers map[uint64]string) Option {
	return func(opts *Options) {
		opts.Peers = peers
	}
}

func WithJoin(join bool) Option {
	return func(opts *Options) {
		opts.Join = join
	}
}

func WithStorage(storage raftstore.Storage) Option {
	return func(opts *Options) {
		opts.Storage = storage
	}
}

func WithTransport(transport Transport) Option {
	return func(opts *Options) {
		opts.Transport = transport
	}
}

func WithApplyC(applyC chan<- Apply) Option {
	return func(opts *Options) {
		opts.ApplyC = applyC
	}
}

func WithDecode(decode DecodeFunc) Option {
	return func(opts *Options) {
		opts.Decode = decode
	}
}

func WithApplied(applied uint64) Option {
	return func(opts *Options) {
		opts.Applied = applied
	}
}

func WithTickInterval(d time.Duration) Option {
	return func(opts *Options) {
		opts.TickInterval = d
	}
}

func WithElectionTick(tick int) Option {
	return func(opts *Options) {
		opts.ElectionTick = tick
	}
}

func WithHeartbeatTick(tick int) Option {
	return func(opts *Options) {
		opts.HeartbeatTick = tick
	}
}

func WithEventQueueSize(size int) Option {
	return func(opts *Options) {
		opts.EventQueueSize = size
	}
}

func WithSendQueueSize(size int) Option {
	return func(opts *Options) {
		opts.SendQueueSize = size
	}
}

func WithDispatchPoolSize(size int) Option {
	return func(opts *Options) {
		opts.DispatchPoolSize = size
	}
}

func WithSendTimeout(d time.Duration) Option {
	return func(opts *Options) {
		opts.SendTimeout = d
	}
}

func WithMaxEntrySize(size uint64) Option {
	return func(opts *Options) {
		opts.MaxEntrySize = size
	}
}

// With applies the given options on top of o and returns o.
func (o *Options) With(opt ...Option) *Options {
	for _, op := range opt {
		op(o)
	}
	return o
}
