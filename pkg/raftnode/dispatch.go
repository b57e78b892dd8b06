package raftnode

import (
	"context"
	"fmt"
	"time"

	"github.com/WuKongIM/kvraft/pkg/wklog"
	"github.com/lni/goutils/netutil"
	circuit "github.com/lni/goutils/netutil/rubyist/circuitbreaker"
	"github.com/panjf2000/ants/v2"
	"go.etcd.io/etcd/pkg/v3/contention"
	"go.etcd.io/raft/v3/raftpb"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type outbound struct {
	conn      Conn
	msg       raftpb.Message
	addresses AddressTable
}

// sendQueue is the FIFO of one destination. At most one drainer runs per
// queue, so messages reach a peer in the order the driver produced them.
type sendQueue struct {
	nodeID  uint64
	ch      chan outbound
	running atomic.Bool
	breaker *circuit.Breaker
}

// dispatcher hands outbound messages to a bounded worker pool without ever
// blocking the driver.
type dispatcher struct {
	nodeID      uint64
	queues      map[uint64]*sendQueue // 仅驱动协程访问
	queueSize   int
	sendTimeout time.Duration
	pool        *ants.Pool

	// contention detectors for raft heartbeat message
	td        *contention.TimeoutDetector
	heartbeat time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wklog.Log
}

func newDispatcher(opts *Options) (*dispatcher, error) {
	lg := wklog.NewWKLog(fmt.Sprintf("Dispatcher[%d]", opts.NodeID))
	pool, err := ants.NewPool(opts.DispatchPoolSize, ants.WithNonblocking(true), ants.WithPanicHandler(func(p interface{}) {
		lg.Error("dispatch worker panic", zap.Any("panic", p))
	}))
	if err != nil {
		return nil, err
	}
	heartbeat := opts.TickInterval * time.Duration(opts.HeartbeatTick)
	ctx, cancel := context.WithCancel(context.Background())
	return &dispatcher{
		nodeID:      opts.NodeID,
		queues:      make(map[uint64]*sendQueue),
		queueSize:   opts.SendQueueSize,
		sendTimeout: opts.SendTimeout,
		pool:        pool,
		td:          contention.NewTimeoutDetector(2 * heartbeat),
		heartbeat:   heartbeat,
		ctx:         ctx,
		cancel:      cancel,
		Log:         lg,
	}, nil
}

func (d *dispatcher) queue(nodeID uint64) *sendQueue {
	q, ok := d.queues[nodeID]
	if !ok {
		q = &sendQueue{
			nodeID:  nodeID,
			ch:      make(chan outbound, d.queueSize),
			breaker: netutil.NewBreaker(),
		}
		d.queues[nodeID] = q
	}
	return q
}

// send enqueues m and the address table for the same destination.
func (d *dispatcher) send(conn Conn, m raftpb.Message, addresses AddressTable) error {
	if m.Type == raftpb.MsgHeartbeat {
		if ok, exceed := d.td.Observe(m.To); !ok {
			d.Warn(
				"leader failed to send out heartbeat on time; took too long, leader is overloaded likely from slow disk",
				zap.Uint64("to", m.To),
				zap.Duration("heartbeat-interval", d.heartbeat),
				zap.Duration("expected-duration", 2*d.heartbeat),
				zap.Duration("exceeded-duration", exceed),
			)
		}
	}
	q := d.queue(m.To)
	// fail fast
	if !q.breaker.Ready() {
		droppedMessagesTotal.WithLabelValues("breaker").Inc()
		return ErrCircuitBreakerOpen
	}
	select {
	case q.ch <- outbound{conn: conn, msg: m, addresses: addresses}:
	default:
		droppedMessagesTotal.WithLabelValues("queue_full").Inc()
		return ErrSendQueueFull
	}
	d.schedule(q)
	return nil
}

func (d *dispatcher) schedule(q *sendQueue) {
	if !q.running.CompareAndSwap(false, true) {
		return
	}
	if err := d.pool.Submit(func() { d.drain(q) }); err != nil {
		// 协程池已满，消息留在队列中等下一次调度
		q.running.Store(false)
		d.Debug("dispatch pool overloaded", zap.Uint64("to", q.nodeID), zap.Error(err))
	}
}

func (d *dispatcher) drain(q *sendQueue) {
	for {
		d.drainQueued(q)
		q.running.Store(false)
		if d.ctx.Err() != nil || len(q.ch) == 0 || !q.running.CompareAndSwap(false, true) {
			return
		}
	}
}

func (d *dispatcher) drainQueued(q *sendQueue) {
	for {
		select {
		case <-d.ctx.Done():
			return
		case ob := <-q.ch:
			d.deliver(q, ob)
		default:
			return
		}
	}
}

func (d *dispatcher) deliver(q *sendQueue, ob outbound) {
	if !q.breaker.Ready() {
		droppedMessagesTotal.WithLabelValues("breaker").Inc()
		return
	}
	ctx, cancel := context.WithTimeout(d.ctx, d.sendTimeout)
	defer cancel()
	if err := ob.conn.SendMessage(ctx, ob.msg); err != nil {
		q.breaker.Fail()
		droppedMessagesTotal.WithLabelValues("send_error").Inc()
		d.Debug("send raft message failed", zap.Uint64("to", q.nodeID), zap.String("type", ob.msg.Type.String()), zap.Error(err))
		return
	}
	sentMessagesTotal.WithLabelValues("raft").Inc()
	if err := ob.conn.SendAddresses(ctx, ob.addresses); err != nil {
		q.breaker.Fail()
		droppedMessagesTotal.WithLabelValues("gossip_error").Inc()
		d.Debug("send addresses failed", zap.Uint64("to", q.nodeID), zap.Error(err))
		return
	}
	sentMessagesTotal.WithLabelValues("gossip").Inc()
	q.breaker.Success()
}

// reset is called when the connection to nodeID is replaced.
func (d *dispatcher) reset(nodeID uint64) {
	if q, ok := d.queues[nodeID]; ok {
		q.breaker.Reset()
	}
}

func (d *dispatcher) resetHeartbeat() {
	d.td.Reset()
}

func (d *dispatcher) stop() {
	d.cancel()
	d.pool.Release()
}
