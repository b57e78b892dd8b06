package raftnode

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/WuKongIM/kvraft/pkg/raftstore"
	"github.com/WuKongIM/kvraft/pkg/wklog"
	"github.com/lni/goutils/syncutil"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sasha-s/go-deadlock"
	"go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Node drives one consensus engine. A single goroutine owns the engine, the
// peer registry and the callback registry; everything else talks to it
// through the event queue.
type Node struct {
	opts       *Options
	rn         *raft.RawNode
	storage    raftstore.Storage
	callbacks  *callbackRegistry
	peers      *peerRegistry
	dispatcher *dispatcher

	eventC   chan event
	proposed []uint64 // 本轮提交给引擎的seq
	leader   bool

	stopper *syncutil.Stopper
	done    chan struct{}
	fatalC  chan error

	// closing 在驱动退出前关闭，submitMu保证关闭后不再有事件入队
	closing  chan struct{}
	submitMu deadlock.RWMutex
	closed   bool

	isLeaderGauge prometheus.Gauge
	pendingGauge  prometheus.Gauge
	started       atomic.Bool
	stopped       atomic.Bool

	status    atomic.Pointer[Status]
	addresses atomic.Pointer[AddressTable]
	wklog.Log
}

func New(opts *Options) (*Node, error) {
	if opts.NodeID == 0 {
		return nil, errors.New("node id must not be 0")
	}
	if opts.Storage == nil {
		return nil, errors.New("storage is required")
	}
	if opts.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if opts.Decode == nil {
		opts.Decode = DecodeRaw
	}
	if err := checkAddr(opts.Addr); err != nil {
		return nil, errors.Wrapf(err, "node %d", opts.NodeID)
	}
	for nodeID, addr := range opts.Peers {
		if err := checkAddr(addr); err != nil {
			return nil, errors.Wrapf(err, "peer %d", nodeID)
		}
	}
	lg := wklog.NewWKLog(fmt.Sprintf("Node[%d]", opts.NodeID))

	rn, err := raft.NewRawNode(&raft.Config{
		ID:              opts.NodeID,
		ElectionTick:    opts.ElectionTick,
		HeartbeatTick:   opts.HeartbeatTick,
		Storage:         opts.Storage,
		Applied:         opts.Applied,
		MaxSizePerMsg:   opts.MaxSizePerMsg,
		MaxInflightMsgs: opts.MaxInflightMsgs,
		PreVote:         opts.PreVote,
		CheckQuorum:     opts.CheckQuorum,
		Logger:          newRaftLogger(lg),

		MaxUncommittedEntriesSize: opts.MaxUncommittedEntriesSize,
	})
	if err != nil {
		return nil, errors.Wrap(err, "new raw node")
	}
	d, err := newDispatcher(opts)
	if err != nil {
		return nil, errors.Wrap(err, "new dispatcher")
	}

	nodeLabel := strconv.FormatUint(opts.NodeID, 10)
	n := &Node{
		opts:       opts,
		rn:         rn,
		storage:    opts.Storage,
		callbacks:  newCallbackRegistry(),
		peers:      newPeerRegistry(opts.NodeID, opts.Transport),
		dispatcher: d,
		eventC:     make(chan event, opts.EventQueueSize),
		stopper:    syncutil.NewStopper(),
		done:       make(chan struct{}),
		fatalC:     make(chan error, 1),
		closing:    make(chan struct{}),
		Log:        lg,

		isLeaderGauge: isLeaderGauge.WithLabelValues(nodeLabel),
		pendingGauge:  pendingGauge.WithLabelValues(nodeLabel),
	}
	n.peers.onReset = d.reset

	if opts.Addr != "" {
		n.peers.set(opts.NodeID, opts.Addr, 0)
	}
	for nodeID, addr := range opts.Peers {
		n.peers.set(nodeID, addr, 0)
	}
	n.publishAddresses()
	n.publishStatus()
	return n, nil
}

// Start bootstraps an empty log from the configured peers (unless joining)
// and starts the driver goroutine.
func (n *Node) Start() error {
	if !n.started.CompareAndSwap(false, true) {
		return errors.New("node already started")
	}
	if !n.opts.Join {
		if err := n.bootstrap(); err != nil {
			return err
		}
	}
	n.stopper.RunWorker(n.run)
	return nil
}

func (n *Node) bootstrap() error {
	lastIndex, err := n.storage.LastIndex()
	if err != nil {
		return &StorageError{Op: "last index", Err: err}
	}
	if lastIndex != 0 {
		return nil
	}
	members := make(map[uint64]string, len(n.opts.Peers)+1)
	for nodeID, addr := range n.opts.Peers {
		members[nodeID] = addr
	}
	if _, ok := members[n.opts.NodeID]; !ok {
		members[n.opts.NodeID] = n.opts.Addr
	}
	peers := make([]raft.Peer, 0, len(members))
	for nodeID, addr := range members {
		peers = append(peers, raft.Peer{
			ID:      nodeID,
			Context: encodeConfContext(0, 0, addr),
		})
	}
	n.Info("bootstrap cluster", zap.Int("members", len(peers)))
	return n.rn.Bootstrap(peers)
}

// Stop stops the driver and fails every request still waiting with ErrStopped.
func (n *Node) Stop() {
	if !n.stopped.CompareAndSwap(false, true) {
		return
	}
	n.stopper.Stop()
	n.dispatcher.stop()
	n.peers.close()
}

// Fatal delivers the error that stopped the driver, if any. Only storage
// failures end up here.
func (n *Node) Fatal() <-chan error {
	return n.fatalC
}

// Done is closed when the driver goroutine has exited.
func (n *Node) Done() <-chan struct{} {
	return n.done
}

// Propose submits op under the caller's sequence number. cb runs on the driver
// goroutine and must not block.
func (n *Node) Propose(ctx context.Context, seq uint64, op Operation, cb Callback) error {
	return n.submit(ctx, event{typ: eventPropose, seq: seq, op: op, cb: cb})
}

// ProposeConfChange submits a membership change. cb runs on the driver
// goroutine and must not block.
func (n *Node) ProposeConfChange(ctx context.Context, seq uint64, cc ConfChange, cb Callback) error {
	return n.submit(ctx, event{typ: eventConfChange, seq: seq, cc: cc, cb: cb})
}

// Step delivers a consensus message received from a peer.
func (n *Node) Step(ctx context.Context, m raftpb.Message) error {
	return n.submit(ctx, event{typ: eventRaftMessage, msg: m})
}

// RecvAddresses delivers an address table gossiped by a peer.
func (n *Node) RecvAddresses(ctx context.Context, table AddressTable) error {
	return n.submit(ctx, event{typ: eventAddresses, addresses: table})
}

func (n *Node) submit(ctx context.Context, ev event) error {
	if n.stopped.Load() {
		return ErrStopped
	}
	n.submitMu.RLock()
	defer n.submitMu.RUnlock()
	if n.closed {
		return ErrStopped
	}
	select {
	case n.eventC <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-n.closing:
		return ErrStopped
	}
}

func (n *Node) Status() Status {
	if st := n.status.Load(); st != nil {
		return *st
	}
	return Status{ID: n.opts.NodeID}
}

func (n *Node) IsLeader() bool {
	return n.Status().IsLeader()
}

// Addresses returns the latest address table known to the driver.
func (n *Node) Addresses() AddressTable {
	if t := n.addresses.Load(); t != nil {
		return *t
	}
	return NewAddressTable()
}

func (n *Node) NodeID() uint64 {
	return n.opts.NodeID
}

func (n *Node) run() {
	defer close(n.done)

	interval := n.opts.TickInterval
	lastTick := time.Now()
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-n.stopper.ShouldStop():
			n.shutdown(ErrStopped)
			return
		case ev := <-n.eventC:
			n.handleEvent(ev)
		case <-timer.C:
		}

		// 无论事件多频繁，时钟都按固定间隔推进
		if time.Since(lastTick) >= interval {
			lastTick = time.Now()
			n.rn.Tick()
		}

		if err := n.handleReady(); err != nil {
			n.shutdown(err)
			if IsStorageError(err) {
				n.Error("driver stopped on storage failure", zap.Error(err))
				select {
				case n.fatalC <- err:
				default:
				}
			}
			return
		}
		n.publishStatus()

		remaining := interval - time.Since(lastTick)
		if remaining < 0 {
			remaining = 0
		}
		timer.Reset(remaining)
	}
}

func (n *Node) handleEvent(ev event) {
	switch ev.typ {
	case eventPropose:
		n.propose(ev)
	case eventConfChange:
		n.proposeConfChange(ev)
	case eventRaftMessage:
		if err := n.rn.Step(ev.msg); err != nil {
			n.Debug("step raft message failed", zap.Uint64("from", ev.msg.From), zap.String("type", ev.msg.Type.String()), zap.Error(err))
		}
	case eventAddresses:
		changed := n.peers.merge(ev.addresses)
		if len(changed) > 0 {
			gossipAdoptedTotal.Add(float64(len(changed)))
			n.publishAddresses()
			n.Debug("adopted gossiped addresses", zap.Uint64s("nodeIDs", changed))
		}
	}
}

func (n *Node) propose(ev event) {
	if !n.isLeader() {
		proposalsTotal.WithLabelValues("normal", "not_leader").Inc()
		n.reject(ev.cb, ErrNotLeader)
		return
	}
	payload, err := ev.op.Marshal()
	if err != nil {
		proposalsTotal.WithLabelValues("normal", "error").Inc()
		n.reject(ev.cb, errors.Wrap(err, "marshal operation"))
		return
	}
	if n.opts.MaxEntrySize > 0 && uint64(len(payload)) > n.opts.MaxEntrySize {
		proposalsTotal.WithLabelValues("normal", "too_large").Inc()
		n.reject(ev.cb, errors.Wrapf(ErrEntryTooLarge, "%d bytes, limit %d", len(payload), n.opts.MaxEntrySize))
		return
	}
	if err = n.callbacks.register(ev.seq, ev.cb); err != nil {
		proposalsTotal.WithLabelValues("normal", "duplicate").Inc()
		n.reject(ev.cb, err)
		return
	}
	if err = n.rn.Propose(encodeProposal(n.opts.NodeID, ev.seq, payload)); err != nil {
		proposalsTotal.WithLabelValues("normal", "dropped").Inc()
		n.callbacks.resolve(ev.seq, n.failure(errors.Wrap(ErrProposalDropped, err.Error())))
		return
	}
	n.proposed = append(n.proposed, ev.seq)
	proposalsTotal.WithLabelValues("normal", "accepted").Inc()
}

func (n *Node) proposeConfChange(ev event) {
	if !n.isLeader() {
		proposalsTotal.WithLabelValues("conf", "not_leader").Inc()
		n.reject(ev.cb, ErrNotLeader)
		return
	}
	if err := checkAddr(ev.cc.Addr); err != nil {
		proposalsTotal.WithLabelValues("conf", "error").Inc()
		n.reject(ev.cb, errors.Wrapf(err, "conf change %s node %d", ev.cc.Type, ev.cc.NodeID))
		return
	}
	if ev.cc.NodeID == 0 || (ev.cc.Type == ConfChangeAddNode && ev.cc.Addr == "") {
		proposalsTotal.WithLabelValues("conf", "error").Inc()
		n.reject(ev.cb, errors.Errorf("invalid conf change %s node %d addr %q", ev.cc.Type, ev.cc.NodeID, ev.cc.Addr))
		return
	}
	if err := n.callbacks.register(ev.seq, ev.cb); err != nil {
		proposalsTotal.WithLabelValues("conf", "duplicate").Inc()
		n.reject(ev.cb, err)
		return
	}
	cc := ev.cc.toRaft(encodeConfContext(n.opts.NodeID, ev.seq, ev.cc.Addr))
	if err := n.rn.ProposeConfChange(cc); err != nil {
		proposalsTotal.WithLabelValues("conf", "dropped").Inc()
		n.callbacks.resolve(ev.seq, n.failure(errors.Wrap(ErrProposalDropped, err.Error())))
		return
	}
	n.proposed = append(n.proposed, ev.seq)
	proposalsTotal.WithLabelValues("conf", "accepted").Inc()
}

func (n *Node) isLeader() bool {
	return n.rn.BasicStatus().Lead == n.opts.NodeID
}

func (n *Node) reject(cb Callback, err error) {
	if cb != nil {
		cb(n.failure(err))
	}
}

func (n *Node) failure(err error) Result {
	return Result{
		Success:   false,
		Err:       err,
		LeaderID:  n.rn.BasicStatus().Lead,
		Addresses: n.peers.addresses(),
	}
}

func (n *Node) success(index uint64) Result {
	return Result{
		Success:   true,
		Index:     index,
		LeaderID:  n.rn.BasicStatus().Lead,
		Addresses: n.peers.addresses(),
	}
}

// shutdown fails everything still waiting on the driver. Once closed is set
// no submitter can enqueue, so the final drain sees every accepted event.
func (n *Node) shutdown(err error) {
	close(n.closing)
	n.submitMu.Lock()
	n.closed = true
	n.submitMu.Unlock()

	res := n.failure(err)
	n.callbacks.failAll(res)
	for {
		select {
		case ev := <-n.eventC:
			if ev.cb != nil {
				ev.cb(res)
			}
		default:
			n.isLeaderGauge.Set(0)
			n.pendingGauge.Set(0)
			n.publishStatus()
			return
		}
	}
}

func (n *Node) publishStatus() {
	st := n.rn.BasicStatus()
	n.status.Store(&Status{
		ID:        st.ID,
		LeaderID:  st.Lead,
		Term:      st.Term,
		Committed: st.Commit,
		Applied:   st.Applied,
		Pending:   n.callbacks.len(),
	})
	n.pendingGauge.Set(float64(n.callbacks.len()))
}

func (n *Node) publishAddresses() {
	table := n.peers.addresses()
	n.addresses.Store(&table)
}
