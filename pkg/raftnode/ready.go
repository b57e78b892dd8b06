package raftnode

import (
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
	"go.uber.org/zap"
)

// handleReady drains one ready batch: persist, dispatch, apply, advance.
func (n *Node) handleReady() error {
	if !n.rn.HasReady() {
		return nil
	}
	start := time.Now()
	rd := n.rn.Ready()

	// 本批次的发送顺序按此时的领导身份决定
	isLeader := n.rn.BasicStatus().Lead == n.opts.NodeID
	if rd.SoftState != nil {
		n.onSoftState(*rd.SoftState)
	}

	// leader可以先发送再落盘，丢失只会导致重传
	if isLeader {
		n.sendMessages(rd.Messages)
	}

	if !raft.IsEmptySnap(rd.Snapshot) {
		if err := n.storage.ApplySnapshot(rd.Snapshot); err != nil {
			return &StorageError{Op: "apply snapshot", Err: err}
		}
		n.Info("installed snapshot", zap.Uint64("index", rd.Snapshot.Metadata.Index), zap.Uint64("term", rd.Snapshot.Metadata.Term))
	}
	if len(rd.Entries) > 0 {
		if err := n.storage.Append(rd.Entries); err != nil {
			return &StorageError{Op: "append", Err: err}
		}
		n.bindProposals(rd.Entries)
	}
	if !raft.IsEmptyHardState(rd.HardState) {
		if err := n.storage.SetHardState(rd.HardState); err != nil {
			return &StorageError{Op: "set hard state", Err: err}
		}
	}
	if len(n.proposed) > 0 {
		if dropped := n.callbacks.dropUnbound(n.proposed, n.failure(ErrProposalDropped)); dropped > 0 {
			n.Warn("proposals refused by the consensus engine", zap.Int("count", dropped))
		}
		n.proposed = n.proposed[:0]
	}

	// follower必须在日志持久化之后才能回复
	if !isLeader {
		n.sendMessages(rd.Messages)
	}

	if err := n.applyCommitted(rd.CommittedEntries); err != nil {
		return err
	}

	n.rn.Advance(rd)
	readyDuration.Observe(time.Since(start).Seconds())
	return nil
}

func (n *Node) onSoftState(ss raft.SoftState) {
	leader := ss.Lead == n.opts.NodeID
	if leader == n.leader {
		return
	}
	n.leader = leader
	if leader {
		n.isLeaderGauge.Set(1)
		n.dispatcher.resetHeartbeat()
		n.Info("became leader", zap.Uint64("term", n.rn.BasicStatus().Term))
	} else {
		n.isLeaderGauge.Set(0)
		n.Info("lost leadership", zap.Uint64("newLeader", ss.Lead), zap.String("state", ss.RaftState.String()))
	}
}

func (n *Node) sendMessages(msgs []raftpb.Message) {
	if len(msgs) == 0 {
		return
	}
	addresses := n.peers.addresses()
	for _, m := range msgs {
		conn, ok := n.peers.get(m.To)
		if !ok {
			// 未知节点视为暂时不可达
			droppedMessagesTotal.WithLabelValues("unknown_peer").Inc()
			continue
		}
		if err := n.dispatcher.send(conn, m, addresses); err != nil {
			n.Debug("dispatch raft message failed", zap.Uint64("to", m.To), zap.String("type", m.Type.String()), zap.Error(err))
		}
	}
}

// bindProposals records the log position of this node's own proposals.
func (n *Node) bindProposals(ents []raftpb.Entry) {
	for _, ent := range ents {
		if len(ent.Data) == 0 {
			continue
		}
		var (
			origin, seq uint64
			err         error
		)
		switch ent.Type {
		case raftpb.EntryNormal:
			origin, seq, _, err = decodeProposal(ent.Data)
		case raftpb.EntryConfChange:
			var cc raftpb.ConfChange
			if err = cc.Unmarshal(ent.Data); err == nil {
				origin, seq, _, err = decodeConfContext(cc.Context)
			}
		default:
			continue
		}
		if err == nil && origin == n.opts.NodeID {
			n.callbacks.bind(seq, ent.Index, ent.Term)
		}
	}
}

func (n *Node) applyCommitted(ents []raftpb.Entry) error {
	if len(ents) == 0 {
		return nil
	}
	for _, ent := range ents {
		if len(ent.Data) == 0 {
			// leader当选后的空日志
			appliedEntriesTotal.WithLabelValues("empty").Inc()
			continue
		}
		switch ent.Type {
		case raftpb.EntryNormal:
			if err := n.applyNormal(ent); err != nil {
				return err
			}
		case raftpb.EntryConfChange:
			n.applyConfChange(ent)
		case raftpb.EntryConfChangeV2:
			var cc raftpb.ConfChangeV2
			if err := cc.Unmarshal(ent.Data); err != nil {
				n.Error("skip malformed conf change v2", zap.Uint64("index", ent.Index), zap.Error(err))
				continue
			}
			n.rn.ApplyConfChange(cc)
		}
	}
	last := ents[len(ents)-1].Index
	if dropped := n.callbacks.dropOverwritten(last, n.failure(ErrProposalDropped)); dropped > 0 {
		n.Warn("proposals overwritten by another leader", zap.Int("count", dropped), zap.Uint64("committed", last))
	}
	return nil
}

func (n *Node) applyNormal(ent raftpb.Entry) error {
	origin, seq, payload, err := decodeProposal(ent.Data)
	if err != nil {
		appliedEntriesTotal.WithLabelValues("malformed").Inc()
		n.Error("skip malformed entry", zap.Uint64("index", ent.Index), zap.Uint64("term", ent.Term), zap.Error(err))
		return nil
	}
	op, err := n.opts.Decode(payload)
	if err != nil {
		appliedEntriesTotal.WithLabelValues("malformed").Inc()
		n.Error("skip undecodable operation", zap.Uint64("index", ent.Index), zap.Uint64("term", ent.Term), zap.Uint64("seq", seq), zap.Error(err))
		if origin == n.opts.NodeID {
			n.callbacks.resolve(seq, n.failure(errors.Wrap(ErrMalformedEntry, err.Error())))
		}
		return nil
	}
	if n.opts.ApplyC != nil {
		select {
		case n.opts.ApplyC <- Apply{Index: ent.Index, Term: ent.Term, Origin: origin, Seq: seq, Op: op}:
		case <-n.stopper.ShouldStop():
			return ErrStopped
		}
	}
	appliedEntriesTotal.WithLabelValues("normal").Inc()
	if origin == n.opts.NodeID {
		n.callbacks.resolve(seq, n.success(ent.Index))
	}
	return nil
}

func (n *Node) applyConfChange(ent raftpb.Entry) {
	var cc raftpb.ConfChange
	if err := cc.Unmarshal(ent.Data); err != nil {
		appliedEntriesTotal.WithLabelValues("malformed").Inc()
		n.Error("skip malformed conf change", zap.Uint64("index", ent.Index), zap.Error(err))
		return
	}
	origin, seq, addr, ctxErr := decodeConfContext(cc.Context)
	if ctxErr != nil {
		n.Warn("conf change without address context", zap.Uint64("index", ent.Index), zap.Uint64("nodeID", cc.NodeID), zap.Error(ctxErr))
	}

	switch cc.Type {
	case raftpb.ConfChangeAddNode, raftpb.ConfChangeAddLearnerNode:
		if ctxErr == nil && addr != "" && checkAddr(addr) == nil {
			n.peers.set(cc.NodeID, addr, ent.Index)
			n.publishAddresses()
		}
		n.Info("node added", zap.Uint64("nodeID", cc.NodeID), zap.String("addr", addr), zap.Uint64("index", ent.Index))
	case raftpb.ConfChangeRemoveNode:
		if cc.NodeID == n.opts.NodeID {
			n.Warn("local node removed from cluster", zap.Uint64("index", ent.Index))
		} else {
			n.Info("node removed", zap.Uint64("nodeID", cc.NodeID), zap.Uint64("index", ent.Index))
		}
	}
	n.rn.ApplyConfChange(cc)
	appliedEntriesTotal.WithLabelValues("conf_change").Inc()

	if ctxErr == nil && origin == n.opts.NodeID {
		n.callbacks.resolve(seq, n.success(ent.Index))
	}
}
