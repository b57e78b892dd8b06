package raftnode

import (
	"context"

	"go.etcd.io/raft/v3/raftpb"
)

// Operation is an application command carried in a log entry.
type Operation interface {
	Marshal() ([]byte, error)
}

// DecodeFunc turns the payload of a committed entry back into an Operation.
type DecodeFunc func(data []byte) (Operation, error)

// RawOp is an opaque Operation.
type RawOp []byte

func (r RawOp) Marshal() ([]byte, error) {
	return r, nil
}

// DecodeRaw is the default DecodeFunc.
func DecodeRaw(data []byte) (Operation, error) {
	op := make(RawOp, len(data))
	copy(op, data)
	return op, nil
}

// Apply is a committed operation handed to the application.
type Apply struct {
	Index  uint64
	Term   uint64
	Origin uint64 // 提案节点
	Seq    uint64
	Op     Operation
}

// Result is the outcome of a proposal or configuration change.
type Result struct {
	Success   bool
	Err       error
	Index     uint64 // 提交的日志下标
	LeaderID  uint64
	Addresses AddressTable
}

type Callback func(Result)

type ConfChangeType int

const (
	ConfChangeAddNode ConfChangeType = iota
	ConfChangeRemoveNode
)

func (c ConfChangeType) String() string {
	switch c {
	case ConfChangeAddNode:
		return "AddNode"
	case ConfChangeRemoveNode:
		return "RemoveNode"
	}
	return "Unknown"
}

// ConfChange is a membership change request.
type ConfChange struct {
	Type   ConfChangeType
	NodeID uint64
	Addr   string
}

func (c ConfChange) toRaft(ctx []byte) raftpb.ConfChange {
	cc := raftpb.ConfChange{
		NodeID:  c.NodeID,
		Context: ctx,
	}
	switch c.Type {
	case ConfChangeRemoveNode:
		cc.Type = raftpb.ConfChangeRemoveNode
	default:
		cc.Type = raftpb.ConfChangeAddNode
	}
	return cc
}

// Transport opens connections to peers.
type Transport interface {
	Connect(nodeID uint64, addr string) (Conn, error)
}

// Conn is an outbound connection to one peer.
type Conn interface {
	SendMessage(ctx context.Context, m raftpb.Message) error
	SendAddresses(ctx context.Context, table AddressTable) error
	Close() error
}

// Status is a read-only view published by the driver after every iteration.
type Status struct {
	ID        uint64
	LeaderID  uint64
	Term      uint64
	Committed uint64
	Applied   uint64
	Pending   int // 等待提交的请求数
}

func (s Status) IsLeader() bool {
	return s.ID != 0 && s.ID == s.LeaderID
}
