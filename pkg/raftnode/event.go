package raftnode

import "go.etcd.io/raft/v3/raftpb"

type eventType int

const (
	eventPropose eventType = iota
	eventConfChange
	eventRaftMessage
	eventAddresses
)

func (e eventType) String() string {
	switch e {
	case eventPropose:
		return "Propose"
	case eventConfChange:
		return "ConfChange"
	case eventRaftMessage:
		return "RaftMessage"
	case eventAddresses:
		return "Addresses"
	}
	return "Unknown"
}

type event struct {
	typ       eventType
	seq       uint64
	op        Operation
	cc        ConfChange
	cb        Callback
	msg       raftpb.Message
	addresses AddressTable
}
