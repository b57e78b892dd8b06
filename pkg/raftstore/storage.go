package raftstore

import (
	"go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
)

// Storage is the log store the node driver persists into. Reads go through
// the embedded raft.Storage, writes happen only from the driver goroutine.
type Storage interface {
	raft.Storage
	// Append persists entries in order. Entries overlapping the existing
	// tail replace it.
	Append(entries []raftpb.Entry) error
	// ApplySnapshot replaces the whole log with the snapshot.
	ApplySnapshot(snap raftpb.Snapshot) error
	SetHardState(st raftpb.HardState) error
	Close() error
}

type MemoryStorage struct {
	*raft.MemoryStorage
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		MemoryStorage: raft.NewMemoryStorage(),
	}
}

func (m *MemoryStorage) Close() error {
	return nil
}

func limitSize(ents []raftpb.Entry, maxSize uint64) []raftpb.Entry {
	if len(ents) == 0 {
		return ents
	}
	size := ents[0].Size()
	var limit int
	for limit = 1; limit < len(ents); limit++ {
		size += ents[limit].Size()
		if uint64(size) > maxSize {
			break
		}
	}
	return ents[:limit]
}
