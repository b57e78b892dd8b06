package raftstore

import (
	"encoding/binary"
	"math"

	"github.com/WuKongIM/kvraft/pkg/raftstore/key"
	"github.com/WuKongIM/kvraft/pkg/wklog"
	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
	"github.com/sasha-s/go-deadlock"
	"go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"
	"go.uber.org/zap"
)

// PebbleStorage 基于pebble的raft日志存储
type PebbleStorage struct {
	db   *pebble.DB
	path string
	wo   *pebble.WriteOptions
	wklog.Log

	mu        deadlock.RWMutex
	hardState raftpb.HardState
	snapshot  raftpb.Snapshot
	lastIndex uint64 // 最后一条日志下标（不含快照）
}

func NewPebbleStorage(path string) *PebbleStorage {
	return &PebbleStorage{
		path: path,
		Log:  wklog.NewWKLog("PebbleStorage"),
		wo: &pebble.WriteOptions{
			Sync: true,
		},
	}
}

func (p *PebbleStorage) Open() error {
	var err error
	p.db, err = pebble.Open(p.path, &pebble.Options{})
	if err != nil {
		return errors.Wrapf(err, "open pebble %s", p.path)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if data, ok, err := p.get(key.NewHardStateKey()); err != nil {
		return err
	} else if ok {
		if err = p.hardState.Unmarshal(data); err != nil {
			return errors.Wrap(err, "unmarshal hard state")
		}
	}
	if data, ok, err := p.get(key.NewSnapshotKey()); err != nil {
		return err
	} else if ok {
		if err = p.snapshot.Unmarshal(data); err != nil {
			return errors.Wrap(err, "unmarshal snapshot")
		}
	}
	if data, ok, err := p.get(key.NewMaxIndexKey()); err != nil {
		return err
	} else if ok && len(data) == 8 {
		p.lastIndex = binary.BigEndian.Uint64(data)
	}
	return nil
}

func (p *PebbleStorage) Close() error {
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	if err != nil {
		p.Warn("close pebble db err", zap.Error(err))
	}
	return err
}

func (p *PebbleStorage) InitialState() (raftpb.HardState, raftpb.ConfState, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.hardState, p.snapshot.Metadata.ConfState, nil
}

func (p *PebbleStorage) Entries(lo, hi, maxSize uint64) ([]raftpb.Entry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if lo <= p.snapshot.Metadata.Index {
		return nil, raft.ErrCompacted
	}
	if hi > p.lastIndexLocked()+1 {
		p.Error("entries hi is out of bound", zap.Uint64("hi", hi), zap.Uint64("lastIndex", p.lastIndexLocked()))
		return nil, raft.ErrUnavailable
	}

	iter := p.db.NewIter(&pebble.IterOptions{
		LowerBound: key.NewLogKey(lo),
		UpperBound: key.NewLogKey(hi),
	})
	defer iter.Close()

	ents := make([]raftpb.Entry, 0, hi-lo)
	var size uint64
	for iter.First(); iter.Valid(); iter.Next() {
		var ent raftpb.Entry
		if err := ent.Unmarshal(iter.Value()); err != nil {
			return nil, errors.Wrapf(err, "unmarshal entry %d", key.GetIndexFromLogKey(iter.Key()))
		}
		ents = append(ents, ent)
		size += uint64(ent.Size())
		if size > maxSize {
			break
		}
	}
	if len(ents) == 0 || ents[0].Index != lo {
		return nil, raft.ErrUnavailable
	}
	return limitSize(ents, maxSize), nil
}

func (p *PebbleStorage) Term(i uint64) (uint64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	offset := p.snapshot.Metadata.Index
	if i < offset {
		return 0, raft.ErrCompacted
	}
	if i == offset {
		return p.snapshot.Metadata.Term, nil
	}
	if i > p.lastIndexLocked() {
		return 0, raft.ErrUnavailable
	}
	data, ok, err := p.get(key.NewLogKey(i))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, raft.ErrUnavailable
	}
	var ent raftpb.Entry
	if err = ent.Unmarshal(data); err != nil {
		return 0, errors.Wrapf(err, "unmarshal entry %d", i)
	}
	return ent.Term, nil
}

func (p *PebbleStorage) LastIndex() (uint64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastIndexLocked(), nil
}

func (p *PebbleStorage) FirstIndex() (uint64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot.Metadata.Index + 1, nil
}

func (p *PebbleStorage) Snapshot() (raftpb.Snapshot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot, nil
}

func (p *PebbleStorage) Append(entries []raftpb.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	first := p.snapshot.Metadata.Index + 1
	last := entries[0].Index + uint64(len(entries)) - 1
	if last < first {
		return nil
	}
	// 跳过已被快照覆盖的部分
	if first > entries[0].Index {
		entries = entries[first-entries[0].Index:]
	}
	lastIndex := p.lastIndexLocked()
	if entries[0].Index > lastIndex+1 {
		return errors.Errorf("missing log entry [last: %d, append at: %d]", lastIndex, entries[0].Index)
	}

	batch := p.db.NewBatch()
	defer batch.Close()
	if entries[0].Index <= lastIndex {
		// 冲突的尾部日志全部截断
		if err := batch.DeleteRange(key.NewLogKey(entries[0].Index), key.NewLogKey(math.MaxUint64), p.wo); err != nil {
			return err
		}
	}
	for _, ent := range entries {
		data, err := ent.Marshal()
		if err != nil {
			return err
		}
		if err = batch.Set(key.NewLogKey(ent.Index), data, p.wo); err != nil {
			return err
		}
	}
	newLast := entries[len(entries)-1].Index
	if err := batch.Set(key.NewMaxIndexKey(), uint64ToBytes(newLast), p.wo); err != nil {
		return err
	}
	if err := batch.Commit(p.wo); err != nil {
		return errors.Wrap(err, "commit append batch")
	}
	p.lastIndex = newLast
	return nil
}

func (p *PebbleStorage) ApplySnapshot(snap raftpb.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if snap.Metadata.Index <= p.snapshot.Metadata.Index {
		return raft.ErrSnapOutOfDate
	}
	data, err := snap.Marshal()
	if err != nil {
		return err
	}
	batch := p.db.NewBatch()
	defer batch.Close()
	if err = batch.DeleteRange(key.NewLogKey(0), key.NewLogKey(math.MaxUint64), p.wo); err != nil {
		return err
	}
	if err = batch.Set(key.NewSnapshotKey(), data, p.wo); err != nil {
		return err
	}
	if err = batch.Set(key.NewMaxIndexKey(), uint64ToBytes(snap.Metadata.Index), p.wo); err != nil {
		return err
	}
	if err = batch.Commit(p.wo); err != nil {
		return errors.Wrap(err, "commit snapshot batch")
	}
	p.snapshot = snap
	p.lastIndex = snap.Metadata.Index
	return nil
}

func (p *PebbleStorage) SetHardState(st raftpb.HardState) error {
	data, err := st.Marshal()
	if err != nil {
		return err
	}
	if err = p.db.Set(key.NewHardStateKey(), data, p.wo); err != nil {
		return errors.Wrap(err, "set hard state")
	}
	p.mu.Lock()
	p.hardState = st
	p.mu.Unlock()
	return nil
}

func (p *PebbleStorage) lastIndexLocked() uint64 {
	if p.lastIndex < p.snapshot.Metadata.Index {
		return p.snapshot.Metadata.Index
	}
	return p.lastIndex
}

func (p *PebbleStorage) get(k []byte) ([]byte, bool, error) {
	value, closer, err := p.db.Get(k)
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer closer.Close()
	data := make([]byte, len(value))
	copy(data, value)
	return data, true, nil
}

func uint64ToBytes(v uint64) []byte {
	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, v)
	return data
}
