package kvstore

import (
	"context"

	"github.com/WuKongIM/kvraft/pkg/raftnode"
	"github.com/WuKongIM/kvraft/pkg/wklog"
	"github.com/sasha-s/go-deadlock"
	"go.uber.org/zap"
)

// StateMachine applies committed kv operations in commit order and serves
// reads from memory.
type StateMachine struct {
	mu      deadlock.RWMutex
	data    map[string][]byte
	applied uint64
	notify  chan struct{} // 每次应用后关闭并替换
	wklog.Log
}

func New() *StateMachine {
	return &StateMachine{
		data:   make(map[string][]byte),
		notify: make(chan struct{}),
		Log:    wklog.NewWKLog("StateMachine"),
	}
}

// Run consumes applyC until stopC is closed.
func (s *StateMachine) Run(stopC <-chan struct{}, applyC <-chan raftnode.Apply) {
	for {
		select {
		case ap := <-applyC:
			s.Apply(ap)
		case <-stopC:
			return
		}
	}
}

func (s *StateMachine) Apply(ap raftnode.Apply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ap.Index <= s.applied {
		return
	}
	switch op := ap.Op.(type) {
	case *Op:
		switch op.Type {
		case OpPut:
			s.data[op.Key] = op.Value
		case OpDelete:
			delete(s.data, op.Key)
		}
	default:
		s.Warn("ignore unknown operation", zap.Uint64("index", ap.Index), zap.Any("op", ap.Op))
	}
	s.applied = ap.Index
	close(s.notify)
	s.notify = make(chan struct{})
}

func (s *StateMachine) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *StateMachine) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func (s *StateMachine) AppliedIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.applied
}

// WaitApplied blocks until the entry at index has been applied.
func (s *StateMachine) WaitApplied(ctx context.Context, index uint64) error {
	for {
		s.mu.RLock()
		applied, ch := s.applied, s.notify
		s.mu.RUnlock()
		if applied >= index {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
