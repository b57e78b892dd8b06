package kvstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/WuKongIM/kvraft/pkg/kvstore"
	"github.com/WuKongIM/kvraft/pkg/raftnode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpCodec(t *testing.T) {
	data, err := kvstore.Put("a", []byte("1")).Marshal()
	require.NoError(t, err)
	op, err := kvstore.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, kvstore.Put("a", []byte("1")), op)

	data, err = kvstore.Delete("a").Marshal()
	require.NoError(t, err)
	op, err = kvstore.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, kvstore.OpDelete, op.(*kvstore.Op).Type)

	_, err = kvstore.Decode([]byte{9})
	assert.Error(t, err)
	_, err = kvstore.Decode(nil)
	assert.Error(t, err)

	long := make([]byte, kvstore.MaxKeyLen+1)
	_, err = kvstore.Put(string(long), nil).Marshal()
	assert.ErrorIs(t, err, kvstore.ErrKeyTooLong)

	_, err = kvstore.Put("big", make([]byte, kvstore.MaxValueLen+1)).Marshal()
	assert.ErrorIs(t, err, kvstore.ErrValueTooLarge)
	_, err = kvstore.Put("big", make([]byte, kvstore.MaxValueLen)).Marshal()
	assert.NoError(t, err)
}

func TestStateMachineApply(t *testing.T) {
	sm := kvstore.New()
	sm.Apply(raftnode.Apply{Index: 3, Op: kvstore.Put("a", []byte("1"))})
	sm.Apply(raftnode.Apply{Index: 4, Op: kvstore.Put("b", []byte("2"))})
	sm.Apply(raftnode.Apply{Index: 5, Op: kvstore.Delete("a")})

	_, ok := sm.Get("a")
	assert.False(t, ok)
	v, ok := sm.Get("b")
	require.True(t, ok)
	assert.Equal(t, []byte("2"), v)
	assert.Equal(t, uint64(5), sm.AppliedIndex())
	assert.Equal(t, 1, sm.Len())

	// replays at or below the applied index are ignored
	sm.Apply(raftnode.Apply{Index: 4, Op: kvstore.Put("b", []byte("old"))})
	v, _ = sm.Get("b")
	assert.Equal(t, []byte("2"), v)
}

func TestStateMachineRunAndWait(t *testing.T) {
	sm := kvstore.New()
	applyC := make(chan raftnode.Apply)
	stopC := make(chan struct{})
	done := make(chan struct{})
	go func() {
		sm.Run(stopC, applyC)
		close(done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	waitErr := make(chan error, 1)
	go func() { waitErr <- sm.WaitApplied(ctx, 2) }()

	applyC <- raftnode.Apply{Index: 1, Op: kvstore.Put("k", []byte("v1"))}
	applyC <- raftnode.Apply{Index: 2, Op: kvstore.Put("k", []byte("v2"))}
	require.NoError(t, <-waitErr)
	v, _ := sm.Get("k")
	assert.Equal(t, []byte("v2"), v)

	short, shortCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer shortCancel()
	assert.ErrorIs(t, sm.WaitApplied(short, 10), context.DeadlineExceeded)

	close(stopC)
	<-done
}
