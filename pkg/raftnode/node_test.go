package raftnode_test

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/WuKongIM/kvraft/pkg/raftnode"
	"github.com/WuKongIM/kvraft/pkg/raftstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/raft/v3/raftpb"
	"go.uber.org/atomic"
)

func TestSingleNodePropose(t *testing.T) {
	_, nodes := newCluster(t, 1)
	n := waitLeader(t, nodes...)

	res := propose(t, n, 1, "PUT a 1")
	require.True(t, res.Success, "%v", res.Err)
	assert.NoError(t, res.Err)
	assert.Equal(t, uint64(1), res.LeaderID)
	assert.NotZero(t, res.Index)

	ap, _ := waitApply(t, n, 1)
	assert.Equal(t, res.Index, ap.Index)
	assert.Equal(t, uint64(1), ap.Origin)
	assert.Equal(t, raftnode.RawOp("PUT a 1"), ap.Op)
}

func TestReplicateAppliesExactlyOnce(t *testing.T) {
	_, nodes := newCluster(t, 3)
	leader := waitLeader(t, nodes...)

	res := propose(t, leader, 7, "PUT k=a v=1")
	require.True(t, res.Success, "%v", res.Err)
	assert.Equal(t, leader.NodeID(), res.LeaderID)

	for _, n := range nodes {
		ap, _ := waitApply(t, n, 7)
		assert.Equal(t, res.Index, ap.Index)
		assert.Equal(t, leader.NodeID(), ap.Origin)
		assert.Equal(t, raftnode.RawOp("PUT k=a v=1"), ap.Op)
	}

	res = propose(t, leader, 8, "PUT k=b v=2")
	require.True(t, res.Success)
	for _, n := range nodes {
		_, before := waitApply(t, n, 8)
		for _, ap := range before {
			assert.NotEqual(t, uint64(7), ap.Seq, "seq 7 applied twice on node %d", n.NodeID())
		}
	}
}

func TestProposeOnFollowerIsRejected(t *testing.T) {
	_, nodes := newCluster(t, 3)
	leader := waitLeader(t, nodes...)
	follower := followers(leader, nodes)[0]

	res := propose(t, follower, 9, "PUT x 1")
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, raftnode.ErrNotLeader)
	assert.Equal(t, leader.NodeID(), res.LeaderID)
	assert.Equal(t, members(1, 2, 3), res.Addresses.Map())

	// nothing was replicated for the rejected proposal
	res = propose(t, leader, 10, "PUT y 1")
	require.True(t, res.Success)
	_, before := waitApply(t, follower, 10)
	for _, ap := range before {
		assert.NotEqual(t, uint64(9), ap.Seq)
	}
}

func TestDuplicateSeqRejectedWhilePending(t *testing.T) {
	nw, nodes := newCluster(t, 3)
	leader := waitLeader(t, nodes...)
	var ids []uint64
	for _, f := range followers(leader, nodes) {
		ids = append(ids, f.NodeID())
	}
	nw.isolate(ids...)

	first := proposeAsync(t, leader, 5, "PUT a 1")
	dup := waitResult(t, proposeAsync(t, leader, 5, "PUT a 2"))
	assert.False(t, dup.Success)
	assert.ErrorIs(t, dup.Err, raftnode.ErrDuplicateSeq)

	select {
	case r := <-first:
		t.Fatalf("proposal resolved without a quorum: %+v", r)
	case <-time.After(200 * time.Millisecond):
	}

	nw.heal()
	res := waitResult(t, first)
	require.True(t, res.Success, "%v", res.Err)
	ap, _ := waitApply(t, leader, 5)
	assert.Equal(t, raftnode.RawOp("PUT a 1"), ap.Op)
}

func TestApplyOrder(t *testing.T) {
	_, nodes := newCluster(t, 1)
	n := waitLeader(t, nodes...)

	const count = 50
	results := make(chan raftnode.Result, count)
	for seq := uint64(1); seq <= count; seq++ {
		err := n.Propose(context.Background(), seq, raftnode.RawOp("op"), func(r raftnode.Result) {
			results <- r
		})
		require.NoError(t, err)
	}

	var lastIndex uint64
	for seq := uint64(1); seq <= count; seq++ {
		select {
		case ap := <-n.applyC:
			assert.Equal(t, seq, ap.Seq)
			assert.Greater(t, ap.Index, lastIndex)
			lastIndex = ap.Index
		case <-time.After(waitTimeout):
			t.Fatalf("missing apply for seq %d", seq)
		}
	}
	for i := 0; i < count; i++ {
		assert.True(t, waitResult(t, results).Success)
	}
}

func TestConfChangeAddsPeer(t *testing.T) {
	nw, nodes := newCluster(t, 3)
	leader := waitLeader(t, nodes...)

	joiner := nw.start(t, 4, nil, true)
	assert.Equal(t, 1, joiner.Addresses().Len())

	resC := make(chan raftnode.Result, 1)
	err := leader.ProposeConfChange(context.Background(), 100, raftnode.ConfChange{
		Type:   raftnode.ConfChangeAddNode,
		NodeID: 4,
		Addr:   addrOf(4),
	}, func(r raftnode.Result) { resC <- r })
	require.NoError(t, err)
	res := waitResult(t, resC)
	require.True(t, res.Success, "%v", res.Err)

	for _, n := range nodes {
		n := n
		require.Eventually(t, func() bool {
			e, ok := n.Addresses().Entries[4]
			return ok && e.Addr == addrOf(4) && e.Version == res.Index
		}, waitTimeout, 10*time.Millisecond, "node %d never learned node 4", n.NodeID())
	}

	all := append(nodes, joiner)
	require.Equal(t, leader.NodeID(), waitLeader(t, all...).NodeID())
	require.Eventually(t, func() bool {
		return joiner.Addresses().Len() == 4
	}, waitTimeout, 10*time.Millisecond)

	res = propose(t, leader, 101, "PUT z 1")
	require.True(t, res.Success)
	ap, _ := waitApply(t, joiner, 101)
	assert.Equal(t, res.Index, ap.Index)
}

func TestConfChangeOnFollowerIsRejected(t *testing.T) {
	_, nodes := newCluster(t, 3)
	leader := waitLeader(t, nodes...)
	follower := followers(leader, nodes)[0]

	resC := make(chan raftnode.Result, 1)
	err := follower.ProposeConfChange(context.Background(), 1, raftnode.ConfChange{
		Type:   raftnode.ConfChangeAddNode,
		NodeID: 4,
		Addr:   addrOf(4),
	}, func(r raftnode.Result) { resC <- r })
	require.NoError(t, err)
	res := waitResult(t, resC)
	assert.ErrorIs(t, res.Err, raftnode.ErrNotLeader)
	assert.Equal(t, leader.NodeID(), res.LeaderID)
}

func TestConfChangeRejectsLongAddress(t *testing.T) {
	_, nodes := newCluster(t, 1)
	leader := waitLeader(t, nodes...)

	resC := make(chan raftnode.Result, 1)
	err := leader.ProposeConfChange(context.Background(), 1, raftnode.ConfChange{
		Type:   raftnode.ConfChangeAddNode,
		NodeID: 9,
		Addr:   strings.Repeat("a", 40000),
	}, func(r raftnode.Result) { resC <- r })
	require.NoError(t, err)
	res := waitResult(t, resC)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, raftnode.ErrAddrTooLong)

	// the driver is still alive
	res = propose(t, leader, 2, "PUT a 1")
	require.True(t, res.Success, "%v", res.Err)
	_, ok := leader.Addresses().Entries[9]
	assert.False(t, ok)
}

func TestProposeRejectsOversizedEntry(t *testing.T) {
	nw := newNetwork()
	n := nw.start(t, 1, members(1), false, raftnode.WithMaxEntrySize(1024))
	waitLeader(t, n)

	res := propose(t, n, 1, strings.Repeat("v", 1025))
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, raftnode.ErrEntryTooLarge)

	res = propose(t, n, 2, strings.Repeat("v", 1024))
	require.True(t, res.Success, "%v", res.Err)
	ap, before := waitApply(t, n, 2)
	assert.Empty(t, before)
	assert.Len(t, ap.Op, 1024)
}

func TestOverwrittenProposalIsDropped(t *testing.T) {
	nw, nodes := newCluster(t, 3)
	old := waitLeader(t, nodes...)
	rest := followers(old, nodes)

	// the old leader keeps leading its own partition and appends seq 1
	nw.isolate(old.NodeID())
	var calls atomic.Int32
	resC := make(chan raftnode.Result, 4)
	err := old.Propose(context.Background(), 1, raftnode.RawOp("PUT lost 1"), func(r raftnode.Result) {
		calls.Inc()
		resC <- r
	})
	require.NoError(t, err)

	leader := waitLeader(t, rest...)
	res := propose(t, leader, 2, "PUT kept 1")
	require.True(t, res.Success, "%v", res.Err)

	nw.heal()
	dropped := waitResult(t, resC)
	assert.False(t, dropped.Success)
	assert.ErrorIs(t, dropped.Err, raftnode.ErrProposalDropped)

	_, before := waitApply(t, old, 2)
	for _, ap := range before {
		assert.NotEqual(t, uint64(1), ap.Seq, "overwritten entry applied")
	}
	leader = waitLeader(t, nodes...)
	res = propose(t, leader, 3, "PUT after 1")
	require.True(t, res.Success)
	waitApply(t, old, 3)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, old.Status().Pending)
}

func TestRecvAddressesAdoptsNewerOnly(t *testing.T) {
	_, nodes := newCluster(t, 1)
	n := nodes[0]

	table := raftnode.NewAddressTable()
	table.Entries[2] = raftnode.AddressEntry{Addr: "10.0.0.2:7000", Version: 5}
	require.NoError(t, n.RecvAddresses(context.Background(), table))
	require.Eventually(t, func() bool {
		addr, ok := n.Addresses().Addr(2)
		return ok && addr == "10.0.0.2:7000"
	}, waitTimeout, 10*time.Millisecond)

	stale := raftnode.NewAddressTable()
	stale.Entries[2] = raftnode.AddressEntry{Addr: "10.0.0.9:7000", Version: 4}
	require.NoError(t, n.RecvAddresses(context.Background(), stale))
	// a later event is handled after the stale one
	require.NoError(t, n.RecvAddresses(context.Background(), raftnode.NewAddressTable()))
	require.Never(t, func() bool {
		addr, _ := n.Addresses().Addr(2)
		return addr != "10.0.0.2:7000"
	}, 100*time.Millisecond, 10*time.Millisecond)
}

type failingDecodeOp string

func (o failingDecodeOp) Marshal() ([]byte, error) {
	return []byte(o), nil
}

func TestMalformedEntryIsSkipped(t *testing.T) {
	nw := newNetwork()
	decode := func(data []byte) (raftnode.Operation, error) {
		if string(data) == "bad" {
			return nil, errors.New("cannot decode")
		}
		return failingDecodeOp(data), nil
	}
	n := nw.start(t, 1, members(1), false, raftnode.WithDecode(decode))
	waitLeader(t, n)

	res := propose(t, n, 1, "bad")
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, raftnode.ErrMalformedEntry)

	res = propose(t, n, 2, "good")
	require.True(t, res.Success)
	ap, before := waitApply(t, n, 2)
	assert.Empty(t, before)
	assert.Equal(t, failingDecodeOp("good"), ap.Op)
}

type failingStorage struct {
	raftstore.Storage
	fail atomic.Bool
}

func (s *failingStorage) Append(entries []raftpb.Entry) error {
	if s.fail.Load() {
		return errors.New("disk full")
	}
	return s.Storage.Append(entries)
}

func TestStorageFailureIsFatal(t *testing.T) {
	nw := newNetwork()
	storage := &failingStorage{Storage: raftstore.NewMemoryStorage()}
	n := nw.start(t, 1, members(1), false, raftnode.WithStorage(storage))
	waitLeader(t, n)

	storage.fail.Store(true)
	res := propose(t, n, 1, "PUT a 1")
	assert.False(t, res.Success)
	assert.True(t, raftnode.IsStorageError(res.Err))

	select {
	case err := <-n.Fatal():
		assert.True(t, raftnode.IsStorageError(err))
	case <-time.After(waitTimeout):
		t.Fatal("no fatal error reported")
	}
	<-n.Done()

	err := n.Propose(context.Background(), 2, raftnode.RawOp("x"), nil)
	assert.ErrorIs(t, err, raftnode.ErrStopped)
}

func TestStopFailsPending(t *testing.T) {
	nw, nodes := newCluster(t, 3)
	leader := waitLeader(t, nodes...)
	var ids []uint64
	for _, f := range followers(leader, nodes) {
		ids = append(ids, f.NodeID())
	}
	nw.isolate(ids...)

	resC := proposeAsync(t, leader, 1, "PUT a 1")
	time.Sleep(50 * time.Millisecond)
	leader.Stop()

	res := waitResult(t, resC)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, raftnode.ErrStopped)
	assert.ErrorIs(t, leader.Propose(context.Background(), 2, raftnode.RawOp("x"), nil), raftnode.ErrStopped)
}

func TestStopNeverLosesCallbacks(t *testing.T) {
	for round := 0; round < 10; round++ {
		nw := newNetwork()
		n := nw.start(t, 1, members(1), false)
		waitLeader(t, n)

		var (
			wg       sync.WaitGroup
			accepted atomic.Int64
			resolved atomic.Int64
		)
		for p := 0; p < 8; p++ {
			wg.Add(1)
			go func(p int) {
				defer wg.Done()
				for i := uint64(0); ; i++ {
					seq := uint64(p)<<32 | i
					err := n.Propose(context.Background(), seq, raftnode.RawOp("op"), func(raftnode.Result) {
						resolved.Inc()
					})
					if err != nil {
						assert.ErrorIs(t, err, raftnode.ErrStopped)
						return
					}
					accepted.Inc()
				}
			}(p)
		}
		time.Sleep(20 * time.Millisecond)
		n.Stop()
		wg.Wait()
		<-n.Done()

		assert.Positive(t, accepted.Load())
		assert.Equal(t, accepted.Load(), resolved.Load(), "round %d", round)
	}
}

func TestLeaderGaugeIsPerNode(t *testing.T) {
	raftnode.RegisterMetrics()
	_, nodes := newCluster(t, 3)
	leader := waitLeader(t, nodes...)

	require.Eventually(t, func() bool {
		values := isLeaderValues(t)
		for _, n := range nodes {
			want := 0.0
			if n.NodeID() == leader.NodeID() {
				want = 1
			}
			if v, ok := values[n.NodeID()]; !ok || v != want {
				return false
			}
		}
		return true
	}, waitTimeout, 10*time.Millisecond)
}

func isLeaderValues(t *testing.T) map[uint64]float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	values := make(map[uint64]float64)
	for _, mf := range families {
		if mf.GetName() != "kvraft_node_is_leader" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() != "node_id" {
					continue
				}
				id, err := strconv.ParseUint(lp.GetValue(), 10, 64)
				require.NoError(t, err)
				values[id] = m.GetGauge().GetValue()
			}
		}
	}
	return values
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := raftnode.New(raftnode.NewOptions())
	assert.Error(t, err)

	_, err = raftnode.New(raftnode.NewOptions().With(raftnode.WithNodeID(1)))
	assert.Error(t, err)

	_, err = raftnode.New(raftnode.NewOptions().With(
		raftnode.WithNodeID(1),
		raftnode.WithStorage(raftstore.NewMemoryStorage()),
		raftnode.WithTransport(&loopTransport{nw: newNetwork(), from: 1}),
		raftnode.WithPeers(map[uint64]string{1: "node1", 2: strings.Repeat("a", raftnode.MaxAddrLen+1)}),
	))
	assert.ErrorIs(t, err, raftnode.ErrAddrTooLong)
}
