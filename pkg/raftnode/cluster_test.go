package raftnode_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/WuKongIM/kvraft/pkg/raftnode"
	"github.com/WuKongIM/kvraft/pkg/raftstore"
	"github.com/stretchr/testify/require"
	"go.etcd.io/raft/v3/raftpb"
)

const waitTimeout = 10 * time.Second

// network delivers messages between in-process nodes. Traffic to or from an
// isolated node is silently lost.
type network struct {
	mu       sync.RWMutex
	nodes    map[uint64]*raftnode.Node
	isolated map[uint64]bool
}

func newNetwork() *network {
	return &network{
		nodes:    make(map[uint64]*raftnode.Node),
		isolated: make(map[uint64]bool),
	}
}

func (nw *network) isolate(ids ...uint64) {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	for _, id := range ids {
		nw.isolated[id] = true
	}
}

func (nw *network) heal() {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	nw.isolated = make(map[uint64]bool)
}

func (nw *network) route(from, to uint64) *raftnode.Node {
	nw.mu.RLock()
	defer nw.mu.RUnlock()
	if nw.isolated[from] || nw.isolated[to] {
		return nil
	}
	return nw.nodes[to]
}

type loopTransport struct {
	nw   *network
	from uint64
}

func (t *loopTransport) Connect(nodeID uint64, addr string) (raftnode.Conn, error) {
	return &loopConn{nw: t.nw, from: t.from, to: nodeID}, nil
}

type loopConn struct {
	nw       *network
	from, to uint64
}

func (c *loopConn) SendMessage(ctx context.Context, m raftpb.Message) error {
	n := c.nw.route(c.from, c.to)
	if n == nil {
		return nil
	}
	data, err := m.Marshal()
	if err != nil {
		return err
	}
	var cp raftpb.Message
	if err = cp.Unmarshal(data); err != nil {
		return err
	}
	return n.Step(ctx, cp)
}

func (c *loopConn) SendAddresses(ctx context.Context, table raftnode.AddressTable) error {
	n := c.nw.route(c.from, c.to)
	if n == nil {
		return nil
	}
	return n.RecvAddresses(ctx, table)
}

func (c *loopConn) Close() error {
	return nil
}

type testNode struct {
	*raftnode.Node
	applyC chan raftnode.Apply
}

func addrOf(id uint64) string {
	return fmt.Sprintf("node%d", id)
}

func members(ids ...uint64) map[uint64]string {
	m := make(map[uint64]string, len(ids))
	for _, id := range ids {
		m[id] = addrOf(id)
	}
	return m
}

func (nw *network) start(t *testing.T, id uint64, peers map[uint64]string, join bool, opt ...raftnode.Option) *testNode {
	t.Helper()
	applyC := make(chan raftnode.Apply, 1024)
	opts := raftnode.NewOptions().With(
		raftnode.WithNodeID(id),
		raftnode.WithAddr(addrOf(id)),
		raftnode.WithPeers(peers),
		raftnode.WithJoin(join),
		raftnode.WithStorage(raftstore.NewMemoryStorage()),
		raftnode.WithTransport(&loopTransport{nw: nw, from: id}),
		raftnode.WithApplyC(applyC),
		raftnode.WithTickInterval(10*time.Millisecond),
		raftnode.WithElectionTick(10),
		raftnode.WithHeartbeatTick(1),
	).With(opt...)
	n, err := raftnode.New(opts)
	require.NoError(t, err)

	nw.mu.Lock()
	nw.nodes[id] = n
	nw.mu.Unlock()

	require.NoError(t, n.Start())
	t.Cleanup(n.Stop)
	return &testNode{Node: n, applyC: applyC}
}

func newCluster(t *testing.T, size int) (*network, []*testNode) {
	t.Helper()
	ids := make([]uint64, 0, size)
	for i := 1; i <= size; i++ {
		ids = append(ids, uint64(i))
	}
	nw := newNetwork()
	peers := members(ids...)
	nodes := make([]*testNode, 0, size)
	for _, id := range ids {
		nodes = append(nodes, nw.start(t, id, peers, false))
	}
	return nw, nodes
}

// waitLeader waits until one node leads and every other node follows it.
func waitLeader(t *testing.T, nodes ...*testNode) *testNode {
	t.Helper()
	var leader *testNode
	require.Eventually(t, func() bool {
		leader = nil
		for _, n := range nodes {
			if n.IsLeader() {
				leader = n
			}
		}
		if leader == nil {
			return false
		}
		for _, n := range nodes {
			if n.Status().LeaderID != leader.NodeID() {
				return false
			}
		}
		return true
	}, waitTimeout, 10*time.Millisecond)
	return leader
}

func followers(leader *testNode, nodes []*testNode) []*testNode {
	var out []*testNode
	for _, n := range nodes {
		if n != leader {
			out = append(out, n)
		}
	}
	return out
}

func proposeAsync(t *testing.T, n *testNode, seq uint64, op string) <-chan raftnode.Result {
	t.Helper()
	resC := make(chan raftnode.Result, 1)
	err := n.Propose(context.Background(), seq, raftnode.RawOp(op), func(r raftnode.Result) {
		resC <- r
	})
	require.NoError(t, err)
	return resC
}

func waitResult(t *testing.T, resC <-chan raftnode.Result) raftnode.Result {
	t.Helper()
	select {
	case r := <-resC:
		return r
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for proposal result")
	}
	return raftnode.Result{}
}

func propose(t *testing.T, n *testNode, seq uint64, op string) raftnode.Result {
	t.Helper()
	return waitResult(t, proposeAsync(t, n, seq, op))
}

// waitApply reads applied operations until seq shows up. It returns the
// operations seen before it.
func waitApply(t *testing.T, n *testNode, seq uint64) (raftnode.Apply, []raftnode.Apply) {
	t.Helper()
	var before []raftnode.Apply
	timeout := time.After(waitTimeout)
	for {
		select {
		case ap := <-n.applyC:
			if ap.Seq == seq {
				return ap, before
			}
			before = append(before, ap)
		case <-timeout:
			t.Fatalf("node %d did not apply seq %d", n.NodeID(), seq)
		}
	}
}
