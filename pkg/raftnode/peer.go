package raftnode

import (
	"fmt"
	"strconv"

	"github.com/WuKongIM/kvraft/pkg/wklog"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type peer struct {
	addr string
	conn Conn
}

// peerRegistry owns the outbound connections and the address table. Only the
// driver goroutine touches it.
type peerRegistry struct {
	nodeID    uint64
	transport Transport
	peers     map[uint64]*peer
	table     AddressTable
	onReset   func(nodeID uint64) // 连接被替换时回调
	gauge     prometheus.Gauge
	wklog.Log
}

func newPeerRegistry(nodeID uint64, transport Transport) *peerRegistry {
	return &peerRegistry{
		nodeID:    nodeID,
		transport: transport,
		peers:     make(map[uint64]*peer),
		table:     NewAddressTable(),
		gauge:     peersGauge.WithLabelValues(strconv.FormatUint(nodeID, 10)),
		Log:       wklog.NewWKLog(fmt.Sprintf("PeerRegistry[%d]", nodeID)),
	}
}

// ensure opens a connection to addr for nodeID, replacing and closing the
// previous one if the address changed.
func (p *peerRegistry) ensure(nodeID uint64, addr string) error {
	if nodeID == p.nodeID || addr == "" {
		return nil
	}
	old, ok := p.peers[nodeID]
	if ok && old.addr == addr {
		return nil
	}
	conn, err := p.transport.Connect(nodeID, addr)
	if err != nil {
		return err
	}
	p.peers[nodeID] = &peer{addr: addr, conn: conn}
	if ok {
		if err := old.conn.Close(); err != nil {
			p.Debug("close stale connection failed", zap.Uint64("nodeID", nodeID), zap.Error(err))
		}
		if p.onReset != nil {
			p.onReset(nodeID)
		}
	}
	p.gauge.Set(float64(len(p.peers)))
	return nil
}

// get returns the connection for nodeID. A peer known only from the address
// table is connected lazily.
func (p *peerRegistry) get(nodeID uint64) (Conn, bool) {
	if pr, ok := p.peers[nodeID]; ok {
		return pr.conn, true
	}
	addr, ok := p.table.Addr(nodeID)
	if !ok {
		return nil, false
	}
	if err := p.ensure(nodeID, addr); err != nil {
		p.Warn("connect to peer failed", zap.Uint64("nodeID", nodeID), zap.String("addr", addr), zap.Error(err))
		return nil, false
	}
	pr, ok := p.peers[nodeID]
	if !ok {
		return nil, false
	}
	return pr.conn, true
}

// set records an address decided locally (bootstrap or a committed
// configuration change). It never lowers the version of an entry.
func (p *peerRegistry) set(nodeID uint64, addr string, version uint64) {
	cur, known := p.table.Entries[nodeID]
	if known && (cur.Version > version || (cur.Version == version && cur.Addr == addr)) {
		return
	}
	if err := p.ensure(nodeID, addr); err != nil {
		// 地址仍然记录，发送时再尝试连接
		p.Warn("connect to peer failed", zap.Uint64("nodeID", nodeID), zap.String("addr", addr), zap.Error(err))
	}
	table := p.table.clone()
	table.Entries[nodeID] = AddressEntry{Addr: addr, Version: version}
	p.table = table
}

// merge folds a gossiped table into the local one. Entries win only with a
// strictly higher version, so merging is idempotent and never regresses.
// It returns the ids whose address was adopted.
func (p *peerRegistry) merge(remote AddressTable) []uint64 {
	var (
		changed []uint64
		table   AddressTable
	)
	for _, nodeID := range remote.NodeIDs() {
		re := remote.Entries[nodeID]
		if err := checkAddr(re.Addr); err != nil {
			p.Warn("ignore gossiped address", zap.Uint64("nodeID", nodeID), zap.Int("len", len(re.Addr)), zap.Error(err))
			continue
		}
		cur, known := p.table.Entries[nodeID]
		if !re.supersedes(cur, known) {
			continue
		}
		if !known || cur.Addr != re.Addr {
			if err := p.ensure(nodeID, re.Addr); err != nil {
				p.Warn("connect to gossiped peer failed", zap.Uint64("nodeID", nodeID), zap.String("addr", re.Addr), zap.Error(err))
				continue
			}
		}
		if table.Entries == nil {
			table = p.table.clone()
		}
		table.Entries[nodeID] = re
		changed = append(changed, nodeID)
	}
	if table.Entries != nil {
		p.table = table
	}
	return changed
}

func (p *peerRegistry) addresses() AddressTable {
	return p.table
}

func (p *peerRegistry) close() {
	for nodeID, pr := range p.peers {
		if err := pr.conn.Close(); err != nil {
			p.Debug("close connection failed", zap.Uint64("nodeID", nodeID), zap.Error(err))
		}
		delete(p.peers, nodeID)
	}
	p.gauge.Set(0)
}
