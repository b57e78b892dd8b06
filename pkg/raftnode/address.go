package raftnode

import (
	"sort"

	wkproto "github.com/WuKongIM/WuKongIMGoProto"
)

// MaxAddrLen bounds a node address. Addresses travel as wkproto strings.
const MaxAddrLen = 1024

func checkAddr(addr string) error {
	if len(addr) > MaxAddrLen {
		return ErrAddrTooLong
	}
	return nil
}

// AddressEntry is one node's address. Version is the log index of the
// committed configuration change that set it, 0 for bootstrap addresses.
type AddressEntry struct {
	Addr    string
	Version uint64
}

// AddressTable maps node ids to addresses. A table handed out by the driver is
// never mutated afterwards.
type AddressTable struct {
	Entries map[uint64]AddressEntry
}

func NewAddressTable() AddressTable {
	return AddressTable{Entries: make(map[uint64]AddressEntry)}
}

func (t AddressTable) Len() int {
	return len(t.Entries)
}

func (t AddressTable) Addr(nodeID uint64) (string, bool) {
	e, ok := t.Entries[nodeID]
	return e.Addr, ok
}

// Version is the highest entry version in the table.
func (t AddressTable) Version() uint64 {
	var v uint64
	for _, e := range t.Entries {
		if e.Version > v {
			v = e.Version
		}
	}
	return v
}

// NodeIDs returns the ids in ascending order.
func (t AddressTable) NodeIDs() []uint64 {
	ids := make([]uint64, 0, len(t.Entries))
	for id := range t.Entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Map returns a plain id -> addr copy.
func (t AddressTable) Map() map[uint64]string {
	m := make(map[uint64]string, len(t.Entries))
	for id, e := range t.Entries {
		m[id] = e.Addr
	}
	return m
}

func (t AddressTable) clone() AddressTable {
	c := AddressTable{Entries: make(map[uint64]AddressEntry, len(t.Entries)+1)}
	for id, e := range t.Entries {
		c.Entries[id] = e
	}
	return c
}

// supersedes reports whether e should replace the local entry cur.
func (e AddressEntry) supersedes(cur AddressEntry, known bool) bool {
	if !known {
		return true
	}
	return e.Version > cur.Version
}

func (t AddressTable) Marshal() ([]byte, error) {
	enc := wkproto.NewEncoder()
	ids := t.NodeIDs()
	enc.WriteUint32(uint32(len(ids)))
	for _, id := range ids {
		e := t.Entries[id]
		enc.WriteUint64(id)
		enc.WriteString(e.Addr)
		enc.WriteUint64(e.Version)
	}
	return enc.Bytes(), nil
}

func (t *AddressTable) Unmarshal(data []byte) error {
	dec := wkproto.NewDecoder(data)
	count, err := dec.Uint32()
	if err != nil {
		return err
	}
	t.Entries = make(map[uint64]AddressEntry)
	for i := uint32(0); i < count; i++ {
		var (
			id uint64
			e  AddressEntry
		)
		if id, err = dec.Uint64(); err != nil {
			return err
		}
		if e.Addr, err = dec.String(); err != nil {
			return err
		}
		if e.Version, err = dec.Uint64(); err != nil {
			return err
		}
		t.Entries[id] = e
	}
	return nil
}
