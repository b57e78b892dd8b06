package kvstore

import (
	"fmt"

	wkproto "github.com/WuKongIM/WuKongIMGoProto"
	"github.com/WuKongIM/kvraft/pkg/raftnode"
	"github.com/pkg/errors"
)

const (
	// MaxKeyLen bounds keys to what a wkproto string can carry.
	MaxKeyLen = 4096
	// MaxValueLen is the hard ceiling for a value. Servers configure a lower
	// limit that fits the raft transport.
	MaxValueLen = 16 * 1024 * 1024
)

var (
	ErrKeyTooLong    = errors.New("kvstore: key too long")
	ErrValueTooLarge = errors.New("kvstore: value too large")
)

type OpType uint8

const (
	OpPut OpType = iota + 1
	OpDelete
)

func (t OpType) String() string {
	switch t {
	case OpPut:
		return "PUT"
	case OpDelete:
		return "DELETE"
	}
	return fmt.Sprintf("OpType(%d)", uint8(t))
}

// Op is one replicated key-value command.
type Op struct {
	Type  OpType
	Key   string
	Value []byte
}

func Put(key string, value []byte) *Op {
	return &Op{Type: OpPut, Key: key, Value: value}
}

func Delete(key string) *Op {
	return &Op{Type: OpDelete, Key: key}
}

func (o *Op) Marshal() ([]byte, error) {
	if o.Type != OpPut && o.Type != OpDelete {
		return nil, errors.Errorf("kvstore: unknown op type %d", o.Type)
	}
	if len(o.Key) > MaxKeyLen {
		return nil, ErrKeyTooLong
	}
	if len(o.Value) > MaxValueLen {
		return nil, ErrValueTooLarge
	}
	enc := wkproto.NewEncoder()
	enc.WriteUint8(uint8(o.Type))
	enc.WriteString(o.Key)
	enc.WriteBytes(o.Value)
	return enc.Bytes(), nil
}

func (o *Op) Unmarshal(data []byte) error {
	dec := wkproto.NewDecoder(data)
	typ, err := dec.Uint8()
	if err != nil {
		return errors.Wrap(err, "decode op type")
	}
	o.Type = OpType(typ)
	if o.Type != OpPut && o.Type != OpDelete {
		return errors.Errorf("kvstore: unknown op type %d", typ)
	}
	if o.Key, err = dec.String(); err != nil {
		return errors.Wrap(err, "decode key")
	}
	if o.Value, err = dec.BinaryAll(); err != nil {
		return errors.Wrap(err, "decode value")
	}
	return nil
}

// Decode is the raftnode.DecodeFunc for kv operations.
func Decode(data []byte) (raftnode.Operation, error) {
	op := &Op{}
	if err := op.Unmarshal(data); err != nil {
		return nil, err
	}
	return op, nil
}
