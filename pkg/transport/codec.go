package transport

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is the grpc content subtype used by the raft service.
const CodecName = "kvraft"

type marshaler interface {
	Marshal() ([]byte, error)
}

type unmarshaler interface {
	Unmarshal(data []byte) error
}

// codec serializes any message that knows how to marshal itself: raft
// messages, address tables and the empty ack.
type codec struct{}

func (codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(marshaler)
	if !ok {
		return nil, fmt.Errorf("kvraft codec: cannot marshal %T", v)
	}
	return m.Marshal()
}

func (codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(unmarshaler)
	if !ok {
		return fmt.Errorf("kvraft codec: cannot unmarshal into %T", v)
	}
	return m.Unmarshal(data)
}

func (codec) Name() string {
	return CodecName
}

func init() {
	encoding.RegisterCodec(codec{})
}

type ack struct{}

func (ack) Marshal() ([]byte, error) {
	return nil, nil
}

func (*ack) Unmarshal(data []byte) error {
	return nil
}
