package raftnode

import (
	"fmt"

	wkproto "github.com/WuKongIM/WuKongIMGoProto"
)

const envelopeVersion uint8 = 1

// encodeProposal wraps an operation payload with the proposer id and the
// caller's sequence number.
func encodeProposal(origin, seq uint64, payload []byte) []byte {
	enc := wkproto.NewEncoder()
	enc.WriteUint8(envelopeVersion)
	enc.WriteUint64(origin)
	enc.WriteUint64(seq)
	enc.WriteBytes(payload)
	return enc.Bytes()
}

func decodeProposal(data []byte) (origin, seq uint64, payload []byte, err error) {
	dec := wkproto.NewDecoder(data)
	var version uint8
	if version, err = dec.Uint8(); err != nil {
		return
	}
	if version != envelopeVersion {
		err = fmt.Errorf("unknown envelope version %d", version)
		return
	}
	if origin, err = dec.Uint64(); err != nil {
		return
	}
	if seq, err = dec.Uint64(); err != nil {
		return
	}
	payload, err = dec.BinaryAll()
	return
}

// encodeConfContext is stored in raftpb.ConfChange.Context.
func encodeConfContext(origin, seq uint64, addr string) []byte {
	enc := wkproto.NewEncoder()
	enc.WriteUint8(envelopeVersion)
	enc.WriteUint64(origin)
	enc.WriteUint64(seq)
	enc.WriteString(addr)
	return enc.Bytes()
}

func decodeConfContext(ctx []byte) (origin, seq uint64, addr string, err error) {
	dec := wkproto.NewDecoder(ctx)
	var version uint8
	if version, err = dec.Uint8(); err != nil {
		return
	}
	if version != envelopeVersion {
		err = fmt.Errorf("unknown envelope version %d", version)
		return
	}
	if origin, err = dec.Uint64(); err != nil {
		return
	}
	if seq, err = dec.Uint64(); err != nil {
		return
	}
	addr, err = dec.String()
	return
}
