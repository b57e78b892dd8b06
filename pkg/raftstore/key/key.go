package key

import (
	"encoding/binary"
)

const (
	logKeySize       uint64 = 12
	hardStateKeySize uint64 = 4
	snapshotKeySize  uint64 = 4
	maxIndexKeySize  uint64 = 4
)

var (
	logKeyHeader       = [2]byte{0x1, 0x1}
	hardStateKeyHeader = [2]byte{0x2, 0x2}
	snapshotKeyHeader  = [2]byte{0x3, 0x3}
	maxIndexKeyHeader  = [2]byte{0x4, 0x4}
)

// NewLogKey 日志key，按index大端序排列
func NewLogKey(index uint64) []byte {
	key := make([]byte, logKeySize)
	key[0] = logKeyHeader[0]
	key[1] = logKeyHeader[1]
	binary.BigEndian.PutUint64(key[4:], index)
	return key
}

func GetIndexFromLogKey(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[4:])
}

func NewHardStateKey() []byte {
	return newFixedKey(hardStateKeySize, hardStateKeyHeader)
}

func NewSnapshotKey() []byte {
	return newFixedKey(snapshotKeySize, snapshotKeyHeader)
}

func NewMaxIndexKey() []byte {
	return newFixedKey(maxIndexKeySize, maxIndexKeyHeader)
}

func newFixedKey(size uint64, header [2]byte) []byte {
	key := make([]byte, size)
	key[0] = header[0]
	key[1] = header[1]
	return key
}
