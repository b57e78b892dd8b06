package raftnode

import "errors"

var (
	// ErrNotLeader is returned to a proposal submitted to a node that does not
	// currently believe itself the leader. The caller should retry on the leader.
	ErrNotLeader = errors.New("raftnode: not leader")
	// ErrDuplicateSeq is returned to a proposal whose sequence number is still
	// pending on this node. The earlier proposal is unaffected.
	ErrDuplicateSeq = errors.New("raftnode: duplicate sequence number")
	// ErrProposalDropped is returned when a proposal was overwritten by another
	// leader's entry or was refused by the consensus engine.
	ErrProposalDropped = errors.New("raftnode: proposal dropped")
	ErrStopped         = errors.New("raftnode: node stopped")
	ErrMalformedEntry  = errors.New("raftnode: malformed entry")
	// ErrAddrTooLong is returned for a node address longer than MaxAddrLen.
	ErrAddrTooLong = errors.New("raftnode: address too long")
	// ErrEntryTooLarge is returned to a proposal whose encoded operation is
	// larger than Options.MaxEntrySize.
	ErrEntryTooLarge = errors.New("raftnode: entry too large")

	ErrSendQueueFull      = errors.New("raftnode: send queue is full")
	ErrCircuitBreakerOpen = errors.New("raftnode: circuit breaker not ready")
)

// StorageError marks a log store failure. The driver stops on it and reports
// it through Node.Fatal.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return "raftnode: storage " + e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsStorageError reports whether err is, or wraps, a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
