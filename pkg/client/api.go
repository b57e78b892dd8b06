package client

// Member is one entry of the cluster address table.
type Member struct {
	ID      uint64 `json:"id"`
	Addr    string `json:"addr"`
	Version uint64 `json:"version,omitempty"`
}

type Status struct {
	ID           uint64 `json:"id"`
	LeaderID     uint64 `json:"leader_id"`
	IsLeader     bool   `json:"is_leader"`
	Term         uint64 `json:"term"`
	Committed    uint64 `json:"committed"`
	Applied      uint64 `json:"applied"`
	Pending      int    `json:"pending"`
	AppliedIndex uint64 `json:"applied_index"` // 状态机已应用的下标
	Keys         int    `json:"keys"`
}

type KV struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
	Index uint64 `json:"index"`
}

// WriteResult is returned by every successful write.
type WriteResult struct {
	Index uint64 `json:"index"`
}

// NotLeader is the payload of a 421 reply.
type NotLeader struct {
	LeaderID uint64   `json:"leader_id"`
	Members  []Member `json:"members"`
}

// envelope is the wkhttp response body.
type envelope struct {
	Status int    `json:"status"`
	Msg    string `json:"msg"`
}
