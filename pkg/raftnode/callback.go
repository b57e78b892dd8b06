package raftnode

type pending struct {
	cb    Callback
	index uint64 // 提案在日志中的下标，0表示尚未追加
	term  uint64
}

// callbackRegistry maps outstanding sequence numbers to their callbacks.
// Owned by the driver goroutine.
type callbackRegistry struct {
	m map[uint64]*pending
}

func newCallbackRegistry() *callbackRegistry {
	return &callbackRegistry{
		m: make(map[uint64]*pending),
	}
}

// register stores cb under seq. A seq that is still pending is refused with
// ErrDuplicateSeq and the existing callback is kept.
func (c *callbackRegistry) register(seq uint64, cb Callback) error {
	if _, ok := c.m[seq]; ok {
		return ErrDuplicateSeq
	}
	c.m[seq] = &pending{cb: cb}
	return nil
}

// bind records where the proposal for seq landed in the log.
func (c *callbackRegistry) bind(seq, index, term uint64) {
	if p, ok := c.m[seq]; ok && p.index == 0 {
		p.index = index
		p.term = term
	}
}

// resolve removes and invokes the callback for seq. It reports whether a
// callback was registered.
func (c *callbackRegistry) resolve(seq uint64, res Result) bool {
	p, ok := c.m[seq]
	if !ok {
		return false
	}
	delete(c.m, seq)
	if p.cb != nil {
		p.cb(res)
	}
	return true
}

// dropOverwritten fails every callback whose entry sat at or below committed
// and was not resolved: another leader's entry replaced it.
func (c *callbackRegistry) dropOverwritten(committed uint64, res Result) int {
	n := 0
	for seq, p := range c.m {
		if p.index != 0 && p.index <= committed {
			delete(c.m, seq)
			if p.cb != nil {
				p.cb(res)
			}
			n++
		}
	}
	return n
}

func (c *callbackRegistry) failAll(res Result) {
	for seq, p := range c.m {
		delete(c.m, seq)
		if p.cb != nil {
			p.cb(res)
		}
	}
}

func (c *callbackRegistry) len() int {
	return len(c.m)
}

// dropUnbound fails the proposals among seqs that never reached the log. The
// engine silently replaces a configuration change it refuses with an empty
// entry, so such a proposal would otherwise never resolve.
func (c *callbackRegistry) dropUnbound(seqs []uint64, res Result) int {
	n := 0
	for _, seq := range seqs {
		if p, ok := c.m[seq]; ok && p.index == 0 {
			delete(c.m, seq)
			if p.cb != nil {
				p.cb(res)
			}
			n++
		}
	}
	return n
}
