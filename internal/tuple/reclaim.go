package tuple

// Retirer is the SMR runtime's contract as seen from this package:
// defer_free(ptr, dtor), expressed in Go as a single closure so the
// pointer and its destructor travel together. internal/smr.Manager
// satisfies this interface.
type Retirer interface {
	DeferFree(func())
}

// Release marks t as deleting and defers its destructor through r
// until every reader that could have observed t has passed through a
// quiescent state.
func Release(t *Tuple, r Retirer) {
	t.Lock()
	t.setDeleting()
	t.Unlock()
	r.DeferFree(func() { t.destroy() })
}

// ReleaseNoRCU is the synchronous variant for shutdown or test-only
// paths where no concurrent reader can exist. It still takes the lock
// and sets deleting before freeing, preserving the invariant that
// deleting is only ever set under the lock.
func ReleaseNoRCU(t *Tuple) {
	t.Lock()
	t.setDeleting()
	t.Unlock()
	t.destroy()
}

// GCChain walks the chain newest-first starting at head and releases
// every node through r. After GCChain returns, no structural invariant
// holds on any freed node, but readers that entered their epoch before
// the call may still traverse live references until they leave it.
func GCChain(head *Tuple, r Retirer) {
	node := head
	for node != nil {
		next := node.Next()
		Release(node, r)
		node = next
	}
}
