package db

import (
	"context"

	"sehlabs.com/tuplekv/internal/tuple"
)

// Vacuum prunes and reclaims tuple chain history that no read path can
// ever reach again. Every ordinary Get reads at committedHorizon and
// stops at the first node whose TID is visible there (tuple.Read's own
// chain walk); nothing in this store ever issues a read at an older
// snapshot TID, so any node behind that first visible node is pure
// history nobody will ever consult again. Vacuum unlinks and releases
// exactly that dead suffix, through the store's smr.Manager, on every
// shard.
//
// Vacuum is safe to run concurrently with ongoing transactions: it
// follows the same lock-before-shard-lock discipline as a writer
// replacing a head, and the re-validation in lockHead means a writer
// that raced past a just-removed index entry simply retries against a
// freshly created tuple. It checks ctx between shards, so a caller
// running it on a timer can cancel a pass that's taking too long
// without corrupting any in-progress shard.
func (s *ShardedStore) Vacuum(ctx context.Context) error {
	for i := range s.recordMaps {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		s.vacuumShard(&s.recordMaps[i])
	}
	return nil
}

func (s *ShardedStore) vacuumShard(rm *recordMap) {
	rm.lock.RLock()
	keys := make([]string, 0, len(rm.recordsByKey))
	for k := range rm.recordsByKey {
		keys = append(keys, k)
	}
	rm.lock.RUnlock()

	for _, k := range keys {
		s.vacuumKey(rm, Key(k))
	}
}

func (s *ShardedStore) vacuumKey(rm *recordMap, k Key) {
	head, ok := rm.lookup(k)
	if !ok {
		return
	}

	head.Lock()
	if current, ok := rm.lookup(k); !ok || current != head {
		// Someone replaced or removed this entry since we looked it up; leave it for the
		// next pass rather than chase a pointer that's no longer indexed.
		head.Unlock()
		return
	}

	keep := head
	if isProvisional(keep.TID()) {
		// A transaction's in-flight write always lives at the head; its history starts
		// one node back.
		keep = keep.Next()
	}
	for keep != nil && keep.TID() > committedHorizon {
		keep = keep.Next()
	}

	var tail *tuple.Tuple
	if keep != nil && keep != head {
		keep.Lock()
		tail = keep.DetachNextLocked()
		keep.Unlock()
	} else if keep == head {
		tail = head.DetachNextLocked()
	}

	removed := false
	if keep == head && head.Size() == 0 && head.Next() == nil {
		removed = rm.remove(k, head)
	}
	head.Unlock()

	if tail != nil {
		tuple.GCChain(tail, s.reclaim)
	}
	if removed {
		tuple.Release(head, s.reclaim)
	}
}
