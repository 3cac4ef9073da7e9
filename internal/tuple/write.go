package tuple

// CanOverwriteRecord is the transaction layer's oracle, the core's
// only write-time external contract: it decides whether a new write
// may discard existing's bytes in place rather than spill them onto
// the version chain. The tuple core treats it as opaque.
type CanOverwriteRecord func(existing, next TID) bool

// WriteRecordAt implements the write path (spec §4.5). The caller must
// already hold t's lock and t must currently be the head (latest set).
// payload/len(payload) is the new record; a zero-length payload is a
// tombstone write.
//
// It returns spilled (true iff a new older-version node was created
// and linked) and replacement (non-nil iff a brand-new head was
// allocated, which the caller must swing the index to and then unlock
// the now-demoted old head).
func WriteRecordAt(t *Tuple, overwrite CanOverwriteRecord, next TID, payload []byte) (spilled bool, replacement *Tuple) {
	h := t.hdr.snapshot()
	if !h.locked() {
		panic("tuple: WriteRecordAt called without holding the lock")
	}
	if !h.latest() {
		panic("tuple: WriteRecordAt called on a non-head tuple")
	}

	existing := TID(t.tid.Load())
	sz := len(payload)
	canOverwrite := overwrite(existing, next)
	if sz == 0 {
		t.counters.recordLogicalDelete()
	}

	switch {
	case canOverwrite && sz <= t.capacity:
		t.overwriteInPlace(next, payload)
		t.counters.recordInPlace()
		return false, nil

	case canOverwrite:
		t.counters.recordInsufficient(false)
		newHead := newBigTuple(next, payload, t, true, t.counters)
		t.clearLatest()
		return false, newHead

	case t.IsBig() && sz <= t.capacity:
		_, priorPayload := t.peekForSpill()
		older := newBigTuple(existing, priorPayload, t.next.Load(), false, t.counters)
		t.setNext(older)
		t.overwriteInPlace(next, payload)
		t.counters.recordSpill(len(priorPayload))
		return true, nil

	default:
		t.counters.recordInsufficient(true)
		spilledLen := t.Size()
		newHead := newBigTuple(next, payload, t, true, t.counters)
		t.clearLatest()
		t.counters.recordSpill(spilledLen)
		return true, newHead
	}
}

// peekForSpill copies the tuple's current (tid, bytes) without the
// holding-the-lock assertion PeekLocked uses externally: WriteRecordAt
// is itself the lock holder calling this internally mid-decision.
func (t *Tuple) peekForSpill() (TID, []byte) {
	n := t.size.Load()
	out := make([]byte, n)
	copy(out, t.record[:n])
	return TID(t.tid.Load()), out
}
