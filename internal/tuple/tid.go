package tuple

// TID is an opaque, monotonic timestamp identifying when a tuple's
// carried record bytes became current. It has comparison-only
// semantics within this package: callers must not assume anything
// about its numeric value beyond ordering.
//
// The source this package is derived from left MIN_TID doing double
// duty as both the "no value exists yet" sentinel and the wraparound
// boundary of a narrow counter, and explicitly declined to implement
// wraparound. This package takes the wider-type option instead: TID is
// 64 bits, MinTID is the sole "no value" sentinel, and wraparound is
// treated as eliminated in practice.
type TID uint64

// MinTID denotes "no value ever existed" (a tombstone, or a tuple that
// has never been written). It is never a valid, live record's TID.
const MinTID TID = 0

// MaxTID is reserved as a read-bound sentinel meaning "return whatever
// is current." It is never written as a record's own TID.
const MaxTID TID = ^TID(0)
