package tuple

import "sync/atomic"

// Counters holds the observability counters the spec calls out as
// "non-load-bearing": nothing in the core reads them back to make a
// decision. A nil *Counters is valid everywhere one is accepted; all
// methods on a nil receiver are no-ops, so callers that don't care
// about instrumentation can pass nil at construction.
type Counters struct {
	creates         atomic.Uint64
	logicalDeletes  atomic.Uint64
	physicalDeletes atomic.Uint64
	bytesAllocated  atomic.Uint64
	bytesFreed      atomic.Uint64
	inPlaceHits     atomic.Uint64
	spills          atomic.Uint64
	spillBytesSum   atomic.Uint64
	insufficient    atomic.Uint64
	insufficientSpl atomic.Uint64
	lockSpinsSum    atomic.Uint64
	lockAcquires    atomic.Uint64
	stableSpinsSum  atomic.Uint64
	stableReads     atomic.Uint64
	readRetriesSum  atomic.Uint64
	reads           atomic.Uint64
}

// NewCounters allocates a fresh, zeroed counter set.
func NewCounters() *Counters {
	return &Counters{}
}

func (c *Counters) recordCreate(capacity int) {
	if c == nil {
		return
	}
	c.creates.Add(1)
	c.bytesAllocated.Add(uint64(capacity))
}

func (c *Counters) recordLogicalDelete() {
	if c == nil {
		return
	}
	c.logicalDeletes.Add(1)
}

func (c *Counters) recordPhysicalDelete(bytesFreed int) {
	if c == nil {
		return
	}
	c.physicalDeletes.Add(1)
	c.bytesFreed.Add(uint64(bytesFreed))
}

func (c *Counters) recordInPlace() {
	if c == nil {
		return
	}
	c.inPlaceHits.Add(1)
}

func (c *Counters) recordInsufficient(spilled bool) {
	if c == nil {
		return
	}
	c.insufficient.Add(1)
	if spilled {
		c.insufficientSpl.Add(1)
	}
}

func (c *Counters) recordSpill(length int) {
	if c == nil {
		return
	}
	c.spills.Add(1)
	c.spillBytesSum.Add(uint64(length))
}

func (c *Counters) recordLock(spins int) {
	if c == nil {
		return
	}
	c.lockAcquires.Add(1)
	c.lockSpinsSum.Add(uint64(spins))
}

func (c *Counters) recordStableVersion(spins int) {
	if c == nil {
		return
	}
	c.stableReads.Add(1)
	c.stableSpinsSum.Add(uint64(spins))
}

func (c *Counters) recordReadRetry() {
	if c == nil {
		return
	}
	c.readRetriesSum.Add(1)
}

func (c *Counters) recordRead() {
	if c == nil {
		return
	}
	c.reads.Add(1)
}

// Snapshot is a point-in-time, non-atomic-as-a-whole view of Counters
// suitable for logging or metrics export. Averages are computed from
// the underlying sums at snapshot time.
type Snapshot struct {
	Creates                 uint64
	LogicalDeletes          uint64
	PhysicalDeletes         uint64
	BytesAllocated          uint64
	BytesFreed              uint64
	InPlaceHits             uint64
	Spills                  uint64
	InPlaceInsufficient     uint64
	InPlaceInsufficientSpl  uint64
	AverageSpillLength      float64
	AverageLockAcquireSpins float64
	AverageStableVersionSpi float64
	AverageReadRetries      float64
}

// Snapshot reads every counter and computes the derived averages.
func (c *Counters) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	s := Snapshot{
		Creates:                c.creates.Load(),
		LogicalDeletes:         c.logicalDeletes.Load(),
		PhysicalDeletes:        c.physicalDeletes.Load(),
		BytesAllocated:         c.bytesAllocated.Load(),
		BytesFreed:             c.bytesFreed.Load(),
		InPlaceHits:            c.inPlaceHits.Load(),
		Spills:                 c.spills.Load(),
		InPlaceInsufficient:    c.insufficient.Load(),
		InPlaceInsufficientSpl: c.insufficientSpl.Load(),
	}
	if s.Spills > 0 {
		s.AverageSpillLength = float64(c.spillBytesSum.Load()) / float64(s.Spills)
	}
	if acquires := c.lockAcquires.Load(); acquires > 0 {
		s.AverageLockAcquireSpins = float64(c.lockSpinsSum.Load()) / float64(acquires)
	}
	if reads := c.stableReads.Load(); reads > 0 {
		s.AverageStableVersionSpi = float64(c.stableSpinsSum.Load()) / float64(reads)
	}
	if reads := c.reads.Load(); reads > 0 {
		s.AverageReadRetries = float64(c.readRetriesSum.Load()) / float64(reads)
	}
	return s
}
