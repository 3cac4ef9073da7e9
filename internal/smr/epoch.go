package smr

import "sync"

// pendingFree is one deferred destructor, tagged with the epoch that
// was current when it was deferred: it may only run once every guard
// entered at or before that epoch has exited.
type pendingFree struct {
	epoch uint64
	fn    func()
}

// Manager tracks active readers (guards) by the epoch they entered at
// and holds deferred frees until they become safe to run. It satisfies
// internal/tuple.Retirer.
//
// The active-timestamp bookkeeping here is the same shape as an
// epoch.Manager's Register/Unregister/MinActive: a reference-counted
// map from epoch to active-guard count, with the minimum key as the
// reclamation horizon. What's added on top is ownership of the actual
// deferred-free queue and the monotonic epoch counter that DeferFree
// advances, since a tuple's Retirer needs somewhere to put the
// destructor, not just a horizon to compare against.
type Manager struct {
	mu      sync.Mutex
	epoch   uint64
	active  map[uint64]int
	pending []pendingFree
}

// NewManager returns a Manager starting at epoch 0 with no active
// guards and nothing pending.
func NewManager() *Manager {
	return &Manager{active: make(map[uint64]int)}
}

// Guard marks one goroutine's traversal of tuple chains as in
// progress. It must be exited exactly once.
type Guard struct {
	m     *Manager
	epoch uint64
}

// Enter registers a new guard at the manager's current epoch. Callers
// must hold no Guard already and must call Exit when they are done
// walking any chain reachable from the store.
func (m *Manager) Enter() *Guard {
	m.mu.Lock()
	e := m.epoch
	m.active[e]++
	m.mu.Unlock()
	return &Guard{m: m, epoch: e}
}

// Exit retires the guard and opportunistically runs any deferred free
// whose epoch has become safe as a result.
func (g *Guard) Exit() {
	m := g.m
	m.mu.Lock()
	if c := m.active[g.epoch]; c <= 1 {
		delete(m.active, g.epoch)
	} else {
		m.active[g.epoch] = c - 1
	}
	m.mu.Unlock()
	m.reclaim()
}

// DeferFree tags fn with the manager's current epoch, advances the
// epoch so every guard entered from now on is automatically past it,
// and queues fn to run once no active guard predates it. It satisfies
// internal/tuple.Retirer.
func (m *Manager) DeferFree(fn func()) {
	m.mu.Lock()
	e := m.epoch
	m.epoch++
	m.pending = append(m.pending, pendingFree{epoch: e, fn: fn})
	m.mu.Unlock()
	m.reclaim()
}

// minActiveLocked returns the smallest epoch with at least one active
// guard, and false if no guard is active. Callers must hold m.mu.
func (m *Manager) minActiveLocked() (uint64, bool) {
	if len(m.active) == 0 {
		return 0, false
	}
	min := ^uint64(0)
	for e := range m.active {
		if e < min {
			min = e
		}
	}
	return min, true
}

// reclaim runs every pending free whose epoch predates the current
// reclamation horizon. Destructors run outside the manager's lock so a
// destructor that itself calls back into the manager (a chain of
// Release calls during gc_chain, say) cannot deadlock against it.
func (m *Manager) reclaim() {
	m.mu.Lock()
	horizon, hasActive := m.minActiveLocked()
	runnable := make([]func(), 0, len(m.pending))
	kept := m.pending[:0]
	for _, p := range m.pending {
		if hasActive && p.epoch >= horizon {
			kept = append(kept, p)
			continue
		}
		runnable = append(runnable, p.fn)
	}
	m.pending = kept
	m.mu.Unlock()

	for _, fn := range runnable {
		fn()
	}
}

// ActiveCount reports the number of currently active guards, for
// diagnostics.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.active {
		n += c
	}
	return n
}

// PendingCount reports the number of frees not yet safe to run, for
// diagnostics and tests.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
