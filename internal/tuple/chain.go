package tuple

// Walk visits head and every older node reachable via Next, newest
// first, invoking visit on each. It stops early if visit returns
// false. Walk performs plain (unbracketed) Next loads; callers that
// need a version-consistent read should use Read instead. It exists
// for maintenance operations (vacuum, diagnostics) that only need
// structural traversal, not snapshot consistency.
func Walk(head *Tuple, visit func(*Tuple) bool) {
	for node := head; node != nil; node = node.Next() {
		if !visit(node) {
			return
		}
	}
}

// Length returns the number of nodes reachable from head, inclusive.
// Intended for tests and diagnostics, not hot paths.
func Length(head *Tuple) int {
	n := 0
	Walk(head, func(*Tuple) bool {
		n++
		return true
	})
	return n
}
