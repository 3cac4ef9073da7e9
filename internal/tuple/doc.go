// Package tuple implements the versioned record cell used as the leaf
// value of a transactional in-memory index: a packed atomic header with
// a CAS-based spinlock, an optimistic stable-read protocol, an
// in-place-vs-spill write path, and chain-level reclamation helpers.
//
// A Tuple owns its inline record bytes and, for big tuples, a pointer to
// the next-older version in its chain. The package has two external
// collaborators it never imports directly: a CanOverwriteRecord oracle
// supplied per write by the caller's transaction layer, and a Retirer
// (an SMR runtime) that reclamation defers frees through.
package tuple
