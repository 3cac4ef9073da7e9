// Package smr provides epoch-based safe memory reclamation for
// internal/tuple's Retirer contract: a deferred free only ever runs
// once every reader that might still observe the freed tuple has left
// its epoch.
package smr
