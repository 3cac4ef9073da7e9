package main

import (
	"context"

	"sehlabs.com/tuplekv/internal/db"
)

// database is the surface this server needs from a store: enough to run
// request handlers inside a transaction without depending on the
// concrete store implementation.
type database interface {
	WithinTransaction(ctx context.Context, f func(context.Context, db.Transaction) (commit bool, err error)) error
}
