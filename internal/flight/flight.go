// Package flight deduplicates concurrent callers of the same logical
// operation. While a computation for a key is in progress, later callers with
// that key wait for it and share its result (including its error) instead of
// starting a second run. Once the computation settles the key is released, so
// the next call starts fresh.
//
// Coalescing is process-local. It only suppresses duplicates that overlap in
// time; duplicates arriving after the first run settles are the idempotency
// ledger's job.
package flight

import "golang.org/x/sync/singleflight"

type Group struct {
	sf singleflight.Group
}

// Run invokes fn for key unless a run for the same key is already in
// progress, in which case the caller blocks and receives that run's outcome.
// shared reports whether the result was delivered to more than one caller.
func (g *Group) Run(key string, fn func() (any, error)) (v any, shared bool, err error) {
	v, err, shared = g.sf.Do(key, fn)
	return v, shared, err
}
