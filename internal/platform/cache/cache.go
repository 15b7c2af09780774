// Package cache stores rendered read models under a scope that can be
// invalidated as a whole.
package cache

import (
	"context"
	"errors"
)

// ErrMiss is returned by Get when no live entry exists.
var ErrMiss = errors.New("cache miss")

// Generation identifies the state of a scope between two invalidations.
type Generation int64

// ViewCache holds JSON-encodable values grouped by scope. Invalidate drops
// every entry of a scope at once and starts a new generation.
//
// Get reports the generation it observed, hit or miss. A value loaded after
// a miss must be written back with that generation; Set discards it when the
// scope was invalidated in between, so a read that raced a write never
// repopulates the scope with data older than the invalidation.
type ViewCache interface {
	Get(ctx context.Context, scope, key string, dst interface{}) (Generation, error)
	Set(ctx context.Context, scope string, gen Generation, key string, v interface{}) error
	Invalidate(ctx context.Context, scope string) error
}
