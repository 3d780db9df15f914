package lock

import (
	"context"
	"sync/atomic"
)

// Owner identifies a logical caller. Locks are reentrant per owner.
type Owner uint64

type ownerKey struct{}

var lastOwner uint64

func newOwner() Owner {
	return Owner(atomic.AddUint64(&lastOwner, 1))
}

// WithOwner returns a context that carries a lock owner. If ctx already has
// one it is returned unchanged, so nested calls keep re-entering as the same
// owner.
func WithOwner(ctx context.Context) context.Context {
	if _, ok := OwnerFrom(ctx); ok {
		return ctx
	}
	return context.WithValue(ctx, ownerKey{}, newOwner())
}

func OwnerFrom(ctx context.Context) (Owner, bool) {
	o, ok := ctx.Value(ownerKey{}).(Owner)
	return o, ok
}

// ownerOf returns the owner in ctx or a fresh one that nobody else shares.
func ownerOf(ctx context.Context) Owner {
	if o, ok := OwnerFrom(ctx); ok {
		return o
	}
	return newOwner()
}
