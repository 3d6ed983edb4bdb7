package booking

import (
	"context"

	"github.com/google/uuid"
)

// ConflictResolver arbitrates concurrent claims on one slot. fn runs the
// actual compare-and-transition; a resolver may refuse to run it, in which
// case it returns an error wrapping ErrConflict.
type ConflictResolver interface {
	WithSlotLock(ctx context.Context, slotID uuid.UUID, fn func(ctx context.Context) error) error
}

// OptimisticResolver lets every caller race on the slot version. The store's
// compare-and-transition alone decides the winner.
type OptimisticResolver struct{}

func (OptimisticResolver) WithSlotLock(ctx context.Context, _ uuid.UUID, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
