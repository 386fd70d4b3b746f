package logging

import (
	"context"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
)

// ContextKey defines the context key type.
type ContextKey string

// ContextIDKey holds the key of the context ID.
const ContextIDKey ContextKey = "ctx_id"

// NewContext returns a copy of the given context, holding a new random
// context ID under ContextIDKey.
func NewContext(ctx context.Context) (context.Context, error) {
	ctxID, err := uuid.NewV4()
	if err != nil {
		return nil, errors.Wrap(err, "new uuid error")
	}

	return context.WithValue(ctx, ContextIDKey, ctxID), nil
}

// GetContextID returns the context ID stored in the given context or
// uuid.Nil when it is not set.
func GetContextID(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(ContextIDKey).(uuid.UUID)
	return id
}
