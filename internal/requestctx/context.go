// Package requestctx carries the resolved caller through a request.
package requestctx

import (
	"context"

	"github.com/ncecere/metering_gateway/internal/ledger"
)

type contextKey string

const fiberLocalsKey = "requestctx"

// Key is the typed context key used for storing the Context.
var Key contextKey = "metering-gateway/requestctx"

// Context is the caller identity and the account it resolved to.
type Context struct {
	AccountID string
	RequestID string
	Account   ledger.Account
}

// WithContext embeds rc into parent.
func WithContext(parent context.Context, rc *Context) context.Context {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithValue(parent, Key, rc)
}

// FromContext retrieves the request context if present.
func FromContext(ctx context.Context) (*Context, bool) {
	if ctx == nil {
		return nil, false
	}
	rc, ok := ctx.Value(Key).(*Context)
	return rc, ok
}

// FiberLocalsKey returns the key used in fiber.Locals for request context storage.
func FiberLocalsKey() string {
	return fiberLocalsKey
}
