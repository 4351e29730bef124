package server

import (
	"context"

	"github.com/pardot/ssoidc/idtoken"
)

type contextKey string

func (c contextKey) String() string {
	return "server context key " + string(c)
}

var (
	contextKeyClaims = contextKey("identity-claims")
)

func withClaims(ctx context.Context, c *idtoken.Claims) context.Context {
	return context.WithValue(ctx, contextKeyClaims, c)
}

// Claims gets the verified identity token claims from the context. They are
// set on requests that passed the identity bearer check.
func Claims(ctx context.Context) (*idtoken.Claims, bool) {
	c, ok := ctx.Value(contextKeyClaims).(*idtoken.Claims)
	return c, ok
}
