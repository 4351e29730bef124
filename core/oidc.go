package core

import (
	"context"
	"time"

	"github.com/pardot/ssoidc/idtoken"
	"github.com/pardot/ssoidc/registry"
	"github.com/pardot/ssoidc/users"
)

// ClientSource looks up registered clients. It should return an error
// matching registry.ErrNotFound for unknown IDs.
type ClientSource interface {
	FindByClientID(ctx context.Context, clientID string) (*registry.Client, error)
}

// Authenticator checks user credentials and resolves users. It should return
// errors matching users.ErrInvalidCredentials and users.ErrNotFound.
type Authenticator interface {
	VerifyCredentials(ctx context.Context, email, password string) (*users.User, error)
	Lookup(ctx context.Context, id string) (*users.User, error)
}

// TokenMinter issues identity tokens.
type TokenMinter interface {
	MintIdentityToken(ctx context.Context, req idtoken.MintRequest) (*idtoken.Token, error)
}

// Config sets configuration values for the OIDC flow implementation
type Config struct {
	// CodeValidityTime is how long issued codes can be redeemed for. Defaults
	// to DefaultCodeTTL.
	CodeValidityTime time.Duration
}

// OIDC handles the authorization and token steps of the code flow.
type OIDC struct {
	clients ClientSource
	users   Authenticator
	codes   *CodeStore
	minter  TokenMinter

	codeValidityTime time.Duration
}

func NewOIDC(cfg *Config, clients ClientSource, users Authenticator, codes *CodeStore, minter TokenMinter) *OIDC {
	ttl := cfg.CodeValidityTime
	if ttl == 0 {
		ttl = DefaultCodeTTL
	}

	return &OIDC{
		clients: clients,
		users:   users,
		codes:   codes,
		minter:  minter,

		codeValidityTime: ttl,
	}
}
