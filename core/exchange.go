package core

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pardot/ssoidc/idtoken"
	"github.com/pardot/ssoidc/registry"
	"github.com/pardot/ssoidc/users"
)

const grantTypeAuthCode = "authorization_code"

// TokenRequest is a request to the token endpoint.
type TokenRequest struct {
	GrantType    string
	Code         string
	ClientID     string
	ClientSecret string
	// RedirectURI is optional. When sent it must match the URI the code was
	// issued for.
	//
	// https://tools.ietf.org/html/rfc6749#section-4.1.3
	RedirectURI string
}

// TokenResponse carries the identity token and the values bound to the code,
// for the client to check against what it sent.
type TokenResponse struct {
	IDToken   string
	ExpiresAt time.Time
	State     string
	Nonce     string
	Scopes    []string
	ClientID  string
	UserID    string
}

// Token exchanges an authorization code for an identity token. The code is
// consumed by the first exchange from its own client that presents it,
// whether or not it succeeds.
//
// https://openid.net/specs/openid-connect-core-1_0.html#TokenRequest
func (o *OIDC) Token(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	if req.GrantType == "" || req.Code == "" || req.ClientID == "" || req.ClientSecret == "" {
		return nil, newError(KindValidation, msgMissingParams, nil)
	}
	if req.GrantType != grantTypeAuthCode {
		return nil, newError(KindUnauthorized, msgInvalidGrantType, fmt.Errorf("grant_type %q", req.GrantType))
	}

	client, err := o.clients.FindByClientID(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, newError(KindUnauthorized, msgInvalidClientCreds, err)
		}
		return nil, newError(KindInternal, msgTokenFailed, err)
	}
	if subtle.ConstantTimeCompare([]byte(client.ClientSecret), []byte(req.ClientSecret)) != 1 {
		return nil, newError(KindUnauthorized, msgInvalidClientCreds, errors.New("client secret mismatch"))
	}

	code, err := o.codes.Redeem(ctx, req.Code, client.ClientID)
	switch {
	case errors.Is(err, ErrCodeExpired):
		return nil, newError(KindExpired, msgExpiredCode, err)
	case errors.Is(err, ErrCodeNotFound), errors.Is(err, ErrClientMismatch):
		return nil, newError(KindUnauthorized, msgInvalidCode, err)
	case err != nil:
		return nil, newError(KindInternal, msgTokenFailed, err)
	}

	if req.RedirectURI != "" && req.RedirectURI != code.RedirectURI {
		return nil, newError(KindUnauthorized, msgInvalidCode, errors.New("redirect_uri does not match the authorization request"))
	}

	user, err := o.users.Lookup(ctx, code.UserID)
	if err != nil {
		if errors.Is(err, users.ErrNotFound) {
			// the code outlived its user, this shouldn't happen
			return nil, newError(KindInternal, msgInvalidUser, err)
		}
		return nil, newError(KindInternal, msgTokenFailed, err)
	}

	scopes := splitScopes(code.Scopes)
	tok, err := o.minter.MintIdentityToken(ctx, idtoken.MintRequest{
		Subject:  user.ID,
		Email:    user.Email,
		ClientID: client.ClientID,
		Nonce:    code.Nonce,
		AuthTime: code.CreatedAt,
		Scopes:   scopes,
	})
	if err != nil {
		return nil, newError(KindUnprocessable, msgMintFailed, err)
	}

	return &TokenResponse{
		IDToken:   tok.Raw,
		ExpiresAt: tok.ExpiresAt,
		State:     code.State,
		Nonce:     code.Nonce,
		Scopes:    scopes,
		ClientID:  client.ClientID,
		UserID:    user.ID,
	}, nil
}

func splitScopes(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
