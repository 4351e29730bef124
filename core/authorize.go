package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pardot/ssoidc/registry"
	"github.com/pardot/ssoidc/users"
)

const responseTypeCode = "code"

// AuthorizeRequest is a request to the authorization endpoint, with the
// user's login embedded.
type AuthorizeRequest struct {
	ClientID     string
	RedirectURI  string
	Scope        string
	ResponseType string
	State        string
	// Nonce is optional and stored as given
	Nonce string

	Email    string
	Password string
}

// AuthorizeResponse tells the caller where to send the user agent.
type AuthorizeResponse struct {
	// URI is the redirect URI with code and state added
	URI string

	ClientID  string
	UserID    string
	Scopes    []string
	ExpiresAt time.Time
}

// Authorize validates an authorization request, authenticates the user and
// issues a code.
//
// Unknown clients, disallowed scopes and foreign redirect URIs are all
// reported with the same message, so a caller can't probe which one failed.
//
// https://openid.net/specs/openid-connect-core-1_0.html#AuthRequest
func (o *OIDC) Authorize(ctx context.Context, req *AuthorizeRequest) (*AuthorizeResponse, error) {
	if req.ClientID == "" || req.RedirectURI == "" || req.Scope == "" || req.State == "" {
		return nil, newError(KindValidation, msgMissingParams, nil)
	}
	if req.ResponseType != responseTypeCode {
		return nil, newError(KindUnauthorized, msgInvalidResponseType, fmt.Errorf("response_type %q", req.ResponseType))
	}

	client, scopes, err := o.validateClient(ctx, req)
	if err != nil {
		return nil, err
	}

	if req.Email == "" || req.Password == "" {
		return nil, newError(KindValidation, msgMissingLogin, nil)
	}
	user, err := o.users.VerifyCredentials(ctx, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, users.ErrInvalidCredentials) {
			return nil, newError(KindUnauthorized, msgInvalidLogin, err)
		}
		return nil, newError(KindInternal, msgAuthorizeFailed, err)
	}

	code, err := o.codes.Issue(ctx, IssueParams{
		ClientID:    client.ClientID,
		UserID:      user.ID,
		Scopes:      req.Scope,
		Nonce:       req.Nonce,
		State:       req.State,
		RedirectURI: req.RedirectURI,
	}, o.codeValidityTime)
	if err != nil {
		return nil, newError(KindInternal, msgAuthorizeFailed, err)
	}

	uri, err := withCode(req.RedirectURI, code.Code, req.State)
	if err != nil {
		return nil, newError(KindInternal, msgAuthorizeFailed, err)
	}

	return &AuthorizeResponse{
		URI:       uri,
		ClientID:  client.ClientID,
		UserID:    user.ID,
		Scopes:    scopes,
		ExpiresAt: code.ExpiresAt,
	}, nil
}

func (o *OIDC) validateClient(ctx context.Context, req *AuthorizeRequest) (*registry.Client, []string, error) {
	client, err := o.clients.FindByClientID(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, nil, newError(KindUnauthorized, msgInvalidClient, err)
		}
		return nil, nil, newError(KindInternal, msgAuthorizeFailed, err)
	}

	scopes, err := ValidateScopes(req.Scope, client.AllowedScopes)
	if err != nil {
		return nil, nil, newError(KindUnauthorized, msgInvalidClient, err)
	}

	if err := ValidateRedirectURI(client.RedirectURI, req.RedirectURI); err != nil {
		return nil, nil, newError(KindUnauthorized, msgInvalidClient, err)
	}

	return client, scopes, nil
}
