package core

import (
	"errors"
)

// Kind classifies a failed operation.
type Kind int

const (
	// KindValidation means required request parameters were missing or malformed.
	KindValidation Kind = iota + 1
	// KindUnauthorized is a policy rejection: unknown client, bad scope or
	// redirect, wrong credentials, unsupported response or grant type.
	KindUnauthorized
	// KindExpired means the authorization code was presented after its expiry.
	KindExpired
	// KindNotFound is for administrative lookups of missing resources.
	KindNotFound
	// KindConflict means the resource already exists.
	KindConflict
	// KindUnprocessable means the request was valid but could not be
	// completed, e.g. the token could not be minted.
	KindUnprocessable
	// KindInternal is an unexpected backend failure or inconsistent state.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUnauthorized:
		return "unauthorized"
	case KindExpired:
		return "expired"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindUnprocessable:
		return "unprocessable"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is returned by the flow operations. Message is safe to show to the
// caller. Cause is for operators only.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func newError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf returns the kind of err, or KindInternal if it is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

const (
	msgMissingParams       = "Missing required parameters."
	msgInvalidResponseType = `Invalid response_type. Only "code" is allowed.`
	msgInvalidGrantType    = `Invalid grant_type. Only "authorization_code" is allowed.`
	// deliberately the same for every client, scope and redirect failure
	msgInvalidClient       = "Invalid client_id, scope, or redirect_uri."
	msgMissingLogin        = "Email and password are required."
	msgInvalidLogin        = "Invalid email or password."
	msgAuthorizeFailed     = "Failed to authorize."
	msgInvalidClientCreds  = "Invalid client credentials."
	msgInvalidCode         = "Invalid authorization code."
	msgExpiredCode         = "Authorization code has expired."
	msgInvalidUser         = "Invalid user."
	msgMintFailed          = "Failed to generate access token."
	msgTokenFailed         = "Failed to generate token."
)
