// Package core implements the authorization code flow: request validation,
// client policy checks, code issuance and the code for token exchange.
//
// It is transport agnostic. Operations take plain request structs and return
// either a result or an *Error carrying a Kind, which the HTTP layer maps to a
// status code.
//
// https://openid.net/specs/openid-connect-core-1_0.html#CodeFlowAuth
package core
