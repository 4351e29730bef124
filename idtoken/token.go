package idtoken

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Signer signs the serialized claims and verifies tokens it signed.
// Implementations are in the signer package.
type Signer interface {
	Sign(ctx context.Context, data []byte) (signed []byte, err error)
	VerifySignature(ctx context.Context, jwt string) (payload []byte, err error)
}

// MintRequest describes who a token is for.
type MintRequest struct {
	// Subject is the user's ID
	Subject string
	Email   string
	// ClientID is the audience
	ClientID string
	// Nonce is echoed into the token when set
	Nonce string
	// AuthTime is when the user signed in, if known
	AuthTime time.Time
	// Scopes granted at authorization, recorded in the scope claim
	Scopes []string
}

// Token is a signed identity token.
type Token struct {
	// Raw is the compact serialized JWS
	Raw       string
	Claims    Claims
	ExpiresAt time.Time
}

// Minter issues identity tokens for a single issuer.
type Minter struct {
	issuer string
	signer Signer
	ttl    time.Duration

	now func() time.Time
}

func NewMinter(issuer string, signer Signer, ttl time.Duration) *Minter {
	return &Minter{
		issuer: issuer,
		signer: signer,
		ttl:    ttl,
		now:    time.Now,
	}
}

// MintIdentityToken signs a token asserting the given user's identity.
func (m *Minter) MintIdentityToken(ctx context.Context, req MintRequest) (*Token, error) {
	if req.Subject == "" || req.ClientID == "" {
		return nil, errors.New("subject and client ID are required")
	}

	now := m.now()
	exp := now.Add(m.ttl)

	claims := Claims{
		Issuer:   m.issuer,
		Subject:  req.Subject,
		Audience: Audience{req.ClientID},
		Expiry:   NewUnixTime(exp),
		IssuedAt: NewUnixTime(now),
		Nonce:    req.Nonce,
		AZP:      req.ClientID,
		Email:    req.Email,
		Scope:    strings.Join(req.Scopes, " "),
	}
	if !req.AuthTime.IsZero() {
		claims.AuthTime = NewUnixTime(req.AuthTime)
	}

	b, err := json.Marshal(claims)
	if err != nil {
		return nil, fmt.Errorf("marshaling claims: %w", err)
	}

	signed, err := m.signer.Sign(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("signing identity token: %w", err)
	}

	return &Token{
		Raw:       string(signed),
		Claims:    claims,
		ExpiresAt: NewUnixTime(exp).Time(),
	}, nil
}

// ErrInvalidToken is returned, wrapped with the reason, for tokens that
// should not be accepted.
var ErrInvalidToken = errors.New("invalid identity token")

// Verifier checks tokens issued by a Minter with the same issuer and keys.
type Verifier struct {
	issuer string
	signer Signer
	// allowed clock skew
	leeway time.Duration

	now func() time.Time
}

func NewVerifier(issuer string, signer Signer) *Verifier {
	return &Verifier{
		issuer: issuer,
		signer: signer,
		leeway: 30 * time.Second,
		now:    time.Now,
	}
}

// Verify checks the token's signature, issuer and validity window, returning
// its claims. Audience is not checked, any client's token is accepted.
func (v *Verifier) Verify(ctx context.Context, raw string) (*Claims, error) {
	payload, err := v.signer.VerifySignature(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims := &Claims{}
	if err := json.Unmarshal(payload, claims); err != nil {
		return nil, fmt.Errorf("%w: malformed claims: %v", ErrInvalidToken, err)
	}

	now := v.now()
	switch {
	case claims.Issuer != v.issuer:
		return nil, fmt.Errorf("%w: issuer %q not trusted", ErrInvalidToken, claims.Issuer)
	case claims.Subject == "":
		return nil, fmt.Errorf("%w: no subject", ErrInvalidToken)
	case claims.Expiry == 0 || !now.Before(claims.Expiry.Time().Add(v.leeway)):
		return nil, fmt.Errorf("%w: expired", ErrInvalidToken)
	case claims.NotBefore != 0 && now.Add(v.leeway).Before(claims.NotBefore.Time()):
		return nil, fmt.Errorf("%w: not yet valid", ErrInvalidToken)
	}

	return claims, nil
}
