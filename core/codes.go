package core

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/pardot/ssoidc/storage"
)

const (
	authCodeKeyspace = "oidc-auth-code"

	// codeLen is the number of random bytes in a code
	codeLen = 32

	// DefaultCodeTTL is how long an issued code can be redeemed for.
	DefaultCodeTTL = 5 * time.Minute
	// codeRetention is how long an expired code is kept, so a late redemption
	// is told it expired rather than that it doesn't exist. Garbage
	// collection removes it after.
	codeRetention = time.Hour
)

var (
	// ErrCodeNotFound means the code was never issued or was already used.
	ErrCodeNotFound = errors.New("authorization code not found")
	// ErrClientMismatch means the code was issued to another client. The code
	// is left for the client it was issued to.
	ErrClientMismatch = errors.New("authorization code issued to another client")
	// ErrCodeExpired means the code was presented after its expiry. The code
	// is consumed regardless.
	ErrCodeExpired = errors.New("authorization code expired")
)

// AuthorizationCode is a single use credential bridging the authorization and
// token steps.
type AuthorizationCode struct {
	// Code is the value handed to the client. It is not persisted, records
	// are keyed by its hash.
	Code     string `json:"-"`
	ClientID string `json:"clientId"`
	UserID   string `json:"userId"`
	// Scopes is the scope string exactly as requested
	Scopes      string    `json:"scopes"`
	Nonce       string    `json:"nonce"`
	State       string    `json:"state"`
	RedirectURI string    `json:"redirectUri"`
	ExpiresAt   time.Time `json:"expiresAt"`
	CreatedAt   time.Time `json:"createdAt"`
}

// IssueParams are the values a new code is bound to.
type IssueParams struct {
	ClientID    string
	UserID      string
	Scopes      string
	Nonce       string
	State       string
	RedirectURI string
}

// CodeStore issues and redeems authorization codes.
type CodeStore struct {
	storage storage.Storage

	now func() time.Time
}

func NewCodeStore(s storage.Storage) *CodeStore {
	return &CodeStore{
		storage: s,
		now:     time.Now,
	}
}

// Issue creates a code bound to p, redeemable until now + ttl.
func (c *CodeStore) Issue(ctx context.Context, p IssueParams, ttl time.Duration) (*AuthorizationCode, error) {
	b := make([]byte, codeLen)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("reading random data: %w", err)
	}
	code := base64.RawURLEncoding.EncodeToString(b)

	now := c.now()
	ac := &AuthorizationCode{
		Code:        code,
		ClientID:    p.ClientID,
		UserID:      p.UserID,
		Scopes:      p.Scopes,
		Nonce:       p.Nonce,
		State:       p.State,
		RedirectURI: p.RedirectURI,
		ExpiresAt:   now.Add(ttl),
		CreatedAt:   now,
	}

	if _, err := c.storage.PutWithExpiry(ctx, authCodeKeyspace, codeKey(code), 0, ac, ac.ExpiresAt.Add(codeRetention)); err != nil {
		return nil, fmt.Errorf("storing authorization code: %w", err)
	}

	return ac, nil
}

// Redeem consumes code on behalf of clientID. Codes bound to another client
// are left in place. Otherwise the record is removed in the same atomic step
// as the lookup, so of any number of concurrent redemptions at most one finds
// it. That one deletes it whatever the outcome, and later attempts get
// ErrCodeNotFound.
func (c *CodeStore) Redeem(ctx context.Context, code, clientID string) (*AuthorizationCode, error) {
	if code == "" {
		return nil, ErrCodeNotFound
	}

	// records are never updated, so the binding read here holds for the take
	bound := &AuthorizationCode{}
	if _, err := c.storage.Get(ctx, authCodeKeyspace, codeKey(code), bound); err != nil {
		if storage.IsNotFoundErr(err) {
			return nil, ErrCodeNotFound
		}
		return nil, fmt.Errorf("reading authorization code: %w", err)
	}
	if bound.ClientID != clientID {
		return nil, ErrClientMismatch
	}

	ac := &AuthorizationCode{}
	if err := c.storage.Take(ctx, authCodeKeyspace, codeKey(code), ac); err != nil {
		if storage.IsNotFoundErr(err) {
			return nil, ErrCodeNotFound
		}
		return nil, fmt.Errorf("taking authorization code: %w", err)
	}
	ac.Code = code

	if !c.now().Before(ac.ExpiresAt) {
		return nil, ErrCodeExpired
	}

	return ac, nil
}

// codeKey is the storage key for code. Only the hash is stored, so a storage
// dump doesn't contain redeemable codes.
func codeKey(code string) string {
	h := sha256.Sum256([]byte(code))
	return hex.EncodeToString(h[:])
}
