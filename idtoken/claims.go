// Package idtoken mints and verifies the OpenID Connect identity tokens the
// service issues.
package idtoken

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Claims represents the set of JWT claims for the user.
//
// https://openid.net/specs/openid-connect-core-1_0.html#IDToken
type Claims struct {
	// REQUIRED. Issuer Identifier for the Issuer of the response.
	Issuer string `json:"iss,omitempty"`
	// REQUIRED. Locally unique and never reassigned identifier for the user.
	Subject string `json:"sub,omitempty"`
	// REQUIRED. Must contain the client_id of the relying party.
	Audience Audience `json:"aud,omitempty"`
	// REQUIRED. Time on or after which the token must not be accepted.
	Expiry UnixTime `json:"exp,omitempty"`
	// OPTIONAL. Time before which the token must not be accepted.
	NotBefore UnixTime `json:"nbf,omitempty"`
	// REQUIRED. Time at which the JWT was issued.
	IssuedAt UnixTime `json:"iat,omitempty"`
	// Time when the user authenticated.
	AuthTime UnixTime `json:"auth_time,omitempty"`
	// Passed through unmodified from the authentication request. Clients
	// compare it to the value they sent.
	Nonce string `json:"nonce,omitempty"`
	// OPTIONAL. Authorized party, the client the token was issued to.
	AZP string `json:"azp,omitempty"`

	// https://openid.net/specs/openid-connect-core-1_0.html#StandardClaims
	Email string `json:"email,omitempty"`
	// Space separated scopes granted to the client.
	Scope string `json:"scope,omitempty"`
}

// Audience represents a OIDC ID Token's Audience field. A single audience is
// serialized as a plain string.
type Audience []string

// Contains returns true if a passed audence is found in the token's set
func (a Audience) Contains(aud string) bool {
	for _, ia := range a {
		if ia == aud {
			return true
		}
	}
	return false
}

func (a Audience) MarshalJSON() ([]byte, error) {
	if len(a) == 1 {
		return json.Marshal(a[0])
	}
	return json.Marshal([]string(a))
}

func (a *Audience) UnmarshalJSON(b []byte) error {
	var ua interface{}
	if err := json.Unmarshal(b, &ua); err != nil {
		return err
	}

	switch ja := ua.(type) {
	case string:
		*a = []string{ja}
	case []interface{}:
		aa := make([]string, len(ja))
		for i, ia := range ja {
			sa, ok := ia.(string)
			if !ok {
				return fmt.Errorf("failed to unmarshal audience, expected []string but found %T", ia)
			}
			aa[i] = sa
		}
		*a = aa
	default:
		return fmt.Errorf("failed to unmarshal audience, expected string or []string but found %T", ua)
	}

	return nil
}

// UnixTime is a count of seconds since the epoch, the JWT NumericDate.
type UnixTime int64

// NewUnixTime creates a UnixTime from the given Time, t
func NewUnixTime(t time.Time) UnixTime {
	return UnixTime(t.Unix())
}

// Time returns the time.Time this represents
func (u UnixTime) Time() time.Time {
	return time.Unix(int64(u), 0)
}

func (u UnixTime) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(u), 10)), nil
}

func (u *UnixTime) UnmarshalJSON(b []byte) error {
	p, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("failed to parse UnixTime: %w", err)
	}
	*u = UnixTime(p)
	return nil
}
