package server

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/square/go-jose.v2"
)

func TestDiscovery(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil))
	if resp.Status != http.StatusOK {
		t.Fatalf("want 200, got %d", resp.Status)
	}

	md := providerMetadata{}
	if err := json.Unmarshal(resp.Raw, &md); err != nil {
		t.Fatal(err)
	}
	want := providerMetadata{
		Issuer:                            testIssuer,
		AuthorizationEndpoint:             testIssuer + "/authorize",
		TokenEndpoint:                     testIssuer + "/token",
		UserinfoEndpoint:                  testIssuer + "/user",
		JWKSURI:                           testIssuer + "/keys",
		RegistrationEndpoint:              testIssuer + "/register",
		ScopesSupported:                   []string{"openid", "email", "profile"},
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code"},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{"RS256"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post"},
	}
	if diff := cmp.Diff(want, md, cmpIgnoreClaims); diff != "" {
		t.Errorf("metadata mismatch (-want +got):\n%s", diff)
	}
}

var cmpIgnoreClaims = cmp.FilterPath(func(p cmp.Path) bool {
	return p.Last().String() == ".ClaimsSupported"
}, cmp.Ignore())

func TestKeys(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(httptest.NewRequest(http.MethodGet, "/keys", nil))
	if resp.Status != http.StatusOK {
		t.Fatalf("want 200, got %d", resp.Status)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/jwk-set+json" {
		t.Errorf("want jwk-set content type, got %q", ct)
	}

	ks := jose.JSONWebKeySet{}
	if err := json.Unmarshal(resp.Raw, &ks); err != nil {
		t.Fatal(err)
	}
	if len(ks.Keys) != 1 {
		t.Fatalf("want a single key, got %+v", ks.Keys)
	}
	if _, ok := ks.Keys[0].Key.(*rsa.PublicKey); !ok {
		t.Errorf("want an RSA public key, got %T", ks.Keys[0].Key)
	}
}

type countingKeySource struct {
	calls int
	err   error
}

func (c *countingKeySource) PublicKeys(ctx context.Context) (*jose.JSONWebKeySet, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return testSigner.PublicKeys(ctx)
}

func TestKeysHandlerCaches(t *testing.T) {
	now := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	ks := &countingKeySource{}
	h := newKeysHandler(ks, time.Minute, func() time.Time { return now })

	get := func() int {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/keys", nil))
		return rec.Code
	}

	for i := 0; i < 3; i++ {
		if code := get(); code != http.StatusOK {
			t.Fatalf("want 200, got %d", code)
		}
	}
	if ks.calls != 1 {
		t.Errorf("want keys fetched once while cached, got %d", ks.calls)
	}

	now = now.Add(2 * time.Minute)
	get()
	if ks.calls != 2 {
		t.Errorf("want keys refetched after cache expiry, got %d fetches", ks.calls)
	}

	now = now.Add(2 * time.Minute)
	ks.err = errors.New("kms unavailable")
	if code := get(); code != http.StatusInternalServerError {
		t.Errorf("want 500 when keys can't be fetched, got %d", code)
	}
}

func TestCORS(t *testing.T) {
	srv, err := New(Config{
		Issuer:         testIssuer,
		Storage:        newTestEnv(t).store,
		Signer:         testSigner,
		AllowedOrigins: []string{"https://app.example"},
	})
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example" {
		t.Errorf("want allowed origin header, got %q", got)
	}
}
