package core

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"strings"
	"testing"
	"time"

	"gopkg.in/square/go-jose.v2"

	"github.com/pardot/ssoidc/idtoken"
	"github.com/pardot/ssoidc/registry"
	"github.com/pardot/ssoidc/signer"
	"github.com/pardot/ssoidc/storage/memory"
	"github.com/pardot/ssoidc/users"
)

// contains helpers used by multiple tests

const testIssuer = "https://sso.example"

type stubUser struct {
	user     *users.User
	password string
}

// stubUsers avoids bcrypt, keeping the flow tests fast
type stubUsers struct {
	byEmail map[string]stubUser
}

func (s *stubUsers) add(id, email, password string) {
	s.byEmail[email] = stubUser{user: &users.User{ID: id, Email: email}, password: password}
}

func (s *stubUsers) VerifyCredentials(_ context.Context, email, password string) (*users.User, error) {
	u, ok := s.byEmail[strings.ToLower(email)]
	if !ok || u.password != password {
		return nil, users.ErrInvalidCredentials
	}
	return u.user, nil
}

func (s *stubUsers) Lookup(_ context.Context, id string) (*users.User, error) {
	for _, u := range s.byEmail {
		if u.user.ID == id {
			return u.user, nil
		}
	}
	return nil, users.ErrNotFound
}

type failingMinter struct{}

func (failingMinter) MintIdentityToken(context.Context, idtoken.MintRequest) (*idtoken.Token, error) {
	return nil, errors.New("signing backend unavailable")
}

type testEnv struct {
	oidc     *OIDC
	storage  *memory.Storage
	registry *registry.Registry
	users    *stubUsers
	codes    *CodeStore
	verifier *idtoken.Verifier

	// client registered with https://app.example/cb and openid,profile
	client *registry.Client

	now time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	env := &testEnv{
		storage: memory.New(),
		users:   &stubUsers{byEmail: map[string]stubUser{}},
		now:     time.Now(),
	}
	env.registry = registry.New(env.storage)
	env.codes = NewCodeStore(env.storage)
	env.codes.now = func() time.Time { return env.now }

	client, err := env.registry.Create(ctx, registry.ClientSpec{
		Name:          "app",
		RedirectURI:   "https://app.example/cb",
		AllowedScopes: []string{"openid", "profile"},
	})
	if err != nil {
		t.Fatal(err)
	}
	env.client = client

	env.users.add("user-1", "jane@example.com", "correct horse")

	env.oidc = NewOIDC(&Config{}, env.registry, env.users, env.codes, idtoken.NewMinter(testIssuer, testSigner, time.Hour))
	env.verifier = idtoken.NewVerifier(testIssuer, testSigner)

	return env
}

func (e *testEnv) authorizeRequest() *AuthorizeRequest {
	return &AuthorizeRequest{
		ClientID:     e.client.ClientID,
		RedirectURI:  "https://app.example/cb/extra",
		Scope:        "openid,profile",
		ResponseType: "code",
		State:        "xyz",
		Nonce:        "n-0S6",
		Email:        "jane@example.com",
		Password:     "correct horse",
	}
}

func (e *testEnv) tokenRequest(code string) *TokenRequest {
	return &TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		ClientID:     e.client.ClientID,
		ClientSecret: e.client.ClientSecret,
	}
}

// issueCode runs a successful authorization and returns the code from the
// redirect URI.
func (e *testEnv) issueCode(t *testing.T) string {
	t.Helper()

	resp, err := e.oidc.Authorize(context.Background(), e.authorizeRequest())
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	return codeFromURI(t, resp.URI)
}

func (e *testEnv) storedCodes(t *testing.T) []string {
	t.Helper()

	keys, err := e.storage.List(context.Background(), authCodeKeyspace)
	if err != nil {
		t.Fatal(err)
	}
	return keys
}

func codeFromURI(t *testing.T, uri string) string {
	t.Helper()

	i := strings.Index(uri, "?code=")
	if i < 0 {
		t.Fatalf("no code in %s", uri)
	}
	rest := uri[i+len("?code="):]
	if j := strings.Index(rest, "&"); j >= 0 {
		rest = rest[:j]
	}
	return rest
}

func wantKind(t *testing.T, err error, kind Kind, message string) {
	t.Helper()

	var cerr *Error
	if !errors.As(err, &cerr) {
		t.Fatalf("want *Error of kind %s, got %v", kind, err)
	}
	if cerr.Kind != kind {
		t.Errorf("want kind %s, got %s (%v)", kind, cerr.Kind, err)
	}
	if message != "" && cerr.Message != message {
		t.Errorf("want message %q, got %q", message, cerr.Message)
	}
}

var testSigner = func() *signer.KeySetSigner {
	s, err := signer.NewFromKeySet(&jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
		{Key: mustGenRSAKey(2048), KeyID: "testkey"},
	}}, "testkey")
	if err != nil {
		panic(err)
	}
	return s
}()

func mustGenRSAKey(bits int) *rsa.PrivateKey {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		panic(err)
	}

	return key
}

func clientSpec(name string) registry.ClientSpec {
	return registry.ClientSpec{
		Name:          name,
		RedirectURI:   "https://app.example/cb",
		AllowedScopes: []string{"openid", "profile"},
	}
}
