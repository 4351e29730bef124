package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/square/go-jose.v2"
)

// providerMetadata is the subset of the OIDC discovery document this
// provider fills in.
//
// https://openid.net/specs/openid-connect-discovery-1_0.html#ProviderMetadata
type providerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint,omitempty"`
	JWKSURI                           string   `json:"jwks_uri"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	ClaimsSupported                   []string `json:"claims_supported,omitempty"`
}

func (p *providerMetadata) validate() error {
	var errs []string

	aestr := func(val, e string) {
		if val == "" {
			errs = append(errs, e)
		}
	}

	aessl := func(val []string, e string) {
		if len(val) == 0 {
			errs = append(errs, e)
		}
	}

	aestr(p.Issuer, "Issuer is required")
	aestr(p.AuthorizationEndpoint, "AuthorizationEndpoint is required")
	aestr(p.TokenEndpoint, "TokenEndpoint is required")
	aestr(p.JWKSURI, "JWKSURI is required")
	aessl(p.ResponseTypesSupported, "ResponseTypes supported is required")
	aessl(p.SubjectTypesSupported, "Subject Identifier Types are required")
	aessl(p.IDTokenSigningAlgValuesSupported, "IDTokenSigningAlgValuesSupported are required")

	if len(errs) > 0 {
		return fmt.Errorf("invalid provider metadata: %s", strings.Join(errs, ", "))
	}
	return nil
}

func (s *Server) discoveryHandler() (http.HandlerFunc, error) {
	alg, err := s.signer.SignerAlg(context.Background())
	if err != nil {
		return nil, fmt.Errorf("server: failed to get signing algorithm: %v", err)
	}

	md := providerMetadata{
		Issuer:                            s.issuerURL.String(),
		AuthorizationEndpoint:             s.absURL("/authorize"),
		TokenEndpoint:                     s.absURL("/token"),
		UserinfoEndpoint:                  s.absURL("/user"),
		JWKSURI:                           s.absURL("/keys"),
		RegistrationEndpoint:              s.absURL("/register"),
		ScopesSupported:                   []string{"openid", "email", "profile"},
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code"},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{string(alg)},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post"},
		ClaimsSupported: []string{
			"aud", "auth_time", "azp", "email", "exp",
			"iat", "iss", "nonce", "scope", "sub",
		},
	}
	if err := md.validate(); err != nil {
		return nil, err
	}

	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal discovery data: %v", err)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		if _, err := w.Write(data); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}), nil
}

// keySource is used to retrieve the public keys this provider is signing with
type keySource interface {
	PublicKeys(ctx context.Context) (*jose.JSONWebKeySet, error)
}

// keysHandler serves the JWKS from a keySource, caching lookups.
type keysHandler struct {
	ks       keySource
	cacheFor time.Duration
	now      func() time.Time

	mu         sync.Mutex
	currKeys   []byte
	lastUpdate time.Time
}

func newKeysHandler(ks keySource, cacheFor time.Duration, now func() time.Time) *keysHandler {
	return &keysHandler{
		ks:       ks,
		cacheFor: cacheFor,
		now:      now,
	}
}

func (h *keysHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	data, err := h.keys(r.Context())
	if err != nil {
		http.Error(w, "Internal Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Cache-Control", fmt.Sprintf("max-age=%d, must-revalidate", int(h.cacheFor.Seconds())))
	w.Header().Set("Content-Type", "application/jwk-set+json")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if _, err := w.Write(data); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func (h *keysHandler) keys(ctx context.Context) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.currKeys != nil && h.now().Before(h.lastUpdate.Add(h.cacheFor)) {
		return h.currKeys, nil
	}

	ks, err := h.ks.PublicKeys(ctx)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(ks)
	if err != nil {
		return nil, err
	}

	h.currKeys = data
	h.lastUpdate = h.now()
	return data, nil
}
