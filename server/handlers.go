package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pardot/ssoidc/core"
	"github.com/pardot/ssoidc/users"
)

// maximum accepted JSON request body
const maxBodyBytes = 1 << 20

// params reads request values from a JSON body if there is one, falling back
// to the query string and form body.
type params struct {
	r    *http.Request
	body map[string]string
}

func readParams(r *http.Request) (*params, error) {
	p := &params{r: r}
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt != "application/json" || r.Body == nil {
		return p, nil
	}
	var raw map[string]interface{}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	// only string values are parameters, anything else is ignored
	p.body = make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			p.body[k] = s
		}
	}
	return p, nil
}

func (p *params) get(name string) string {
	if v, ok := p.body[name]; ok {
		return v
	}
	return p.r.FormValue(name)
}

// handleAuthorize authenticates the user and issues an authorization code,
// returning the client redirect URI carrying it.
//
// https://openid.net/specs/openid-connect-core-1_0.html#AuthRequest
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	p, err := readParams(r)
	if err != nil {
		s.logger.WithError(err).Debug("malformed authorization request body")
		s.writeFailure(w, http.StatusUnprocessableEntity, "Malformed request body.")
		return
	}

	resp, err := s.oidc.Authorize(r.Context(), &core.AuthorizeRequest{
		ClientID:     p.get("client_id"),
		RedirectURI:  p.get("redirect_uri"),
		Scope:        p.get("scope"),
		ResponseType: p.get("response_type"),
		State:        p.get("state"),
		Nonce:        p.get("nonce"),
		Email:        p.get("email"),
		Password:     p.get("password"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.logger.WithFields(logrus.Fields{
		"client_id": resp.ClientID,
		"user_id":   resp.UserID,
	}).Info("authorization code issued")

	s.writeSuccess(w, http.StatusOK, "Authorization code generated successfully.", map[string]string{
		"uri": resp.URI,
	})
}

// tokenResponse carries the standard OAuth2 token fields at the top level,
// next to the envelope, so stock OAuth2 clients can read it.
type tokenResponse struct {
	envelope

	IDToken     string `json:"id_token"`
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

type tokenData struct {
	Token string `json:"token"`
	State string `json:"state"`
	Nonce string `json:"nonce"`
}

// handleToken exchanges an authorization code for an identity token.
//
// https://tools.ietf.org/html/rfc6749#section-4.1.3
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	p, err := readParams(r)
	if err != nil {
		s.logger.WithError(err).Debug("malformed token request body")
		s.writeFailure(w, http.StatusUnprocessableEntity, "Malformed request body.")
		return
	}

	clientID, clientSecret, ok := r.BasicAuth()
	if ok {
		// https://tools.ietf.org/html/rfc6749#section-2.3.1 form-encodes these
		if clientID, err = url.QueryUnescape(clientID); err != nil {
			s.writeFailure(w, http.StatusUnauthorized, "Invalid client credentials.")
			return
		}
		if clientSecret, err = url.QueryUnescape(clientSecret); err != nil {
			s.writeFailure(w, http.StatusUnauthorized, "Invalid client credentials.")
			return
		}
	} else {
		clientID = p.get("client_id")
		clientSecret = p.get("client_secret")
	}

	resp, err := s.oidc.Token(r.Context(), &core.TokenRequest{
		GrantType:    p.get("grant_type"),
		Code:         p.get("code"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURI:  p.get("redirect_uri"),
	})
	if err != nil {
		s.exchanges.WithLabelValues(core.KindOf(err).String()).Inc()
		s.writeError(w, r, err)
		return
	}
	s.exchanges.WithLabelValues("success").Inc()

	s.logger.WithFields(logrus.Fields{
		"client_id": resp.ClientID,
		"user_id":   resp.UserID,
	}).Info("authorization code redeemed")

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	s.writeJSON(w, http.StatusOK, tokenResponse{
		envelope: envelope{
			Success: true,
			Message: "Login successful.",
			Data: tokenData{
				Token: resp.IDToken,
				State: resp.State,
				Nonce: resp.Nonce,
			},
		},
		IDToken:     resp.IDToken,
		AccessToken: resp.IDToken,
		TokenType:   "Bearer",
		ExpiresIn:   int(resp.ExpiresAt.Sub(s.now()) / time.Second),
		Scope:       strings.Join(resp.Scopes, " "),
	})
}

// handleUser returns the user the bearer identity token was issued to.
func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	claims, ok := Claims(r.Context())
	if !ok {
		s.writeFailure(w, http.StatusUnauthorized, msgInvalidToken)
		return
	}

	u, err := s.users.Lookup(r.Context(), claims.Subject)
	if err != nil {
		if errors.Is(err, users.ErrNotFound) {
			s.logger.WithField("sub", claims.Subject).Debug("token subject no longer exists")
			s.writeFailure(w, http.StatusUnauthorized, msgInvalidToken)
			return
		}
		s.logger.WithError(err).Error("failed to look up token subject")
		s.writeFailure(w, http.StatusInternalServerError, "Internal server error.")
		return
	}

	s.writeSuccess(w, http.StatusOK, "Token is valid", map[string]interface{}{
		"valid": true,
		"user":  u,
	})
}

// handleRegister creates a user account.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	p, err := readParams(r)
	if err != nil {
		s.writeFailure(w, http.StatusUnprocessableEntity, "Malformed request body.")
		return
	}

	email, password := p.get("email"), p.get("password")
	if err := users.ValidateRegistration(email, password, p.get("password_confirmation")); err != nil {
		s.writeFailure(w, http.StatusUnprocessableEntity, validationMessage(err))
		return
	}

	u, err := s.users.Register(r.Context(), email, password)
	switch {
	case errors.Is(err, users.ErrAlreadyExists):
		s.writeFailure(w, http.StatusConflict, "Email is already registered.")
		return
	case errors.Is(err, users.ErrInvalid):
		s.writeFailure(w, http.StatusUnprocessableEntity, validationMessage(err))
		return
	case err != nil:
		s.logger.WithError(err).Error("failed to register user")
		s.writeFailure(w, http.StatusInternalServerError, "Failed to register user.")
		return
	}

	s.logger.WithField("user_id", u.ID).Info("user registered")
	s.writeSuccess(w, http.StatusOK, "Registration successful.", u)
}

// validationMessage strips the sentinel prefix from a users.ErrInvalid error.
func validationMessage(err error) string {
	msg := strings.TrimPrefix(err.Error(), users.ErrInvalid.Error()+": ")
	if msg == "" {
		return "Invalid registration."
	}
	return strings.ToUpper(msg[:1]) + msg[1:] + "."
}
