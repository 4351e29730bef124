package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

type bearerKind int

const (
	// the configured admin token
	bearerAdmin bearerKind = iota
	// an identity token issued by this server
	bearerIdentity
)

const (
	msgUnauthorized = "Unauthorized."
	msgInvalidToken = "Invalid token"
)

// requireBearer only lets requests through to next if they carry a bearer
// token of the given kind.
func (s *Server) requireBearer(kind bearerKind, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok, ok := bearerToken(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			s.writeFailure(w, http.StatusUnauthorized, msgUnauthorized)
			return
		}

		switch kind {
		case bearerAdmin:
			if s.adminToken == "" || subtle.ConstantTimeCompare([]byte(tok), []byte(s.adminToken)) != 1 {
				s.logger.WithField("path", r.URL.Path).Debug("admin token rejected")
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				s.writeFailure(w, http.StatusUnauthorized, msgUnauthorized)
				return
			}
		case bearerIdentity:
			claims, err := s.verifier.Verify(r.Context(), tok)
			if err != nil {
				s.logger.WithError(err).Debug("identity token rejected")
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				s.writeFailure(w, http.StatusUnauthorized, msgInvalidToken)
				return
			}
			r = r.WithContext(withClaims(r.Context(), claims))
		}

		next(w, r)
	}
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "

	auth := r.Header.Get("Authorization")
	if len(auth) <= len(prefix) || !strings.EqualFold(prefix, auth[:len(prefix)]) {
		return "", false
	}
	tok := strings.TrimSpace(auth[len(prefix):])
	return tok, tok != ""
}
