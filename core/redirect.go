package core

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// ErrRedirectMismatch is returned, wrapped with the reason, when a redirect
// URI does not fall under the registered one.
var ErrRedirectMismatch = errors.New("redirect_uri not permitted")

// ValidateRedirectURI accepts requested if it has the same origin (scheme,
// host and port) as registered and its path starts with the registered path.
// Both must be absolute URLs. Dot segments are resolved before comparing, so
// a request can't climb out of the registered prefix.
func ValidateRedirectURI(registered, requested string) error {
	reg, err := parseAbsolute(registered)
	if err != nil {
		return fmt.Errorf("%w: registered uri: %v", ErrRedirectMismatch, err)
	}
	req, err := parseAbsolute(requested)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedirectMismatch, err)
	}

	if origin(reg) != origin(req) {
		return fmt.Errorf("%w: origin %s does not match", ErrRedirectMismatch, origin(req))
	}

	if !strings.HasPrefix(cleanPath(req.EscapedPath()), cleanPath(reg.EscapedPath())) {
		return fmt.Errorf("%w: path %s is outside the registered path", ErrRedirectMismatch, req.EscapedPath())
	}

	return nil
}

func parseAbsolute(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("%q is not an absolute url", raw)
	}
	return u, nil
}

// origin is scheme://host[:port]. url.Parse lower-cases the scheme only.
func origin(u *url.URL) string {
	return u.Scheme + "://" + strings.ToLower(u.Host)
}

// cleanPath resolves dot segments, keeping a trailing slash. The empty path
// is /. Segments spelled with %2e count as dot segments, as they do for
// browsers.
func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	segs := strings.Split(p, "/")
	for i, seg := range segs {
		if d := strings.ReplaceAll(strings.ToLower(seg), "%2e", "."); d == "." || d == ".." {
			segs[i] = d
		}
	}
	c := path.Clean(strings.Join(segs, "/"))
	if strings.HasSuffix(p, "/") && c != "/" {
		c += "/"
	}
	return c
}

// withCode returns the redirect target carrying code and state, keeping any
// query the redirect URI already has.
func withCode(redirectURI, code, state string) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("code", code)
	q.Set("state", state)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
