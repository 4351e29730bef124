// Package registry holds the OAuth clients trusted by the service.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pardot/ssoidc/storage"
)

const (
	clientKeyspace   = "client"
	clientIDKeyspace = "client-id"
)

// DefaultScopes are granted to clients created without an explicit scope list.
var DefaultScopes = []string{"openid"}

var (
	// ErrNotFound is returned when no client matches a lookup.
	ErrNotFound = errors.New("client not found")
	// ErrAlreadyExists is returned when a client name is already taken.
	ErrAlreadyExists = errors.New("client already exists")
	// ErrInvalid is returned, wrapped with detail, for unusable client specs.
	ErrInvalid = errors.New("invalid client")
)

// Client is a registered relying party.
type Client struct {
	Name          string    `json:"name"`
	ClientID      string    `json:"clientId"`
	ClientSecret  string    `json:"clientSecret"`
	RedirectURI   string    `json:"redirectUri"`
	AllowedScopes []string  `json:"allowedScopes"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// ClientSpec is the administrator supplied part of a client.
type ClientSpec struct {
	Name        string   `json:"name"`
	RedirectURI string   `json:"redirectUri"`
	// AllowedScopes may be empty. Create then uses DefaultScopes, and Update
	// keeps the existing set.
	AllowedScopes []string `json:"allowedScopes,omitempty"`
}

// Registry stores clients, keyed by name with a secondary index by client ID.
// Credentials are generated here and never supplied by callers.
type Registry struct {
	storage storage.Storage

	now   func() time.Time
	newID func() string
}

func New(s storage.Storage) *Registry {
	return &Registry{
		storage: s,
		now:     time.Now,
		newID:   func() string { return uuid.New().String() },
	}
}

// Create registers a new client with a fresh ID and secret.
func (r *Registry) Create(ctx context.Context, spec ClientSpec) (*Client, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}

	now := r.now()
	c := &Client{
		Name:          spec.Name,
		ClientID:      r.newID(),
		ClientSecret:  r.newID(),
		RedirectURI:   spec.RedirectURI,
		AllowedScopes: normalizeScopes(spec.AllowedScopes),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if len(c.AllowedScopes) == 0 {
		c.AllowedScopes = append([]string(nil), DefaultScopes...)
	}

	if _, err := r.storage.Put(ctx, clientKeyspace, c.Name, 0, c); err != nil {
		if storage.IsConflictErr(err) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, c.Name)
		}
		return nil, fmt.Errorf("storing client %s: %w", c.Name, err)
	}

	if err := r.putIndex(ctx, c); err != nil {
		_ = r.storage.Delete(ctx, clientKeyspace, c.Name)
		return nil, err
	}

	return c, nil
}

// Update replaces the named client's details, optionally renaming it. The ID
// and secret are always regenerated, so an update is also a credential
// rotation.
func (r *Registry) Update(ctx context.Context, name string, spec ClientSpec) (*Client, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}

	existing := &Client{}
	version, err := r.storage.Get(ctx, clientKeyspace, name, existing)
	if err != nil {
		if storage.IsNotFoundErr(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("getting client %s: %w", name, err)
	}

	c := *existing
	c.Name = spec.Name
	c.RedirectURI = spec.RedirectURI
	if scopes := normalizeScopes(spec.AllowedScopes); len(scopes) > 0 {
		c.AllowedScopes = scopes
	}
	c.ClientID = r.newID()
	c.ClientSecret = r.newID()
	c.UpdatedAt = r.now()

	if c.Name == name {
		if _, err := r.storage.Put(ctx, clientKeyspace, c.Name, version, &c); err != nil {
			if storage.IsConflictErr(err) {
				return nil, fmt.Errorf("client %s was modified concurrently: %w", name, err)
			}
			return nil, fmt.Errorf("storing client %s: %w", name, err)
		}
	} else {
		if _, err := r.storage.Put(ctx, clientKeyspace, c.Name, 0, &c); err != nil {
			if storage.IsConflictErr(err) {
				return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, c.Name)
			}
			return nil, fmt.Errorf("storing client %s: %w", c.Name, err)
		}
		if err := r.storage.Delete(ctx, clientKeyspace, name); err != nil && !storage.IsNotFoundErr(err) {
			return nil, fmt.Errorf("removing renamed client %s: %w", name, err)
		}
	}

	if err := r.putIndex(ctx, &c); err != nil {
		return nil, err
	}
	r.dropIndex(ctx, existing.ClientID)

	return &c, nil
}

// Delete removes the named client. Its credentials stop working immediately.
func (r *Registry) Delete(ctx context.Context, name string) error {
	c, err := r.FindByName(ctx, name)
	if err != nil {
		return err
	}

	if err := r.storage.Delete(ctx, clientKeyspace, name); err != nil {
		if storage.IsNotFoundErr(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return fmt.Errorf("deleting client %s: %w", name, err)
	}
	r.dropIndex(ctx, c.ClientID)

	return nil
}

// List returns every client, ordered by name.
func (r *Registry) List(ctx context.Context) ([]*Client, error) {
	names, err := r.storage.List(ctx, clientKeyspace)
	if err != nil {
		return nil, fmt.Errorf("listing clients: %w", err)
	}
	sort.Strings(names)

	clients := make([]*Client, 0, len(names))
	for _, n := range names {
		c, err := r.FindByName(ctx, n)
		if errors.Is(err, ErrNotFound) {
			// deleted since the listing
			continue
		} else if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, nil
}

// FindByName returns the client with exactly the given name.
func (r *Registry) FindByName(ctx context.Context, name string) (*Client, error) {
	c := &Client{}
	if _, err := r.storage.Get(ctx, clientKeyspace, name, c); err != nil {
		if storage.IsNotFoundErr(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("getting client %s: %w", name, err)
	}
	return c, nil
}

// FindByClientID returns the client currently holding the given ID. IDs
// retired by an update no longer match.
func (r *Registry) FindByClientID(ctx context.Context, clientID string) (*Client, error) {
	if clientID == "" {
		return nil, ErrNotFound
	}

	var name string
	if _, err := r.storage.Get(ctx, clientIDKeyspace, clientID, &name); err != nil {
		if storage.IsNotFoundErr(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting client id %s: %w", clientID, err)
	}

	c, err := r.FindByName(ctx, name)
	if err != nil {
		return nil, err
	}
	// an index entry left behind by an interrupted update
	if c.ClientID != clientID {
		return nil, ErrNotFound
	}
	return c, nil
}

func (r *Registry) putIndex(ctx context.Context, c *Client) error {
	if _, err := r.storage.Put(ctx, clientIDKeyspace, c.ClientID, 0, c.Name); err != nil {
		return fmt.Errorf("indexing client %s: %w", c.Name, err)
	}
	return nil
}

func (r *Registry) dropIndex(ctx context.Context, clientID string) {
	// a stale entry is harmless, FindByClientID cross checks the record
	_ = r.storage.Delete(ctx, clientIDKeyspace, clientID)
}

func validateSpec(spec ClientSpec) error {
	if strings.TrimSpace(spec.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if spec.RedirectURI == "" {
		return fmt.Errorf("%w: redirectUri is required", ErrInvalid)
	}
	u, err := url.Parse(spec.RedirectURI)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%w: redirectUri must be an absolute URL", ErrInvalid)
	}
	return nil
}

// normalizeScopes trims and de-duplicates, keeping first-seen order.
func normalizeScopes(scopes []string) []string {
	var (
		out  []string
		seen = map[string]bool{}
	)
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
