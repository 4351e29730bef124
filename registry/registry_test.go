package registry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/pardot/ssoidc/storage/memory"
)

func newTestRegistry() *Registry {
	r := New(memory.New())
	n := 0
	r.newID = func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
	r.now = func() time.Time { return time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC) }
	return r
}

func TestCreateAndFind(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()

	c, err := r.Create(ctx, ClientSpec{Name: "app", RedirectURI: "https://app.example/cb", AllowedScopes: []string{"openid", " profile", "openid"}})
	if err != nil {
		t.Fatal(err)
	}

	want := &Client{
		Name:          "app",
		ClientID:      "id-1",
		ClientSecret:  "id-2",
		RedirectURI:   "https://app.example/cb",
		AllowedScopes: []string{"openid", "profile"},
		CreatedAt:     r.now(),
		UpdatedAt:     r.now(),
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("created client: %s", diff)
	}

	byName, err := r.FindByName(ctx, "app")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, byName); diff != "" {
		t.Errorf("FindByName: %s", diff)
	}

	byID, err := r.FindByClientID(ctx, "id-1")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, byID); diff != "" {
		t.Errorf("FindByClientID: %s", diff)
	}
}

func TestCreateDefaultsScopes(t *testing.T) {
	c, err := newTestRegistry().Create(context.Background(), ClientSpec{Name: "app", RedirectURI: "https://app.example/cb"})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"openid"}, c.AllowedScopes); diff != "" {
		t.Error(diff)
	}
}

func TestCreateRejects(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()

	if _, err := r.Create(ctx, ClientSpec{Name: "app", RedirectURI: "https://app.example/cb"}); err != nil {
		t.Fatal(err)
	}

	for _, tc := range []struct {
		name    string
		spec    ClientSpec
		wantErr error
	}{
		{
			name:    "duplicate name",
			spec:    ClientSpec{Name: "app", RedirectURI: "https://other.example/cb"},
			wantErr: ErrAlreadyExists,
		},
		{
			name:    "missing name",
			spec:    ClientSpec{RedirectURI: "https://app.example/cb"},
			wantErr: ErrInvalid,
		},
		{
			name:    "missing redirect",
			spec:    ClientSpec{Name: "other"},
			wantErr: ErrInvalid,
		},
		{
			name:    "relative redirect",
			spec:    ClientSpec{Name: "other", RedirectURI: "/cb"},
			wantErr: ErrInvalid,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Create(ctx, tc.spec)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("want %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestUpdateRotatesCredentials(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()

	orig, err := r.Create(ctx, ClientSpec{Name: "app", RedirectURI: "https://app.example/cb", AllowedScopes: []string{"openid", "profile"}})
	if err != nil {
		t.Fatal(err)
	}

	updated, err := r.Update(ctx, "app", ClientSpec{Name: "app", RedirectURI: "https://app.example/callback"})
	if err != nil {
		t.Fatal(err)
	}

	if updated.ClientID == orig.ClientID || updated.ClientSecret == orig.ClientSecret {
		t.Errorf("want rotated credentials, got id %s secret %s", updated.ClientID, updated.ClientSecret)
	}
	if updated.RedirectURI != "https://app.example/callback" {
		t.Errorf("want new redirect, got %s", updated.RedirectURI)
	}
	if diff := cmp.Diff(orig.AllowedScopes, updated.AllowedScopes); diff != "" {
		t.Errorf("scopes should be kept when not supplied: %s", diff)
	}

	if _, err := r.FindByClientID(ctx, orig.ClientID); !errors.Is(err, ErrNotFound) {
		t.Errorf("want retired id not found, got %v", err)
	}
	got, err := r.FindByClientID(ctx, updated.ClientID)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(updated, got); diff != "" {
		t.Error(diff)
	}
}

func TestUpdateRename(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()

	for _, n := range []string{"app", "taken"} {
		if _, err := r.Create(ctx, ClientSpec{Name: n, RedirectURI: "https://app.example/cb"}); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := r.Update(ctx, "app", ClientSpec{Name: "taken", RedirectURI: "https://app.example/cb"}); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("want already exists renaming onto a taken name, got %v", err)
	}

	renamed, err := r.Update(ctx, "app", ClientSpec{Name: "renamed", RedirectURI: "https://app.example/cb"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.FindByName(ctx, "app"); !errors.Is(err, ErrNotFound) {
		t.Errorf("want old name gone, got %v", err)
	}
	got, err := r.FindByClientID(ctx, renamed.ClientID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "renamed" {
		t.Errorf("want renamed, got %s", got.Name)
	}
}

func TestUpdateMissing(t *testing.T) {
	_, err := newTestRegistry().Update(context.Background(), "nope", ClientSpec{Name: "nope", RedirectURI: "https://app.example/cb"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("want not found, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()

	c, err := r.Create(ctx, ClientSpec{Name: "app", RedirectURI: "https://app.example/cb"})
	if err != nil {
		t.Fatal(err)
	}

	if err := r.Delete(ctx, "app"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.FindByName(ctx, "app"); !errors.Is(err, ErrNotFound) {
		t.Errorf("want not found by name, got %v", err)
	}
	if _, err := r.FindByClientID(ctx, c.ClientID); !errors.Is(err, ErrNotFound) {
		t.Errorf("want not found by id, got %v", err)
	}
	if err := r.Delete(ctx, "app"); !errors.Is(err, ErrNotFound) {
		t.Errorf("want not found deleting twice, got %v", err)
	}
}

func TestListSorted(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()

	for _, n := range []string{"charlie", "alpha", "bravo"} {
		if _, err := r.Create(ctx, ClientSpec{Name: n, RedirectURI: "https://app.example/cb"}); err != nil {
			t.Fatal(err)
		}
	}

	clients, err := r.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, c := range clients {
		names = append(names, c.Name)
	}
	if diff := cmp.Diff([]string{"alpha", "bravo", "charlie"}, names); diff != "" {
		t.Error(diff)
	}
}

func TestLookupsAreExact(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()

	if _, err := r.Create(ctx, ClientSpec{Name: "App", RedirectURI: "https://app.example/cb"}); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"app", "APP", "App "} {
		if _, err := r.FindByName(ctx, name); !errors.Is(err, ErrNotFound) {
			t.Errorf("FindByName(%q): want not found, got %v", name, err)
		}
	}
	if _, err := r.FindByClientID(ctx, "ID-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("want client id lookup to be case sensitive, got %v", err)
	}
}
