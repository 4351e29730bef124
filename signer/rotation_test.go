package signer

import (
	"context"
	"crypto/rsa"
	"io"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"github.com/pardot/ssoidc/storage/memory"
)

func keyIDs(t *testing.T, s Signer) []string {
	t.Helper()

	keys, err := s.PublicKeys(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, k := range keys.Keys {
		ids = append(ids, k.KeyID)
	}
	sort.Strings(ids)
	return ids
}

func TestKeyRotation(t *testing.T) {
	ctx := context.Background()

	l := logrus.New()
	l.SetOutput(io.Discard)

	// reuse one key, generating a fresh one per rotation is slow and the key
	// IDs change regardless
	key := mustGenRSAKey(2048)
	strategy := DefaultRotationStrategy(time.Hour, 2*time.Hour)
	strategy.key = func() (*rsa.PrivateKey, error) { return key, nil }

	now := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewRotating(l, memory.New(), strategy)
	s.now = func() time.Time { return now }

	currentKeyID := func() string {
		swk, err := s.signingKey(ctx)
		if err != nil {
			t.Fatal(err)
		}
		return swk.KeyID
	}

	if err := s.rotate(ctx); err != nil {
		t.Fatal(err)
	}
	first := currentKeyID()
	if diff := cmp.Diff([]string{first}, keyIDs(t, s)); diff != "" {
		t.Errorf("initial keys: %s", diff)
	}

	tok, err := s.Sign(ctx, []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}

	now = now.Add(30 * time.Minute)
	if err := s.rotate(ctx); err != nil {
		t.Fatal(err)
	}
	if got := currentKeyID(); got != first {
		t.Errorf("want no rotation before the frequency elapses, key changed to %s", got)
	}

	now = now.Add(31 * time.Minute)
	if err := s.rotate(ctx); err != nil {
		t.Fatal(err)
	}
	second := currentKeyID()
	if second == first {
		t.Fatal("want key rotated")
	}
	want := []string{first, second}
	sort.Strings(want)
	if diff := cmp.Diff(want, keyIDs(t, s)); diff != "" {
		t.Errorf("keys after rotation: %s", diff)
	}
	if _, err := s.VerifySignature(ctx, string(tok)); err != nil {
		t.Errorf("want token from demoted key still verifiable, got %v", err)
	}

	now = now.Add(2*time.Hour + time.Minute)
	if err := s.rotate(ctx); err != nil {
		t.Fatal(err)
	}
	third := currentKeyID()
	want = []string{second, third}
	sort.Strings(want)
	if diff := cmp.Diff(want, keyIDs(t, s)); diff != "" {
		t.Errorf("keys after expiry: %s", diff)
	}
	if _, err := s.VerifySignature(ctx, string(tok)); err == nil {
		t.Error("want token from expired key rejected")
	}
}
