package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/pardot/ssoidc/storage/memory"
)

func newTestCodeStore() (*CodeStore, *time.Time) {
	now := time.Now()
	cs := NewCodeStore(memory.New())
	cs.now = func() time.Time { return now }
	return cs, &now
}

var testIssueParams = IssueParams{
	ClientID:    "client-1",
	UserID:      "user-1",
	Scopes:      "openid,profile",
	Nonce:       "nonce",
	State:       "state",
	RedirectURI: "https://app.example/cb/extra",
}

func TestIssueThenRedeem(t *testing.T) {
	ctx := context.Background()
	cs, now := newTestCodeStore()

	issued, err := cs.Issue(ctx, testIssueParams, DefaultCodeTTL)
	if err != nil {
		t.Fatal(err)
	}
	if len(issued.Code) < 40 {
		t.Errorf("want a long random code, got %q", issued.Code)
	}
	if !issued.ExpiresAt.Equal(now.Add(DefaultCodeTTL)) {
		t.Errorf("want expiry %s, got %s", now.Add(DefaultCodeTTL), issued.ExpiresAt)
	}

	*now = now.Add(DefaultCodeTTL - time.Second)

	got, err := cs.Redeem(ctx, issued.Code, "client-1")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(issued, got, cmpopts.EquateApproxTime(time.Millisecond)); diff != "" {
		t.Errorf("redeemed code differs from issued: %s", diff)
	}

	if _, err := cs.Redeem(ctx, issued.Code, "client-1"); !errors.Is(err, ErrCodeNotFound) {
		t.Errorf("want not found on second redeem, got %v", err)
	}
}

func TestIssuedCodesAreUnique(t *testing.T) {
	ctx := context.Background()
	cs, _ := newTestCodeStore()

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		c, err := cs.Issue(ctx, testIssueParams, DefaultCodeTTL)
		if err != nil {
			t.Fatal(err)
		}
		if seen[c.Code] {
			t.Fatalf("duplicate code %s", c.Code)
		}
		seen[c.Code] = true
	}
}

func TestRedeemFailures(t *testing.T) {
	ctx := context.Background()

	for _, tc := range []struct {
		name     string
		clientID string
		advance  time.Duration
		wantErr  error
		wantLeft bool
	}{
		{
			name:     "client mismatch",
			clientID: "client-2",
			wantErr:  ErrClientMismatch,
			wantLeft: true,
		},
		{
			name:     "expired",
			clientID: "client-1",
			advance:  6 * time.Minute,
			wantErr:  ErrCodeExpired,
		},
		{
			name:     "expired exactly at expiry",
			clientID: "client-1",
			advance:  DefaultCodeTTL,
			wantErr:  ErrCodeExpired,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cs, now := newTestCodeStore()

			issued, err := cs.Issue(ctx, testIssueParams, DefaultCodeTTL)
			if err != nil {
				t.Fatal(err)
			}
			*now = now.Add(tc.advance)

			if _, err := cs.Redeem(ctx, issued.Code, tc.clientID); !errors.Is(err, tc.wantErr) {
				t.Fatalf("want %v, got %v", tc.wantErr, err)
			}

			_, err = cs.Redeem(ctx, issued.Code, "client-1")
			if tc.wantLeft {
				// another client can't burn the code
				if err != nil {
					t.Errorf("want the owning client to redeem it, got %v", err)
				}
				return
			}
			// the failed redemption consumed it
			if !errors.Is(err, ErrCodeNotFound) {
				t.Errorf("want not found after a failed redemption, got %v", err)
			}
		})
	}
}

func TestRedeemUnknown(t *testing.T) {
	cs, _ := newTestCodeStore()

	for _, code := range []string{"", "nope"} {
		if _, err := cs.Redeem(context.Background(), code, "client-1"); !errors.Is(err, ErrCodeNotFound) {
			t.Errorf("redeem %q: want not found, got %v", code, err)
		}
	}
}

func TestConcurrentRedeem(t *testing.T) {
	const redeemers = 16
	ctx := context.Background()
	cs, _ := newTestCodeStore()

	issued, err := cs.Issue(ctx, testIssueParams, DefaultCodeTTL)
	if err != nil {
		t.Fatal(err)
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		wins  int
		other []error
	)
	start := make(chan struct{})
	for i := 0; i < redeemers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := cs.Redeem(ctx, issued.Code, "client-1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case !errors.Is(err, ErrCodeNotFound):
				other = append(other, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins != 1 {
		t.Errorf("want exactly one successful redemption, got %d", wins)
	}
	if len(other) > 0 {
		t.Errorf("want only not found for the rest, got %v", other)
	}
}

func TestCodesStoredByHash(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	cs := NewCodeStore(s)

	issued, err := cs.Issue(ctx, testIssueParams, DefaultCodeTTL)
	if err != nil {
		t.Fatal(err)
	}

	keys, err := s.List(ctx, authCodeKeyspace)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0] == issued.Code || keys[0] != codeKey(issued.Code) {
		t.Errorf("want the code's hash as the only key, got %v", keys)
	}
}
