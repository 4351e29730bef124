package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	cause := errors.New("boom")

	for _, tc := range []struct {
		name string
		err  error
		want Kind
	}{
		{name: "direct", err: newError(KindExpired, msgExpiredCode, nil), want: KindExpired},
		{name: "wrapped", err: fmt.Errorf("handling: %w", newError(KindConflict, "taken", cause)), want: KindConflict},
		{name: "foreign error", err: cause, want: KindInternal},
	} {
		if got := KindOf(tc.err); got != tc.want {
			t.Errorf("%s: want %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestErrorUnwrapsCause(t *testing.T) {
	cause := errors.New("boom")
	err := newError(KindInternal, msgTokenFailed, cause)

	if !errors.Is(err, cause) {
		t.Error("want cause reachable via errors.Is")
	}
	if got, want := err.Error(), msgTokenFailed+": boom"; got != want {
		t.Errorf("want %q, got %q", want, got)
	}
}
