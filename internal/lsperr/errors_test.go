package lsperr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorString(t *testing.T) {
	e := New(CodeSpawn, "gopls", "/work/proj", "executable not found")
	got := e.Error()
	want := "ESPAWN: gopls: executable not found"
	if got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	anon := New(CodeTimedOut, "", "", "request timed out")
	if anon.Error() != "ETIMEDOUT: request timed out" {
		t.Errorf("Error() = %q", anon.Error())
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(CodePipe, "gopls", "/p", nil) != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestUnwrap(t *testing.T) {
	inner := errors.New("broken pipe")
	e := Wrap(CodePipe, "gopls", "/p", inner)
	if !errors.Is(e, inner) {
		t.Error("wrapped error should satisfy errors.Is against the cause")
	}
}

func TestCodeOf(t *testing.T) {
	cases := []struct {
		err  error
		want Code
	}{
		{nil, ""},
		{New(CodeBroken, "x", "/p", "backing off"), CodeBroken},
		{fmt.Errorf("outer: %w", New(CodeInit, "x", "/p", "handshake")), CodeInit},
		{context.Canceled, CodeAborted},
		{context.DeadlineExceeded, CodeTimedOut},
		{errors.New("mystery"), CodeInternal},
	}
	for _, c := range cases {
		if got := CodeOf(c.err); got != c.want {
			t.Errorf("CodeOf(%v) = %q, want %q", c.err, got, c.want)
		}
	}
}

func TestCoerce(t *testing.T) {
	structured := New(CodeSpawn, "gopls", "/p", "nope")
	if got := Coerce("other", "/q", structured); got != structured {
		t.Error("Coerce should pass structured errors through unchanged")
	}

	plain := errors.New("something odd")
	got := Coerce("gopls", "/p", plain)
	if got.Code != CodeInternal {
		t.Errorf("Code = %q, want EINTERNAL", got.Code)
	}
	if got.ServerID != "gopls" || got.Root != "/p" {
		t.Errorf("identity not attached: %+v", got)
	}
	if !errors.Is(got, plain) {
		t.Error("coerced error should keep the cause")
	}

	if Coerce("x", "/p", nil) != nil {
		t.Error("Coerce(nil) should return nil")
	}
}

func TestIs(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", New(CodeTimedOut, "gopls", "/p", "slow"))
	if !Is(err, CodeTimedOut) {
		t.Error("Is should see through wrapping")
	}
	if Is(err, CodePipe) {
		t.Error("Is matched the wrong code")
	}
}
