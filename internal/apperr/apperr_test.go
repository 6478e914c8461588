package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestNew(t *testing.T) {
	err := New(KindValidation, "bad field %q", "name")
	if err.Error() != `bad field "name"` {
		t.Fatalf("Error() = %q", err.Error())
	}
	if KindOf(err) != KindValidation {
		t.Fatalf("KindOf = %v", KindOf(err))
	}
}

func TestWrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(KindProvider, cause)
	if err.Error() != "connection reset" {
		t.Fatalf("Error() = %q", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Fatal("wrapped cause lost")
	}
	if KindOf(err) != KindProvider {
		t.Fatalf("KindOf = %v", KindOf(err))
	}
	if Wrap(KindProvider, nil) != nil {
		t.Fatal("Wrap(nil) must be nil")
	}
}

func TestKindOf_SeesThroughWrapping(t *testing.T) {
	inner := New(KindAuth, "token expired")
	outer := fmt.Errorf("authorize ticket: %w", inner)
	if KindOf(outer) != KindAuth {
		t.Fatalf("KindOf through %%w = %v", KindOf(outer))
	}
	if !Is(outer, KindAuth) {
		t.Fatal("Is(outer, KindAuth) = false")
	}
	if Is(outer, KindScript) {
		t.Fatal("Is matched the wrong kind")
	}
}

func TestKindOf_PlainError(t *testing.T) {
	if KindOf(errors.New("plain")) != 0 {
		t.Fatal("plain errors must report kind 0")
	}
	if KindOf(nil) != 0 {
		t.Fatal("nil must report kind 0")
	}
}

func TestError_MessageFallbacks(t *testing.T) {
	e := &Error{Kind: KindDispatch, Err: errors.New("from cause")}
	if e.Error() != "from cause" {
		t.Fatalf("Error() = %q", e.Error())
	}
	e = &Error{Kind: KindDispatch}
	if e.Error() != "unknown error" {
		t.Fatalf("Error() = %q", e.Error())
	}
}
