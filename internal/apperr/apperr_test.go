package apperr

import (
	"errors"
	"testing"
)

func TestErrorMessageWithCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(KindIO, "write frame", cause)
	if got := err.Error(); got != "io: write frame: boom" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(err, cause) {
		t.Error("expected Unwrap to expose the cause to errors.Is")
	}
}

func TestErrorMessageWithoutCause(t *testing.T) {
	err := New(KindProcessNotFound, "no such app")
	if got := err.Error(); got != "process_not_found: no such app" {
		t.Errorf("Error() = %q", got)
	}
}

func TestIsMatchesByKindNotMessage(t *testing.T) {
	err := New(KindAppAlreadyExists, "web")
	if !errors.Is(err, Sentinel(KindAppAlreadyExists)) {
		t.Error("expected errors.Is to match by kind")
	}
	if errors.Is(err, Sentinel(KindConfig)) {
		t.Error("expected errors.Is to reject a different kind")
	}
}

func TestKindOf(t *testing.T) {
	err := Wrap(KindTimeout, "stop", errors.New("deadline"))
	kind, ok := KindOf(err)
	if !ok || kind != KindTimeout {
		t.Errorf("KindOf = (%v, %v), want (timeout, true)", kind, ok)
	}

	if _, ok := KindOf(errors.New("plain")); ok {
		t.Error("expected KindOf to report ok=false for a non-apperr error")
	}
}

func TestKindOfUnwrapsWrappedError(t *testing.T) {
	inner := New(KindSpawnFailed, "exec failed")
	outer := errors.New("context: " + inner.Error())
	if _, ok := KindOf(outer); ok {
		t.Error("a plain wrapped string should not resolve to a Kind")
	}

	wrapped := Wrap(KindSupervisor, "monitor", inner)
	kind, ok := KindOf(wrapped)
	if !ok || kind != KindSupervisor {
		t.Errorf("KindOf(wrapped) = (%v, %v), want (supervisor, true)", kind, ok)
	}
}
