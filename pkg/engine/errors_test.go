package engine

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestEngineErrorContext(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewTransientError("state database unavailable", cause).
		WithCode(ErrCodeStateStore).
		WithModule("nginx").
		WithOperation("configure")

	msg := err.Error()
	for _, want := range []string{"transient", "nginx", "configure", "connection refused"} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected %q in error message: %s", want, msg)
		}
	}

	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause")
	}

	var ee *EngineError
	wrapped := fmt.Errorf("outer: %w", err)
	if !errors.As(wrapped, &ee) {
		t.Fatal("expected errors.As to unwrap to EngineError")
	}
	if ee.Code != ErrCodeStateStore {
		t.Errorf("expected STATE_STORE_ERROR, got %s", ee.Code)
	}
}

func TestEngineErrorClassification(t *testing.T) {
	transient := NewTransientError("busy", nil)
	permanent := NewPermanentError("cycle", nil)

	if !IsTransient(transient) || IsTransient(permanent) {
		t.Error("IsTransient misclassified")
	}
	if !IsPermanent(permanent) || IsPermanent(transient) {
		t.Error("IsPermanent misclassified")
	}
	if IsTransient(errors.New("plain")) || IsPermanent(errors.New("plain")) {
		t.Error("plain errors must not classify")
	}
}

func TestEngineErrorIsMatchesClassAndCode(t *testing.T) {
	a := NewPermanentError("one", nil).WithCode(ErrCodeCycle)
	b := NewPermanentError("two", nil).WithCode(ErrCodeCycle)
	c := NewPermanentError("three", nil).WithCode(ErrCodeNotFound)

	if !errors.Is(a, b) {
		t.Error("expected same class and code to match")
	}
	if errors.Is(a, c) {
		t.Error("expected different codes not to match")
	}
}
