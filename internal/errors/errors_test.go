package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

type fitError struct{}

func (fitError) Error() string { return "zero variance" }
func (fitError) Kind() Kind    { return KindDegenerateFit }

func TestAppError_Error(t *testing.T) {
	err := New(KindValidation, "bad_k", "K must be positive")
	if got := err.Error(); got != "validation: K must be positive" {
		t.Errorf("Error() = %q", got)
	}

	wrapped := Wrap(fmt.Errorf("disk full"), KindStorage, "save_run", "saving run")
	if got := wrapped.Error(); got != "storage: saving run: disk full" {
		t.Errorf("Error() = %q", got)
	}
}

func TestAppError_Unwrap(t *testing.T) {
	inner := stderrors.New("inner")
	err := Wrap(inner, KindIO, "read", "reading file")
	if !stderrors.Is(err, inner) {
		t.Error("errors.Is should find the internal error")
	}
}

func TestAppError_Is(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(KindExternal, "login", "login failed"))

	if !stderrors.Is(err, &AppError{Kind: KindExternal}) {
		t.Error("should match by kind when code is empty")
	}
	if !stderrors.Is(err, &AppError{Kind: KindExternal, Code: "login"}) {
		t.Error("should match by kind and code")
	}
	if stderrors.Is(err, &AppError{Kind: KindExternal, Code: "logout"}) {
		t.Error("should not match a different code")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Kind
	}{
		{"nil", nil, ""},
		{"app error", New(KindIngestion, "x", "y"), KindIngestion},
		{"wrapped app error", fmt.Errorf("a: %w", New(KindDateParse, "x", "y")), KindDateParse},
		{"domain error", fmt.Errorf("fit: %w", fitError{}), KindDegenerateFit},
		{"plain error", stderrors.New("boom"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.expected {
				t.Errorf("KindOf() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestExitCode(t *testing.T) {
	if got := ExitCode(nil); got != 0 {
		t.Errorf("ExitCode(nil) = %d, want 0", got)
	}
	if got := ExitCode(fitError{}); got != 4 {
		t.Errorf("ExitCode(degenerate) = %d, want 4", got)
	}
	if got := ExitCode(stderrors.New("x")); got != 1 {
		t.Errorf("ExitCode(plain) = %d, want 1", got)
	}
}

func TestWithContext(t *testing.T) {
	err := New(KindStorage, "x", "y").WithContext("run_id", "abc")
	if err.Context["run_id"] != "abc" {
		t.Errorf("Context[run_id] = %v, want abc", err.Context["run_id"])
	}
}

func TestSentinel(t *testing.T) {
	errEmpty := Sentinel(KindUndefinedStatistic, "empty window")
	wrapped := fmt.Errorf("glucose: %w", errEmpty)

	if !stderrors.Is(wrapped, errEmpty) {
		t.Error("wrapped sentinel should match with errors.Is")
	}
	if KindOf(wrapped) != KindUndefinedStatistic {
		t.Errorf("KindOf() = %v, want undefined_statistic", KindOf(wrapped))
	}
	if errEmpty.Error() != "empty window" {
		t.Errorf("Error() = %q", errEmpty.Error())
	}
}
