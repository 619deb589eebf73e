package engine

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestInstallError_Error_Format(t *testing.T) {
	err := NewLifecycleError("docker", "configure", errors.New("download failed"))

	expected := "[permanent:module_lifecycle] module configure stage failed (module=docker, stage=configure): download failed"
	if err.Error() != expected {
		t.Errorf("Expected %q, got %q", expected, err.Error())
	}
}

func TestInstallError_Error_ModuleOnly(t *testing.T) {
	err := NewValidationError("unsupported os", nil).WithModule("system")

	if !strings.Contains(err.Error(), "(module=system)") {
		t.Errorf("Expected module context in message, got %q", err.Error())
	}
	if !strings.HasPrefix(err.Error(), "[permanent:validation]") {
		t.Errorf("Expected class and kind prefix, got %q", err.Error())
	}
}

func TestInstallError_Error_NoContext(t *testing.T) {
	err := NewGraphError("circular dependency detected", nil)

	if !strings.HasPrefix(err.Error(), "[permanent:graph] circular dependency detected") {
		t.Errorf("Expected bare prefix format, got %q", err.Error())
	}
}

func TestInstallError_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewTransientError("apt update failed", cause)

	if !errors.Is(err, cause) {
		t.Error("Expected cause reachable through errors.Is")
	}
	if err.Unwrap() != cause {
		t.Error("Expected Unwrap to return the cause")
	}
}

func TestInstallError_Is_MatchesKindAndClass(t *testing.T) {
	err := NewTransientError("first", nil)
	same := NewTransientError("second", nil)
	different := NewPermanentError("third", nil)

	if !errors.Is(err, same) {
		t.Error("Expected errors with same kind and class to match")
	}
	if errors.Is(err, different) {
		t.Error("Expected errors with different class not to match")
	}
	if errors.Is(err, errors.New("plain")) {
		t.Error("Expected plain error not to match")
	}
}

func TestErrorPredicates(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		throttled bool
		conflict  bool
		permanent bool
		retryable bool
	}{
		{"transient", NewTransientError("t", nil), true, false, false, false, true},
		{"throttled", NewThrottledError("t", nil), false, true, false, false, true},
		{"conflict", NewConflictError("c", nil), false, false, true, false, true},
		{"permanent", NewPermanentError("p", nil), false, false, false, true, false},
		{"plain", errors.New("plain"), false, false, false, false, false},
		{"nil", nil, false, false, false, false, false},
	}

	for _, tt := range tests {
		if got := IsTransient(tt.err); got != tt.transient {
			t.Errorf("%s: IsTransient=%t, want %t", tt.name, got, tt.transient)
		}
		if got := IsThrottled(tt.err); got != tt.throttled {
			t.Errorf("%s: IsThrottled=%t, want %t", tt.name, got, tt.throttled)
		}
		if got := IsConflict(tt.err); got != tt.conflict {
			t.Errorf("%s: IsConflict=%t, want %t", tt.name, got, tt.conflict)
		}
		if got := IsPermanent(tt.err); got != tt.permanent {
			t.Errorf("%s: IsPermanent=%t, want %t", tt.name, got, tt.permanent)
		}
		if got := IsRetryable(tt.err); got != tt.retryable {
			t.Errorf("%s: IsRetryable=%t, want %t", tt.name, got, tt.retryable)
		}
	}
}

func TestErrorPredicates_WrappedError(t *testing.T) {
	inner := NewTransientError("apt lock", nil)
	wrapped := fmt.Errorf("running module: %w", inner)

	if !IsTransient(wrapped) {
		t.Error("Expected wrapped transient error detected")
	}
	if !IsRetryable(wrapped) {
		t.Error("Expected wrapped error retryable")
	}
}

func TestIsCircuitOpen(t *testing.T) {
	open := NewCircuitOpenError("apt", 30*time.Second)

	if !IsCircuitOpen(open) {
		t.Error("Expected circuit-open error detected")
	}
	if IsCircuitOpen(NewTransientError("t", nil)) {
		t.Error("Expected transient error not circuit-open")
	}
	if !IsThrottled(open) {
		t.Error("Expected circuit-open error classified throttled")
	}
	if !strings.Contains(open.Error(), `circuit breaker "apt" is open`) {
		t.Errorf("Expected breaker name in message, got %q", open.Error())
	}
}

func TestRetryAfter(t *testing.T) {
	open := NewCircuitOpenError("apt", 30*time.Second)

	if got := RetryAfter(open); got != 30*time.Second {
		t.Errorf("Expected 30s, got %v", got)
	}
	if got := RetryAfter(NewTransientError("t", nil)); got != 0 {
		t.Errorf("Expected 0 for non-breaker error, got %v", got)
	}
	if got := RetryAfter(nil); got != 0 {
		t.Errorf("Expected 0 for nil error, got %v", got)
	}
}

func TestNewLifecycleError_InheritsClass(t *testing.T) {
	err := NewLifecycleError("docker", "configure", NewTransientError("network", nil))
	if err.Class != ErrorClassTransient {
		t.Errorf("Expected inherited transient class, got %s", err.Class)
	}

	err = NewLifecycleError("docker", "configure", errors.New("plain"))
	if err.Class != ErrorClassPermanent {
		t.Errorf("Expected permanent class for plain cause, got %s", err.Class)
	}
}

func TestNewRetryExhaustedError(t *testing.T) {
	cause := NewTransientError("mirror", nil)
	err := NewRetryExhaustedError("apt-get update", 3, cause)

	if err.Kind != KindRetryExhausted {
		t.Errorf("Expected retry_exhausted kind, got %s", err.Kind)
	}
	if err.Class != ErrorClassTransient {
		t.Errorf("Expected inherited class, got %s", err.Class)
	}
	if !strings.Contains(err.Error(), "all 3 attempts failed") {
		t.Errorf("Expected attempt count in message, got %q", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Error("Expected cause reachable through errors.Is")
	}
}

func TestInstallError_Builders(t *testing.T) {
	err := NewInternalError("boom", nil).
		WithModule("docker").
		WithStage("verify").
		WithOperation("docker run hello-world").
		WithClass(ErrorClassTransient).
		WithDetail("exit_code", 125)

	if err.Module != "docker" {
		t.Errorf("Expected module docker, got %s", err.Module)
	}
	if err.Stage != "verify" {
		t.Errorf("Expected stage verify, got %s", err.Stage)
	}
	if err.Operation != "docker run hello-world" {
		t.Errorf("Expected operation set, got %s", err.Operation)
	}
	if err.Class != ErrorClassTransient {
		t.Errorf("Expected class override, got %s", err.Class)
	}
	if err.Details["exit_code"] != 125 {
		t.Errorf("Expected detail recorded, got %v", err.Details)
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		kind ErrorKind
	}{
		{NewGraphError("g", nil), KindGraph},
		{NewValidationError("v", nil), KindValidation},
		{NewConfigError("c", nil), KindConfig},
		{NewPolicyError("p", nil), KindPolicy},
		{NewStoreError("s", nil), KindStore},
		{NewPluginError("p", nil), KindPlugin},
		{errors.New("plain"), KindInternal},
	}

	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.kind {
			t.Errorf("Expected kind %s, got %s", tt.kind, got)
		}
	}
}

func TestNewStoreError_Transient(t *testing.T) {
	err := NewStoreError("database locked", nil)

	if !IsTransient(err) {
		t.Error("Expected store errors classified transient")
	}
	if !IsRetryable(err) {
		t.Error("Expected store errors retryable")
	}
}
