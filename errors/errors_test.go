package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			if result := test.class.String(); result != test.expected {
				t.Errorf("expected %s, got %s", test.expected, result)
			}
		})
	}
}

func TestKind_String(t *testing.T) {
	tests := []struct {
		kind     Kind
		expected string
	}{
		{KindNone, "none"},
		{KindNegotiation, "negotiation"},
		{KindAllocation, "allocation"},
		{KindNode, "node"},
		{KindMisuse, "misuse"},
		{Kind(42), "none"},
	}

	for _, test := range tests {
		if result := test.kind.String(); result != test.expected {
			t.Errorf("kind %d: expected %s, got %s", test.kind, test.expected, result)
		}
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection timeout", ErrConnectionTimeout, true},
		{"connection lost", ErrConnectionLost, true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"context canceled", context.Canceled, true},
		{"invalid data", ErrInvalidData, false},
		{"timeout in message", fmt.Errorf("operation timeout occurred"), true},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("test")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("timeout")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if result := IsTransient(test.err); result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"invalid config", ErrInvalidConfig, true},
		{"alloc failed", ErrAllocFailed, true},
		{"resource exhausted", ErrResourceExhausted, true},
		{"connection timeout", ErrConnectionTimeout, false},
		{"panic in message", fmt.Errorf("panic: system failure"), true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if result := IsFatal(test.err); result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsInvalid(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"invalid data", ErrInvalidData, true},
		{"same port", ErrSamePort, true},
		{"link exists", ErrLinkExists, true},
		{"wrong direction", ErrWrongDirection, true},
		{"no format", ErrNoFormat, false},
		{"classified invalid", &ClassifiedError{Class: ErrorInvalid, Err: fmt.Errorf("test")}, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if result := IsInvalid(test.err); result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Kind
	}{
		{"nil", nil, KindNone},
		{"plain", errors.New("boom"), KindNone},
		{"no format", ErrNoFormat, KindNegotiation},
		{"wrapped no format", fmt.Errorf("negotiate: %w", ErrNoFormat), KindNegotiation},
		{"no pairing", ErrNoBufferPairing, KindAllocation},
		{"alloc failed", ErrAllocFailed, KindAllocation},
		{"same port", ErrSamePort, KindMisuse},
		{"classified node", WrapKind(errors.New("start"), KindNode, "Link", "start", "node start"), KindNode},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if result := KindOf(test.err); result != test.expected {
				t.Errorf("expected %v, got %v", test.expected, result)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "Link", "negotiate", "find format") != nil {
		t.Fatal("expected nil for nil error")
	}

	err := Wrap(ErrNoFormat, "Link", "negotiate", "find format")
	expected := "Link.negotiate: find format failed: no common format"
	if err.Error() != expected {
		t.Errorf("expected %q, got %q", expected, err.Error())
	}
	if !errors.Is(err, ErrNoFormat) {
		t.Error("wrapped error should match sentinel")
	}
}

func TestWrapClassified(t *testing.T) {
	base := errors.New("base")

	tests := []struct {
		name  string
		wrap  func(error, string, string, string) error
		class ErrorClass
	}{
		{"transient", WrapTransient, ErrorTransient},
		{"invalid", WrapInvalid, ErrorInvalid},
		{"fatal", WrapFatal, ErrorFatal},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.wrap(base, "Component", "Method", "action")
			var ce *ClassifiedError
			if !errors.As(err, &ce) {
				t.Fatalf("expected ClassifiedError, got %T", err)
			}
			if ce.Class != test.class {
				t.Errorf("expected class %v, got %v", test.class, ce.Class)
			}
			if ce.Component != "Component" || ce.Operation != "Method" {
				t.Errorf("unexpected context %s.%s", ce.Component, ce.Operation)
			}
			if !errors.Is(err, base) {
				t.Error("classified error should unwrap to base")
			}
			if test.wrap(nil, "c", "m", "a") != nil {
				t.Error("expected nil for nil error")
			}
		})
	}
}

func TestWrapKind(t *testing.T) {
	misuse := WrapKind(ErrSamePort, KindMisuse, "Context", "CreateLink", "validate ports")
	if !IsInvalid(misuse) {
		t.Error("misuse should be classified invalid")
	}

	alloc := WrapKind(ErrAllocFailed, KindAllocation, "Link", "allocate", "alloc buffers")
	if !IsFatal(alloc) {
		t.Error("allocation failure should be classified fatal")
	}
	if KindOf(alloc) != KindAllocation {
		t.Errorf("expected allocation kind, got %v", KindOf(alloc))
	}
	if !strings.Contains(alloc.Error(), "Link.allocate") {
		t.Errorf("missing context in %q", alloc.Error())
	}
}

func TestClassify(t *testing.T) {
	if Classify(ErrConnectionLost) != ErrorTransient {
		t.Error("connection lost should be transient")
	}
	if Classify(ErrInvalidConfig) != ErrorFatal {
		t.Error("invalid config should be fatal")
	}
	if Classify(ErrLinkExists) != ErrorInvalid {
		t.Error("link exists should be invalid")
	}
	if Classify(errors.New("mystery")) != ErrorTransient {
		t.Error("unknown errors default to transient")
	}
}

func BenchmarkKindOf(b *testing.B) {
	err := Wrap(ErrNoFormat, "Link", "negotiate", "find format")
	for i := 0; i < b.N; i++ {
		_ = KindOf(err)
	}
}
