package validation

import (
	"strings"
	"testing"
)

func TestIsValidSessionID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"abc-123", true},
		{"550e8400-e29b-41d4-a716-446655440000", true},
		{"sess_9f8e7d6c5b4a", true},
		{"scam.report.42", true},
		{"A", true},

		// Invalid cases
		{"", false},
		{"-leading-dash", false},
		{"has space", false},
		{"semi;colon", false},
		{"slash/id", false},
		{strings.Repeat("a", MaxSessionIDLength+1), false},
	}

	for _, tc := range tests {
		result := IsValidSessionID(tc.id)
		if result != tc.valid {
			t.Errorf("IsValidSessionID(%q) = %v, want %v", tc.id, result, tc.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	// Test valid input
	errors := Validate(
		Required("sessionId", "abc-123"),
		ValidSessionID("sessionId", "abc-123"),
	)
	if len(errors) != 0 {
		t.Errorf("Expected no errors, got %v", errors)
	}

	// Test missing required field
	errors = Validate(
		Required("sessionId", ""),
	)
	if len(errors) != 1 {
		t.Fatalf("Expected 1 error, got %d", len(errors))
	}
	if errors[0].Field != "sessionId" {
		t.Errorf("Expected field sessionId, got %s", errors[0].Field)
	}

	// Test invalid session ID
	errors = Validate(
		ValidSessionID("sessionId", "bad id!"),
	)
	if len(errors) != 1 {
		t.Fatalf("Expected 1 error, got %d", len(errors))
	}

	// Empty value skips format check (Required handles presence)
	errors = Validate(
		ValidSessionID("sessionId", ""),
	)
	if len(errors) != 0 {
		t.Errorf("Expected no errors for empty optional field, got %v", errors)
	}

	// Multiple failures collect
	errors = Validate(
		Required("sessionId", ""),
		MaxLength("message", strings.Repeat("x", 11), 10),
	)
	if len(errors) != 2 {
		t.Errorf("Expected 2 errors, got %d", len(errors))
	}
	if errors.Error() == "" {
		t.Error("Expected non-empty error string")
	}
}

func TestMaxLength(t *testing.T) {
	// Under limit
	err := MaxLength("field", "hello", 10)()
	if err != nil {
		t.Error("Expected no error for string under limit")
	}

	// At limit
	err = MaxLength("field", "hello", 5)()
	if err != nil {
		t.Error("Expected no error for string at limit")
	}

	// Over limit
	err = MaxLength("field", "hello world", 5)()
	if err == nil {
		t.Error("Expected error for string over limit")
	}
}
