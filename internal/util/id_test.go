package util

import (
	"strings"
	"testing"
	"testing/quick"
)

// TestShortID_TableDriven covers happy paths, boundaries, and edge cases.
func TestShortID_TableDriven(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"len_gt_8_ascii", "1234567890abcdef", "12345678"},
		{"len_eq_8_ascii", "12345678", "12345678"},
		{"len_lt_8_ascii", "abcd", "abcd"},
		{"empty_string", "", ""},
		{"uuid", "3f2b8c1e-9a4d-4e6f-8b2a-1c3d5e7f9a0b", "3f2b8c1e"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := ShortID(tc.in)
			if got != tc.want {
				t.Fatalf("ShortID(%q) = %q; want %q", tc.in, got, tc.want)
			}
		})
	}
}

// Property-based checks to validate invariants over a wide range of inputs.
func TestShortID_Properties_Quick(t *testing.T) {
	prop := func(s string) bool {
		got := ShortID(s)
		if len(got) > 8 {
			return false
		}
		if len(s) <= 8 {
			return got == s
		}
		return got == s[:8]
	}

	if err := quick.Check(prop, &quick.Config{MaxCount: 512}); err != nil {
		t.Fatalf("property check failed: %v", err)
	}
}

func TestNewActionID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewActionID()
		if len(id) != 12 {
			t.Fatalf("NewActionID() = %q; want 12 characters", id)
		}
		if strings.ContainsAny(id, "|/-") {
			t.Fatalf("NewActionID() = %q contains a remark delimiter", id)
		}
		if seen[id] {
			t.Fatalf("NewActionID() repeated %q", id)
		}
		seen[id] = true
	}
}
