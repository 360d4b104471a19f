package utils

import "testing"

func TestMatchPermission(t *testing.T) {
	cases := []struct {
		value, pattern string
		want           bool
	}{
		{"catalog:read", "catalog:read", true},
		{"catalog:read", "*", true},
		{"catalog:read", "catalog:*", true},
		{"catalog:read", "billing:*", false},
		{"catalog:read", "catalog:write", false},
		{"read", "read", true},
		{"read", "re*", true},
		{"read", "write", false},
	}
	for _, c := range cases {
		if got := MatchPermission(c.value, c.pattern); got != c.want {
			t.Errorf("MatchPermission(%q, %q) = %v, want %v", c.value, c.pattern, got, c.want)
		}
	}
}

func TestMatchAny(t *testing.T) {
	if !MatchAny("catalog:read", []string{"billing:*", "catalog:*"}) {
		t.Fatalf("expected a match on the second pattern")
	}
	if MatchAny("catalog:read", nil) {
		t.Fatalf("no patterns must not match")
	}
}

func TestSplitPermission(t *testing.T) {
	if r, a := SplitPermission("catalog:read"); r != "catalog" || a != "read" {
		t.Fatalf("got (%q, %q)", r, a)
	}
	if r, a := SplitPermission("export"); r != "" || a != "export" {
		t.Fatalf("bare identifier: got (%q, %q)", r, a)
	}
	if r, a := SplitPermission("a:b:c"); r != "a" || a != "b:c" {
		t.Fatalf("first separator wins: got (%q, %q)", r, a)
	}
}
