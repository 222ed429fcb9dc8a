package validation

import "testing"

func TestNormalizeEmail(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"A@X.com", "a@x.com"},
		{"  user@example.org  ", "user@example.org"},
		{"already@lower.net", "already@lower.net"},
		{"", ""},
	}

	for _, tc := range cases {
		if got := NormalizeEmail(tc.in); got != tc.want {
			t.Fatalf("NormalizeEmail(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestIsValidEmail(t *testing.T) {
	valid := []string{"a@x.com", "user.name@sub.example.org"}
	invalid := []string{"", "no-at-sign", "@x.com", "a@", "a@@x.com", "a b@x.com"}

	for _, e := range valid {
		if !IsValidEmail(e) {
			t.Fatalf("IsValidEmail(%q) = false, want true", e)
		}
	}
	for _, e := range invalid {
		if IsValidEmail(e) {
			t.Fatalf("IsValidEmail(%q) = true, want false", e)
		}
	}
}
