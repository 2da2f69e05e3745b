package smart

import "testing"

func TestGenerateState(t *testing.T) {
	a, err := generateState()
	if err != nil {
		t.Fatalf("generateState: %v", err)
	}
	b, err := generateState()
	if err != nil {
		t.Fatalf("generateState: %v", err)
	}
	// 32 random bytes -> 43 chars of raw url base64.
	if len(a) != 43 {
		t.Fatalf("state length: got %d want 43", len(a))
	}
	if a == b {
		t.Fatalf("two states are identical: %q", a)
	}
}

func TestGeneratePKCE(t *testing.T) {
	verifier, challenge, err := generatePKCE()
	if err != nil {
		t.Fatalf("generatePKCE: %v", err)
	}
	// RFC 7636 requires a verifier of at least 43 characters.
	if len(verifier) != 43 {
		t.Fatalf("verifier length: got %d want 43", len(verifier))
	}
	if got := challengeS256(verifier); got != challenge {
		t.Fatalf("challenge: got %q want %q", challenge, got)
	}
	if verifier == challenge {
		t.Fatalf("challenge equals verifier")
	}

	v2, _, err := generatePKCE()
	if err != nil {
		t.Fatalf("generatePKCE: %v", err)
	}
	if verifier == v2 {
		t.Fatalf("two verifiers are identical")
	}
}

func TestChallengeS256_KnownVector(t *testing.T) {
	// Test vector from RFC 7636 appendix B.
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	want := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
	if got := challengeS256(verifier); got != want {
		t.Fatalf("challengeS256: got %q want %q", got, want)
	}
}

func TestValidateNextURLIsLocal(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", "/"},
		{"/", "/"},
		{"/dashboard", "/dashboard"},
		{"/smart?iss=https://fhir.example.org", "/smart?iss=https://fhir.example.org"},
		{"https://evil.example.org/", "/"},
		{"//evil.example.org/", "/"},
		{"javascript:alert(1)", "/"},
		{"dashboard", "/"},
	}
	for _, c := range cases {
		if got := ValidateNextURLIsLocal(c.in); got != c.want {
			t.Errorf("ValidateNextURLIsLocal(%q): got %q want %q", c.in, got, c.want)
		}
	}
}
