package smart

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"time"
)

// FlowStateMap is the type stored in the sealed cookie (state id -> FlowState).
type FlowStateMap map[string]FlowState

// FlowState is the per-attempt state of an in-flight authorization flow.
// It is sealed into the browser cookie, keyed by the state parameter sent
// to the issuer, and consumed exactly once at callback time.
type FlowState struct {
	// NextURL is the local path to redirect to after a successful login.
	NextURL string `cbor:"1,keyasint,omitempty"`

	// CodeVerifier is the PKCE verifier. Only its S256 challenge leaves
	// the system at authorization-request time; the verifier itself is
	// sent once, in the back-channel token exchange.
	CodeVerifier string `cbor:"2,keyasint,omitempty"`

	// Launch is the EHR launch context hint, round-tripped untouched.
	Launch string `cbor:"3,keyasint,omitempty"`

	// Issuer is the configuration discovered when this flow started.
	// Embedding it makes the callback self-contained.
	Issuer IssuerConfig `cbor:"4,keyasint,omitempty"`

	// Owner is the token store key for whoever initiated this flow.
	Owner string `cbor:"5,keyasint,omitempty"`

	// ExpiresAt is when this flow attempt stops being accepted.
	ExpiresAt time.Time `cbor:"6,keyasint,omitempty"`

	// Consumed marks a state that already went through the callback. The
	// entry stays in the cookie until ExpiresAt so a replayed callback is
	// reported as an expired session rather than a forged state.
	Consumed bool `cbor:"7,keyasint,omitempty"`
}

// stateLength is the number of random bytes behind the state parameter.
// 32 bytes gives 256 bits of entropy, comfortably above the 128-bit floor
// needed to make correlation values unguessable.
const stateLength = 32

// pkceVerifierLength is the number of random bytes behind the PKCE
// verifier. 32 bytes encode to a 43 character string under RawURLEncoding,
// the RFC 7636 minimum.
const pkceVerifierLength = 32

// generateState creates a random, URL-safe state identifier.
func generateState() (string, error) {
	b := make([]byte, stateLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// generatePKCE creates a PKCE verifier and its S256 challenge.
// The plain challenge method is not supported.
func generatePKCE() (verifier, challenge string, err error) {
	b := make([]byte, pkceVerifierLength)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	verifier = base64.RawURLEncoding.EncodeToString(b)
	challenge = challengeS256(verifier)
	return verifier, challenge, nil
}

// challengeS256 derives the S256 code challenge for a verifier:
// base64url, no padding, of the SHA-256 digest.
func challengeS256(verifier string) string {
	s := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(s[:])
}

// ValidateNextURLIsLocal sanitizes a post-login redirect target.
// Anything that is not a same-origin path (or is protocol-relative)
// collapses to "/", preventing open redirects.
func ValidateNextURLIsLocal(nextURL string) string {
	if nextURL == "" || !strings.HasPrefix(nextURL, "/") || strings.HasPrefix(nextURL, "//") {
		return "/"
	}
	return nextURL
}
