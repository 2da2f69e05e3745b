package smart

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

func testRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

func TestClientKey_Assertion(t *testing.T) {
	key := testRSAKey(t)
	ck, err := NewClientKey("key-1", key)
	if err != nil {
		t.Fatalf("NewClientKey: %v", err)
	}

	raw, err := ck.Assertion("my-client", "https://auth.example.org/token")
	if err != nil {
		t.Fatalf("Assertion: %v", err)
	}

	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.RS256})
	if err != nil {
		t.Fatalf("ParseSigned: %v", err)
	}
	if got := tok.Headers[0].KeyID; got != "key-1" {
		t.Fatalf("kid: got %q want %q", got, "key-1")
	}

	var claims jwt.Claims
	if err := tok.Claims(&key.PublicKey, &claims); err != nil {
		t.Fatalf("Claims: %v", err)
	}
	if claims.Issuer != "my-client" || claims.Subject != "my-client" {
		t.Fatalf("iss/sub: got %q/%q want my-client", claims.Issuer, claims.Subject)
	}
	if len(claims.Audience) != 1 || claims.Audience[0] != "https://auth.example.org/token" {
		t.Fatalf("aud: got %v", claims.Audience)
	}
	if claims.ID == "" {
		t.Fatalf("jti is empty")
	}
	if claims.Expiry.Time().Before(time.Now()) {
		t.Fatalf("assertion already expired: %v", claims.Expiry.Time())
	}

	// Each assertion gets a fresh jti.
	raw2, err := ck.Assertion("my-client", "https://auth.example.org/token")
	if err != nil {
		t.Fatalf("Assertion: %v", err)
	}
	tok2, err := jwt.ParseSigned(raw2, []jose.SignatureAlgorithm{jose.RS256})
	if err != nil {
		t.Fatalf("ParseSigned: %v", err)
	}
	var claims2 jwt.Claims
	if err := tok2.Claims(&key.PublicKey, &claims2); err != nil {
		t.Fatalf("Claims: %v", err)
	}
	if claims.ID == claims2.ID {
		t.Fatalf("jti reused: %q", claims.ID)
	}
}

func TestClientKey_JWKS(t *testing.T) {
	ck, err := NewClientKey("key-1", testRSAKey(t))
	if err != nil {
		t.Fatalf("NewClientKey: %v", err)
	}
	set := ck.JWKS()
	if len(set.Keys) != 1 {
		t.Fatalf("keys: got %d want 1", len(set.Keys))
	}
	k := set.Keys[0]
	if k.KeyID != "key-1" || k.Use != "sig" || k.Algorithm != "RS256" {
		t.Fatalf("key: got kid=%q use=%q alg=%q", k.KeyID, k.Use, k.Algorithm)
	}
	if !k.IsPublic() {
		t.Fatalf("JWKS contains a private key")
	}
}

func TestNewClientKey_Invalid(t *testing.T) {
	if _, err := NewClientKey("", testRSAKey(t)); err == nil {
		t.Fatalf("empty kid accepted")
	}
	if _, err := NewClientKey("key-1", nil); err == nil {
		t.Fatalf("nil key accepted")
	}
}

func TestLoadClientKey(t *testing.T) {
	key := testRSAKey(t)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("MarshalPKCS8PrivateKey: %v", err)
	}
	path := filepath.Join(t.TempDir(), "client.pem")
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	ck, err := LoadClientKey("key-1", path)
	if err != nil {
		t.Fatalf("LoadClientKey: %v", err)
	}
	raw, err := ck.Assertion("my-client", "https://auth.example.org/token")
	if err != nil {
		t.Fatalf("Assertion: %v", err)
	}
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.RS256})
	if err != nil {
		t.Fatalf("ParseSigned: %v", err)
	}
	var claims jwt.Claims
	if err := tok.Claims(&key.PublicKey, &claims); err != nil {
		t.Fatalf("Claims: %v", err)
	}
}

func TestLoadClientKey_PKCS1(t *testing.T) {
	key := testRSAKey(t)
	path := filepath.Join(t.TempDir(), "client.pem")
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadClientKey("key-1", path); err != nil {
		t.Fatalf("LoadClientKey: %v", err)
	}
}

func TestLoadClientKey_Missing(t *testing.T) {
	if _, err := LoadClientKey("key-1", filepath.Join(t.TempDir(), "nope.pem")); err == nil {
		t.Fatalf("missing file accepted")
	}
}
