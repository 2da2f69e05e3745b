package smart

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// assertionLifetime is how long a signed client assertion stays valid.
// Assertions are minted per token exchange, so this only needs to cover
// clock skew plus one round trip.
const assertionLifetime = 5 * time.Minute

// ClientAssertionType is the fixed client_assertion_type for JWT-based
// client authentication.
const ClientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// ClientKey signs client assertions for SMART asymmetric ("private key
// JWT") client authentication and publishes the matching JWKS.
type ClientKey struct {
	kid    string
	signer jose.Signer
	public jose.JSONWebKey
}

// NewClientKey wraps an RSA private key for RS256 client assertions.
// kid must match the key identifier registered with the issuer.
func NewClientKey(kid string, key *rsa.PrivateKey) (*ClientKey, error) {
	if kid == "" {
		return nil, errors.New("client key: kid must not be empty")
	}
	if key == nil {
		return nil, errors.New("client key: nil private key")
	}
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: key},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", kid),
	)
	if err != nil {
		return nil, fmt.Errorf("client key: %w", err)
	}
	return &ClientKey{
		kid:    kid,
		signer: signer,
		public: jose.JSONWebKey{
			Key:       &key.PublicKey,
			KeyID:     kid,
			Algorithm: string(jose.RS256),
			Use:       "sig",
		},
	}, nil
}

// LoadClientKey reads a PEM-encoded RSA private key (PKCS#1 or PKCS#8)
// from path.
func LoadClientKey(kid, path string) (*ClientKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("client key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("client key: no PEM block in %s", path)
	}
	var key *rsa.PrivateKey
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("client key: %w", err)
		}
	default:
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("client key: %w", err)
		}
		var ok bool
		key, ok = parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("client key: %s is not an RSA key", path)
		}
	}
	return NewClientKey(kid, key)
}

// Assertion mints a signed client assertion for one token exchange:
// iss and sub are the client_id, aud is the token endpoint, jti is random,
// exp is a few minutes out.
func (k *ClientKey) Assertion(clientID, tokenURL string) (string, error) {
	jti := make([]byte, 16)
	if _, err := rand.Read(jti); err != nil {
		return "", err
	}
	now := time.Now()
	claims := jwt.Claims{
		Issuer:   clientID,
		Subject:  clientID,
		Audience: jwt.Audience{tokenURL},
		ID:       base64.RawURLEncoding.EncodeToString(jti),
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(assertionLifetime)),
	}
	return jwt.Signed(k.signer).Claims(claims).Serialize()
}

// JWKS returns the public key set to publish at the jwks endpoint.
func (k *ClientKey) JWKS() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{k.public}}
}
