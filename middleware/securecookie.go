// Package middleware provides the cookie and session infrastructure the
// authorization flow consumes: an AEAD-sealed cookie codec and a session
// processor that acts as the authenticated-request guard.
package middleware

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrCookieFormat  = errors.New("invalid sealed cookie format")
	ErrCookieInvalid = errors.New("invalid sealed cookie")
	ErrCookieConfig  = errors.New("invalid secure cookie configuration")
)

// maxCookieLen bounds the amount of attacker-controlled data we will
// decode/allocate for a cookie value. Browsers typically cap individual
// cookie values around 4KB, but we enforce our own limit.
const maxCookieLen = 8192

// KeySize is the required key length for the cookie AEAD
// (XChaCha20-Poly1305).
const KeySize = chacha20poly1305.KeySize

// SecureCookie is a codec for sealing/unsealing cookie values.
type SecureCookie interface {
	// Name returns the cookie name used by this codec.
	Name() string
	Encode(plain any, maxAge int) (*http.Cookie, error)
	Decode(cookie *http.Cookie, v any) error
	// Clear returns an http.Cookie that clears this cookie in the client.
	Clear() *http.Cookie
}

// SecureCookieAEAD seals CBOR-encoded values with XChaCha20-Poly1305.
//
// Format: [keyID] "." [sealed_b64] where sealed = nonce || Seal(plaintext)
// and the AAD binds the cookie name, domain, path, and secure flag so a
// sealed value cannot be replayed under different cookie attributes.
//
// Key rotation: keys holds all accepted keys; keyID selects the current
// sealing key.
type SecureCookieAEAD struct {
	name     string
	path     string
	domain   string
	secure   bool
	sameSite http.SameSite

	keyID string
	keys  map[string][]byte
}

// SecureCookieOption configures the SecureCookie.
type SecureCookieOption func(*SecureCookieAEAD)

// WithPath configures the cookie path.
func WithPath(path string) SecureCookieOption {
	return func(sc *SecureCookieAEAD) {
		sc.path = path
	}
}

// WithDomain configures the cookie domain.
func WithDomain(domain string) SecureCookieOption {
	return func(sc *SecureCookieAEAD) {
		sc.domain = domain
	}
}

// WithSecure configures the cookie secure flag.
func WithSecure(secure bool) SecureCookieOption {
	return func(sc *SecureCookieAEAD) {
		sc.secure = secure
	}
}

// WithSameSite configures the cookie sameSite attribute.
func WithSameSite(sameSite http.SameSite) SecureCookieOption {
	return func(sc *SecureCookieAEAD) {
		sc.sameSite = sameSite
	}
}

// NewSecureCookie creates a SecureCookie.
//
// Defaults: Path "/", HttpOnly, Secure, SameSite Lax.
func NewSecureCookie(cookieName, keyID string, keys map[string][]byte, opts ...SecureCookieOption) (*SecureCookieAEAD, error) {
	if keys == nil {
		return nil, fmt.Errorf("%w: keys must not be nil", ErrCookieConfig)
	}
	if _, ok := keys[keyID]; !ok {
		return nil, fmt.Errorf("%w: keyID not found in keys", ErrCookieConfig)
	}
	for id, k := range keys {
		if len(k) != KeySize {
			return nil, fmt.Errorf("%w: key %s must be %d bytes", ErrCookieConfig, id, KeySize)
		}
	}

	sc := &SecureCookieAEAD{
		name:     cookieName,
		path:     "/",
		secure:   true,
		sameSite: http.SameSiteLaxMode,
		keyID:    keyID,
		keys:     keys,
	}
	for _, opt := range opts {
		opt(sc)
	}
	if sc.path == "" {
		sc.path = "/"
	}
	return sc, nil
}

// Name returns the cookie name.
func (sc *SecureCookieAEAD) Name() string {
	if sc == nil {
		return ""
	}
	return sc.name
}

// aad binds the cookie attributes to the sealed value.
func (sc *SecureCookieAEAD) aad() []byte {
	secureStr := "f"
	if sc.secure {
		secureStr = "t"
	}
	return []byte(sc.name + ":" + sc.domain + ":" + sc.path + ":" + secureStr)
}

// Encode marshals and seals plain and returns an http.Cookie carrying the value.
func (sc *SecureCookieAEAD) Encode(plain any, maxAge int) (*http.Cookie, error) {
	if sc == nil {
		return nil, ErrCookieConfig
	}
	if maxAge <= 0 {
		return nil, ErrCookieInvalid
	}

	plainBytes, err := cbor.Marshal(plain)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(sc.keys[sc.keyID])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	sealed := aead.Seal(nonce, nonce, plainBytes, sc.aad())

	return &http.Cookie{
		Name:     sc.name,
		Value:    sc.keyID + "." + base64.RawURLEncoding.EncodeToString(sealed),
		Path:     sc.path,
		Domain:   sc.domain,
		MaxAge:   maxAge,
		Secure:   sc.secure,
		HttpOnly: true,
		SameSite: sc.sameSite,
		Expires:  time.Now().Add(time.Duration(maxAge) * time.Second),
	}, nil
}

// Decode opens the cookie value and unmarshals it into v.
func (sc *SecureCookieAEAD) Decode(cookie *http.Cookie, v any) error {
	if sc == nil {
		return ErrCookieConfig
	}
	if cookie == nil {
		return ErrCookieFormat
	}
	value := cookie.Value
	if len(value) == 0 || len(value) > maxCookieLen {
		return ErrCookieFormat
	}

	keyID, encB64, ok := strings.Cut(value, ".")
	if !ok || keyID == "" || encB64 == "" {
		return ErrCookieFormat
	}
	key, ok := sc.keys[keyID]
	if !ok {
		return ErrCookieInvalid
	}

	// Strict rejects non-canonical trailing bits, so every sealed value
	// has exactly one encoding.
	sealed, err := base64.RawURLEncoding.Strict().DecodeString(encB64)
	if err != nil {
		return ErrCookieFormat
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return ErrCookieFormat
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plainBytes, err := aead.Open(nil, nonce, ciphertext, sc.aad())
	if err != nil {
		return ErrCookieInvalid
	}
	return cbor.Unmarshal(plainBytes, v)
}

// Clear returns a cookie that clears this cookie in the client.
func (sc *SecureCookieAEAD) Clear() *http.Cookie {
	if sc == nil {
		return nil
	}
	return &http.Cookie{
		Name:     sc.name,
		Domain:   sc.domain,
		Path:     sc.path,
		HttpOnly: true,
		Secure:   sc.secure,
		SameSite: sc.sameSite,
		Value:    "",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
	}
}

var _ SecureCookie = (*SecureCookieAEAD)(nil)
