package middleware

// Session middleware for the endpoint processor/renderer pipeline.
//
// The session processor doubles as the authenticated-request guard for
// handlers that require a logged-in caller (see RequireLogin).

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/mnehpets/smartserve/endpoint"
)

var ErrNilSession = errors.New("nil session")

var errNotLoggedIn = errors.New("user not logged in")

// SessionIDBytes is the number of random bytes used to generate a session ID.
//
// 16 bytes -> 22 chars raw URL base64.
const SessionIDBytes = 16

// DefaultSessionPeriod is the default session lifetime.
const DefaultSessionPeriod = time.Hour * 24

// DefaultSessionCookieName is the default name for the session cookie.
const DefaultSessionCookieName = "sss"

// Session is request-scoped session state.
type Session interface {
	// ID returns the session identifier.
	// Returns an empty string if the user is not logged in.
	ID() string
	// Username returns the authenticated username and whether the user is
	// logged in. When not logged in, the username is empty.
	Username() (string, bool)
	// Login authenticates the user with the given username. This creates
	// a fresh session ID and clears any existing session data.
	Login(username string) error
	// Logout clears the session data and logs out the user.
	Logout() error
	// Expires returns the expiration time of the session, or the zero
	// time if the user is not logged in.
	Expires() time.Time
	// Get unmarshals the value associated with key into dest (a pointer).
	Get(key string, dest any) error
	// Set stores the value associated with key.
	Set(key string, value any) error
	// Delete removes the value associated with key from the session.
	Delete(key string)
}

// sessionData is the serializable session state, sealed into the session
// cookie via SecureCookieAEAD.
type sessionData struct {
	// ID is a random session identifier.
	ID string `cbor:"1,keyasint"`
	// Username is the authenticated username.
	Username string `cbor:"2,keyasint"`
	// Expires is the absolute expiry time for session validity.
	Expires time.Time `cbor:"3,keyasint"`
	// KV is an application-owned key/value bag.
	KV map[string]cbor.RawMessage `cbor:"4,keyasint,omitempty"`
}

// session implements Session with a dirty flag to track modification.
type session struct {
	data   *sessionData
	period time.Duration
	dirty  bool
}

func (s *session) ID() string {
	if s == nil || s.data == nil {
		return ""
	}
	return s.data.ID
}

func (s *session) Username() (string, bool) {
	if s == nil || s.data == nil {
		return "", false
	}
	return s.data.Username, true
}

func (s *session) Login(username string) error {
	if s == nil {
		return ErrNilSession
	}
	// Regenerate session state on login to prevent session fixation.
	sd, err := newSessionData(s.period)
	if err != nil {
		return err
	}
	sd.Username = username
	s.data = sd
	s.dirty = true
	return nil
}

func (s *session) Logout() error {
	if s == nil {
		return ErrNilSession
	}
	s.data = nil
	s.dirty = true
	return nil
}

func (s *session) Expires() time.Time {
	if s == nil || s.data == nil {
		return time.Time{}
	}
	return s.data.Expires
}

func (s *session) Get(key string, dest any) error {
	if s == nil || s.data == nil {
		return errNotLoggedIn
	}
	raw, ok := s.data.KV[key]
	if !ok {
		return errors.New("key not found")
	}
	return cbor.Unmarshal(raw, dest)
}

func (s *session) Set(key string, value any) error {
	if s == nil {
		return ErrNilSession
	}
	if s.data == nil {
		return errNotLoggedIn
	}
	raw, err := cbor.Marshal(value)
	if err != nil {
		return err
	}
	if s.data.KV == nil {
		s.data.KV = map[string]cbor.RawMessage{}
	}
	s.data.KV[key] = raw
	s.dirty = true
	return nil
}

func (s *session) Delete(key string) {
	if s == nil || s.data == nil || s.data.KV == nil {
		return
	}
	if _, ok := s.data.KV[key]; !ok {
		return
	}
	delete(s.data.KV, key)
	s.dirty = true
}

// newSessionData creates session state with a random ID and an absolute
// expiry period from now.
func newSessionData(period time.Duration) (*sessionData, error) {
	b := make([]byte, SessionIDBytes)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	if period <= 0 {
		period = DefaultSessionPeriod
	}
	// Truncate to second precision so the start of the valid period is in
	// the past.
	now := time.Now().Truncate(time.Second)
	return &sessionData{
		ID:      base64.RawURLEncoding.EncodeToString(b),
		Expires: now.Add(period),
		KV:      map[string]cbor.RawMessage{},
	}, nil
}

// sessionContextKey is an unexported unique key for storing sessions in context.
type sessionContextKey struct{}

// WithSession stores sess in ctx and returns the derived context.
func WithSession(ctx context.Context, sess Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext returns the Session stored in ctx, if any.
func SessionFromContext(ctx context.Context) (Session, bool) {
	sess, ok := ctx.Value(sessionContextKey{}).(Session)
	if !ok || sess == nil {
		return nil, false
	}
	return sess, true
}

// SessionProcessor is an endpoint processor that loads, validates, and
// persists the sealed session cookie around each request.
type SessionProcessor struct {
	cookie SecureCookie
	Period time.Duration
}

// SessionProcessorOption configures the SessionProcessor.
type SessionProcessorOption func(*sessionProcessorConfig)

type sessionProcessorConfig struct {
	cookieName    string
	cookieOptions []SecureCookieOption
	period        time.Duration
}

// WithCookieName sets the name of the secure cookie where the session data is stored.
func WithCookieName(name string) SessionProcessorOption {
	return func(c *sessionProcessorConfig) {
		c.cookieName = name
	}
}

// WithCookieOptions adds SecureCookieOptions to the session cookie configuration.
func WithCookieOptions(opts ...SecureCookieOption) SessionProcessorOption {
	return func(c *sessionProcessorConfig) {
		c.cookieOptions = append(c.cookieOptions, opts...)
	}
}

// WithPeriod sets the session lifetime.
func WithPeriod(d time.Duration) SessionProcessorOption {
	return func(c *sessionProcessorConfig) {
		c.period = d
	}
}

// NewSessionProcessor returns a SessionProcessor sealing session state
// with the given key ring.
func NewSessionProcessor(keyID string, keys map[string][]byte, opts ...SessionProcessorOption) (*SessionProcessor, error) {
	cfg := sessionProcessorConfig{
		cookieName: DefaultSessionCookieName,
		period:     DefaultSessionPeriod,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	cookie, err := NewSecureCookie(cfg.cookieName, keyID, keys, cfg.cookieOptions...)
	if err != nil {
		return nil, err
	}
	return &SessionProcessor{
		cookie: cookie,
		Period: cfg.period,
	}, nil
}

// Process implements endpoint.Processor.
func (p *SessionProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	if p.cookie == nil {
		return errors.New("SessionProcessor requires SecureCookie")
	}

	// Default to "no session".
	sess := &session{period: p.Period}

	if c, err := r.Cookie(p.cookie.Name()); err == nil {
		var sd sessionData
		if err := p.cookie.Decode(c, &sd); err == nil {
			if sd.KV == nil {
				sd.KV = map[string]cbor.RawMessage{}
			}
			if !sd.Expires.IsZero() && time.Now().Before(sd.Expires) {
				sess.data = &sd
			} else {
				// Expired: schedule a clear.
				sess.dirty = true
			}
		} else {
			// Tampered or undecodable: schedule a clear.
			sess.dirty = true
		}
	}

	// Just before headers are written, persist any changes.
	endpoint.Defer(r.Context(), func(w http.ResponseWriter) {
		p.maybeSetCookie(w, sess)
	})

	*r = *r.WithContext(WithSession(r.Context(), sess))
	return next(w, r)
}

func (p *SessionProcessor) maybeSetCookie(w http.ResponseWriter, sess *session) {
	if sess == nil {
		return
	}
	if sess.data == nil {
		if sess.dirty {
			http.SetCookie(w, p.cookie.Clear())
		}
		return
	}

	maxAge := int(time.Until(sess.data.Expires).Seconds())
	if maxAge <= 0 {
		http.SetCookie(w, p.cookie.Clear())
		return
	}
	if sess.dirty {
		if c, err := p.cookie.Encode(*sess.data, maxAge); err == nil {
			http.SetCookie(w, c)
		}
	}
}

// RequireLogin is an endpoint processor that rejects requests without a
// logged-in session. It must run after a SessionProcessor in the chain.
var RequireLogin endpoint.ProcessorFunc = func(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	sess, ok := SessionFromContext(r.Context())
	if !ok {
		return endpoint.Error(http.StatusUnauthorized, "authentication required", nil)
	}
	if username, loggedIn := sess.Username(); !loggedIn || username == "" {
		return endpoint.Error(http.StatusUnauthorized, "authentication required", nil)
	}
	return next(w, r)
}

var _ endpoint.Processor = (*SessionProcessor)(nil)
var _ Session = (*session)(nil)
