package smart

import (
	"errors"
	"fmt"
)

// Flow failures are kept distinct so the endpoint boundary can map each to
// its own HTTP class: caller mistakes and CSRF suspicion are 4xx, upstream
// issuer failures are 502.
var (
	// ErrNoIssuer is returned when no iss parameter is supplied and no
	// default issuer is configured.
	ErrNoIssuer = errors.New("issuer (?iss=...) required")

	// ErrInvalidIssuer is returned when the iss parameter is not an
	// absolute http(s) URL. No network call is made in this case.
	ErrInvalidIssuer = errors.New("issuer must be an absolute http(s) URL")

	// ErrMissingCode is returned when the issuer callback carries no
	// authorization code.
	ErrMissingCode = errors.New("no code in callback from issuer")

	// ErrMissingState is returned when the issuer callback carries no
	// state parameter.
	ErrMissingState = errors.New("no state in callback from issuer")

	// ErrSessionExpired is returned when no stored flow state exists for
	// this browser. The user must restart from login.
	ErrSessionExpired = errors.New("login session expired, try logging in again")

	// ErrStateMismatch is returned when the callback state does not match
	// any state this handler stored. Treated as a potential CSRF attempt.
	ErrStateMismatch = errors.New("state from issuer does not match")
)

// IssuerError is the error the issuer itself reported via the callback
// error parameter (e.g. access_denied).
type IssuerError struct {
	Code        string
	Description string
}

func (e *IssuerError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("issuer error: %s (description: %s)", e.Code, e.Description)
	}
	return fmt.Sprintf("issuer error: %s", e.Code)
}

// DiscoveryError indicates the issuer's configuration document was
// unreachable or malformed. Fatal to the attempt; never retried.
type DiscoveryError struct {
	Issuer string
	Err    error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovering issuer %q: %v", e.Issuer, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// TokenExchangeError indicates the token endpoint rejected the code or was
// unreachable. Codes are single-use, so the exchange is never retried.
type TokenExchangeError struct {
	Err error
}

func (e *TokenExchangeError) Error() string {
	return fmt.Sprintf("token exchange failed: %v", e.Err)
}

func (e *TokenExchangeError) Unwrap() error { return e.Err }
