package smart

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// WellKnownPath is the SMART configuration document location, resolved
// relative to the FHIR base URL.
const WellKnownPath = ".well-known/smart-configuration"

// maxDiscoveryBytes bounds how much of the configuration document we will
// read from the issuer.
const maxDiscoveryBytes = 1 << 20

// IssuerConfig is the authorization configuration published by a FHIR
// issuer. It is immutable once discovered and scoped to one flow attempt.
type IssuerConfig struct {
	// FHIRBaseURL is the iss value the flow started from. It is also the
	// aud parameter of the authorization request.
	FHIRBaseURL string `cbor:"1,keyasint"`

	AuthorizationEndpoint string `cbor:"2,keyasint"`
	TokenEndpoint         string `cbor:"3,keyasint"`

	// ScopesSupported is advisory; empty when the issuer does not
	// advertise scopes.
	ScopesSupported []string `cbor:"4,keyasint,omitempty"`
}

// smartConfiguration is the wire shape of the well-known document.
type smartConfiguration struct {
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	ScopesSupported       []string `json:"scopes_supported"`
}

// ValidateIssuerURL checks that iss is a well-formed absolute http(s) URL.
// It is called before any network traffic so a malformed iss never causes
// an outbound request.
func ValidateIssuerURL(iss string) (*url.URL, error) {
	u, err := url.Parse(iss)
	if err != nil {
		return nil, ErrInvalidIssuer
	}
	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return nil, ErrInvalidIssuer
	}
	return u, nil
}

// Discover fetches the issuer's SMART configuration document and extracts
// the authorization and token endpoints.
//
// Issuers that predate SMART discovery sometimes publish only OIDC
// metadata; when the SMART document is absent (404) we fall back to OIDC
// discovery before giving up.
//
// One outbound GET per attempt (two with the fallback); failures are not
// retried and abort the flow.
func Discover(ctx context.Context, client *http.Client, iss string) (*IssuerConfig, error) {
	if _, err := ValidateIssuerURL(iss); err != nil {
		return nil, err
	}
	if client == nil {
		client = http.DefaultClient
	}

	wellKnown := strings.TrimRight(iss, "/") + "/" + WellKnownPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return nil, &DiscoveryError{Issuer: iss, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, &DiscoveryError{Issuer: iss, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return discoverOIDC(ctx, client, iss)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &DiscoveryError{Issuer: iss, Err: fmt.Errorf("%s: HTTP %d", wellKnown, resp.StatusCode)}
	}

	var doc smartConfiguration
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDiscoveryBytes)).Decode(&doc); err != nil {
		return nil, &DiscoveryError{Issuer: iss, Err: fmt.Errorf("decode %s: %w", wellKnown, err)}
	}
	if doc.AuthorizationEndpoint == "" || doc.TokenEndpoint == "" {
		return nil, &DiscoveryError{Issuer: iss, Err: fmt.Errorf("%s: missing authorization_endpoint or token_endpoint", wellKnown)}
	}

	return &IssuerConfig{
		FHIRBaseURL:           iss,
		AuthorizationEndpoint: doc.AuthorizationEndpoint,
		TokenEndpoint:         doc.TokenEndpoint,
		ScopesSupported:       doc.ScopesSupported,
	}, nil
}

// discoverOIDC resolves the issuer endpoints from OIDC provider metadata.
func discoverOIDC(ctx context.Context, client *http.Client, iss string) (*IssuerConfig, error) {
	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, client), strings.TrimRight(iss, "/"))
	if err != nil {
		return nil, &DiscoveryError{Issuer: iss, Err: err}
	}
	ep := provider.Endpoint()
	if ep.AuthURL == "" || ep.TokenURL == "" {
		return nil, &DiscoveryError{Issuer: iss, Err: fmt.Errorf("OIDC metadata missing endpoints")}
	}
	return &IssuerConfig{
		FHIRBaseURL:           iss,
		AuthorizationEndpoint: ep.AuthURL,
		TokenEndpoint:         ep.TokenURL,
	}, nil
}
