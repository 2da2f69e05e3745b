package smart

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
)

func TestValidateIssuerURL(t *testing.T) {
	valid := []string{
		"https://fhir.example.org",
		"https://fhir.example.org/r4/",
		"http://localhost:8080/fhir",
	}
	for _, iss := range valid {
		if _, err := ValidateIssuerURL(iss); err != nil {
			t.Errorf("ValidateIssuerURL(%q): %v", iss, err)
		}
	}

	invalid := []string{
		"",
		"not a url",
		"fhir.example.org",
		"/relative/path",
		"ftp://fhir.example.org",
		"https://",
	}
	for _, iss := range invalid {
		if _, err := ValidateIssuerURL(iss); !errors.Is(err, ErrInvalidIssuer) {
			t.Errorf("ValidateIssuerURL(%q): got %v want ErrInvalidIssuer", iss, err)
		}
	}
}

func TestDiscover_SmartConfiguration(t *testing.T) {
	var gotPath, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAccept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"authorization_endpoint": "https://auth.example.org/authorize",
			"token_endpoint":         "https://auth.example.org/token",
			"scopes_supported":       []string{"openid", "launch"},
		})
	}))
	defer srv.Close()

	cfg, err := Discover(context.Background(), srv.Client(), srv.URL)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if gotPath != "/"+WellKnownPath {
		t.Fatalf("request path: got %q want %q", gotPath, "/"+WellKnownPath)
	}
	if gotAccept != "application/json" {
		t.Fatalf("Accept: got %q", gotAccept)
	}
	want := &IssuerConfig{
		FHIRBaseURL:           srv.URL,
		AuthorizationEndpoint: "https://auth.example.org/authorize",
		TokenEndpoint:         "https://auth.example.org/token",
		ScopesSupported:       []string{"openid", "launch"},
	}
	if !reflect.DeepEqual(cfg, want) {
		t.Fatalf("config: got %+v want %+v", cfg, want)
	}
}

func TestDiscover_TrailingSlashIssuer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/"+WellKnownPath {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"authorization_endpoint": "https://auth.example.org/authorize",
			"token_endpoint":         "https://auth.example.org/token",
		})
	}))
	defer srv.Close()

	cfg, err := Discover(context.Background(), srv.Client(), srv.URL+"/")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	// The iss round-trips as given, including the slash.
	if cfg.FHIRBaseURL != srv.URL+"/" {
		t.Fatalf("FHIRBaseURL: got %q want %q", cfg.FHIRBaseURL, srv.URL+"/")
	}
}

func TestDiscover_MissingEndpoints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"authorization_endpoint": "https://auth.example.org/authorize",
		})
	}))
	defer srv.Close()

	_, err := Discover(context.Background(), srv.Client(), srv.URL)
	var de *DiscoveryError
	if !errors.As(err, &de) {
		t.Fatalf("got %v want DiscoveryError", err)
	}
}

func TestDiscover_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := Discover(context.Background(), srv.Client(), srv.URL)
	var de *DiscoveryError
	if !errors.As(err, &de) {
		t.Fatalf("got %v want DiscoveryError", err)
	}
}

func TestDiscover_MalformedDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	_, err := Discover(context.Background(), srv.Client(), srv.URL)
	var de *DiscoveryError
	if !errors.As(err, &de) {
		t.Fatalf("got %v want DiscoveryError", err)
	}
}

func TestDiscover_OIDCFallback(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	// No SMART document; only OIDC provider metadata.
	mux.HandleFunc("/.well-known/smart-configuration", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 srv.URL,
			"authorization_endpoint": srv.URL + "/oidc/authorize",
			"token_endpoint":         srv.URL + "/oidc/token",
			"jwks_uri":               srv.URL + "/oidc/jwks",
		})
	})

	cfg, err := Discover(context.Background(), srv.Client(), srv.URL)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if cfg.AuthorizationEndpoint != srv.URL+"/oidc/authorize" {
		t.Fatalf("authorization endpoint: got %q", cfg.AuthorizationEndpoint)
	}
	if cfg.TokenEndpoint != srv.URL+"/oidc/token" {
		t.Fatalf("token endpoint: got %q", cfg.TokenEndpoint)
	}
}

func TestDiscover_NeitherDocument(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := Discover(context.Background(), srv.Client(), srv.URL)
	var de *DiscoveryError
	if !errors.As(err, &de) {
		t.Fatalf("got %v want DiscoveryError", err)
	}
}

func TestDiscover_InvalidIssuerNoNetwork(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	_, err := Discover(context.Background(), srv.Client(), "not a url")
	if !errors.Is(err, ErrInvalidIssuer) {
		t.Fatalf("got %v want ErrInvalidIssuer", err)
	}
	if called {
		t.Fatalf("network request made for malformed issuer")
	}
}
