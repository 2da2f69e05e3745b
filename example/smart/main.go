// Command smart runs a minimal web app protected by a session login and
// wired to the SMART-on-FHIR authorization flow.
//
// Configuration comes from the environment (optionally a .env file):
//
//	SMART_CLIENT_ID        client id registered with the issuer (required)
//	SMART_SCOPES           space-separated scopes (default: SMART defaults)
//	SMART_REDIRECT_URI     fixed redirect URI (default: derived per request)
//	SMART_DEFAULT_ISSUER   issuer used when /smart is hit without ?iss=
//	SMART_DEFAULT_LAUNCH   launch URL surfaced on the home page
//	SMART_CLIENT_KEY_FILE  PEM RSA key enabling asymmetric client auth
//	SMART_CLIENT_KEY_ID    kid for the client key (default "1")
//	PUBLIC_URL             public base URL (default http://localhost:8888)
//	LISTEN_ADDR            listen address (default :8888)
//	COOKIE_KEY             base64url 32-byte sealing key (random if unset)
package main

import (
	"crypto/rand"
	"encoding/base64"
	"html/template"
	"log"
	"net/http"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/mnehpets/smartserve/endpoint"
	"github.com/mnehpets/smartserve/middleware"
	"github.com/mnehpets/smartserve/smart"
)

// Settings is the environment-backed configuration surface.
type Settings struct {
	ClientID         string   `env:"SMART_CLIENT_ID" env-required:"true"`
	Scopes           []string `env:"SMART_SCOPES" env-separator:" "`
	RedirectURI      string   `env:"SMART_REDIRECT_URI"`
	DefaultIssuer    string   `env:"SMART_DEFAULT_ISSUER"`
	DefaultLaunchURL string   `env:"SMART_DEFAULT_LAUNCH"`
	ClientKeyFile    string   `env:"SMART_CLIENT_KEY_FILE"`
	ClientKeyID      string   `env:"SMART_CLIENT_KEY_ID" env-default:"1"`
	PublicURL        string   `env:"PUBLIC_URL" env-default:"http://localhost:8888"`
	ListenAddr       string   `env:"LISTEN_ADDR" env-default:":8888"`
	CookieKey        string   `env:"COOKIE_KEY"`
}

const homeTemplate = `
<!DOCTYPE html>
<html>
<head>
	<title>SMART on FHIR Example</title>
</head>
<body>
	<h1>SMART on FHIR Example</h1>
	{{if .LoggedIn}}
		<p>Logged in as {{.Username}}.</p>
		{{if .DefaultIssuer}}
			<a href="/smart?iss={{.DefaultIssuer}}">Connect to FHIR server</a>
		{{else}}
			<p>Launch this app from your EHR, or visit /smart?iss=&lt;fhir base url&gt;.</p>
		{{end}}
	{{else}}
		<p>You are not logged in.</p>
		<a href="/login?user=demo">Login as demo</a>
	{{end}}
</body>
</html>
`

// HomeData is the data passed to the home template.
type HomeData struct {
	LoggedIn      bool
	Username      string
	DefaultIssuer string
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	var cfg Settings
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		log.Fatalf("settings: %v", err)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	key, err := cookieKey(cfg.CookieKey)
	if err != nil {
		log.Fatalf("COOKIE_KEY: %v", err)
	}
	keys := map[string][]byte{"key1": key}

	// Allow non-https cookies for http://localhost.
	sessionProcessor, err := middleware.NewSessionProcessor("key1", keys,
		middleware.WithCookieOptions(middleware.WithSecure(false)),
	)
	if err != nil {
		log.Fatal(err)
	}

	opts := []smart.Option{
		smart.WithLogger(logger.Named("smart")),
		smart.WithProcessors(sessionProcessor, middleware.RequireLogin),
		smart.WithCookieOptions(middleware.WithSecure(false)),
	}
	if cfg.ClientKeyFile != "" {
		clientKey, err := smart.LoadClientKey(cfg.ClientKeyID, cfg.ClientKeyFile)
		if err != nil {
			log.Fatalf("client key: %v", err)
		}
		opts = append(opts, smart.WithClientKey(clientKey))
	}

	smartHandler, err := smart.NewHandler(smart.Config{
		ClientID:         cfg.ClientID,
		Scopes:           cfg.Scopes,
		RedirectURI:      cfg.RedirectURI,
		DefaultIssuer:    cfg.DefaultIssuer,
		DefaultLaunchURL: cfg.DefaultLaunchURL,
	}, smart.DefaultCookieName, "key1", keys, cfg.PublicURL, "/", opts...)
	if err != nil {
		log.Fatalf("smart handler: %v", err)
	}

	tmpl := template.Must(template.New("home").Parse(homeTemplate))

	mux := http.NewServeMux()
	mux.Handle("/smart", smartHandler)
	mux.Handle("/smart/", smartHandler)

	// Demo-only login: any username is accepted. Real deployments put
	// their own identity layer here.
	mux.HandleFunc("GET /login", endpoint.HandleFunc(func(w http.ResponseWriter, r *http.Request, params struct {
		User    string `query:"user"`
		NextURL string `query:"next_url"`
	}) (endpoint.Renderer, error) {
		sess, ok := middleware.SessionFromContext(r.Context())
		if !ok {
			return nil, endpoint.Error(http.StatusInternalServerError, "session not found", nil)
		}
		if params.User == "" {
			return nil, endpoint.Error(http.StatusBadRequest, "user required", nil)
		}
		if err := sess.Login(params.User); err != nil {
			return nil, endpoint.Error(http.StatusInternalServerError, "login failed", err)
		}
		return &endpoint.RedirectRenderer{URL: smart.ValidateNextURLIsLocal(params.NextURL), Status: http.StatusFound}, nil
	}, sessionProcessor))

	mux.HandleFunc("GET /", endpoint.HandleFunc(func(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
		data := HomeData{DefaultIssuer: cfg.DefaultIssuer}
		if sess, ok := middleware.SessionFromContext(r.Context()); ok {
			if username, loggedIn := sess.Username(); loggedIn && username != "" {
				data.LoggedIn = true
				data.Username = username
			}
		}
		return &endpoint.HTMLTemplateRenderer{Template: tmpl, Values: data}, nil
	}, sessionProcessor))

	log.Printf("Listening on %s", cfg.ListenAddr)
	if err := http.ListenAndServe(cfg.ListenAddr, mux); err != nil {
		log.Fatal(err)
	}
}

func cookieKey(encoded string) ([]byte, error) {
	if encoded == "" {
		key := make([]byte, middleware.KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		return key, nil
	}
	return base64.RawURLEncoding.DecodeString(encoded)
}
