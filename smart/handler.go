package smart

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/mnehpets/smartserve/endpoint"
	"github.com/mnehpets/smartserve/middleware"
)

// Route paths, relative to the handler's base path.
const (
	LaunchPath   = "/smart"
	LoginPath    = "/smart/login"
	CallbackPath = "/smart/oauth_callback"
	JWKSPath     = "/smart/jwks"
)

// maxFlows is the maximum number of concurrent flow attempts per
// user-agent. Bounds cookie size and limits state replay surface.
const maxFlows = 3

// flowTTL is how long a flow attempt stays acceptable between login
// redirect and callback.
const flowTTL = 10 * time.Minute

// upstreamTimeout bounds the two outbound calls (discovery fetch, token
// exchange) so a hung issuer cannot pin a request indefinitely.
const upstreamTimeout = 10 * time.Second

// DefaultCookieName is the default name for the flow state cookie.
const DefaultCookieName = "sfs"

// DefaultScopes are requested when the configuration does not name any.
// These are the standard SMART scopes for patient-facing apps.
var DefaultScopes = []string{"openid", "profile", "fhirUser", "launch", "patient/*.*"}

// Config is the settings surface the flow consumes: client identity,
// requested scopes, and optional fixed redirect/issuer values.
type Config struct {
	// ClientID is the identifier registered with the issuer. Required.
	ClientID string

	// Scopes to request; DefaultScopes when empty.
	Scopes []string

	// RedirectURI, when set, is used verbatim for both the authorization
	// request and the token exchange. When empty it is derived from the
	// incoming request's origin plus CallbackPath; the two derivations
	// are identical, which the exchange depends on.
	RedirectURI string

	// DefaultIssuer is used when a launch request carries no iss.
	DefaultIssuer string

	// DefaultLaunchURL is the EHR launch URL surfaced to UIs; the flow
	// itself only round-trips the launch query parameter.
	DefaultLaunchURL string
}

// Handler orchestrates the SMART authorization flow across three HTTP
// round trips: launch, login redirect, and the issuer callback.
type Handler struct {
	mux      *http.ServeMux
	cfg      Config
	basePath string

	// publicURL, when set, anchors derived redirect URIs instead of the
	// incoming request's Host.
	publicURL string

	cookie middleware.SecureCookie
	tokens TokenStore
	client *http.Client
	logger *zap.Logger

	// clientKey enables asymmetric client authentication when non-nil.
	clientKey *ClientKey

	processors []endpoint.Processor

	cookieOptions []middleware.SecureCookieOption
}

// Option configures the Handler.
type Option func(*Handler)

// WithProcessors adds middleware processors to every flow endpoint.
// The session processor that authenticates the caller belongs here.
func WithProcessors(p ...endpoint.Processor) Option {
	return func(h *Handler) {
		h.processors = append(h.processors, p...)
	}
}

// WithCookieOptions configures the flow state cookie attributes.
func WithCookieOptions(opts ...middleware.SecureCookieOption) Option {
	return func(h *Handler) {
		h.cookieOptions = append(h.cookieOptions, opts...)
	}
}

// WithTokenStore replaces the default in-memory token store.
func WithTokenStore(s TokenStore) Option {
	return func(h *Handler) {
		h.tokens = s
	}
}

// WithHTTPClient replaces the outbound HTTP client used for discovery and
// token exchange.
func WithHTTPClient(c *http.Client) Option {
	return func(h *Handler) {
		h.client = c
	}
}

// WithLogger sets the flow logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) {
		h.logger = l
	}
}

// WithClientKey enables asymmetric client authentication: token exchanges
// carry a signed client assertion and the jwks endpoint serves the public
// key set.
func WithClientKey(k *ClientKey) Option {
	return func(h *Handler) {
		h.clientKey = k
	}
}

// LaunchParams are the query parameters of the launch endpoint.
type LaunchParams struct {
	Issuer  string `query:"iss"`
	Launch  string `query:"launch"`
	NextURL string `query:"next_url"`
}

// loginParams carry the launch context from the launch endpoint to login.
type loginParams struct {
	Issuer  string `query:"iss"`
	Launch  string `query:"launch"`
	NextURL string `query:"next_url"`
}

// CallbackParams are the query parameters the issuer redirects back with.
type CallbackParams struct {
	Code      string `query:"code"`
	State     string `query:"state"`
	Error     string `query:"error"`
	ErrorDesc string `query:"error_description"`
}

// NewHandler creates a flow Handler.
//
// cookieName/keyID/keys configure the sealed flow state cookie.
// publicURL may be empty, in which case redirect URIs are derived from
// each incoming request. basePath is where the handler is mounted.
func NewHandler(cfg Config, cookieName, keyID string, keys map[string][]byte, publicURL, basePath string, opts ...Option) (*Handler, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("smart: ClientID must be configured")
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultScopes
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}

	h := &Handler{
		mux:       http.NewServeMux(),
		cfg:       cfg,
		basePath:  basePath,
		publicURL: strings.TrimRight(publicURL, "/"),
		tokens:    NewMemoryTokenStore(),
		client:    &http.Client{Timeout: upstreamTimeout},
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}

	cookie, err := middleware.NewSecureCookie(cookieName, keyID, keys, h.cookieOptions...)
	if err != nil {
		return nil, err
	}
	h.cookie = cookie

	h.mux.HandleFunc("GET "+path.Join(basePath, LaunchPath), endpoint.HandleFunc(h.launch, h.processors...))
	h.mux.HandleFunc("GET "+path.Join(basePath, LoginPath), endpoint.HandleFunc(h.login, h.processors...))
	h.mux.HandleFunc("GET "+path.Join(basePath, CallbackPath), endpoint.HandleFunc(h.callback, h.processors...))
	h.mux.HandleFunc("GET "+path.Join(basePath, JWKSPath), endpoint.HandleFunc(h.jwks, h.processors...))

	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// launch is the flow entry point. It validates the issuer, then either
// returns the caller's existing token or bounces through login.
func (h *Handler) launch(w http.ResponseWriter, r *http.Request, params LaunchParams) (endpoint.Renderer, error) {
	iss := params.Issuer
	if iss == "" {
		iss = h.cfg.DefaultIssuer
	}
	if iss == "" {
		return nil, endpoint.Error(http.StatusBadRequest, ErrNoIssuer.Error(), ErrNoIssuer)
	}
	if _, err := ValidateIssuerURL(iss); err != nil {
		return nil, endpoint.Error(http.StatusBadRequest, err.Error(), err)
	}

	owner := flowOwner(r.Context())
	if tok, ok := h.tokens.Get(owner); ok && tok.Valid() {
		// Token handed back as an explicit response body; callers that
		// need it programmatically read it from the TokenStore instead.
		return &endpoint.JSONRenderer{Status: http.StatusOK, Value: tok}, nil
	}

	next := ValidateNextURLIsLocal(params.NextURL)
	if next == "/" {
		// Default to re-entering launch after login so the token is
		// returned to the caller that asked for it.
		next = r.URL.RequestURI()
	}

	q := url.Values{}
	q.Set("iss", iss)
	if params.Launch != "" {
		q.Set("launch", params.Launch)
	}
	q.Set("next_url", next)
	loginURL := path.Join(h.basePath, LoginPath) + "?" + q.Encode()
	return &endpoint.RedirectRenderer{URL: loginURL, Status: http.StatusFound}, nil
}

// login discovers the issuer, mints the flow state, seals it into the
// cookie, and redirects to the issuer's authorization endpoint.
func (h *Handler) login(w http.ResponseWriter, r *http.Request, params loginParams) (endpoint.Renderer, error) {
	iss := params.Issuer
	if iss == "" {
		iss = h.cfg.DefaultIssuer
	}
	if iss == "" {
		return nil, endpoint.Error(http.StatusBadRequest, ErrNoIssuer.Error(), ErrNoIssuer)
	}

	issuer, err := Discover(r.Context(), h.client, iss)
	if err != nil {
		if errors.Is(err, ErrInvalidIssuer) {
			return nil, endpoint.Error(http.StatusBadRequest, err.Error(), err)
		}
		h.logger.Error("issuer discovery failed", zap.String("iss", iss), zap.Error(err))
		return nil, endpoint.Error(http.StatusBadGateway, "issuer discovery failed", err)
	}

	state, err := generateState()
	if err != nil {
		return nil, endpoint.Error(http.StatusInternalServerError, "failed to generate state", err)
	}
	verifier, challenge, err := generatePKCE()
	if err != nil {
		return nil, endpoint.Error(http.StatusInternalServerError, "failed to generate PKCE", err)
	}

	fs := FlowState{
		NextURL:      ValidateNextURLIsLocal(params.NextURL),
		CodeVerifier: verifier,
		Launch:       params.Launch,
		Issuer:       *issuer,
		Owner:        flowOwner(r.Context()),
	}
	if err := h.addFlow(w, r, state, fs); err != nil {
		return nil, endpoint.Error(http.StatusInternalServerError, "failed to save flow state", err)
	}

	conf := h.oauthConfig(issuer, r)
	authOpts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("aud", issuer.FHIRBaseURL),
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	}
	if params.Launch != "" {
		authOpts = append(authOpts, oauth2.SetAuthURLParam("launch", params.Launch))
	}

	h.logger.Debug("redirecting to issuer",
		zap.String("iss", issuer.FHIRBaseURL),
		zap.String("authorization_endpoint", issuer.AuthorizationEndpoint))
	return &endpoint.RedirectRenderer{URL: conf.AuthCodeURL(state, authOpts...), Status: http.StatusFound}, nil
}

// callback validates the issuer's redirect against the stored flow state
// and exchanges the authorization code for a token.
//
// Check order: issuer error, missing code, missing/expired stored state,
// missing state param, state mismatch. Only when all pass does the token
// endpoint get called.
func (h *Handler) callback(w http.ResponseWriter, r *http.Request, params CallbackParams) (endpoint.Renderer, error) {
	if params.Error != "" {
		// The attempt is dead either way; drop any matching state.
		if params.State != "" {
			h.popFlow(w, r, params.State)
		}
		err := &IssuerError{Code: params.Error, Description: params.ErrorDesc}
		return nil, endpoint.Error(http.StatusBadRequest, err.Error(), err)
	}
	if params.Code == "" {
		return nil, endpoint.Error(http.StatusBadRequest, ErrMissingCode.Error(), ErrMissingCode)
	}

	fs, err := h.popFlow(w, r, params.State)
	if err != nil {
		if errors.Is(err, ErrStateMismatch) {
			h.logger.Warn("callback state does not match any stored flow",
				zap.String("state", params.State))
			return nil, endpoint.Error(http.StatusBadRequest, ErrStateMismatch.Error(), err)
		}
		if errors.Is(err, ErrMissingState) {
			return nil, endpoint.Error(http.StatusBadRequest, ErrMissingState.Error(), err)
		}
		return nil, endpoint.Error(http.StatusBadRequest, ErrSessionExpired.Error(), err)
	}

	tok, err := h.exchange(r.Context(), &fs, r, params.Code)
	if err != nil {
		return nil, endpoint.Error(http.StatusBadGateway, "token exchange failed", err)
	}

	h.tokens.Put(fs.Owner, tok)
	h.logger.Debug("token acquired", zap.String("owner", fs.Owner))

	next := fs.NextURL
	if next == "" {
		next = "/"
	}
	return &endpoint.RedirectRenderer{URL: next, Status: http.StatusFound}, nil
}

// exchange posts the authorization code and the original PKCE verifier to
// the issuer's token endpoint. Never retried: codes are single-use.
func (h *Handler) exchange(ctx context.Context, fs *FlowState, r *http.Request, code string) (*oauth2.Token, error) {
	conf := h.oauthConfig(&fs.Issuer, r)
	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_verifier", fs.CodeVerifier),
	}
	if h.clientKey != nil {
		assertion, err := h.clientKey.Assertion(h.cfg.ClientID, fs.Issuer.TokenEndpoint)
		if err != nil {
			return nil, &TokenExchangeError{Err: err}
		}
		opts = append(opts,
			oauth2.SetAuthURLParam("client_assertion_type", ClientAssertionType),
			oauth2.SetAuthURLParam("client_assertion", assertion),
		)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, h.client)
	tok, err := conf.Exchange(ctx, code, opts...)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			// Upstream body goes to the log for diagnosis, not to the
			// end user.
			h.logger.Error("token endpoint rejected the exchange",
				zap.String("token_endpoint", fs.Issuer.TokenEndpoint),
				zap.Int("status", re.Response.StatusCode),
				zap.ByteString("body", re.Body))
		} else {
			h.logger.Error("token exchange request failed",
				zap.String("token_endpoint", fs.Issuer.TokenEndpoint),
				zap.Error(err))
		}
		return nil, &TokenExchangeError{Err: err}
	}
	return tok, nil
}

// jwks serves the public key set for asymmetric client authentication.
func (h *Handler) jwks(w http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	if h.clientKey == nil {
		return nil, endpoint.Error(http.StatusNotFound, "no client key configured", nil)
	}
	return &endpoint.JSONRenderer{Status: http.StatusOK, Value: h.clientKey.JWKS()}, nil
}

// oauthConfig assembles the oauth2.Config for one issuer. The redirect
// URL must be byte-identical between the authorization request and the
// token exchange, so both go through this one place.
func (h *Handler) oauthConfig(issuer *IssuerConfig, r *http.Request) *oauth2.Config {
	return &oauth2.Config{
		ClientID: h.cfg.ClientID,
		Endpoint: oauth2.Endpoint{
			AuthURL:  issuer.AuthorizationEndpoint,
			TokenURL: issuer.TokenEndpoint,
		},
		RedirectURL: h.redirectURI(r),
		Scopes:      h.cfg.Scopes,
	}
}

// redirectURI resolves the callback URI: explicit configuration first,
// then the configured public URL, then the incoming request's origin.
func (h *Handler) redirectURI(r *http.Request) string {
	if h.cfg.RedirectURI != "" {
		return h.cfg.RedirectURI
	}
	base := h.publicURL
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
			scheme = fwd
		}
		base = scheme + "://" + r.Host
	}
	u, err := url.Parse(base)
	if err != nil {
		return base + path.Join(h.basePath, CallbackPath)
	}
	u.Path = path.Join(u.Path, h.basePath, CallbackPath)
	return u.String()
}

// flowOwner derives the token store key for the current caller: the
// session username when logged in, else the session ID, else a shared
// fallback key for unauthenticated hosts.
func flowOwner(ctx context.Context) string {
	if sess, ok := middleware.SessionFromContext(ctx); ok {
		if username, loggedIn := sess.Username(); loggedIn && username != "" {
			return "user:" + username
		}
		if id := sess.ID(); id != "" {
			return "session:" + id
		}
	}
	return "default"
}

// addFlow seals a new flow state into the cookie, pruning expired entries
// and evicting the oldest attempt when the per-browser cap is hit.
func (h *Handler) addFlow(w http.ResponseWriter, r *http.Request, state string, fs FlowState) error {
	flows := FlowStateMap{}
	if c, err := r.Cookie(h.cookie.Name()); err == nil {
		if err := h.cookie.Decode(c, &flows); err != nil {
			flows = FlowStateMap{}
		}
	}

	now := time.Now()
	for k, v := range flows {
		if !v.ExpiresAt.IsZero() && now.After(v.ExpiresAt) {
			delete(flows, k)
		}
	}
	if len(flows) >= maxFlows {
		// Evict consumed tombstones before live attempts, oldest first.
		var evictKey string
		var evictTime time.Time
		var evictConsumed bool
		for k, v := range flows {
			switch {
			case evictKey == "",
				v.Consumed && !evictConsumed,
				v.Consumed == evictConsumed && v.ExpiresAt.Before(evictTime):
				evictKey, evictTime, evictConsumed = k, v.ExpiresAt, v.Consumed
			}
		}
		if evictKey != "" {
			delete(flows, evictKey)
		}
	}

	fs.ExpiresAt = now.Add(flowTTL)
	flows[state] = fs

	c, err := h.cookie.Encode(flows, int(flowTTL.Seconds()))
	if err != nil {
		return err
	}
	http.SetCookie(w, c)
	return nil
}

// popFlow consumes the flow state for one callback. The consumed entry is
// replaced with a tombstone (kept until its TTL) whether or not the
// exchange that follows succeeds, so a replayed code/state pair fails with
// ErrSessionExpired even while other attempts are still live.
func (h *Handler) popFlow(w http.ResponseWriter, r *http.Request, state string) (FlowState, error) {
	c, err := r.Cookie(h.cookie.Name())
	if err != nil {
		return FlowState{}, ErrSessionExpired
	}

	flows := FlowStateMap{}
	if err := h.cookie.Decode(c, &flows); err != nil || len(flows) == 0 {
		return FlowState{}, ErrSessionExpired
	}

	if state == "" {
		return FlowState{}, ErrMissingState
	}

	fs, ok := flows[state]
	if !ok {
		return FlowState{}, ErrStateMismatch
	}
	if fs.Consumed {
		return FlowState{}, ErrSessionExpired
	}

	// Keep only what the tombstone needs; the verifier must not outlive
	// the attempt.
	flows[state] = FlowState{Consumed: true, ExpiresAt: fs.ExpiresAt}
	h.updateCookie(w, flows)

	if !fs.ExpiresAt.IsZero() && time.Now().After(fs.ExpiresAt) {
		return FlowState{}, ErrSessionExpired
	}
	return fs, nil
}

func (h *Handler) updateCookie(w http.ResponseWriter, flows FlowStateMap) {
	if len(flows) == 0 {
		http.SetCookie(w, h.cookie.Clear())
		return
	}
	if c, err := h.cookie.Encode(flows, int(flowTTL.Seconds())); err == nil {
		http.SetCookie(w, c)
	}
}
