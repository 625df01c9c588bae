// Package gatewayhttp is the request gateway: an http.Handler that sits
// in front of protected application handlers and enforces authenticated
// access. Every inbound request is resolved against the session store,
// run through the authorization policy, and then forwarded, rejected, or
// redirected into the provider's sign-in flow.
package gatewayhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/authgate-go/auth"
	"github.com/ggoodman/authgate-go/authz"
	"github.com/ggoodman/authgate-go/internal/logctx"
	"github.com/ggoodman/authgate-go/login"
	"github.com/ggoodman/authgate-go/sessions"
	"github.com/ggoodman/authgate-go/storage"
	"github.com/ggoodman/authgate-go/storage/memory"
	"github.com/google/uuid"
)

var _ http.Handler = (*Gateway)(nil)

var (
	htmlMediaType   = contenttype.NewMediaType("text/html")
	jsonMediaType   = contenttype.NewMediaType("application/json")
	offerMediaTypes = []contenttype.MediaType{htmlMediaType, jsonMediaType}
)

const (
	// CallbackPath is the default path receiving the provider's
	// authorization-code redirect.
	CallbackPath = "/auth/callback"
	// LogoutPath is the default path revoking the caller's session.
	LogoutPath = "/auth/logout"

	cacheControlHeader = "Cache-Control"
	noStore            = "no-store"

	defaultMemoryItems = 16384
)

// Option configures the Gateway.
type Option func(*newConfig)

type newConfig struct {
	logger     *slog.Logger
	store      storage.Store
	policy     *authz.Policy
	httpClient *http.Client
}

// WithLogger sets the slog logger used by the gateway. If not provided,
// logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(c *newConfig) { c.logger = log }
}

// WithStore sets the backing store for sessions and login state. The
// default is an in-process memory store; pass a redis store to share
// state across replicas.
func WithStore(store storage.Store) Option {
	return func(c *newConfig) { c.store = store }
}

// WithPolicy sets the authorization policy. The default policy requires
// an authenticated identity for every resource.
func WithPolicy(policy *authz.Policy) Option {
	return func(c *newConfig) { c.policy = policy }
}

// WithHTTPClient sets the client used for provider discovery, key
// fetches, and the code exchange.
func WithHTTPClient(client *http.Client) Option {
	return func(c *newConfig) { c.httpClient = client }
}

// Gateway enforces authenticated access in front of next.
type Gateway struct {
	next     http.Handler
	sessions *sessions.Store
	login    *login.Orchestrator
	policy   *authz.Policy

	cookieName   string
	callbackPath string
	logoutPath   string
	secureCookie bool
	externalURL  *url.URL
	log          *slog.Logger
}

// New builds a Gateway from configuration. It performs provider
// discovery and an initial signing-key fetch; an unreachable provider is
// a startup failure, not a deferred one.
func New(ctx context.Context, cfg *Config, next http.Handler, opts ...Option) (*Gateway, error) {
	if cfg == nil {
		return nil, errors.New("gatewayhttp: config is required")
	}
	if next == nil {
		return nil, errors.New("gatewayhttp: next handler is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	nc := &newConfig{}
	for _, opt := range opts {
		opt(nc)
	}

	log := nc.logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	extURL, err := url.Parse(cfg.ExternalURL)
	if err != nil {
		return nil, fmt.Errorf("gatewayhttp: invalid external URL: %w", err)
	}

	callbackPath := cfg.CallbackPath
	if callbackPath == "" {
		callbackPath = CallbackPath
	}
	logoutPath := cfg.LogoutPath
	if logoutPath == "" {
		logoutPath = LogoutPath
	}

	verifierOpts := []auth.VerifierOption{auth.WithLeeway(cfg.Leeway)}
	if nc.httpClient != nil {
		verifierOpts = append(verifierOpts, auth.WithHTTPClient(nc.httpClient))
	}
	provider, err := auth.NewFromDiscovery(ctx, cfg.Issuer, cfg.ClientID, verifierOpts...)
	if err != nil {
		return nil, fmt.Errorf("gatewayhttp: provider discovery: %w", err)
	}

	store := nc.store
	if store == nil {
		store, err = memory.New(defaultMemoryItems)
		if err != nil {
			return nil, err
		}
	}

	sessionStore := sessions.NewStore(store, sessions.WithTTL(cfg.SessionTTL))

	loginOpts := []login.Option{
		login.WithAttemptTTL(cfg.LoginTTL),
		login.WithLogger(log),
	}
	if nc.httpClient != nil {
		loginOpts = append(loginOpts, login.WithHTTPClient(nc.httpClient))
	}
	orchestrator, err := login.New(provider, sessionStore, store, login.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  extURL.JoinPath(callbackPath).String(),
		Scopes:       cfg.ScopeList(),
	}, loginOpts...)
	if err != nil {
		return nil, err
	}

	policy := nc.policy
	if policy == nil {
		policy = authz.New()
	}

	return &Gateway{
		next:         next,
		sessions:     sessionStore,
		login:        orchestrator,
		policy:       policy,
		cookieName:   cfg.CookieName,
		callbackPath: callbackPath,
		logoutPath:   logoutPath,
		secureCookie: extURL.Scheme == "https",
		externalURL:  extURL,
		log:          log,
	}, nil
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		Path:       r.URL.Path,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
	})
	r = r.WithContext(ctx)

	switch r.URL.Path {
	case g.callbackPath:
		g.handleCallback(w, r)
		return
	case g.logoutPath:
		g.handleLogout(w, r)
		return
	}

	identity, sessionID := g.resolveIdentity(w, r)
	if identity != nil {
		ctx = ContextWithIdentity(ctx, *identity)
		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
			SessionID: sessionID,
			Subject:   identity.Subject,
		})
		r = r.WithContext(ctx)
	}

	switch decision := g.policy.Decide(identity, r.URL.Path); decision {
	case authz.Allow:
		g.next.ServeHTTP(w, r)
	case authz.Deny:
		g.log.WarnContext(ctx, "gateway.deny")
		g.writeFailure(w, r, http.StatusForbidden, "forbidden")
	case authz.Challenge:
		g.challenge(w, r)
	default:
		g.log.ErrorContext(ctx, "gateway.decision.unknown", slog.Int("decision", int(decision)))
		g.writeFailure(w, r, http.StatusInternalServerError, "internal error")
	}
}

// resolveIdentity maps the request's session cookie to a validated
// identity. Absent, expired, and revoked sessions all resolve to nil;
// the policy decides what happens next.
func (g *Gateway) resolveIdentity(w http.ResponseWriter, r *http.Request) (*auth.Identity, string) {
	ctx := r.Context()

	cookie, err := r.Cookie(g.cookieName)
	if err != nil || cookie.Value == "" {
		return nil, ""
	}

	sess, err := g.sessions.Lookup(ctx, cookie.Value)
	if err != nil {
		switch {
		case errors.Is(err, sessions.ErrExpired):
			g.log.InfoContext(ctx, "gateway.session.expired")
			g.clearCookie(w)
		case errors.Is(err, sessions.ErrNotFound):
			g.clearCookie(w)
		default:
			g.log.ErrorContext(ctx, "gateway.session.lookup_fail", slog.String("err", err.Error()))
		}
		return nil, ""
	}

	if err := g.sessions.Touch(ctx, sess.ID); err != nil {
		g.log.WarnContext(ctx, "gateway.session.touch_fail", slog.String("err", err.Error()))
	}
	return &sess.Identity, sess.ID
}

// challenge starts the login flow for browser clients and returns a bare
// 401 for clients preferring JSON, which cannot follow an interactive
// redirect.
func (g *Gateway) challenge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	w.Header().Set(cacheControlHeader, noStore)

	if prefersJSON(r) {
		g.log.InfoContext(ctx, "gateway.challenge.json")
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	authURL, err := g.login.Begin(ctx, r.URL.RequestURI())
	if err != nil {
		g.log.ErrorContext(ctx, "gateway.challenge.fail", slog.String("err", err.Error()))
		g.writeFailure(w, r, http.StatusInternalServerError, "authentication unavailable")
		return
	}

	g.log.InfoContext(ctx, "gateway.challenge.redirect")
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (g *Gateway) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	w.Header().Set(cacheControlHeader, noStore)

	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		g.writeFailure(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := r.URL.Query()
	if errCode := q.Get("error"); errCode != "" {
		// The provider declined; its error detail goes to the log only.
		g.log.WarnContext(ctx, "callback.provider_error", slog.String("error", errCode))
		g.writeFailure(w, r, http.StatusUnauthorized, "authentication failed, please retry")
		return
	}

	sessionID, returnTo, err := g.login.Complete(ctx, q.Get("state"), q.Get("code"))
	if err != nil {
		switch {
		case errors.Is(err, login.ErrReplayOrExpiredState):
			g.writeFailure(w, r, http.StatusUnauthorized, "authentication failed, please retry")
		case errors.Is(err, login.ErrCodeExchangeFailed):
			g.writeFailure(w, r, http.StatusBadGateway, "authentication failed, please retry")
		default:
			g.log.ErrorContext(ctx, "callback.fail", slog.String("err", err.Error()))
			g.writeFailure(w, r, http.StatusInternalServerError, "authentication failed, please retry")
		}
		return
	}

	g.setCookie(w, sessionID)
	http.Redirect(w, r, sanitizeReturnTo(returnTo), http.StatusFound)
}

func (g *Gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	w.Header().Set(cacheControlHeader, noStore)

	if cookie, err := r.Cookie(g.cookieName); err == nil && cookie.Value != "" {
		if err := g.sessions.Revoke(ctx, cookie.Value); err != nil {
			g.log.ErrorContext(ctx, "logout.revoke_fail", slog.String("err", err.Error()))
		} else {
			g.log.InfoContext(ctx, "logout.revoked")
		}
	}
	g.clearCookie(w)

	if prefersJSON(r) {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if endSession := g.login.EndSessionURL(g.externalURL.String()); endSession != "" {
		http.Redirect(w, r, endSession, http.StatusFound)
		return
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

func (g *Gateway) setCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     g.cookieName,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		Secure:   g.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

func (g *Gateway) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     g.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   g.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

// writeFailure renders a rejection in the caller's preferred
// representation. The message is always generic.
func (g *Gateway) writeFailure(w http.ResponseWriter, r *http.Request, status int, msg string) {
	if prefersJSON(r) {
		writeJSONError(w, status, msg)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintln(w, msg)
}

// writeJSONError emits a minimal JSON body for gateway-level rejections.
// Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// prefersJSON reports whether the client's Accept header favors JSON
// over HTML. Requests with no Accept header, or an unparseable one, are
// treated as browsers.
func prefersJSON(r *http.Request) bool {
	if r.Header.Get("Accept") == "" {
		return false
	}
	mt, _, err := contenttype.GetAcceptableMediaType(r, offerMediaTypes)
	if err != nil {
		return false
	}
	return mt.Matches(jsonMediaType)
}

// sanitizeReturnTo restricts post-login redirects to local paths so a
// crafted login URL cannot bounce the browser to an attacker origin.
func sanitizeReturnTo(returnTo string) string {
	if returnTo == "" || !strings.HasPrefix(returnTo, "/") || strings.HasPrefix(returnTo, "//") {
		return "/"
	}
	if u, err := url.Parse(returnTo); err != nil || u.Host != "" || u.Scheme != "" {
		return "/"
	}
	return returnTo
}

type identityKey struct{}

// ContextWithIdentity attaches a resolved identity for downstream
// handlers.
func ContextWithIdentity(ctx context.Context, identity auth.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the identity resolved by the gateway, if
// the request was authenticated.
func IdentityFromContext(ctx context.Context) (auth.Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(auth.Identity)
	return identity, ok
}
