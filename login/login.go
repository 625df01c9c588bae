// Package login orchestrates the redirect-based authorization-code
// handshake with the identity provider. Each login attempt moves through
// Start (challenge received, redirect issued), AwaitingCallback,
// ExchangingCode, and Complete or Failed; the attempt's state lives in a
// persisted, single-use AuthRequestState record keyed by the OAuth state
// parameter.
//
// Two guarantees hold regardless of concurrency or retries: no session is
// created without both a successful code exchange and independent
// validation of the returned identity token, and no AuthRequestState is
// consumable twice.
package login

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/ggoodman/authgate-go/auth"
	"github.com/ggoodman/authgate-go/sessions"
	"github.com/ggoodman/authgate-go/storage"
	"golang.org/x/oauth2"
)

// ErrReplayOrExpiredState indicates the callback's state parameter matched
// no live login attempt: never issued, expired, or already consumed. The
// request is rejected; there is no silent retry.
var ErrReplayOrExpiredState = errors.New("login: replayed or expired state")

// ErrCodeExchangeFailed indicates the code-for-token exchange or the
// subsequent token validation failed. Surfaced to users as a generic
// authentication failure; details go to the log only.
var ErrCodeExchangeFailed = errors.New("login: code exchange failed")

const (
	keyPrefix  = "login:"
	tokenBytes = 32

	defaultAttemptTTL = 5 * time.Minute
)

// AuthRequestState is the transient record for one login attempt. It is
// created when the challenge redirect is issued and destroyed when the
// callback consumes it (or when it times out).
type AuthRequestState struct {
	State     string    `json:"state"`
	Nonce     string    `json:"nonce"`
	ReturnTo  string    `json:"return_to"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Config carries the client registration values the flow needs.
type Config struct {
	ClientID     string
	ClientSecret string
	// RedirectURL is this gateway's callback URL as registered with the
	// provider.
	RedirectURL string
	// Scopes defaults to "openid profile email". "openid" is always
	// included.
	Scopes []string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithAttemptTTL sets how long an issued challenge remains redeemable.
func WithAttemptTTL(ttl time.Duration) Option {
	return func(o *Orchestrator) { o.attemptTTL = ttl }
}

// WithLogger sets the slog logger. If not provided, logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// WithHTTPClient sets the HTTP client used for the token-endpoint call.
// The default times out after 10 seconds; the exchange is never retried.
func WithHTTPClient(client *http.Client) Option {
	return func(o *Orchestrator) { o.httpClient = client }
}

// Orchestrator drives login attempts from challenge to session.
type Orchestrator struct {
	provider   auth.Provider
	sessionSt  *sessions.Store
	states     storage.Store
	oauth      oauth2.Config
	endSession string

	attemptTTL time.Duration
	httpClient *http.Client
	log        *slog.Logger
	now        func() time.Time
}

// New builds an Orchestrator against the given provider. The states store
// holds AuthRequestState records and must provide atomic consume semantics;
// both bundled storage backends do.
func New(provider auth.Provider, sessionStore *sessions.Store, states storage.Store, cfg Config, opts ...Option) (*Orchestrator, error) {
	if provider == nil {
		return nil, errors.New("login: provider is required")
	}
	if sessionStore == nil {
		return nil, errors.New("login: session store is required")
	}
	if states == nil {
		return nil, errors.New("login: state store is required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("login: client id is required")
	}
	if cfg.RedirectURL == "" {
		return nil, errors.New("login: redirect url is required")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "profile", "email"}
	}
	if !contains(scopes, "openid") {
		scopes = append([]string{"openid"}, scopes...)
	}

	ep := provider.Endpoints()
	o := &Orchestrator{
		provider:  provider,
		sessionSt: sessionStore,
		states:    states,
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  ep.AuthorizationEndpoint,
				TokenURL: ep.TokenEndpoint,
			},
		},
		endSession: ep.EndSessionEndpoint,
		attemptTTL: defaultAttemptTTL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Begin starts a login attempt: it persists a fresh AuthRequestState and
// returns the provider authorization URL to redirect the caller to.
// returnTo is the originally requested URL, replayed after completion.
func (o *Orchestrator) Begin(ctx context.Context, returnTo string) (string, error) {
	state, err := randomToken()
	if err != nil {
		return "", err
	}
	nonce, err := randomToken()
	if err != nil {
		return "", err
	}

	now := o.now()
	record := AuthRequestState{
		State:     state,
		Nonce:     nonce,
		ReturnTo:  returnTo,
		CreatedAt: now,
		ExpiresAt: now.Add(o.attemptTTL),
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("login: encode state record: %w", err)
	}
	if err := o.states.Set(ctx, keyPrefix+state, raw, storage.WithTTL(o.attemptTTL)); err != nil {
		return "", fmt.Errorf("login: persist state record: %w", err)
	}

	authURL := o.oauth.AuthCodeURL(state, oauth2.SetAuthURLParam("nonce", nonce))
	o.log.InfoContext(ctx, "login.begin", slog.String("return_to", returnTo))
	return authURL, nil
}

// Complete handles the provider callback: it consumes the AuthRequestState
// for the given state (closing the replay window before any network call),
// exchanges the code, validates the returned identity token, and creates a
// session. It returns the new session ID and the URL the caller originally
// requested.
func (o *Orchestrator) Complete(ctx context.Context, state, code string) (sessionID string, returnTo string, err error) {
	if state == "" || code == "" {
		return "", "", fmt.Errorf("%w: missing state or code", ErrReplayOrExpiredState)
	}

	item, err := o.states.Consume(ctx, keyPrefix+state)
	if err != nil {
		return "", "", fmt.Errorf("login: consume state record: %w", err)
	}
	if item == nil {
		o.log.WarnContext(ctx, "login.state.replay")
		return "", "", ErrReplayOrExpiredState
	}

	var record AuthRequestState
	if err := json.Unmarshal(item.Data, &record); err != nil {
		return "", "", fmt.Errorf("login: decode state record: %w", err)
	}
	if o.now().After(record.ExpiresAt) {
		o.log.WarnContext(ctx, "login.state.expired")
		return "", "", ErrReplayOrExpiredState
	}

	// ExchangingCode: a direct call to the provider's token endpoint with
	// a bounded timeout and no retry.
	exCtx := context.WithValue(ctx, oauth2.HTTPClient, o.httpClient)
	tok, err := o.oauth.Exchange(exCtx, code)
	if err != nil {
		o.log.WarnContext(ctx, "login.exchange.fail", slog.String("err", err.Error()))
		return "", "", errors.Join(ErrCodeExchangeFailed, err)
	}

	rawID, ok := tok.Extra("id_token").(string)
	if !ok || rawID == "" {
		o.log.WarnContext(ctx, "login.exchange.no_id_token")
		return "", "", fmt.Errorf("%w: token response missing id_token", ErrCodeExchangeFailed)
	}

	// Independent validation: the exchange succeeding is not sufficient to
	// create a session.
	identity, err := o.provider.Verify(ctx, rawID, auth.WithNonce(record.Nonce))
	if err != nil {
		o.log.WarnContext(ctx, "login.token.invalid", slog.String("err", err.Error()))
		return "", "", errors.Join(ErrCodeExchangeFailed, err)
	}

	sid, err := o.sessionSt.Create(ctx, identity)
	if err != nil {
		return "", "", fmt.Errorf("login: create session: %w", err)
	}

	o.log.InfoContext(ctx, "login.complete", slog.String("subject", identity.Subject))
	return sid, record.ReturnTo, nil
}

// EndSessionURL returns the provider's end-session URL carrying the given
// post-logout redirect, or "" when the provider does not advertise one.
func (o *Orchestrator) EndSessionURL(postLogoutRedirect string) string {
	if o.endSession == "" {
		return ""
	}
	u, err := url.Parse(o.endSession)
	if err != nil {
		return ""
	}
	if postLogoutRedirect != "" {
		q := u.Query()
		q.Set("post_logout_redirect_uri", postLogoutRedirect)
		q.Set("client_id", o.oauth.ClientID)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func randomToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("login: generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
