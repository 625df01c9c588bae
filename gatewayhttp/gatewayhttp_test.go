package gatewayhttp

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ggoodman/authgate-go/authz"
)

// fakeIdP is a complete in-process identity provider: discovery metadata,
// a JWKS endpoint, and a token endpoint that signs real id_tokens for
// codes the test has minted.
type fakeIdP struct {
	srv    *httptest.Server
	issuer string
	key    *rsa.PrivateKey
	kid    string

	mu    sync.Mutex
	codes map[string]string // code -> nonce bound at authorization time
	exp   time.Duration
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	idp := &fakeIdP{key: key, kid: "idp-key", codes: map[string]string{}, exp: time.Hour}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                   idp.issuer,
			"jwks_uri":                 idp.issuer + "/keys",
			"authorization_endpoint":   idp.issuer + "/oauth2/auth",
			"token_endpoint":           idp.issuer + "/oauth2/token",
			"end_session_endpoint":     idp.issuer + "/oauth2/logout",
			"response_types_supported": []string{"code"},
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key: &idp.key.PublicKey, KeyID: idp.kid, Algorithm: "RS256", Use: "sig",
		}}}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	})
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		code := r.PostFormValue("code")
		idp.mu.Lock()
		nonce, ok := idp.codes[code]
		delete(idp.codes, code)
		exp := idp.exp
		idp.mu.Unlock()
		if !ok {
			http.Error(w, "invalid code", http.StatusBadRequest)
			return
		}

		now := time.Now()
		claims := jwt.MapClaims{
			"iss":   idp.issuer,
			"sub":   "user-123",
			"aud":   "client-1",
			"exp":   now.Add(exp).Unix(),
			"iat":   now.Unix(),
			"nonce": nonce,
			"name":  "Ada Lovelace",
			"email": "ada@example.com",
		}
		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		tok.Header["kid"] = idp.kid
		signed, err := tok.SignedString(idp.key)
		if err != nil {
			http.Error(w, "sign failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at-1",
			"token_type":   "Bearer",
			"expires_in":   3600,
			"id_token":     signed,
		})
	})

	idp.srv = httptest.NewServer(mux)
	idp.issuer = idp.srv.URL
	t.Cleanup(idp.srv.Close)
	return idp
}

// mint binds a fresh authorization code to the nonce carried in the
// authorization redirect, standing in for the user consenting at the
// provider.
func (idp *fakeIdP) mint(code, nonce string) {
	idp.mu.Lock()
	idp.codes[code] = nonce
	idp.mu.Unlock()
}

func testConfig(issuer string) *Config {
	return &Config{
		Issuer:       issuer,
		ClientID:     "client-1",
		ClientSecret: "secret-1",
		ExternalURL:  "http://app.example.com",
		Scopes:       "openid profile email",
		CookieName:   "agid",
		SessionTTL:   8 * time.Hour,
		LoginTTL:     5 * time.Minute,
		Leeway:       60 * time.Second,
	}
}

func newTestGateway(t *testing.T, idp *fakeIdP, opts ...Option) *Gateway {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "home")
	})
	mux.HandleFunc("/secure", func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			http.Error(w, "identity missing", http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "hello %s", identity.Subject)
	})
	mux.HandleFunc("/admin", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "admin")
	})
	mux.HandleFunc("/public", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "public")
	})

	gw, err := New(context.Background(), testConfig(idp.issuer), mux, opts...)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	return gw
}

// challengeFor issues an unauthenticated request and returns the state and
// nonce from the resulting authorization redirect.
func challengeFor(t *testing.T, gw *Gateway, path string) (state, nonce string) {
	t.Helper()
	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("want 302 challenge for %s, got %d", path, rec.Code)
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	state, nonce = loc.Query().Get("state"), loc.Query().Get("nonce")
	if state == "" || nonce == "" {
		t.Fatalf("challenge redirect missing state or nonce: %s", loc)
	}
	return state, nonce
}

// signIn drives the full browser flow for path and returns the session
// cookie.
func signIn(t *testing.T, gw *Gateway, idp *fakeIdP, code, path string) *http.Cookie {
	t.Helper()
	state, nonce := challengeFor(t, gw, path)
	idp.mint(code, nonce)

	rec := httptest.NewRecorder()
	cb := httptest.NewRequest(http.MethodGet, CallbackPath+"?state="+url.QueryEscape(state)+"&code="+url.QueryEscape(code), nil)
	gw.ServeHTTP(rec, cb)
	if rec.Code != http.StatusFound {
		t.Fatalf("want 302 after callback, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Location"); got != path {
		t.Fatalf("callback should redirect to original URL %q, got %q", path, got)
	}
	for _, c := range rec.Result().Cookies() {
		if c.Name == "agid" && c.Value != "" {
			if !c.HttpOnly {
				t.Fatal("session cookie must be HttpOnly")
			}
			return c
		}
	}
	t.Fatal("callback did not set a session cookie")
	return nil
}

// Scenario: anonymous request is challenged, the callback establishes a
// session, and the session admits subsequent requests.
func TestLoginRoundTrip(t *testing.T) {
	idp := newFakeIdP(t)
	gw := newTestGateway(t, idp)

	cookie := signIn(t, gw, idp, "code-1", "/secure")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/secure", nil)
	req.AddCookie(cookie)
	gw.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200 with session, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "user-123") {
		t.Fatalf("identity not forwarded to handler: %q", rec.Body.String())
	}
}

// Scenario: a callback with a state that was never issued fails with a
// generic response and sets no session.
func TestCallbackUnknownState(t *testing.T) {
	idp := newFakeIdP(t)
	gw := newTestGateway(t, idp)

	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, CallbackPath+"?state=never-issued&code=code-1", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("want 401, got %d", rec.Code)
	}
	for _, c := range rec.Result().Cookies() {
		if c.Name == "agid" && c.Value != "" {
			t.Fatal("no session cookie may be set for an unknown state")
		}
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Fatalf("auth endpoints must not be cached, got %q", got)
	}
}

// Scenario: a replayed callback fails after the first one succeeded.
func TestCallbackReplay(t *testing.T) {
	idp := newFakeIdP(t)
	gw := newTestGateway(t, idp)

	state, nonce := challengeFor(t, gw, "/secure")
	idp.mint("code-1", nonce)

	cbURL := CallbackPath + "?state=" + url.QueryEscape(state) + "&code=code-1"

	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, cbURL, nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("first callback: want 302, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	gw.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, cbURL, nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("replayed callback: want 401, got %d", rec.Code)
	}
}

// Scenario: the session outlives its identity token; the next request is
// challenged rather than admitted.
func TestExpiredIdentityChallenged(t *testing.T) {
	idp := newFakeIdP(t)
	idp.exp = 300 * time.Millisecond
	gw := newTestGateway(t, idp)

	cookie := signIn(t, gw, idp, "code-1", "/secure")
	time.Sleep(500 * time.Millisecond)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/secure", nil)
	req.AddCookie(cookie)
	gw.ServeHTTP(rec, req)
	if rec.Code != http.StatusFound {
		t.Fatalf("expired session must be challenged, got %d", rec.Code)
	}
	cleared := false
	for _, c := range rec.Result().Cookies() {
		if c.Name == "agid" && c.Value == "" {
			cleared = true
		}
	}
	if !cleared {
		t.Fatal("stale session cookie should be cleared")
	}
}

// Scenario: logout revokes the session; the next request is challenged.
func TestLogout(t *testing.T) {
	idp := newFakeIdP(t)
	gw := newTestGateway(t, idp)

	cookie := signIn(t, gw, idp, "code-1", "/secure")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, LogoutPath, nil)
	req.AddCookie(cookie)
	gw.ServeHTTP(rec, req)
	if rec.Code != http.StatusFound {
		t.Fatalf("logout: want 302, got %d", rec.Code)
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse logout redirect: %v", err)
	}
	if !strings.HasPrefix(loc.String(), idp.issuer+"/oauth2/logout") {
		t.Fatalf("logout should redirect to provider end-session, got %s", loc)
	}
	if loc.Query().Get("post_logout_redirect_uri") == "" {
		t.Fatal("end-session redirect missing post_logout_redirect_uri")
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/secure", nil)
	req.AddCookie(cookie)
	gw.ServeHTTP(rec, req)
	if rec.Code != http.StatusFound {
		t.Fatalf("revoked session must be challenged, got %d", rec.Code)
	}
}

// Clients preferring JSON get a bare 401 instead of an interactive
// redirect.
func TestChallengeJSONClient(t *testing.T) {
	idp := newFakeIdP(t)
	gw := newTestGateway(t, idp)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/secure", nil)
	req.Header.Set("Accept", "application/json")
	gw.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("want 401 for JSON client, got %d", rec.Code)
	}
	var body struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error.Code != http.StatusUnauthorized {
		t.Fatalf("body error code = %d", body.Error.Code)
	}
}

// A policy rule the identity cannot satisfy produces a terminal 403, not
// a redirect loop.
func TestPolicyDeny(t *testing.T) {
	idp := newFakeIdP(t)
	gw := newTestGateway(t, idp, WithPolicy(authz.New(
		authz.RequireClaim("/admin", "role", "admin"),
	)))

	cookie := signIn(t, gw, idp, "code-1", "/secure")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.AddCookie(cookie)
	gw.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("want 403, got %d", rec.Code)
	}
}

func TestPolicyAllowAnonymous(t *testing.T) {
	idp := newFakeIdP(t)
	gw := newTestGateway(t, idp, WithPolicy(authz.New(
		authz.AllowAnonymous("/public"),
	)))

	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/public", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200 for exempt resource, got %d", rec.Code)
	}
}

// A provider error on the callback surfaces as a generic failure.
func TestCallbackProviderError(t *testing.T) {
	idp := newFakeIdP(t)
	gw := newTestGateway(t, idp)

	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, CallbackPath+"?error=access_denied", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("want 401, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "access_denied") {
		t.Fatal("provider error detail must not be surfaced to the user")
	}
}

func TestCallbackMethodNotAllowed(t *testing.T) {
	idp := newFakeIdP(t)
	gw := newTestGateway(t, idp)

	rec := httptest.NewRecorder()
	gw.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, CallbackPath, nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("want 405, got %d", rec.Code)
	}
}

// Construction must fail when the provider is unreachable.
func TestNewUnreachableProvider(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	_, err := New(context.Background(), testConfig(srv.URL), http.NewServeMux())
	if err == nil {
		t.Fatal("want startup failure for unreachable provider")
	}
}

func TestSanitizeReturnTo(t *testing.T) {
	cases := map[string]string{
		"/secure":                  "/secure",
		"/secure?tab=claims":       "/secure?tab=claims",
		"":                         "/",
		"https://evil.example.com": "/",
		"//evil.example.com":       "/",
	}
	for in, want := range cases {
		if got := sanitizeReturnTo(in); got != want {
			t.Fatalf("sanitizeReturnTo(%q) = %q, want %q", in, got, want)
		}
	}
}
