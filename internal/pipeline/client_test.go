package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tbourn/go-offline-gateway/internal/credentials"
	"github.com/tbourn/go-offline-gateway/internal/domain"
	"github.com/tbourn/go-offline-gateway/internal/kv"
	"github.com/tbourn/go-offline-gateway/internal/observability"
)

// fakeAPI is a minimal remote API: /api/auth/refresh rotates the access
// token, every other route requires the current one.
type fakeAPI struct {
	mu           sync.Mutex
	validToken   string
	nextToken    string
	refreshCalls atomic.Int32
	calls        atomic.Int32
	refreshFail  bool
	refreshDelay time.Duration
	lastHeaders  http.Header
	lastRefresh  string
	handler      func(w http.ResponseWriter, r *http.Request)
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/api/auth/refresh" {
		f.refreshCalls.Add(1)
		var in struct {
			RefreshToken string `json:"refresh_token"`
		}
		_ = json.NewDecoder(r.Body).Decode(&in)
		if f.refreshDelay > 0 {
			time.Sleep(f.refreshDelay)
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		f.lastRefresh = in.RefreshToken
		if f.refreshFail || in.RefreshToken != "refresh-1" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"success":false,"message":"refresh token expired"}`)
			return
		}
		f.validToken = f.nextToken
		_, _ = io.WriteString(w, `{"success":true,"data":{"access_token":"`+f.nextToken+`"}}`)
		return
	}

	f.calls.Add(1)
	f.mu.Lock()
	f.lastHeaders = r.Header.Clone()
	valid := f.validToken
	f.mu.Unlock()
	if valid != "" && r.Header.Get("Authorization") != "Bearer "+valid {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"success":false,"message":"token expired","error":{"code":"UNAUTHORIZED"}}`)
		return
	}
	if f.handler != nil {
		f.handler(w, r)
		return
	}
	_, _ = io.WriteString(w, `{"success":true,"data":{"ok":true},"meta":{"page":1}}`)
}

func (f *fakeAPI) headers() http.Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastHeaders
}

func newTestClient(t *testing.T, api *fakeAPI, opts Options) (*Client, *credentials.Store) {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	if opts.BaseURL == "" {
		opts.BaseURL = srv.URL + "/api"
	}
	store := credentials.NewStore(kv.NewMemoryStore())
	c, err := New(opts, store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, store
}

func signIn(t *testing.T, store *credentials.Store, access string) {
	t.Helper()
	if err := store.Save(context.Background(), credentials.Credentials{
		AccessToken:  access,
		RefreshToken: "refresh-1",
		Profile:      json.RawMessage(`{"id":"u1"}`),
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}
}

func TestSend_DecodesEnvelope_AnonymousGET(t *testing.T) {
	api := &fakeAPI{}
	c, _ := newTestClient(t, api, Options{})

	resp, err := c.Send(context.Background(), Request{Endpoint: "/wallet/balance", Method: "get"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Status != 200 || string(resp.Data) != `{"ok":true}` || string(resp.Meta) != `{"page":1}` {
		t.Fatalf("unexpected response: %+v", resp)
	}
	h := api.headers()
	if h.Get("Authorization") != "" {
		t.Fatalf("anonymous call must not carry Authorization")
	}
	if h.Get(domain.HeaderIdempotencyKey) != "" {
		t.Fatalf("GET must not carry an idempotency key")
	}
	if h.Get("User-Agent") != defaultUserAgent || h.Get("Accept") != "application/json" {
		t.Fatalf("default headers missing: %v", h)
	}
}

func TestSend_IdempotencyHeaderRules(t *testing.T) {
	api := &fakeAPI{}
	c, _ := newTestClient(t, api, Options{})
	ctx := context.Background()

	if _, err := c.Send(ctx, Request{Endpoint: "/qr/process", Method: http.MethodPost, Body: json.RawMessage(`{}`), IdempotencyKey: "k1"}); err != nil {
		t.Fatalf("POST: %v", err)
	}
	if got := api.headers().Get(domain.HeaderIdempotencyKey); got != "k1" {
		t.Fatalf("caller key not reused: %q", got)
	}
	if got := api.headers().Get("Content-Type"); got != "application/json" {
		t.Fatalf("Content-Type = %q", got)
	}

	if _, err := c.Send(ctx, Request{Endpoint: "/profile", Method: http.MethodPut, Body: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("PUT: %v", err)
	}
	minted := api.headers().Get(domain.HeaderIdempotencyKey)
	if !domain.ValidIdempotencyKey(minted) {
		t.Fatalf("PUT without key should get a fresh one, got %q", minted)
	}

	if _, err := c.Send(ctx, Request{Endpoint: "/cards/1", Method: http.MethodDelete, IdempotencyKey: "k2"}); err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	if got := api.headers().Get(domain.HeaderIdempotencyKey); got != "" {
		t.Fatalf("DELETE must not carry the key, got %q", got)
	}
}

func TestSend_CallerHeadersMergedOverDefaults(t *testing.T) {
	api := &fakeAPI{}
	c, _ := newTestClient(t, api, Options{UserAgent: "agent/2"})
	_, err := c.Send(context.Background(), Request{
		Endpoint: "/x",
		Headers:  map[string]string{"Accept": "application/vnd.api+json", "X-Trace": "1"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	h := api.headers()
	if h.Get("Accept") != "application/vnd.api+json" || h.Get("X-Trace") != "1" || h.Get("User-Agent") != "agent/2" {
		t.Fatalf("headers not merged: %v", h)
	}
}

func TestSend_401RefreshesOnceAndRetriesOnce(t *testing.T) {
	api := &fakeAPI{validToken: "access-2", nextToken: "access-2"}
	c, store := newTestClient(t, api, Options{})
	signIn(t, store, "access-1")
	baseOK := testutil.ToFloat64(observability.TokenRefreshes.WithLabelValues("success"))

	resp, err := c.Send(context.Background(), Request{Endpoint: "/qr/process", Method: http.MethodPost, Body: json.RawMessage(`{"qr_code":"ABC123"}`), IdempotencyKey: "k1"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Status != 200 {
		t.Fatalf("status %d", resp.Status)
	}
	if n := api.refreshCalls.Load(); n != 1 {
		t.Fatalf("refresh calls = %d", n)
	}
	if n := api.calls.Load(); n != 2 {
		t.Fatalf("original call issued %d times, want 2", n)
	}
	if api.lastRefresh != "refresh-1" {
		t.Fatalf("refresh token not sent: %q", api.lastRefresh)
	}
	if got := api.headers().Get(domain.HeaderIdempotencyKey); got != "k1" {
		t.Fatalf("retry must reuse the key, got %q", got)
	}
	cur, _ := store.Load(context.Background())
	if cur.AccessToken != "access-2" || cur.RefreshToken != "refresh-1" || string(cur.Profile) != `{"id":"u1"}` {
		t.Fatalf("credentials after refresh: %+v", cur)
	}
	if got := testutil.ToFloat64(observability.TokenRefreshes.WithLabelValues("success")); got != baseOK+1 {
		t.Fatalf("refresh success counter = %v want %v", got, baseOK+1)
	}
}

func TestSend_Second401DoesNotLoop(t *testing.T) {
	api := &fakeAPI{validToken: "access-2", nextToken: "access-2"}
	api.handler = func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"success":false,"message":"still no","error":{"code":"FORBIDDEN_SCOPE"}}`)
	}
	c, store := newTestClient(t, api, Options{})
	signIn(t, store, "access-1")

	_, err := c.Send(context.Background(), Request{Endpoint: "/admin", Method: http.MethodGet})
	se, ok := AsServerError(err)
	if !ok || se.Status != http.StatusUnauthorized || se.Code != "FORBIDDEN_SCOPE" {
		t.Fatalf("expected ServerError 401, got %v", err)
	}
	if api.refreshCalls.Load() != 1 || api.calls.Load() != 2 {
		t.Fatalf("refresh=%d calls=%d", api.refreshCalls.Load(), api.calls.Load())
	}
}

func TestSend_RefreshFailureExpiresSession(t *testing.T) {
	api := &fakeAPI{validToken: "access-2", nextToken: "access-2", refreshFail: true}
	c, store := newTestClient(t, api, Options{})
	signIn(t, store, "access-1")

	_, err := c.Send(context.Background(), Request{Endpoint: "/qr/process", Method: http.MethodPost, IdempotencyKey: "k1"})
	if !errors.Is(err, ErrSessionExpired) || !IsSessionExpired(err) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if _, err := store.Load(context.Background()); !errors.Is(err, credentials.ErrNoCredentials) {
		t.Fatalf("credentials must be cleared, got %v", err)
	}
	if api.calls.Load() != 1 {
		t.Fatalf("original call must not be retried after a failed refresh")
	}
}

func TestSend_MissingRefreshTokenExpiresWithoutCall(t *testing.T) {
	api := &fakeAPI{validToken: "access-2", nextToken: "access-2"}
	c, store := newTestClient(t, api, Options{})
	_ = store.Save(context.Background(), credentials.Credentials{AccessToken: "access-1"})

	_, err := c.Send(context.Background(), Request{Endpoint: "/x"})
	if !IsSessionExpired(err) {
		t.Fatalf("expected session expired, got %v", err)
	}
	if api.refreshCalls.Load() != 0 {
		t.Fatalf("no refresh call expected without a refresh token")
	}
}

func TestSend_AnonymousUnauthorizedIsServerError(t *testing.T) {
	api := &fakeAPI{validToken: "access-2"}
	c, _ := newTestClient(t, api, Options{})

	_, err := c.Send(context.Background(), Request{Endpoint: "/x"})
	se, ok := AsServerError(err)
	if !ok || se.Status != http.StatusUnauthorized {
		t.Fatalf("expected ServerError 401, got %v", err)
	}
	if api.refreshCalls.Load() != 0 {
		t.Fatalf("refresh requires an attached credential")
	}
}

func TestSend_ConcurrentUnauthorizedShareOneRefresh(t *testing.T) {
	api := &fakeAPI{validToken: "access-2", nextToken: "access-2", refreshDelay: 50 * time.Millisecond}
	c, store := newTestClient(t, api, Options{})
	signIn(t, store, "access-1")

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Send(context.Background(), Request{Endpoint: "/wallet", Method: http.MethodGet})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if got := api.refreshCalls.Load(); got != 1 {
		t.Fatalf("refresh calls = %d, want 1", got)
	}
}

func TestSend_ProactiveRefreshBeforeExpiry(t *testing.T) {
	soon, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(5 * time.Second)),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	api := &fakeAPI{validToken: soon, nextToken: "access-2"}
	c, store := newTestClient(t, api, Options{RefreshSkew: 30 * time.Second})
	signIn(t, store, soon)

	if _, err := c.Send(context.Background(), Request{Endpoint: "/x"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if api.refreshCalls.Load() != 1 || api.calls.Load() != 1 {
		t.Fatalf("refresh=%d calls=%d", api.refreshCalls.Load(), api.calls.Load())
	}
	if got := api.headers().Get("Authorization"); got != "Bearer access-2" {
		t.Fatalf("request should carry the refreshed token, got %q", got)
	}
}

func TestSend_ServerErrorDecoding(t *testing.T) {
	api := &fakeAPI{handler: func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"success":false,"message":"insufficient funds","error":{"code":"INSUFFICIENT_FUNDS","details":{"balance":3}}}`)
	}}
	c, _ := newTestClient(t, api, Options{})

	_, err := c.Send(context.Background(), Request{Endpoint: "/payments", Method: http.MethodPost, IdempotencyKey: "p1"})
	se, ok := AsServerError(err)
	if !ok {
		t.Fatalf("expected ServerError, got %v", err)
	}
	if se.Status != 422 || se.Code != "INSUFFICIENT_FUNDS" || se.Message != "insufficient funds" || string(se.Details) != `{"balance":3}` {
		t.Fatalf("unexpected server error: %+v", se)
	}
	if se.Duplicate() || se.Transient() {
		t.Fatalf("validation rejection must be terminal")
	}
}

func TestSend_UnparseableFailureIsNetworkError(t *testing.T) {
	api := &fakeAPI{handler: func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "<html>bad gateway</html>")
	}}
	c, _ := newTestClient(t, api, Options{})

	_, err := c.Send(context.Background(), Request{Endpoint: "/x", Method: http.MethodPost})
	if !IsNetwork(err) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
}

func TestSend_TransportFailureIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c, err := New(Options{BaseURL: base, RequestTimeout: time.Second}, credentials.NewStore(kv.NewMemoryStore()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	before := testutil.ToFloat64(observability.PipelineRequests.WithLabelValues(http.MethodPost, observability.OutcomeNetworkError))
	_, err = c.Send(context.Background(), Request{Endpoint: "/x", Method: http.MethodPost})
	var ne *NetworkError
	if !errors.As(err, &ne) || ne.Unwrap() == nil {
		t.Fatalf("expected NetworkError with cause, got %v", err)
	}
	after := testutil.ToFloat64(observability.PipelineRequests.WithLabelValues(http.MethodPost, observability.OutcomeNetworkError))
	if after != before+1 {
		t.Fatalf("network outcome counter = %v want %v", after, before+1)
	}
}

func TestSend_ReplayedHeaderAndPlainBody(t *testing.T) {
	api := &fakeAPI{handler: func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(HeaderReplayed, "true")
		_, _ = io.WriteString(w, `{"id":7}`)
	}}
	c, _ := newTestClient(t, api, Options{})

	resp, err := c.Send(context.Background(), Request{Endpoint: "/orders", Method: http.MethodPost, IdempotencyKey: "o1"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !resp.Replayed || string(resp.Data) != `{"id":7}` {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestSend_MalformedRequestIsInvalidRequest(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := New(Options{BaseURL: srv.URL}, credentials.NewStore(kv.NewMemoryStore()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, req := range []Request{
		{Endpoint: "/qr/%zz", Method: http.MethodPost},
		{Endpoint: "https://evil.example.com/x", Method: http.MethodPost},
		{Endpoint: "/qr/process", Method: "BAD METHOD"},
	} {
		_, err := c.Send(context.Background(), req)
		if !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("%s %s: expected ErrInvalidRequest, got %v", req.Method, req.Endpoint, err)
		}
		if IsNetwork(err) {
			t.Fatalf("%s %s: must not be classified as a network error", req.Method, req.Endpoint)
		}
	}
	if n := atomic.LoadInt32(&hits); n != 0 {
		t.Fatalf("server hit %d times", n)
	}
}

func TestCheckEndpoint(t *testing.T) {
	if err := CheckEndpoint("/qr/process?dry=1"); err != nil {
		t.Fatalf("valid endpoint rejected: %v", err)
	}
	for _, ep := range []string{"", "/qr/%zz", "//evil.example.com/x", "https://evil.example.com/x"} {
		if err := CheckEndpoint(ep); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("CheckEndpoint(%q) = %v", ep, err)
		}
	}
}

func TestResolve_JoinsBasePath(t *testing.T) {
	c, err := New(Options{BaseURL: "https://api.example.com/v2/"}, credentials.NewStore(kv.NewMemoryStore()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	u, err := c.resolve("/qr/process?dry=1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if u.String() != "https://api.example.com/v2/qr/process?dry=1" {
		t.Fatalf("resolved %s", u)
	}
	if _, err := c.resolve("https://evil.example.com/x"); err == nil {
		t.Fatalf("absolute endpoints must be rejected")
	}
	if _, err := c.resolve(" "); err == nil {
		t.Fatalf("empty endpoint must be rejected")
	}
}

func TestNew_Validation(t *testing.T) {
	store := credentials.NewStore(kv.NewMemoryStore())
	if _, err := New(Options{BaseURL: "/relative"}, store); err == nil {
		t.Fatalf("relative base URL must be rejected")
	}
	if _, err := New(Options{BaseURL: "http://x"}, nil); err == nil {
		t.Fatalf("credential store is required")
	}
}

func TestLoginAndLogout(t *testing.T) {
	api := &fakeAPI{handler: func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"password"`) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"success":false,"message":"missing password"}`)
			return
		}
		_, _ = io.WriteString(w, `{"success":true,"data":{"access_token":"a1","refresh_token":"r1","user":{"id":"u9","name":"Ada"}}}`)
	}}
	c, store := newTestClient(t, api, Options{})
	ctx := context.Background()

	if _, err := c.Login(ctx, "/auth/login", json.RawMessage(`{"email":"a@b.c"}`)); err == nil {
		t.Fatalf("expected rejection without password")
	}
	if _, err := c.Login(ctx, "/auth/login", json.RawMessage(`{"email":"a@b.c","password":"x"}`)); err != nil {
		t.Fatalf("Login: %v", err)
	}
	cur, err := store.Load(ctx)
	if err != nil || cur.AccessToken != "a1" || cur.RefreshToken != "r1" {
		t.Fatalf("stored credentials: %+v err=%v", cur, err)
	}
	profile, err := c.Profile(ctx)
	if err != nil || string(profile) != `{"id":"u9","name":"Ada"}` {
		t.Fatalf("profile %s err=%v", profile, err)
	}

	if err := c.Logout(ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := c.Profile(ctx); !errors.Is(err, credentials.ErrNoCredentials) {
		t.Fatalf("expected no credentials after logout, got %v", err)
	}
}
