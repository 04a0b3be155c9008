// Package pipeline sends one HTTP request to the remote API. It attaches the
// bearer credential and the idempotency header, interprets the response
// envelope, and transparently refreshes the access token once when the server
// answers 401.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/tbourn/go-offline-gateway/internal/credentials"
	"github.com/tbourn/go-offline-gateway/internal/domain"
	"github.com/tbourn/go-offline-gateway/internal/observability"
)

const (
	defaultUserAgent       = "offline-gateway/1.0"
	defaultRequestTimeout  = 15 * time.Second
	defaultRefreshEndpoint = "/auth/refresh"
	maxResponseBytes       = 4 << 20
)

// HeaderReplayed is set by servers that answered from their idempotency cache.
const HeaderReplayed = "Idempotent-Replayed"

// TokenStore is the part of the credential store the pipeline needs.
type TokenStore interface {
	Load(ctx context.Context) (credentials.Credentials, error)
	Save(ctx context.Context, c credentials.Credentials) error
	ReplaceTokens(ctx context.Context, access, refresh string) error
	Clear(ctx context.Context) error
	AccessExpiringWithin(ctx context.Context, skew time.Duration) bool
}

// Options configures a Client.
type Options struct {
	BaseURL         string
	RequestTimeout  time.Duration
	RefreshEndpoint string
	// RefreshSkew triggers a refresh before sending when the JWT access token
	// expires within this window. 0 disables it.
	RefreshSkew time.Duration
	UserAgent   string
	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

// Request is one call to the remote API.
type Request struct {
	Endpoint string
	Method   string
	Body     json.RawMessage
	Headers  map[string]string
	// IdempotencyKey is reused verbatim when set. POST and PUT calls without
	// one get a fresh key, which gives no replay safety across calls.
	IdempotencyKey string
}

// Response is a decoded 2xx answer.
type Response struct {
	Status   int             `json:"status"`
	Data     json.RawMessage `json:"data,omitempty"`
	Meta     json.RawMessage `json:"meta,omitempty"`
	Replayed bool            `json:"replayed,omitempty"`
}

// Client talks to the remote API on behalf of the gateway.
type Client struct {
	baseURL         *url.URL
	http            *http.Client
	userAgent       string
	refreshEndpoint string
	refreshSkew     time.Duration
	creds           TokenStore
	tracer          trace.Tracer

	refreshGroup singleflight.Group
}

// New builds a Client. creds must be the process-wide credential store.
func New(opts Options, creds TokenStore) (*Client, error) {
	if creds == nil {
		return nil, errors.New("pipeline: credential store is required")
	}
	base, err := parseBaseURL(opts.BaseURL)
	if err != nil {
		return nil, err
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = defaultRequestTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = defaultUserAgent
	}
	refresh := strings.TrimSpace(opts.RefreshEndpoint)
	if refresh == "" {
		refresh = defaultRefreshEndpoint
	}
	return &Client{
		baseURL:         base,
		http:            hc,
		userAgent:       ua,
		refreshEndpoint: refresh,
		refreshSkew:     opts.RefreshSkew,
		creds:           creds,
		tracer:          observability.Tracer(),
	}, nil
}

// Send issues req and returns the decoded response or one of *NetworkError,
// *ServerError or ErrSessionExpired. A 401 on an authenticated call triggers
// at most one refresh and one retry.
func (c *Client) Send(ctx context.Context, req Request) (resp *Response, err error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	ctx, span := c.tracer.Start(ctx, "pipeline.send",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("gateway.endpoint", req.Endpoint),
		))
	defer func() {
		outcome := outcomeOf(err)
		observability.PipelineRequests.WithLabelValues(method, outcome).Inc()
		span.SetAttributes(attribute.String("gateway.outcome", outcome))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		} else {
			span.SetAttributes(attribute.Int("http.response.status_code", resp.Status))
		}
		span.End()
	}()

	target, err := c.resolve(req.Endpoint)
	if err != nil {
		return nil, err
	}

	key := req.IdempotencyKey
	if key == "" {
		key = headerValue(req.Headers, domain.HeaderIdempotencyKey)
	}
	if domain.CarriesIdempotencyKey(method) && key == "" {
		key = domain.NewIdempotencyKey()
	}

	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	refreshed := false
	if token != "" && c.refreshSkew > 0 && c.creds.AccessExpiringWithin(ctx, c.refreshSkew) {
		fresh, rerr := c.refresh(ctx, token)
		switch {
		case rerr == nil:
			token, refreshed = fresh, true
		case IsNetwork(rerr):
			// Refresh endpoint unreachable: send with the current token and
			// leave the reactive path available.
			log.Debug().Err(rerr).Msg("proactive token refresh skipped")
		default:
			c.expireSession(ctx, rerr)
			return nil, ErrSessionExpired
		}
	}

	httpResp, err := c.do(ctx, method, target, req, key, token)
	if err != nil {
		return nil, err
	}

	if httpResp.StatusCode == http.StatusUnauthorized && token != "" && !refreshed {
		_ = drain(httpResp)
		fresh, rerr := c.refresh(ctx, token)
		if rerr != nil {
			c.expireSession(ctx, rerr)
			return nil, ErrSessionExpired
		}
		httpResp, err = c.do(ctx, method, target, req, key, fresh)
		if err != nil {
			return nil, err
		}
	}

	return c.interpret(httpResp)
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	cur, err := c.creds.Load(ctx)
	switch {
	case err == nil:
		return cur.AccessToken, nil
	case errors.Is(err, credentials.ErrNoCredentials):
		return "", nil
	default:
		return "", fmt.Errorf("load credentials: %w", err)
	}
}

func (c *Client) do(ctx context.Context, method string, target *url.URL, req Request, key, token string) (*http.Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrInvalidRequest, err)
	}

	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("User-Agent", c.userAgent)
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	if domain.CarriesIdempotencyKey(method) {
		httpReq.Header.Set(domain.HeaderIdempotencyKey, key)
	} else {
		httpReq.Header.Del(domain.HeaderIdempotencyKey)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &NetworkError{Op: method + " " + target.Path, Err: err}
	}
	return resp, nil
}

// interpret reads and closes resp, mapping it onto the error taxonomy.
func (c *Client) interpret(resp *http.Response) (*Response, error) {
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &NetworkError{Op: "read response", Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		out, derr := decodeSuccess(resp.StatusCode, body)
		if derr != nil {
			return nil, derr
		}
		out.Replayed = strings.EqualFold(resp.Header.Get(HeaderReplayed), "true")
		return out, nil
	}

	if se, ok := decodeFailure(resp.StatusCode, body); ok {
		return nil, se
	}
	return nil, &NetworkError{
		Op:  "unparseable response",
		Err: fmt.Errorf("status %d without error body", resp.StatusCode),
	}
}

// resolve joins endpoint (path plus optional query) onto the base URL path.
func (c *Client) resolve(endpoint string) (*url.URL, error) {
	rel, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	ref := &url.URL{
		Path:     strings.TrimRight(c.baseURL.Path, "/") + "/" + strings.TrimLeft(rel.Path, "/"),
		RawQuery: rel.RawQuery,
	}
	return c.baseURL.ResolveReference(ref), nil
}

// CheckEndpoint reports whether endpoint can be joined onto the API base.
// Failures wrap ErrInvalidRequest.
func CheckEndpoint(endpoint string) error {
	_, err := parseEndpoint(endpoint)
	return err
}

func parseEndpoint(endpoint string) (*url.URL, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("%w: endpoint is required", ErrInvalidRequest)
	}
	rel, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: endpoint %q: %v", ErrInvalidRequest, endpoint, err)
	}
	if rel.IsAbs() || rel.Host != "" {
		return nil, fmt.Errorf("%w: endpoint %q must be relative to the API base", ErrInvalidRequest, endpoint)
	}
	return rel, nil
}

func parseBaseURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("pipeline: base URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("pipeline: invalid base URL: %w", err)
	}
	if u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("pipeline: base URL %q must be absolute http(s)", raw)
	}
	return u, nil
}

func headerValue(h map[string]string, name string) string {
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func drain(resp *http.Response) error {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	return resp.Body.Close()
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return observability.OutcomeOK
	case IsSessionExpired(err):
		return observability.OutcomeSessionExpired
	case IsNetwork(err):
		return observability.OutcomeNetworkError
	}
	if _, ok := AsServerError(err); ok {
		return observability.OutcomeServerError
	}
	return observability.OutcomeInvalid
}
