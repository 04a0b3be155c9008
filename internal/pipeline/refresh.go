package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-offline-gateway/internal/credentials"
	"github.com/tbourn/go-offline-gateway/internal/domain"
	"github.com/tbourn/go-offline-gateway/internal/observability"
)

var (
	errNoRefreshToken  = errors.New("no refresh token stored")
	errRefreshRejected = errors.New("refresh rejected")
)

// tokenPair is the refresh (and login) payload, bare or wrapped in the
// { success, data } envelope.
type tokenPair struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
	Token        string          `json:"token"`
	User         json.RawMessage `json:"user"`
}

func (t tokenPair) access() string {
	if t.AccessToken != "" {
		return t.AccessToken
	}
	return t.Token
}

func decodeTokenPair(body []byte) (tokenPair, bool) {
	var wrapped struct {
		tokenPair
		Data *tokenPair `json:"data"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(body), &wrapped); err != nil {
		return tokenPair{}, false
	}
	if wrapped.Data != nil && wrapped.Data.access() != "" {
		return *wrapped.Data, true
	}
	if wrapped.tokenPair.access() != "" {
		return wrapped.tokenPair, true
	}
	return tokenPair{}, false
}

// refresh exchanges the refresh token for a new access token. stale is the
// access token the caller was rejected with; concurrent callers holding the
// same stale token share one exchange. A caller whose stale token was already
// replaced gets the current one without another call.
func (c *Client) refresh(ctx context.Context, stale string) (string, error) {
	// The shared exchange must not die with the first caller's context.
	sharedCtx := context.WithoutCancel(ctx)
	v, err, _ := c.refreshGroup.Do(stale, func() (any, error) {
		cur, err := c.creds.Load(sharedCtx)
		if err != nil {
			return "", err
		}
		if cur.AccessToken != stale {
			return cur.AccessToken, nil
		}
		if cur.RefreshToken == "" {
			return "", errNoRefreshToken
		}
		pair, err := c.exchange(sharedCtx, cur.RefreshToken)
		if err == nil {
			err = c.creds.ReplaceTokens(sharedCtx, pair.access(), pair.RefreshToken)
		}
		if err != nil {
			observability.TokenRefreshes.WithLabelValues("failure").Inc()
			return "", err
		}
		observability.TokenRefreshes.WithLabelValues("success").Inc()
		return pair.access(), nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) exchange(ctx context.Context, refreshToken string) (tokenPair, error) {
	ctx, span := c.tracer.Start(ctx, "pipeline.refresh")
	defer span.End()

	target, err := c.resolve(c.refreshEndpoint)
	if err != nil {
		return tokenPair{}, err
	}
	payload, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return tokenPair{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(payload))
	if err != nil {
		return tokenPair{}, fmt.Errorf("create refresh request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set(domain.HeaderIdempotencyKey, domain.NewIdempotencyKey())

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		return tokenPair{}, &NetworkError{Op: "refresh", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return tokenPair{}, &NetworkError{Op: "read refresh response", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return tokenPair{}, fmt.Errorf("%w: status %d", errRefreshRejected, resp.StatusCode)
	}
	pair, ok := decodeTokenPair(body)
	if !ok {
		return tokenPair{}, fmt.Errorf("%w: response carries no access token", errRefreshRejected)
	}
	return pair, nil
}

// expireSession clears the credential after an irrecoverable refresh failure.
func (c *Client) expireSession(ctx context.Context, cause error) {
	log.Warn().Err(cause).Msg("token refresh failed, clearing session")
	if err := c.creds.Clear(context.WithoutCancel(ctx)); err != nil {
		log.Error().Err(err).Msg("clear credentials")
	}
}

// Login posts body to endpoint and stores the returned credential pair and
// user profile. The response is returned as Send would return it.
func (c *Client) Login(ctx context.Context, endpoint string, body json.RawMessage) (*Response, error) {
	target, err := c.resolve(endpoint)
	if err != nil {
		return nil, err
	}
	httpResp, err := c.do(ctx, http.MethodPost, target, Request{Body: body}, domain.NewIdempotencyKey(), "")
	if err != nil {
		return nil, err
	}
	resp, err := c.interpret(httpResp)
	if err != nil {
		return nil, err
	}

	source := resp.Data
	if len(source) == 0 {
		return nil, &ServerError{Status: resp.Status, Code: "INVALID_LOGIN_RESPONSE", Message: "login response carries no credentials"}
	}
	pair, ok := decodeTokenPair(source)
	if !ok {
		return nil, &ServerError{Status: resp.Status, Code: "INVALID_LOGIN_RESPONSE", Message: "login response carries no access token"}
	}
	if err := c.creds.Save(ctx, credentials.Credentials{
		AccessToken:  pair.access(),
		RefreshToken: pair.RefreshToken,
		Profile:      pair.User,
	}); err != nil {
		return nil, fmt.Errorf("save credentials: %w", err)
	}
	log.Info().Msg("session established")
	return resp, nil
}

// Logout drops the stored credential.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.creds.Clear(ctx); err != nil {
		return err
	}
	log.Info().Msg("session cleared")
	return nil
}

// Profile returns the stored user profile, or credentials.ErrNoCredentials.
func (c *Client) Profile(ctx context.Context) (json.RawMessage, error) {
	cur, err := c.creds.Load(ctx)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(cur.Profile))) == 0 {
		return json.RawMessage("null"), nil
	}
	return cur.Profile, nil
}
