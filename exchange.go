package gcs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// exchangeTimeout bounds a single token-endpoint round trip. A timeout is
// surfaced as an ordinary AuthError, never retried.
const exchangeTimeout = 10 * time.Second

// maxTokenResponseBytes limits how much of a token endpoint response is read.
const maxTokenResponseBytes = 1 << 20

// grantJWTBearer is the grant_type for signed-assertion exchanges.
const grantJWTBearer = "urn:ietf:params:oauth:grant-type:jwt-bearer"

// AccessToken is a bearer token plus its absolute expiry, owned exclusively
// by the token manager and replaced wholesale on each successful refresh.
type AccessToken struct {
	Value     string
	ExpiresAt time.Time
}

// tokenResponse mirrors the token endpoint JSON body. Only access_token and
// expires_in are consumed.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// exchanger performs single round trips against the OAuth2 token endpoint,
// turning a signed assertion or a refresh token into an AccessToken.
type exchanger struct {
	tokenURL   string
	httpClient *http.Client
	logger     *slog.Logger

	// nowFunc returns the current time. Tests override it.
	nowFunc func() time.Time
}

func newExchanger(tokenURL string, logger *slog.Logger) *exchanger {
	return &exchanger{
		tokenURL:   tokenURL,
		httpClient: &http.Client{Timeout: exchangeTimeout},
		logger:     logger,
		nowFunc:    time.Now,
	}
}

// exchangeAssertion trades a signed assertion for a bearer token using the
// jwt-bearer grant.
func (e *exchanger) exchangeAssertion(ctx context.Context, assertion string) (AccessToken, error) {
	form := url.Values{
		"grant_type": {grantJWTBearer},
		"assertion":  {assertion},
	}

	return e.post(ctx, form)
}

// exchangeRefreshToken trades a long-lived refresh token for a bearer token
// using the refresh_token grant.
func (e *exchanger) exchangeRefreshToken(ctx context.Context, clientID, clientSecret, refreshToken string) (AccessToken, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
		"refresh_token": {refreshToken},
	}

	return e.post(ctx, form)
}

// post issues the form-encoded token request and parses the response.
// expires_at is computed at the moment the response is received.
func (e *exchanger) post(ctx context.Context, form url.Values) (AccessToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return AccessToken{}, fmt.Errorf("gcs: creating token request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		e.logger.Warn("token exchange request failed", slog.String("error", err.Error()))

		return AccessToken{}, &AuthError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBytes))
	if err != nil {
		return AccessToken{}, &AuthError{Err: fmt.Errorf("reading token response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		e.logger.Warn("token endpoint rejected exchange",
			slog.Int("status", resp.StatusCode),
		)

		return AccessToken{}, &AuthError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return AccessToken{}, &AuthError{Err: fmt.Errorf("decoding token response: %w", err)}
	}

	if tr.AccessToken == "" {
		return AccessToken{}, &AuthError{Err: fmt.Errorf("token response missing access_token")}
	}

	tok := AccessToken{
		Value:     tr.AccessToken,
		ExpiresAt: e.nowFunc().Add(time.Duration(tr.ExpiresIn) * time.Second),
	}

	e.logger.Debug("token exchange succeeded",
		slog.Time("expires_at", tok.ExpiresAt),
	)

	return tok, nil
}
