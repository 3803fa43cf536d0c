package gcs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/storagekit/gcs-go/internal/sessionstore"
)

const userAgent = "gcs-go/0.1"

// Client is an authenticated client for a single storage bucket. Construct
// with New; a Client always holds a usable bearer token because the initial
// exchange happens at construction and every operation renews lazily
// through the token manager before its HTTP call.
//
// A Client is safe for concurrent use.
type Client struct {
	bucket     string
	apiBase    string
	uploadBase string
	httpClient *http.Client
	tokens     *tokenManager
	logger     *slog.Logger

	// sessions persists resumable upload state; nil when session_dir is
	// not configured.
	sessions *sessionstore.Store
}

// New validates the configuration, resolves the credential set, and performs
// the initial token exchange. An invalid credential configuration or an
// unreachable token endpoint fails construction, so callers never hold a
// client in an unauthenticated state.
func New(ctx context.Context, cfg *Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	creds, err := resolveCredentials(cfg)
	if err != nil {
		return nil, err
	}

	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}

	apiBase := cfg.APIEndpoint
	if apiBase == "" {
		apiBase = DefaultAPIEndpoint
	}

	uploadBase := cfg.UploadEndpoint
	if uploadBase == "" {
		uploadBase = DefaultUploadEndpoint
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	tokens, err := newTokenManager(ctx, creds, newExchanger(tokenURL, logger), logger)
	if err != nil {
		return nil, err
	}

	c := &Client{
		bucket:     cfg.Bucket,
		apiBase:    apiBase,
		uploadBase: uploadBase,
		httpClient: httpClient,
		tokens:     tokens,
		logger:     logger,
	}

	if cfg.SessionDir != "" {
		c.sessions = sessionstore.New(cfg.SessionDir, logger)
	}

	logger.Info("client constructed",
		slog.String("bucket", cfg.Bucket),
		slog.String("auth_mode", creds.mode.String()),
	)

	return c, nil
}

// CurrentToken returns the token currently held by the client without
// triggering a refresh.
func (c *Client) CurrentToken() AccessToken {
	return c.tokens.CurrentToken()
}

// objectURL builds an object endpoint URL. The object name is escaped as a
// single path segment — slashes included — as the JSON API requires.
func (c *Client) objectURL(objectName string, query url.Values) string {
	u := fmt.Sprintf("%s/b/%s/o/%s", c.apiBase, url.PathEscape(c.bucket), url.PathEscape(objectName))
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	return u
}

// listURL builds the bucket object-collection URL.
func (c *Client) listURL(query url.Values) string {
	u := fmt.Sprintf("%s/b/%s/o", c.apiBase, url.PathEscape(c.bucket))
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	return u
}

// uploadURL builds an upload endpoint URL. Object names travel in the query
// string, where url.Values handles the escaping.
func (c *Client) uploadURL(query url.Values) string {
	return fmt.Sprintf("%s/b/%s/o?%s", c.uploadBase, url.PathEscape(c.bucket), query.Encode())
}

// do executes one authenticated HTTP request. The token manager renews the
// bearer token first if it is within the expiry buffer. Non-success
// responses are drained into an APIError; the caller owns the response body
// on success. No retries: any failure is terminal for the call.
func (c *Client) do(ctx context.Context, method, fullURL, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, fmt.Errorf("gcs: creating request: %w", err)
	}

	tok, err := c.tokens.ensureValidToken(ctx)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+tok.Value)
	req.Header.Set("User-Agent", userAgent)

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gcs: %s request failed: %w", method, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		errBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Body:       string(errBody),
			Err:        classifyStatus(resp.StatusCode),
		}
	}

	c.logger.Debug("request succeeded",
		slog.String("method", method),
		slog.Int("status", resp.StatusCode),
	)

	return resp, nil
}
