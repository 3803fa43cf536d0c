package gcs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// expiryBuffer is how long before the token's real expiry it is treated as
// stale. The buffer avoids races where a token expires between the validity
// check and its use in the subsequent HTTP call. Fixed, not configurable.
const expiryBuffer = 60 * time.Second

// tokenManager owns the current bearer token. It refreshes lazily: each
// privileged operation calls ensureValidToken before its HTTP call, and a
// fresh exchange happens only when the stored token is within the expiry
// buffer. Safe for concurrent use — overlapping callers share a single
// exchange via singleflight and the stored token is replaced atomically
// under the mutex.
type tokenManager struct {
	creds  *credentials
	exch   *exchanger
	logger *slog.Logger

	// nowFunc returns the current time. Tests override it.
	nowFunc func() time.Time

	mu      sync.Mutex
	current AccessToken

	group singleflight.Group
}

// newTokenManager resolves the auth mode from creds and performs the initial
// exchange unconditionally, so a caller never holds a manager in an
// unauthenticated state.
func newTokenManager(ctx context.Context, creds *credentials, exch *exchanger, logger *slog.Logger) (*tokenManager, error) {
	m := &tokenManager{
		creds:   creds,
		exch:    exch,
		logger:  logger,
		nowFunc: time.Now,
	}

	tok, err := m.exchange(ctx)
	if err != nil {
		return nil, err
	}

	m.current = tok

	logger.Info("initial token acquired",
		slog.String("auth_mode", creds.mode.String()),
		slog.Time("expires_at", tok.ExpiresAt),
	)

	return m, nil
}

// CurrentToken returns the stored token without triggering a refresh.
func (m *tokenManager) CurrentToken() AccessToken {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.current
}

// ensureValidToken returns the stored token if it is still outside the
// expiry buffer, performing exactly one exchange otherwise. No network call
// occurs on the valid path.
func (m *tokenManager) ensureValidToken(ctx context.Context) (AccessToken, error) {
	if tok, ok := m.validToken(); ok {
		return tok, nil
	}

	// Concurrent callers that find the token stale at the same time share
	// one exchange rather than issuing duplicates.
	v, err, _ := m.group.Do("refresh", func() (any, error) {
		// A waiter that lost the race may arrive after the winner already
		// replaced the token.
		if tok, ok := m.validToken(); ok {
			return tok, nil
		}

		tok, err := m.exchange(ctx)
		if err != nil {
			return AccessToken{}, err
		}

		m.mu.Lock()
		m.current = tok
		m.mu.Unlock()

		m.logger.Info("token refreshed",
			slog.String("auth_mode", m.creds.mode.String()),
			slog.Time("expires_at", tok.ExpiresAt),
		)

		return tok, nil
	})
	if err != nil {
		return AccessToken{}, err
	}

	return v.(AccessToken), nil
}

// validToken returns the stored token and whether it is outside the buffer.
func (m *tokenManager) validToken() (AccessToken, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current.Value == "" {
		return AccessToken{}, false
	}

	if m.current.ExpiresAt.Add(-expiryBuffer).After(m.nowFunc()) {
		return m.current, true
	}

	return AccessToken{}, false
}

// exchange dispatches one token exchange per the auth mode fixed at
// construction. Service-account mode mints a fresh assertion every time.
func (m *tokenManager) exchange(ctx context.Context) (AccessToken, error) {
	if m.creds.mode == modeServiceAccount {
		assertion, err := buildAssertion(m.creds.email, m.creds.key, m.exch.tokenURL, m.nowFunc())
		if err != nil {
			return AccessToken{}, err
		}

		return m.exch.exchangeAssertion(ctx, assertion)
	}

	return m.exch.exchangeRefreshToken(ctx, m.creds.clientID, m.creds.clientSecret, m.creds.refreshToken)
}
