package gcs

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// testRSAKey generates a throwaway RSA key for signing tests.
func testRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	return key
}

// testKeyPEM returns the PKCS#1 PEM encoding of the given key.
func testKeyPEM(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()

	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}

	return string(pem.EncodeToMemory(block))
}

// newTokenServer returns a fake token endpoint that grants the given token
// with the given lifetime, and a counter of exchanges performed.
func newTokenServer(t *testing.T, token string, expiresIn int64) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	var exchanges atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		exchanges.Add(1)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":%q,"expires_in":%d}`, token, expiresIn)
	}))
	t.Cleanup(srv.Close)

	return srv, &exchanges
}

// delegatedConfig returns a Config with delegated credentials pointing at
// the given endpoints.
func delegatedConfig(tokenURL, apiURL, uploadURL string) *Config {
	return &Config{
		Bucket:         "test-bucket",
		ClientID:       "client-id",
		ClientSecret:   "client-secret",
		RefreshToken:   "refresh-token",
		TokenURL:       tokenURL,
		APIEndpoint:    apiURL,
		UploadEndpoint: uploadURL,
	}
}
