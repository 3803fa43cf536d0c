package gcs

import (
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// authMode discriminates which token-exchange flow a client uses.
// Resolved once at construction, never re-evaluated.
type authMode int

const (
	modeServiceAccount authMode = iota
	modeDelegated
)

func (m authMode) String() string {
	if m == modeServiceAccount {
		return "service_account"
	}

	return "delegated"
}

// credentials is the resolved, immutable credential set held by the token
// manager. Exactly one of the two embedded shapes is populated, selected
// by mode.
type credentials struct {
	mode authMode

	// Service-account shape.
	email string
	key   *rsa.PrivateKey

	// Delegated shape.
	clientID     string
	clientSecret string
	refreshToken string
}

// keyBlob is the subset of a service-account JSON key file we consume.
type keyBlob struct {
	PrivateKey  string `json:"private_key"`
	ClientEmail string `json:"client_email"`
}

// resolveCredentials validates the configured credential fields and returns
// the tagged credential set. Service-account mode is chosen when both an
// email and key material are present; otherwise delegated mode when all
// three delegated fields are present. ErrConfig when neither set is complete.
func resolveCredentials(cfg *Config) (*credentials, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: bucket_name is required", ErrConfig)
	}

	keyMaterial := cfg.PrivateKey
	if keyMaterial == "" && cfg.PrivateKeyFile != "" {
		data, err := os.ReadFile(cfg.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("%w: reading private_key_file %s: %w", ErrConfig, cfg.PrivateKeyFile, err)
		}

		keyMaterial = string(data)
	}

	email := cfg.ClientEmail

	// A service-account JSON blob may carry both the key and the email.
	// The embedded email is used only when the caller did not supply one.
	if blobKey, blobEmail, ok := parseKeyBlob(keyMaterial); ok {
		keyMaterial = blobKey

		if email == "" {
			email = blobEmail
		}
	}

	if keyMaterial != "" {
		if email == "" {
			return nil, fmt.Errorf("%w: private key supplied but no client_email resolvable", ErrConfig)
		}

		key, err := parsePrivateKey(keyMaterial)
		if err != nil {
			return nil, err
		}

		return &credentials{
			mode:  modeServiceAccount,
			email: email,
			key:   key,
		}, nil
	}

	if cfg.ClientID != "" && cfg.ClientSecret != "" && cfg.RefreshToken != "" {
		return &credentials{
			mode:         modeDelegated,
			clientID:     cfg.ClientID,
			clientSecret: cfg.ClientSecret,
			refreshToken: cfg.RefreshToken,
		}, nil
	}

	return nil, fmt.Errorf(
		"%w: need either client_email + private_key or client_id + client_secret + refresh_token", ErrConfig)
}

// parseKeyBlob attempts to interpret key material as a service-account JSON
// key file. Returns ok=false for non-JSON input (raw PEM keys).
func parseKeyBlob(material string) (key, email string, ok bool) {
	trimmed := strings.TrimSpace(material)
	if !strings.HasPrefix(trimmed, "{") {
		return "", "", false
	}

	var blob keyBlob
	if err := json.Unmarshal([]byte(trimmed), &blob); err != nil {
		return "", "", false
	}

	if blob.PrivateKey == "" {
		return "", "", false
	}

	return blob.PrivateKey, blob.ClientEmail, true
}

// parsePrivateKey normalizes escaped newline sequences and parses the PEM
// block as an RSA private key. Keys arriving from configuration systems are
// frequently pre-escaped with literal \n two-character sequences.
func parsePrivateKey(material string) (*rsa.PrivateKey, error) {
	normalized := strings.ReplaceAll(material, `\n`, "\n")

	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(normalized))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyParse, err)
	}

	return key, nil
}
