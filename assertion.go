package gcs

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// assertionLifetime is the exp claim horizon for signed assertions.
// Each exchange mints a fresh assertion even though one would remain
// valid for the full hour.
const assertionLifetime = time.Hour

// assertionScope is the OAuth2 scope requested in the assertion claims.
const assertionScope = "https://www.googleapis.com/auth/cloud-platform"

// assertionClaims is the claim set for a service-account bearer assertion.
// jwt.RegisteredClaims covers iss/aud/iat/exp; scope is a Google extension.
type assertionClaims struct {
	jwt.RegisteredClaims

	Scope string `json:"scope"`
}

// buildAssertion constructs a time-bounded RS256-signed claim set binding
// the issuer identity to the token endpoint audience. The result is a
// compact JWS (header.claims.signature, base64url segments) consumed as
// the assertion parameter of a jwt-bearer grant.
func buildAssertion(issuer string, key *rsa.PrivateKey, audience string, now time.Time) (string, error) {
	claims := assertionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(assertionLifetime)),
		},
		Scope: assertionScope,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("gcs: signing assertion: %w", err)
	}

	return signed, nil
}
