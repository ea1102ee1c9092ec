// Package testhelpers provides utilities for testing ekaya-catalog-sync components.
package testhelpers

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// GenerateAccessToken creates an unsigned access token (alg: none) that
// carries only subject and exp. It stands in for tokens issued by the
// identity endpoint, whose signature the sync never verifies.
func GenerateAccessToken(subject string, expiresAt time.Time) string {
	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		panic(err) // cannot fail for the none method
	}
	return signed
}

// BearerHeader returns token with "Bearer " prefix for an Authorization header.
func BearerHeader(token string) string {
	return "Bearer " + token
}
