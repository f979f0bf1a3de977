package tokens

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/mealsync/internal/errs"
)

// Subject returns the "sub" claim of an access token. The signature is not
// checked; the server does that. The subject addresses the user's realtime endpoint.
func Subject(accessToken string) (string, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, &claims); err != nil {
		return "", fmt.Errorf("parse access token: %w", errs.ErrInvalidResponse)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("access token has no subject: %w", errs.ErrInvalidResponse)
	}
	return claims.Subject, nil
}
