package hub

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/labstack/echo/v4"
)

var ErrInvalidToken = errors.New("invalid bearer token")

const tokenTTL = 24 * time.Hour

// IssueToken mints an HS256 access token for a user against the hub secret.
// Devices obtain one out of band (operator provisioning in this deployment).
func IssueToken(secret, userID string) (string, error) {
	now := time.Now().UTC()
	claims := jwt.StandardClaims{
		Subject:   userID,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(tokenTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates an access token and returns the user id it names.
func VerifyToken(secret, raw string) (string, error) {
	token, err := jwt.ParseWithClaims(raw, &jwt.StandardClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	claims, ok := token.Claims.(*jwt.StandardClaims)
	if !ok || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// authMiddleware rejects requests without a valid bearer token and stashes
// the caller's user id on the context.
func authMiddleware(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			raw := strings.TrimPrefix(header, "Bearer ")
			if raw == "" || raw == header {
				return echo.NewHTTPError(401, "missing bearer token")
			}

			userID, err := VerifyToken(secret, raw)
			if err != nil {
				return echo.NewHTTPError(401, "invalid bearer token")
			}
			c.Set("userID", userID)
			return next(c)
		}
	}
}
