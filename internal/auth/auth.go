// Package auth verifies the bearer tokens minted by the external identity
// service. The server never issues credentials itself; it only checks the
// HMAC signature and lifts the account and device identity into the request
// context, where submission handlers read the authenticated device id.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

type TokenClaims struct {
	AccountID string
	DeviceID  string
}

type Verifier struct {
	secret string
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: secret}
}

func (v *Verifier) VerifyToken(tokenString string) (*TokenClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(v.secret), nil
	})

	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	accountID, ok := claims["sub"].(string)
	if !ok || accountID == "" {
		return nil, ErrInvalidToken
	}

	deviceID, ok := claims["device_id"].(string)
	if !ok || deviceID == "" {
		return nil, ErrInvalidToken
	}

	return &TokenClaims{AccountID: accountID, DeviceID: deviceID}, nil
}

type contextKey struct{}

// Middleware authenticates every request with a Bearer token and stores the
// claims in the request context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenString, found := strings.CutPrefix(header, "Bearer ")
		if !found || tokenString == "" {
			// Websocket clients cannot set headers from browsers, so the
			// token may ride in the query string instead.
			tokenString = r.URL.Query().Get("token")
		}
		if tokenString == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}

		claims, err := v.VerifyToken(tokenString)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), contextKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FromContext returns the verified claims of the current request.
func FromContext(ctx context.Context) (*TokenClaims, bool) {
	claims, ok := ctx.Value(contextKey{}).(*TokenClaims)
	return claims, ok
}
