// Package auth guards the control API with bearer tokens carrying a
// permission level.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fruitsalade/autoreload/internal/metrics"
	"github.com/fruitsalade/autoreload/internal/protocol"
)

type contextKey string

const claimsContextKey contextKey = "claims"

const issuer = "autoreload"

// ErrNoSecret is returned when issuing tokens without a configured secret.
var ErrNoSecret = errors.New("jwt secret not configured")

// Claims holds JWT token claims.
type Claims struct {
	Permission int `json:"permission"`
	jwt.RegisteredClaims
}

// Auth validates bearer tokens and enforces the required permission.
type Auth struct {
	secret   []byte
	oidc     *OIDCProvider
	required func() int
}

// New creates an Auth. required is consulted on every request so the
// permission level can change at runtime.
func New(jwtSecret string, required func() int) *Auth {
	return &Auth{
		secret:   []byte(jwtSecret),
		required: required,
	}
}

// SetOIDCProvider enables OIDC ID tokens as a second token source.
func (a *Auth) SetOIDCProvider(p *OIDCProvider) {
	a.oidc = p
}

// Enabled reports whether any token source is configured. Without one the
// middleware lets every request through.
func (a *Auth) Enabled() bool {
	return len(a.secret) > 0 || a.oidc != nil
}

// IssueToken signs an HS256 token for subject.
func (a *Auth) IssueToken(subject string, permission int, ttl time.Duration) (string, time.Time, error) {
	if len(a.secret) == 0 {
		return "", time.Time{}, ErrNoSecret
	}
	now := time.Now()
	expires := now.Add(ttl)
	claims := &Claims{
		Permission: permission,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return tokenStr, expires, nil
}

// ValidateToken parses a locally issued token.
func (a *Auth) ValidateToken(tokenStr string) (*Claims, error) {
	if len(a.secret) == 0 {
		return nil, ErrNoSecret
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithIssuer(issuer))

	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// Middleware authenticates the request, then requires a permission level
// of at least the configured one. It tries local JWTs first, then OIDC.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		tokenStr := extractToken(r)
		if tokenStr == "" {
			metrics.RecordAuthAttempt(false)
			sendAuthError(w, http.StatusUnauthorized, "missing authentication token")
			return
		}

		claims, err := a.authenticate(r.Context(), tokenStr)
		if err != nil {
			metrics.RecordAuthAttempt(false)
			sendAuthError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		metrics.RecordAuthAttempt(true)

		if need := a.required(); claims.Permission < need {
			sendAuthError(w, http.StatusForbidden,
				fmt.Sprintf("permission %d required, token has %d", need, claims.Permission))
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Auth) authenticate(ctx context.Context, tokenStr string) (*Claims, error) {
	var jwtErr error
	if len(a.secret) > 0 {
		claims, err := a.ValidateToken(tokenStr)
		if err == nil {
			return claims, nil
		}
		jwtErr = err
	}
	if a.oidc != nil {
		return a.oidc.ValidateToken(ctx, tokenStr)
	}
	return nil, jwtErr
}

// GetClaims extracts claims from the request context.
func GetClaims(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsContextKey).(*Claims)
	return claims
}

func extractToken(r *http.Request) string {
	// Bearer token from Authorization header
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	// Query parameter fallback, for EventSource clients
	return r.URL.Query().Get("token")
}

func sendAuthError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(protocol.ErrorResponse{
		Error: message,
		Code:  code,
	})
}
