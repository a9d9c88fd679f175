package auth

import (
	"context"
	"fmt"
	"strconv"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/fruitsalade/autoreload/internal/logging"
)

// OIDCConfig holds OIDC provider configuration.
type OIDCConfig struct {
	IssuerURL       string
	ClientID        string
	PermissionClaim string // claim holding the permission level (default: "autoreload_permission")
}

// OIDCProvider validates OIDC ID tokens.
type OIDCProvider struct {
	verifier *oidc.IDTokenVerifier
	config   OIDCConfig
}

// NewOIDCProvider creates an OIDC provider from config.
// Returns nil if IssuerURL is empty (OIDC disabled).
func NewOIDCProvider(ctx context.Context, cfg OIDCConfig) (*OIDCProvider, error) {
	if cfg.IssuerURL == "" {
		return nil, nil
	}

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc provider init: %w", err)
	}

	if cfg.PermissionClaim == "" {
		cfg.PermissionClaim = "autoreload_permission"
	}

	logging.Info("OIDC provider initialized",
		zap.String("issuer", cfg.IssuerURL),
		zap.String("client_id", cfg.ClientID))

	return &OIDCProvider{
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		config:   cfg,
	}, nil
}

// ValidateToken verifies an ID token and maps its permission claim. A
// token without the claim gets permission 0.
func (o *OIDCProvider) ValidateToken(ctx context.Context, tokenStr string) (*Claims, error) {
	idToken, err := o.verifier.Verify(ctx, tokenStr)
	if err != nil {
		return nil, err
	}

	var raw map[string]interface{}
	if err := idToken.Claims(&raw); err != nil {
		return nil, fmt.Errorf("parse oidc claims: %w", err)
	}

	perm, _ := permissionFromClaim(raw[o.config.PermissionClaim])
	return &Claims{
		Permission: perm,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: idToken.Subject,
			Issuer:  idToken.Issuer,
		},
	}, nil
}

// permissionFromClaim accepts JSON numbers and numeric strings.
func permissionFromClaim(v interface{}) (int, bool) {
	switch val := v.(type) {
	case float64:
		return int(val), true
	case string:
		n, err := strconv.Atoi(val)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
