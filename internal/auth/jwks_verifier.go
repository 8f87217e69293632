package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/visualmatrix/api/internal/config"
)

// RoleAdmin grants access to the channel registry and job administration.
const RoleAdmin = "admin"

// TokenVerifier validates bearer tokens issued by the identity provider.
type TokenVerifier interface {
	Validate(tokenString string) (*Claims, error)
	Close() error
}

// Claims are the access token claims the API reads. Roles may arrive as a
// top-level "roles" array or under Keycloak's "realm_access".
type Claims struct {
	UserID          string   `json:"sub"`
	Email           string   `json:"email,omitempty"`
	AuthorizedParty string   `json:"azp,omitempty"`
	Roles           []string `json:"roles,omitempty"`
	RealmAccess     struct {
		Roles []string `json:"roles,omitempty"`
	} `json:"realm_access,omitempty"`
	jwt.RegisteredClaims
}

// RoleList merges both role sources without duplicates.
func (c *Claims) RoleList() []string {
	out := make([]string, 0, len(c.Roles)+len(c.RealmAccess.Roles))
	for _, r := range append(append([]string{}, c.Roles...), c.RealmAccess.Roles...) {
		if r != "" && !contains(out, r) {
			out = append(out, r)
		}
	}
	return out
}

func (c *Claims) IsAdmin() bool {
	return contains(c.RoleList(), RoleAdmin)
}

// JWKSVerifier implements TokenVerifier using the issuer's JWKS.
type JWKSVerifier struct {
	jwks     keyfunc.Keyfunc
	issuer   string
	audience string
}

func NewJWKSVerifier(cfg *config.OIDCConfig) (*JWKSVerifier, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("oidc issuer is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	issuer := strings.TrimSuffix(cfg.Issuer, "/")
	jwksURL, err := discoverJWKSURL(ctx, discoveryClient, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover JWKS URL: %w", err)
	}

	jwks, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS keyfunc: %w", err)
	}

	return &JWKSVerifier{
		jwks:     jwks,
		issuer:   issuer,
		audience: cfg.ClientID,
	}, nil
}

var discoveryClient = &http.Client{Timeout: 10 * time.Second}

// discoverJWKSURL reads jwks_uri from the issuer's discovery document.
func discoverJWKSURL(ctx context.Context, hc *http.Client, issuer string) (string, error) {
	discoveryURL := issuer + "/.well-known/openid-configuration"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create discovery request: %w", err)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch discovery document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("discovery endpoint returned status %d", resp.StatusCode)
	}

	var doc struct {
		Issuer  string `json:"issuer"`
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("failed to decode discovery document: %w", err)
	}
	if doc.Issuer != "" && strings.TrimSuffix(doc.Issuer, "/") != issuer {
		return "", fmt.Errorf("discovery issuer %q does not match %q", doc.Issuer, issuer)
	}
	if doc.JWKSURI == "" {
		return "", fmt.Errorf("jwks_uri missing from discovery document")
	}
	return doc.JWKSURI, nil
}

func (v *JWKSVerifier) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.jwks.Keyfunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("token has no subject")
	}

	if v.audience != "" {
		aud, err := claims.GetAudience()
		if err != nil {
			return nil, fmt.Errorf("failed to read audience: %w", err)
		}
		// Keycloak puts the client in azp rather than aud for public clients.
		if !contains(aud, v.audience) && claims.AuthorizedParty != v.audience {
			return nil, fmt.Errorf("token not issued for %s", v.audience)
		}
	}
	return claims, nil
}

// Close is a no-op; keyfunc stops refreshing with its context.
func (v *JWKSVerifier) Close() error { return nil }

func contains(slice []string, item string) bool {
	return slices.Contains(slice, item)
}
