package credential

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// ClientCredentialsSource exchanges a client id and secret for an access
// token at an OAuth2 token endpoint.
//
// The expiry comes from the token response when the endpoint reports one.
// Otherwise the access token's JWT "exp" claim is used, and failing that
// DefaultLifetime from the moment of issue.
type ClientCredentialsSource struct {
	DefaultLifetime time.Duration
	HTTPClient      *http.Client
}

func NewClientCredentialsSource(defaultLifetime time.Duration) *ClientCredentialsSource {
	if defaultLifetime <= 0 {
		defaultLifetime = time.Hour
	}
	return &ClientCredentialsSource{
		DefaultLifetime: defaultLifetime,
		HTTPClient:      &http.Client{Timeout: 60 * time.Second},
	}
}

func (s *ClientCredentialsSource) Obtain(ctx context.Context, id Identity) (Credential, error) {
	if strings.TrimSpace(id.TokenURL) == "" {
		return Credential{}, fmt.Errorf("token url is required")
	}
	cfg := clientcredentials.Config{
		ClientID:     id.ClientID,
		ClientSecret: id.ClientSecret,
		TokenURL:     id.TokenURL,
		Scopes:       id.Scopes,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	if s.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, s.HTTPClient)
	}

	issuedAt := time.Now().UTC()
	tok, err := cfg.Token(ctx)
	if err != nil {
		return Credential{}, fmt.Errorf("client credentials exchange: %w", err)
	}
	if strings.TrimSpace(tok.AccessToken) == "" {
		return Credential{}, ErrEmptyToken
	}

	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		if exp, ok := jwtExpiry(tok.AccessToken); ok {
			expiresAt = exp
		} else if s.DefaultLifetime > 0 {
			expiresAt = issuedAt.Add(s.DefaultLifetime)
		}
	}

	return Credential{
		Token:     tok.AccessToken,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt.UTC(),
		Identity:  id,
	}, nil
}

// jwtExpiry reads the exp claim without verifying the signature. The token
// is only inspected for its lifetime, never trusted for authorization.
func jwtExpiry(token string) (time.Time, bool) {
	if strings.Count(token, ".") != 2 {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, ok := claims["exp"].(float64)
	if !ok || exp <= 0 {
		return time.Time{}, false
	}
	return time.Unix(int64(exp), 0).UTC(), true
}
